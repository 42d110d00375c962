// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// The package wraps Zap with:
//   - A Trace level (-2, below Debug)
//   - Dual output (stdout and the OpenTelemetry log bridge)
//   - Context field injection (trace_id, user.id, job.id, request.id)
//   - Redaction of sensitive keys and value patterns
//   - Level-aware sampling (errors are never sampled)
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithUserID(ctx, "u1")
//	logger.Info(ctx, "context assembled", zap.Int("items", 12))
//
// Components that only need a *zap.Logger receive logger.Underlying().
package logging
