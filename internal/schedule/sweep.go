package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SweepJobName identifies the staleness sweep.
const SweepJobName = "staleness-sweep"

// UserLister lists users with vectorization records.
type UserLister interface {
	Users(ctx context.Context) ([]string, error)
}

// StaleRebuilder starts background rebuilds of stale data.
type StaleRebuilder interface {
	RebuildStale(ctx context.Context, userID string, ttl time.Duration) (string, error)
}

// SweepJob starts a rebuild for every known user with stale vectors.
type SweepJob struct {
	users   UserLister
	rebuild StaleRebuilder
	ttl     time.Duration
	logger  *zap.Logger
}

// NewSweepJob creates the sweep.
func NewSweepJob(users UserLister, rebuild StaleRebuilder, ttl time.Duration, logger *zap.Logger) *SweepJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SweepJob{users: users, rebuild: rebuild, ttl: ttl, logger: logger.Named("sweep")}
}

// Name implements Job.
func (j *SweepJob) Name() string { return SweepJobName }

// Run implements Job. Failures for one user do not stop the sweep; they
// are joined into the returned error.
func (j *SweepJob) Run(ctx context.Context) error {
	users, err := j.users.Users(ctx)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}

	var errs []error
	started := 0
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		id, err := j.rebuild.RebuildStale(ctx, u, j.ttl)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", u, err))
			continue
		}
		if id != "" {
			started++
			j.logger.Debug("stale rebuild started", zap.String("user.id", u), zap.String("job.id", id))
		}
	}
	j.logger.Info("staleness sweep complete",
		zap.Int("users", len(users)),
		zap.Int("rebuilds_started", started))
	return errors.Join(errs...)
}
