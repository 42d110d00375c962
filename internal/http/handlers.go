package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/nutrictx/internal/bulk"
	"github.com/fyrsmithlabs/nutrictx/internal/ingest"
	"github.com/fyrsmithlabs/nutrictx/internal/logging"
	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
	"github.com/fyrsmithlabs/nutrictx/internal/retrieval"
	"github.com/fyrsmithlabs/nutrictx/internal/services"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleContext retrieves assembled context for a query.
func (s *Server) handleContext(c echo.Context) error {
	var req ContextRequest
	if err := c.Bind(&req); err != nil {
		ctx := c.Request().Context()
		logging.FromContext(ctx).Warn(ctx, "invalid context request", zap.Error(err))
		return s.fail(c, http.StatusBadRequest, errors.New("invalid request body"))
	}
	types, err := nutrition.ParseDataTypes(req.DataTypes)
	if err != nil {
		return s.fail(c, http.StatusBadRequest, err)
	}

	out, err := s.service.GetRelevantContext(c.Request().Context(), c.Param("user_id"), req.Query, types)
	if err != nil {
		return s.fail(c, errorStatus(err), err)
	}
	return c.JSON(http.StatusOK, out)
}

// handleVectorize starts a rebuild, or runs it inline when Wait is set.
func (s *Server) handleVectorize(c echo.Context) error {
	var req VectorizeRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, http.StatusBadRequest, errors.New("invalid request body"))
	}
	types, err := nutrition.ParseDataTypes(req.DataTypes)
	if err != nil {
		return s.fail(c, http.StatusBadRequest, err)
	}
	ctx, userID := c.Request().Context(), c.Param("user_id")

	if req.Wait {
		report, err := s.service.BulkVectorizeSync(ctx, userID, types, req.ForceRebuild)
		if err != nil {
			return s.fail(c, errorStatus(err), err)
		}
		return c.JSON(http.StatusOK, reportResponse(report))
	}

	id, err := s.service.BulkVectorize(ctx, userID, types, req.ForceRebuild)
	if err != nil {
		return s.fail(c, errorStatus(err), err)
	}
	return c.JSON(http.StatusAccepted, VectorizeResponse{JobID: id})
}

func (s *Server) handleVectorizeStatus(c echo.Context) error {
	st, ok := s.service.BulkStatus(c.Param("user_id"))
	if !ok {
		return s.fail(c, http.StatusNotFound, errors.New("no vectorization job for user"))
	}
	return c.JSON(http.StatusOK, statusResponse(st))
}

func (s *Server) handleVectorizeCancel(c echo.Context) error {
	if !s.service.CancelBulk(c.Param("user_id")) {
		return s.fail(c, http.StatusNotFound, errors.New("no running vectorization job for user"))
	}
	return c.JSON(http.StatusOK, CancelResponse{Cancelled: true})
}

// handleInvalidate deletes vectors for one type, or all when data_type is absent.
func (s *Server) handleInvalidate(c echo.Context) error {
	var dataType *nutrition.DataType
	if raw := c.QueryParam("data_type"); raw != "" {
		dt, err := nutrition.ParseDataType(raw)
		if err != nil {
			return s.fail(c, http.StatusBadRequest, err)
		}
		dataType = &dt
	}
	if err := s.service.Invalidate(c.Request().Context(), c.Param("user_id"), dataType); err != nil {
		return s.fail(c, errorStatus(err), err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStats(c echo.Context) error {
	st, err := s.service.Stats(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		return s.fail(c, errorStatus(err), err)
	}
	return c.JSON(http.StatusOK, st)
}

// handleEvent accepts a domain change for asynchronous ingestion.
func (s *Server) handleEvent(c echo.Context) error {
	var ev ingest.Event
	if err := c.Bind(&ev); err != nil {
		return s.fail(c, http.StatusBadRequest, errors.New("invalid request body"))
	}
	if err := s.service.OnEntityChanged(c.Request().Context(), ev); err != nil {
		return s.fail(c, errorStatus(err), err)
	}
	return c.JSON(http.StatusAccepted, EventResponse{Accepted: true})
}

func (s *Server) fail(c echo.Context, status int, err error) error {
	if status >= http.StatusInternalServerError {
		ctx := c.Request().Context()
		logging.FromContext(ctx).Error(ctx, "request failed",
			zap.String("route", c.Path()),
			zap.Error(err))
	}
	return c.JSON(status, ErrorResponse{Error: err.Error()})
}

// errorStatus maps service errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, nutrition.ErrInvalidUser),
		errors.Is(err, nutrition.ErrUnknownDataType),
		errors.Is(err, nutrition.ErrInvalidEntity),
		errors.Is(err, retrieval.ErrEmptyQuery),
		errors.Is(err, ingest.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, bulk.ErrJobRunning):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrQueueFull),
		errors.Is(err, ingest.ErrQueueClosed),
		errors.Is(err, services.ErrNoSink),
		errors.Is(err, nutrition.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
