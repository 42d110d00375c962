package http

import (
	"time"

	"github.com/fyrsmithlabs/nutrictx/internal/bulk"
	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ContextRequest is the request body for POST /api/v1/users/:user_id/context.
type ContextRequest struct {
	Query     string   `json:"query"`
	DataTypes []string `json:"data_types,omitempty"`
}

// VectorizeRequest is the request body for POST /api/v1/users/:user_id/vectorize.
type VectorizeRequest struct {
	DataTypes    []string `json:"data_types,omitempty"`
	ForceRebuild bool     `json:"force_rebuild"`
	// Wait runs the rebuild inside the request and returns its report.
	Wait bool `json:"wait"`
}

// VectorizeResponse is returned when a background rebuild starts.
type VectorizeResponse struct {
	JobID string `json:"job_id"`
}

// CancelResponse is the response body for DELETE /api/v1/users/:user_id/vectorize.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// EventResponse acknowledges an accepted change event.
type EventResponse struct {
	Accepted bool `json:"accepted"`
}

// TypeReportResponse is one data type's rebuild outcome.
type TypeReportResponse struct {
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	Rebuilt   bool              `json:"rebuilt"`
	Error     string            `json:"error,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// ReportResponse is a rebuild report.
type ReportResponse struct {
	JobID      string                                    `json:"job_id"`
	UserID     string                                    `json:"user_id"`
	Types      map[nutrition.DataType]TypeReportResponse `json:"types"`
	Cancelled  bool                                      `json:"cancelled"`
	StartedAt  time.Time                                 `json:"started_at"`
	FinishedAt time.Time                                 `json:"finished_at"`
}

// StatusResponse is the response body for GET /api/v1/users/:user_id/vectorize.
type StatusResponse struct {
	JobID     string               `json:"job_id"`
	State     bulk.JobState        `json:"state"`
	DataTypes []nutrition.DataType `json:"data_types"`
	StartedAt time.Time            `json:"started_at"`
	Report    *ReportResponse      `json:"report,omitempty"`
}

func reportResponse(r *bulk.Report) *ReportResponse {
	if r == nil {
		return nil
	}
	out := &ReportResponse{
		JobID:      r.JobID,
		UserID:     r.UserID,
		Types:      make(map[nutrition.DataType]TypeReportResponse, len(r.Types)),
		Cancelled:  r.Cancelled,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	for dt, tr := range r.Types {
		resp := TypeReportResponse{
			Succeeded: tr.Succeeded,
			Failed:    tr.Failed,
			Skipped:   tr.Skipped,
			Rebuilt:   tr.Rebuilt,
		}
		if tr.Err != nil {
			resp.Error = tr.Err.Error()
		}
		if len(tr.Errors) > 0 {
			resp.Errors = make(map[string]string, len(tr.Errors))
			for id, err := range tr.Errors {
				resp.Errors[id] = err.Error()
			}
		}
		out.Types[dt] = resp
	}
	return out
}

func statusResponse(st bulk.Status) StatusResponse {
	return StatusResponse{
		JobID:     st.JobID,
		State:     st.State,
		DataTypes: st.DataTypes,
		StartedAt: st.StartedAt,
		Report:    reportResponse(st.Report),
	}
}
