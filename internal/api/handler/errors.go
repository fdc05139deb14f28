// Package handler contains the HTTP handlers of the job API. Each handler
// depends on a narrow interface so it can be tested with a fake.
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/shelfmark/internal/api/response"
	"github.com/kiranshivaraju/shelfmark/internal/catalog"
	"github.com/kiranshivaraju/shelfmark/internal/jobs"
)

// writeError maps the jobs error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr     *jobs.ValidationError
		conflict *jobs.ConflictError
		infra    *jobs.InfrastructureError
	)
	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", verr.Error(),
			map[string]string{"field": verr.Field, "reason": verr.Reason})

	case errors.As(err, &conflict):
		response.Error(w, http.StatusConflict, "ACTIVE_JOB_EXISTS", conflict.Error(),
			map[string]string{"existing_job_id": conflict.ExistingJobID.String()})

	case errors.Is(err, jobs.ErrConflict):
		response.Error(w, http.StatusConflict, "ACTIVE_BATCH_EXISTS", err.Error(), nil)

	case errors.Is(err, jobs.ErrAlreadyFinished):
		response.Error(w, http.StatusConflict, "ALREADY_FINISHED", err.Error(), nil)

	case errors.Is(err, jobs.ErrNotRetryable):
		response.Error(w, http.StatusConflict, "NOT_RETRYABLE", err.Error(), nil)

	case errors.Is(err, jobs.ErrNotReplayable):
		response.Error(w, http.StatusConflict, "NOT_REPLAYABLE", err.Error(), nil)

	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, catalog.ErrArtifactNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)

	case errors.As(err, &infra):
		slog.Error("job infrastructure unavailable", "op", infra.Op, "path", r.URL.Path, "error", infra.Err)
		var details map[string]string
		if infra.JobID != uuid.Nil {
			details = map[string]string{"job_id": infra.JobID.String()}
		}
		response.Error(w, http.StatusServiceUnavailable, "INFRASTRUCTURE_UNAVAILABLE",
			"A backing service is unavailable, try again later", details)

	default:
		slog.Error("unhandled error", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// pathUUID parses a UUID route parameter, writing a 400 when it is malformed.
func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", param+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
