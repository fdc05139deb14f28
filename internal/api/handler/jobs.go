package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/shelfmark/internal/api/response"
	"github.com/kiranshivaraju/shelfmark/internal/jobs"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

// JobService is the gateway surface the job handlers use.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*models.Job, error)
	Status(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ActiveJob(ctx context.Context, subjectID, subjectKind string) (*models.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Retry(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// ArtifactReader loads the artifact a completed job produced.
type ArtifactReader interface {
	GetArtifactByJob(ctx context.Context, jobID uuid.UUID) (*models.Artifact, error)
}

type submitJobRequest struct {
	SubjectID   string `json:"subject_id"`
	SubjectKind string `json:"subject_kind"`
	Kind        string `json:"kind"`
	Model       string `json:"model"`
}

type acceptedJob struct {
	JobID  uuid.UUID `json:"job_id"`
	Status string    `json:"status"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitJobRequest
		if err := response.DecodeJSON(w, r, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body: "+err.Error(), nil)
			return
		}

		job, err := svc.Submit(r.Context(), jobs.SubmitRequest{
			SubjectID:     strings.TrimSpace(req.SubjectID),
			SubjectKind:   req.SubjectKind,
			Kind:          req.Kind,
			ModelSelector: req.Model,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, acceptedJob{JobID: job.ID, Status: job.Status})
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}
		job, err := svc.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewActiveJobHandler returns an http.HandlerFunc for
// GET /api/v1/subjects/{subjectKind}/{subjectID}/job.
func NewActiveJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.ActiveJob(r.Context(), chi.URLParam(r, "subjectID"), chi.URLParam(r, "subjectKind"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}
		job, err := svc.Cancel(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, acceptedJob{JobID: job.ID, Status: job.Status})
	}
}

// NewRetryJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/retry.
func NewRetryJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}
		job, err := svc.Retry(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, acceptedJob{JobID: job.ID, Status: job.Status})
	}
}

// NewJobArtifactHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/artifact.
// Only completed jobs have an artifact; anything else is a 409.
func NewJobArtifactHandler(svc JobService, artifacts ArtifactReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}
		job, err := svc.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if job.Status != models.JobStatusCompleted {
			response.Error(w, http.StatusConflict, "JOB_NOT_COMPLETED",
				"Job is "+job.Status+", artifacts exist only for completed jobs", nil)
			return
		}
		artifact, err := artifacts.GetArtifactByJob(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, artifact)
	}
}
