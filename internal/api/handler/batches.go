package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/shelfmark/internal/api/middleware"
	"github.com/kiranshivaraju/shelfmark/internal/api/response"
	"github.com/kiranshivaraju/shelfmark/internal/jobs"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

const (
	defaultItemsLimit = 100
	maxItemsLimit     = 1000
)

// BatchService is the batch coordinator surface the batch handlers use.
type BatchService interface {
	SubmitBatch(ctx context.Context, req jobs.BatchRequest) (*models.BatchJob, error)
	Status(ctx context.Context, id uuid.UUID) (*models.BatchJob, error)
	Items(ctx context.Context, id uuid.UUID, state string, limit int) ([]*models.BatchItem, error)
	CancelBatch(ctx context.Context, id uuid.UUID) (*models.BatchJob, error)
}

type submitBatchRequest struct {
	Kind        string   `json:"kind"`
	SubjectKind string   `json:"subject_kind"`
	Model       string   `json:"model"`
	SubjectIDs  []string `json:"subject_ids"`
}

type acceptedBatch struct {
	BatchID uuid.UUID `json:"batch_id"`
	Status  string    `json:"status"`
	Total   int       `json:"total"`
}

// NewSubmitBatchHandler returns an http.HandlerFunc for POST /api/v1/batches.
// Omitting subject_ids targets every subject of subject_kind.
func NewSubmitBatchHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitBatchRequest
		if err := response.DecodeJSON(w, r, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body: "+err.Error(), nil)
			return
		}
		owner, _ := mw.GetOwner(r)

		batch, err := svc.SubmitBatch(r.Context(), jobs.BatchRequest{
			Owner:         owner,
			Kind:          req.Kind,
			SubjectKind:   req.SubjectKind,
			ModelSelector: req.Model,
			SubjectIDs:    req.SubjectIDs,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, acceptedBatch{BatchID: batch.ID, Status: batch.Status, Total: batch.Total})
	}
}

// NewBatchStatusHandler returns an http.HandlerFunc for GET /api/v1/batches/{batchID}.
func NewBatchStatusHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "batchID")
		if !ok {
			return
		}
		batch, err := svc.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, batch)
	}
}

var itemStates = map[string]bool{
	"":                        true,
	models.BatchItemQueued:    true,
	models.BatchItemSubmitted: true,
	models.BatchItemSucceeded: true,
	models.BatchItemFailed:    true,
	models.BatchItemSkipped:   true,
}

// NewBatchItemsHandler returns an http.HandlerFunc for
// GET /api/v1/batches/{batchID}/items?state=&limit=.
func NewBatchItemsHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "batchID")
		if !ok {
			return
		}
		state := r.URL.Query().Get("state")
		if !itemStates[state] {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown item state "+strconv.Quote(state), nil)
			return
		}
		limit, ok := queryLimit(w, r, defaultItemsLimit, maxItemsLimit)
		if !ok {
			return
		}

		items, err := svc.Items(r.Context(), id, state, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if items == nil {
			items = []*models.BatchItem{}
		}
		response.List(w, items, response.ListMeta{Limit: limit, Count: len(items)})
	}
}

// NewCancelBatchHandler returns an http.HandlerFunc for POST /api/v1/batches/{batchID}/cancel.
func NewCancelBatchHandler(svc BatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "batchID")
		if !ok {
			return
		}
		batch, err := svc.CancelBatch(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, acceptedBatch{BatchID: batch.ID, Status: batch.Status, Total: batch.Total})
	}
}

func queryLimit(w http.ResponseWriter, r *http.Request, def, max int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}
