package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/shelfmark/internal/api/response"
	"github.com/kiranshivaraju/shelfmark/internal/broker"
	"github.com/kiranshivaraju/shelfmark/internal/jobs"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// DeadLetterQueue is the dead-letter surface the admin handlers use.
type DeadLetterQueue interface {
	DeadLetters(ctx context.Context, limit int) ([]broker.DeadLetter, error)
	Replay(ctx context.Context, id string) (*jobs.ReplayResult, error)
}

type deadLetterView struct {
	ID         string        `json:"id"`
	Deliveries int           `json:"deliveries"`
	Reason     string        `json:"reason"`
	DeadAt     time.Time     `json:"dead_at"`
	Message    *jobs.Message `json:"message,omitempty"`
	RawBody    string        `json:"raw_body,omitempty"`
}

// NewListDeadLettersHandler returns an http.HandlerFunc for GET /api/v1/admin/dead-letters.
// Bodies are decoded when they are dispatch messages and shown raw otherwise.
func NewListDeadLettersHandler(q DeadLetterQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := queryLimit(w, r, defaultDeadLetterLimit, maxDeadLetterLimit)
		if !ok {
			return
		}
		dls, err := q.DeadLetters(r.Context(), limit)
		if err != nil {
			slog.Error("list dead letters failed", "error", err)
			response.Error(w, http.StatusServiceUnavailable, "BROKER_UNAVAILABLE",
				"Failed to read dead letters", nil)
			return
		}

		views := make([]deadLetterView, 0, len(dls))
		for _, dl := range dls {
			v := deadLetterView{ID: dl.ID, Deliveries: dl.Deliveries, Reason: dl.Reason, DeadAt: dl.DeadAt}
			if msg, err := jobs.DecodeMessage(dl.Body); err == nil {
				v.Message = msg
			} else {
				v.RawBody = string(dl.Body)
			}
			views = append(views, v)
		}
		response.List(w, views, response.ListMeta{Limit: limit, Count: len(views)})
	}
}

// NewReplayDeadLetterHandler returns an http.HandlerFunc for
// POST /api/v1/admin/dead-letters/{messageID}/replay. The body reports whether
// the message was requeued, its job resubmitted, or the dead letter discarded.
func NewReplayDeadLetterHandler(q DeadLetterQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "messageID")
		res, err := q.Replay(r.Context(), id)
		switch {
		case errors.Is(err, broker.ErrNotDeadLettered):
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "No dead letter with id "+id, nil)
		case err != nil:
			writeError(w, r, err)
		default:
			response.Accepted(w, res)
		}
	}
}
