package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/shelfmark/internal/api/middleware"
	"github.com/kiranshivaraju/shelfmark/internal/api/response"
	"github.com/rs/cors"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	// CORSAllowedOrigins enables CORS for the listed origins. Empty disables it.
	CORSAllowedOrigins []string

	HealthHandler http.HandlerFunc

	SubmitJobHandler   http.HandlerFunc
	JobStatusHandler   http.HandlerFunc
	JobArtifactHandler http.HandlerFunc
	ActiveJobHandler   http.HandlerFunc
	CancelJobHandler   http.HandlerFunc
	RetryJobHandler    http.HandlerFunc

	SubmitBatchHandler http.HandlerFunc
	BatchStatusHandler http.HandlerFunc
	BatchItemsHandler  http.HandlerFunc
	CancelBatchHandler http.HandlerFunc

	ListDeadLettersHandler  http.HandlerFunc
	ReplayDeadLetterHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.JobStatusHandler))
		r.Get("/api/v1/jobs/{jobID}/artifact", orNotImplemented(deps.JobArtifactHandler))
		r.Get("/api/v1/subjects/{subjectKind}/{subjectID}/job", orNotImplemented(deps.ActiveJobHandler))
		r.Get("/api/v1/batches/{batchID}", orNotImplemented(deps.BatchStatusHandler))
		r.Get("/api/v1/batches/{batchID}/items", orNotImplemented(deps.BatchItemsHandler))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeSubmit))

			r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJobHandler))
			r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJobHandler))
			r.Post("/api/v1/jobs/{jobID}/retry", orNotImplemented(deps.RetryJobHandler))
			r.Post("/api/v1/batches", orNotImplemented(deps.SubmitBatchHandler))
			r.Post("/api/v1/batches/{batchID}/cancel", orNotImplemented(deps.CancelBatchHandler))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeAdmin))

			r.Get("/api/v1/admin/dead-letters", orNotImplemented(deps.ListDeadLettersHandler))
			r.Post("/api/v1/admin/dead-letters/{messageID}/replay", orNotImplemented(deps.ReplayDeadLetterHandler))
		})
	})

	if len(deps.CORSAllowedOrigins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins:   deps.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
	}).Handler(r)
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
