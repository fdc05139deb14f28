package jobs

import (
	"context"
	"sort"

	"github.com/kiranshivaraju/shelfmark/internal/ai"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
	"github.com/shopspring/decimal"
)

// Handler runs one attempt of a job kind against a loaded subject. It must
// return errors that ai.IsRetryable can classify; the worker owns retries.
type Handler func(ctx context.Context, svc *ai.Service, subject *models.Subject, model string) (*Result, error)

// Result is the output of a successful handler call.
type Result struct {
	Content        string
	Model          string
	InputTokens    int
	OutputTokens   int
	EstimatedValue *decimal.Decimal
	Currency       *string
}

type registration struct {
	handler      Handler
	subjectKinds map[string]bool
}

// Registry maps job kinds to handlers and the subject kinds they accept.
type Registry struct {
	kinds map[string]registration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]registration)}
}

// Register adds or replaces the handler for kind.
func (r *Registry) Register(kind string, h Handler, subjectKinds ...string) {
	accepted := make(map[string]bool, len(subjectKinds))
	for _, k := range subjectKinds {
		accepted[k] = true
	}
	r.kinds[kind] = registration{handler: h, subjectKinds: accepted}
}

// Lookup returns the handler registered for kind.
func (r *Registry) Lookup(kind string) (Handler, bool) {
	reg, ok := r.kinds[kind]
	return reg.handler, ok
}

// Accepts reports whether kind is registered for subjectKind.
func (r *Registry) Accepts(kind, subjectKind string) bool {
	reg, ok := r.kinds[kind]
	return ok && reg.subjectKinds[subjectKind]
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry registers the built-in job kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(models.JobKindAnalysis, AnalyzeBook, models.SubjectKindBook)
	r.Register(models.JobKindEvalReport, EvaluateBook, models.SubjectKindBook)
	r.Register(models.JobKindProfileGeneration, GenerateProfile, models.SubjectKindAuthor, models.SubjectKindPublisher)
	return r
}
