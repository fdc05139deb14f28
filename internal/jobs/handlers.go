package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kiranshivaraju/shelfmark/internal/ai"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	analysisSystem = "You are an antiquarian book appraiser. Estimate the current market value " +
		"of the book described by the user. Reply with a single JSON object and nothing else: " +
		`{"estimated_value": "<amount>", "currency": "<ISO 4217 code>", "summary": "<two or three sentences>"}`

	evalReportSystem = "You are a rare book specialist writing an evaluation report for a collector. " +
		"Cover condition, edition and provenance notes, notable points and care recommendations. " +
		"Use short Markdown sections."

	profileSystem = "You write concise reference profiles for a book collection catalog. " +
		"Write three short paragraphs in plain prose. Do not invent dates or titles you are not sure of."

	analysisMaxTokens = 512
	reportMaxTokens   = 2048
	profileMaxTokens  = 1024
)

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

// AnalyzeBook produces a valuation for a book.
func AnalyzeBook(ctx context.Context, svc *ai.Service, subject *models.Subject, model string) (*Result, error) {
	resp, err := svc.Invoke(ctx, models.InvokeRequest{
		Model:     model,
		System:    analysisSystem,
		Prompt:    describeSubject("Book", subject),
		MaxTokens: analysisMaxTokens,
	})
	if err != nil {
		return nil, err
	}

	v, err := parseValuation(resp.Text)
	if err != nil {
		return nil, err
	}
	return &Result{
		Content:        v.Summary,
		Model:          resp.Model,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		EstimatedValue: v.EstimatedValue,
		Currency:       &v.Currency,
	}, nil
}

// EvaluateBook produces a Markdown evaluation report for a book.
func EvaluateBook(ctx context.Context, svc *ai.Service, subject *models.Subject, model string) (*Result, error) {
	return invokeText(ctx, svc, model, evalReportSystem, describeSubject("Book", subject), reportMaxTokens)
}

// GenerateProfile produces a reference profile for an author or publisher.
func GenerateProfile(ctx context.Context, svc *ai.Service, subject *models.Subject, model string) (*Result, error) {
	label := "Author"
	if subject.Kind == models.SubjectKindPublisher {
		label = "Publisher"
	}
	return invokeText(ctx, svc, model, profileSystem, describeSubject(label, subject), profileMaxTokens)
}

func invokeText(ctx context.Context, svc *ai.Service, model, system, prompt string, maxTokens int) (*Result, error) {
	resp, err := svc.Invoke(ctx, models.InvokeRequest{
		Model:     model,
		System:    system,
		Prompt:    prompt,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Content:      strings.TrimSpace(resp.Text),
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}

// describeSubject renders a subject as "Label: title" followed by one
// "key: value" line per attribute, keys sorted.
func describeSubject(label string, s *models.Subject) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", label, s.Title)
	keys := make([]string, 0, len(s.Attributes))
	for k := range s.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, s.Attributes[k])
	}
	return b.String()
}

type valuation struct {
	EstimatedValue *decimal.Decimal `json:"estimated_value"`
	Currency       string           `json:"currency"`
	Summary        string           `json:"summary"`
}

// parseValuation extracts the JSON object from a completion. Models often
// wrap it in prose or code fences, so everything outside the outermost
// braces is ignored.
func parseValuation(text string) (*valuation, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in valuation: %q", ai.ErrInvalidResponse, ai.TruncateString(text, 200))
	}

	var v valuation
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("%w: valuation: %v", ai.ErrInvalidResponse, err)
	}
	v.Currency = strings.ToUpper(strings.TrimSpace(v.Currency))
	if !currencyCode.MatchString(v.Currency) {
		return nil, fmt.Errorf("%w: valuation currency %q", ai.ErrInvalidResponse, v.Currency)
	}
	if v.EstimatedValue == nil {
		return nil, fmt.Errorf("%w: valuation without estimated_value", ai.ErrInvalidResponse)
	}
	if v.EstimatedValue.IsNegative() {
		return nil, fmt.Errorf("%w: negative valuation %s", ai.ErrInvalidResponse, v.EstimatedValue)
	}
	rounded := v.EstimatedValue.Round(2)
	v.EstimatedValue = &rounded
	v.Summary = strings.TrimSpace(v.Summary)
	if v.Summary == "" {
		v.Summary = fmt.Sprintf("Estimated value %s %s.", v.EstimatedValue.StringFixed(2), v.Currency)
	}
	return &v, nil
}
