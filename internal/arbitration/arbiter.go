package arbitration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
	payloadschema "github.com/jaybodecode/netsecops.dev-sub001/schema"
)

type Decision string

const (
	DecisionNew    Decision = "NEW"
	DecisionSkip   Decision = "SKIP"
	DecisionUpdate Decision = "UPDATE"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionNew, DecisionSkip, DecisionUpdate:
		return true
	default:
		return false
	}
}

// ErrNoArbiter is returned by arbiters that defer every case to a human reviewer.
var ErrNoArbiter = errors.New("no automated arbiter configured")

// Arbiter decides borderline cases. Implementations must honour ctx cancellation.
type Arbiter interface {
	Arbitrate(ctx context.Context, req Request) (Result, error)
	Name() string
}

// Request carries the two articles being compared and the score that made the case borderline.
type Request struct {
	Target    article.Article
	Candidate article.Article
	Score     float64
}

type Result struct {
	Decision  Decision             `json:"decision"`
	Reasoning string               `json:"reasoning"`
	Update    *article.UpdateDraft `json:"update,omitempty"`
}

// ParseResponse strictly validates an arbitration reply. It never coerces a malformed field.
func ParseResponse(raw []byte) (Result, error) {
	resp, err := payloadschema.ValidateArbitrationResponse(json.RawMessage(raw))
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Decision:  Decision(resp.Decision),
		Reasoning: strings.TrimSpace(resp.Reasoning),
	}
	if resp.Update == nil {
		return result, nil
	}

	draft := article.UpdateDraft{
		Summary:        strings.TrimSpace(resp.Update.Summary),
		Detail:         strings.TrimSpace(resp.Update.Detail),
		SeverityChange: article.SeverityChange(resp.Update.SeverityChange),
		Sources:        make([]article.Source, 0, len(resp.Update.Sources)),
	}
	for _, source := range resp.Update.Sources {
		draft.Sources = append(draft.Sources, article.Source{
			URL:   strings.TrimSpace(source.URL),
			Title: strings.TrimSpace(source.Title),
		})
	}
	if err := draft.Validate(); err != nil {
		return Result{}, fmt.Errorf("update payload: %w", err)
	}
	result.Update = &draft
	return result, nil
}

// ManualArbiter sends every borderline case to the review queue.
type ManualArbiter struct{}

func (ManualArbiter) Name() string {
	return "manual"
}

func (ManualArbiter) Arbitrate(context.Context, Request) (Result, error) {
	return Result{}, ErrNoArbiter
}
