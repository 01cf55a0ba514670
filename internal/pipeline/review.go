package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/arbitration"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/db"
)

// ErrAlreadyReviewed is returned when another review claimed or resolved the event first.
var ErrAlreadyReviewed = db.ErrEventReviewed

// ReviewDecision is a human resolution of a held case.
type ReviewDecision struct {
	Decision arbitration.Decision
	// Update is required for UPDATE. Its sources are replaced by the held article's sources.
	Update *article.UpdateDraft
}

// ResolveHeld applies a reviewer's decision to a case that was held for review.
func (s *Service) ResolveHeld(ctx context.Context, eventID int64, review ReviewDecision) (TargetReport, error) {
	if s == nil || s.store == nil {
		return TargetReport{}, fmt.Errorf("pipeline service is not initialized")
	}

	event, err := s.store.GetDedupEvent(ctx, eventID)
	if err != nil {
		return TargetReport{}, err
	}
	if event.ReviewedAt != nil {
		return TargetReport{}, fmt.Errorf("dedup_event_id=%d: %w", eventID, ErrAlreadyReviewed)
	}
	if event.Resolution != db.ResolutionHeldForReview {
		return TargetReport{}, fmt.Errorf("dedup_event_id=%d has resolution %q, not %s", eventID, event.Resolution, db.ResolutionHeldForReview)
	}

	var target article.Article
	if err := json.Unmarshal([]byte(event.TargetJSON), &target); err != nil {
		return TargetReport{}, fmt.Errorf("decode held article dedup_event_id=%d: %w", eventID, err)
	}
	if err := checkTarget(target); err != nil {
		return TargetReport{}, fmt.Errorf("held article dedup_event_id=%d: %w", eventID, err)
	}

	decision := arbitration.Decision(strings.ToUpper(strings.TrimSpace(string(review.Decision))))
	report := TargetReport{
		ArticleID:            target.ID,
		ArbitrationDecision:  decision,
		ArbitrationReasoning: "manual review",
		BestScore:            event.BestScore,
		CandidatesScored:     event.CandidatesScored,
		EventID:              eventID,
	}
	if event.BestCandidateID != nil {
		report.BestCandidateID = *event.BestCandidateID
	}

	switch decision {
	case arbitration.DecisionNew, arbitration.DecisionSkip:
	case arbitration.DecisionUpdate:
		if report.BestCandidateID == "" {
			return report, &article.ValidationError{Field: "decision", Reason: "UPDATE needs a candidate article and the held case has none"}
		}
		if review.Update == nil {
			return report, &article.ValidationError{Field: "update", Reason: "required when decision is UPDATE"}
		}
	default:
		return report, &article.ValidationError{
			Field:  "decision",
			Reason: fmt.Sprintf("must be one of NEW, SKIP, UPDATE; got %q", review.Decision),
		}
	}

	if !s.opts.DryRun {
		if err := s.store.ClaimReview(ctx, eventID); err != nil {
			return report, err
		}
	}

	report, err = s.applyReview(ctx, report, target, decision, review.Update)
	if err != nil {
		if !s.opts.DryRun {
			if releaseErr := s.store.ReleaseReview(context.WithoutCancel(ctx), eventID); releaseErr != nil {
				s.logger.Error().Err(releaseErr).Int64("dedup_event_id", eventID).Msg("release review claim failed")
			}
		}
		return report, err
	}

	if !s.opts.DryRun {
		if err := s.store.MarkReviewed(ctx, eventID, report.Resolution); err != nil {
			return report, err
		}
	}
	s.logger.Info().
		Int64("dedup_event_id", eventID).
		Str("article_id", target.ID).
		Str("resolution", report.Resolution).
		Msg("held case resolved")
	return report, nil
}

func (s *Service) applyReview(ctx context.Context, report TargetReport, target article.Article, decision arbitration.Decision, draft *article.UpdateDraft) (TargetReport, error) {
	switch decision {
	case arbitration.DecisionNew:
		return s.insert(ctx, report, target)
	case arbitration.DecisionSkip:
		report.Outcome = OutcomeClassified
		report.Resolution = db.ResolutionSkipped
		return report, nil
	default:
		report, err := s.update(ctx, report, target, *draft)
		if err == nil && report.Outcome == OutcomeHeldForReview {
			return report, &article.ValidationError{Field: "update", Reason: report.Error}
		}
		return report, err
	}
}
