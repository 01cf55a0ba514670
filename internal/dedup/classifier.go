package dedup

import (
	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
)

type Decision string

const (
	DecisionNew        Decision = "NEW"
	DecisionBorderline Decision = "BORDERLINE"
	DecisionUpdate     Decision = "UPDATE"
)

// Totals closer than this are treated as a tie.
const tieEpsilon = 1e-9

type ClassificationResult struct {
	Decision         Decision              `json:"decision"`
	BestCandidateID  string                `json:"best_candidate_id,omitempty"`
	BestScore        float64               `json:"best_score"`
	Breakdown        map[Dimension]float64 `json:"breakdown,omitempty"`
	CandidatesScored int                   `json:"candidates_scored"`
}

// HasCandidate reports whether a best candidate was selected.
func (r ClassificationResult) HasCandidate() bool {
	return r.BestCandidateID != ""
}

// Classifier picks the best-scoring candidate and maps its score onto a decision band.
type Classifier struct {
	scorer     Scorer
	thresholds Thresholds
	tieBreak   TieBreak
}

func NewClassifier(cfg ScoringConfig, scorer Scorer) *Classifier {
	if scorer == nil {
		scorer = NewTrigramScorer(cfg)
	}
	return &Classifier{
		scorer:     scorer,
		thresholds: cfg.Thresholds,
		tieBreak:   cfg.TieBreak,
	}
}

func (c *Classifier) Classify(target article.Article, candidates []article.Article) ClassificationResult {
	if len(candidates) == 0 {
		return ClassificationResult{Decision: DecisionNew}
	}

	var (
		best      article.Article
		bestScore Score
		found     bool
	)
	for _, candidate := range candidates {
		score := c.scorer.Score(target, candidate)
		if !found || c.better(score, candidate, bestScore, best) {
			best = candidate
			bestScore = score
			found = true
		}
	}

	return ClassificationResult{
		Decision:         c.Band(bestScore.Total),
		BestCandidateID:  best.ID,
		BestScore:        bestScore.Total,
		Breakdown:        bestScore.Breakdown,
		CandidatesScored: len(candidates),
	}
}

// Band maps a total score onto a decision using inclusive lower bounds.
func (c *Classifier) Band(total float64) Decision {
	switch {
	case total >= c.thresholds.Update:
		return DecisionUpdate
	case total >= c.thresholds.Borderline:
		return DecisionBorderline
	default:
		return DecisionNew
	}
}

func (c *Classifier) better(score Score, candidate article.Article, bestScore Score, best article.Article) bool {
	diff := score.Total - bestScore.Total
	if diff > tieEpsilon {
		return true
	}
	if diff < -tieEpsilon {
		return false
	}

	if !candidate.PublicationDate.Equal(best.PublicationDate) {
		if c.tieBreak == TieBreakOldest {
			return candidate.PublicationDate.Before(best.PublicationDate)
		}
		return candidate.PublicationDate.After(best.PublicationDate)
	}
	return candidate.ID < best.ID
}
