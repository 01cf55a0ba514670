package dedup

import (
	"strings"
	"unicode"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
)

// Score is a weighted total together with the per-dimension similarities that produced it.
type Score struct {
	Total     float64               `json:"total"`
	Breakdown map[Dimension]float64 `json:"breakdown"`
}

// Scorer compares a target article against one candidate. Implementations must be pure.
type Scorer interface {
	Score(target, candidate article.Article) Score
}

var entityDimensions = map[Dimension]article.EntityType{
	DimensionThreatActor: article.EntityThreatActor,
	DimensionMalware:     article.EntityMalware,
	DimensionProduct:     article.EntityProduct,
	DimensionCompany:     article.EntityCompany,
}

// TrigramScorer combines set overlap of CVEs and entities with character trigram overlap of the text.
type TrigramScorer struct {
	weights map[Dimension]float64
}

func NewTrigramScorer(cfg ScoringConfig) *TrigramScorer {
	weights := make(map[Dimension]float64, len(cfg.Weights))
	for dim, weight := range cfg.Weights {
		weights[dim] = weight
	}
	return &TrigramScorer{weights: weights}
}

func (s *TrigramScorer) Score(target, candidate article.Article) Score {
	breakdown := make(map[Dimension]float64, len(Dimensions))
	breakdown[DimensionCVE] = jaccard(stringSet(target.CVEIDs()), stringSet(candidate.CVEIDs()))
	breakdown[DimensionText] = textSimilarity(target, candidate)
	for dim, entityType := range entityDimensions {
		breakdown[dim] = jaccard(target.EntityKeys(entityType), candidate.EntityKeys(entityType))
	}

	total := 0.0
	for _, dim := range Dimensions {
		total += s.weights[dim] * breakdown[dim]
	}
	return Score{Total: clamp01(total), Breakdown: breakdown}
}

// textSimilarity uses full text only when both sides have it.
func textSimilarity(target, candidate article.Article) float64 {
	left, right := target.Summary, candidate.Summary
	if strings.TrimSpace(target.FullText) != "" && strings.TrimSpace(candidate.FullText) != "" {
		left, right = target.FullText, candidate.FullText
	}
	return jaccard(trigramSet(left), trigramSet(right))
}

// jaccard returns |A∩B| / |A∪B|, and 0 when both sets are empty.
func jaccard(left, right map[string]struct{}) float64 {
	if len(left) == 0 && len(right) == 0 {
		return 0
	}

	small, large := left, right
	if len(small) > len(large) {
		small, large = large, small
	}
	intersection := 0
	for key := range small {
		if _, ok := large[key]; ok {
			intersection++
		}
	}

	union := len(left) + len(right) - intersection
	if union <= 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func stringSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// trigramSet returns the overlapping 3-rune substrings of the normalized text.
func trigramSet(text string) map[string]struct{} {
	runes := []rune(normalizeText(text))
	if len(runes) < 3 {
		return nil
	}

	set := make(map[string]struct{}, len(runes)-2)
	for i := 0; i <= len(runes)-3; i++ {
		set[string(runes[i:i+3])] = struct{}{}
	}
	return set
}

func normalizeText(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	lastSpace := false
	for _, r := range trimmed {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimSpace(b.String())
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
