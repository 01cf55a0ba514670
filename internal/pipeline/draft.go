package pipeline

import (
	"strings"
	"unicode/utf8"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
)

// DeriveDraft builds the update delta for a direct UPDATE classification from the new
// article itself. It fails with a ValidationError when the new article is too thin to
// fill the summary and detail bounds; such cases go to review.
func DeriveDraft(target, original article.Article) (article.UpdateDraft, error) {
	summary, ok := fitText(target.Summary, article.UpdateSummaryMinLen, article.UpdateSummaryMaxLen)
	if !ok && target.Title != "" {
		summary, ok = fitText(target.Title+". "+target.Summary, article.UpdateSummaryMinLen, article.UpdateSummaryMaxLen)
	}
	if !ok {
		return article.UpdateDraft{}, &article.ValidationError{Field: "update.summary", Reason: "new article summary is too short to derive an update"}
	}

	detail, ok := fitText(target.Text(), article.UpdateDetailMinLen, article.UpdateDetailMaxLen)
	if !ok && target.FullText != "" {
		detail, ok = fitText(target.Summary+" "+target.FullText, article.UpdateDetailMinLen, article.UpdateDetailMaxLen)
	}
	if !ok {
		return article.UpdateDraft{}, &article.ValidationError{Field: "update.detail", Reason: "new article text is too short to derive an update"}
	}

	return article.UpdateDraft{
		Summary:        summary,
		Detail:         detail,
		Sources:        append([]article.Source(nil), target.Sources...),
		SeverityChange: severityChange(target, original),
	}, nil
}

// severityChange compares the highest CVSS score, then known exploitation.
func severityChange(target, original article.Article) article.SeverityChange {
	targetScore, targetHas := maxCVSS(target)
	originalScore, originalHas := maxCVSS(original)
	if targetHas && originalHas {
		switch {
		case targetScore > originalScore:
			return article.SeverityIncreased
		case targetScore < originalScore:
			return article.SeverityDecreased
		}
	}
	if targetHas && !originalHas {
		return article.SeverityIncreased
	}
	if knownExploited(target) && !knownExploited(original) {
		return article.SeverityIncreased
	}
	return article.SeverityUnchanged
}

func maxCVSS(a article.Article) (float64, bool) {
	best := 0.0
	found := false
	for _, cve := range a.CVEs {
		if cve.CVSSScore == nil {
			continue
		}
		if !found || *cve.CVSSScore > best {
			best = *cve.CVSSScore
			found = true
		}
	}
	return best, found
}

func knownExploited(a article.Article) bool {
	for _, cve := range a.CVEs {
		if cve.IsKnownExploited {
			return true
		}
	}
	return false
}

// fitText collapses whitespace and cuts at a word boundary to at most maxLen runes.
func fitText(text string, minLen, maxLen int) (string, bool) {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxLen {
		return text, utf8.RuneCountInString(text) >= minLen
	}

	runes := []rune(text)
	cut := string(runes[:maxLen-1])
	if idx := strings.LastIndex(cut, " "); idx > 0 && utf8.RuneCountInString(cut[:idx]) >= minLen {
		cut = cut[:idx]
	}
	cut = strings.TrimRight(cut, " ,;:") + "…"
	return cut, utf8.RuneCountInString(cut) >= minLen
}
