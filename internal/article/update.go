package article

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	UpdateSummaryMinLen = 50
	UpdateSummaryMaxLen = 150
	UpdateDetailMinLen  = 200
	UpdateDetailMaxLen  = 800
)

// Validate checks a draft against the update record contract.
func (d UpdateDraft) Validate() error {
	if err := checkLength("summary", d.Summary, UpdateSummaryMinLen, UpdateSummaryMaxLen); err != nil {
		return err
	}
	if err := checkLength("detail", d.Detail, UpdateDetailMinLen, UpdateDetailMaxLen); err != nil {
		return err
	}
	if !d.SeverityChange.Valid() {
		return &ValidationError{
			Field:  "severity_change",
			Reason: fmt.Sprintf("must be one of increased, decreased, unchanged; got %q", d.SeverityChange),
		}
	}
	for i, source := range d.Sources {
		field := fmt.Sprintf("sources[%d].url", i)
		trimmed := strings.TrimSpace(source.URL)
		if trimmed == "" {
			return &ValidationError{Field: field, Reason: "must not be empty"}
		}
		if _, err := url.ParseRequestURI(trimmed); err != nil {
			return &ValidationError{Field: field, Reason: "is not a valid URI"}
		}
	}
	return nil
}

// Record stamps the draft with the merge time.
func (d UpdateDraft) Record(at time.Time) UpdateRecord {
	sources := make([]Source, len(d.Sources))
	copy(sources, d.Sources)
	return UpdateRecord{
		Timestamp:      at.UTC(),
		Summary:        strings.TrimSpace(d.Summary),
		Detail:         strings.TrimSpace(d.Detail),
		Sources:        sources,
		SeverityChange: d.SeverityChange,
	}
}

func checkLength(field, value string, minLen, maxLen int) error {
	n := utf8.RuneCountInString(strings.TrimSpace(value))
	if n < minLen || n > maxLen {
		return &ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("length %d outside [%d, %d]", n, minLen, maxLen),
		}
	}
	return nil
}
