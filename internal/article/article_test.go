package article

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestNameKey_FoldsCaseAndWhitespace(t *testing.T) {
	t.Parallel()

	if got := NameKey("  Cl0p \t Gang "); got != "cl0p gang" {
		t.Fatalf("unexpected name key: %q", got)
	}
	if got := NameKey("   "); got != "" {
		t.Fatalf("expected empty key for blank name, got %q", got)
	}
}

func TestArticleText_FallsBackToSummary(t *testing.T) {
	t.Parallel()

	a := Article{Summary: "short summary"}
	if a.Text() != "short summary" {
		t.Fatalf("expected summary fallback, got %q", a.Text())
	}
	a.FullText = "full body"
	if a.Text() != "full body" {
		t.Fatalf("expected full text, got %q", a.Text())
	}
}

func TestCVEIDs_SortedAndDeduplicated(t *testing.T) {
	t.Parallel()

	a := Article{CVEs: []CVE{{ID: "CVE-2024-0002"}, {ID: "CVE-2024-0001"}, {ID: "CVE-2024-0002"}}}
	ids := a.CVEIDs()
	if len(ids) != 2 || ids[0] != "CVE-2024-0001" || ids[1] != "CVE-2024-0002" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestDate_TruncatesToUTCDay(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("x", 5*3600)
	got := Date(time.Date(2024, 3, 2, 1, 30, 0, 0, loc))
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("unexpected date: got %s want %s", got, want)
	}
}

func TestUpdateDraftValidate(t *testing.T) {
	t.Parallel()

	valid := UpdateDraft{
		Summary:        strings.Repeat("s", 60),
		Detail:         strings.Repeat("d", 250),
		Sources:        []Source{{URL: "https://example.com/advisory"}},
		SeverityChange: SeverityIncreased,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid draft, got %v", err)
	}

	cases := map[string]func(d *UpdateDraft){
		"short summary":  func(d *UpdateDraft) { d.Summary = "too short" },
		"long detail":    func(d *UpdateDraft) { d.Detail = strings.Repeat("d", 801) },
		"bad severity":   func(d *UpdateDraft) { d.SeverityChange = "worse" },
		"empty url":      func(d *UpdateDraft) { d.Sources = []Source{{URL: " "}} },
		"relative url":   func(d *UpdateDraft) { d.Sources = []Source{{URL: "advisory"}} },
		"missing detail": func(d *UpdateDraft) { d.Detail = "" },
	}
	for name, mutate := range cases {
		draft := valid
		mutate(&draft)
		err := draft.Validate()
		if !IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestUpdateDraftRecord_CopiesSources(t *testing.T) {
	t.Parallel()

	draft := UpdateDraft{Sources: []Source{{URL: "https://a.example"}}, SeverityChange: SeverityUnchanged}
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	record := draft.Record(at)
	draft.Sources[0].URL = "https://mutated.example"

	if record.Sources[0].URL != "https://a.example" {
		t.Fatalf("record shares source slice with draft")
	}
	if !record.Timestamp.Equal(at) {
		t.Fatalf("unexpected timestamp: %s", record.Timestamp)
	}
}

func TestErrorHelpers_UnwrapThroughWrapping(t *testing.T) {
	t.Parallel()

	base := errors.New("connection refused")
	wrapped := fmt.Errorf("find candidates: %w", &IndexUnavailableError{Err: base})
	if !IsIndexUnavailable(wrapped) {
		t.Fatalf("expected index unavailable error")
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
	if !IsNotFound(fmt.Errorf("apply: %w", &NotFoundError{ID: "a1"})) {
		t.Fatalf("expected not found error")
	}
}
