package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
)

func openTestPool(t *testing.T) *Pool {
	t.Helper()

	pool, err := Open(context.Background(), Options{
		DatabaseURL: "sqlite::memory:",
		LogLevel:    "silent",
	})
	if err != nil {
		t.Fatalf("open sqlite pool: %v", err)
	}
	t.Cleanup(func() {
		_ = pool.Close()
	})
	return pool
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

func testArticle(id string, published time.Time, cves []string, entities ...article.Entity) article.Article {
	a := article.Article{
		ID:              id,
		PublicationDate: published,
		Title:           "Title " + id,
		Summary:         "Summary of " + id,
		Entities:        entities,
		Sources:         []article.Source{{URL: "https://example.com/" + id, Title: id}},
	}
	for _, cve := range cves {
		a.CVEs = append(a.CVEs, article.CVE{ID: cve})
	}
	return a
}

func validDraft() article.UpdateDraft {
	return article.UpdateDraft{
		Summary:        strings.Repeat("s", 80),
		Detail:         strings.Repeat("d", 300),
		Sources:        []article.Source{{URL: "https://new.example.com/advisory", Title: "Advisory"}},
		SeverityChange: article.SeverityIncreased,
	}
}

func TestResolveDialect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw         string
		wantDialect string
		wantDSN     string
	}{
		{raw: "sqlite::memory:", wantDialect: DialectSQLite, wantDSN: ":memory:"},
		{raw: "sqlite:///tmp/netsecops.db", wantDialect: DialectSQLite, wantDSN: "/tmp/netsecops.db"},
		{raw: "file:netsecops.db?cache=shared", wantDialect: DialectSQLite, wantDSN: "file:netsecops.db?cache=shared"},
		{raw: " postgres://u:p@localhost/netsecops ", wantDialect: DialectPostgres, wantDSN: "postgres://u:p@localhost/netsecops"},
	}
	for _, tc := range tests {
		dialect, dsn := resolveDialect(tc.raw)
		if dialect != tc.wantDialect || dsn != tc.wantDSN {
			t.Fatalf("resolveDialect(%q) = (%q, %q), want (%q, %q)", tc.raw, dialect, dsn, tc.wantDialect, tc.wantDSN)
		}
	}
}

func TestSplitStatements_SkipsComments(t *testing.T) {
	t.Parallel()

	got := splitStatements("-- heading\nCREATE INDEX a ON t (x);\n\n-- other\nCREATE INDEX b ON t (y);\n")
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %#v", len(got), got)
	}
	if got[0] != "CREATE INDEX a ON t (x)" {
		t.Fatalf("unexpected first statement: %q", got[0])
	}
}

func TestBuildCandidateQuery_NoKeys(t *testing.T) {
	t.Parallel()

	_, _, ok, err := buildCandidateQuery(testArticle("a", day(2025, 10, 10), nil), 30)
	if err != nil {
		t.Fatalf("buildCandidateQuery() error = %v", err)
	}
	if ok {
		t.Fatalf("expected no query for a target without cves or entities")
	}
}

func TestBuildCandidateQuery_WindowAndKeys(t *testing.T) {
	t.Parallel()

	target := testArticle("target", day(2025, 10, 10), []string{"CVE-2025-61882"},
		article.Entity{Name: "Cl0p", Type: article.EntityThreatActor},
	)
	query, args, ok, err := buildCandidateQuery(target, 30)
	if err != nil {
		t.Fatalf("buildCandidateQuery() error = %v", err)
	}
	if !ok {
		t.Fatalf("expected a query")
	}
	for _, fragment := range []string{"article_cves", "article_entities", "a.publication_date >= ?", "a.publication_date < ?", "a.id <> ?"} {
		if !strings.Contains(query, fragment) {
			t.Fatalf("query missing %q: %s", fragment, query)
		}
	}

	var sawFrom, sawTo bool
	for _, arg := range args {
		ts, isTime := arg.(time.Time)
		if !isTime {
			continue
		}
		if ts.Equal(day(2025, 9, 10)) {
			sawFrom = true
		}
		if ts.Equal(day(2025, 10, 10)) {
			sawTo = true
		}
	}
	if !sawFrom || !sawTo {
		t.Fatalf("expected window bounds 2025-09-10 and 2025-10-10 in args: %#v", args)
	}
}

func TestInsertArticle_IdempotentByID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := openTestPool(t)

	a := testArticle("a1", day(2025, 10, 1), []string{"CVE-2025-0001", "CVE-2025-0002"},
		article.Entity{Name: "Cl0p", Type: article.EntityThreatActor},
	)
	inserted, err := pool.InsertArticle(ctx, a)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !inserted {
		t.Fatalf("expected first insert to report inserted")
	}

	a.Summary = "Revised summary"
	a.CVEs = a.CVEs[:1]
	inserted, err = pool.InsertArticle(ctx, a)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatalf("expected second insert to report an existing row")
	}

	got, err := pool.GetArticle(ctx, "a1")
	if err != nil {
		t.Fatalf("GetArticle() error = %v", err)
	}
	if got.Summary != "Revised summary" {
		t.Fatalf("summary = %q, want revised", got.Summary)
	}
	if len(got.CVEs) != 1 || got.CVEs[0].ID != "CVE-2025-0001" {
		t.Fatalf("expected cve rows replaced, got %#v", got.CVEs)
	}
	if len(got.Entities) != 1 || got.Entities[0].Name != "Cl0p" {
		t.Fatalf("unexpected entities: %#v", got.Entities)
	}

	var count int64
	if err := pool.GORM().Model(&ArticleRow{}).Count(&count).Error; err != nil {
		t.Fatalf("count articles: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one article row, got %d", count)
	}
}

func TestInsertArticle_PreservesUpdateHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := openTestPool(t)

	a := testArticle("a1", day(2025, 10, 1), []string{"CVE-2025-0001"})
	if _, err := pool.InsertArticle(ctx, a); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := pool.ApplyUpdate(ctx, ApplyUpdateParams{ArticleID: "a1", Draft: validDraft()}); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	if _, err := pool.InsertArticle(ctx, a); err != nil {
		t.Fatalf("re-insert: %v", err)
	}

	got, err := pool.GetArticle(ctx, "a1")
	if err != nil {
		t.Fatalf("GetArticle() error = %v", err)
	}
	if got.RevisionCount != 1 || len(got.Updates) != 1 {
		t.Fatalf("re-insert lost history: revision=%d updates=%d", got.RevisionCount, len(got.Updates))
	}
}

func TestInsertArticle_RejectsMissingFields(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t)
	_, err := pool.InsertArticle(context.Background(), article.Article{PublicationDate: day(2025, 1, 1)})
	if !article.IsValidation(err) {
		t.Fatalf("expected ValidationError for empty id, got %v", err)
	}
	_, err = pool.InsertArticle(context.Background(), article.Article{ID: "x"})
	if !article.IsValidation(err) {
		t.Fatalf("expected ValidationError for missing date, got %v", err)
	}
}

func TestFindCandidates_EmptyIndex(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t)
	target := testArticle("t", day(2025, 10, 10), []string{"CVE-2025-61882"})
	got, err := pool.FindCandidates(context.Background(), target, 30)
	if err != nil {
		t.Fatalf("FindCandidates() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestFindCandidates_SharedKeysInsideWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := openTestPool(t)

	cl0p := article.Entity{Name: "Cl0p", Type: article.EntityThreatActor}
	articles := []article.Article{
		testArticle("by-cve", day(2025, 10, 1), []string{"CVE-2025-61882"}),
		testArticle("by-entity", day(2025, 9, 20), nil, article.Entity{Name: "cl0p ", Type: article.EntityThreatActor}),
		testArticle("same-name-other-type", day(2025, 9, 20), nil, article.Entity{Name: "Cl0p", Type: article.EntityMalware}),
		testArticle("unrelated", day(2025, 10, 5), []string{"CVE-2024-1111"}),
		testArticle("too-old", day(2025, 9, 9), []string{"CVE-2025-61882"}),
		testArticle("window-start", day(2025, 9, 10), []string{"CVE-2025-61882"}),
		testArticle("same-day", day(2025, 10, 10), []string{"CVE-2025-61882"}),
		testArticle("future", day(2025, 10, 12), []string{"CVE-2025-61882"}),
	}
	for _, a := range articles {
		if _, err := pool.InsertArticle(ctx, a); err != nil {
			t.Fatalf("insert %s: %v", a.ID, err)
		}
	}

	target := testArticle("target", day(2025, 10, 10), []string{"CVE-2025-61882"}, cl0p)
	if _, err := pool.InsertArticle(ctx, target); err != nil {
		t.Fatalf("insert target: %v", err)
	}

	got, err := pool.FindCandidates(ctx, target, 30)
	if err != nil {
		t.Fatalf("FindCandidates() error = %v", err)
	}

	want := []string{"by-cve", "by-entity", "window-start"}
	if len(got) != len(want) {
		ids := make([]string, 0, len(got))
		for _, a := range got {
			ids = append(ids, a.ID)
		}
		t.Fatalf("candidates = %v, want %v", ids, want)
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("candidate[%d] = %q, want %q", i, got[i].ID, id)
		}
	}
	if len(got[0].CVEs) != 1 || got[0].CVEs[0].ID != "CVE-2025-61882" {
		t.Fatalf("candidate not hydrated with cves: %#v", got[0].CVEs)
	}
	if len(got[1].Entities) != 1 || got[1].Entities[0].Key() != "cl0p" {
		t.Fatalf("candidate not hydrated with entities: %#v", got[1].Entities)
	}
}

func TestApplyUpdate_AppendsAndIncrementsRevision(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := openTestPool(t)

	if _, err := pool.InsertArticle(ctx, testArticle("orig", day(2025, 10, 1), []string{"CVE-2025-61882"})); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first := validDraft()
	record, err := pool.ApplyUpdate(ctx, ApplyUpdateParams{ArticleID: "orig", Draft: first, SourceArticleID: "new-1"})
	if err != nil {
		t.Fatalf("first ApplyUpdate() error = %v", err)
	}
	if record.Timestamp.IsZero() {
		t.Fatalf("expected server-assigned timestamp")
	}

	second := validDraft()
	second.SeverityChange = article.SeverityUnchanged
	second.Sources = []article.Source{{URL: "https://second.example.com/post"}}
	if _, err := pool.ApplyUpdate(ctx, ApplyUpdateParams{ArticleID: "orig", Draft: second, SourceArticleID: "new-2"}); err != nil {
		t.Fatalf("second ApplyUpdate() error = %v", err)
	}

	got, err := pool.GetArticle(ctx, "orig")
	if err != nil {
		t.Fatalf("GetArticle() error = %v", err)
	}
	if got.RevisionCount != 2 {
		t.Fatalf("revision_count = %d, want 2", got.RevisionCount)
	}
	if len(got.Updates) != 2 {
		t.Fatalf("updates_json has %d records, want 2", len(got.Updates))
	}
	if got.Updates[0].SeverityChange != article.SeverityIncreased || got.Updates[1].SeverityChange != article.SeverityUnchanged {
		t.Fatalf("updates reordered: %#v", got.Updates)
	}
	if got.Updates[1].Sources[0].URL != "https://second.example.com/post" {
		t.Fatalf("unexpected update sources: %#v", got.Updates[1].Sources)
	}
	if got.Sources[0].URL != "https://example.com/orig" {
		t.Fatalf("original sources were modified: %#v", got.Sources)
	}

	history, err := pool.ListUpdateHistory(ctx, "orig")
	if err != nil {
		t.Fatalf("ListUpdateHistory() error = %v", err)
	}
	if len(history) != 2 || history[0].Sequence != 1 || history[1].Sequence != 2 {
		t.Fatalf("unexpected structured history: %#v", history)
	}
	if history[1].SourceArticleID == nil || *history[1].SourceArticleID != "new-2" {
		t.Fatalf("source article id not recorded: %#v", history[1].SourceArticleID)
	}
}

func TestApplyUpdate_MissingArticle(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t)
	_, err := pool.ApplyUpdate(context.Background(), ApplyUpdateParams{ArticleID: "ghost", Draft: validDraft()})
	if !article.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestApplyUpdate_InvalidDraftWritesNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := openTestPool(t)
	if _, err := pool.InsertArticle(ctx, testArticle("orig", day(2025, 10, 1), nil)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	draft := validDraft()
	draft.Summary = "too short"
	_, err := pool.ApplyUpdate(ctx, ApplyUpdateParams{ArticleID: "orig", Draft: draft})
	if !article.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	got, err := pool.GetArticle(ctx, "orig")
	if err != nil {
		t.Fatalf("GetArticle() error = %v", err)
	}
	if got.RevisionCount != 0 || len(got.Updates) != 0 {
		t.Fatalf("invalid draft mutated article: %#v", got)
	}
}

func TestApplyUpdate_ExpectedRevisionConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := openTestPool(t)
	if _, err := pool.InsertArticle(ctx, testArticle("orig", day(2025, 10, 1), nil)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	stale := 3
	_, err := pool.ApplyUpdate(ctx, ApplyUpdateParams{ArticleID: "orig", Draft: validDraft(), ExpectedRevision: &stale})
	if !errors.Is(err, article.ErrRevisionConflict) {
		t.Fatalf("expected ErrRevisionConflict, got %v", err)
	}

	current := 0
	if _, err := pool.ApplyUpdate(ctx, ApplyUpdateParams{ArticleID: "orig", Draft: validDraft(), ExpectedRevision: &current}); err != nil {
		t.Fatalf("ApplyUpdate() with current revision error = %v", err)
	}
}

func TestApplyUpdate_SameSourceArticleOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := openTestPool(t)
	if _, err := pool.InsertArticle(ctx, testArticle("orig", day(2025, 10, 1), nil)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	params := ApplyUpdateParams{ArticleID: "orig", Draft: validDraft(), SourceArticleID: "new-1"}
	if _, err := pool.ApplyUpdate(ctx, params); err != nil {
		t.Fatalf("first ApplyUpdate() error = %v", err)
	}
	_, err := pool.ApplyUpdate(ctx, params)
	if !errors.Is(err, ErrUpdateAlreadyApplied) {
		t.Fatalf("expected ErrUpdateAlreadyApplied, got %v", err)
	}

	got, err := pool.GetArticle(ctx, "orig")
	if err != nil {
		t.Fatalf("GetArticle() error = %v", err)
	}
	if got.RevisionCount != 1 {
		t.Fatalf("revision_count = %d, want 1", got.RevisionCount)
	}
}

func TestListArticles_DateRange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := openTestPool(t)
	for _, a := range []article.Article{
		testArticle("old", day(2025, 9, 1), nil),
		testArticle("mid", day(2025, 9, 15), nil),
		testArticle("new", day(2025, 9, 30), nil),
	} {
		if _, err := pool.InsertArticle(ctx, a); err != nil {
			t.Fatalf("insert %s: %v", a.ID, err)
		}
	}

	got, err := pool.ListArticles(ctx, ArticleListOptions{From: day(2025, 9, 10), To: day(2025, 10, 1), Limit: 10})
	if err != nil {
		t.Fatalf("ListArticles() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "mid" {
		t.Fatalf("unexpected listing: %#v", got)
	}
}

func TestDedupEventsAndRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := openTestPool(t)

	runID, err := pool.StartRun(ctx, "inbox", false)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	candidate := "orig"
	heldID, err := pool.RecordDecision(ctx, DedupEvent{
		RunID:           &runID,
		ArticleID:       "target",
		Decision:        "BORDERLINE",
		BestCandidateID: &candidate,
		BestScore:       0.5,
		Resolution:      ResolutionHeldForReview,
	})
	if err != nil {
		t.Fatalf("RecordDecision() error = %v", err)
	}
	if _, err := pool.RecordDecision(ctx, DedupEvent{RunID: &runID, ArticleID: "other", Decision: "NEW", Resolution: ResolutionInserted}); err != nil {
		t.Fatalf("RecordDecision() error = %v", err)
	}

	pending, err := pool.ListDedupEvents(ctx, EventListOptions{Resolution: ResolutionHeldForReview, Unreviewed: true, Limit: 10})
	if err != nil {
		t.Fatalf("ListDedupEvents() error = %v", err)
	}
	if len(pending) != 1 || pending[0].DedupEventID != heldID {
		t.Fatalf("unexpected review queue: %#v", pending)
	}
	if pending[0].BreakdownJSON != "{}" || pending[0].DedupEventUUID == "" {
		t.Fatalf("defaults not applied: %#v", pending[0])
	}

	if err := pool.ClaimReview(ctx, heldID); err != nil {
		t.Fatalf("ClaimReview() error = %v", err)
	}
	if err := pool.ClaimReview(ctx, heldID); !errors.Is(err, ErrEventReviewed) {
		t.Fatalf("expected second claim to lose with ErrEventReviewed, got %v", err)
	}
	if err := pool.ReleaseReview(ctx, heldID); err != nil {
		t.Fatalf("ReleaseReview() error = %v", err)
	}
	pending, err = pool.ListDedupEvents(ctx, EventListOptions{Resolution: ResolutionHeldForReview, Unreviewed: true, Limit: 10})
	if err != nil || len(pending) != 1 {
		t.Fatalf("released event should be back in the queue: %#v (%v)", pending, err)
	}

	if err := pool.ClaimReview(ctx, heldID); err != nil {
		t.Fatalf("ClaimReview() after release error = %v", err)
	}
	if err := pool.MarkReviewed(ctx, heldID, ResolutionInserted); err != nil {
		t.Fatalf("MarkReviewed() error = %v", err)
	}
	if err := pool.MarkReviewed(ctx, heldID, ResolutionInserted); !errors.Is(err, ErrEventReviewed) {
		t.Fatalf("expected second review to fail with ErrEventReviewed, got %v", err)
	}
	if err := pool.ReleaseReview(ctx, heldID); err != nil {
		t.Fatalf("ReleaseReview() error = %v", err)
	}
	if event, err := pool.GetDedupEvent(ctx, heldID); err != nil || event.ReviewedAt == nil {
		t.Fatalf("release must not reopen a recorded review: %#v (%v)", event, err)
	}
	if err := pool.ClaimReview(ctx, 9999); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound for missing event claim, got %v", err)
	}
	if _, err := pool.GetDedupEvent(ctx, 9999); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}

	if err := pool.FinishRun(ctx, runID, RunCounters{Targets: 2, Classified: 1, Held: 1, Inserted: 1}, nil); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}
	runs, err := pool.ListRuns(ctx, 5)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 1 || runs[0].Status != RunStatusCompleted || runs[0].Held != 1 || runs[0].FinishedAt == nil {
		t.Fatalf("unexpected run row: %#v", runs)
	}

	stats, err := pool.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.DedupEvents != 2 || stats.PendingReview != 0 || stats.Resolutions[ResolutionInserted] != 1 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
	if stats.LastRunAt == nil {
		t.Fatalf("expected last run timestamp")
	}
}
