package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/arbitration"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/db"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/dedup"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/pipeline"
)

type fakeStore struct {
	pingErr      error
	articles     map[string]article.Article
	history      map[string][]db.ArticleUpdate
	events       []db.DedupEvent
	listOpts     []db.ArticleListOptions
	eventOpts    []db.EventListOptions
	listArticles []article.Article
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		articles: map[string]article.Article{},
		history:  map[string][]db.ArticleUpdate{},
	}
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeStore) GetArticle(_ context.Context, id string) (article.Article, error) {
	a, ok := s.articles[id]
	if !ok {
		return article.Article{}, &article.NotFoundError{ID: id}
	}
	return a, nil
}

func (s *fakeStore) ListArticles(_ context.Context, opts db.ArticleListOptions) ([]article.Article, error) {
	s.listOpts = append(s.listOpts, opts)
	return s.listArticles, nil
}

func (s *fakeStore) ListUpdateHistory(_ context.Context, articleID string) ([]db.ArticleUpdate, error) {
	return s.history[articleID], nil
}

func (s *fakeStore) ListDedupEvents(_ context.Context, opts db.EventListOptions) ([]db.DedupEvent, error) {
	s.eventOpts = append(s.eventOpts, opts)
	return s.events, nil
}

func (s *fakeStore) GetDedupEvent(_ context.Context, id int64) (db.DedupEvent, error) {
	for _, event := range s.events {
		if event.DedupEventID == id {
			return event, nil
		}
	}
	return db.DedupEvent{}, fmt.Errorf("dedup_event_id=%d: %w", id, db.ErrEventNotFound)
}

func (s *fakeStore) ListRuns(context.Context, int) ([]db.PipelineRun, error) {
	return []db.PipelineRun{{RunID: 1, Status: db.RunStatusCompleted, Targets: 3}}, nil
}

func (s *fakeStore) Stats(context.Context) (db.Stats, error) {
	return db.Stats{Articles: 2, PendingReview: 1, Resolutions: map[string]int64{"inserted": 2}}, nil
}

type fakeReviewer struct {
	calls  []pipeline.ReviewDecision
	report pipeline.TargetReport
	err    error
}

func (r *fakeReviewer) ResolveHeld(_ context.Context, _ int64, review pipeline.ReviewDecision) (pipeline.TargetReport, error) {
	r.calls = append(r.calls, review)
	return r.report, r.err
}

type envelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"request_id"`
}

func newTestServer(store Store, reviewer Reviewer) *Server {
	return NewServer(store, reviewer, nil, nil, zerolog.Nop(), Options{})
}

func doRequest(t *testing.T, srv *Server, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, env
}

func TestHealth(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	rec, env := doRequest(t, newTestServer(store, nil), http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK || env.Status != "success" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	if env.RequestID == "" || env.RequestID != rec.Header().Get("X-Request-Id") {
		t.Fatalf("request_id %q does not match header %q", env.RequestID, rec.Header().Get("X-Request-Id"))
	}

	store.pingErr = errors.New("connection refused")
	rec, env = doRequest(t, newTestServer(store, nil), http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusServiceUnavailable || env.Status != "error" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestArticles_DateRangeIsInclusive(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.listArticles = []article.Article{{ID: "a1"}}
	rec, env := doRequest(t, newTestServer(store, nil), http.MethodGet, "/api/v1/articles?from=2025-10-01&to=2025-10-03&limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if len(store.listOpts) != 1 {
		t.Fatalf("expected one list call, got %d", len(store.listOpts))
	}
	opts := store.listOpts[0]
	if !opts.From.Equal(time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)) || !opts.To.Equal(time.Date(2025, 10, 4, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected range [%v, %v)", opts.From, opts.To)
	}
	if opts.Limit != 10 {
		t.Fatalf("limit = %d, want 10", opts.Limit)
	}

	var data struct {
		Items []article.Article `json:"items"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(data.Items) != 1 || data.Items[0].ID != "a1" {
		t.Fatalf("unexpected items: %#v", data.Items)
	}
}

func TestArticles_ValidationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
	}{
		{name: "bad limit", query: "limit=0"},
		{name: "bad from", query: "from=yesterday"},
		{name: "inverted", query: "from=2025-10-05&to=2025-10-01"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rec, env := doRequest(t, newTestServer(newFakeStore(), nil), http.MethodGet, "/api/v1/articles?"+tc.query, "")
			if rec.Code != http.StatusBadRequest || env.Status != "fail" {
				t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestArticleDetail(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.articles["orig-1"] = article.Article{ID: "orig-1", Summary: "Original", RevisionCount: 1}
	sourceID := "new-1"
	store.history["orig-1"] = []db.ArticleUpdate{{
		ArticleID:       "orig-1",
		Sequence:        1,
		Summary:         "Patch released",
		SourcesJSON:     `[{"url":"https://vendor.example.com/advisory"}]`,
		SeverityChange:  "increased",
		SourceArticleID: &sourceID,
	}}
	srv := newTestServer(store, nil)

	rec, env := doRequest(t, srv, http.MethodGet, "/api/v1/articles/orig-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var detail articleDetail
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Article.ID != "orig-1" || len(detail.History) != 1 {
		t.Fatalf("unexpected detail: %#v", detail)
	}
	if detail.History[0].SeverityChange != article.SeverityIncreased || len(detail.History[0].Sources) != 1 {
		t.Fatalf("unexpected history entry: %#v", detail.History[0])
	}

	rec, env = doRequest(t, srv, http.MethodGet, "/api/v1/articles/missing", "")
	if rec.Code != http.StatusNotFound || env.Status != "fail" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestReviewQueue_FiltersHeldUnreviewed(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.events = []db.DedupEvent{{
		DedupEventID:  7,
		ArticleID:     "new-1",
		Decision:      "BORDERLINE",
		Resolution:    db.ResolutionHeldForReview,
		BreakdownJSON: `{"cve":1,"text":0.2}`,
		TargetJSON:    `{"id":"new-1","summary":"held"}`,
	}}

	rec, env := doRequest(t, newTestServer(store, nil), http.MethodGet, "/api/v1/review", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	opts := store.eventOpts[0]
	if opts.Resolution != db.ResolutionHeldForReview || !opts.Unreviewed {
		t.Fatalf("unexpected filter: %#v", opts)
	}

	var data struct {
		Items []eventItem `json:"items"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(data.Items) != 1 || data.Items[0].Breakdown["cve"] != 1 {
		t.Fatalf("unexpected items: %#v", data.Items)
	}
	if data.Items[0].Target == nil || data.Items[0].Target.ID != "new-1" {
		t.Fatalf("held case must carry its target: %#v", data.Items[0])
	}
}

func TestEvents_CorruptBreakdownIsLogged(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.events = []db.DedupEvent{{
		DedupEventID:  11,
		ArticleID:     "new-2",
		Decision:      "NEW",
		Resolution:    "inserted",
		BreakdownJSON: `{"cve":`,
	}}

	var logs bytes.Buffer
	srv := NewServer(store, nil, nil, nil, zerolog.New(&logs), Options{})
	rec, env := doRequest(t, srv, http.MethodGet, "/api/v1/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	var data struct {
		Items []eventItem `json:"items"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(data.Items) != 1 || len(data.Items[0].Breakdown) != 0 {
		t.Fatalf("unexpected items: %#v", data.Items)
	}
	if !strings.Contains(logs.String(), "decode dedup event breakdown failed") || !strings.Contains(logs.String(), `"dedup_event_id":11`) {
		t.Fatalf("expected breakdown decode warning, got logs %s", logs.String())
	}
}

func TestResolveReview(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "ok", path: "/api/v1/review/7", body: `{"decision":"new"}`, wantStatus: http.StatusOK},
		{name: "bad id", path: "/api/v1/review/abc", body: `{"decision":"NEW"}`, wantStatus: http.StatusBadRequest},
		{name: "bad body", path: "/api/v1/review/7", body: `not json`, wantStatus: http.StatusBadRequest},
		{
			name:       "validation",
			path:       "/api/v1/review/7",
			body:       `{"decision":"UPDATE"}`,
			err:        &article.ValidationError{Field: "update", Reason: "is required for UPDATE"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing event",
			path:       "/api/v1/review/7",
			body:       `{"decision":"SKIP"}`,
			err:        fmt.Errorf("dedup_event_id=7: %w", db.ErrEventNotFound),
			wantStatus: http.StatusNotFound,
		},
		{name: "already reviewed", path: "/api/v1/review/7", body: `{"decision":"SKIP"}`, err: pipeline.ErrAlreadyReviewed, wantStatus: http.StatusConflict},
		{
			name:       "lost claim",
			path:       "/api/v1/review/7",
			body:       `{"decision":"NEW"}`,
			err:        fmt.Errorf("dedup_event_id=7: %w", db.ErrEventReviewed),
			wantStatus: http.StatusConflict,
		},
		{name: "missing original", path: "/api/v1/review/7", body: `{"decision":"SKIP"}`, err: &article.NotFoundError{ID: "orig-1"}, wantStatus: http.StatusNotFound},
		{name: "storage", path: "/api/v1/review/7", body: `{"decision":"SKIP"}`, err: errors.New("disk full"), wantStatus: http.StatusInternalServerError},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			reviewer := &fakeReviewer{
				report: pipeline.TargetReport{ArticleID: "new-1", Outcome: pipeline.OutcomeClassified, Resolution: db.ResolutionInserted},
				err:    tc.err,
			}
			rec, _ := doRequest(t, newTestServer(newFakeStore(), reviewer), http.MethodPost, tc.path, tc.body)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d body=%s", rec.Code, tc.wantStatus, rec.Body.String())
			}
			if tc.name == "ok" && (len(reviewer.calls) != 1 || reviewer.calls[0].Decision != arbitration.DecisionNew) {
				t.Fatalf("decision not normalized: %#v", reviewer.calls)
			}
		})
	}
}

func TestResolveReview_DisabledWithoutReviewer(t *testing.T) {
	t.Parallel()

	rec, _ := doRequest(t, newTestServer(newFakeStore(), nil), http.MethodPost, "/api/v1/review/7", `{"decision":"NEW"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestScore(t *testing.T) {
	t.Parallel()

	target := `{"id":"new-1","publication_date":"2025-10-10","summary":"Cl0p exploits Oracle EBS","cves":[{"cve_id":"CVE-2025-61882"}],"entities":[{"name":"Cl0p","type":"threat_actor"}]}`
	candidate := `{"id":"orig-1","publication_date":"2025-10-02","summary":"Cl0p exploits Oracle EBS","cves":[{"cve_id":"cve-2025-61882"}],"entities":[{"name":"CL0P","type":"threat_actor"}]}`

	rec, env := doRequest(t, newTestServer(newFakeStore(), nil), http.MethodPost, "/api/v1/score", `{"target":`+target+`,"candidate":`+candidate+`}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var result dedup.ClassificationResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.BestCandidateID != "orig-1" || result.Breakdown[dedup.DimensionCVE] != 1 {
		t.Fatalf("unexpected result: %#v", result)
	}
	if result.Decision != dedup.DecisionUpdate {
		t.Fatalf("decision = %s, want UPDATE (score %.3f)", result.Decision, result.BestScore)
	}

	rec, _ = doRequest(t, newTestServer(newFakeStore(), nil), http.MethodPost, "/api/v1/score", `{"target":`+target+`}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUnknownRouteUsesJSend(t *testing.T) {
	t.Parallel()

	rec, env := doRequest(t, newTestServer(newFakeStore(), nil), http.MethodGet, "/api/v1/nope", "")
	if rec.Code != http.StatusNotFound || env.Status != "fail" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}
