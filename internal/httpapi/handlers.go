package httpapi

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/arbitration"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/db"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/dedup"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/globaltime"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/pipeline"
)

type updateHistoryItem struct {
	Sequence        int                    `json:"sequence"`
	RecordedAt      time.Time              `json:"recorded_at"`
	Summary         string                 `json:"summary"`
	Detail          string                 `json:"detail"`
	Sources         []article.Source       `json:"sources"`
	SeverityChange  article.SeverityChange `json:"severity_change"`
	SourceArticleID *string                `json:"source_article_id,omitempty"`
}

type articleDetail struct {
	Article article.Article     `json:"article"`
	History []updateHistoryItem `json:"history"`
}

type eventItem struct {
	EventID              int64              `json:"event_id"`
	EventUUID            string             `json:"event_uuid"`
	RunID                *int64             `json:"run_id,omitempty"`
	ArticleID            string             `json:"article_id"`
	Decision             string             `json:"decision"`
	BestCandidateID      *string            `json:"best_candidate_id,omitempty"`
	BestScore            float64            `json:"best_score"`
	Breakdown            map[string]float64 `json:"breakdown"`
	CandidatesScored     int                `json:"candidates_scored"`
	ArbitrationDecision  *string            `json:"arbitration_decision,omitempty"`
	ArbitrationReasoning *string            `json:"arbitration_reasoning,omitempty"`
	Resolution           string             `json:"resolution"`
	Error                *string            `json:"error,omitempty"`
	ReviewedAt           *time.Time         `json:"reviewed_at,omitempty"`
	ReviewResolution     *string            `json:"review_resolution,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	Target               *article.Article   `json:"target,omitempty"`
}

type reviewRequest struct {
	Decision string               `json:"decision"`
	Update   *article.UpdateDraft `json:"update,omitempty"`
}

type scoreRequest struct {
	Target    json.RawMessage `json:"target"`
	Candidate json.RawMessage `json:"candidate"`
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.store.Ping(c.Request().Context()); err != nil {
		s.logger.Error().Err(err).Msg("database ping failed")
		return unavailable(c, "Database unavailable")
	}
	return success(c, map[string]any{
		"service": "netsecops",
		"time":    globaltime.UTC(),
	})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.store.Stats(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("query stats failed")
		return internalError(c, "Failed to load stats")
	}
	return success(c, stats)
}

func (s *Server) handleArticles(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultPageSize, 1, maxPageSize)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	from, err := parseDateFilter(c.QueryParam("from"))
	if err != nil {
		return failValidation(c, map[string]string{"from": "must be RFC3339 or YYYY-MM-DD"})
	}
	to, err := parseDateFilter(c.QueryParam("to"))
	if err != nil {
		return failValidation(c, map[string]string{"to": "must be RFC3339 or YYYY-MM-DD"})
	}

	// to is inclusive for callers; storage ranges are half-open.
	end := globaltime.Today().AddDate(0, 0, 1)
	if to != nil {
		end = to.AddDate(0, 0, 1)
	}
	start := end.AddDate(0, 0, -dedup.DefaultLookbackDays)
	if from != nil {
		start = *from
	}
	if !start.Before(end) {
		return failValidation(c, map[string]string{"time_range": "from must be <= to"})
	}

	items, err := s.store.ListArticles(c.Request().Context(), db.ArticleListOptions{From: start, To: end, Limit: limit})
	if err != nil {
		s.logger.Error().Err(err).Msg("list articles failed")
		return internalError(c, "Failed to load articles")
	}
	return success(c, map[string]any{
		"items": items,
		"filters": map[string]any{
			"from":  start.Format(time.DateOnly),
			"to":    end.AddDate(0, 0, -1).Format(time.DateOnly),
			"limit": limit,
		},
	})
}

func (s *Server) handleArticleDetail(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return failValidation(c, map[string]string{"id": "is required"})
	}

	ctx := c.Request().Context()
	item, err := s.store.GetArticle(ctx, id)
	if article.IsNotFound(err) {
		return failNotFound(c, "Article not found")
	}
	if err != nil {
		s.logger.Error().Err(err).Str("article_id", id).Msg("get article failed")
		return internalError(c, "Failed to load article")
	}

	rows, err := s.store.ListUpdateHistory(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Str("article_id", id).Msg("list update history failed")
		return internalError(c, "Failed to load update history")
	}
	history := make([]updateHistoryItem, 0, len(rows))
	for _, row := range rows {
		var sources []article.Source
		if err := json.Unmarshal([]byte(row.SourcesJSON), &sources); err != nil {
			s.logger.Warn().Err(err).Str("article_id", id).Int("sequence", row.Sequence).Msg("decode update sources failed")
		}
		if sources == nil {
			sources = []article.Source{}
		}
		history = append(history, updateHistoryItem{
			Sequence:        row.Sequence,
			RecordedAt:      row.RecordedAt,
			Summary:         row.Summary,
			Detail:          row.Detail,
			Sources:         sources,
			SeverityChange:  article.SeverityChange(row.SeverityChange),
			SourceArticleID: row.SourceArticleID,
		})
	}

	return success(c, articleDetail{Article: item, History: history})
}

func (s *Server) handleEvents(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultPageSize, 1, maxPageSize)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	opts := db.EventListOptions{
		ArticleID:  strings.TrimSpace(c.QueryParam("article_id")),
		Resolution: strings.TrimSpace(strings.ToLower(c.QueryParam("resolution"))),
		Limit:      limit,
	}
	return s.listEvents(c, opts, false)
}

func (s *Server) handleReviewQueue(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultPageSize, 1, maxPageSize)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	return s.listEvents(c, db.EventListOptions{
		Resolution: db.ResolutionHeldForReview,
		Unreviewed: true,
		Limit:      limit,
	}, true)
}

func (s *Server) listEvents(c echo.Context, opts db.EventListOptions, withTarget bool) error {
	events, err := s.store.ListDedupEvents(c.Request().Context(), opts)
	if err != nil {
		s.logger.Error().Err(err).Msg("list dedup events failed")
		return internalError(c, "Failed to load dedup events")
	}
	items := make([]eventItem, 0, len(events))
	for _, event := range events {
		items = append(items, s.newEventItem(event, withTarget))
	}
	return success(c, map[string]any{
		"items": items,
		"limit": opts.Limit,
	})
}

func (s *Server) handleResolveReview(c echo.Context) error {
	if s.reviewer == nil {
		return unavailable(c, "Review is not enabled")
	}

	eventID, err := strconv.ParseInt(strings.TrimSpace(c.Param("event_id")), 10, 64)
	if err != nil || eventID <= 0 {
		return failValidation(c, map[string]string{"event_id": "must be a positive integer"})
	}

	var req reviewRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return failValidation(c, map[string]string{"body": "must be a JSON object"})
	}

	report, err := s.reviewer.ResolveHeld(c.Request().Context(), eventID, pipeline.ReviewDecision{
		Decision: arbitration.Decision(strings.ToUpper(strings.TrimSpace(req.Decision))),
		Update:   req.Update,
	})
	var validationErr *article.ValidationError
	switch {
	case err == nil:
		return success(c, report)
	case errors.As(err, &validationErr):
		return failValidation(c, map[string]string{validationErr.Field: validationErr.Reason})
	case errors.Is(err, db.ErrEventNotFound):
		return failNotFound(c, "Dedup event not found")
	case errors.Is(err, pipeline.ErrAlreadyReviewed):
		return failConflict(c, "Dedup event already reviewed")
	case article.IsNotFound(err):
		return failNotFound(c, err.Error())
	default:
		s.logger.Error().Err(err).Int64("dedup_event_id", eventID).Msg("resolve review failed")
		return internalError(c, "Failed to resolve review")
	}
}

func (s *Server) handleRuns(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultPageSize, 1, maxPageSize)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	runs, err := s.store.ListRuns(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list pipeline runs failed")
		return internalError(c, "Failed to load pipeline runs")
	}
	return success(c, map[string]any{
		"items": runs,
		"limit": limit,
	})
}

// handleScore scores two structured articles against each other without touching storage.
func (s *Server) handleScore(c echo.Context) error {
	var req scoreRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return failValidation(c, map[string]string{"body": "must be a JSON object"})
	}
	fieldErrors := map[string]string{}
	if len(req.Target) == 0 {
		fieldErrors["target"] = "is required"
	}
	if len(req.Candidate) == 0 {
		fieldErrors["candidate"] = "is required"
	}
	if len(fieldErrors) > 0 {
		return failValidation(c, fieldErrors)
	}

	target := s.extractor.Extract(req.Target)
	candidate := s.extractor.Extract(req.Candidate)
	result := s.classifier.Classify(target, []article.Article{candidate})
	return success(c, result)
}

func (s *Server) newEventItem(event db.DedupEvent, withTarget bool) eventItem {
	item := eventItem{
		EventID:              event.DedupEventID,
		EventUUID:            event.DedupEventUUID,
		RunID:                event.RunID,
		ArticleID:            event.ArticleID,
		Decision:             event.Decision,
		BestCandidateID:      event.BestCandidateID,
		BestScore:            event.BestScore,
		Breakdown:            map[string]float64{},
		CandidatesScored:     event.CandidatesScored,
		ArbitrationDecision:  event.ArbitrationDecision,
		ArbitrationReasoning: event.ArbitrationReasoning,
		Resolution:           event.Resolution,
		Error:                event.ErrorMessage,
		ReviewedAt:           event.ReviewedAt,
		ReviewResolution:     event.ReviewResolution,
		CreatedAt:            event.CreatedAt,
	}
	if strings.TrimSpace(event.BreakdownJSON) != "" {
		if err := json.Unmarshal([]byte(event.BreakdownJSON), &item.Breakdown); err != nil {
			item.Breakdown = map[string]float64{}
			s.logger.Warn().Err(err).Int64("dedup_event_id", event.DedupEventID).Msg("decode dedup event breakdown failed")
		}
	}
	if withTarget {
		var target article.Article
		if err := json.Unmarshal([]byte(event.TargetJSON), &target); err != nil {
			s.logger.Warn().Err(err).Int64("dedup_event_id", event.DedupEventID).Msg("decode held target failed")
		} else if target.ID != "" {
			item.Target = &target
		}
	}
	return item
}
