package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/globaltime"
)

// Resolution values recorded on dedup_events.
const (
	ResolutionInserted      = "inserted"
	ResolutionUpdated       = "updated"
	ResolutionSkipped       = "skipped"
	ResolutionHeldForReview = "held_for_review"
	ResolutionErrored       = "errored"
)

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

var (
	ErrEventNotFound = errors.New("dedup event not found")
	ErrEventReviewed = errors.New("dedup event already reviewed")
)

// EventListOptions filters dedup_events.
type EventListOptions struct {
	ArticleID  string
	Resolution string
	Unreviewed bool
	Limit      int
}

// RecordDecision appends one audit row and returns its id.
func (p *Pool) RecordDecision(ctx context.Context, event DedupEvent) (int64, error) {
	if p == nil || p.gdb == nil {
		return 0, fmt.Errorf("database pool is not initialized")
	}
	if event.DedupEventUUID == "" {
		event.DedupEventUUID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = globaltime.UTC()
	}
	if event.BreakdownJSON == "" {
		event.BreakdownJSON = "{}"
	}
	if event.TargetJSON == "" {
		event.TargetJSON = "{}"
	}
	if err := p.gdb.WithContext(ctx).Create(&event).Error; err != nil {
		return 0, fmt.Errorf("insert dedup_event article_id=%s: %w", event.ArticleID, err)
	}
	return event.DedupEventID, nil
}

func (p *Pool) GetDedupEvent(ctx context.Context, id int64) (DedupEvent, error) {
	if p == nil || p.gdb == nil {
		return DedupEvent{}, fmt.Errorf("database pool is not initialized")
	}
	var event DedupEvent
	err := p.gdb.WithContext(ctx).Where("dedup_event_id = ?", id).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DedupEvent{}, fmt.Errorf("dedup_event_id=%d: %w", id, ErrEventNotFound)
	}
	if err != nil {
		return DedupEvent{}, fmt.Errorf("get dedup_event_id=%d: %w", id, err)
	}
	return event, nil
}

// ListDedupEvents lists audit rows, newest first.
func (p *Pool) ListDedupEvents(ctx context.Context, opts EventListOptions) ([]DedupEvent, error) {
	if p == nil || p.gdb == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}
	if opts.Limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}

	q := p.gdb.WithContext(ctx).Model(&DedupEvent{})
	if opts.ArticleID != "" {
		q = q.Where("article_id = ?", opts.ArticleID)
	}
	if opts.Resolution != "" {
		q = q.Where("resolution = ?", opts.Resolution)
	}
	if opts.Unreviewed {
		q = q.Where("reviewed_at IS NULL")
	}

	var events []DedupEvent
	if err := q.Order("created_at DESC").Order("dedup_event_id DESC").Limit(opts.Limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list dedup_events: %w", err)
	}
	return events, nil
}

// ClaimReview stamps reviewed_at on an unreviewed event so that only one reviewer
// can act on it. A lost claim returns ErrEventReviewed.
func (p *Pool) ClaimReview(ctx context.Context, id int64) error {
	if p == nil || p.gdb == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	res := p.gdb.WithContext(ctx).Model(&DedupEvent{}).
		Where("dedup_event_id = ? AND reviewed_at IS NULL", id).
		Update("reviewed_at", globaltime.UTC())
	if res.Error != nil {
		return fmt.Errorf("claim review dedup_event_id=%d: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	return p.reviewConflict(ctx, id)
}

// ReleaseReview drops a claim that never reached MarkReviewed.
func (p *Pool) ReleaseReview(ctx context.Context, id int64) error {
	if p == nil || p.gdb == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	res := p.gdb.WithContext(ctx).Model(&DedupEvent{}).
		Where("dedup_event_id = ? AND review_resolution IS NULL", id).
		Update("reviewed_at", nil)
	if res.Error != nil {
		return fmt.Errorf("release review dedup_event_id=%d: %w", id, res.Error)
	}
	return nil
}

// MarkReviewed records the outcome of a review. It fails with ErrEventReviewed
// when another review already recorded one.
func (p *Pool) MarkReviewed(ctx context.Context, id int64, resolution string) error {
	if p == nil || p.gdb == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	res := p.gdb.WithContext(ctx).Model(&DedupEvent{}).
		Where("dedup_event_id = ? AND review_resolution IS NULL", id).
		Updates(map[string]any{
			"reviewed_at":       globaltime.UTC(),
			"review_resolution": resolution,
		})
	if res.Error != nil {
		return fmt.Errorf("mark reviewed dedup_event_id=%d: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	return p.reviewConflict(ctx, id)
}

func (p *Pool) reviewConflict(ctx context.Context, id int64) error {
	if _, err := p.GetDedupEvent(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("dedup_event_id=%d: %w", id, ErrEventReviewed)
}

// StartRun records the beginning of one batch.
func (p *Pool) StartRun(ctx context.Context, source string, dryRun bool) (int64, error) {
	if p == nil || p.gdb == nil {
		return 0, fmt.Errorf("database pool is not initialized")
	}
	run := PipelineRun{
		RunUUID:   uuid.NewString(),
		Source:    source,
		DryRun:    dryRun,
		Status:    RunStatusRunning,
		StartedAt: globaltime.UTC(),
	}
	if err := p.gdb.WithContext(ctx).Create(&run).Error; err != nil {
		return 0, fmt.Errorf("insert pipeline_run: %w", err)
	}
	return run.RunID, nil
}

// RunCounters are the per-batch totals written when a run finishes.
type RunCounters struct {
	Targets    int
	Classified int
	Held       int
	Errored    int
	Inserted   int
	Updated    int
	Skipped    int
}

func (p *Pool) FinishRun(ctx context.Context, runID int64, counters RunCounters, runErr error) error {
	if p == nil || p.gdb == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	status := RunStatusCompleted
	var message *string
	if runErr != nil {
		status = RunStatusFailed
		text := runErr.Error()
		message = &text
	}
	now := globaltime.UTC()
	res := p.gdb.WithContext(ctx).Model(&PipelineRun{}).
		Where("run_id = ?", runID).
		Updates(map[string]any{
			"status":        status,
			"finished_at":   now,
			"targets":       counters.Targets,
			"classified":    counters.Classified,
			"held":          counters.Held,
			"errored":       counters.Errored,
			"inserted":      counters.Inserted,
			"updated":       counters.Updated,
			"skipped":       counters.Skipped,
			"error_message": message,
		})
	if res.Error != nil {
		return fmt.Errorf("finish pipeline_run run_id=%d: %w", runID, res.Error)
	}
	return nil
}

func (p *Pool) ListRuns(ctx context.Context, limit int) ([]PipelineRun, error) {
	if p == nil || p.gdb == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	var runs []PipelineRun
	if err := p.gdb.WithContext(ctx).Order("started_at DESC").Order("run_id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list pipeline_runs: %w", err)
	}
	return runs, nil
}

// Stats summarizes table sizes and decision counts.
type Stats struct {
	Articles      int64            `json:"articles"`
	Updates       int64            `json:"updates"`
	DedupEvents   int64            `json:"dedup_events"`
	PendingReview int64            `json:"pending_review"`
	LastRunAt     *time.Time       `json:"last_run_at,omitempty"`
	Resolutions   map[string]int64 `json:"resolutions"`
}

func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	if p == nil || p.gdb == nil {
		return Stats{}, fmt.Errorf("database pool is not initialized")
	}
	gdb := p.gdb.WithContext(ctx)

	stats := Stats{Resolutions: map[string]int64{}}
	if err := gdb.Model(&ArticleRow{}).Count(&stats.Articles).Error; err != nil {
		return Stats{}, fmt.Errorf("count articles: %w", err)
	}
	if err := gdb.Model(&ArticleUpdate{}).Count(&stats.Updates).Error; err != nil {
		return Stats{}, fmt.Errorf("count article_updates: %w", err)
	}
	if err := gdb.Model(&DedupEvent{}).Count(&stats.DedupEvents).Error; err != nil {
		return Stats{}, fmt.Errorf("count dedup_events: %w", err)
	}
	if err := gdb.Model(&DedupEvent{}).
		Where("resolution = ? AND reviewed_at IS NULL", ResolutionHeldForReview).
		Count(&stats.PendingReview).Error; err != nil {
		return Stats{}, fmt.Errorf("count pending review: %w", err)
	}

	var grouped []struct {
		Resolution string
		Total      int64
	}
	if err := gdb.Model(&DedupEvent{}).
		Select("resolution, COUNT(*) AS total").
		Group("resolution").
		Scan(&grouped).Error; err != nil {
		return Stats{}, fmt.Errorf("group dedup_events: %w", err)
	}
	for _, g := range grouped {
		stats.Resolutions[g.Resolution] = g.Total
	}

	var last PipelineRun
	err := gdb.Order("started_at DESC").Limit(1).Find(&last).Error
	if err != nil {
		return Stats{}, fmt.Errorf("latest pipeline_run: %w", err)
	}
	if last.RunID != 0 {
		started := last.StartedAt
		stats.LastRunAt = &started
	}
	return stats, nil
}
