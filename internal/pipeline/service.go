package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/arbitration"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/db"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/dedup"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/extract"
)

// Outcome buckets every target of a batch.
type Outcome string

const (
	OutcomeClassified    Outcome = "classified"
	OutcomeHeldForReview Outcome = "held_for_review"
	OutcomeErrored       Outcome = "errored"
)

// Store is the persistence the batch runner needs. *db.Pool implements it.
type Store interface {
	InsertArticle(ctx context.Context, a article.Article) (bool, error)
	GetArticle(ctx context.Context, id string) (article.Article, error)
	FindCandidates(ctx context.Context, target article.Article, windowDays int) ([]article.Article, error)
	ApplyUpdate(ctx context.Context, params db.ApplyUpdateParams) (article.UpdateRecord, error)
	RecordDecision(ctx context.Context, event db.DedupEvent) (int64, error)
	GetDedupEvent(ctx context.Context, id int64) (db.DedupEvent, error)
	ClaimReview(ctx context.Context, id int64) error
	ReleaseReview(ctx context.Context, id int64) error
	MarkReviewed(ctx context.Context, id int64, resolution string) error
	StartRun(ctx context.Context, source string, dryRun bool) (int64, error)
	FinishRun(ctx context.Context, runID int64, counters db.RunCounters, runErr error) error
}

// Mirror receives the stored form of every article the batch inserted or updated.
type Mirror interface {
	Publish(ctx context.Context, a article.Article) error
}

type Options struct {
	LookbackDays int
	Concurrency  int
	DryRun       bool
	Source       string
	Policy       arbitration.Policy
}

type Service struct {
	store      Store
	extractor  *extract.Extractor
	classifier *dedup.Classifier
	arbiter    arbitration.Arbiter
	mirror     Mirror
	logger     zerolog.Logger
	opts       Options
	locks      *keyedMutex
}

func NewService(
	store Store,
	extractor *extract.Extractor,
	classifier *dedup.Classifier,
	arbiter arbitration.Arbiter,
	logger zerolog.Logger,
	opts Options,
) *Service {
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = dedup.DefaultLookbackDays
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if extractor == nil {
		extractor = extract.New(logger, extract.Options{})
	}
	if classifier == nil {
		classifier = dedup.NewClassifier(dedup.DefaultScoringConfig(), nil)
	}
	if arbiter == nil {
		arbiter = arbitration.ManualArbiter{}
	}
	return &Service{
		store:      store,
		extractor:  extractor,
		classifier: classifier,
		arbiter:    arbiter,
		logger:     logger,
		opts:       opts,
		locks:      newKeyedMutex(),
	}
}

// WithMirror sets an optional read-model mirror. Mirror failures are logged, never fatal.
func (s *Service) WithMirror(mirror Mirror) *Service {
	s.mirror = mirror
	return s
}

// TargetReport is the per-target line of a batch report.
type TargetReport struct {
	Index                int                         `json:"index"`
	ArticleID            string                      `json:"article_id"`
	Outcome              Outcome                     `json:"outcome"`
	Decision             dedup.Decision              `json:"decision,omitempty"`
	Resolution           string                      `json:"resolution,omitempty"`
	BestCandidateID      string                      `json:"best_candidate_id,omitempty"`
	BestScore            float64                     `json:"best_score"`
	Breakdown            map[dedup.Dimension]float64 `json:"breakdown,omitempty"`
	CandidatesScored     int                         `json:"candidates_scored"`
	ArbitrationDecision  arbitration.Decision        `json:"arbitration_decision,omitempty"`
	ArbitrationReasoning string                      `json:"arbitration_reasoning,omitempty"`
	Revision             int                         `json:"revision,omitempty"`
	EventID              int64                       `json:"event_id,omitempty"`
	Error                string                      `json:"error,omitempty"`
}

type Report struct {
	RunID   int64          `json:"run_id,omitempty"`
	DryRun  bool           `json:"dry_run"`
	Targets []TargetReport `json:"targets"`
}

// Counters totals the report by outcome and resolution.
func (r Report) Counters() db.RunCounters {
	counters := db.RunCounters{Targets: len(r.Targets)}
	for _, target := range r.Targets {
		switch target.Outcome {
		case OutcomeClassified:
			counters.Classified++
		case OutcomeHeldForReview:
			counters.Held++
		case OutcomeErrored:
			counters.Errored++
		}
		switch target.Resolution {
		case db.ResolutionInserted:
			counters.Inserted++
		case db.ResolutionUpdated:
			counters.Updated++
		case db.ResolutionSkipped:
			counters.Skipped++
		}
	}
	return counters
}

// Run classifies a batch of structured article payloads. Targets are independent: a
// per-target failure marks that target errored and the batch continues. An unavailable
// index aborts the batch; unprocessed targets are reported as errored.
func (s *Service) Run(ctx context.Context, payloads []json.RawMessage) (Report, error) {
	if s == nil || s.store == nil {
		return Report{}, fmt.Errorf("pipeline service is not initialized")
	}

	report := Report{DryRun: s.opts.DryRun, Targets: make([]TargetReport, len(payloads))}
	var runID *int64
	if !s.opts.DryRun {
		id, err := s.store.StartRun(ctx, s.opts.Source, false)
		if err != nil {
			return report, fmt.Errorf("start pipeline run: %w", err)
		}
		report.RunID = id
		runID = &id
	}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		abortOnce sync.Once
		abortErr  error
		done      = make([]bool, len(payloads))
	)
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < min(s.opts.Concurrency, max(1, len(payloads))); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if batchCtx.Err() != nil {
					continue
				}
				target, err := s.processTarget(batchCtx, runID, i, payloads[i])
				report.Targets[i] = target
				done[i] = true
				if err != nil {
					abortOnce.Do(func() {
						abortErr = err
						cancel()
					})
				}
			}
		}()
	}

feed:
	for i := range payloads {
		select {
		case <-batchCtx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	if abortErr == nil && ctx.Err() != nil {
		abortErr = ctx.Err()
	}
	for i := range payloads {
		if done[i] {
			continue
		}
		reason := "batch aborted"
		if abortErr != nil {
			reason = "batch aborted: " + abortErr.Error()
		}
		report.Targets[i] = TargetReport{Index: i, Outcome: OutcomeErrored, Error: reason}
	}

	counters := report.Counters()
	if runID != nil {
		// The batch context may be cancelled; bookkeeping still has to land.
		if err := s.store.FinishRun(context.WithoutCancel(ctx), *runID, counters, abortErr); err != nil {
			s.logger.Error().Err(err).Int64("run_id", *runID).Msg("finish pipeline run failed")
		}
	}

	s.logger.Info().
		Int64("run_id", report.RunID).
		Bool("dry_run", s.opts.DryRun).
		Int("targets", counters.Targets).
		Int("classified", counters.Classified).
		Int("held_for_review", counters.Held).
		Int("errored", counters.Errored).
		Int("inserted", counters.Inserted).
		Int("updated", counters.Updated).
		Int("skipped", counters.Skipped).
		Msg("pipeline batch finished")

	if abortErr != nil {
		return report, fmt.Errorf("pipeline batch aborted: %w", abortErr)
	}
	return report, nil
}

// processTarget returns a non-nil error only when the whole batch has to stop.
func (s *Service) processTarget(ctx context.Context, runID *int64, index int, raw json.RawMessage) (TargetReport, error) {
	target := s.extractor.Extract(raw)
	report := TargetReport{Index: index, ArticleID: target.ID}

	if err := checkTarget(target); err != nil {
		return s.fail(ctx, runID, report, target, err), nil
	}

	candidates, err := s.store.FindCandidates(ctx, target, s.opts.LookbackDays)
	if err != nil {
		report = s.fail(ctx, runID, report, target, err)
		if article.IsIndexUnavailable(err) || ctx.Err() != nil {
			return report, err
		}
		return report, nil
	}

	result := s.classifier.Classify(target, candidates)
	report.Decision = result.Decision
	report.BestCandidateID = result.BestCandidateID
	report.BestScore = result.BestScore
	report.Breakdown = result.Breakdown
	report.CandidatesScored = result.CandidatesScored

	logEvent := s.logger.Debug().
		Str("article_id", target.ID).
		Str("decision", string(result.Decision)).
		Str("candidate_id", result.BestCandidateID).
		Float64("score", result.BestScore).
		Int("candidates", result.CandidatesScored)
	for _, dim := range dedup.Dimensions {
		logEvent = logEvent.Float64("score_"+string(dim), result.Breakdown[dim])
	}
	logEvent.Msg("article classified")

	var best article.Article
	for _, candidate := range candidates {
		if candidate.ID == result.BestCandidateID {
			best = candidate
			break
		}
	}

	switch result.Decision {
	case dedup.DecisionNew:
		report, err = s.insert(ctx, report, target)
	case dedup.DecisionUpdate:
		draft, derr := DeriveDraft(target, best)
		if derr != nil {
			report.Outcome = OutcomeHeldForReview
			report.Resolution = db.ResolutionHeldForReview
			report.Error = derr.Error()
			break
		}
		report, err = s.update(ctx, report, target, draft)
	case dedup.DecisionBorderline:
		report, err = s.arbitrate(ctx, report, target, best)
	default:
		err = fmt.Errorf("unknown classification %q", result.Decision)
	}
	if err != nil {
		return s.fail(ctx, runID, report, target, err), nil
	}

	report.EventID = s.record(ctx, runID, report, target)
	return report, nil
}

func (s *Service) arbitrate(ctx context.Context, report TargetReport, target, candidate article.Article) (TargetReport, error) {
	resolution := arbitration.Resolve(ctx, s.logger, s.arbiter, arbitration.Request{
		Target:    target,
		Candidate: candidate,
		Score:     report.BestScore,
	}, s.opts.Policy)

	if resolution.Held {
		report.Outcome = OutcomeHeldForReview
		report.Resolution = db.ResolutionHeldForReview
		report.Error = resolution.Reason
		return report, nil
	}

	report.ArbitrationDecision = resolution.Result.Decision
	report.ArbitrationReasoning = resolution.Result.Reasoning
	switch resolution.Result.Decision {
	case arbitration.DecisionNew:
		return s.insert(ctx, report, target)
	case arbitration.DecisionSkip:
		report.Outcome = OutcomeClassified
		report.Resolution = db.ResolutionSkipped
		return report, nil
	case arbitration.DecisionUpdate:
		if resolution.Result.Update == nil {
			report.Outcome = OutcomeHeldForReview
			report.Resolution = db.ResolutionHeldForReview
			report.Error = "arbitration returned UPDATE without an update payload"
			return report, nil
		}
		return s.update(ctx, report, target, *resolution.Result.Update)
	default:
		report.Outcome = OutcomeHeldForReview
		report.Resolution = db.ResolutionHeldForReview
		report.Error = fmt.Sprintf("unknown arbitration decision %q", resolution.Result.Decision)
		return report, nil
	}
}

func (s *Service) insert(ctx context.Context, report TargetReport, target article.Article) (TargetReport, error) {
	report.Outcome = OutcomeClassified
	report.Resolution = db.ResolutionInserted
	if s.opts.DryRun {
		return report, nil
	}

	unlock := s.locks.Lock(target.ID)
	defer unlock()

	if _, err := s.store.InsertArticle(ctx, target); err != nil {
		return report, fmt.Errorf("insert article: %w", err)
	}
	s.publish(ctx, target.ID)
	return report, nil
}

// update merges the draft into the best candidate. Sources always come from the new article.
func (s *Service) update(ctx context.Context, report TargetReport, target article.Article, draft article.UpdateDraft) (TargetReport, error) {
	draft.Sources = append([]article.Source(nil), target.Sources...)
	if err := draft.Validate(); err != nil {
		report.Outcome = OutcomeHeldForReview
		report.Resolution = db.ResolutionHeldForReview
		report.Error = err.Error()
		return report, nil
	}

	report.Outcome = OutcomeClassified
	report.Resolution = db.ResolutionUpdated
	if s.opts.DryRun {
		return report, nil
	}

	originalID := report.BestCandidateID
	unlock := s.locks.Lock(originalID)
	defer unlock()

	_, err := s.store.ApplyUpdate(ctx, db.ApplyUpdateParams{
		ArticleID:       originalID,
		Draft:           draft,
		SourceArticleID: target.ID,
	})
	if errors.Is(err, db.ErrUpdateAlreadyApplied) {
		report.Resolution = db.ResolutionSkipped
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("apply update to article_id=%s: %w", originalID, err)
	}

	stored, err := s.store.GetArticle(ctx, originalID)
	if err != nil {
		s.logger.Warn().Err(err).Str("article_id", originalID).Msg("reload updated article failed")
		return report, nil
	}
	report.Revision = stored.RevisionCount
	s.publishArticle(ctx, stored)
	return report, nil
}

func (s *Service) fail(ctx context.Context, runID *int64, report TargetReport, target article.Article, err error) TargetReport {
	report.Outcome = OutcomeErrored
	report.Resolution = db.ResolutionErrored
	report.Error = err.Error()
	s.logger.Warn().
		Err(err).
		Int("index", report.Index).
		Str("article_id", target.ID).
		Msg("target failed")
	if target.ID != "" && !article.IsIndexUnavailable(err) {
		report.EventID = s.record(ctx, runID, report, target)
	}
	return report
}

// record appends the audit row. Audit failures are logged and do not change the outcome.
func (s *Service) record(ctx context.Context, runID *int64, report TargetReport, target article.Article) int64 {
	if s.opts.DryRun {
		return 0
	}

	event, err := buildEvent(runID, report, target)
	if err != nil {
		s.logger.Error().Err(err).Str("article_id", target.ID).Msg("build dedup event failed")
		return 0
	}
	id, err := s.store.RecordDecision(context.WithoutCancel(ctx), event)
	if err != nil {
		s.logger.Error().Err(err).Str("article_id", target.ID).Msg("record dedup event failed")
		return 0
	}
	return id
}

func (s *Service) publish(ctx context.Context, id string) {
	if s.mirror == nil {
		return
	}
	stored, err := s.store.GetArticle(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("article_id", id).Msg("reload article for mirror failed")
		return
	}
	s.publishArticle(ctx, stored)
}

func (s *Service) publishArticle(ctx context.Context, a article.Article) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Publish(ctx, a); err != nil {
		s.logger.Warn().Err(err).Str("article_id", a.ID).Msg("mirror publish failed")
	}
}

func buildEvent(runID *int64, report TargetReport, target article.Article) (db.DedupEvent, error) {
	breakdown := report.Breakdown
	if breakdown == nil {
		breakdown = map[dedup.Dimension]float64{}
	}
	breakdownJSON, err := json.Marshal(breakdown)
	if err != nil {
		return db.DedupEvent{}, fmt.Errorf("marshal breakdown: %w", err)
	}
	targetJSON, err := json.Marshal(target)
	if err != nil {
		return db.DedupEvent{}, fmt.Errorf("marshal target: %w", err)
	}

	decision := string(report.Decision)
	if decision == "" {
		decision = "NONE"
	}
	event := db.DedupEvent{
		RunID:            runID,
		ArticleID:        target.ID,
		Decision:         decision,
		BestCandidateID:  optionalString(report.BestCandidateID),
		BestScore:        report.BestScore,
		BreakdownJSON:    string(breakdownJSON),
		CandidatesScored: report.CandidatesScored,
		Resolution:       report.Resolution,
		ErrorMessage:     optionalString(report.Error),
		TargetJSON:       string(targetJSON),
	}
	if report.ArbitrationDecision != "" {
		event.ArbitrationDecision = optionalString(string(report.ArbitrationDecision))
		event.ArbitrationReasoning = optionalString(report.ArbitrationReasoning)
	}
	return event, nil
}

func checkTarget(target article.Article) error {
	if target.ID == "" {
		return &article.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if target.PublicationDate.IsZero() {
		return &article.ValidationError{Field: "publication_date", Reason: "missing or not a date"}
	}
	return nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
