package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/arbitration"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/config"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/db"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/dedup"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/extract"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/logging"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/pipeline"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/publish"
)

type serviceOptions struct {
	DryRun      bool
	Concurrency int
	Source      string
	Arbiter     string
	NoMirror    bool
}

type engine struct {
	extractor  *extract.Extractor
	classifier *dedup.Classifier
	scoring    dedup.ScoringConfig
}

// newEngine loads the scoring config. LOOKBACK_DAYS applies unless a scoring file sets the window.
func newEngine(cfg *config.Config, logger zerolog.Logger, scoringPath string) (engine, error) {
	path := strings.TrimSpace(scoringPath)
	if path == "" {
		path = strings.TrimSpace(cfg.ScoringConfigFile)
	}
	scoring, err := dedup.LoadScoringConfig(path)
	if err != nil {
		return engine{}, err
	}
	if path == "" && cfg.LookbackDays > 0 {
		scoring.LookbackDays = cfg.LookbackDays
	}
	return engine{
		extractor:  extract.New(logging.Component(logger, "extract"), extract.Options{DetectLanguage: true}),
		classifier: dedup.NewClassifier(scoring, nil),
		scoring:    scoring,
	}, nil
}

// newArbiterRegistry makes the remote arbiter the default when an endpoint is configured.
func newArbiterRegistry(cfg *config.Config) (*arbitration.Registry, error) {
	if !cfg.ArbitrationEnabled() {
		return arbitration.NewRegistry(arbitration.DefaultArbiterName), nil
	}
	httpArbiter := arbitration.NewHTTPArbiter(cfg.ArbitrationEndpoint, cfg.ArbitrationModel, cfg.ArbitrationAPIKey)
	registry := arbitration.NewRegistry(httpArbiter.Name())
	if err := registry.Register(httpArbiter); err != nil {
		return nil, err
	}
	return registry, nil
}

// newPipelineService wires storage, scoring, arbitration and the optional mirror.
// The returned cleanup closes the mirror connection.
func newPipelineService(
	ctx context.Context,
	cfg *config.Config,
	pool *db.Pool,
	eng engine,
	logger zerolog.Logger,
	opts serviceOptions,
) (*pipeline.Service, func(), error) {
	registry, err := newArbiterRegistry(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build arbiter registry: %w", err)
	}
	arbiter, err := registry.Arbiter(opts.Arbiter)
	if err != nil {
		return nil, nil, err
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = cfg.PipelineConcurrency
	}

	svc := pipeline.NewService(pool, eng.extractor, eng.classifier, arbiter, logging.Component(logger, "pipeline"), pipeline.Options{
		LookbackDays: eng.scoring.LookbackDays,
		Concurrency:  concurrency,
		DryRun:       opts.DryRun,
		Source:       opts.Source,
		Policy: arbitration.Policy{
			Timeout:     cfg.ArbitrationTimeout,
			MaxAttempts: cfg.ArbitrationMaxAttempts,
			Backoff:     arbitration.DefaultBackoff,
		},
	})

	cleanup := func() {}
	if opts.NoMirror || opts.DryRun || strings.TrimSpace(cfg.MongoURI) == "" {
		return svc, cleanup, nil
	}

	mirror, err := publish.NewMongoMirror(ctx, publish.MongoOptions{
		URI:        cfg.MongoURI,
		Database:   cfg.MongoDatabase,
		Collection: cfg.MongoCollection,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect article mirror: %w", err)
	}
	logger.Info().
		Str("database", cfg.MongoDatabase).
		Str("collection", cfg.MongoCollection).
		Msg("article mirror connected")

	svc.WithMirror(mirror)
	cleanup = func() {
		if err := mirror.Close(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("close article mirror failed")
		}
	}
	return svc, cleanup, nil
}
