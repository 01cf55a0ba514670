package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/cli"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/config"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/db"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/logging"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/publish"
)

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Second, "Database ping timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("health check failed")
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer pool.Close()

	logger.Info().
		Dur("timeout", *timeout).
		Str("dialect", pool.Dialect()).
		Msg("database health check passed")
	fmt.Println("ok: database ping successful")

	if cfg.MongoURI == "" {
		return 0
	}
	mirror, err := publish.NewMongoMirror(ctx, publish.MongoOptions{
		URI:        cfg.MongoURI,
		Database:   cfg.MongoDatabase,
		Collection: cfg.MongoCollection,
	})
	if err != nil {
		logger.Error().Err(err).Msg("mirror health check failed")
		fmt.Fprintf(os.Stderr, "Mirror health check failed: %v\n", err)
		return 1
	}
	defer mirror.Close(context.Background())
	fmt.Println("ok: mirror ping successful")
	return 0
}
