package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/cli"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/config"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/db"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/logging"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/pipeline"
)

const watchDebounce = 500 * time.Millisecond

func runProcess(args []string) int {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	var files stringList
	fs.Var(&files, "file", "Structured article JSON file (object or array); repeatable")
	dir := fs.String("dir", "", "Directory of structured article .json files")
	recursive := fs.Bool("recursive", false, "Recursively scan --dir")
	dryRun := fs.Bool("dry-run", false, "Classify and report without writing")
	concurrency := fs.Int("concurrency", 0, "Targets classified in parallel (default PIPELINE_CONCURRENCY)")
	arbiterName := fs.String("arbiter", "", "Arbiter for borderline cases (default: http when configured, else manual)")
	scoringPath := fs.String("scoring-config", "", "YAML scoring config (default SCORING_CONFIG_FILE)")
	watch := fs.Bool("watch", false, "Keep running and process .json files written to --dir")
	timeout := fs.Duration("timeout", 10*time.Minute, "Batch timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	noMirror := fs.Bool("no-mirror", false, "Do not publish changed articles to the mirror")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "process does not accept positional arguments; use --file or --dir")
		return 2
	}
	if *concurrency < 0 {
		fmt.Fprintln(os.Stderr, "--concurrency must be >= 0")
		return 2
	}
	if *watch && strings.TrimSpace(*dir) == "" {
		fmt.Fprintln(os.Stderr, "--watch requires --dir")
		return 2
	}
	if len(files) == 0 && strings.TrimSpace(*dir) == "" {
		fmt.Fprintln(os.Stderr, "one of --file or --dir is required")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
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

	paths, err := resolveInputs(files, *dir, *recursive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Input resolution failed: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connectCancel()

	pool, err := db.NewPool(connectCtx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("process command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	eng, err := newEngine(cfg, logger, *scoringPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load scoring config: %v\n", err)
		return 1
	}

	source := strings.TrimSpace(*dir)
	if source == "" {
		source = strings.Join(files, ",")
	}
	svc, closeMirror, err := newPipelineService(connectCtx, cfg, pool, eng, logger, serviceOptions{
		DryRun:      *dryRun,
		Concurrency: *concurrency,
		Source:      source,
		Arbiter:     *arbiterName,
		NoMirror:    *noMirror,
	})
	if err != nil {
		logger.Error().Err(err).Msg("process command failed to build pipeline")
		fmt.Fprintf(os.Stderr, "Failed to build pipeline: %v\n", err)
		return 1
	}
	defer closeMirror()

	exitCode := 0
	if len(paths) > 0 {
		exitCode = processFiles(ctx, svc, logger, paths, *timeout, outputFormat)
	} else if !*watch {
		fmt.Fprintf(os.Stderr, "Process failed: no .json files found under %s\n", strings.TrimSpace(*dir))
		return 1
	}
	if !*watch {
		return exitCode
	}

	if err := watchDirectory(ctx, logger, strings.TrimSpace(*dir), func(batch []string) {
		processFiles(ctx, svc, logger, batch, *timeout, outputFormat)
	}); err != nil {
		logger.Error().Err(err).Str("dir", *dir).Msg("watch failed")
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return 1
	}
	return 0
}

// processFiles runs one batch and prints its report. The exit code is 1 when any target errored.
func processFiles(
	ctx context.Context,
	svc *pipeline.Service,
	logger zerolog.Logger,
	paths []string,
	timeout time.Duration,
	outputFormat string,
) int {
	payloads, err := loadPayloads(paths)
	if err != nil {
		logger.Error().Err(err).Int("files", len(paths)).Msg("load payloads failed")
		fmt.Fprintf(os.Stderr, "Failed to load payloads: %v\n", err)
		return 1
	}

	batchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report, runErr := svc.Run(batchCtx, payloads)
	if err := printReport(report, outputFormat); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render report: %v\n", err)
		return 1
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Process failed: %v\n", runErr)
		return 1
	}
	if report.Counters().Errored > 0 {
		return 1
	}
	return 0
}

func printReport(report pipeline.Report, outputFormat string) error {
	if outputFormat == outputFormatJSON {
		return printJSON(report)
	}

	rows := make([][]string, 0, len(report.Targets))
	for _, target := range report.Targets {
		rows = append(rows, []string{
			fmt.Sprintf("%d", target.Index),
			target.ArticleID,
			string(target.Outcome),
			string(target.Decision),
			target.Resolution,
			target.BestCandidateID,
			formatScore(target.BestScore),
			string(target.ArbitrationDecision),
			truncateForTable(target.Error, 60),
		})
	}
	if err := writeTable(
		[]string{"index", "article_id", "outcome", "decision", "resolution", "candidate", "score", "arbitration", "error"},
		rows,
	); err != nil {
		return err
	}

	counters := report.Counters()
	fmt.Printf(
		"process run_id=%d dry_run=%t targets=%d classified=%d held=%d errored=%d inserted=%d updated=%d skipped=%d\n",
		report.RunID,
		report.DryRun,
		counters.Targets,
		counters.Classified,
		counters.Held,
		counters.Errored,
		counters.Inserted,
		counters.Updated,
		counters.Skipped,
	)
	return nil
}

// watchDirectory calls handle with each settled set of .json files written under dir
// until ctx is cancelled.
func watchDirectory(ctx context.Context, logger zerolog.Logger, dir string, handle func([]string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	logger.Info().Str("dir", dir).Msg("watching for structured articles")

	pending := make(map[string]struct{})
	timer := time.NewTimer(watchDebounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Str("dir", dir).Msg("watch stopped")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isWatchedPayload(event) {
				continue
			}
			pending[event.Name] = struct{}{}
			timer.Reset(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Str("dir", dir).Msg("watcher error")
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			batch := make([]string, 0, len(pending))
			for path := range pending {
				batch = append(batch, path)
			}
			sort.Strings(batch)
			clear(pending)
			logger.Info().Int("files", len(batch)).Msg("processing watched files")
			handle(batch)
		}
	}
}

func isWatchedPayload(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}
	return isPayloadFile(event.Name)
}
