package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/arbitration"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/cli"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/config"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/db"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/logging"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/pipeline"
)

func runReview(args []string) int {
	if len(args) == 0 {
		printReviewUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printReviewUsage()
		return 0
	case "list":
		return runReviewList(args[1:])
	case "resolve":
		return runReviewResolve(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown review action: %s\n\n", args[0])
		printReviewUsage()
		return 2
	}
}

func printReviewUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  netsecops review list [flags]")
	fmt.Fprintln(os.Stderr, "  netsecops review resolve --event <id> --decision NEW|SKIP|UPDATE [--update-file <path>]")
}

func runReviewList(args []string) int {
	fs := flag.NewFlagSet("review list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	limit := fs.Int("limit", 50, "Maximum held cases to return")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be > 0")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	ctx, cancel, pool, err := connectReadPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	events, err := pool.ListDedupEvents(ctx, db.EventListOptions{
		Resolution: db.ResolutionHeldForReview,
		Unreviewed: true,
		Limit:      *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query held cases: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(events); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := make([][]string, 0, len(events))
	for _, event := range events {
		rows = append(rows, []string{
			fmt.Sprintf("%d", event.DedupEventID),
			event.ArticleID,
			event.Decision,
			pointerStringOrEmpty(event.BestCandidateID),
			formatScore(event.BestScore),
			pointerStringOrEmpty(event.ArbitrationDecision),
			truncateForTable(pointerStringOrEmpty(event.ErrorMessage), 60),
			formatUTCTimestamp(event.CreatedAt),
		})
	}
	if err := writeTable(
		[]string{"event_id", "article_id", "decision", "candidate", "score", "arbitration", "reason", "created_at"},
		rows,
	); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}

func runReviewResolve(args []string) int {
	fs := flag.NewFlagSet("review resolve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	eventID := fs.Int64("event", 0, "Held dedup event id")
	decision := fs.String("decision", "", "Reviewer decision: NEW, SKIP or UPDATE")
	updateFile := fs.String("update-file", "", "JSON update draft (summary, detail, severity_change) for UPDATE")
	dryRun := fs.Bool("dry-run", false, "Report the resolution without writing")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *eventID <= 0 {
		fmt.Fprintln(os.Stderr, "--event must be > 0")
		return 2
	}
	normalized := arbitration.Decision(strings.ToUpper(strings.TrimSpace(*decision)))
	if !normalized.Valid() {
		fmt.Fprintln(os.Stderr, "--decision must be NEW, SKIP or UPDATE")
		return 2
	}

	review := pipeline.ReviewDecision{Decision: normalized}
	if strings.TrimSpace(*updateFile) != "" {
		draft, err := loadUpdateDraft(*updateFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load update draft: %v\n", err)
			return 2
		}
		review.Update = &draft
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
		logger.Error().Err(err).Msg("review command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	eng, err := newEngine(cfg, logger, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load scoring config: %v\n", err)
		return 1
	}
	svc, closeMirror, err := newPipelineService(ctx, cfg, pool, eng, logger, serviceOptions{
		DryRun: *dryRun,
		Source: "review",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build pipeline: %v\n", err)
		return 1
	}
	defer closeMirror()

	report, err := svc.ResolveHeld(ctx, *eventID, review)
	if err != nil {
		logger.Error().Err(err).Int64("dedup_event_id", *eventID).Msg("review resolve failed")
		fmt.Fprintf(os.Stderr, "Review failed: %v\n", err)
		if article.IsValidation(err) || errors.Is(err, pipeline.ErrAlreadyReviewed) {
			return 2
		}
		return 1
	}

	fmt.Printf(
		"review event_id=%d article_id=%s decision=%s resolution=%s revision=%d dry_run=%t\n",
		*eventID,
		report.ArticleID,
		normalized,
		report.Resolution,
		report.Revision,
		*dryRun,
	)
	return 0
}

func loadUpdateDraft(path string) (article.UpdateDraft, error) {
	raw, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return article.UpdateDraft{}, err
	}
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.DisallowUnknownFields()

	var draft article.UpdateDraft
	if err := decoder.Decode(&draft); err != nil {
		return article.UpdateDraft{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return draft, nil
}
