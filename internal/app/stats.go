package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/cli"
)

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	runs := fs.Int("runs", 5, "Recent pipeline runs to show")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "stats does not accept positional arguments")
		return 2
	}
	if *runs < 0 {
		fmt.Fprintln(os.Stderr, "--runs must be >= 0")
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

	stats, err := pool.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query stats: %v\n", err)
		return 1
	}
	recentRuns, err := pool.ListRuns(ctx, max(*runs, 1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query pipeline runs: %v\n", err)
		return 1
	}
	if *runs == 0 {
		recentRuns = recentRuns[:0]
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(map[string]any{"stats": stats, "runs": recentRuns}); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	metricRows := [][]string{
		{"articles", fmt.Sprintf("%d", stats.Articles)},
		{"updates", fmt.Sprintf("%d", stats.Updates)},
		{"dedup_events", fmt.Sprintf("%d", stats.DedupEvents)},
		{"pending_review", fmt.Sprintf("%d", stats.PendingReview)},
		{"last_run_at", formatUTCTimestampPtr(stats.LastRunAt)},
	}
	resolutions := make([]string, 0, len(stats.Resolutions))
	for resolution := range stats.Resolutions {
		resolutions = append(resolutions, resolution)
	}
	sort.Strings(resolutions)
	for _, resolution := range resolutions {
		metricRows = append(metricRows, []string{"resolution_" + resolution, fmt.Sprintf("%d", stats.Resolutions[resolution])})
	}
	if err := writeTable([]string{"metric", "value"}, metricRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render stats table: %v\n", err)
		return 1
	}
	if len(recentRuns) == 0 {
		return 0
	}

	fmt.Println()
	runRows := make([][]string, 0, len(recentRuns))
	for _, run := range recentRuns {
		runRows = append(runRows, []string{
			fmt.Sprintf("%d", run.RunID),
			run.Status,
			formatUTCTimestamp(run.StartedAt),
			fmt.Sprintf("%d", run.Targets),
			fmt.Sprintf("%d", run.Inserted),
			fmt.Sprintf("%d", run.Updated),
			fmt.Sprintf("%d", run.Skipped),
			fmt.Sprintf("%d", run.Held),
			fmt.Sprintf("%d", run.Errored),
		})
	}
	if err := writeTable(
		[]string{"run_id", "status", "started_at", "targets", "inserted", "updated", "skipped", "held", "errored"},
		runRows,
	); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render runs table: %v\n", err)
		return 1
	}
	return 0
}
