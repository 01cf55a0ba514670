package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/cli"
)

func runShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	id := fs.String("id", "", "Article id")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	withMirror := fs.Bool("mirror", false, "Compare against the MongoDB mirror copy")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	articleID := strings.TrimSpace(*id)
	if articleID == "" && fs.NArg() == 1 {
		articleID = strings.TrimSpace(fs.Arg(0))
	}
	if articleID == "" {
		fmt.Fprintln(os.Stderr, "--id is required")
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

	item, err := pool.GetArticle(ctx, articleID)
	if article.IsNotFound(err) {
		fmt.Fprintf(os.Stderr, "Article %s not found\n", articleID)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load article: %v\n", err)
		return 1
	}

	var mirror *mirrorCheck
	if *withMirror {
		mirror, err = loadMirrorCheck(ctx, item)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to check mirror: %v\n", err)
			return 1
		}
	}

	if outputFormat == outputFormatJSON {
		var payload any = item
		if mirror != nil {
			payload = map[string]any{"article": item, "mirror": mirror}
		}
		if err := printJSON(payload); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("id:               %s\n", item.ID)
	fmt.Printf("publication_date: %s\n", formatUTCDate(item.PublicationDate))
	fmt.Printf("title:            %s\n", item.Title)
	fmt.Printf("summary:          %s\n", item.Summary)
	fmt.Printf("revisions:        %d\n", item.RevisionCount)
	if mirror != nil {
		fmt.Printf("mirror:           %s (revision %d, published %s)\n", mirror.Status, mirror.MirroredRevision, formatUTCTimestampPtr(mirror.PublishedAt))
	}
	fmt.Println()

	cveRows := make([][]string, 0, len(item.CVEs))
	for _, cve := range item.CVEs {
		score := ""
		if cve.CVSSScore != nil {
			score = fmt.Sprintf("%.1f", *cve.CVSSScore)
		}
		cveRows = append(cveRows, []string{cve.ID, score, cve.Severity, fmt.Sprintf("%t", cve.IsKnownExploited)})
	}
	if err := writeTable([]string{"cve", "cvss", "severity", "known_exploited"}, cveRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render CVE table: %v\n", err)
		return 1
	}
	fmt.Println()

	entityRows := make([][]string, 0, len(item.Entities))
	for _, entity := range item.Entities {
		entityRows = append(entityRows, []string{string(entity.Type), entity.Name})
	}
	if err := writeTable([]string{"entity_type", "name"}, entityRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render entity table: %v\n", err)
		return 1
	}
	fmt.Println()

	updateRows := make([][]string, 0, len(item.Updates))
	for i, update := range item.Updates {
		updateRows = append(updateRows, []string{
			fmt.Sprintf("%d", i+1),
			formatUTCTimestamp(update.Timestamp),
			string(update.SeverityChange),
			truncateForTable(update.Summary, 80),
			fmt.Sprintf("%d", len(update.Sources)),
		})
	}
	if err := writeTable([]string{"seq", "timestamp", "severity_change", "summary", "sources"}, updateRows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render update table: %v\n", err)
		return 1
	}
	return 0
}
