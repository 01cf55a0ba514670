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
	"github.com/jaybodecode/netsecops.dev-sub001/internal/db"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/dedup"
)

func runArticles(args []string) int {
	fs := flag.NewFlagSet("articles", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	from := fs.String("from", daysAgoUTCString(dedup.DefaultLookbackDays), "Start publication date in YYYY-MM-DD (UTC)")
	to := fs.String("to", defaultUTCDayString(), "End publication date in YYYY-MM-DD (UTC)")
	limit := fs.Int("limit", 50, "Maximum articles to return")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "articles does not accept positional arguments")
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

	fromStart, toEnd, err := parseUTCDateRange(*from, *to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid date range: %v\n", err)
		return 2
	}

	ctx, cancel, pool, err := connectReadPool(*timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cancel()
	defer pool.Close()

	articles, err := pool.ListArticles(ctx, db.ArticleListOptions{
		From:  fromStart,
		To:    toEnd,
		Limit: *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query articles: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(articles); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	tableRows := make([][]string, 0, len(articles))
	for _, item := range articles {
		tableRows = append(tableRows, []string{
			item.ID,
			formatUTCDate(item.PublicationDate),
			truncateForTable(displayTitle(item), 70),
			truncateForTable(strings.Join(item.CVEIDs(), ","), 40),
			fmt.Sprintf("%d", len(item.Entities)),
			fmt.Sprintf("%d", item.RevisionCount),
		})
	}

	if err := writeTable(
		[]string{"id", "publication_date", "title", "cves", "entities", "revisions"},
		tableRows,
	); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}

	return 0
}

func displayTitle(a article.Article) string {
	if strings.TrimSpace(a.Title) != "" {
		return a.Title
	}
	return a.Summary
}
