package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/dedup"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/extract"
	"github.com/jaybodecode/netsecops.dev-sub001/internal/logging"
)

type scoreOutput struct {
	TargetID    string                      `json:"target_id"`
	CandidateID string                      `json:"candidate_id"`
	Decision    dedup.Decision              `json:"decision"`
	Total       float64                     `json:"total"`
	Breakdown   map[dedup.Dimension]float64 `json:"breakdown"`
}

// runScore compares two payload files offline. It needs no database configuration.
func runScore(args []string) int {
	fs := flag.NewFlagSet("score", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	targetPath := fs.String("target", "", "Structured article JSON for the new article")
	candidatePath := fs.String("candidate", "", "Structured article JSON for the stored article")
	scoringPath := fs.String("scoring-config", "", "YAML scoring config overlaying the defaults")
	logLevel := fs.String("log-level", "warn", "Log level")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if strings.TrimSpace(*targetPath) == "" || strings.TrimSpace(*candidatePath) == "" {
		fmt.Fprintln(os.Stderr, "--target and --candidate are required")
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	logger, err := logging.New("local", *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}

	scoring, err := dedup.LoadScoringConfig(*scoringPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load scoring config: %v\n", err)
		return 1
	}

	payloads, err := loadPayloads([]string{*targetPath, *candidatePath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load payloads: %v\n", err)
		return 1
	}
	if len(payloads) != 2 {
		fmt.Fprintln(os.Stderr, "--target and --candidate must each hold exactly one article")
		return 2
	}

	extractor := extract.New(logger, extract.Options{})
	target := extractor.Extract(payloads[0])
	candidate := extractor.Extract(payloads[1])

	result := dedup.NewClassifier(scoring, nil).Classify(target, []article.Article{candidate})
	out := scoreOutput{
		TargetID:    target.ID,
		CandidateID: candidate.ID,
		Decision:    result.Decision,
		Total:       result.BestScore,
		Breakdown:   result.Breakdown,
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(out); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	rows := make([][]string, 0, len(dedup.Dimensions)+1)
	for _, dim := range dedup.Dimensions {
		rows = append(rows, []string{
			string(dim),
			formatScore(scoring.Weights[dim]),
			formatScore(out.Breakdown[dim]),
		})
	}
	rows = append(rows, []string{"total", "", formatScore(out.Total)})
	if err := writeTable([]string{"dimension", "weight", "score"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	fmt.Printf("score target=%s candidate=%s decision=%s total=%.3f\n", out.TargetID, out.CandidateID, out.Decision, out.Total)
	return 0
}
