package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	payloadschema "github.com/jaybodecode/netsecops.dev-sub001/schema"
)

type validateSummary struct {
	Files    int              `json:"files"`
	Articles int              `json:"articles"`
	Valid    int              `json:"valid"`
	Invalid  int              `json:"invalid"`
	Problems []payloadProblem `json:"problems,omitempty"`
}

// payloadProblem locates one rejected payload. Index is -1 when the whole file is unreadable.
type payloadProblem struct {
	Path  string `json:"path"`
	Index int    `json:"index"`
	Error string `json:"error"`
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var files stringList
	fs.Var(&files, "file", "Structured article JSON file (repeatable)")
	dir := fs.String("dir", "testdata/articles", "Directory of structured article .json files; empty to skip")
	recursive := fs.Bool("recursive", true, "Recursively scan subdirectories")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	paths, err := resolveInputs(files, *dir, *recursive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation setup failed: %v\n", err)
		return 1
	}
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "Validation failed: no .json files to check")
		return 1
	}

	summary := validatePayloadFiles(paths)

	if outputFormat == outputFormatJSON {
		if err := printJSON(summary); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
	} else {
		if len(summary.Problems) > 0 {
			rows := make([][]string, 0, len(summary.Problems))
			for _, problem := range summary.Problems {
				index := "-"
				if problem.Index >= 0 {
					index = strconv.Itoa(problem.Index)
				}
				rows = append(rows, []string{problem.Path, index, truncateForTable(problem.Error, 100)})
			}
			if err := writeTable([]string{"file", "item", "error"}, rows); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
				return 1
			}
		}
		fmt.Printf(
			"validate files=%d articles=%d valid=%d invalid=%d\n",
			summary.Files,
			summary.Articles,
			summary.Valid,
			summary.Invalid,
		)
	}

	if summary.Invalid > 0 {
		return 1
	}
	return 0
}

// validatePayloadFiles checks every article in every file against the structured article schema.
func validatePayloadFiles(paths []string) validateSummary {
	var summary validateSummary
	for _, path := range paths {
		summary.Files++

		raw, err := os.ReadFile(path)
		if err != nil {
			summary.Invalid++
			summary.Problems = append(summary.Problems, payloadProblem{Path: path, Index: -1, Error: err.Error()})
			continue
		}
		items, err := splitPayloads(raw)
		if err != nil {
			summary.Invalid++
			summary.Problems = append(summary.Problems, payloadProblem{Path: path, Index: -1, Error: err.Error()})
			continue
		}

		for i, item := range items {
			summary.Articles++
			if _, err := payloadschema.ValidateStructuredArticle(item); err != nil {
				summary.Invalid++
				summary.Problems = append(summary.Problems, payloadProblem{
					Path:  path,
					Index: i,
					Error: strings.TrimSpace(err.Error()),
				})
				continue
			}
			summary.Valid++
		}
	}
	return summary
}
