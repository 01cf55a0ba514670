package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "score":
		return runScore(args[1:])
	case "process", "run-once":
		return runProcess(args[1:])
	case "articles":
		return runArticles(args[1:])
	case "show":
		return runShow(args[1:])
	case "review":
		return runReview(args[1:])
	case "stats":
		return runStats(args[1:])
	case "serve":
		return runServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "netsecops CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  netsecops <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health    Verify database connectivity")
	fmt.Fprintln(os.Stderr, "  validate  Validate structured article JSON files against the schema")
	fmt.Fprintln(os.Stderr, "  score     Score one article against another without touching storage")
	fmt.Fprintln(os.Stderr, "  process   Classify a batch of structured articles and apply the outcomes")
	fmt.Fprintln(os.Stderr, "  run-once  Alias for process")
	fmt.Fprintln(os.Stderr, "  articles  List stored articles by publication date")
	fmt.Fprintln(os.Stderr, "  show      Show one article with its update history")
	fmt.Fprintln(os.Stderr, "  review    List or resolve cases held for review")
	fmt.Fprintln(os.Stderr, "  stats     Show index and decision counts")
	fmt.Fprintln(os.Stderr, "  serve     Start Echo API server")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"netsecops <command> -h\" for command-specific flags.")
}
