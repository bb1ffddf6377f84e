// Command aegis runs the oversight-enforced incident pipeline.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint, following the dispatcher's
// (args, stdout, stderr) int convention.
func Run(args []string, stdout, stderr io.Writer) int {
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, nil)))

	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "simulate":
		return runSimulateCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "aegis - oversight-enforced incident pipeline")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  aegis simulate --scenario <path> --config <path> --out <dir> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  --scenario         path to scenario document (scenario ingest mode)")
	fmt.Fprintln(w, "  --config           path to the pipeline config document")
	fmt.Fprintln(w, "  --out              output directory for run artifacts")
	fmt.Fprintln(w, "  --policy-pack      optional policy pack deep-merged onto config")
	fmt.Fprintln(w, "  --ingest-mode      scenario|tail|modules_media (overrides config)")
	fmt.Fprintln(w, "  --approver-id      active approver id")
	fmt.Fprintln(w, "  --approver-token   active approver signed token")
}
