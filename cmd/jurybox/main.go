package main

import (
	"fmt"
	"io"
	"os"
)

// version is set at build time.
var version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = the evaluation or check ran and failed (quota denied, no consensus)
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "evaluate", "eval":
		return runEvaluateCmd(args[2:], stdout, stderr)
	case "quota":
		return runQuotaCmd(args[2:], stdout, stderr)
	case "reconcile":
		return runReconcileCmd(args[2:], stdout, stderr)
	case "profiles":
		return runProfilesCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "jurybox %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
	colorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sjurybox %s%s\n", colorBold+colorCyan, version, colorReset)
	_, _ = fmt.Fprintf(w, "%sMany judges, one verdict.%s\n", colorGray, colorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	_, _ = fmt.Fprintln(w, "  jurybox <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "EVALUATION")
	printCommand(w, "evaluate", "Run a multi-judge evaluation (--request, --profile, --script, --json)")
	printCommand(w, "profiles", "List judging panel profiles")

	printSection(w, "QUOTA")
	printCommand(w, "quota", "status | check | set-cap | usage (--user)")

	printSection(w, "SETTLEMENT")
	printCommand(w, "reconcile", "Retry queued settlement notifications")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-12s%s %s\n", colorGreen, name, colorReset, desc)
}
