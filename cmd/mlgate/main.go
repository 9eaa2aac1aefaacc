package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Exit codes shared by every subcommand.
const (
	exitOK      = 0
	exitBlocked = 1
	exitError   = 2
)

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitError
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "summary":
		return runSummaryCmd(args[2:], stdout, stderr)
	case "review":
		return runReviewCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitError
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: mlgate <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  run       Evaluate the gates of a stage against an operation context")
	_, _ = fmt.Fprintln(w, "  verify    Verify the integrity of the persisted audit trail")
	_, _ = fmt.Fprintln(w, "  export    Export an audit report (JSON or zip pack)")
	_, _ = fmt.Fprintln(w, "  summary   Show the policy and gates configured for a stage")
	_, _ = fmt.Fprintln(w, "  review    Record a reviewer decision from a signed token")
	_, _ = fmt.Fprintln(w, "  token     Issue a reviewer token")
	_, _ = fmt.Fprintln(w, "  keygen    Generate a reviewer key pair")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration is read from MLGATE_CONFIG and MLGATE_* environment variables.")
	_, _ = fmt.Fprintln(w, "Exit codes: 0 = proceed/ok, 1 = blocked/failed, 2 = error")
}
