package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
)

// runVerifyCmd implements `mlgate verify`.
//
// Replays the configured store into a trail and re-checks every receipt,
// review, batch and chain link.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output the integrity report as JSON")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}

	ctx := context.Background()
	a, err := newApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer func() { _ = a.Close() }()

	if a.cfg.StoreDriver == "" {
		_, _ = fmt.Fprintln(stderr, "Error: verify needs a persisted trail (set MLGATE_STORE_DRIVER and MLGATE_STORE_DSN)")
		return exitError
	}

	report := a.trail.Verify()
	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Valid {
		_, _ = fmt.Fprintln(stdout, "Audit trail verification PASSED")
		_, _ = fmt.Fprintf(stdout, "Entries: %d, receipts: %d, reviews: %d, batches: %d\n",
			report.EntriesChecked, report.ReceiptsChecked, report.ReviewsChecked, report.BatchesChecked)
		_, _ = fmt.Fprintf(stdout, "Chain head: %s\n", report.ChainHead)
	} else {
		_, _ = fmt.Fprintln(stdout, "Audit trail verification FAILED")
		for _, f := range report.Failures {
			_, _ = fmt.Fprintf(stdout, "  - %s %s: %s\n", f.Kind, f.ID, f.Reason)
		}
	}

	if !report.Valid {
		return exitBlocked
	}
	return exitOK
}
