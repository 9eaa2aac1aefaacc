package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Mindburn-Labs/mlgate/pkg/archive"
)

// runExportCmd implements `mlgate export`.
//
// Builds the audit report for a time range from the persisted trail and
// writes it as JSON, as a zip pack, or uploads the pack to the configured
// archive.
//
// Exit codes:
//
//	0 = export completed
//	2 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		from      string
		to        string
		outFile   string
		packFile  string
		toArchive bool
	)
	cmd.StringVar(&from, "from", "", "Start of the period (RFC3339), open when empty")
	cmd.StringVar(&to, "to", "", "End of the period (RFC3339), open when empty")
	cmd.StringVar(&outFile, "out", "", "Write the report JSON to this file instead of stdout")
	cmd.StringVar(&packFile, "pack", "", "Write the zip evidence pack to this file")
	cmd.BoolVar(&toArchive, "archive", false, "Upload the zip evidence pack to the configured archive")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}

	start, err := parseBound(from)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --from: %v\n", err)
		return exitError
	}
	end, err := parseBound(to)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --to: %v\n", err)
		return exitError
	}

	ctx := context.Background()
	a, err := newApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer func() { _ = a.Close() }()

	report, err := a.trail.ExportAuditReport(start, end)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export: %v\n", err)
		return exitError
	}

	if packFile != "" {
		data, checksum, err := report.Pack()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: pack: %v\n", err)
			return exitError
		}
		if err := os.WriteFile(packFile, data, 0o600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: write pack: %v\n", err)
			return exitError
		}
		_, _ = fmt.Fprintf(stdout, "Evidence pack written to %s (sha256:%s)\n", packFile, checksum)
	}

	if toArchive {
		store, err := archive.Open(ctx, a.cfg.ArchiveOptions())
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: archive: %v\n", err)
			return exitError
		}
		ref, err := archive.ArchiveReport(ctx, store, report)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: archive: %v\n", err)
			return exitError
		}
		_, _ = fmt.Fprintf(stdout, "Evidence pack archived as %s\n", ref)
	}

	if packFile != "" || toArchive {
		if outFile == "" {
			return exitOK
		}
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: encode report: %v\n", err)
		return exitError
	}
	if outFile != "" {
		if err := os.WriteFile(outFile, data, 0o600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: write report: %v\n", err)
			return exitError
		}
		_, _ = fmt.Fprintf(stdout, "Audit report written to %s\n", outFile)
		return exitOK
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return exitOK
}

func parseBound(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
