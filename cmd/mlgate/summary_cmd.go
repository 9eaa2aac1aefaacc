package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
)

// runSummaryCmd implements `mlgate summary`.
func runSummaryCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("summary", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		policyPath string
		stageName  string
	)
	cmd.StringVar(&policyPath, "policy", "", "Path to the policy document (YAML or JSON)")
	cmd.StringVar(&stageName, "stage", "", "Lifecycle stage (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	stage, err := gate.ParseStage(stageName)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	ctx := context.Background()
	a, err := newApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer func() { _ = a.Close() }()

	p, path, err := a.loadPolicy(policyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: policy: %v\n", err)
		return exitError
	}
	orch := a.orchestrator()
	if err := a.registerPolicyGates(ctx, orch, p, path); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: gates: %v\n", err)
		return exitError
	}

	summary, err := orch.StageSummary(stage)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	data, _ := json.MarshalIndent(summary, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return exitOK
}
