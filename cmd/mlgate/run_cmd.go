package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
	"github.com/Mindburn-Labs/mlgate/pkg/orchestrator"
)

// runRunCmd implements `mlgate run`.
//
// Exit codes:
//
//	0 = every gate outcome allows the operation to proceed
//	1 = the operation is blocked
//	2 = runtime error
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		policyPath  string
		stageName   string
		contextPath string
		jsonOutput  bool
	)
	cmd.StringVar(&policyPath, "policy", "", "Path to the policy document (YAML or JSON)")
	cmd.StringVar(&stageName, "stage", "", "Lifecycle stage to evaluate (REQUIRED)")
	cmd.StringVar(&contextPath, "context", "", "Path to the operation context JSON, - for stdin")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the stage report as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	stage, err := gate.ParseStage(stageName)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	op, err := readOperationContext(contextPath, stage)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	rep, runErr := orch.RunStageGates(ctx, stage, op)
	if rep == nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", runErr)
		return exitError
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(rep, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printStageReport(stdout, rep)
	}

	if runErr != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", runErr)
		return exitError
	}
	if !rep.Proceed {
		return exitBlocked
	}
	return exitOK
}

// readOperationContext decodes the context document over a fresh context
// for stage. Missing identifiers are filled in.
func readOperationContext(path string, stage gate.Stage) (*gate.OperationContext, error) {
	op := gate.NewOperationContext(stage, "")
	if path == "" {
		op.OperationID = uuid.NewString()
		return op, nil
	}

	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path) //nolint:gosec // operator-supplied path
	}
	if err != nil {
		return nil, fmt.Errorf("read context: %w", err)
	}
	if err := json.Unmarshal(data, op); err != nil {
		return nil, fmt.Errorf("parse context: %w", err)
	}
	if op.Stage == "" {
		op.Stage = stage
	}
	if op.OperationID == "" {
		op.OperationID = uuid.NewString()
	}
	return op, nil
}

func printStageReport(w io.Writer, rep *orchestrator.StageReport) {
	verdict := "PROCEED"
	if !rep.Proceed {
		verdict = "BLOCKED"
	}
	_, _ = fmt.Fprintf(w, "Stage %s (operation %s, policy %s@%s): %s\n",
		rep.Stage, rep.OperationID, rep.PolicyID, rep.PolicyVersion, verdict)
	for i, res := range rep.Results {
		o := rep.Outcomes[i]
		_, _ = fmt.Fprintf(w, "  %-24s %-7s %-8s %s\n", res.GateName, res.Status, o.Decision, o.Reason)
		if res.Error != "" {
			_, _ = fmt.Fprintf(w, "    error: %s\n", res.Error)
		}
		if o.Review != nil {
			_, _ = fmt.Fprintf(w, "    review %s due %s\n", o.Review.RequestID, o.Review.Deadline.Format("2006-01-02T15:04:05Z07:00"))
		}
	}
	for _, s := range rep.Skipped {
		_, _ = fmt.Fprintf(w, "  %-24s skipped (%s)\n", s.Name, s.Reason)
	}
	if rep.Batch != nil {
		_, _ = fmt.Fprintf(w, "Batch %s sealed: %d receipts, root %s\n", rep.Batch.BatchID, rep.Batch.Size(), rep.Batch.Root)
	}
}
