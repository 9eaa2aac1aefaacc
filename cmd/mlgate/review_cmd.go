package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/mlgate/pkg/receipts"
	"github.com/Mindburn-Labs/mlgate/pkg/review"
)

// runReviewCmd implements `mlgate review`.
//
// Verifies a reviewer token against the keys in the policy's reviewer
// settings and appends the resulting review receipt to the trail.
//
// Exit codes:
//
//	0 = review recorded
//	1 = token rejected
//	2 = runtime error
func runReviewCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("review", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		policyPath string
		token      string
		tokenFile  string
	)
	cmd.StringVar(&policyPath, "policy", "", "Path to the policy document holding reviewer keys")
	cmd.StringVar(&token, "token", "", "Signed reviewer token")
	cmd.StringVar(&tokenFile, "token-file", "", "File holding the signed reviewer token")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if tokenFile != "" {
		data, err := os.ReadFile(tokenFile) //nolint:gosec // operator-supplied path
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		token = strings.TrimSpace(string(data))
	}
	if token == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --token or --token-file is required")
		return exitError
	}

	ctx := context.Background()
	a, err := newApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer func() { _ = a.Close() }()

	p, _, err := a.loadPolicy(policyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: policy: %v\n", err)
		return exitError
	}
	intake := review.NewIntake(a.gen, a.trail).
		WithPublisher(a.publisher).
		WithLogger(a.logger.With("component", "review"))
	if err := intake.TrustSettings(p.ReviewerSettings); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: reviewer keys: %v\n", err)
		return exitError
	}

	rec, err := intake.Submit(ctx, token)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, review.ErrInvalidToken) || errors.Is(err, review.ErrUnknownReviewer) {
			return exitBlocked
		}
		return exitError
	}
	data, _ := json.MarshalIndent(rec.Receipt, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return exitOK
}

// runTokenCmd implements `mlgate token`, issuing a reviewer token signed
// with a hex Ed25519 seed or private key.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		keyHex     string
		reviewerID string
		receiptID  string
		decision   string
		rationale  string
		conditions string
		ttl        time.Duration
	)
	cmd.StringVar(&keyHex, "key", os.Getenv("MLGATE_REVIEWER_KEY"), "Hex Ed25519 seed or private key")
	cmd.StringVar(&reviewerID, "reviewer", "", "Reviewer id (REQUIRED)")
	cmd.StringVar(&receiptID, "receipt", "", "Gate receipt id under review (REQUIRED)")
	cmd.StringVar(&decision, "decision", "", "approve, reject or escalate (REQUIRED)")
	cmd.StringVar(&rationale, "rationale", "", "Reason for the decision")
	cmd.StringVar(&conditions, "conditions", "", "Comma-separated conditions attached to an approval")
	cmd.DurationVar(&ttl, "ttl", 15*time.Minute, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if reviewerID == "" || receiptID == "" || decision == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --reviewer, --receipt and --decision are required")
		return exitError
	}
	priv, err := parsePrivateKey(keyHex)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --key: %v\n", err)
		return exitError
	}

	s := review.Submission{
		ReceiptID:  receiptID,
		ReviewerID: reviewerID,
		Decision:   receipts.ReviewDecision(decision),
		Rationale:  rationale,
	}
	if !s.Decision.Valid() {
		_, _ = fmt.Fprintf(stderr, "Error: invalid decision %q\n", decision)
		return exitError
	}
	if conditions != "" {
		for _, c := range strings.Split(conditions, ",") {
			if c = strings.TrimSpace(c); c != "" {
				s.Conditions = append(s.Conditions, c)
			}
		}
	}
	tok, err := review.IssueToken(priv, reviewerID, s, time.Now(), ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return exitOK
}

func parsePrivateKey(s string) (ed25519.PrivateKey, error) {
	if s == "" {
		return nil, errors.New("key is required")
	}
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("expected %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// runKeygenCmd prints a fresh reviewer key pair. The public key goes into
// reviewer_settings.public_keys; the seed stays with the reviewer.
func runKeygenCmd(stdout, stderr io.Writer) int {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	_, _ = fmt.Fprintf(stdout, "public_key: %s\n", hex.EncodeToString(pub))
	_, _ = fmt.Fprintf(stdout, "seed:       %s\n", hex.EncodeToString(priv.Seed()))
	return exitOK
}
