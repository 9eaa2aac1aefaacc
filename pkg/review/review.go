// Package review takes reviewer decisions on escalated gate results and turns
// them into signed review receipts on the audit trail.
package review

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/mlgate/pkg/audit"
	"github.com/Mindburn-Labs/mlgate/pkg/enforcement"
	"github.com/Mindburn-Labs/mlgate/pkg/policy"
	"github.com/Mindburn-Labs/mlgate/pkg/receipts"
	"github.com/Mindburn-Labs/mlgate/pkg/stream"
)

var (
	ErrReceiptNotFound = errors.New("review: gate receipt not found")
	ErrUnknownReviewer = errors.New("review: unknown reviewer key")
	ErrInvalidToken    = errors.New("review: invalid reviewer token")
)

// Claims is the JWT body a reviewer signs. The token's kid header and
// subject both name the reviewer.
type Claims struct {
	jwt.RegisteredClaims
	ReceiptID  string                  `json:"receipt_id"`
	Decision   receipts.ReviewDecision `json:"decision"`
	Rationale  string                  `json:"rationale,omitempty"`
	Conditions []string                `json:"conditions,omitempty"`
}

// Submission is a decision that has already been authenticated.
type Submission struct {
	ReceiptID  string
	ReviewerID string
	Decision   receipts.ReviewDecision
	Rationale  string
	Conditions []string
}

// Recorded is what Record produced.
type Recorded struct {
	Receipt *receipts.ReviewReceipt
	Request *enforcement.ReviewRequest // nil when no request was queued
}

// Intake verifies reviewer submissions and records them.
type Intake struct {
	gen       *receipts.Generator
	trail     *audit.Trail
	queue     *enforcement.ReviewQueue
	publisher stream.Publisher
	keys      map[string]ed25519.PublicKey
	clock     func() time.Time
	logger    *slog.Logger
}

func NewIntake(gen *receipts.Generator, trail *audit.Trail) *Intake {
	return &Intake{
		gen:       gen,
		trail:     trail,
		publisher: stream.NopPublisher{},
		keys:      make(map[string]ed25519.PublicKey),
		clock:     time.Now,
		logger:    slog.Default().With("component", "review"),
	}
}

func (in *Intake) WithQueue(q *enforcement.ReviewQueue) *Intake {
	in.queue = q
	return in
}

func (in *Intake) WithPublisher(p stream.Publisher) *Intake {
	if p != nil {
		in.publisher = p
	}
	return in
}

func (in *Intake) WithClock(clock func() time.Time) *Intake {
	in.clock = clock
	return in
}

func (in *Intake) WithLogger(logger *slog.Logger) *Intake {
	in.logger = logger
	return in
}

// TrustKey registers a reviewer's verification key.
func (in *Intake) TrustKey(reviewerID string, key ed25519.PublicKey) *Intake {
	in.keys[reviewerID] = key
	return in
}

// TrustSettings registers every key in the policy's reviewer settings.
func (in *Intake) TrustSettings(s policy.ReviewerSettings) error {
	keys, err := KeysFromSettings(s)
	if err != nil {
		return err
	}
	for id, k := range keys {
		in.keys[id] = k
	}
	return nil
}

// KeysFromSettings decodes hex Ed25519 public keys keyed by reviewer id.
func KeysFromSettings(s policy.ReviewerSettings) (map[string]ed25519.PublicKey, error) {
	out := make(map[string]ed25519.PublicKey, len(s.PublicKeys))
	for id, h := range s.PublicKeys {
		b, err := hex.DecodeString(h)
		if err != nil || len(b) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("review: bad public key for reviewer %q", id)
		}
		out[id] = ed25519.PublicKey(b)
	}
	return out, nil
}

func (in *Intake) keyFunc(token *jwt.Token) (any, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("%w: missing kid", ErrUnknownReviewer)
	}
	key, ok := in.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReviewer, kid)
	}
	return key, nil
}

// Verify parses and checks a reviewer token.
func (in *Intake) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, in.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(in.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if kid, _ := token.Header["kid"].(string); claims.Subject != kid {
		return nil, fmt.Errorf("%w: subject %q does not match key %q", ErrInvalidToken, claims.Subject, kid)
	}
	return claims, nil
}

// Submit verifies the token and records the decision it carries.
func (in *Intake) Submit(ctx context.Context, tokenString string) (*Recorded, error) {
	claims, err := in.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	return in.Record(ctx, Submission{
		ReceiptID:  claims.ReceiptID,
		ReviewerID: claims.Subject,
		Decision:   claims.Decision,
		Rationale:  claims.Rationale,
		Conditions: claims.Conditions,
	})
}

func queueStatus(d receipts.ReviewDecision) enforcement.ReviewStatus {
	switch d {
	case receipts.DecisionApprove:
		return enforcement.ReviewApproved
	case receipts.DecisionReject:
		return enforcement.ReviewRejected
	default:
		return enforcement.ReviewEscalated
	}
}

// Record links a review receipt to its gate receipt. If a review request is
// queued for the receipt it is resolved first, so an unassigned reviewer or
// an expired request produces no receipt. A decision that cannot be recorded
// leaves the request pending again.
func (in *Intake) Record(ctx context.Context, s Submission) (*Recorded, error) {
	if s.ReviewerID == "" {
		return nil, receipts.ErrEmptyReviewer
	}
	if !s.Decision.Valid() {
		return nil, fmt.Errorf("%w: %q", receipts.ErrInvalidDecision, s.Decision)
	}
	parent, ok := in.trail.Receipt(s.ReceiptID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, s.ReceiptID)
	}

	out := &Recorded{}
	if in.queue != nil {
		if req, ok := in.queue.ForReceipt(s.ReceiptID); ok {
			resolved, err := in.queue.Resolve(req.RequestID, s.ReviewerID, queueStatus(s.Decision))
			if err != nil {
				return nil, fmt.Errorf("review: resolve request %s: %w", req.RequestID, err)
			}
			out.Request = resolved
		}
	}

	rr, err := in.gen.CreateReviewReceipt(parent, s.ReviewerID, s.Decision, s.Rationale, s.Conditions)
	if err == nil {
		err = in.trail.AppendReview(ctx, rr)
		if err != nil {
			err = fmt.Errorf("review: append: %w", err)
		}
	}
	if err != nil {
		if out.Request != nil {
			if rerr := in.queue.Reopen(out.Request.RequestID); rerr != nil {
				in.logger.Error("review not recorded and request not reopened",
					"request_id", out.Request.RequestID, "error", rerr)
			}
		}
		in.logger.Error("review not recorded", "receipt_id", s.ReceiptID, "reviewer", s.ReviewerID, "error", err)
		return nil, err
	}
	out.Receipt = rr

	if err := in.publisher.PublishReview(ctx, rr); err != nil {
		in.logger.Warn("publish review failed", "review_id", rr.ReviewID, "error", err)
	}
	in.logger.Info("review recorded",
		"review_id", rr.ReviewID,
		"receipt_id", s.ReceiptID,
		"reviewer", s.ReviewerID,
		"decision", s.Decision,
	)
	return out, nil
}

// IssueToken signs a reviewer token. It is used by the CLI and by tests;
// production reviewers sign with their own tooling.
func IssueToken(priv ed25519.PrivateKey, reviewerID string, s Submission, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   reviewerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ReceiptID:  s.ReceiptID,
		Decision:   s.Decision,
		Rationale:  s.Rationale,
		Conditions: s.Conditions,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = reviewerID
	signed, err := token.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("review: sign token: %w", err)
	}
	return signed, nil
}
