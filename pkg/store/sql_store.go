// Package store persists the audit trail in SQL. SQLite (modernc.org/sqlite)
// backs single-node deployments; Postgres (lib/pq) backs shared ones.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/mlgate/pkg/audit"
	"github.com/Mindburn-Labs/mlgate/pkg/gate"
	"github.com/Mindburn-Labs/mlgate/pkg/merkle"
	"github.com/Mindburn-Labs/mlgate/pkg/receipts"
)

// Dialect selects placeholder style and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var ErrUnknownDialect = errors.New("store: unknown dialect")

// ParseDialect maps a driver name onto a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDialect, s)
}

// SQLStore implements audit.Backend.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ audit.Backend = (*SQLStore)(nil)

// New wraps an open database. Call Migrate before first use.
func New(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Open connects with the driver matching dialect, pings and migrates.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One writer; also keeps every connection on the same :memory: database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", dialect, err)
	}
	s := New(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS trail_entries (
		sequence BIGINT PRIMARY KEY,
		kind TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS gate_receipts (
		receipt_id TEXT PRIMARY KEY,
		gate_name TEXT NOT NULL,
		stage TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		status TEXT NOT NULL,
		policy_version TEXT NOT NULL DEFAULT '',
		metrics_summary TEXT NOT NULL DEFAULT '{}',
		evidence_refs TEXT NOT NULL DEFAULT '[]',
		result_digest TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		signature TEXT NOT NULL DEFAULT '',
		signer_key_id TEXT NOT NULL DEFAULT '',
		merkle_leaf_hash TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gate_receipts_stage ON gate_receipts (stage, timestamp)`,
	`CREATE TABLE IF NOT EXISTS review_receipts (
		review_id TEXT PRIMARY KEY,
		parent_receipt_id TEXT NOT NULL,
		parent_receipt_hash TEXT NOT NULL,
		reviewer_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		decision TEXT NOT NULL,
		rationale TEXT NOT NULL DEFAULT '',
		conditions TEXT NOT NULL DEFAULT '[]',
		content_hash TEXT NOT NULL,
		signature TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS receipt_batches (
		batch_id TEXT PRIMARY KEY,
		root TEXT NOT NULL,
		sealed_at TEXT NOT NULL,
		leaves TEXT NOT NULL,
		proofs TEXT NOT NULL
	)`,
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

// withTx runs fn in a transaction and inserts the chain entry alongside.
func (s *SQLStore) withTx(ctx context.Context, e *audit.Entry, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO trail_entries
		(sequence, kind, subject_id, content_hash, previous_hash, entry_hash, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.Sequence, string(e.Kind), e.SubjectID, e.ContentHash, e.PreviousHash, e.EntryHash, formatTime(e.RecordedAt),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("store: insert entry %d: %w", e.Sequence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendReceipt(ctx context.Context, r *receipts.GateReceipt, e *audit.Entry) error {
	metrics, err := json.Marshal(nonNilMetrics(r.MetricsSummary))
	if err != nil {
		return fmt.Errorf("store: encode metrics: %w", err)
	}
	refs, err := json.Marshal(nonNilStrings(r.EvidenceRefs))
	if err != nil {
		return fmt.Errorf("store: encode evidence refs: %w", err)
	}
	return s.withTx(ctx, e, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO gate_receipts
			(receipt_id, gate_name, stage, timestamp, status, policy_version, metrics_summary, evidence_refs,
			 result_digest, content_hash, signature, signer_key_id, merkle_leaf_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			r.ReceiptID, r.GateName, string(r.Stage), formatTime(r.Timestamp), string(r.Status), r.PolicyVersion,
			string(metrics), string(refs), r.ResultDigest, r.ContentHash, r.Signature, r.SignerKeyID, r.MerkleLeafHash,
		)
		if err != nil {
			return fmt.Errorf("store: insert receipt %s: %w", r.ReceiptID, err)
		}
		return nil
	})
}

func (s *SQLStore) AppendReview(ctx context.Context, rr *receipts.ReviewReceipt, e *audit.Entry) error {
	conditions, err := json.Marshal(nonNilStrings(rr.Conditions))
	if err != nil {
		return fmt.Errorf("store: encode conditions: %w", err)
	}
	return s.withTx(ctx, e, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO review_receipts
			(review_id, parent_receipt_id, parent_receipt_hash, reviewer_id, timestamp, decision, rationale,
			 conditions, content_hash, signature)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			rr.ReviewID, rr.ParentReceiptID, rr.ParentReceiptHash, rr.ReviewerID, formatTime(rr.Timestamp),
			string(rr.Decision), rr.Rationale, string(conditions), rr.ContentHash, rr.Signature,
		)
		if err != nil {
			return fmt.Errorf("store: insert review %s: %w", rr.ReviewID, err)
		}
		return nil
	})
}

func (s *SQLStore) AppendBatch(ctx context.Context, b *receipts.Batch, e *audit.Entry) error {
	leaves, err := json.Marshal(b.Leaves)
	if err != nil {
		return fmt.Errorf("store: encode leaves: %w", err)
	}
	proofs, err := json.Marshal(b.Proofs)
	if err != nil {
		return fmt.Errorf("store: encode proofs: %w", err)
	}
	return s.withTx(ctx, e, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO receipt_batches
			(batch_id, root, sealed_at, leaves, proofs) VALUES (?, ?, ?, ?, ?)`),
			b.BatchID, b.Root, formatTime(b.SealedAt), string(leaves), string(proofs),
		)
		if err != nil {
			return fmt.Errorf("store: insert batch %s: %w", b.BatchID, err)
		}
		return nil
	})
}

// Load reads the whole trail back.
func (s *SQLStore) Load(ctx context.Context) (*audit.Snapshot, error) {
	snap := &audit.Snapshot{}
	var err error
	if snap.Entries, err = s.loadEntries(ctx); err != nil {
		return nil, err
	}
	if snap.Receipts, err = s.loadReceipts(ctx); err != nil {
		return nil, err
	}
	if snap.Reviews, err = s.loadReviews(ctx); err != nil {
		return nil, err
	}
	if snap.Batches, err = s.loadBatches(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *SQLStore) loadEntries(ctx context.Context) ([]*audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sequence, kind, subject_id, content_hash, previous_hash, entry_hash, recorded_at
		FROM trail_entries ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("store: query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*audit.Entry
	for rows.Next() {
		var (
			e          audit.Entry
			kind       string
			recordedAt string
		)
		if err := rows.Scan(&e.Sequence, &kind, &e.SubjectID, &e.ContentHash, &e.PreviousHash, &e.EntryHash, &recordedAt); err != nil {
			return nil, fmt.Errorf("store: scan entry: %w", err)
		}
		e.Kind = audit.EntryKind(kind)
		e.RecordedAt = parseTime(recordedAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLStore) loadReceipts(ctx context.Context) ([]*receipts.GateReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT receipt_id, gate_name, stage, timestamp, status, policy_version,
		metrics_summary, evidence_refs, result_digest, content_hash, signature, signer_key_id, merkle_leaf_hash
		FROM gate_receipts ORDER BY timestamp, receipt_id`)
	if err != nil {
		return nil, fmt.Errorf("store: query receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*receipts.GateReceipt
	for rows.Next() {
		var (
			r                     receipts.GateReceipt
			stage, status, ts     string
			metricsJSON, refsJSON string
		)
		if err := rows.Scan(&r.ReceiptID, &r.GateName, &stage, &ts, &status, &r.PolicyVersion,
			&metricsJSON, &refsJSON, &r.ResultDigest, &r.ContentHash, &r.Signature, &r.SignerKeyID, &r.MerkleLeafHash); err != nil {
			return nil, fmt.Errorf("store: scan receipt: %w", err)
		}
		r.Stage = gate.Stage(stage)
		r.Status = gate.Status(status)
		r.Timestamp = parseTime(ts)
		if err := json.Unmarshal([]byte(metricsJSON), &r.MetricsSummary); err != nil {
			return nil, fmt.Errorf("store: decode metrics of %s: %w", r.ReceiptID, err)
		}
		if len(r.MetricsSummary) == 0 {
			r.MetricsSummary = nil
		}
		if err := json.Unmarshal([]byte(refsJSON), &r.EvidenceRefs); err != nil {
			return nil, fmt.Errorf("store: decode evidence refs of %s: %w", r.ReceiptID, err)
		}
		if len(r.EvidenceRefs) == 0 {
			r.EvidenceRefs = nil
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLStore) loadReviews(ctx context.Context) ([]*receipts.ReviewReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT review_id, parent_receipt_id, parent_receipt_hash, reviewer_id, timestamp,
		decision, rationale, conditions, content_hash, signature
		FROM review_receipts ORDER BY timestamp, review_id`)
	if err != nil {
		return nil, fmt.Errorf("store: query reviews: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*receipts.ReviewReceipt
	for rows.Next() {
		var (
			rr                           receipts.ReviewReceipt
			ts, decision, conditionsJSON string
		)
		if err := rows.Scan(&rr.ReviewID, &rr.ParentReceiptID, &rr.ParentReceiptHash, &rr.ReviewerID, &ts,
			&decision, &rr.Rationale, &conditionsJSON, &rr.ContentHash, &rr.Signature); err != nil {
			return nil, fmt.Errorf("store: scan review: %w", err)
		}
		rr.Timestamp = parseTime(ts)
		rr.Decision = receipts.ReviewDecision(decision)
		if err := json.Unmarshal([]byte(conditionsJSON), &rr.Conditions); err != nil {
			return nil, fmt.Errorf("store: decode conditions of %s: %w", rr.ReviewID, err)
		}
		if len(rr.Conditions) == 0 {
			rr.Conditions = nil
		}
		out = append(out, &rr)
	}
	return out, rows.Err()
}

func (s *SQLStore) loadBatches(ctx context.Context) ([]*receipts.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT batch_id, root, sealed_at, leaves, proofs FROM receipt_batches ORDER BY sealed_at, batch_id`)
	if err != nil {
		return nil, fmt.Errorf("store: query batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*receipts.Batch
	for rows.Next() {
		var (
			b                  receipts.Batch
			sealedAt           string
			leavesJSON, proofs string
		)
		if err := rows.Scan(&b.BatchID, &b.Root, &sealedAt, &leavesJSON, &proofs); err != nil {
			return nil, fmt.Errorf("store: scan batch: %w", err)
		}
		b.SealedAt = parseTime(sealedAt)
		if err := json.Unmarshal([]byte(leavesJSON), &b.Leaves); err != nil {
			return nil, fmt.Errorf("store: decode leaves of %s: %w", b.BatchID, err)
		}
		b.Proofs = make(map[string]*merkle.InclusionProof)
		if err := json.Unmarshal([]byte(proofs), &b.Proofs); err != nil {
			return nil, fmt.Errorf("store: decode proofs of %s: %w", b.BatchID, err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// CountReceipts returns how many gate receipts are stored, optionally for one stage.
func (s *SQLStore) CountReceipts(ctx context.Context, stage gate.Stage) (int, error) {
	var n int
	var err error
	if stage == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gate_receipts`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM gate_receipts WHERE stage = ?`), string(stage)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("store: count receipts: %w", err)
	}
	return n, nil
}

func nonNilMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
