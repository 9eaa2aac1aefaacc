// Package archive is a content-addressed blob store for exported audit packs.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/mlgate/pkg/audit"
	"github.com/Mindburn-Labs/mlgate/pkg/canonicalize"
)

const hashPrefix = "sha256:"

var (
	ErrNotFound    = errors.New("archive: object not found")
	ErrInvalidHash = errors.New("archive: invalid hash")
)

// Store persists blobs keyed by their SHA-256 digest ("sha256:<hex>").
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
}

func digest(data []byte) string {
	return canonicalize.HashBytes(data)
}

// rawHash strips and checks the "sha256:" prefix.
func rawHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, hashPrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return raw, nil
}

func objectKey(prefix, raw string) string {
	return prefix + raw + ".zip"
}

// ArchiveReport packs the report and stores the pack. The returned reference
// is the pack's content address.
func ArchiveReport(ctx context.Context, s Store, r *audit.Report) (string, error) {
	data, checksum, err := r.Pack()
	if err != nil {
		return "", err
	}
	ref, err := s.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("archive: store report %s: %w", r.ReportID, err)
	}
	if ref != hashPrefix+checksum {
		return "", fmt.Errorf("archive: stored digest %s does not match pack checksum %s", ref, checksum)
	}
	return ref, nil
}

// FileStore keeps blobs under a local directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: archive directory is shared with operators
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir %s: %w", baseDir, err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := digest(data)
	path := filepath.Join(s.baseDir, objectKey("", raw))
	if _, err := os.Stat(path); err == nil {
		return hashPrefix + raw, nil
	}

	tmp := path + ".tmp"
	//nolint:gosec // G306: packs are meant to be readable
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("archive: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("archive: commit blob: %w", err)
	}
	return hashPrefix + raw, nil
}

func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(filepath.Join(s.baseDir, objectKey("", raw))) //nolint:gosec // raw is validated hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("archive: open %s: %w", hash, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", hash, err)
	}
	if digest(data) != raw {
		return nil, fmt.Errorf("archive: blob %s is corrupted", hash)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, objectKey("", raw)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("archive: stat %s: %w", hash, err)
}

func (s *FileStore) Delete(_ context.Context, hash string) error {
	raw, err := rawHash(hash)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(filepath.Join(s.baseDir, objectKey("", raw)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: delete %s: %w", hash, err)
	}
	return nil
}
