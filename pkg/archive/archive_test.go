package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/mlgate/pkg/audit"
	"github.com/Mindburn-Labs/mlgate/pkg/gate"
	"github.com/Mindburn-Labs/mlgate/pkg/receipts"
)

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "packs"))
	require.NoError(t, err)

	ref, err := s.Put(ctx, []byte("pack"))
	require.NoError(t, err)
	assert.Equal(t, hashPrefix+digest([]byte("pack")), ref)

	again, err := s.Put(ctx, []byte("pack"))
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("pack"), data)

	require.NoError(t, s.Delete(ctx, ref))
	ok, err = s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.Delete(ctx, ref))

	_, err = s.Get(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_InvalidHash(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, h := range []string{"", "abc", "sha256:zz", "sha256:abcd", "md5:" + digest(nil)} {
		_, err := s.Get(context.Background(), h)
		assert.ErrorIs(t, err, ErrInvalidHash, h)
	}
}

func TestFileStore_DetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ref, err := s.Put(context.Background(), []byte("original"))
	require.NoError(t, err)

	raw, _ := rawHash(ref)
	require.NoError(t, os.WriteFile(filepath.Join(dir, objectKey("", raw)), []byte("tampered"), 0o600))

	_, err = s.Get(context.Background(), ref)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupted")
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open(ctx, Options{Kind: KindFS})
	assert.Error(t, err)

	_, err = Open(ctx, Options{Kind: KindS3})
	assert.ErrorContains(t, err, "bucket is required")

	_, err = Open(ctx, Options{Kind: KindGCS})
	assert.ErrorContains(t, err, "bucket is required")

	_, err = Open(ctx, Options{Kind: "azure"})
	assert.ErrorContains(t, err, "unsupported backend")
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	s := NewS3StoreWithClient(fake, "audit", "packs/")

	ref, err := s.Put(ctx, []byte("zip-bytes"))
	require.NoError(t, err)
	_, err = s.Put(ctx, []byte("zip-bytes"))
	require.NoError(t, err)
	assert.Equal(t, 1, fake.puts)

	raw, _ := rawHash(ref)
	assert.Contains(t, fake.objects, "packs/"+raw+".zip")

	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("zip-bytes"), data)

	require.NoError(t, s.Delete(ctx, ref))
	_, err = s.Get(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchiveReport(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	gen := receipts.NewGenerator(nil).WithClock(clock)
	trail := audit.NewTrail(gen).WithClock(clock)

	res := gate.NewResult("bias", gate.StatusPass)
	res.Timestamp = now
	r, err := gen.CreateGateReceipt(res, gate.StageTraining, "1.0.0")
	require.NoError(t, err)
	require.NoError(t, trail.AppendReceipt(ctx, r))

	report, err := trail.ExportAuditReport(time.Time{}, time.Time{})
	require.NoError(t, err)

	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ref, err := ArchiveReport(ctx, s, report)
	require.NoError(t, err)

	data, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ref, hashPrefix+digest(data))
}
