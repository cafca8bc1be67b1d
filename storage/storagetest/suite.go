// Package storagetest is a conformance suite shared by every storage backend.
package storagetest

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"sync"
	"testing"

	"github.com/kavos113/minicr/reference"
	"github.com/kavos113/minicr/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty backend for a single subtest.
type Factory func(t *testing.T) storage.Storage

func Run(t *testing.T, newStorage Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Storage)
	}{
		{"PutThenOpen", testPutThenOpen},
		{"PutIdempotent", testPutIdempotent},
		{"PutRejectsMismatch", testPutRejectsMismatch},
		{"PutMismatchOnExisting", testPutMismatchOnExisting},
		{"KindsAreSeparate", testKindsAreSeparate},
		{"RepositoriesAreSeparate", testRepositoriesAreSeparate},
		{"DeleteMissing", testDeleteMissing},
		{"Delete", testDelete},
		{"Link", testLink},
		{"LinkMissingSource", testLinkMissingSource},
		{"ConcurrentPut", testConcurrentPut},
		{"EmptyContent", testEmptyContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStorage(t))
		})
	}
}

func randomBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func readEntry(t *testing.T, s storage.Storage, repo string, kind storage.Kind, content []byte) []byte {
	t.Helper()
	rc, size, err := s.Open(context.Background(), repo, kind, reference.Compute(content))
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, int64(len(got)), size)
	return got
}

func testPutThenOpen(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	for _, n := range []int{1, 3, 4096, 1 << 20} {
		content := randomBytes(t, n)
		d := reference.Compute(content)

		size, err := s.Put(ctx, "library/app", storage.KindBlob, d, bytes.NewReader(content))
		require.NoError(t, err)
		assert.Equal(t, int64(n), size)

		assert.Equal(t, content, readEntry(t, s, "library/app", storage.KindBlob, content))

		got, err := s.Stat(ctx, "library/app", storage.KindBlob, d)
		require.NoError(t, err)
		assert.Equal(t, int64(n), got)
	}
}

func testPutIdempotent(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	content := []byte("same bytes twice")
	d := reference.Compute(content)

	_, err := s.Put(ctx, "repo", storage.KindBlob, d, bytes.NewReader(content))
	require.NoError(t, err)
	size, err := s.Put(ctx, "repo", storage.KindBlob, d, bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	assert.Equal(t, content, readEntry(t, s, "repo", storage.KindBlob, content))
}

func testPutRejectsMismatch(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	d := reference.Compute([]byte("claimed"))

	_, err := s.Put(ctx, "repo", storage.KindBlob, d, bytes.NewReader([]byte("actual")))
	require.ErrorIs(t, err, storage.ErrIntegrityConflict)

	_, err = s.Stat(ctx, "repo", storage.KindBlob, d)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testPutMismatchOnExisting(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	content := []byte("original")
	d := reference.Compute(content)

	_, err := s.Put(ctx, "repo", storage.KindManifest, d, bytes.NewReader(content))
	require.NoError(t, err)

	_, err = s.Put(ctx, "repo", storage.KindManifest, d, bytes.NewReader([]byte("impostor")))
	require.ErrorIs(t, err, storage.ErrIntegrityConflict)

	assert.Equal(t, content, readEntry(t, s, "repo", storage.KindManifest, content))
}

func testKindsAreSeparate(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	content := []byte(`{"schemaVersion":2}`)
	d := reference.Compute(content)

	_, err := s.Put(ctx, "repo", storage.KindManifest, d, bytes.NewReader(content))
	require.NoError(t, err)

	_, err = s.Stat(ctx, "repo", storage.KindBlob, d)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRepositoriesAreSeparate(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	content := []byte("layer")
	d := reference.Compute(content)

	_, err := s.Put(ctx, "team-a/app", storage.KindBlob, d, bytes.NewReader(content))
	require.NoError(t, err)

	_, _, err = s.Open(ctx, "team-b/app", storage.KindBlob, d)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ok, err := storage.Exists(ctx, s, "team-b/app", storage.KindBlob, d)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testDeleteMissing(t *testing.T, s storage.Storage) {
	err := s.Delete(context.Background(), "repo", storage.KindBlob, reference.Compute([]byte("nothing")))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDelete(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	content := []byte("to be deleted")
	d := reference.Compute(content)

	_, err := s.Put(ctx, "repo", storage.KindBlob, d, bytes.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "repo", storage.KindBlob, d))

	_, err = s.Stat(ctx, "repo", storage.KindBlob, d)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "repo", storage.KindBlob, d), storage.ErrNotFound)
}

func testLink(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	content := []byte("shared layer")
	d := reference.Compute(content)

	_, err := s.Put(ctx, "source", storage.KindBlob, d, bytes.NewReader(content))
	require.NoError(t, err)

	require.NoError(t, s.Link(ctx, "source", "target/app", storage.KindBlob, d))
	require.NoError(t, s.Link(ctx, "source", "target/app", storage.KindBlob, d))
	assert.Equal(t, content, readEntry(t, s, "target/app", storage.KindBlob, content))

	// the two repositories delete independently
	require.NoError(t, s.Delete(ctx, "source", storage.KindBlob, d))
	assert.Equal(t, content, readEntry(t, s, "target/app", storage.KindBlob, content))
}

func testLinkMissingSource(t *testing.T, s storage.Storage) {
	err := s.Link(context.Background(), "source", "target", storage.KindBlob, reference.Compute([]byte("ghost")))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConcurrentPut(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	content := randomBytes(t, 64*1024)
	d := reference.Compute(content)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.Put(ctx, "repo", storage.KindBlob, d, bytes.NewReader(content))
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, content, readEntry(t, s, "repo", storage.KindBlob, content))
}

func testEmptyContent(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	d := reference.Compute(nil)

	size, err := s.Put(ctx, "repo", storage.KindBlob, d, bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Zero(t, size)

	got, err := storage.ReadAll(ctx, s, "repo", storage.KindBlob, d)
	require.NoError(t, err)
	assert.Empty(t, got)
}
