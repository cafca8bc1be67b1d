// Package inmemory is a process-local storage backend for tests and
// throwaway registries.
package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/kavos113/minicr/storage"
	"github.com/opencontainers/go-digest"
)

type key struct {
	repo string
	kind storage.Kind
	d    digest.Digest
}

type Storage struct {
	mu      sync.RWMutex
	entries map[key][]byte
}

func NewStorage() *Storage {
	return &Storage{entries: make(map[key][]byte)}
}

func (s *Storage) Put(ctx context.Context, repo string, kind storage.Kind, d digest.Digest, r io.Reader) (int64, error) {
	if err := storage.CheckDigest(d); err != nil {
		return 0, fmt.Errorf("%w: %w", storage.ErrIntegrityConflict, err)
	}

	k := key{repo: repo, kind: kind, d: d}

	s.mu.RLock()
	existing, ok := s.entries[k]
	s.mu.RUnlock()
	if ok {
		if _, err := storage.Drain(ctx, d, r); err != nil {
			return 0, err
		}
		return int64(len(existing)), nil
	}

	var buf bytes.Buffer
	verifier := d.Verifier()
	if _, err := io.Copy(io.MultiWriter(&buf, verifier), storage.ContextReader(ctx, r)); err != nil {
		return 0, fmt.Errorf("failed to read content: %w: %w", storage.ErrStorageFail, err)
	}
	if !verifier.Verified() {
		return 0, fmt.Errorf("%s: %w", d, storage.ErrIntegrityConflict)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[k]; ok {
		return int64(len(existing)), nil
	}
	s.entries[k] = buf.Bytes()
	return int64(buf.Len()), nil
}

func (s *Storage) Open(ctx context.Context, repo string, kind storage.Kind, d digest.Digest) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	b, ok := s.entries[key{repo: repo, kind: kind, d: d}]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

func (s *Storage) Stat(ctx context.Context, repo string, kind storage.Kind, d digest.Digest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.entries[key{repo: repo, kind: kind, d: d}]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return int64(len(b)), nil
}

func (s *Storage) Delete(ctx context.Context, repo string, kind storage.Kind, d digest.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{repo: repo, kind: kind, d: d}
	if _, ok := s.entries[k]; !ok {
		return storage.ErrNotFound
	}
	delete(s.entries, k)
	return nil
}

// Link shares the stored slice; entries are never mutated in place.
func (s *Storage) Link(ctx context.Context, from string, to string, kind storage.Kind, d digest.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.entries[key{repo: from, kind: kind, d: d}]
	if !ok {
		return storage.ErrNotFound
	}
	dst := key{repo: to, kind: kind, d: d}
	if _, ok := s.entries[dst]; !ok {
		s.entries[dst] = b
	}
	return nil
}
