package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kavos113/minicr/storage"
	"github.com/opencontainers/go-digest"
)

const repositoriesDir = "repositories"

// Storage keeps every entry in its own file:
//
//	<root>/repositories/<repo>/<kind>/<algorithm>/<encoded>
//
// Writes go to a temp file in the destination directory and are renamed into
// place, so a reader never observes a partial entry.
type Storage struct {
	root   string
	logger *slog.Logger
}

func NewStorage(root string, logger *slog.Logger) (*Storage, error) {
	if root == "" {
		return nil, errors.New("filesystem storage: root path is empty")
	}
	if err := os.MkdirAll(filepath.Join(root, repositoriesDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Storage{root: root, logger: logger}, nil
}

func (s *Storage) path(repo string, kind storage.Kind, d digest.Digest) string {
	return filepath.Join(s.root, repositoriesDir, filepath.FromSlash(repo), kind.String(), d.Algorithm().String(), d.Encoded())
}

func (s *Storage) Put(ctx context.Context, repo string, kind storage.Kind, d digest.Digest, r io.Reader) (int64, error) {
	if err := storage.CheckDigest(d); err != nil {
		return 0, fmt.Errorf("%w: %w", storage.ErrIntegrityConflict, err)
	}

	p := s.path(repo, kind, d)
	if st, err := os.Stat(p); err == nil {
		if _, err := storage.Drain(ctx, d, r); err != nil {
			return 0, err
		}
		return st.Size(), nil
	} else if !os.IsNotExist(err) {
		s.logger.Error("failed to stat entry", "path", p, "error", err)
		return 0, fmt.Errorf("failed to stat entry: %w", storage.ErrStorageFail)
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.logger.Error("failed to create entry dir", "path", dir, "error", err)
		return 0, fmt.Errorf("failed to create entry dir: %w", storage.ErrStorageFail)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		s.logger.Error("failed to create temp file", "dir", dir, "error", err)
		return 0, fmt.Errorf("failed to create temp file: %w", storage.ErrStorageFail)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	verifier := d.Verifier()
	n, err := io.Copy(io.MultiWriter(tmp, verifier), storage.ContextReader(ctx, r))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.logger.Error("failed to write content", "path", tmpPath, "error", err)
		return 0, fmt.Errorf("failed to write content: %w: %w", storage.ErrStorageFail, err)
	}
	if !verifier.Verified() {
		return 0, fmt.Errorf("%s: %w", d, storage.ErrIntegrityConflict)
	}

	// A concurrent put of the same digest may have won the race; both wrote
	// verified content, so whichever rename lands last is equivalent.
	if err := os.Rename(tmpPath, p); err != nil {
		s.logger.Error("failed to commit entry", "path", p, "error", err)
		return 0, fmt.Errorf("failed to commit entry: %w", storage.ErrStorageFail)
	}
	committed = true

	return n, nil
}

func (s *Storage) Open(ctx context.Context, repo string, kind storage.Kind, d digest.Digest) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	p := s.path(repo, kind, d)
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, storage.ErrNotFound
		}
		s.logger.Error("failed to open entry", "path", p, "error", err)
		return nil, 0, fmt.Errorf("failed to open entry: %w", storage.ErrStorageFail)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat entry: %w", storage.ErrStorageFail)
	}
	return f, st.Size(), nil
}

func (s *Storage) Stat(ctx context.Context, repo string, kind storage.Kind, d digest.Digest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	st, err := os.Stat(s.path(repo, kind, d))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("failed to stat entry: %w", storage.ErrStorageFail)
	}
	return st.Size(), nil
}

func (s *Storage) Delete(ctx context.Context, repo string, kind storage.Kind, d digest.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p := s.path(repo, kind, d)
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		s.logger.Error("failed to remove entry", "path", p, "error", err)
		return fmt.Errorf("failed to remove entry: %w", storage.ErrStorageFail)
	}
	return nil
}

func (s *Storage) Link(ctx context.Context, from string, to string, kind storage.Kind, d digest.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	oldPath := s.path(from, kind, d)
	newPath := s.path(to, kind, d)
	if _, err := os.Stat(oldPath); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to stat entry: %w", storage.ErrStorageFail)
	}

	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return fmt.Errorf("failed to create repository: %w", storage.ErrStorageFail)
	}

	err := os.Link(oldPath, newPath)
	if err == nil || os.IsExist(err) {
		return nil
	}

	// hard links fail across devices; fall back to a verified copy
	s.logger.Warn("hard link failed, copying entry", "from", oldPath, "to", newPath, "error", err)
	f, err := os.Open(oldPath)
	if err != nil {
		return fmt.Errorf("failed to open entry: %w", storage.ErrStorageFail)
	}
	defer f.Close()

	_, err = s.Put(ctx, to, kind, d, f)
	return err
}
