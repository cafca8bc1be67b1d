// Package storage defines the content-addressed store for blob and manifest
// payloads. Every entry is keyed by (repository, kind, digest) and is
// immutable once written.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// Kind separates blob payloads from manifest payloads. The two never share
// a namespace even when their digests collide.
type Kind string

const (
	KindBlob     Kind = "blobs"
	KindManifest Kind = "manifests"
)

func (k Kind) String() string {
	return string(k)
}

type Storage interface {
	// Put writes the content of r under d and returns its size. The content
	// is hashed while it is written; if it does not hash to d nothing is
	// stored and ErrIntegrityConflict is returned. Putting a digest that
	// already exists is a verified no-op.
	Put(ctx context.Context, repo string, kind Kind, d digest.Digest, r io.Reader) (int64, error)
	// Open returns a reader over the stored content and its size.
	Open(ctx context.Context, repo string, kind Kind, d digest.Digest) (io.ReadCloser, int64, error)
	// Stat returns the size of the stored content or ErrNotFound.
	Stat(ctx context.Context, repo string, kind Kind, d digest.Digest) (int64, error)
	Delete(ctx context.Context, repo string, kind Kind, d digest.Digest) error
	// Link makes the content stored in repository from visible in repository to.
	Link(ctx context.Context, from string, to string, kind Kind, d digest.Digest) error
}

// ReadAll reads a whole entry. Used for manifests, which are small.
func ReadAll(ctx context.Context, s Storage, repo string, kind Kind, d digest.Digest) ([]byte, error) {
	rc, size, err := s.Open(ctx, repo, kind, d)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := io.Copy(buf, ContextReader(ctx, rc)); err != nil {
		return nil, fmt.Errorf("failed to read %s %s: %w", kind, d, ErrStorageFail)
	}
	return buf.Bytes(), nil
}

// Exists reports whether an entry is present. Storage failures are returned
// as errors, never as false.
func Exists(ctx context.Context, s Storage, repo string, kind Kind, d digest.Digest) (bool, error) {
	if _, err := s.Stat(ctx, repo, kind, d); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CheckDigest rejects digests whose algorithm is unknown or whose encoded
// part is malformed, before any hashing takes place.
func CheckDigest(d digest.Digest) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid digest %q: %w", d, err)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

// ContextReader stops returning data once ctx is done.
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Drain consumes r and checks that it hashes to d. Backends use it when the
// entry already exists so that a repeated put still rejects bad content.
func Drain(ctx context.Context, d digest.Digest, r io.Reader) (int64, error) {
	verifier := d.Verifier()
	n, err := io.Copy(verifier, ContextReader(ctx, r))
	if err != nil {
		return 0, fmt.Errorf("failed to read content: %w: %w", ErrStorageFail, err)
	}
	if !verifier.Verified() {
		return 0, fmt.Errorf("%s: %w", d, ErrIntegrityConflict)
	}
	return n, nil
}
