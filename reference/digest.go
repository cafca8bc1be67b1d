// Package reference classifies and validates the identifiers a registry
// receives: content digests, repository names and tags.
package reference

import (
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

var (
	ErrDigestInvalid = errors.New("digest invalid")
	ErrNameInvalid   = errors.New("repository name invalid")
	ErrTagInvalid    = errors.New("tag invalid")
)

// Algorithm is the only digest algorithm accepted by the registry.
const Algorithm = digest.SHA256

// Parse reports whether ref is a digest. Anything that is not a well formed
// sha256 digest is treated as a tag by callers.
func Parse(ref string) (digest.Digest, bool) {
	d, err := digest.Parse(ref)
	if err != nil {
		return "", false
	}
	if d.Algorithm() != Algorithm {
		return "", false
	}
	return d, true
}

// ParseDigest is the strict form of Parse used where only a digest is allowed.
func ParseDigest(s string) (digest.Digest, error) {
	if s == "" {
		return "", fmt.Errorf("empty digest: %w", ErrDigestInvalid)
	}
	d, ok := Parse(s)
	if !ok {
		return "", fmt.Errorf("malformed or unsupported digest %q: %w", s, ErrDigestInvalid)
	}
	return d, nil
}

func Compute(b []byte) digest.Digest {
	return Algorithm.FromBytes(b)
}

func Verify(b []byte, d digest.Digest) bool {
	if _, ok := Parse(d.String()); !ok {
		return false
	}
	return Compute(b) == d
}

// VerifyReader consumes r and reports whether its content hashes to d.
func VerifyReader(r io.Reader, d digest.Digest) (bool, error) {
	if _, ok := Parse(d.String()); !ok {
		return false, nil
	}
	verifier := d.Verifier()
	if _, err := io.Copy(verifier, r); err != nil {
		return false, err
	}
	return verifier.Verified(), nil
}
