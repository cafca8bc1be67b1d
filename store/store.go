// Package store holds the mutable pointers of a registry: tags naming
// manifest digests and referrer descriptors keyed by subject digest.
// Content itself lives in package storage.
package store

import (
	"context"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type Store interface {
	// SaveTag points tag at d, replacing any previous target.
	SaveTag(ctx context.Context, repo string, tag string, d digest.Digest) error
	ReadTag(ctx context.Context, repo string, tag string) (digest.Digest, error)
	DeleteTag(ctx context.Context, repo string, tag string) error
	// LookupTags returns the sorted tags pointing at d, or storage.ErrNotFound.
	LookupTags(ctx context.Context, repo string, d digest.Digest) ([]string, error)
	// DeleteTagsByDigest removes every tag pointing at d and returns them.
	DeleteTagsByDigest(ctx context.Context, repo string, d digest.Digest) ([]string, error)
	// ListTags returns tags in lexical order. n < 0 means no limit; last,
	// when set, is an exclusive lower bound.
	ListTags(ctx context.Context, repo string, n int, last string) ([]string, error)

	// AddReferrer records desc as referring to subject. Adding the same
	// descriptor digest twice keeps one entry.
	AddReferrer(ctx context.Context, repo string, subject digest.Digest, desc ocispec.Descriptor) error
	// ListReferrers filters by artifactType when it is not empty.
	ListReferrers(ctx context.Context, repo string, subject digest.Digest, artifactType string) ([]ocispec.Descriptor, error)
	RemoveReferrer(ctx context.Context, repo string, subject digest.Digest, d digest.Digest) error

	Close() error
}

// Paginate applies the tag list window to tags, which it sorts in place.
func Paginate(tags []string, n int, last string) []string {
	slices.Sort(tags)
	if last != "" {
		i, found := slices.BinarySearch(tags, last)
		if found {
			i++
		}
		tags = tags[i:]
	}
	if n >= 0 && len(tags) > n {
		tags = tags[:n]
	}
	return tags
}

// FilterReferrers keeps descriptors with the given artifact type.
func FilterReferrers(descs []ocispec.Descriptor, artifactType string) []ocispec.Descriptor {
	out := make([]ocispec.Descriptor, 0, len(descs))
	for _, desc := range descs {
		if artifactType == "" || desc.ArtifactType == artifactType {
			out = append(out, desc)
		}
	}
	slices.SortFunc(out, func(a, b ocispec.Descriptor) int {
		return strings.Compare(a.Digest.String(), b.Digest.String())
	})
	return out
}
