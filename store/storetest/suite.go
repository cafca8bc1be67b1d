// Package storetest is a conformance suite shared by every tag store backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/kavos113/minicr/reference"
	"github.com/kavos113/minicr/storage"
	"github.com/kavos113/minicr/store"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Factory func(t *testing.T) store.Store

func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"SaveAndRead", testSaveAndRead},
		{"Overwrite", testOverwrite},
		{"ReadMissing", testReadMissing},
		{"DeleteTag", testDeleteTag},
		{"LookupTags", testLookupTags},
		{"DeleteTagsByDigest", testDeleteTagsByDigest},
		{"ListTags", testListTags},
		{"RepositoriesAreSeparate", testRepositoriesAreSeparate},
		{"Referrers", testReferrers},
		{"ConcurrentSaveTag", testConcurrentSaveTag},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

var (
	digestA = reference.Compute([]byte("manifest a"))
	digestB = reference.Compute([]byte("manifest b"))
)

func testSaveAndRead(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveTag(ctx, "library/app", "latest", digestA))

	got, err := s.ReadTag(ctx, "library/app", "latest")
	require.NoError(t, err)
	assert.Equal(t, digestA, got)
}

func testOverwrite(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveTag(ctx, "repo", "latest", digestA))
	require.NoError(t, s.SaveTag(ctx, "repo", "latest", digestB))

	got, err := s.ReadTag(ctx, "repo", "latest")
	require.NoError(t, err)
	assert.Equal(t, digestB, got)

	// the reverse index follows the pointer
	_, err = s.LookupTags(ctx, "repo", digestA)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	tags, err := s.LookupTags(ctx, "repo", digestB)
	require.NoError(t, err)
	assert.Equal(t, []string{"latest"}, tags)
}

func testReadMissing(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.ReadTag(ctx, "unknown", "latest")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SaveTag(ctx, "repo", "v1", digestA))
	_, err = s.ReadTag(ctx, "repo", "v2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeleteTag(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveTag(ctx, "repo", "v1", digestA))
	require.NoError(t, s.SaveTag(ctx, "repo", "v2", digestA))

	require.NoError(t, s.DeleteTag(ctx, "repo", "v1"))
	assert.ErrorIs(t, s.DeleteTag(ctx, "repo", "v1"), storage.ErrNotFound)

	_, err := s.ReadTag(ctx, "repo", "v1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.ReadTag(ctx, "repo", "v2")
	require.NoError(t, err)
	assert.Equal(t, digestA, got)

	tags, err := s.LookupTags(ctx, "repo", digestA)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, tags)
}

func testLookupTags(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveTag(ctx, "repo", "stable", digestA))
	require.NoError(t, s.SaveTag(ctx, "repo", "latest", digestA))
	require.NoError(t, s.SaveTag(ctx, "repo", "dev", digestB))

	tags, err := s.LookupTags(ctx, "repo", digestA)
	require.NoError(t, err)
	assert.Equal(t, []string{"latest", "stable"}, tags)

	_, err = s.LookupTags(ctx, "repo", reference.Compute([]byte("untagged")))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeleteTagsByDigest(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveTag(ctx, "repo", "latest", digestA))
	require.NoError(t, s.SaveTag(ctx, "repo", "v1", digestA))
	require.NoError(t, s.SaveTag(ctx, "repo", "v2", digestB))

	removed, err := s.DeleteTagsByDigest(ctx, "repo", digestA)
	require.NoError(t, err)
	assert.Equal(t, []string{"latest", "v1"}, removed)

	for _, tag := range removed {
		_, err := s.ReadTag(ctx, "repo", tag)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	got, err := s.ReadTag(ctx, "repo", "v2")
	require.NoError(t, err)
	assert.Equal(t, digestB, got)

	removed, err = s.DeleteTagsByDigest(ctx, "repo", digestA)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func testListTags(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.ListTags(ctx, "repo", -1, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	for _, tag := range []string{"c", "a", "e", "b", "d"} {
		require.NoError(t, s.SaveTag(ctx, "repo", tag, digestA))
	}

	tests := []struct {
		name string
		n    int
		last string
		want []string
	}{
		{name: "all", n: -1, want: []string{"a", "b", "c", "d", "e"}},
		{name: "first page", n: 2, want: []string{"a", "b"}},
		{name: "second page", n: 2, last: "b", want: []string{"c", "d"}},
		{name: "last page", n: 2, last: "d", want: []string{"e"}},
		{name: "past end", n: 2, last: "e", want: []string{}},
		{name: "last not a tag", n: -1, last: "bb", want: []string{"c", "d", "e"}},
		{name: "zero", n: 0, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListTags(ctx, "repo", tt.n, tt.last)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func testRepositoriesAreSeparate(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveTag(ctx, "team/a", "latest", digestA))
	require.NoError(t, s.SaveTag(ctx, "team/b", "latest", digestB))

	got, err := s.ReadTag(ctx, "team/a", "latest")
	require.NoError(t, err)
	assert.Equal(t, digestA, got)

	removed, err := s.DeleteTagsByDigest(ctx, "team/b", digestA)
	require.NoError(t, err)
	assert.Empty(t, removed)

	tags, err := s.ListTags(ctx, "team/b", -1, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"latest"}, tags)
}

func testReferrers(t *testing.T, s store.Store) {
	ctx := context.Background()
	subject := digestA

	descs, err := s.ListReferrers(ctx, "repo", subject, "")
	require.NoError(t, err)
	assert.Empty(t, descs)

	sbom := ocispec.Descriptor{
		MediaType:    ocispec.MediaTypeImageManifest,
		Digest:       reference.Compute([]byte("sbom")),
		Size:         4,
		ArtifactType: "application/spdx+json",
	}
	sig := ocispec.Descriptor{
		MediaType:    ocispec.MediaTypeImageManifest,
		Digest:       reference.Compute([]byte("signature")),
		Size:         9,
		ArtifactType: "application/vnd.dev.cosign.artifact.sig.v1+json",
		Annotations:  map[string]string{"created": "today"},
	}

	require.NoError(t, s.AddReferrer(ctx, "repo", subject, sbom))
	require.NoError(t, s.AddReferrer(ctx, "repo", subject, sig))
	require.NoError(t, s.AddReferrer(ctx, "repo", subject, sig))

	descs, err = s.ListReferrers(ctx, "repo", subject, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []ocispec.Descriptor{sbom, sig}, descs)

	descs, err = s.ListReferrers(ctx, "repo", subject, "application/spdx+json")
	require.NoError(t, err)
	assert.Equal(t, []ocispec.Descriptor{sbom}, descs)

	descs, err = s.ListReferrers(ctx, "other", subject, "")
	require.NoError(t, err)
	assert.Empty(t, descs)

	require.NoError(t, s.RemoveReferrer(ctx, "repo", subject, sbom.Digest))
	assert.ErrorIs(t, s.RemoveReferrer(ctx, "repo", subject, sbom.Digest), storage.ErrNotFound)

	descs, err = s.ListReferrers(ctx, "repo", subject, "")
	require.NoError(t, err)
	assert.Equal(t, []ocispec.Descriptor{sig}, descs)
}

func testConcurrentSaveTag(t *testing.T, s store.Store) {
	ctx := context.Background()
	digests := make([]digest.Digest, 8)
	var wg sync.WaitGroup
	for i := range digests {
		digests[i] = reference.Compute([]byte(fmt.Sprintf("manifest %d", i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.SaveTag(ctx, "repo", "latest", digests[i]))
		}()
	}
	wg.Wait()

	got, err := s.ReadTag(ctx, "repo", "latest")
	require.NoError(t, err)
	assert.Contains(t, digests, got)

	// exactly one digest owns the tag in the reverse index
	for _, d := range digests {
		tags, err := s.LookupTags(ctx, "repo", d)
		if d == got {
			require.NoError(t, err)
			assert.Equal(t, []string{"latest"}, tags)
		} else {
			assert.ErrorIs(t, err, storage.ErrNotFound)
		}
	}
}
