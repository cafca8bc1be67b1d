package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kavos113/minicr/manifest"
	"github.com/kavos113/minicr/metrics"
	"github.com/kavos113/minicr/reference"
	"github.com/kavos113/minicr/storage"
	"github.com/kavos113/minicr/storage/inmemory"
	"github.com/kavos113/minicr/store/boltstore"
	"github.com/kavos113/minicr/upload"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const repo = "library/app"

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	return newRegistryWith(t, inmemory.NewStorage())
}

func newRegistryWith(t *testing.T, content storage.Storage) *Registry {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tags, err := boltstore.NewStore(filepath.Join(t.TempDir(), "tags.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { tags.Close() })

	m := metrics.New(prometheus.NewRegistry())
	uploads := upload.NewManager(content, upload.Options{Metrics: m}, logger)
	return New(content, tags, uploads, m, logger)
}

func pushBlob(t *testing.T, r *Registry, repo string, data string) ocispec.Descriptor {
	t.Helper()
	d := reference.Compute([]byte(data))
	_, err := r.PutBlob(context.Background(), repo, d, strings.NewReader(data))
	require.NoError(t, err)
	return ocispec.Descriptor{MediaType: ocispec.MediaTypeImageLayer, Digest: d, Size: int64(len(data))}
}

func imagePayload(t *testing.T, config ocispec.Descriptor, layers []ocispec.Descriptor, subject *ocispec.Descriptor) []byte {
	t.Helper()
	config.MediaType = ocispec.MediaTypeImageConfig
	m := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    config,
		Layers:    layers,
		Subject:   subject,
	}
	m.SchemaVersion = 2
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

func pushImage(t *testing.T, r *Registry, repo string, ref string, seed string) (digest.Digest, []byte) {
	t.Helper()
	config := pushBlob(t, r, repo, "config "+seed)
	layer := pushBlob(t, r, repo, "layer "+seed)
	payload := imagePayload(t, config, []ocispec.Descriptor{layer}, nil)

	res, err := r.PutManifest(context.Background(), repo, ref, payload, ocispec.MediaTypeImageManifest)
	require.NoError(t, err)
	return res.Digest, payload
}

func TestBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	desc := pushBlob(t, r, repo, "hello")

	rc, size, err := r.GetBlob(ctx, repo, desc.Digest)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), size)

	size, err = r.StatBlob(ctx, repo, desc.Digest)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	_, err = r.StatBlob(ctx, "library/other", desc.Digest)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutBlobIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	d := reference.Compute([]byte("same"))
	for range 2 {
		size, err := r.PutBlob(ctx, repo, d, strings.NewReader("same"))
		require.NoError(t, err)
		assert.Equal(t, int64(4), size)
	}
}

func TestPutBlobMismatch(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	d := reference.Compute([]byte("expected"))
	_, err := r.PutBlob(ctx, repo, d, strings.NewReader("actual"))
	require.ErrorIs(t, err, ErrDigestInvalid)

	_, err = r.StatBlob(ctx, repo, d)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInputValidation(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	good := reference.Compute([]byte("x"))

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{
			name: "blob in invalid repository",
			call: func() error { _, err := r.StatBlob(ctx, "Library/App", good); return err },
			want: ErrNameInvalid,
		},
		{
			name: "malformed blob digest",
			call: func() error { _, err := r.StatBlob(ctx, repo, "sha256:xyz"); return err },
			want: ErrDigestInvalid,
		},
		{
			name: "upload in invalid repository",
			call: func() error { _, err := r.OpenUpload(ctx, "bad//name"); return err },
			want: ErrNameInvalid,
		},
		{
			name: "mount from invalid repository",
			call: func() error { return r.MountBlob(ctx, repo, "UPPER", good) },
			want: ErrNameInvalid,
		},
		{
			name: "manifest with invalid tag",
			call: func() error {
				_, err := r.PutManifest(ctx, repo, ".hidden", []byte(`{}`), "")
				return err
			},
			want: ErrManifestInvalid,
		},
		{
			name: "referrers of malformed digest",
			call: func() error { _, err := r.Referrers(ctx, repo, "latest", ""); return err },
			want: ErrDigestInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), tt.want)
		})
	}
}

func TestChunkedUploadScenario(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	id, err := r.OpenUpload(ctx, repo)
	require.NoError(t, err)

	n, err := r.AppendChunkAt(ctx, repo, id, 0, strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = r.AppendChunkAt(ctx, repo, id, 0, strings.NewReader("abc"))
	require.ErrorIs(t, err, ErrChunkOutOfOrder)

	n, err = r.AppendChunkAt(ctx, repo, id, 3, strings.NewReader("def"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	n, err = r.UploadStatus(ctx, repo, id)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	want := reference.Compute([]byte("abcdef"))
	got, err := r.FinalizeUpload(ctx, repo, id, want, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	rc, _, err := r.GetBlob(ctx, repo, want)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))

	_, err = r.UploadStatus(ctx, repo, id)
	assert.ErrorIs(t, err, ErrSessionUnknown)
}

func TestStreamUploadAndCancel(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	id, err := r.OpenUpload(ctx, repo)
	require.NoError(t, err)
	_, err = r.AppendChunk(ctx, repo, id, strings.NewReader("partial"))
	require.NoError(t, err)

	require.NoError(t, r.CancelUpload(ctx, repo, id))
	assert.ErrorIs(t, r.CancelUpload(ctx, repo, id), ErrSessionUnknown)

	_, err = r.FinalizeUpload(ctx, repo, id, reference.Compute([]byte("partial")), nil)
	assert.ErrorIs(t, err, ErrSessionUnknown)
}

func TestMountBlob(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	desc := pushBlob(t, r, "library/base", "shared layer")

	require.NoError(t, r.MountBlob(ctx, repo, "library/base", desc.Digest))
	size, err := r.StatBlob(ctx, repo, desc.Digest)
	require.NoError(t, err)
	assert.Equal(t, desc.Size, size)

	missing := reference.Compute([]byte("missing"))
	assert.ErrorIs(t, r.MountBlob(ctx, repo, "library/base", missing), ErrNotFound)
}

func TestDeleteBlob(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	desc := pushBlob(t, r, repo, "doomed")
	require.NoError(t, r.DeleteBlob(ctx, repo, desc.Digest))

	_, _, err := r.GetBlob(ctx, repo, desc.Digest)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.DeleteBlob(ctx, repo, desc.Digest), ErrNotFound)
}

func TestTagDigestEquivalence(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	d, payload := pushImage(t, r, repo, "latest", "v1")
	assert.Equal(t, reference.Compute(payload), d)

	byTag, err := r.GetManifest(ctx, repo, "latest")
	require.NoError(t, err)
	byDigest, err := r.GetManifest(ctx, repo, d.String())
	require.NoError(t, err)

	assert.Equal(t, payload, byTag.Payload)
	assert.Equal(t, byTag, byDigest)
	assert.Equal(t, ocispec.MediaTypeImageManifest, byTag.MediaType)
}

func TestPutManifestByDigest(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	config := pushBlob(t, r, repo, "config")
	payload := imagePayload(t, config, nil, nil)
	d := reference.Compute(payload)

	res, err := r.PutManifest(ctx, repo, d.String(), payload, "")
	require.NoError(t, err)
	assert.Equal(t, d, res.Digest)

	_, err = r.ListTags(ctx, repo, -1, "")
	assert.ErrorIs(t, err, ErrNotFound, "a digest push creates no tag")

	other := reference.Compute([]byte("other"))
	_, err = r.PutManifest(ctx, repo, other.String(), payload, "")
	assert.ErrorIs(t, err, ErrDigestInvalid)
}

func TestPutManifestRejections(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	config := pushBlob(t, r, repo, "config")
	missing := ocispec.Descriptor{MediaType: ocispec.MediaTypeImageLayer, Digest: reference.Compute([]byte("nope")), Size: 4}

	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{
			name:    "not json",
			payload: []byte("not a manifest"),
			want:    ErrManifestInvalid,
		},
		{
			name:    "unknown layer",
			payload: imagePayload(t, config, []ocispec.Descriptor{missing}, nil),
			want:    ErrManifestBlobUnknown,
		},
		{
			name:    "unknown child manifest",
			payload: []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.index.v1+json","manifests":[{"mediaType":"application/vnd.oci.image.manifest.v1+json","digest":"` + missing.Digest.String() + `","size":4}]}`),
			want:    ErrManifestBlobUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.PutManifest(ctx, repo, "latest", tt.payload, "")
			require.ErrorIs(t, err, tt.want)

			_, err = r.GetManifest(ctx, repo, "latest")
			assert.ErrorIs(t, err, ErrNotFound, "a rejected manifest must not move the tag")
			_, err = r.GetManifest(ctx, repo, reference.Compute(tt.payload).String())
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestIndexManifest(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	child, payload := pushImage(t, r, repo, "amd64", "amd64")
	index := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.index.v1+json","manifests":[{"mediaType":"application/vnd.oci.image.manifest.v1+json","digest":"` + child.String() + `","size":` + strconv.Itoa(len(payload)) + `}]}`)

	_, err := r.PutManifest(ctx, repo, "multi", index, ocispec.MediaTypeImageIndex)
	require.NoError(t, err)

	got, err := r.GetManifest(ctx, repo, "multi")
	require.NoError(t, err)
	assert.Equal(t, ocispec.MediaTypeImageIndex, got.MediaType)
}

func TestDeleteByTagRemovesOnlyThePointer(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	d, payload := pushImage(t, r, repo, "latest", "v1")
	_, err := r.PutManifest(ctx, repo, "stable", payload, "")
	require.NoError(t, err)

	require.NoError(t, r.DeleteManifest(ctx, repo, "latest"))

	_, err = r.GetManifest(ctx, repo, "latest")
	assert.ErrorIs(t, err, ErrNotFound)

	stable, err := r.GetManifest(ctx, repo, "stable")
	require.NoError(t, err)
	assert.Equal(t, d, stable.Digest)

	_, err = r.GetManifest(ctx, repo, d.String())
	assert.NoError(t, err)

	assert.ErrorIs(t, r.DeleteManifest(ctx, repo, "latest"), ErrNotFound)
}

func TestDeleteByDigestClearsEveryTag(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	d, payload := pushImage(t, r, repo, "latest", "v1")
	_, err := r.PutManifest(ctx, repo, "stable", payload, "")
	require.NoError(t, err)
	other, _ := pushImage(t, r, repo, "old", "v0")

	require.NoError(t, r.DeleteManifest(ctx, repo, d.String()))

	for _, ref := range []string{"latest", "stable", d.String()} {
		_, err := r.GetManifest(ctx, repo, ref)
		assert.ErrorIs(t, err, ErrNotFound, ref)
	}

	tags, err := r.ListTags(ctx, repo, -1, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, tags)

	got, err := r.GetManifest(ctx, repo, "old")
	require.NoError(t, err)
	assert.Equal(t, other, got.Digest)

	assert.ErrorIs(t, r.DeleteManifest(ctx, repo, d.String()), ErrNotFound)
}

func TestTagMovesToNewManifest(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	first, _ := pushImage(t, r, repo, "latest", "v1")
	second, _ := pushImage(t, r, repo, "latest", "v2")
	require.NotEqual(t, first, second)

	got, err := r.GetManifest(ctx, repo, "latest")
	require.NoError(t, err)
	assert.Equal(t, second, got.Digest)

	require.NoError(t, r.DeleteManifest(ctx, repo, first.String()))
	got, err = r.GetManifest(ctx, repo, "latest")
	require.NoError(t, err)
	assert.Equal(t, second, got.Digest)
}

func TestListTags(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	_, payload := pushImage(t, r, repo, "c", "v1")
	for _, tag := range []string{"a", "b", "d"} {
		_, err := r.PutManifest(ctx, repo, tag, payload, "")
		require.NoError(t, err)
	}

	tags, err := r.ListTags(ctx, repo, -1, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, tags)

	tags, err = r.ListTags(ctx, repo, 2, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, tags)

	_, err = r.ListTags(ctx, "library/empty", -1, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReferrers(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	subject, subjectPayload := pushImage(t, r, repo, "latest", "v1")
	subjectDesc := &ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    subject,
		Size:      int64(len(subjectPayload)),
	}

	sbomConfig := pushBlob(t, r, repo, "sbom config")
	sbom := imagePayload(t, sbomConfig, nil, subjectDesc)
	sbomDigest := reference.Compute(sbom)

	res, err := r.PutManifest(ctx, repo, sbomDigest.String(), sbom, "")
	require.NoError(t, err)
	assert.Equal(t, subject, res.Subject)

	index, err := r.Referrers(ctx, repo, subject, "")
	require.NoError(t, err)
	require.Len(t, index.Manifests, 1)
	assert.Equal(t, sbomDigest, index.Manifests[0].Digest)
	assert.Equal(t, ocispec.MediaTypeImageConfig, index.Manifests[0].ArtifactType)
	assert.Equal(t, ocispec.MediaTypeImageIndex, index.MediaType)

	index, err = r.Referrers(ctx, repo, subject, "application/vnd.example.signature")
	require.NoError(t, err)
	assert.Empty(t, index.Manifests)

	require.NoError(t, r.DeleteManifest(ctx, repo, sbomDigest.String()))
	index, err = r.Referrers(ctx, repo, subject, "")
	require.NoError(t, err)
	assert.NotNil(t, index.Manifests)
	assert.Empty(t, index.Manifests)
}

func TestGetManifestMediaType(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	config := pushBlob(t, r, repo, "config")
	payload := []byte(`{"schemaVersion":2,"mediaType":"` + manifest.MediaTypeDockerManifest + `","config":{"mediaType":"application/vnd.docker.container.image.v1+json","digest":"` + config.Digest.String() + `","size":6},"layers":[]}`)

	_, err := r.PutManifest(ctx, repo, "docker", payload, manifest.MediaTypeDockerManifest)
	require.NoError(t, err)

	got, err := r.GetManifest(ctx, repo, "docker")
	require.NoError(t, err)
	assert.Equal(t, manifest.MediaTypeDockerManifest, got.MediaType)
}

// hookedStorage runs callbacks around manifest writes and deletes, and can
// fail manifest deletes.
type hookedStorage struct {
	storage.Storage
	afterPut     func(d digest.Digest)
	beforeDelete func(d digest.Digest)
	deleteErr    error
}

func (s *hookedStorage) Put(ctx context.Context, repo string, kind storage.Kind, d digest.Digest, r io.Reader) (int64, error) {
	n, err := s.Storage.Put(ctx, repo, kind, d, r)
	if err == nil && kind == storage.KindManifest && s.afterPut != nil {
		s.afterPut(d)
	}
	return n, err
}

func (s *hookedStorage) Delete(ctx context.Context, repo string, kind storage.Kind, d digest.Digest) error {
	if kind == storage.KindManifest {
		if s.beforeDelete != nil {
			s.beforeDelete(d)
		}
		if s.deleteErr != nil {
			return s.deleteErr
		}
	}
	return s.Storage.Delete(ctx, repo, kind, d)
}

func TestDeleteWhileTagging(t *testing.T) {
	ctx := context.Background()
	content := &hookedStorage{Storage: inmemory.NewStorage()}
	r := newRegistryWith(t, content)

	d, payload := pushImage(t, r, repo, "v1", "a")

	var once sync.Once
	deleted := make(chan error, 1)
	content.afterPut = func(got digest.Digest) {
		if got != d {
			return
		}
		once.Do(func() {
			go func() { deleted <- r.DeleteManifest(ctx, repo, d.String()) }()
			time.Sleep(50 * time.Millisecond)
		})
	}

	_, err := r.PutManifest(ctx, repo, "v2", payload, "")
	require.NoError(t, err)
	require.NoError(t, <-deleted)

	for _, tag := range []string{"v1", "v2"} {
		_, err := r.tags.ReadTag(ctx, repo, tag)
		assert.ErrorIs(t, err, ErrNotFound, tag)
	}
	_, err = r.GetManifest(ctx, repo, d.String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaggingWhileDeleting(t *testing.T) {
	ctx := context.Background()
	content := &hookedStorage{Storage: inmemory.NewStorage()}
	r := newRegistryWith(t, content)

	d, payload := pushImage(t, r, repo, "v1", "a")

	var once sync.Once
	tagged := make(chan error, 1)
	content.beforeDelete = func(got digest.Digest) {
		if got != d {
			return
		}
		once.Do(func() {
			go func() {
				_, err := r.PutManifest(ctx, repo, "v2", payload, "")
				tagged <- err
			}()
			time.Sleep(50 * time.Millisecond)
		})
	}

	require.NoError(t, r.DeleteManifest(ctx, repo, d.String()))
	require.NoError(t, <-tagged)

	_, err := r.tags.ReadTag(ctx, repo, "v1")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := r.GetManifest(ctx, repo, "v2")
	require.NoError(t, err)
	assert.Equal(t, d, got.Digest)
}

func TestFailedDeleteKeepsTagsAndReferrer(t *testing.T) {
	ctx := context.Background()
	content := &hookedStorage{Storage: inmemory.NewStorage()}
	r := newRegistryWith(t, content)

	subject, subjectPayload := pushImage(t, r, repo, "latest", "v1")
	subjectDesc := &ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    subject,
		Size:      int64(len(subjectPayload)),
	}
	sig := imagePayload(t, pushBlob(t, r, repo, "sig config"), nil, subjectDesc)
	res, err := r.PutManifest(ctx, repo, "sig", sig, "")
	require.NoError(t, err)
	_, err = r.PutManifest(ctx, repo, "sig-copy", sig, "")
	require.NoError(t, err)

	content.deleteErr = fmt.Errorf("disk gone: %w", storage.ErrStorageFail)
	err = r.DeleteManifest(ctx, repo, res.Digest.String())
	assert.ErrorIs(t, err, ErrStorageFail)

	for _, tag := range []string{"sig", "sig-copy"} {
		got, err := r.GetManifest(ctx, repo, tag)
		require.NoError(t, err, tag)
		assert.Equal(t, res.Digest, got.Digest)
	}

	index, err := r.Referrers(ctx, repo, subject, "")
	require.NoError(t, err)
	require.Len(t, index.Manifests, 1)
	assert.Equal(t, res.Digest, index.Manifests[0].Digest)

	content.deleteErr = nil
	require.NoError(t, r.DeleteManifest(ctx, repo, res.Digest.String()))
	_, err = r.GetManifest(ctx, repo, "sig")
	assert.ErrorIs(t, err, ErrNotFound)
}
