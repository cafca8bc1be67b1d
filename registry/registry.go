// Package registry ties the content store, the tag index and the upload
// manager together into the operations served by the distribution API.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/kavos113/minicr/manifest"
	"github.com/kavos113/minicr/metrics"
	"github.com/kavos113/minicr/reference"
	"github.com/kavos113/minicr/storage"
	"github.com/kavos113/minicr/store"
	"github.com/kavos113/minicr/upload"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"tailscale.com/syncs"
)

type Registry struct {
	content storage.Storage
	tags    store.Store
	uploads *upload.Manager
	metrics *metrics.Metrics
	logger  *slog.Logger

	// manifests serializes writes and deletes of one manifest, keyed by
	// repository and digest.
	manifests syncs.Map[string, *sync.Mutex]
}

func New(content storage.Storage, tags store.Store, uploads *upload.Manager, m *metrics.Metrics, logger *slog.Logger) *Registry {
	return &Registry{
		content: content,
		tags:    tags,
		uploads: uploads,
		metrics: m,
		logger:  logger,
	}
}

// ManifestContent is a stored manifest as served to clients.
type ManifestContent struct {
	Payload   []byte
	Digest    digest.Digest
	MediaType string
}

// PutManifestResult describes a stored manifest. Subject is empty unless the
// manifest refers to another one.
type PutManifestResult struct {
	Digest  digest.Digest
	Subject digest.Digest
}

func validate(repo string, d digest.Digest) error {
	if err := reference.ValidateRepository(repo); err != nil {
		return err
	}
	if _, err := reference.ParseDigest(d.String()); err != nil {
		return err
	}
	return nil
}

// GetBlob opens the blob d of repo. The caller must close the reader.
func (r *Registry) GetBlob(ctx context.Context, repo string, d digest.Digest) (io.ReadCloser, int64, error) {
	if err := validate(repo, d); err != nil {
		return nil, 0, err
	}
	return r.content.Open(ctx, repo, storage.KindBlob, d)
}

func (r *Registry) StatBlob(ctx context.Context, repo string, d digest.Digest) (int64, error) {
	if err := validate(repo, d); err != nil {
		return 0, err
	}
	return r.content.Stat(ctx, repo, storage.KindBlob, d)
}

// PutBlob stores content in one request. Content that does not hash to d is
// rejected with ErrDigestInvalid and nothing is stored.
func (r *Registry) PutBlob(ctx context.Context, repo string, d digest.Digest, content io.Reader) (int64, error) {
	if err := validate(repo, d); err != nil {
		return 0, err
	}
	return r.put(ctx, repo, storage.KindBlob, d, content)
}

func (r *Registry) put(ctx context.Context, repo string, kind storage.Kind, d digest.Digest, content io.Reader) (int64, error) {
	size, err := r.content.Put(ctx, repo, kind, d, content)
	if err != nil {
		if errors.Is(err, storage.ErrIntegrityConflict) {
			r.metrics.ContentPut(kind.String(), metrics.ResultInvalid)
			return 0, fmt.Errorf("content does not hash to %s: %w", d, ErrDigestInvalid)
		}
		r.metrics.ContentPut(kind.String(), metrics.ResultFailed)
		return 0, err
	}
	r.metrics.ContentPut(kind.String(), metrics.ResultStored)
	return size, nil
}

func (r *Registry) OpenUpload(ctx context.Context, repo string) (string, error) {
	if err := reference.ValidateRepository(repo); err != nil {
		return "", err
	}
	return r.uploads.Open(ctx, repo)
}

func (r *Registry) AppendChunk(ctx context.Context, repo string, id string, chunk io.Reader) (int64, error) {
	return r.uploads.Append(ctx, repo, id, chunk)
}

func (r *Registry) AppendChunkAt(ctx context.Context, repo string, id string, offset int64, chunk io.Reader) (int64, error) {
	return r.uploads.AppendAt(ctx, repo, id, offset, chunk)
}

// FinalizeUpload commits the session id as blob d. trailing may be nil.
func (r *Registry) FinalizeUpload(ctx context.Context, repo string, id string, d digest.Digest, trailing io.Reader) (digest.Digest, error) {
	return r.uploads.Finalize(ctx, repo, id, d, trailing)
}

func (r *Registry) UploadStatus(ctx context.Context, repo string, id string) (int64, error) {
	return r.uploads.Status(ctx, repo, id)
}

func (r *Registry) CancelUpload(ctx context.Context, repo string, id string) error {
	return r.uploads.Cancel(ctx, repo, id)
}

// MountBlob makes blob d of repository from available in repo. It returns
// ErrNotFound when from has no such blob.
func (r *Registry) MountBlob(ctx context.Context, repo string, from string, d digest.Digest) error {
	if err := validate(repo, d); err != nil {
		return err
	}
	if err := reference.ValidateRepository(from); err != nil {
		return err
	}
	if err := r.content.Link(ctx, from, repo, storage.KindBlob, d); err != nil {
		return err
	}
	r.logger.Info("blob mounted", "repository", repo, "from", from, "digest", d.String())
	return nil
}

func (r *Registry) DeleteBlob(ctx context.Context, repo string, d digest.Digest) error {
	if err := validate(repo, d); err != nil {
		return err
	}
	return r.content.Delete(ctx, repo, storage.KindBlob, d)
}

// lockManifest holds the lock of manifest d in repo until the returned
// function is called.
func (r *Registry) lockManifest(repo string, d digest.Digest) func() {
	mu, _ := r.manifests.LoadOrStore(repo+"@"+d.String(), new(sync.Mutex))
	mu.Lock()
	return mu.Unlock
}

// resolve turns a tag or digest reference into a digest.
func (r *Registry) resolve(ctx context.Context, repo string, ref string) (digest.Digest, bool, error) {
	if d, ok := reference.Parse(ref); ok {
		return d, true, nil
	}
	d, err := r.tags.ReadTag(ctx, repo, ref)
	if err != nil {
		return "", false, err
	}
	return d, false, nil
}

// GetManifest looks ref up as a digest first and as a tag otherwise.
func (r *Registry) GetManifest(ctx context.Context, repo string, ref string) (*ManifestContent, error) {
	if err := reference.ValidateRepository(repo); err != nil {
		return nil, err
	}
	d, _, err := r.resolve(ctx, repo, ref)
	if err != nil {
		return nil, err
	}

	payload, err := storage.ReadAll(ctx, r.content, repo, storage.KindManifest, d)
	if err != nil {
		return nil, err
	}

	return &ManifestContent{
		Payload:   payload,
		Digest:    d,
		MediaType: manifest.MediaTypeOf(payload),
	}, nil
}

// PutManifest validates and stores payload under its digest, then points
// the tag at it when ref is a tag. The tag is only written once the content
// is stored.
func (r *Registry) PutManifest(ctx context.Context, repo string, ref string, payload []byte, contentType string) (*PutManifestResult, error) {
	if err := reference.ValidateRepository(repo); err != nil {
		return nil, err
	}

	d := reference.Compute(payload)
	target, byDigest := reference.Parse(ref)
	if byDigest && target != d {
		return nil, fmt.Errorf("manifest hashes to %s, not %s: %w", d, target, ErrDigestInvalid)
	}
	if !byDigest {
		if err := reference.ValidateTag(ref); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrManifestInvalid, err)
		}
	}

	m, err := manifest.Parse(payload, contentType)
	if err != nil {
		r.metrics.ContentPut(storage.KindManifest.String(), metrics.ResultInvalid)
		return nil, err
	}
	if err := r.checkReferences(ctx, repo, m); err != nil {
		return nil, err
	}

	unlock := r.lockManifest(repo, d)
	defer unlock()

	if _, err := r.put(ctx, repo, storage.KindManifest, d, bytes.NewReader(payload)); err != nil {
		return nil, err
	}

	if !byDigest {
		if err := r.tags.SaveTag(ctx, repo, ref, d); err != nil {
			return nil, err
		}
	}

	res := &PutManifestResult{Digest: d}
	if m.Subject != nil {
		desc := m.Descriptor(d, int64(len(payload)))
		if err := r.tags.AddReferrer(ctx, repo, m.Subject.Digest, desc); err != nil {
			return nil, err
		}
		res.Subject = m.Subject.Digest
	}

	r.logger.Info("manifest stored", "repository", repo, "reference", ref, "digest", d.String())
	return res, nil
}

// checkReferences requires the config and layers of an image, or the
// children of an index, to be present in repo. The subject may be absent.
func (r *Registry) checkReferences(ctx context.Context, repo string, m *manifest.Manifest) error {
	kind, refs := storage.KindBlob, m.Blobs()
	if manifest.IsIndex(m.MediaType) {
		kind, refs = storage.KindManifest, m.Children()
	}

	for _, d := range refs {
		if _, err := r.content.Stat(ctx, repo, kind, d); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%s %s: %w", kind, d, ErrManifestBlobUnknown)
			}
			return err
		}
	}
	return nil
}

// DeleteManifest removes only the tag pointer when ref is a tag. When ref
// is a digest the manifest itself is deleted together with every tag
// pointing at it and its referrer entry.
func (r *Registry) DeleteManifest(ctx context.Context, repo string, ref string) error {
	if err := reference.ValidateRepository(repo); err != nil {
		return err
	}

	d, byDigest := reference.Parse(ref)
	if !byDigest {
		if err := r.tags.DeleteTag(ctx, repo, ref); err != nil {
			return err
		}
		r.logger.Info("tag deleted", "repository", repo, "tag", ref)
		return nil
	}

	unlock := r.lockManifest(repo, d)
	defer unlock()

	payload, err := storage.ReadAll(ctx, r.content, repo, storage.KindManifest, d)
	if err != nil {
		return err
	}

	cleared, err := r.tags.DeleteTagsByDigest(ctx, repo, d)
	if err != nil {
		return err
	}

	m, err := manifest.Parse(payload, "")
	if err != nil || m.Subject == nil {
		m = nil
	}
	if m != nil {
		err := r.tags.RemoveReferrer(ctx, repo, m.Subject.Digest, d)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			r.restore(ctx, repo, d, cleared, nil, 0)
			return err
		}
	}

	if err := r.content.Delete(ctx, repo, storage.KindManifest, d); err != nil {
		r.restore(ctx, repo, d, cleared, m, int64(len(payload)))
		r.logger.Error("failed to delete manifest", "repository", repo, "digest", d.String(), "error", err)
		return err
	}

	r.logger.Info("manifest deleted", "repository", repo, "digest", d.String(), "tags", cleared)
	return nil
}

// restore puts back what a failed delete of manifest d had already removed:
// its tags and, when m is not nil, its referrer entry.
func (r *Registry) restore(ctx context.Context, repo string, d digest.Digest, tags []string, m *manifest.Manifest, size int64) {
	for _, tag := range tags {
		if err := r.tags.SaveTag(ctx, repo, tag, d); err != nil {
			r.logger.Error("failed to restore tag", "repository", repo, "tag", tag, "digest", d.String(), "error", err)
		}
	}
	if m == nil {
		return
	}
	if err := r.tags.AddReferrer(ctx, repo, m.Subject.Digest, m.Descriptor(d, size)); err != nil {
		r.logger.Error("failed to restore referrer", "repository", repo, "digest", d.String(), "error", err)
	}
}

// ListTags returns up to n tags of repo sorted lexically and following last.
// A negative n means no limit.
func (r *Registry) ListTags(ctx context.Context, repo string, n int, last string) ([]string, error) {
	if err := reference.ValidateRepository(repo); err != nil {
		return nil, err
	}
	return r.tags.ListTags(ctx, repo, n, last)
}

// Referrers lists the manifests of repo whose subject is d, as an image
// index. An unknown subject yields an empty index.
func (r *Registry) Referrers(ctx context.Context, repo string, d digest.Digest, artifactType string) (ocispec.Index, error) {
	if err := validate(repo, d); err != nil {
		return ocispec.Index{}, err
	}
	descs, err := r.tags.ListReferrers(ctx, repo, d, artifactType)
	if err != nil {
		return ocispec.Index{}, err
	}
	return manifest.ReferrersIndex(descs), nil
}
