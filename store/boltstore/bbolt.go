package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kavos113/minicr/storage"
	"github.com/kavos113/minicr/store"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	bolt "go.etcd.io/bbolt"
)

// Each repository gets its own bucket under bucketNameRepositories holding:
//
//	tag:       tag -> digest
//	digest:    "<digest>/<tag>" -> nil, the reverse of tag
//	reference: "<subject>/<digest>" -> descriptor json
var (
	bucketNameRepositories = []byte("repositories")
	bucketNameTag          = []byte("tag")
	bucketNameDigest       = []byte("digest")
	bucketNameReference    = []byte("reference")
)

type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

func NewStore(path string, logger *slog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNameRepositories)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type repoBuckets struct {
	tag       *bolt.Bucket
	digest    *bolt.Bucket
	reference *bolt.Bucket
}

// repository returns the buckets of repo, creating them in writable
// transactions. In read-only transactions it returns nil for an unknown repo.
func repository(tx *bolt.Tx, repo string) (*repoBuckets, error) {
	root := tx.Bucket(bucketNameRepositories)
	if !tx.Writable() {
		b := root.Bucket([]byte(repo))
		if b == nil {
			return nil, nil
		}
		return &repoBuckets{
			tag:       b.Bucket(bucketNameTag),
			digest:    b.Bucket(bucketNameDigest),
			reference: b.Bucket(bucketNameReference),
		}, nil
	}

	b, err := root.CreateBucketIfNotExists([]byte(repo))
	if err != nil {
		return nil, err
	}
	rb := &repoBuckets{}
	if rb.tag, err = b.CreateBucketIfNotExists(bucketNameTag); err != nil {
		return nil, err
	}
	if rb.digest, err = b.CreateBucketIfNotExists(bucketNameDigest); err != nil {
		return nil, err
	}
	if rb.reference, err = b.CreateBucketIfNotExists(bucketNameReference); err != nil {
		return nil, err
	}
	return rb, nil
}

func reverseKey(d digest.Digest, tag string) []byte {
	return []byte(d.String() + "/" + tag)
}

func reversePrefix(d digest.Digest) []byte {
	return []byte(d.String() + "/")
}

func (s *Store) update(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(fn)
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return err
	}
	s.logger.Error("bolt update failed", "op", op, "error", err)
	return fmt.Errorf("failed to %s: %w", op, storage.ErrStorageFail)
}

func (s *Store) view(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.View(fn)
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return err
	}
	s.logger.Error("bolt view failed", "op", op, "error", err)
	return fmt.Errorf("failed to %s: %w", op, storage.ErrStorageFail)
}

func (s *Store) SaveTag(ctx context.Context, repo string, tag string, d digest.Digest) error {
	return s.update(ctx, "save tag", func(tx *bolt.Tx) error {
		rb, err := repository(tx, repo)
		if err != nil {
			return err
		}
		if old := rb.tag.Get([]byte(tag)); old != nil {
			if err := rb.digest.Delete(reverseKey(digest.Digest(old), tag)); err != nil {
				return err
			}
		}
		if err := rb.tag.Put([]byte(tag), []byte(d.String())); err != nil {
			return err
		}
		return rb.digest.Put(reverseKey(d, tag), nil)
	})
}

func (s *Store) ReadTag(ctx context.Context, repo string, tag string) (digest.Digest, error) {
	var d digest.Digest
	err := s.view(ctx, "read tag", func(tx *bolt.Tx) error {
		rb, err := repository(tx, repo)
		if err != nil {
			return err
		}
		if rb == nil {
			return storage.ErrNotFound
		}
		v := rb.tag.Get([]byte(tag))
		if v == nil {
			return storage.ErrNotFound
		}
		d = digest.Digest(v)
		return nil
	})
	return d, err
}

func (s *Store) DeleteTag(ctx context.Context, repo string, tag string) error {
	return s.update(ctx, "delete tag", func(tx *bolt.Tx) error {
		rb, err := repository(tx, repo)
		if err != nil {
			return err
		}
		v := rb.tag.Get([]byte(tag))
		if v == nil {
			return storage.ErrNotFound
		}
		if err := rb.digest.Delete(reverseKey(digest.Digest(v), tag)); err != nil {
			return err
		}
		return rb.tag.Delete([]byte(tag))
	})
}

func tagsOf(b *bolt.Bucket, d digest.Digest) []string {
	var tags []string
	prefix := reversePrefix(d)
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		tags = append(tags, string(k[len(prefix):]))
	}
	return tags
}

func (s *Store) LookupTags(ctx context.Context, repo string, d digest.Digest) ([]string, error) {
	var tags []string
	err := s.view(ctx, "lookup tags", func(tx *bolt.Tx) error {
		rb, err := repository(tx, repo)
		if err != nil {
			return err
		}
		if rb == nil {
			return storage.ErrNotFound
		}
		tags = tagsOf(rb.digest, d)
		if len(tags) == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
	return tags, err
}

func (s *Store) DeleteTagsByDigest(ctx context.Context, repo string, d digest.Digest) ([]string, error) {
	var tags []string
	err := s.update(ctx, "delete tags by digest", func(tx *bolt.Tx) error {
		rb, err := repository(tx, repo)
		if err != nil {
			return err
		}
		tags = tagsOf(rb.digest, d)
		for _, tag := range tags {
			if err := rb.tag.Delete([]byte(tag)); err != nil {
				return err
			}
			if err := rb.digest.Delete(reverseKey(d, tag)); err != nil {
				return err
			}
		}
		return nil
	})
	return tags, err
}

func (s *Store) ListTags(ctx context.Context, repo string, n int, last string) ([]string, error) {
	tags := make([]string, 0)
	err := s.view(ctx, "list tags", func(tx *bolt.Tx) error {
		rb, err := repository(tx, repo)
		if err != nil {
			return err
		}
		if rb == nil {
			return storage.ErrNotFound
		}

		c := rb.tag.Cursor()
		k, _ := c.First()
		if k == nil {
			return storage.ErrNotFound
		}
		if last != "" {
			k, _ = c.Seek([]byte(last))
			if k != nil && string(k) == last {
				k, _ = c.Next()
			}
		}
		for ; k != nil && (n < 0 || len(tags) < n); k, _ = c.Next() {
			tags = append(tags, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

func referenceKey(subject digest.Digest, d digest.Digest) []byte {
	return []byte(subject.String() + "/" + d.String())
}

func (s *Store) AddReferrer(ctx context.Context, repo string, subject digest.Digest, desc ocispec.Descriptor) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("broken descriptor: %w", storage.ErrStorageFail)
	}
	return s.update(ctx, "add referrer", func(tx *bolt.Tx) error {
		rb, err := repository(tx, repo)
		if err != nil {
			return err
		}
		return rb.reference.Put(referenceKey(subject, desc.Digest), data)
	})
}

func (s *Store) ListReferrers(ctx context.Context, repo string, subject digest.Digest, artifactType string) ([]ocispec.Descriptor, error) {
	var descs []ocispec.Descriptor
	err := s.view(ctx, "list referrers", func(tx *bolt.Tx) error {
		rb, err := repository(tx, repo)
		if err != nil || rb == nil {
			return err
		}
		prefix := reversePrefix(subject)
		c := rb.reference.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var desc ocispec.Descriptor
			if err := json.Unmarshal(v, &desc); err != nil {
				return fmt.Errorf("broken descriptor %s: %w", k, err)
			}
			descs = append(descs, desc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return store.FilterReferrers(descs, artifactType), nil
}

func (s *Store) RemoveReferrer(ctx context.Context, repo string, subject digest.Digest, d digest.Digest) error {
	return s.update(ctx, "remove referrer", func(tx *bolt.Tx) error {
		rb, err := repository(tx, repo)
		if err != nil {
			return err
		}
		key := referenceKey(subject, d)
		if rb.reference.Get(key) == nil {
			return storage.ErrNotFound
		}
		return rb.reference.Delete(key)
	})
}
