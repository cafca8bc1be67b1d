package redisstore

import (
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
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "minicr:"
	maxRetries = 8
)

type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store keeps, per repository:
//
//	minicr:<repo>:tags                  hash   tag -> digest
//	minicr:<repo>:digest:<digest>       set    tags pointing at digest
//	minicr:<repo>:referrers:<subject>   hash   digest -> descriptor json
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

func NewStore(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{client: client, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func tagsKey(repo string) string {
	return keyPrefix + repo + ":tags"
}

func digestKey(repo string, d digest.Digest) string {
	return keyPrefix + repo + ":digest:" + d.String()
}

func referrersKey(repo string, subject digest.Digest) string {
	return keyPrefix + repo + ":referrers:" + subject.String()
}

func (s *Store) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.logger.Error("redis command failed", "op", op, "error", err)
	return fmt.Errorf("failed to %s: %w", op, storage.ErrStorageFail)
}

// watch runs fn optimistically over keys, retrying when another client
// modified them before the transaction executed.
func (s *Store) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for range maxRetries {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

func (s *Store) SaveTag(ctx context.Context, repo string, tag string, d digest.Digest) error {
	key := tagsKey(repo)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		old, err := tx.HGet(ctx, key, tag).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if old != "" {
				pipe.SRem(ctx, digestKey(repo, digest.Digest(old)), tag)
			}
			pipe.HSet(ctx, key, tag, d.String())
			pipe.SAdd(ctx, digestKey(repo, d), tag)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return s.fail("save tag", err)
	}
	return nil
}

func (s *Store) ReadTag(ctx context.Context, repo string, tag string) (digest.Digest, error) {
	v, err := s.client.HGet(ctx, tagsKey(repo), tag).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", storage.ErrNotFound
		}
		return "", s.fail("read tag", err)
	}
	return digest.Digest(v), nil
}

func (s *Store) DeleteTag(ctx context.Context, repo string, tag string) error {
	key := tagsKey(repo)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		old, err := tx.HGet(ctx, key, tag).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return storage.ErrNotFound
			}
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, tag)
			pipe.SRem(ctx, digestKey(repo, digest.Digest(old)), tag)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return s.fail("delete tag", err)
	}
	return nil
}

func (s *Store) LookupTags(ctx context.Context, repo string, d digest.Digest) ([]string, error) {
	tags, err := s.client.SMembers(ctx, digestKey(repo, d)).Result()
	if err != nil {
		return nil, s.fail("lookup tags", err)
	}
	if len(tags) == 0 {
		return nil, storage.ErrNotFound
	}
	return store.Paginate(tags, -1, ""), nil
}

func (s *Store) DeleteTagsByDigest(ctx context.Context, repo string, d digest.Digest) ([]string, error) {
	var removed []string
	key, rkey := tagsKey(repo), digestKey(repo, d)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		tags, err := tx.SMembers(ctx, rkey).Result()
		if err != nil {
			return err
		}
		removed = tags
		if len(tags) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, tags...)
			pipe.Del(ctx, rkey)
			return nil
		})
		return err
	}, key, rkey)
	if err != nil {
		return nil, s.fail("delete tags by digest", err)
	}
	return store.Paginate(removed, -1, ""), nil
}

func (s *Store) ListTags(ctx context.Context, repo string, n int, last string) ([]string, error) {
	tags, err := s.client.HKeys(ctx, tagsKey(repo)).Result()
	if err != nil {
		return nil, s.fail("list tags", err)
	}
	if len(tags) == 0 {
		return nil, storage.ErrNotFound
	}
	return store.Paginate(tags, n, last), nil
}

func (s *Store) AddReferrer(ctx context.Context, repo string, subject digest.Digest, desc ocispec.Descriptor) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("broken descriptor: %w", storage.ErrStorageFail)
	}
	if err := s.client.HSet(ctx, referrersKey(repo, subject), desc.Digest.String(), data).Err(); err != nil {
		return s.fail("add referrer", err)
	}
	return nil
}

func (s *Store) ListReferrers(ctx context.Context, repo string, subject digest.Digest, artifactType string) ([]ocispec.Descriptor, error) {
	values, err := s.client.HVals(ctx, referrersKey(repo, subject)).Result()
	if err != nil {
		return nil, s.fail("list referrers", err)
	}

	descs := make([]ocispec.Descriptor, 0, len(values))
	for _, v := range values {
		var desc ocispec.Descriptor
		if err := json.Unmarshal([]byte(v), &desc); err != nil {
			return nil, s.fail("decode referrer", err)
		}
		descs = append(descs, desc)
	}
	return store.FilterReferrers(descs, artifactType), nil
}

func (s *Store) RemoveReferrer(ctx context.Context, repo string, subject digest.Digest, d digest.Digest) error {
	n, err := s.client.HDel(ctx, referrersKey(repo, subject), d.String()).Result()
	if err != nil {
		return s.fail("remove referrer", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
