package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/kavos113/minicr/storage"
	"github.com/opencontainers/go-digest"
)

const (
	headTimeout = 30 * time.Second
	ioTimeout   = 5 * time.Minute
)

type Config struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// api is the subset of the S3 client used by Storage.
type api interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type Storage struct {
	client api
	bucket string
	logger *slog.Logger
}

func NewStorage(ctx context.Context, cfg Config, logger *slog.Logger) (*Storage, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = "minicr"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
			logger.Warn("failed to create bucket", "bucket", cfg.Bucket, "error", err)
		}
	}

	return newStorage(client, cfg.Bucket, logger), nil
}

func newStorage(client api, bucket string, logger *slog.Logger) *Storage {
	return &Storage{client: client, bucket: bucket, logger: logger}
}

func (s *Storage) key(repo string, kind storage.Kind, d digest.Digest) string {
	return path.Join("repositories", repo, kind.String(), d.Algorithm().String(), d.Encoded())
}

func (s *Storage) head(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, headTimeout)
	defer cancel()

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, storage.ErrNotFound
		}
		s.logger.Error("failed to head object", "key", key, "error", err)
		return 0, fmt.Errorf("failed to head object: %w", storage.ErrStorageFail)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Put buffers the content to verify it before anything reaches the bucket.
// The write is conditional on the key being absent, so concurrent puts of
// one digest settle on the first object.
func (s *Storage) Put(ctx context.Context, repo string, kind storage.Kind, d digest.Digest, r io.Reader) (int64, error) {
	if err := storage.CheckDigest(d); err != nil {
		return 0, fmt.Errorf("%w: %w", storage.ErrIntegrityConflict, err)
	}

	key := s.key(repo, kind, d)
	size, err := s.head(ctx, key)
	if err == nil {
		if _, err := storage.Drain(ctx, d, r); err != nil {
			return 0, err
		}
		return size, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}

	verifier := d.Verifier()
	data, err := io.ReadAll(io.TeeReader(storage.ContextReader(ctx, r), verifier))
	if err != nil {
		return 0, fmt.Errorf("failed to read content: %w: %w", storage.ErrStorageFail, err)
	}
	if !verifier.Verified() {
		return 0, fmt.Errorf("%s: %w", d, storage.ErrIntegrityConflict)
	}

	ctx, cancel := context.WithTimeout(ctx, ioTimeout)
	defer cancel()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil && !isAlreadyExists(err) {
		s.logger.Error("failed to put object", "key", key, "error", err)
		return 0, fmt.Errorf("failed to put object: %w", storage.ErrStorageFail)
	}

	return int64(len(data)), nil
}

func (s *Storage) Open(ctx context.Context, repo string, kind storage.Kind, d digest.Digest) (io.ReadCloser, int64, error) {
	key := s.key(repo, kind, d)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, storage.ErrNotFound
		}
		s.logger.Error("failed to get object", "key", key, "error", err)
		return nil, 0, fmt.Errorf("failed to get object: %w", storage.ErrStorageFail)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func (s *Storage) Stat(ctx context.Context, repo string, kind storage.Kind, d digest.Digest) (int64, error) {
	return s.head(ctx, s.key(repo, kind, d))
}

func (s *Storage) Delete(ctx context.Context, repo string, kind storage.Kind, d digest.Digest) error {
	key := s.key(repo, kind, d)
	if _, err := s.head(ctx, key); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, headTimeout)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.logger.Error("failed to delete object", "key", key, "error", err)
		return fmt.Errorf("failed to delete object: %w", storage.ErrStorageFail)
	}
	return nil
}

// Link copies the object server side.
func (s *Storage) Link(ctx context.Context, from string, to string, kind storage.Kind, d digest.Digest) error {
	src := s.key(from, kind, d)
	if _, err := s.head(ctx, src); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, ioTimeout)
	defer cancel()

	dst := s.key(to, kind, d)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(dst),
		CopySource:  aws.String(path.Join(s.bucket, src)),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil && !isAlreadyExists(err) {
		s.logger.Error("failed to copy object", "from", src, "to", dst, "error", err)
		return fmt.Errorf("failed to copy object: %w", storage.ErrStorageFail)
	}
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

// isAlreadyExists matches the responses to a conditional write whose key is
// already taken.
func isAlreadyExists(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}
