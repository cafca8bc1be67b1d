// Package upload tracks resumable blob upload sessions and commits their
// bytes into the content store once the client names the final digest.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kavos113/minicr/metrics"
	"github.com/kavos113/minicr/reference"
	"github.com/kavos113/minicr/storage"
	"github.com/opencontainers/go-digest"
	"tailscale.com/syncs"
)

const DefaultTTL = time.Hour

var (
	ErrSessionUnknown  = errors.New("upload session unknown")
	ErrChunkOutOfOrder = errors.New("chunk out of order")
)

type State int

const (
	StateOpen State = iota
	StateAccumulating
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateAccumulating:
		return "accumulating"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) terminal() bool {
	return s == StateCommitted || s == StateAborted
}

type Options struct {
	// Staging defaults to an in-memory buffer per session.
	Staging Staging
	// TTL is how long a session may stay idle before Sweep aborts it, and
	// how long a finished session is remembered afterwards.
	TTL     time.Duration
	Metrics *metrics.Metrics
}

type Manager struct {
	content storage.Storage
	staging Staging
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	sessions syncs.Map[string, *session]
}

type session struct {
	mu      sync.Mutex
	id      string
	repo    string
	state   State
	buf     Buffer
	created time.Time
	touched time.Time
}

func NewManager(content storage.Storage, opts Options, logger *slog.Logger) *Manager {
	if opts.Staging == nil {
		opts.Staging = NewMemoryStaging()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Manager{
		content: content,
		staging: opts.Staging,
		ttl:     opts.TTL,
		metrics: opts.Metrics,
		logger:  logger,
		now:     time.Now,
	}
}

func (m *Manager) Open(ctx context.Context, repo string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate upload id: %w", err)
	}

	buf, err := m.staging.Create(id.String())
	if err != nil {
		m.logger.Error("failed to create staging buffer", "repository", repo, "error", err)
		return "", err
	}

	now := m.now()
	m.sessions.Store(id.String(), &session{
		id:      id.String(),
		repo:    repo,
		state:   StateOpen,
		buf:     buf,
		created: now,
		touched: now,
	})
	m.metrics.UploadOpened()
	m.logger.Debug("upload opened", "repository", repo, "id", id.String())

	return id.String(), nil
}

// acquire returns the live session id of repo, locked. The caller must
// unlock it.
func (m *Manager) acquire(repo string, id string) (*session, error) {
	s, ok := m.sessions.Load(id)
	if !ok || s.repo != repo {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionUnknown)
	}
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s is %s: %w", id, s.state, ErrSessionUnknown)
	}
	return s, nil
}

func (m *Manager) append(ctx context.Context, s *session, r io.Reader) (int64, error) {
	n, err := s.buf.Append(ctx, r)
	if err != nil {
		m.logger.Warn("failed to append chunk", "repository", s.repo, "id", s.id, "error", err)
		return 0, err
	}
	s.state = StateAccumulating
	s.touched = m.now()
	m.metrics.BytesUploaded(n)
	return s.buf.Size(), nil
}

// Append adds r to the end of the session and returns its new length.
func (m *Manager) Append(ctx context.Context, repo string, id string, r io.Reader) (int64, error) {
	s, err := m.acquire(repo, id)
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	return m.append(ctx, s, r)
}

// AppendAt is Append for chunks that declare their position. offset must be
// the current length of the session.
func (m *Manager) AppendAt(ctx context.Context, repo string, id string, offset int64, r io.Reader) (int64, error) {
	s, err := m.acquire(repo, id)
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	if size := s.buf.Size(); offset != size {
		return 0, fmt.Errorf("chunk starts at %d but session %s has %d bytes: %w", offset, id, size, ErrChunkOutOfOrder)
	}
	return m.append(ctx, s, r)
}

// Finalize appends trailing, which may be nil, verifies the staged bytes
// against d and commits them as a blob of repo. If anything fails the
// trailing bytes are dropped and the session is left as it was.
func (m *Manager) Finalize(ctx context.Context, repo string, id string, d digest.Digest, trailing io.Reader) (digest.Digest, error) {
	s, err := m.acquire(repo, id)
	if err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	if _, err := reference.ParseDigest(d.String()); err != nil {
		return "", err
	}

	prior := s.buf.Size()
	if trailing != nil {
		if _, err := s.buf.Append(ctx, trailing); err != nil {
			return "", err
		}
	}

	if err := m.commit(ctx, s, d); err != nil {
		if terr := s.buf.Truncate(prior); terr != nil {
			m.logger.Error("failed to roll back trailing bytes", "repository", repo, "id", id, "error", terr)
		}
		return "", err
	}

	committed := s.buf.Size()
	if err := s.buf.Remove(); err != nil {
		m.logger.Warn("failed to release staging buffer", "repository", repo, "id", id, "error", err)
	}
	s.buf = nil
	s.state = StateCommitted
	s.touched = m.now()

	m.metrics.BytesUploaded(committed - prior)
	m.metrics.UploadCommitted()
	m.logger.Info("upload committed", "repository", repo, "id", id, "digest", d.String(), "size", committed)

	return d, nil
}

func (m *Manager) commit(ctx context.Context, s *session, d digest.Digest) error {
	rc, err := s.buf.Open()
	if err != nil {
		return fmt.Errorf("failed to read staged upload: %w", storage.ErrStorageFail)
	}
	ok, err := reference.VerifyReader(rc, d)
	rc.Close()
	if err != nil {
		return fmt.Errorf("failed to verify staged upload: %w: %w", storage.ErrStorageFail, err)
	}
	if !ok {
		return fmt.Errorf("staged content does not match %s: %w", d, reference.ErrDigestInvalid)
	}

	rc, err = s.buf.Open()
	if err != nil {
		return fmt.Errorf("failed to read staged upload: %w", storage.ErrStorageFail)
	}
	defer rc.Close()

	if _, err := m.content.Put(ctx, s.repo, storage.KindBlob, d, rc); err != nil {
		if errors.Is(err, storage.ErrIntegrityConflict) {
			m.metrics.ContentPut(storage.KindBlob.String(), metrics.ResultInvalid)
			return fmt.Errorf("%w: %w", reference.ErrDigestInvalid, err)
		}
		m.metrics.ContentPut(storage.KindBlob.String(), metrics.ResultFailed)
		return err
	}
	m.metrics.ContentPut(storage.KindBlob.String(), metrics.ResultStored)
	return nil
}

func (m *Manager) Status(ctx context.Context, repo string, id string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s, err := m.acquire(repo, id)
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	return s.buf.Size(), nil
}

func (m *Manager) Cancel(ctx context.Context, repo string, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := m.acquire(repo, id)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	m.abort(s, metrics.ReasonCancelled)
	return nil
}

func (m *Manager) abort(s *session, reason string) {
	if err := s.buf.Remove(); err != nil {
		m.logger.Warn("failed to release staging buffer", "repository", s.repo, "id", s.id, "error", err)
	}
	s.buf = nil
	s.state = StateAborted
	s.touched = m.now()

	m.metrics.UploadAborted(reason)
	m.logger.Info("upload aborted", "repository", s.repo, "id", s.id, "reason", reason)
}

// Sweep aborts sessions idle for longer than the TTL at now and forgets
// finished sessions older than the TTL. It returns the number of sessions
// it aborted.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (int, error) {
	var candidates []*session
	for _, s := range m.sessions.All() {
		candidates = append(candidates, s)
	}

	expired := 0
	for _, s := range candidates {
		if err := ctx.Err(); err != nil {
			return expired, err
		}

		s.mu.Lock()
		if now.Sub(s.touched) > m.ttl {
			if s.state.terminal() {
				m.sessions.Delete(s.id)
			} else {
				m.abort(s, metrics.ReasonExpired)
				expired++
			}
		}
		s.mu.Unlock()
	}

	if expired > 0 {
		m.logger.Info("expired idle uploads", "count", expired)
	}
	return expired, nil
}
