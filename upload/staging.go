package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kavos113/minicr/storage"
)

// Staging creates the buffers that hold the bytes of in-flight sessions.
type Staging interface {
	Create(id string) (Buffer, error)
}

// Buffer is owned by a single session and is only used under its lock.
type Buffer interface {
	// Append copies r to the end of the buffer. On error the buffer is left
	// as it was before the call.
	Append(ctx context.Context, r io.Reader) (int64, error)
	Size() int64
	Open() (io.ReadCloser, error)
	Truncate(size int64) error
	Remove() error
}

type MemoryStaging struct{}

func NewMemoryStaging() *MemoryStaging {
	return &MemoryStaging{}
}

func (MemoryStaging) Create(string) (Buffer, error) {
	return &memoryBuffer{}, nil
}

type memoryBuffer struct {
	data []byte
}

func (b *memoryBuffer) Append(ctx context.Context, r io.Reader) (int64, error) {
	buf := bytes.NewBuffer(b.data)
	n, err := buf.ReadFrom(storage.ContextReader(ctx, r))
	if err != nil {
		return 0, fmt.Errorf("failed to stage chunk: %w", err)
	}
	b.data = buf.Bytes()
	return n, nil
}

func (b *memoryBuffer) Size() int64 {
	return int64(len(b.data))
}

func (b *memoryBuffer) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (b *memoryBuffer) Truncate(size int64) error {
	if size < 0 || size > int64(len(b.data)) {
		return fmt.Errorf("cannot truncate %d bytes to %d", len(b.data), size)
	}
	b.data = b.data[:size]
	return nil
}

func (b *memoryBuffer) Remove() error {
	b.data = nil
	return nil
}

// FileStaging keeps one file per session in dir. Files left over from a
// previous process are removed on creation, since sessions do not outlive
// the process that opened them.
type FileStaging struct {
	dir string
}

func NewFileStaging(dir string) (*FileStaging, error) {
	if dir == "" {
		return nil, errors.New("staging directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read staging directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return nil, fmt.Errorf("failed to remove stale upload %s: %w", e.Name(), err)
		}
	}

	return &FileStaging{dir: dir}, nil
}

func (s *FileStaging) Create(id string) (Buffer, error) {
	f, err := os.OpenFile(filepath.Join(s.dir, id), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload file: %w", storage.ErrStorageFail)
	}
	return &fileBuffer{f: f}, nil
}

type fileBuffer struct {
	f    *os.File
	size int64
}

func (b *fileBuffer) Append(ctx context.Context, r io.Reader) (int64, error) {
	n, err := io.Copy(io.NewOffsetWriter(b.f, b.size), storage.ContextReader(ctx, r))
	if err != nil {
		if terr := b.f.Truncate(b.size); terr != nil {
			return 0, fmt.Errorf("failed to roll back upload file: %w: %w", storage.ErrStorageFail, terr)
		}
		return 0, fmt.Errorf("failed to stage chunk: %w", err)
	}
	b.size += n
	return n, nil
}

func (b *fileBuffer) Size() int64 {
	return b.size
}

func (b *fileBuffer) Open() (io.ReadCloser, error) {
	return io.NopCloser(io.NewSectionReader(b.f, 0, b.size)), nil
}

func (b *fileBuffer) Truncate(size int64) error {
	if size < 0 || size > b.size {
		return fmt.Errorf("cannot truncate %d bytes to %d", b.size, size)
	}
	if err := b.f.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate upload file: %w: %w", storage.ErrStorageFail, err)
	}
	b.size = size
	return nil
}

func (b *fileBuffer) Remove() error {
	name := b.f.Name()
	cerr := b.f.Close()
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return cerr
}
