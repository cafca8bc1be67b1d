package inmemory

import (
	"testing"

	"github.com/kavos113/minicr/storage"
	"github.com/kavos113/minicr/storage/storagetest"
)

func TestStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		return NewStorage()
	})
}
