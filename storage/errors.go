package storage

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrStorageFail       = errors.New("storage has problem")
	ErrIntegrityConflict = errors.New("content does not match digest")
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
