package registry

import (
	"errors"

	"github.com/kavos113/minicr/manifest"
	"github.com/kavos113/minicr/reference"
	"github.com/kavos113/minicr/storage"
	"github.com/kavos113/minicr/upload"
)

// Every error returned by Registry matches at most one of these with
// errors.Is. Anything else is an internal failure, and wraps ErrStorageFail
// when the content store or tag index could not be reached.
var (
	ErrNotFound            = storage.ErrNotFound
	ErrDigestInvalid       = reference.ErrDigestInvalid
	ErrNameInvalid         = reference.ErrNameInvalid
	ErrChunkOutOfOrder     = upload.ErrChunkOutOfOrder
	ErrSessionUnknown      = upload.ErrSessionUnknown
	ErrManifestInvalid     = manifest.ErrInvalid
	ErrManifestBlobUnknown = errors.New("manifest references unknown content")
	ErrIntegrityConflict   = storage.ErrIntegrityConflict
	ErrStorageFail         = storage.ErrStorageFail
)
