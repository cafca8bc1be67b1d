package handler

import (
	"errors"
	"net/http"

	"github.com/kavos113/minicr/registry"
	"github.com/labstack/echo/v4"
)

const (
	codeBlobUnknown         = "BLOB_UNKNOWN"
	codeBlobUploadInvalid   = "BLOB_UPLOAD_INVALID"
	codeBlobUploadUnknown   = "BLOB_UPLOAD_UNKNOWN"
	codeDigestInvalid       = "DIGEST_INVALID"
	codeManifestBlobUnknown = "MANIFEST_BLOB_UNKNOWN"
	codeManifestInvalid     = "MANIFEST_INVALID"
	codeManifestUnknown     = "MANIFEST_UNKNOWN"
	codeNameInvalid         = "NAME_INVALID"
	codeNameUnknown         = "NAME_UNKNOWN"
	codeSizeInvalid         = "SIZE_INVALID"
	codePaginationInvalid   = "PAGINATION_NUMBER_INVALID"
	codeUnsupported         = "UNSUPPORTED"
	codeUnknown             = "UNKNOWN"
)

type errorDescriptor struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

type errorResponse struct {
	Errors []errorDescriptor `json:"errors"`
}

func writeError(c echo.Context, status int, code string, message string) error {
	return c.JSON(status, errorResponse{
		Errors: []errorDescriptor{{Code: code, Message: message}},
	})
}

// classify maps a registry error to its status and code. unknown is the
// code used for ErrNotFound, which depends on what was looked up.
func classify(err error, unknown string) (int, string) {
	switch {
	case errors.Is(err, registry.ErrSessionUnknown):
		return http.StatusNotFound, codeBlobUploadUnknown
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, unknown
	case errors.Is(err, registry.ErrChunkOutOfOrder):
		return http.StatusRequestedRangeNotSatisfiable, codeBlobUploadInvalid
	case errors.Is(err, registry.ErrManifestBlobUnknown):
		return http.StatusBadRequest, codeManifestBlobUnknown
	case errors.Is(err, registry.ErrDigestInvalid):
		return http.StatusBadRequest, codeDigestInvalid
	case errors.Is(err, registry.ErrManifestInvalid):
		return http.StatusBadRequest, codeManifestInvalid
	case errors.Is(err, registry.ErrNameInvalid):
		return http.StatusBadRequest, codeNameInvalid
	case errors.Is(err, registry.ErrIntegrityConflict):
		return http.StatusConflict, codeDigestInvalid
	}
	return http.StatusInternalServerError, codeUnknown
}

func (h *Handler) fail(c echo.Context, err error, unknown string) error {
	status, code := classify(err, unknown)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"error", err,
		)
		return writeError(c, status, code, "internal server error")
	}
	return writeError(c, status, code, err.Error())
}
