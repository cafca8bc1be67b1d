// Package handler serves the OCI distribution API on top of a Registry.
package handler

import (
	"log/slog"
	"net/http"

	"github.com/kavos113/minicr/registry"
	"github.com/labstack/echo/v4"
)

const (
	headerAPIVersion    = "Docker-Distribution-API-Version"
	headerContentDigest = "Docker-Content-Digest"
	headerUploadUUID    = "Docker-Upload-UUID"
	headerRange         = "Range"
	headerContentRange  = "Content-Range"
	headerSubject       = "OCI-Subject"
	headerFilters       = "OCI-Filters-Applied"
)

type Handler struct {
	reg    *registry.Registry
	logger *slog.Logger
}

func New(reg *registry.Registry, logger *slog.Logger) *Handler {
	return &Handler{reg: reg, logger: logger}
}

// Register mounts the API under /v2/. Repository names may contain slashes,
// which echo path parameters cannot express, so every route goes through
// dispatch.
func (h *Handler) Register(e *echo.Echo) {
	e.Any("/v2", h.dispatch)
	e.Any("/v2/*", h.dispatch)
}

func (h *Handler) dispatch(c echo.Context) error {
	c.Response().Header().Set(headerAPIVersion, "registry/2.0")

	r := parsePath(c.Request().URL.Path)
	method := c.Request().Method

	switch r.kind {
	case routeBase:
		if method == http.MethodGet || method == http.MethodHead {
			return c.JSON(http.StatusOK, map[string]string{})
		}
	case routeBlob:
		switch method {
		case http.MethodGet, http.MethodHead:
			return h.GetBlobs(c, r.name, r.ref)
		case http.MethodDelete:
			return h.DeleteBlob(c, r.name, r.ref)
		}
	case routeUploads:
		if method == http.MethodPost {
			return h.PostBlobUploads(c, r.name)
		}
	case routeUpload:
		switch method {
		case http.MethodGet:
			return h.GetBlobUploads(c, r.name, r.ref)
		case http.MethodPatch:
			return h.PatchBlobUpload(c, r.name, r.ref)
		case http.MethodPut:
			return h.PutBlobUpload(c, r.name, r.ref)
		case http.MethodDelete:
			return h.DeleteBlobUpload(c, r.name, r.ref)
		}
	case routeManifest:
		switch method {
		case http.MethodGet, http.MethodHead:
			return h.GetManifests(c, r.name, r.ref)
		case http.MethodPut:
			return h.PutManifests(c, r.name, r.ref)
		case http.MethodDelete:
			return h.DeleteManifests(c, r.name, r.ref)
		}
	case routeTags:
		if method == http.MethodGet {
			return h.GetTags(c, r.name)
		}
	case routeReferrers:
		if method == http.MethodGet {
			return h.GetReferrers(c, r.name, r.ref)
		}
	default:
		return writeError(c, http.StatusNotFound, codeNameUnknown, "no such endpoint")
	}

	return writeError(c, http.StatusMethodNotAllowed, codeUnsupported, method+" is not supported here")
}
