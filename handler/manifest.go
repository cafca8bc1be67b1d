package handler

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const maxManifestSize = 4 << 20

func (h *Handler) PutManifests(c echo.Context, name string, ref string) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxManifestSize+1))
	if err != nil {
		return writeError(c, http.StatusBadRequest, codeManifestInvalid, "failed to read manifest")
	}
	if len(payload) > maxManifestSize {
		return writeError(c, http.StatusRequestEntityTooLarge, codeSizeInvalid, "manifest is too large")
	}

	res, err := h.reg.PutManifest(c.Request().Context(), name, ref, payload, c.Request().Header.Get(echo.HeaderContentType))
	if err != nil {
		return h.fail(c, err, codeManifestUnknown)
	}

	if res.Subject != "" {
		c.Response().Header().Set(headerSubject, res.Subject.String())
	}
	c.Response().Header().Set(echo.HeaderLocation, fmt.Sprintf("/v2/%s/manifests/%s", name, res.Digest.String()))
	c.Response().Header().Set(headerContentDigest, res.Digest.String())

	return c.NoContent(http.StatusCreated)
}

func (h *Handler) GetManifests(c echo.Context, name string, ref string) error {
	m, err := h.reg.GetManifest(c.Request().Context(), name, ref)
	if err != nil {
		return h.fail(c, err, codeManifestUnknown)
	}

	c.Response().Header().Set(headerContentDigest, m.Digest.String())
	if c.Request().Method == http.MethodHead {
		c.Response().Header().Set(echo.HeaderContentType, m.MediaType)
		c.Response().Header().Set(echo.HeaderContentLength, strconv.Itoa(len(m.Payload)))
		return c.NoContent(http.StatusOK)
	}
	return c.Blob(http.StatusOK, m.MediaType, m.Payload)
}

func (h *Handler) DeleteManifests(c echo.Context, name string, ref string) error {
	if err := h.reg.DeleteManifest(c.Request().Context(), name, ref); err != nil {
		return h.fail(c, err, codeManifestUnknown)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) GetReferrers(c echo.Context, name string, dstr string) error {
	artifact := c.QueryParam("artifactType")

	index, err := h.reg.Referrers(c.Request().Context(), name, digest.Digest(dstr), artifact)
	if err != nil {
		return h.fail(c, err, codeManifestUnknown)
	}

	c.Response().Header().Set(echo.HeaderContentType, ocispec.MediaTypeImageIndex)
	if artifact != "" {
		c.Response().Header().Set(headerFilters, "artifactType")
	}
	return c.JSON(http.StatusOK, index)
}
