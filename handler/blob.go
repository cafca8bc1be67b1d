package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/opencontainers/go-digest"
)

func (h *Handler) GetBlobs(c echo.Context, name string, dstr string) error {
	ctx := c.Request().Context()
	d := digest.Digest(dstr)

	if c.Request().Method == http.MethodHead {
		size, err := h.reg.StatBlob(ctx, name, d)
		if err != nil {
			return h.fail(c, err, codeBlobUnknown)
		}
		setBlobHeaders(c, d, size)
		return c.NoContent(http.StatusOK)
	}

	rc, size, err := h.reg.GetBlob(ctx, name, d)
	if err != nil {
		return h.fail(c, err, codeBlobUnknown)
	}
	defer rc.Close()

	setBlobHeaders(c, d, size)
	return c.Stream(http.StatusOK, echo.MIMEOctetStream, rc)
}

func setBlobHeaders(c echo.Context, d digest.Digest, size int64) {
	c.Response().Header().Set(headerContentDigest, d.String())
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMEOctetStream)
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(size, 10))
}

func (h *Handler) DeleteBlob(c echo.Context, name string, dstr string) error {
	if err := h.reg.DeleteBlob(c.Request().Context(), name, digest.Digest(dstr)); err != nil {
		return h.fail(c, err, codeBlobUnknown)
	}
	return c.NoContent(http.StatusAccepted)
}
