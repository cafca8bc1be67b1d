package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/kavos113/minicr/registry"
	"github.com/labstack/echo/v4"
	"github.com/opencontainers/go-digest"
)

func uploadLocation(name string, id string) string {
	return fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, id)
}

func blobLocation(name string, d digest.Digest) string {
	return fmt.Sprintf("/v2/%s/blobs/%s", name, d.String())
}

// setUploadHeaders describes the session state. Range is omitted while the
// session is empty, since "0-0" would claim one byte.
func setUploadHeaders(c echo.Context, name string, id string, size int64) {
	header := c.Response().Header()
	header.Set(echo.HeaderLocation, uploadLocation(name, id))
	header.Set(headerUploadUUID, id)
	if size > 0 {
		header.Set(headerRange, fmt.Sprintf("0-%d", size-1))
	}
}

func (h *Handler) GetBlobUploads(c echo.Context, name string, id string) error {
	size, err := h.reg.UploadStatus(c.Request().Context(), name, id)
	if err != nil {
		return h.fail(c, err, codeBlobUploadUnknown)
	}

	setUploadHeaders(c, name, id, size)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) PostBlobUploads(c echo.Context, name string) error {
	ctx := c.Request().Context()

	if dstr := c.QueryParam("digest"); dstr != "" {
		// monolithic upload
		d := digest.Digest(dstr)
		if _, err := h.reg.PutBlob(ctx, name, d, c.Request().Body); err != nil {
			return h.fail(c, err, codeBlobUnknown)
		}

		c.Response().Header().Set(echo.HeaderLocation, blobLocation(name, d))
		c.Response().Header().Set(headerContentDigest, d.String())
		return c.NoContent(http.StatusCreated)
	}

	mount, from := c.QueryParam("mount"), c.QueryParam("from")
	if mount != "" && from != "" {
		d := digest.Digest(mount)
		err := h.reg.MountBlob(ctx, name, from, d)
		if err == nil {
			c.Response().Header().Set(echo.HeaderLocation, blobLocation(name, d))
			c.Response().Header().Set(headerContentDigest, d.String())
			return c.NoContent(http.StatusCreated)
		}
		if !errors.Is(err, registry.ErrNotFound) {
			return h.fail(c, err, codeBlobUnknown)
		}
		// the client uploads the blob itself instead
	}

	id, err := h.reg.OpenUpload(ctx, name)
	if err != nil {
		return h.fail(c, err, codeNameUnknown)
	}

	setUploadHeaders(c, name, id, 0)
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) PatchBlobUpload(c echo.Context, name string, id string) error {
	ctx := c.Request().Context()

	var (
		size int64
		err  error
	)
	if cr := c.Request().Header.Get(headerContentRange); cr != "" {
		s, e, perr := parseContentRange(cr)
		if perr != nil {
			return writeError(c, http.StatusBadRequest, codeBlobUploadInvalid, perr.Error())
		}
		if s > e {
			return h.rangeNotSatisfiable(c, name, id, "range start is after its end")
		}
		if cl := c.Request().ContentLength; cl >= 0 && cl != e-s+1 {
			return h.rangeNotSatisfiable(c, name, id, "content length does not match range")
		}
		size, err = h.reg.AppendChunkAt(ctx, name, id, s, exactReader(c.Request().Body, e-s+1))
	} else {
		size, err = h.reg.AppendChunk(ctx, name, id, c.Request().Body)
	}
	if err != nil {
		if errors.Is(err, registry.ErrChunkOutOfOrder) || errors.Is(err, errShortChunk) {
			return h.rangeNotSatisfiable(c, name, id, err.Error())
		}
		return h.fail(c, err, codeBlobUploadUnknown)
	}

	setUploadHeaders(c, name, id, size)
	return c.NoContent(http.StatusAccepted)
}

// rangeNotSatisfiable reports a rejected chunk along with the range the
// session actually holds, so the client can resume from there.
func (h *Handler) rangeNotSatisfiable(c echo.Context, name string, id string, message string) error {
	size, err := h.reg.UploadStatus(c.Request().Context(), name, id)
	if err != nil {
		return h.fail(c, err, codeBlobUploadUnknown)
	}
	setUploadHeaders(c, name, id, size)
	return writeError(c, http.StatusRequestedRangeNotSatisfiable, codeBlobUploadInvalid, message)
}

func (h *Handler) PutBlobUpload(c echo.Context, name string, id string) error {
	dstr := c.QueryParam("digest")
	if dstr == "" {
		return writeError(c, http.StatusBadRequest, codeDigestInvalid, "digest query parameter is required")
	}

	d, err := h.reg.FinalizeUpload(c.Request().Context(), name, id, digest.Digest(dstr), c.Request().Body)
	if err != nil {
		return h.fail(c, err, codeBlobUploadUnknown)
	}

	c.Response().Header().Set(echo.HeaderLocation, blobLocation(name, d))
	c.Response().Header().Set(headerContentDigest, d.String())
	return c.NoContent(http.StatusCreated)
}

func (h *Handler) DeleteBlobUpload(c echo.Context, name string, id string) error {
	if err := h.reg.CancelUpload(c.Request().Context(), name, id); err != nil {
		return h.fail(c, err, codeBlobUploadUnknown)
	}
	return c.NoContent(http.StatusNoContent)
}

var errShortChunk = errors.New("chunk is shorter than its content range")

type rangeReader struct {
	r io.Reader
	n int64
}

// exactReader reads n bytes from r and fails with errShortChunk if r ends
// before that.
func exactReader(r io.Reader, n int64) io.Reader {
	return &rangeReader{r: io.LimitReader(r, n), n: n}
}

func (r *rangeReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n -= int64(n)
	if err == io.EOF && r.n > 0 {
		return n, errShortChunk
	}
	return n, err
}

// parseContentRange accepts "<start>-<end>", optionally in the
// "bytes <start>-<end>/<total>" form.
func parseContentRange(r string) (int64, int64, error) {
	r = strings.TrimPrefix(r, "bytes ")
	r, _, _ = strings.Cut(r, "/")

	s, e, ok := strings.Cut(r, "-")
	if !ok {
		return 0, 0, errors.New("content range has no separator")
	}
	start, err := strconv.ParseInt(s, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("invalid range start %q", s)
	}
	end, err := strconv.ParseInt(e, 10, 64)
	if err != nil || end < 0 {
		return 0, 0, fmt.Errorf("invalid range end %q", e)
	}

	return start, end, nil
}
