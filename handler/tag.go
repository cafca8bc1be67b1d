package handler

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

type tagsResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

func (h *Handler) GetTags(c echo.Context, name string) error {
	last := c.QueryParam("last")
	nstr := c.QueryParam("n")

	n := -1
	if nstr != "" {
		ni, err := strconv.Atoi(nstr)
		if err != nil || ni < 0 {
			return writeError(c, http.StatusBadRequest, codePaginationInvalid, "n must be a non-negative integer")
		}
		n = ni
	}

	tags, err := h.reg.ListTags(c.Request().Context(), name, n, last)
	if err != nil {
		return h.fail(c, err, codeNameUnknown)
	}

	if n > 0 && len(tags) == n {
		q := url.Values{}
		q.Set("n", strconv.Itoa(n))
		q.Set("last", tags[len(tags)-1])
		c.Response().Header().Set("Link", fmt.Sprintf(`</v2/%s/tags/list?%s>; rel="next"`, name, q.Encode()))
	}

	res := &tagsResponse{
		Name: name,
		Tags: tags,
	}
	return c.JSON(http.StatusOK, res)
}
