package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "defaults", opts: Options{}},
		{name: "text debug", opts: Options{Level: "debug", Format: "text"}},
		{name: "upper case", opts: Options{Level: "WARN", Format: "JSON"}},
		{name: "bad level", opts: Options{Level: "loud"}, wantErr: true},
		{name: "bad format", opts: Options{Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, closer, err := New(tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
			assert.NoError(t, closer.Close())
		})
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minicr.log")

	logger, closer, err := New(Options{File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	logger.Info("hello", "key", "value")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "value", line["key"])
}

func TestNewFiltersByLevel(t *testing.T) {
	level, err := parseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	e := echo.New()
	e.Use(NewLoggingMiddleware("minicr", logger).Handler())
	e.GET("/ok", func(c echo.Context) error { return c.String(http.StatusOK, "fine") })
	e.GET("/boom", func(c echo.Context) error { return errors.New("boom") })

	tests := []struct {
		path   string
		status int
		level  string
	}{
		{path: "/ok", status: http.StatusOK, level: "INFO"},
		{path: "/boom", status: http.StatusInternalServerError, level: "ERROR"},
		{path: "/missing", status: http.StatusNotFound, level: "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			buf.Reset()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set("User-Agent", "docker/27.0")
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)

			var line map[string]any
			require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
			assert.Equal(t, "HTTP Request", line["msg"])
			assert.Equal(t, tt.level, line["level"])
			assert.Equal(t, "minicr", line["service"])
			assert.Equal(t, http.MethodGet, line["method"])
			assert.Equal(t, tt.path, line["path"])
			assert.Equal(t, "docker/27.0", line["user_agent"])
			assert.Equal(t, float64(tt.status), line["status_code"])
		})
	}
}
