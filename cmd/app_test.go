package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kavos113/minicr/config"
	"github.com/kavos113/minicr/reference"
	"github.com/kavos113/minicr/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server:   config.ServerConfig{Addr: "127.0.0.1:0"},
		Storage:  config.StorageConfig{Driver: "filesystem", Path: dir},
		TagStore: config.TagStoreConfig{Driver: "bolt", Bolt: config.BoltConfig{Path: filepath.Join(dir, "minicr.db")}},
		Upload:   config.UploadConfig{Staging: "filesystem", TTL: time.Hour, SweepInterval: time.Minute},
		Metrics:  config.MetricsConfig{Enabled: true},
	}
}

func do(a *app, method string, target string, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, httptest.NewRequest(method, target, r))
	return rec
}

func TestAppServesRegistryAndMetrics(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), discard)
	require.NoError(t, err)
	t.Cleanup(func() { a.close() })

	rec := do(a, http.MethodGet, "/v2/", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	d := reference.Compute([]byte("layer"))
	rec = do(a, http.MethodPost, "/v2/app/blobs/uploads/?digest="+d.String(), "layer")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(a, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `minicr_content_puts_total{kind="blobs",result="stored"} 1`)
	assert.Contains(t, body, "minicr_http_requests_total")
	assert.Contains(t, body, "go_goroutines")
}

func TestAppWithoutMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	cfg.Storage.Driver = "inmemory"
	cfg.Upload.Staging = "memory"

	a, err := newApp(context.Background(), cfg, discard)
	require.NoError(t, err)
	t.Cleanup(func() { a.close() })

	rec := do(a, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAppWithRedisTags(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.TagStore.Driver = "redis"
	cfg.TagStore.Redis.Addr = mr.Addr()

	a, err := newApp(context.Background(), cfg, discard)
	require.NoError(t, err)
	t.Cleanup(func() { a.close() })

	rec := do(a, http.MethodGet, "/v2/app/tags/list", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBoltStoreInNewDirectory(t *testing.T) {
	cfg := testConfig(t)
	cfg.TagStore.Bolt.Path = filepath.Join(t.TempDir(), "state", "tags", "minicr.db")

	tags, err := newStore(context.Background(), cfg, discard)
	require.NoError(t, err)
	t.Cleanup(func() { tags.Close() })

	assert.FileExists(t, cfg.TagStore.Bolt.Path)
}

func TestUnknownDrivers(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig(t)
	cfg.Storage.Driver = "tape"
	_, err := newStorage(ctx, cfg, discard)
	assert.ErrorContains(t, err, "tape")

	cfg = testConfig(t)
	cfg.TagStore.Driver = "mysql"
	_, err = newStore(ctx, cfg, discard)
	assert.ErrorContains(t, err, "mysql")

	cfg = testConfig(t)
	cfg.Upload.Staging = "tape"
	_, err = newStaging(cfg)
	assert.ErrorContains(t, err, "tape")
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	uploads := upload.NewManager(nil, upload.Options{TTL: time.Millisecond}, discard)
	id, err := uploads.Open(context.Background(), "app")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runSweeper(ctx, uploads, time.Millisecond, discard)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := uploads.Status(context.Background(), "app", id)
		return errors.Is(err, upload.ErrSessionUnknown)
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- serve(ctx, testConfig(t), discard) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, Execute())
	assert.True(t, strings.HasPrefix(out.String(), "minicr "+Version+" "))
}
