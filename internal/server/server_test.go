package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YorkUITInnovation/markitdown-api/internal/assets"
	"github.com/YorkUITInnovation/markitdown-api/internal/cleanup"
	"github.com/YorkUITInnovation/markitdown-api/internal/config"
	"github.com/YorkUITInnovation/markitdown-api/internal/links"
	"github.com/YorkUITInnovation/markitdown-api/internal/pipeline"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(t *testing.T, keys ...string) (*Server, *assets.Store) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.ImagesDir = t.TempDir()
	cfg.APIKeys = keys

	logger := testLogger()
	store := assets.NewStore(cfg.ImagesDir, cfg.ImageBaseURL, logger)

	kbPath := filepath.Join(t.TempDir(), "knowledge.yaml")
	require.NoError(t, os.WriteFile(kbPath, []byte("entities:\n  Pyrrhus: https://en.wikipedia.org/wiki/Pyrrhus\n"), 0o600))
	kb := links.NewKnowledgeBase(kbPath, logger)
	t.Cleanup(func() { _ = kb.Close() })

	orchestrator := pipeline.New(cfg, store, kb, logger)
	scheduler := cleanup.NewScheduler(cfg, store, logger)
	return New(cfg, orchestrator, scheduler, logger, "1.2.1"), store
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestVersionOpen(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")

	rec := doJSON(t, s.Handler(), http.MethodGet, "/version", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp versionResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "markitdown-api", resp.Name)
	assert.Equal(t, "1.2.1", resp.Version)
}

func TestConvertRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")

	rec := doJSON(t, s.Handler(), http.MethodPost, "/convert", "", convertRequest{Source: "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	rec = doJSON(t, s.Handler(), http.MethodPost, "/convert", "wrong-key", convertRequest{Source: "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var errResp errorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "Invalid API key", errResp.Error)
}

func TestConvertLocalFile(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")

	path := filepath.Join(t.TempDir(), "memo.md")
	require.NoError(t, os.WriteFile(path, []byte("# Memo\n\nPyrrhus approved the plan."), 0o600))

	rec := doJSON(t, s.Handler(), http.MethodPost, "/convert", "secret-key", convertRequest{Source: path})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp convertResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "memo.md", resp.Filename)
	assert.Empty(t, resp.URL)
	assert.Equal(t, "text", resp.Format)
	assert.Equal(t, 1, resp.LinksApplied)
	assert.Contains(t, resp.Markdown, "[Pyrrhus](https://en.wikipedia.org/wiki/Pyrrhus)")
	assert.NotContains(t, resp.Markdown, "## Page", "short document gets no page markers")
}

func TestConvertAuthDisabled(t *testing.T) {
	s, _ := newTestServer(t)

	path := filepath.Join(t.TempDir(), "memo.md")
	require.NoError(t, os.WriteFile(path, []byte("# Memo\n\nShip it."), 0o600))

	rec := doJSON(t, s.Handler(), http.MethodPost, "/convert", "", convertRequest{Source: path})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConvertValidation(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")

	rec := doJSON(t, s.Handler(), http.MethodPost, "/convert", "secret-key", convertRequest{Source: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/convert", strings.NewReader("not json"))
	req.Header.Set("Authorization", "Bearer secret-key")
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestConvertMissingFile(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")

	rec := doJSON(t, s.Handler(), http.MethodPost, "/convert", "secret-key",
		convertRequest{Source: "/nonexistent/report.pdf"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp errorResponse
	decodeBody(t, rec, &errResp)
	assert.Contains(t, errResp.Error, "failed to fetch source")
}

func TestConvertUnsupportedFormat(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")

	path := filepath.Join(t.TempDir(), "blob.xyz")
	require.NoError(t, os.WriteFile(path, []byte{0x00, 0x01}, 0o600))

	rec := doJSON(t, s.Handler(), http.MethodPost, "/convert", "secret-key", convertRequest{Source: path})
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestConvertMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")

	rec := doJSON(t, s.Handler(), http.MethodGet, "/convert", "secret-key", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func multipartUpload(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, value := range fields {
		require.NoError(t, w.WriteField(key, value))
	}
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestUpload(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")

	content := []byte("Pyrrhus reviewed the results.")
	body, contentType := multipartUpload(t, "results.md", content, map[string]string{"create_pages": "false"})

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer secret-key")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp convertResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "results.md", resp.Filename)
	assert.Equal(t, int64(len(content)), resp.FileSize)
	assert.Equal(t, 1, resp.LinksApplied)
	assert.Contains(t, resp.Markdown, "[Pyrrhus]")
}

func TestUploadTooLarge(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")
	s.cfg.MaxUploadSizeMB = 1

	body, contentType := multipartUpload(t, "big.txt", bytes.Repeat([]byte("x"), 2<<20), nil)

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer secret-key")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUploadMissingFileField(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("create_pages", "true"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer secret-key")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImageServed(t *testing.T) {
	s, store := newTestServer(t, "secret-key")

	ns := store.NewNamespace("diagram.pdf")
	asset, err := store.Put(ns, []byte("fake image bytes"), "figure.png")
	require.NoError(t, err)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/images/"+ns+"/"+asset.Filename, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fake image bytes", rec.Body.String())
}

func TestImageMissing(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")

	rec := doJSON(t, s.Handler(), http.MethodGet, "/images/no_such_ns/absent.png", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImageTraversalRejected(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")

	req := httptest.NewRequest(http.MethodGet, "/images/ns/..%2F..%2Fsecret.txt", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestCleanupStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")

	rec := doJSON(t, s.Handler(), http.MethodGet, "/cleanup-status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/cleanup-status", "secret-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	decodeBody(t, rec, &resp)
	assert.Equal(t, false, resp["running"])
	assert.Equal(t, float64(config.DefaultCleanupDays), resp["cleanup_days"])
	assert.Equal(t, config.DefaultCleanupTime, resp["cleanup_time"])
	assert.NotEmpty(t, resp["next_cleanup"])
	assert.NotEmpty(t, resp["images_directory"])
	assert.NotContains(t, resp, "last_run", "no run has happened yet")
}

func TestValidPathSegment(t *testing.T) {
	tests := []struct {
		segment string
		want    bool
	}{
		{"report_a1b2c3d4", true},
		{"figure.png", true},
		{"..", false},
		{".", false},
		{"", false},
		{"a/b", false},
		{`a\b`, false},
	}

	for _, tt := range tests {
		if got := validPathSegment(tt.segment); got != tt.want {
			t.Errorf("validPathSegment(%q) = %v, want %v", tt.segment, got, tt.want)
		}
	}
}
