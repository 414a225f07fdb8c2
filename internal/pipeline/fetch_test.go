package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YorkUITInnovation/markitdown-api/internal/config"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	// The fetcher honours proxy env vars, which would misroute the loopback
	// test servers.
	for _, envVar := range []string{"HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy"} {
		t.Setenv(envVar, "")
	}
	return NewFetcher(config.DefaultConfig(), testLogger())
}

func TestFetchStagesDownload(t *testing.T) {
	var gotUA, gotLang string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="field notes.md"`)
		_, _ = w.Write([]byte("# Field Notes\n"))
	}))
	defer ts.Close()

	fetched, err := newTestFetcher(t).Fetch(context.Background(), ts.URL+"/download")
	require.NoError(t, err)
	defer os.Remove(fetched.Path)

	assert.Equal(t, "field notes.md", fetched.Filename)
	assert.Equal(t, "text/markdown; charset=utf-8", fetched.ContentType)
	assert.Equal(t, int64(14), fetched.Size)
	assert.True(t, strings.HasSuffix(fetched.Path, ".md"), "staged path %q should keep the extension", fetched.Path)

	data, err := os.ReadFile(fetched.Path)
	require.NoError(t, err)
	assert.Equal(t, "# Field Notes\n", string(data))

	assert.Equal(t, UserAgent, gotUA)
	assert.Equal(t, "en-GB,en;q=0.5", gotLang)
}

func TestFetchFilenameFromURLPath(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plain body"))
	}))
	defer ts.Close()

	fetched, err := newTestFetcher(t).Fetch(context.Background(), ts.URL+"/reports/summary.txt")
	require.NoError(t, err)
	defer os.Remove(fetched.Path)

	assert.Equal(t, "summary.txt", fetched.Filename)
	assert.True(t, strings.HasSuffix(fetched.Path, ".txt"))
}

func TestFetchHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := newTestFetcher(t).Fetch(context.Background(), ts.URL+"/missing.pdf")
	require.Error(t, err)

	var fetchErr *SourceFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Contains(t, fetchErr.Error(), "HTTP error 404")
}

func TestFetchRejectsScheme(t *testing.T) {
	_, err := newTestFetcher(t).Fetch(context.Background(), "ftp://archive.example.org/file.pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported URL scheme")
}

func TestFetchSizeLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	defer ts.Close()

	fetcher := newTestFetcher(t)
	fetcher.maxBytes = 16

	_, err := fetcher.Fetch(context.Background(), ts.URL+"/big.txt")
	require.Error(t, err)

	var fetchErr *SourceFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Contains(t, err.Error(), "byte limit")
}

func TestFetchGzipBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/plain")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte("compressed survey results"))
		_ = gz.Close()
	}))
	defer ts.Close()

	fetched, err := newTestFetcher(t).Fetch(context.Background(), ts.URL+"/survey.txt")
	require.NoError(t, err)
	defer os.Remove(fetched.Path)

	data, err := os.ReadFile(fetched.Path)
	require.NoError(t, err)
	assert.Equal(t, "compressed survey results", string(data))
}

func TestFetchFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	var redirectedUA string
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final.txt", http.StatusFound)
	})
	mux.HandleFunc("/final.txt", func(w http.ResponseWriter, r *http.Request) {
		redirectedUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("landed"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	fetched, err := newTestFetcher(t).Fetch(context.Background(), ts.URL+"/start")
	require.NoError(t, err)
	defer os.Remove(fetched.Path)

	data, err := os.ReadFile(fetched.Path)
	require.NoError(t, err)
	assert.Equal(t, "landed", string(data))
	assert.Equal(t, "final.txt", fetched.Filename)
	assert.Equal(t, UserAgent, redirectedUA)
}

func TestFetchCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestFetcher(t).Fetch(ctx, "https://example.com/doc.pdf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFilenameFromResponse(t *testing.T) {
	parsed, err := url.Parse("https://example.com/papers/draft.pdf")
	if err != nil {
		t.Fatal(err)
	}
	rootURL, err := url.Parse("https://example.com/")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		disposition string
		parsed      *url.URL
		want        string
	}{
		{"quoted filename", `attachment; filename="annual report.pdf"`, parsed, "annual report.pdf"},
		{"bare token", `attachment; filename=report.docx`, parsed, "report.docx"},
		{"rfc 5987 encoded", `attachment; filename*=UTF-8''meeting%20notes.md`, parsed, "meeting notes.md"},
		{"path components stripped", `attachment; filename="../../etc/passwd"`, parsed, "passwd"},
		{"windows path stripped", `attachment; filename="C:\docs\budget.xlsx"`, parsed, "budget.xlsx"},
		{"no header falls back to path", "", parsed, "draft.pdf"},
		{"root path falls back to document", "", rootURL, "document"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := filenameFromResponse(tt.disposition, tt.parsed); got != tt.want {
				t.Errorf("filenameFromResponse(%q) = %q, want %q", tt.disposition, got, tt.want)
			}
		})
	}
}

func TestStagingExt(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		contentType string
		want        string
	}{
		{"filename extension wins", "report.PDF", "text/html", ".pdf"},
		{"html content type", "document", "text/html; charset=utf-8", ".html"},
		{"pdf content type", "document", "application/pdf", ".pdf"},
		{"markdown content type", "document", "text/markdown", ".md"},
		{"zip content type", "document", "application/zip", ".zip"},
		{"unknown content type", "document", "application/x-mystery", ""},
		{"no hints at all", "document", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stagingExt(tt.filename, tt.contentType); got != tt.want {
				t.Errorf("stagingExt(%q, %q) = %q, want %q", tt.filename, tt.contentType, got, tt.want)
			}
		})
	}
}

func TestStageTemp(t *testing.T) {
	staged, err := stageTemp([]byte("staged content"), ".txt")
	require.NoError(t, err)
	defer os.Remove(staged)

	assert.True(t, strings.HasSuffix(staged, ".txt"))

	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, "staged content", string(data))
}
