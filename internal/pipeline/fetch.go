package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/YorkUITInnovation/markitdown-api/internal/config"
	"github.com/YorkUITInnovation/markitdown-api/internal/utils/httpclient"
)

// UserAgent identifies the service to origin servers.
const UserAgent = "markitdown-api-fetch/1.2 (Document Conversion Service)"

// Outbound politeness limit shared by all conversion requests.
const (
	fetchRate  = rate.Limit(2)
	fetchBurst = 4
)

// SourceFetchError reports that the source document could not be obtained.
// It maps to a client error, unlike conversion failures.
type SourceFetchError struct {
	Source string
	Err    error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("failed to fetch source %s: %v", e.Source, e.Err)
}

func (e *SourceFetchError) Unwrap() error {
	return e.Err
}

// FetchedSource is a downloaded document staged on local disk. The caller
// removes Path when done.
type FetchedSource struct {
	Path        string
	Filename    string
	ContentType string
	Size        int64
}

// Fetcher downloads remote source documents with a shared rate limit and
// a size cap matching the upload limit.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	logger    *logrus.Logger
	maxBytes  int64
	userAgent string
}

func NewFetcher(cfg *config.Config, logger *logrus.Logger) *Fetcher {
	client := httpclient.New(time.Duration(cfg.FetchTimeout)*time.Second, logger)
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects")
		}
		// Preserve User-Agent on redirects
		req.Header.Set("User-Agent", UserAgent)
		return nil
	}

	return &Fetcher{
		client:    client,
		limiter:   rate.NewLimiter(fetchRate, fetchBurst),
		logger:    logger,
		maxBytes:  cfg.MaxUploadBytes(),
		userAgent: UserAgent,
	}
}

// Fetch downloads source and stages it in a temp file that keeps the
// original extension, which converter dispatch relies on.
func (f *Fetcher) Fetch(ctx context.Context, source string) (*FetchedSource, error) {
	parsed, err := url.Parse(strings.TrimSpace(source))
	if err != nil {
		return nil, &SourceFetchError{Source: source, Err: err}
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, &SourceFetchError{Source: source, Err: fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)}
	}
	target := parsed.String()

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, &SourceFetchError{Source: source, Err: err}
	}

	f.logger.WithField("url", target).Debug("Fetching source document")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &SourceFetchError{Source: source, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-GB,en;q=0.5")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &SourceFetchError{Source: source, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			f.logger.WithError(err).Warn("Failed to close response body")
		}
	}()

	if resp.StatusCode >= 400 {
		return nil, &SourceFetchError{Source: source, Err: fmt.Errorf("HTTP error %d: %s", resp.StatusCode, resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &SourceFetchError{Source: source, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	if int64(len(body)) > f.maxBytes {
		return nil, &SourceFetchError{Source: source, Err: fmt.Errorf("source exceeds the %d byte limit", f.maxBytes)}
	}

	// Setting Accept-Encoding disables the transport's transparent
	// decompression, so gzip bodies arrive raw.
	if resp.Header.Get("Content-Encoding") == "gzip" && isGzip(body) {
		decompressed, err := decompressGzip(body)
		if err != nil {
			f.logger.WithError(err).Warn("Failed to decompress gzip content, using raw body")
		} else {
			body = decompressed
		}
	}

	// resp.Request.URL is the final URL after redirects, which is the one
	// that actually names the document.
	contentType := resp.Header.Get("Content-Type")
	filename := filenameFromResponse(resp.Header.Get("Content-Disposition"), resp.Request.URL)

	staged, err := stageTemp(body, stagingExt(filename, contentType))
	if err != nil {
		return nil, &SourceFetchError{Source: source, Err: err}
	}

	f.logger.WithFields(logrus.Fields{
		"url":          target,
		"filename":     filename,
		"content_type": contentType,
		"size":         len(body),
	}).Debug("Source document staged")

	return &FetchedSource{
		Path:        staged,
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(body)),
	}, nil
}

var contentDispositionPattern = regexp.MustCompile(`filename\*?=([^;]+)`)

// filenameFromResponse derives the document's filename from the
// Content-Disposition header, falling back to the URL path, then to
// "document".
func filenameFromResponse(disposition string, parsed *url.URL) string {
	if disposition != "" {
		if m := contentDispositionPattern.FindStringSubmatch(disposition); m != nil {
			name := strings.Trim(strings.TrimSpace(m[1]), `"'`)
			// RFC 5987 form: filename*=UTF-8''percent-encoded-name
			if idx := strings.LastIndex(name, "''"); idx != -1 {
				name = name[idx+2:]
			}
			if decoded, err := url.QueryUnescape(name); err == nil {
				name = decoded
			}
			name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
			if name != "" && name != "." && name != ".." && name != "/" {
				return name
			}
		}
	}

	if base := path.Base(parsed.Path); base != "" && base != "." && base != "/" {
		return base
	}
	return "document"
}

// stagingExt picks the staged file's extension: the filename's own, or
// one derived from the content type.
func stagingExt(filename, contentType string) string {
	if ext := filepath.Ext(filename); ext != "" {
		return strings.ToLower(ext)
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch mediaType {
	case "text/html":
		return ".html"
	case "text/plain":
		return ".txt"
	case "text/markdown":
		return ".md"
	case "text/csv":
		return ".csv"
	case "application/pdf":
		return ".pdf"
	case "application/json":
		return ".json"
	case "application/zip":
		return ".zip"
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// stageTemp writes data to a temp file whose name keeps the given
// extension.
func stageTemp(data []byte, ext string) (string, error) {
	file, err := os.CreateTemp("", "markitdown_*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	staged := file.Name()

	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(staged)
		return "", fmt.Errorf("failed to stage document: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(staged)
		return "", fmt.Errorf("failed to stage document: %w", err)
	}
	return staged, nil
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

func decompressGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress gzip data: %w", err)
	}
	return decompressed, nil
}
