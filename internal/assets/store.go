// Package assets persists extracted binary assets under per-document
// namespaces and composes the public URLs they are served from.
package assets

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	// Register decoders for dimension sniffing.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"
)

const fallbackBaseName = "document"

// Asset describes one persisted image.
type Asset struct {
	Namespace string `json:"namespace"`
	Filename  string `json:"filename"`
	URL       string `json:"url"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Size      int64  `json:"size"`
}

// NamespaceInfo summarises one namespace directory for retention scans.
type NamespaceInfo struct {
	Name      string
	LastWrite time.Time
	Size      int64
}

// PersistenceError indicates the store failed to write an asset. It is fatal
// for the conversion that triggered it.
type PersistenceError struct {
	Namespace string
	Filename  string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist asset %s/%s: %v", e.Namespace, e.Filename, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store writes assets below a root directory, one subdirectory per namespace.
type Store struct {
	root    string
	baseURL string
	logger  *logrus.Logger
}

// NewStore creates a store rooted at root. baseURL is the public prefix used
// for URL composition; a trailing slash is trimmed.
func NewStore(root, baseURL string, logger *logrus.Logger) *Store {
	return &Store{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// NewNamespace mints a collision-resistant namespace for a document. The
// document's base name is sanitised and an opaque suffix appended so two
// concurrent conversions of files with the same name never share a folder.
func (s *Store) NewNamespace(sourceName string) string {
	base := sanitizeBaseName(sourceName)
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return base + "_" + suffix
}

// sanitizeBaseName reduces a document filename to a safe folder prefix:
// NFC-normalised, letters/digits/space/hyphen/underscore only, lowercased,
// spaces and hyphens folded to underscores.
func sanitizeBaseName(sourceName string) string {
	stem := filepath.Base(sourceName)
	stem = strings.TrimSuffix(stem, filepath.Ext(stem))
	stem = norm.NFC.String(stem)

	var b strings.Builder
	for _, r := range stem {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}

	safe := strings.TrimSpace(b.String())
	safe = strings.ToLower(safe)
	safe = strings.ReplaceAll(safe, " ", "_")
	safe = strings.ReplaceAll(safe, "-", "_")

	if safe == "" {
		return fallbackBaseName
	}
	return safe
}

// Put writes data into the namespace under a collision-resolved filename and
// returns the persisted asset. Existing files are never overwritten: on a
// name collision a numeric suffix is appended (name.png, name_1.png, ...).
func (s *Store) Put(namespace string, data []byte, suggestedName string) (*Asset, error) {
	if err := validateSegment(namespace); err != nil {
		return nil, &PersistenceError{Namespace: namespace, Filename: suggestedName, Err: err}
	}

	dir := filepath.Join(s.root, namespace)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, &PersistenceError{Namespace: namespace, Filename: suggestedName, Err: err}
	}

	filename := sanitizeFilename(suggestedName)
	file, filename, err := createUnique(dir, filename)
	if err != nil {
		return nil, &PersistenceError{Namespace: namespace, Filename: filename, Err: err}
	}

	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(filepath.Join(dir, filename))
		return nil, &PersistenceError{Namespace: namespace, Filename: filename, Err: err}
	}
	if err := file.Close(); err != nil {
		return nil, &PersistenceError{Namespace: namespace, Filename: filename, Err: err}
	}

	width, height := decodeDimensions(data)

	s.logger.WithFields(logrus.Fields{
		"namespace": namespace,
		"filename":  filename,
		"size":      len(data),
	}).Debug("Asset persisted")

	return &Asset{
		Namespace: namespace,
		Filename:  filename,
		URL:       s.ResolveURL(namespace, filename),
		Width:     width,
		Height:    height,
		Size:      int64(len(data)),
	}, nil
}

// createUnique opens a new file in dir, appending _1, _2, ... to the stem
// until an unused name is found. O_EXCL keeps concurrent writers from
// clobbering each other.
func createUnique(dir, filename string) (*os.File, string, error) {
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)

	candidate := filename
	for i := 0; ; i++ {
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		file, err := os.OpenFile(filepath.Join(dir, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			return file, candidate, nil
		}
		if !os.IsExist(err) {
			return nil, candidate, err
		}
	}
}

// sanitizeFilename strips any path components from a suggested name.
func sanitizeFilename(suggestedName string) string {
	name := filepath.Base(strings.ReplaceAll(suggestedName, "\\", "/"))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "image.png"
	}
	return name
}

// decodeDimensions reads image dimensions from the encoded bytes, returning
// zeros for formats the registered decoders don't understand.
func decodeDimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

// ResolveURL composes the public URL for an asset. It is pure string
// composition and performs no storage access.
func (s *Store) ResolveURL(namespace, filename string) string {
	return fmt.Sprintf("%s/images/%s/%s", s.baseURL, namespace, filename)
}

// ListNamespaces returns every namespace directory with its last-write time
// and total size. Entries that disappear mid-scan are skipped.
func (s *Store) ListNamespaces() ([]NamespaceInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read images directory %s: %w", s.root, err)
	}

	var namespaces []NamespaceInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		info, err := s.statNamespace(entry.Name())
		if err != nil {
			s.logger.WithError(err).WithField("namespace", entry.Name()).Warn("Failed to stat namespace, skipping")
			continue
		}
		namespaces = append(namespaces, info)
	}

	return namespaces, nil
}

// statNamespace computes a namespace's last-write time (the newest mtime of
// the directory and its files) and total size. Age is measured from last
// write, not creation, so a namespace still being filled never looks stale.
func (s *Store) statNamespace(name string) (NamespaceInfo, error) {
	dir := filepath.Join(s.root, name)

	dirInfo, err := os.Stat(dir)
	if err != nil {
		return NamespaceInfo{}, err
	}

	info := NamespaceInfo{
		Name:      name,
		LastWrite: dirInfo.ModTime(),
	}

	err = filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil // skip entries we can't access
		}
		if fi.ModTime().After(info.LastWrite) {
			info.LastWrite = fi.ModTime()
		}
		if !fi.IsDir() {
			info.Size += fi.Size()
		}
		return nil
	})
	if err != nil {
		return NamespaceInfo{}, err
	}

	return info, nil
}

// DeleteNamespace removes a namespace directory and returns the bytes freed.
func (s *Store) DeleteNamespace(name string) (int64, error) {
	if err := validateSegment(name); err != nil {
		return 0, err
	}

	info, err := s.statNamespace(name)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to stat namespace %s: %w", name, err)
	}

	if err := os.RemoveAll(filepath.Join(s.root, name)); err != nil {
		return 0, fmt.Errorf("failed to delete namespace %s: %w", name, err)
	}

	s.logger.WithFields(logrus.Fields{
		"namespace":   name,
		"bytes_freed": info.Size,
	}).Debug("Namespace deleted")

	return info.Size, nil
}

// validateSegment rejects names that could escape the store root.
func validateSegment(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid name %q", name)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("name %q must not contain path separators", name)
	}
	return nil
}
