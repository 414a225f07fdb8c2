package convert

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ArchiveConverter lists a zip archive's entries and converts the ones a
// sibling converter accepts, concatenating their Markdown under per-entry
// headings. Nested archives are listed but not descended into.
type ArchiveConverter struct {
	logger   *logrus.Logger
	registry *Registry
}

func NewArchiveConverter(logger *logrus.Logger) *ArchiveConverter {
	return &ArchiveConverter{logger: logger}
}

func (c *ArchiveConverter) Name() string { return "archive" }

func (c *ArchiveConverter) Accepts(ext, contentType string) bool {
	return ext == ".zip" ||
		strings.HasPrefix(contentType, "application/zip") ||
		strings.HasPrefix(contentType, "application/x-zip-compressed")
}

func (c *ArchiveConverter) Extensions() []string { return []string{".zip"} }

func (c *ArchiveConverter) Convert(ctx context.Context, path string) (*Result, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			c.logger.WithError(err).Warn("Failed to close archive")
		}
	}()

	tempDir, err := os.MkdirTemp("", "archive_*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			c.logger.WithError(err).Warn("Failed to clean up temp directory")
		}
	}()

	var sb strings.Builder
	sb.WriteString("# Archive Contents\n")
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		sb.WriteString(fmt.Sprintf("\n- `%s` (%d bytes)", f.Name, f.UncompressedSize64))
	}
	sb.WriteString("\n")

	result := &Result{}
	staged := 0
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(f.Name))
		if ext == ".zip" || c.registry == nil || !c.registry.supports(ext) {
			continue
		}

		data, err := readZipFile(f)
		if err != nil {
			c.logger.WithError(err).WithField("entry", f.Name).Warn("Failed to read archive entry")
			continue
		}

		staged++
		tempPath := filepath.Join(tempDir, fmt.Sprintf("entry_%d%s", staged, ext))
		if err := os.WriteFile(tempPath, data, 0600); err != nil {
			c.logger.WithError(err).WithField("entry", f.Name).Warn("Failed to stage archive entry")
			continue
		}

		inner, err := c.registry.Convert(ctx, tempPath, "")
		if err != nil {
			c.logger.WithError(err).WithField("entry", f.Name).Warn("Failed to convert archive entry")
			continue
		}

		// Page boundaries are meaningless once entries are concatenated.
		markdown := strings.ReplaceAll(inner.Markdown, "\f", "\n\n")
		sb.WriteString(fmt.Sprintf("\n## %s\n\n%s\n", f.Name, strings.TrimRight(markdown, "\n")))
		result.Images = append(result.Images, inner.Images...)
		result.URIs = append(result.URIs, inner.URIs...)
	}

	result.Markdown = CleanMarkdown(sb.String())
	return result, nil
}
