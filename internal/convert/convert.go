// Package convert turns source documents into Markdown together with their
// extracted images and hyperlink spans.
package convert

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/YorkUITInnovation/markitdown-api/internal/links"
)

// Image is one extracted image, not yet persisted. The asset store
// sanitises the suggested name and decodes dimensions on write.
type Image struct {
	Data []byte
	Name string
}

// Result is a converted document. Link spans index into Markdown; URIs
// carry link targets recovered from document metadata that have no
// position in the text.
type Result struct {
	Markdown string
	Images   []Image
	Links    []links.Span
	URIs     []string
	Pages    int
	Format   string // converter name, set by the registry
}

// UnsupportedFormatError reports a source no converter accepts.
type UnsupportedFormatError struct {
	Ext         string
	ContentType string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Ext == "" {
		return fmt.Sprintf("unsupported format: content type %q", e.ContentType)
	}
	return fmt.Sprintf("unsupported format: %s", e.Ext)
}

// Converter turns one family of source formats into Markdown.
type Converter interface {
	Name() string
	Accepts(ext, contentType string) bool
	Extensions() []string
	Convert(ctx context.Context, path string) (*Result, error)
}

// Format describes one converter for listings.
type Format struct {
	Name       string   `json:"name"`
	Extensions []string `json:"extensions"`
}

// Registry dispatches documents to the first converter that accepts them.
type Registry struct {
	logger     *logrus.Logger
	converters []Converter
}

// NewRegistry assembles the default converter chain. The archive converter
// gets a reference back to the registry so it can convert archive entries.
func NewRegistry(logger *logrus.Logger) *Registry {
	reg := &Registry{logger: logger}
	archive := NewArchiveConverter(logger)
	reg.converters = []Converter{
		NewPDFConverter(logger),
		NewHTMLConverter(logger),
		NewOfficeConverter(logger),
		archive,
		NewTextConverter(logger),
	}
	archive.registry = reg
	return reg
}

// supports reports whether any converter accepts the extension.
func (r *Registry) supports(ext string) bool {
	for _, c := range r.converters {
		if c.Accepts(ext, "") {
			return true
		}
	}
	return false
}

// Formats lists the converters in dispatch order with the extensions they
// claim. Content-type-only matches are not represented here.
func (r *Registry) Formats() []Format {
	formats := make([]Format, 0, len(r.converters))
	for _, c := range r.converters {
		formats = append(formats, Format{Name: c.Name(), Extensions: c.Extensions()})
	}
	return formats
}

func sortedExts(exts map[string]bool) []string {
	out := make([]string, 0, len(exts))
	for ext := range exts {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Convert runs path through the first converter accepting its extension or
// content type. Callers must hand over paths whose extension reflects the
// real format; uploads and downloads are staged with their original
// extension for this reason.
func (r *Registry) Convert(ctx context.Context, path, contentType string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(path))

	for _, c := range r.converters {
		if !c.Accepts(ext, contentType) {
			continue
		}

		r.logger.WithFields(logrus.Fields{
			"converter": c.Name(),
			"ext":       ext,
		}).Debug("Converting document")

		result, err := c.Convert(ctx, path)
		if err != nil {
			return nil, err
		}
		result.Format = c.Name()
		return result, nil
	}

	return nil, &UnsupportedFormatError{Ext: ext, ContentType: contentType}
}
