// Package pipeline runs the conversion sequence: obtain the source
// document, convert it to Markdown, resolve hyperlinks, commit extracted
// images to the asset store, and place image references.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/YorkUITInnovation/markitdown-api/internal/assets"
	"github.com/YorkUITInnovation/markitdown-api/internal/config"
	"github.com/YorkUITInnovation/markitdown-api/internal/convert"
	"github.com/YorkUITInnovation/markitdown-api/internal/links"
	"github.com/YorkUITInnovation/markitdown-api/internal/placement"
)

// Document is a finished conversion. Images carry the metadata of every
// asset actually written; Partial reports that at least one extracted
// image could not be persisted and was left out.
type Document struct {
	Markdown  string         `json:"markdown"`
	Source    string         `json:"source"`
	Format    string         `json:"format"`
	Namespace string         `json:"namespace,omitempty"`
	Images    []assets.Asset `json:"images,omitempty"`
	Links     int            `json:"links_resolved"`
	Pages     int            `json:"pages,omitempty"`
	Partial   bool           `json:"partial,omitempty"`
}

// Orchestrator coordinates the conversion stages. Conversion failures are
// fatal; link resolution degrades to plain text; a single image that fails
// to persist is skipped, logged and flagged.
type Orchestrator struct {
	logger    *logrus.Logger
	fetcher   *Fetcher
	registry  *convert.Registry
	store     *assets.Store
	knowledge *links.KnowledgeBase
}

func New(cfg *config.Config, store *assets.Store, knowledge *links.KnowledgeBase, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		logger:    logger,
		fetcher:   NewFetcher(cfg, logger),
		registry:  convert.NewRegistry(logger),
		store:     store,
		knowledge: knowledge,
	}
}

// IsRemote reports whether a source names a URL rather than a local path.
func IsRemote(source string) bool {
	return strings.HasPrefix(source, "http://") ||
		strings.HasPrefix(source, "https://") ||
		strings.HasPrefix(source, "www.")
}

// ConvertSource converts a URL or a file already on local disk.
func (o *Orchestrator) ConvertSource(ctx context.Context, source string, createPages bool) (*Document, error) {
	if IsRemote(source) {
		return o.ConvertURL(ctx, source, createPages)
	}
	return o.ConvertFile(ctx, source, createPages)
}

// ConvertFile converts a document on local disk.
func (o *Orchestrator) ConvertFile(ctx context.Context, path string, createPages bool) (*Document, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &SourceFetchError{Source: path, Err: err}
	}
	return o.run(ctx, path, filepath.Base(path), "", createPages)
}

// ConvertURL downloads a remote document and converts it.
func (o *Orchestrator) ConvertURL(ctx context.Context, source string, createPages bool) (*Document, error) {
	fetched, err := o.fetcher.Fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(fetched.Path); err != nil {
			o.logger.WithError(err).Warn("Failed to remove staged download")
		}
	}()

	return o.run(ctx, fetched.Path, fetched.Filename, fetched.ContentType, createPages)
}

// ConvertUpload stages an uploaded file and converts it.
func (o *Orchestrator) ConvertUpload(ctx context.Context, filename string, data []byte, contentType string, createPages bool) (*Document, error) {
	staged, err := stageTemp(data, strings.ToLower(filepath.Ext(filename)))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(staged); err != nil {
			o.logger.WithError(err).Warn("Failed to remove staged upload")
		}
	}()

	return o.run(ctx, staged, filename, contentType, createPages)
}

func (o *Orchestrator) run(ctx context.Context, path, sourceName, contentType string, createPages bool) (*Document, error) {
	start := time.Now()

	result, err := o.registry.Convert(ctx, path, contentType)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	markdown := result.Markdown

	// Heading promotion rewrites lines, so it only runs when the converter
	// produced no positioned spans whose offsets it would invalidate.
	if len(result.Links) == 0 && (result.Format == "office" || result.Format == "text") {
		markdown = placement.PromoteHeadings(markdown)
	}

	knowledge := o.knowledge.WithDocumentURIs(result.URIs)
	spans := links.ExtractSpans(o.logger, &links.Document{Markdown: markdown, Native: result.Links}, links.DefaultExtractors())
	markdown, applied := links.Resolve(markdown, spans, knowledge)

	if createPages {
		markdown = placement.InsertPageMarkers(markdown, result.Format == "pdf")
	} else {
		markdown = strings.ReplaceAll(markdown, "\f", "\n\n")
	}

	doc := &Document{
		Source: sourceName,
		Format: result.Format,
		Pages:  result.Pages,
		Links:  applied,
	}

	var placed []placement.Image
	if len(result.Images) > 0 {
		doc.Namespace = o.store.NewNamespace(sourceName)
		for _, img := range result.Images {
			asset, err := o.store.Put(doc.Namespace, img.Data, img.Name)
			if err != nil {
				o.logger.WithError(err).WithFields(logrus.Fields{
					"namespace": doc.Namespace,
					"image":     img.Name,
				}).Warn("Failed to persist image, continuing without it")
				doc.Partial = true
				continue
			}
			doc.Images = append(doc.Images, *asset)
			placed = append(placed, placement.Image{Name: asset.Filename, URL: asset.URL})
		}
	}

	doc.Markdown = placement.Place(markdown, placed)

	o.logger.WithFields(logrus.Fields{
		"source":   sourceName,
		"format":   doc.Format,
		"images":   len(doc.Images),
		"links":    applied,
		"partial":  doc.Partial,
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}).Info("Document converted")

	return doc, nil
}
