package links

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// Document is the unit of text handed to span extractors.
type Document struct {
	Markdown string
	Native   []Span // spans recovered by the format converter, if any
}

// SourceExtractor finds hyperlink spans in a converted document. Extractors
// run in order with their results accumulated; one failing is logged and
// skipped so span discovery never blocks a conversion.
type SourceExtractor interface {
	Name() string
	Extract(doc *Document) ([]Span, error)
}

// DefaultExtractors returns the standard chain, strongest source first.
func DefaultExtractors() []SourceExtractor {
	return []SourceExtractor{
		&NativeExtractor{},
		&URLExtractor{},
		&WWWExtractor{},
		&EmailExtractor{},
	}
}

// ExtractSpans runs every extractor over the document and accumulates the
// spans they find.
func ExtractSpans(logger *logrus.Logger, doc *Document, extractors []SourceExtractor) []Span {
	var spans []Span
	for _, extractor := range extractors {
		found, err := extractor.Extract(doc)
		if err != nil {
			logger.WithError(err).WithField("extractor", extractor.Name()).Warn("Span extraction failed, skipping extractor")
			continue
		}
		spans = append(spans, found...)
	}
	return spans
}

// NativeExtractor passes through converter-supplied spans, dropping any
// with offsets that no longer fit the text.
type NativeExtractor struct{}

func (e *NativeExtractor) Name() string { return "native" }

func (e *NativeExtractor) Extract(doc *Document) ([]Span, error) {
	spans := make([]Span, 0, len(doc.Native))
	for _, span := range doc.Native {
		if validSpan(doc.Markdown, span) {
			spans = append(spans, span)
		}
	}
	return spans, nil
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>\[\]()]+`)

// URLExtractor finds bare http(s) URLs in the text.
type URLExtractor struct{}

func (e *URLExtractor) Name() string { return "url" }

func (e *URLExtractor) Extract(doc *Document) ([]Span, error) {
	var spans []Span
	for _, loc := range urlPattern.FindAllStringIndex(doc.Markdown, -1) {
		start, end := loc[0], trimTrailingPunct(doc.Markdown, loc[0], loc[1])
		if end <= start {
			continue
		}
		spans = append(spans, Span{Start: start, End: end, URL: doc.Markdown[start:end]})
	}
	return spans, nil
}

var wwwPattern = regexp.MustCompile(`\bwww\.[^\s<>\[\]()]+`)

// WWWExtractor finds scheme-less www hosts and links them over https.
type WWWExtractor struct{}

func (e *WWWExtractor) Name() string { return "www" }

func (e *WWWExtractor) Extract(doc *Document) ([]Span, error) {
	var spans []Span
	for _, loc := range wwwPattern.FindAllStringIndex(doc.Markdown, -1) {
		start, end := loc[0], trimTrailingPunct(doc.Markdown, loc[0], loc[1])
		if end <= start {
			continue
		}
		spans = append(spans, Span{Start: start, End: end, URL: "https://" + doc.Markdown[start:end]})
	}
	return spans, nil
}

var emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

// EmailExtractor finds plain addresses and links them as mailto targets.
type EmailExtractor struct{}

func (e *EmailExtractor) Name() string { return "email" }

func (e *EmailExtractor) Extract(doc *Document) ([]Span, error) {
	var spans []Span
	for _, loc := range emailPattern.FindAllStringIndex(doc.Markdown, -1) {
		spans = append(spans, Span{
			Start: loc[0],
			End:   loc[1],
			URL:   "mailto:" + doc.Markdown[loc[0]:loc[1]],
		})
	}
	return spans, nil
}

// trimTrailingPunct backs a span end off sentence punctuation the pattern
// swallowed.
func trimTrailingPunct(text string, start, end int) int {
	for end > start && strings.ContainsRune(`.,;:!?'"`, rune(text[end-1])) {
		end--
	}
	return end
}
