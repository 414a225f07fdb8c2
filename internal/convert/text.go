package convert

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

var textExts = map[string]bool{
	".md": true, ".markdown": true, ".txt": true, ".text": true,
	".csv": true, ".tsv": true, ".json": true, ".xml": true, ".log": true,
}

// TextConverter handles formats that are already text. Markdown and plain
// text pass through cleanup, delimited files become Markdown tables, and
// structured formats become fenced code blocks.
type TextConverter struct {
	logger *logrus.Logger
}

func NewTextConverter(logger *logrus.Logger) *TextConverter {
	return &TextConverter{logger: logger}
}

func (c *TextConverter) Name() string { return "text" }

func (c *TextConverter) Accepts(ext, contentType string) bool {
	return textExts[ext] ||
		strings.HasPrefix(contentType, "text/") ||
		strings.HasPrefix(contentType, "application/json") ||
		strings.HasPrefix(contentType, "application/xml")
}

func (c *TextConverter) Extensions() []string { return sortedExts(textExts) }

func (c *TextConverter) Convert(ctx context.Context, path string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var markdown string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		markdown = c.delimitedTable(data, ',')
	case ".tsv":
		markdown = c.delimitedTable(data, '\t')
	case ".json":
		markdown = fencedBlock("json", prettyJSON(data))
	case ".xml":
		markdown = fencedBlock("xml", string(data))
	default:
		markdown = string(data)
	}

	return &Result{Markdown: CleanMarkdown(markdown)}, nil
}

// delimitedTable parses delimiter-separated values into a Markdown table,
// falling back to plain text when the rows do not parse.
func (c *TextConverter) delimitedTable(data []byte, delim rune) string {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	rows, err := r.ReadAll()
	if err != nil {
		c.logger.WithError(err).Warn("Failed to parse delimited file, keeping it as plain text")
		return string(data)
	}
	return markdownTable(rows)
}

func prettyJSON(data []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data)
	}
	return buf.String()
}

func fencedBlock(lang, content string) string {
	return "```" + lang + "\n" + strings.TrimRight(content, "\n") + "\n```"
}
