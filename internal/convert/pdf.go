package convert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/sirupsen/logrus"
)

// PDFConverter extracts text, images and link targets from PDFs with
// pdfcpu. Extraction quality depends on the PDF structure; text-based
// documents work well, scanned ones need OCR and are out of scope.
type PDFConverter struct {
	logger *logrus.Logger
}

func NewPDFConverter(logger *logrus.Logger) *PDFConverter {
	return &PDFConverter{logger: logger}
}

func (c *PDFConverter) Name() string { return "pdf" }

func (c *PDFConverter) Accepts(ext, contentType string) bool {
	return ext == ".pdf" || strings.HasPrefix(contentType, "application/pdf")
}

func (c *PDFConverter) Extensions() []string { return []string{".pdf"} }

// Convert extracts every page's text, joined by form feeds so page
// boundaries survive into the page-marker pass. A page that fails text
// extraction becomes an empty page rather than failing the document;
// image and link-target extraction failures are logged and skipped.
func (c *PDFConverter) Convert(ctx context.Context, path string) (*Result, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationStrict

	pageCount, err := api.PageCountFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}

	c.logger.WithField("page_count", pageCount).Debug("PDF page count")

	pages := make([]string, 0, pageCount)
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		content, err := c.extractPageText(path, pageNum, conf)
		if err != nil {
			c.logger.WithError(err).WithField("page", pageNum).Warn("Failed to extract page text")
			pages = append(pages, "")
			continue
		}
		pages = append(pages, content)
	}

	return &Result{
		Markdown: strings.Join(pages, "\f"),
		Images:   c.extractImages(path, conf),
		URIs:     c.extractURIs(path),
		Pages:    pageCount,
	}, nil
}

// extractPageText pulls one page's content stream into a temp directory
// and renders its text operations.
func (c *PDFConverter) extractPageText(path string, pageNum int, conf *model.Configuration) (string, error) {
	tempDir, err := os.MkdirTemp("", "pdftext_*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			c.logger.WithError(err).Warn("Failed to clean up temp directory")
		}
	}()

	selection := []string{strconv.Itoa(pageNum)}
	if err := api.ExtractContentFile(path, tempDir, selection, conf); err != nil {
		return "", fmt.Errorf("failed to extract content: %w", err)
	}

	base := filepath.Base(path)
	baseName := strings.TrimSuffix(base, filepath.Ext(base))
	contentFile := filepath.Join(tempDir, fmt.Sprintf("%s_Content_page_%d.txt", baseName, pageNum))

	raw, err := os.ReadFile(contentFile)
	if err != nil {
		return "", fmt.Errorf("failed to read content file: %w", err)
	}

	return renderPDFText(string(raw)), nil
}

// extractImages pulls embedded images into a temp directory and returns
// their bytes ordered by source page.
func (c *PDFConverter) extractImages(path string, conf *model.Configuration) []Image {
	imageDir, err := os.MkdirTemp("", "pdfimages_*")
	if err != nil {
		c.logger.WithError(err).Warn("Failed to create image temp directory")
		return nil
	}
	defer func() {
		if err := os.RemoveAll(imageDir); err != nil {
			c.logger.WithError(err).Warn("Failed to clean up image temp directory")
		}
	}()

	if err := api.ExtractImagesFile(path, imageDir, nil, conf); err != nil {
		c.logger.WithError(err).Warn("Failed to extract images, continuing without images")
		return nil
	}

	entries, err := os.ReadDir(imageDir)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to list extracted images")
		return nil
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff":
			names = append(names, entry.Name())
		}
	}
	sortImagesByPage(names)

	images := make([]Image, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(imageDir, name))
		if err != nil {
			c.logger.WithError(err).WithField("image", name).Warn("Failed to read extracted image")
			continue
		}
		images = append(images, Image{Data: data, Name: name})
	}

	c.logger.WithField("image_count", len(images)).Debug("Images extracted")
	return images
}

var pageNumPattern = regexp.MustCompile(`_page_(\d+)_`)

// sortImagesByPage orders pdfcpu's extracted image files by the page
// number embedded in their names, then lexically.
func sortImagesByPage(names []string) {
	pageOf := func(name string) int {
		m := pageNumPattern.FindStringSubmatch(name)
		if m == nil {
			return 0
		}
		n, _ := strconv.Atoi(m[1])
		return n
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := pageOf(names[i]), pageOf(names[j])
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
}

// extractURIs scans the raw PDF for /URI action targets. Link annotations
// survive even when text extraction drops the anchor text, so the targets
// are fed to entity linking instead of being discarded.
func (c *PDFConverter) extractURIs(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to read PDF for link targets")
		return nil
	}

	var uris []string
	seen := make(map[string]bool)

	for i := 0; i+4 < len(data); i++ {
		if data[i] != '/' || !bytes.HasPrefix(data[i:], []byte("/URI")) {
			continue
		}

		j := i + 4
		for j < len(data) && (data[j] == ' ' || data[j] == '\n' || data[j] == '\r' || data[j] == '\t') {
			j++
		}
		if j >= len(data) || data[j] != '(' {
			continue
		}

		uri, end := parseParenLiteral(data, j)
		i = end

		uri = strings.TrimSpace(uri)
		if uri == "" || seen[uri] {
			continue
		}
		seen[uri] = true
		uris = append(uris, uri)
	}

	if len(uris) > 0 {
		c.logger.WithField("uri_count", len(uris)).Debug("Recovered link targets from PDF annotations")
	}
	return uris
}

// parseParenLiteral reads a PDF paren string starting at data[open] == '(',
// honouring escapes and nested parens. It returns the unescaped text and
// the index of the closing paren.
func parseParenLiteral(data []byte, open int) (string, int) {
	var sb strings.Builder
	depth := 1

	i := open + 1
	for i < len(data) {
		ch := data[i]

		if ch == '\\' && i+1 < len(data) {
			next := data[i+1]
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(next)
			}
			i += 2
			continue
		}

		switch ch {
		case '(':
			depth++
			sb.WriteByte(ch)
		case ')':
			depth--
			if depth == 0 {
				return sb.String(), i
			}
			sb.WriteByte(ch)
		default:
			sb.WriteByte(ch)
		}
		i++
	}

	return sb.String(), i
}

// renderPDFText turns one page's raw content stream into readable prose.
func renderPDFText(content string) string {
	if content == "" {
		return ""
	}

	texts := textShowOperands(content)
	if len(texts) == 0 {
		return readableLines(content)
	}

	return cleanupExtractedText(strings.Join(texts, " "))
}

// textShowOperands extracts the string operands of text show operations
// (Tj, TJ, ', ") from a content stream.
func textShowOperands(content string) []string {
	var texts []string

	for line := range strings.SplitSeq(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !strings.Contains(line, " Tj") && !strings.Contains(line, " TJ") &&
			!strings.Contains(line, "' ") && !strings.Contains(line, "\" ") {
			continue
		}

		texts = append(texts, parenOperands(line)...)
	}

	return texts
}

// parenOperands pulls the (...) string operands out of one operation line,
// unescaping the common PDF escapes.
func parenOperands(operation string) []string {
	var texts []string
	inText := false
	start := -1

	for i, char := range operation {
		if char == '(' && (i == 0 || operation[i-1] != '\\') {
			inText = true
			start = i + 1
		} else if char == ')' && inText && (i == 0 || operation[i-1] != '\\') {
			if start != -1 && start < i {
				text := operation[start:i]
				text = strings.ReplaceAll(text, "\\(", "(")
				text = strings.ReplaceAll(text, "\\)", ")")
				text = strings.ReplaceAll(text, "\\\\", "\\")
				text = strings.ReplaceAll(text, "\\n", "\n")
				text = strings.ReplaceAll(text, "\\r", "\r")
				text = strings.ReplaceAll(text, "\\t", "\t")

				if strings.TrimSpace(text) != "" {
					texts = append(texts, text)
				}
			}
			inText = false
			start = -1
		}
	}

	return texts
}

// readableLines salvages whatever looks like prose from a content stream
// with no recognisable text operations.
func readableLines(content string) string {
	var kept []string

	for line := range strings.SplitSeq(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isPDFCommand(line) || !isReadableText(line) {
			continue
		}
		kept = append(kept, line)
	}

	return strings.Join(kept, " ")
}

var pdfOperators = []string{
	"BT", "ET", "Tf", "Td", "TD", "Tm", "T*", "Tj", "TJ", "'", "\"",
	"q", "Q", "cm", "w", "J", "j", "M", "d", "ri", "i", "gs",
	"CS", "cs", "SC", "SCN", "sc", "scn", "G", "g", "RG", "rg", "K", "k",
	"m", "l", "c", "v", "y", "h", "re", "S", "s", "f", "F", "f*", "B", "B*", "b", "b*", "n",
	"W", "W*", "BX", "EX", "MP", "DP", "BMC", "BDC", "EMC",
}

// isPDFCommand reports whether a line is a content-stream operator rather
// than text.
func isPDFCommand(line string) bool {
	words := strings.Fields(line)
	if len(words) == 0 {
		return false
	}

	if slices.Contains(pdfOperators, words[len(words)-1]) {
		return true
	}

	// Mostly-numeric lines are coordinates and operands.
	nonNumeric := 0
	for _, word := range words {
		if _, err := strconv.ParseFloat(word, 64); err != nil {
			nonNumeric++
		}
	}
	return float64(nonNumeric)/float64(len(words)) < 0.3
}

// isReadableText reports whether a line carries enough alphabetic content
// to be prose.
func isReadableText(line string) bool {
	if len(line) < 2 {
		return false
	}

	alpha := 0
	for _, char := range line {
		if (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') {
			alpha++
		}
	}
	return float64(alpha)/float64(len(line)) >= 0.3
}

// cleanupExtractedText tidies joined text operands into prose.
func cleanupExtractedText(text string) string {
	text = strings.TrimSpace(text)
	text = processOctalEscapes(text)
	text = removeBinaryCharacters(text)

	for strings.Contains(text, "  ") {
		text = strings.ReplaceAll(text, "  ", " ")
	}

	text = strings.ReplaceAll(text, " .", ".")
	text = strings.ReplaceAll(text, " ,", ",")
	text = strings.ReplaceAll(text, " !", "!")
	text = strings.ReplaceAll(text, " ?", "?")

	return text
}

// processOctalEscapes converts the octal escapes common in PDF text to
// their characters and drops the rest.
func processOctalEscapes(text string) string {
	replacements := map[string]string{
		"\\037": "",   // unit separator
		"\\260": "°",
		"\\256": "®",
		"\\251": "©",
		"\\231": "'",
		"\\221": "'",
		"\\223": "\"",
		"\\224": "\"",
		"\\226": "–",
		"\\227": "—",
		"\\240": " ", // non-breaking space
		"\\012": "\n",
		"\\015": "\r",
		"\\011": "\t",
	}

	for octal, replacement := range replacements {
		text = strings.ReplaceAll(text, octal, replacement)
	}

	// Drop any remaining 3-digit octal sequences.
	result := strings.Builder{}
	i := 0
	for i < len(text) {
		if i < len(text)-3 && text[i] == '\\' &&
			text[i+1] >= '0' && text[i+1] <= '7' &&
			text[i+2] >= '0' && text[i+2] <= '7' &&
			text[i+3] >= '0' && text[i+3] <= '7' {
			i += 4
		} else {
			result.WriteByte(text[i])
			i++
		}
	}

	return result.String()
}

// removeBinaryCharacters keeps printable and common Unicode characters,
// mapping stray control characters to spaces.
func removeBinaryCharacters(text string) string {
	result := strings.Builder{}

	for _, char := range text {
		if (char >= 32 && char <= 126) ||
			char == '\n' || char == '\r' || char == '\t' ||
			(char >= 160 && char <= 255) ||
			(char >= 0x2000 && char <= 0x206F) {
			result.WriteRune(char)
		} else if char < 32 {
			result.WriteRune(' ')
		}
	}

	return result.String()
}
