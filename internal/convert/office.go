package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/YorkUITInnovation/markitdown-api/internal/links"
)

// Office document XML namespaces.
const (
	wordNS    = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"
	drawNS    = "http://schemas.openxmlformats.org/drawingml/2006/main"
	presNS    = "http://schemas.openxmlformats.org/presentationml/2006/main"
	sheetNS   = "http://schemas.openxmlformats.org/spreadsheetml/2006/main"
	relAttrNS = "http://schemas.openxmlformats.org/officeDocument/2006/relationships"
	odfTextNS = "urn:oasis:names:tc:opendocument:xmlns:text:1.0"
	xlinkNS   = "http://www.w3.org/1999/xlink"
)

// maxZipEntryBytes bounds a single decompressed archive entry so a zip
// bomb cannot exhaust memory.
const maxZipEntryBytes = 100 << 20

var officeExts = map[string]bool{
	".docx": true, ".pptx": true, ".xlsx": true,
	".odt": true, ".odp": true, ".ods": true,
}

// OfficeConverter reads OOXML and OpenDocument files directly from their
// zip containers. Word and OpenDocument text yield paragraphs, headings
// and positioned hyperlink spans; presentations yield one page per slide;
// workbooks yield one Markdown table per sheet.
type OfficeConverter struct {
	logger *logrus.Logger
}

func NewOfficeConverter(logger *logrus.Logger) *OfficeConverter {
	return &OfficeConverter{logger: logger}
}

func (c *OfficeConverter) Name() string { return "office" }

func (c *OfficeConverter) Accepts(ext, contentType string) bool {
	return officeExts[ext] ||
		strings.HasPrefix(contentType, "application/vnd.openxmlformats") ||
		strings.HasPrefix(contentType, "application/vnd.oasis.opendocument")
}

func (c *OfficeConverter) Extensions() []string { return sortedExts(officeExts) }

// Convert probes the zip structure rather than trusting the extension, so
// a misnamed upload still lands on the right branch.
func (c *OfficeConverter) Convert(ctx context.Context, path string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document container: %w", err)
	}
	defer func() {
		if err := zr.Close(); err != nil {
			c.logger.WithError(err).Warn("Failed to close document container")
		}
	}()
	r := &zr.Reader

	result := &Result{}
	switch {
	case findZipFile(r, "word/document.xml") != nil:
		result.Markdown, result.Links, err = c.convertWord(r)
	case findZipFile(r, "xl/workbook.xml") != nil:
		result.Markdown, err = c.convertWorkbook(r)
	case hasSlides(r):
		result.Markdown, result.Pages, err = c.convertSlides(r)
	case findZipFile(r, "content.xml") != nil:
		result.Markdown, result.Links, err = c.convertOpenDocument(r)
	default:
		return nil, errors.New("unrecognised document structure")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to convert document: %w", err)
	}

	result.Images = c.mediaImages(r)
	return result, nil
}

// paraSpan is a hyperlink span local to one paragraph. flush rebases it
// onto the document.
type paraSpan struct {
	start, end int
	url        string
}

type paragraph struct {
	text  strings.Builder
	level int
	spans []paraSpan
}

// markdownBuilder accumulates flushed paragraphs, separated by blank
// lines, and rebases their hyperlink spans onto document offsets.
type markdownBuilder struct {
	sb    strings.Builder
	spans []links.Span
}

func (b *markdownBuilder) flush(p *paragraph) {
	text := p.text.String()
	if strings.TrimSpace(text) == "" {
		return
	}

	prefix := ""
	if p.level > 0 {
		prefix = strings.Repeat("#", p.level) + " "
	}
	if b.sb.Len() > 0 {
		b.sb.WriteString("\n\n")
	}

	base := b.sb.Len() + len(prefix)
	b.sb.WriteString(prefix)
	b.sb.WriteString(text)

	for _, s := range p.spans {
		if s.end > s.start && s.url != "" {
			b.spans = append(b.spans, links.Span{Start: base + s.start, End: base + s.end, URL: s.url})
		}
	}
}

// convertWord walks word/document.xml. Heading styles map to Markdown
// headings, hyperlink runs to spans over their rendered text.
func (c *OfficeConverter) convertWord(r *zip.Reader) (string, []links.Span, error) {
	data, err := readZipPath(r, "word/document.xml")
	if err != nil {
		return "", nil, err
	}
	targets := c.externalTargets(r, "word/_rels/document.xml.rels")

	var (
		b         markdownBuilder
		para      *paragraph
		inText    bool
		linkURL   string
		linkStart = -1
	)

	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("failed to parse document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != wordNS {
				continue
			}
			switch t.Name.Local {
			case "p":
				para = &paragraph{}
			case "pStyle":
				if para != nil {
					para.level = headingLevel(attrValue(t, "val"))
				}
			case "hyperlink":
				if para != nil {
					if target := targets[attrValueNS(t, relAttrNS, "id")]; target != "" {
						linkURL = target
						linkStart = para.text.Len()
					}
				}
			case "t":
				inText = para != nil
			case "tab":
				if para != nil {
					para.text.WriteByte(' ')
				}
			case "br", "cr":
				if para != nil {
					para.text.WriteByte('\n')
				}
			}
		case xml.EndElement:
			if t.Name.Space != wordNS {
				continue
			}
			switch t.Name.Local {
			case "p":
				if para != nil {
					b.flush(para)
					para = nil
				}
			case "hyperlink":
				if para != nil && linkStart >= 0 {
					if end := para.text.Len(); end > linkStart {
						para.spans = append(para.spans, paraSpan{start: linkStart, end: end, url: linkURL})
					}
				}
				linkURL = ""
				linkStart = -1
			case "t":
				inText = false
			}
		case xml.CharData:
			if inText && para != nil {
				para.text.Write(t)
			}
		}
	}

	return b.sb.String(), b.spans, nil
}

// headingLevel maps a Word paragraph style to a Markdown heading level,
// zero for body text.
func headingLevel(style string) int {
	if style == "Title" {
		return 1
	}
	if rest, ok := strings.CutPrefix(style, "Heading"); ok {
		if n, err := strconv.Atoi(rest); err == nil && n >= 1 {
			return min(n, 6)
		}
	}
	return 0
}

var slidePattern = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func hasSlides(r *zip.Reader) bool {
	for _, f := range r.File {
		if slidePattern.MatchString(f.Name) {
			return true
		}
	}
	return false
}

// convertSlides renders each slide's text, title placeholders as
// headings, and joins slides with form feeds so each becomes a page.
func (c *OfficeConverter) convertSlides(r *zip.Reader) (string, int, error) {
	type slideFile struct {
		num int
		f   *zip.File
	}
	var files []slideFile
	for _, f := range r.File {
		if m := slidePattern.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			files = append(files, slideFile{num: n, f: f})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].num < files[j].num })

	slides := make([]string, 0, len(files))
	for _, sf := range files {
		data, err := readZipFile(sf.f)
		if err != nil {
			c.logger.WithError(err).WithField("slide", sf.f.Name).Warn("Failed to read slide")
			slides = append(slides, "")
			continue
		}
		text, err := slideText(data)
		if err != nil {
			c.logger.WithError(err).WithField("slide", sf.f.Name).Warn("Failed to parse slide")
			slides = append(slides, "")
			continue
		}
		slides = append(slides, text)
	}

	return strings.Join(slides, "\f"), len(slides), nil
}

func slideText(data []byte) (string, error) {
	var (
		blocks  []string
		para    strings.Builder
		inText  bool
		isTitle bool
	)

	flush := func() {
		text := strings.TrimSpace(para.String())
		para.Reset()
		if text == "" {
			return
		}
		if isTitle {
			text = "## " + text
		}
		blocks = append(blocks, text)
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Space == drawNS && t.Name.Local == "t":
				inText = true
			case t.Name.Space == presNS && t.Name.Local == "ph":
				switch attrValue(t, "type") {
				case "title", "ctrTitle":
					isTitle = true
				}
			}
		case xml.EndElement:
			switch {
			case t.Name.Space == drawNS && t.Name.Local == "t":
				inText = false
			case t.Name.Space == drawNS && t.Name.Local == "p":
				flush()
			case t.Name.Space == presNS && t.Name.Local == "sp":
				isTitle = false
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	flush()

	return strings.Join(blocks, "\n\n"), nil
}

type workbookXML struct {
	Sheets struct {
		Sheet []struct {
			Name string `xml:"name,attr"`
			RID  string `xml:"http://schemas.openxmlformats.org/officeDocument/2006/relationships id,attr"`
		} `xml:"sheet"`
	} `xml:"sheets"`
}

type sharedStringsXML struct {
	Items []struct {
		T string `xml:"t"`
		R []struct {
			T string `xml:"t"`
		} `xml:"r"`
	} `xml:"si"`
}

// convertWorkbook renders each worksheet as a Markdown table under a
// heading carrying the sheet name.
func (c *OfficeConverter) convertWorkbook(r *zip.Reader) (string, error) {
	data, err := readZipPath(r, "xl/workbook.xml")
	if err != nil {
		return "", err
	}
	var wb workbookXML
	if err := xml.Unmarshal(data, &wb); err != nil {
		return "", fmt.Errorf("failed to parse workbook.xml: %w", err)
	}

	shared := c.sharedStrings(r)
	rels := c.relationships(r, "xl/_rels/workbook.xml.rels")

	var sections []string
	for i, sheet := range wb.Sheets.Sheet {
		name := sheet.Name
		if name == "" {
			name = fmt.Sprintf("Sheet %d", i+1)
		}

		target := rels[sheet.RID].target
		if target == "" {
			target = fmt.Sprintf("worksheets/sheet%d.xml", i+1)
		}
		sheetData, err := readZipPath(r, resolveWorkbookPath(target))
		if err != nil {
			c.logger.WithError(err).WithField("sheet", name).Warn("Failed to read worksheet")
			continue
		}
		rows, err := sheetRows(sheetData, shared)
		if err != nil {
			c.logger.WithError(err).WithField("sheet", name).Warn("Failed to parse worksheet")
			continue
		}

		section := "## " + name
		if table := markdownTable(rows); table != "" {
			section += "\n\n" + table
		}
		sections = append(sections, section)
	}

	if len(sections) == 0 {
		return "", errors.New("no readable worksheets")
	}
	return strings.Join(sections, "\n\n"), nil
}

// resolveWorkbookPath resolves a workbook-relative part target to a zip
// entry path.
func resolveWorkbookPath(target string) string {
	if after, ok := strings.CutPrefix(target, "/"); ok {
		return after
	}
	return "xl/" + target
}

func (c *OfficeConverter) sharedStrings(r *zip.Reader) []string {
	f := findZipFile(r, "xl/sharedStrings.xml")
	if f == nil {
		return nil
	}
	data, err := readZipFile(f)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to read shared strings")
		return nil
	}
	var sst sharedStringsXML
	if err := xml.Unmarshal(data, &sst); err != nil {
		c.logger.WithError(err).Warn("Failed to parse shared strings")
		return nil
	}

	strs := make([]string, len(sst.Items))
	for i, si := range sst.Items {
		if si.T != "" {
			strs[i] = si.T
			continue
		}
		var sb strings.Builder
		for _, run := range si.R {
			sb.WriteString(run.T)
		}
		strs[i] = sb.String()
	}
	return strs
}

// sheetRows walks one worksheet, resolving shared and inline strings and
// placing cells at the column their reference names.
func sheetRows(data []byte, shared []string) ([][]string, error) {
	var (
		rows     [][]string
		row      []string
		cellType string
		cellRef  string
		cellVal  strings.Builder
		inValue  bool
	)

	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != sheetNS {
				continue
			}
			switch t.Name.Local {
			case "row":
				row = []string{}
			case "c":
				cellType = attrValue(t, "t")
				cellRef = attrValue(t, "r")
				cellVal.Reset()
			case "v", "t":
				inValue = true
			}
		case xml.EndElement:
			if t.Name.Space != sheetNS {
				continue
			}
			switch t.Name.Local {
			case "row":
				if row != nil {
					rows = append(rows, row)
					row = nil
				}
			case "c":
				row = placeCell(row, cellRef, cellValue(cellType, cellVal.String(), shared))
			case "v", "t":
				inValue = false
			}
		case xml.CharData:
			if inValue {
				cellVal.Write(t)
			}
		}
	}

	return rows, nil
}

func cellValue(cellType, raw string, shared []string) string {
	switch cellType {
	case "s":
		idx, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && idx >= 0 && idx < len(shared) {
			return shared[idx]
		}
		return ""
	case "b":
		if strings.TrimSpace(raw) == "1" {
			return "TRUE"
		}
		return "FALSE"
	default:
		return strings.TrimSpace(raw)
	}
}

func placeCell(row []string, ref, value string) []string {
	col := colIndex(ref)
	if col < 0 {
		return append(row, value)
	}
	for len(row) <= col {
		row = append(row, "")
	}
	row[col] = value
	return row
}

// colIndex converts the column letters of an A1-style reference to a
// zero-based index, -1 when the reference has none.
func colIndex(ref string) int {
	n := 0
	seen := false
	for _, r := range ref {
		switch {
		case r >= 'A' && r <= 'Z':
			n = n*26 + int(r-'A') + 1
			seen = true
		case r >= 'a' && r <= 'z':
			n = n*26 + int(r-'a') + 1
			seen = true
		default:
			if !seen {
				return -1
			}
			return n - 1
		}
	}
	if !seen {
		return -1
	}
	return n - 1
}

// convertOpenDocument walks content.xml. text:h elements map to headings,
// text:a elements to hyperlink spans.
func (c *OfficeConverter) convertOpenDocument(r *zip.Reader) (string, []links.Span, error) {
	data, err := readZipPath(r, "content.xml")
	if err != nil {
		return "", nil, err
	}

	var (
		b         markdownBuilder
		para      *paragraph
		linkURL   string
		linkStart = -1
	)

	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("failed to parse content.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != odfTextNS {
				continue
			}
			switch t.Name.Local {
			case "p":
				para = &paragraph{}
			case "h":
				level := 1
				if n, err := strconv.Atoi(attrValueNS(t, odfTextNS, "outline-level")); err == nil && n >= 1 {
					level = min(n, 6)
				}
				para = &paragraph{level: level}
			case "a":
				if para != nil {
					if href := attrValueNS(t, xlinkNS, "href"); href != "" {
						linkURL = href
						linkStart = para.text.Len()
					}
				}
			case "tab":
				if para != nil {
					para.text.WriteByte(' ')
				}
			case "line-break":
				if para != nil {
					para.text.WriteByte('\n')
				}
			case "s":
				if para != nil {
					count := 1
					if n, err := strconv.Atoi(attrValueNS(t, odfTextNS, "c")); err == nil && n > 1 {
						count = n
					}
					para.text.WriteString(strings.Repeat(" ", count))
				}
			}
		case xml.EndElement:
			if t.Name.Space != odfTextNS {
				continue
			}
			switch t.Name.Local {
			case "p", "h":
				if para != nil {
					b.flush(para)
					para = nil
				}
			case "a":
				if para != nil && linkStart >= 0 {
					if end := para.text.Len(); end > linkStart {
						para.spans = append(para.spans, paraSpan{start: linkStart, end: end, url: linkURL})
					}
				}
				linkURL = ""
				linkStart = -1
			}
		case xml.CharData:
			if para != nil {
				para.text.Write(t)
			}
		}
	}

	return b.sb.String(), b.spans, nil
}

type relInfo struct {
	target string
	mode   string
}

type relationshipsXML struct {
	Rels []struct {
		ID         string `xml:"Id,attr"`
		Target     string `xml:"Target,attr"`
		TargetMode string `xml:"TargetMode,attr"`
	} `xml:"Relationship"`
}

func (c *OfficeConverter) relationships(r *zip.Reader, relsPath string) map[string]relInfo {
	rels := make(map[string]relInfo)
	f := findZipFile(r, relsPath)
	if f == nil {
		return rels
	}
	data, err := readZipFile(f)
	if err != nil {
		c.logger.WithError(err).WithField("path", relsPath).Warn("Failed to read relationships")
		return rels
	}
	var parsed relationshipsXML
	if err := xml.Unmarshal(data, &parsed); err != nil {
		c.logger.WithError(err).WithField("path", relsPath).Warn("Failed to parse relationships")
		return rels
	}
	for _, rel := range parsed.Rels {
		if rel.ID != "" && rel.Target != "" {
			rels[rel.ID] = relInfo{target: rel.Target, mode: rel.TargetMode}
		}
	}
	return rels
}

// externalTargets returns relationship targets pointing outside the
// package, which is how OOXML stores hyperlink URLs.
func (c *OfficeConverter) externalTargets(r *zip.Reader, relsPath string) map[string]string {
	targets := make(map[string]string)
	for id, rel := range c.relationships(r, relsPath) {
		if rel.mode == "External" {
			targets[id] = rel.target
		}
	}
	return targets
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tiff": true, ".svg": true,
}

var mediaDirs = []string{"word/media/", "ppt/media/", "xl/media/", "Pictures/"}

var firstNumberPattern = regexp.MustCompile(`\d+`)

// mediaImages collects embedded images from the container's media
// directory, ordered by the number in their names so image10 follows
// image9.
func (c *OfficeConverter) mediaImages(r *zip.Reader) []Image {
	var files []*zip.File
	for _, f := range r.File {
		if f.FileInfo().IsDir() || !imageExts[strings.ToLower(filepath.Ext(f.Name))] {
			continue
		}
		for _, dir := range mediaDirs {
			if strings.HasPrefix(f.Name, dir) {
				files = append(files, f)
				break
			}
		}
	}

	numberOf := func(name string) int {
		m := firstNumberPattern.FindString(filepath.Base(name))
		if m == "" {
			return 0
		}
		n, _ := strconv.Atoi(m)
		return n
	}
	sort.Slice(files, func(i, j int) bool {
		ni, nj := numberOf(files[i].Name), numberOf(files[j].Name)
		if ni != nj {
			return ni < nj
		}
		return files[i].Name < files[j].Name
	})

	images := make([]Image, 0, len(files))
	for _, f := range files {
		data, err := readZipFile(f)
		if err != nil {
			c.logger.WithError(err).WithField("image", f.Name).Warn("Failed to read embedded image")
			continue
		}
		images = append(images, Image{Data: data, Name: filepath.Base(f.Name)})
	}
	return images
}

func findZipFile(r *zip.Reader, name string) *zip.File {
	for _, f := range r.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func readZipPath(r *zip.Reader, name string) ([]byte, error) {
	f := findZipFile(r, name)
	if f == nil {
		return nil, fmt.Errorf("%s missing from container", name)
	}
	return readZipFile(f)
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxZipEntryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	if len(data) > maxZipEntryBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes decompressed", f.Name, maxZipEntryBytes)
	}
	return data, nil
}

// attrValue returns the named attribute regardless of namespace.
func attrValue(t xml.StartElement, local string) string {
	for _, attr := range t.Attr {
		if attr.Name.Local == local {
			return attr.Value
		}
	}
	return ""
}

// attrValueNS returns the named attribute in the given namespace.
func attrValueNS(t xml.StartElement, space, local string) string {
	for _, attr := range t.Attr {
		if attr.Name.Local == local && attr.Name.Space == space {
			return attr.Value
		}
	}
	return ""
}
