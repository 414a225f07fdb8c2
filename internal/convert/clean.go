package convert

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	dataURIRefPattern  = regexp.MustCompile(`!\[[^\]]*\]\(\s*data:[^)]*\)`)
	dataURIBarePattern = regexp.MustCompile(`data:image/[a-zA-Z0-9.+-]+;base64,[A-Za-z0-9+/=]+`)
)

// StripDataURIs removes inline base64 image payloads, both as Markdown
// image references and as bare URIs. Embedded images worth keeping are
// decoded to real files before conversion; whatever is left here would
// only bloat the output.
func StripDataURIs(markdown string) string {
	markdown = dataURIRefPattern.ReplaceAllString(markdown, "")
	markdown = dataURIBarePattern.ReplaceAllString(markdown, "")
	return markdown
}

// CleanMarkdown normalises converter output: valid NFC UTF-8, data URIs
// stripped, line endings unified, trailing whitespace trimmed and blank
// runs collapsed to a single blank line. Fenced code blocks pass through
// untouched, and form feeds survive because they mark page boundaries.
//
// Callers that compute link spans build clean text themselves; running
// this after span extraction would invalidate the offsets.
func CleanMarkdown(markdown string) string {
	markdown = strings.ToValidUTF8(markdown, "")
	markdown = norm.NFC.String(markdown)
	markdown = StripDataURIs(markdown)
	markdown = strings.ReplaceAll(markdown, "\r\n", "\n")
	markdown = strings.ReplaceAll(markdown, "\r", "\n")

	lines := strings.Split(markdown, "\n")
	out := make([]string, 0, len(lines))
	blankRun := 0
	inCode := false

	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")

		if strings.HasPrefix(strings.TrimSpace(trimmed), "```") {
			inCode = !inCode
			out = append(out, trimmed)
			blankRun = 0
			continue
		}
		if inCode {
			out = append(out, line)
			continue
		}

		if trimmed == "" {
			blankRun++
			if blankRun > 1 {
				continue
			}
			out = append(out, "")
			continue
		}

		blankRun = 0
		out = append(out, trimmed)
	}

	result := strings.Join(out, "\n")
	result = strings.TrimLeft(result, "\n")
	return strings.TrimRight(result, "\n \t")
}
