package placement

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// PromoteHeadings promotes standalone title lines to "## " headings.
// Converted word-processor documents frequently arrive with their section
// titles flattened into plain paragraphs; this restores the unambiguous
// cases: a short line set off by blank lines, every word capitalised or
// the whole line in capitals, carrying no sentence punctuation, URLs, or
// addresses.
func PromoteHeadings(markdown string) string {
	if markdown == "" {
		return markdown
	}

	lines := strings.Split(markdown, "\n")
	changed := false

	for i := range lines {
		text := headingText(lines[i])
		if text == "" || !standalone(lines, i) || !looksLikeTitle(text) {
			continue
		}
		lines[i] = "## " + text
		changed = true
	}

	if !changed {
		return markdown
	}
	return strings.Join(lines, "\n")
}

// headingText strips surrounding space and bold markers.
func headingText(line string) string {
	text := strings.TrimSpace(line)
	if strings.HasPrefix(text, "**") && strings.HasSuffix(text, "**") && len(text) > 4 {
		text = strings.TrimSpace(text[2 : len(text)-2])
	}
	return text
}

// standalone reports whether line i is set off by blank lines (or the
// document edge) on both sides.
func standalone(lines []string, i int) bool {
	if i > 0 && strings.TrimSpace(lines[i-1]) != "" {
		return false
	}
	if i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != "" {
		return false
	}
	return true
}

func looksLikeTitle(text string) bool {
	if len(text) > 60 {
		return false
	}
	if strings.ContainsAny(text, ":@,.;!?|#=()[]<>") || strings.Contains(text, "://") {
		return false
	}

	words := strings.Fields(text)
	if len(words) == 0 || len(words) > 8 {
		return false
	}

	for _, word := range words {
		first, _ := utf8.DecodeRuneInString(word)
		if !unicode.IsUpper(first) {
			return false
		}
		for _, r := range word {
			if !unicode.IsLetter(r) {
				return false
			}
		}
	}

	return true
}
