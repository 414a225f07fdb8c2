package placement

import (
	"fmt"
	"strings"
)

// InsertPageMarkers weaves "## Page N" markers into markdown. Form feeds
// mark real page boundaries and always win. Without them, PDF content gets
// aggressive break detection since its converted text tends to run
// together, and other content is only split once a document grows very
// long.
func InsertPageMarkers(markdown string, pdf bool) string {
	if markdown == "" {
		return markdown
	}
	if strings.Contains(markdown, "\f") {
		return insertFormFeedMarkers(markdown)
	}
	if pdf {
		return insertPDFPageMarkers(markdown)
	}
	return insertPlainPageMarkers(markdown)
}

func insertFormFeedMarkers(markdown string) string {
	var pages []string
	for i, chunk := range strings.Split(markdown, "\f") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		pages = append(pages, fmt.Sprintf("%s\n\n%s", pageMarker(i+1), chunk))
	}
	return strings.Join(pages, "\n\n---\n\n")
}

func insertPDFPageMarkers(markdown string) string {
	lines := strings.Split(markdown, "\n")
	out := make([]string, 0, len(lines)+8)
	page := 1
	count := 0

	out = append(out, pageMarker(page), "")

	for i, line := range lines {
		count++
		out = append(out, line)

		blank := strings.TrimSpace(line) == ""
		breakHere := false
		switch {
		// A gap of two blank lines before more content, once a page's
		// worth of lines has accumulated.
		case blank && count > 20 && i+2 < len(lines) &&
			strings.TrimSpace(lines[i+1]) == "" && strings.TrimSpace(lines[i+2]) != "":
			breakHere = true
		// A heading preceded by a blank line deep into the page.
		case count > 30 && i > 0 && strings.HasPrefix(strings.TrimSpace(line), "#") &&
			strings.TrimSpace(lines[i-1]) == "":
			breakHere = true
		// Hard cutoff at the next blank line.
		case count > 50 && blank:
			breakHere = true
		}

		if breakHere {
			page++
			out = append(out, "", "---", "", pageMarker(page), "")
			count = 0
		}
	}

	return strings.Join(out, "\n")
}

func insertPlainPageMarkers(markdown string) string {
	lines := strings.Split(markdown, "\n")
	if len(lines) <= 100 {
		return markdown
	}

	out := make([]string, 0, len(lines)+8)
	page := 1
	count := 0

	out = append(out, pageMarker(page), "")

	for _, line := range lines {
		count++
		out = append(out, line)

		if count > 80 && strings.TrimSpace(line) == "" {
			page++
			out = append(out, "", "---", "", pageMarker(page), "")
			count = 0
		}
	}

	return strings.Join(out, "\n")
}

func pageMarker(page int) string {
	return fmt.Sprintf("## Page %d", page)
}
