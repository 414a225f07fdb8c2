// Package placement rewrites converted Markdown bodies: it spreads image
// references across natural break points, collects the overflow in a
// trailing section, weaves in page markers, and promotes bare title lines
// to headings.
package placement

import (
	"fmt"
	"strings"
)

// maxInline caps how many images are woven into the document body. The
// rest always land in the trailing section.
const maxInline = 3

// Image is one reference to place.
type Image struct {
	Name string
	URL  string
}

// Place inserts image references into markdown. The first min(N, 3) images
// go inline, each at the next break point scanning forward from the
// previous insertion: directly after a heading line, or at a paragraph
// boundary (a blank line followed by body text). Images that found no break
// point, and everything past the inline cap, are appended in order under a
// trailing "## Extracted Images" section behind a horizontal rule.
//
// Zero images return the text unchanged. Output depends only on the inputs.
func Place(markdown string, images []Image) string {
	if len(images) == 0 {
		return markdown
	}

	inline := min(len(images), maxInline)
	lines := strings.Split(markdown, "\n")
	out := make([]string, 0, len(lines)+4*len(images))
	next := 0

	for i, line := range lines {
		out = append(out, line)
		if next >= inline {
			continue
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "#") && i > 0:
			out = append(out, "", imageRef(images[next]), "")
			next++
		case trimmed == "" && i+1 < len(lines) && paragraphStart(lines[i+1]):
			out = append(out, imageRef(images[next]), "")
			next++
		}
	}

	if next < len(images) {
		out = append(out, "", "---", "", "## Extracted Images", "")
		for _, img := range images[next:] {
			out = append(out, imageRef(img), "")
		}
	}

	return strings.Join(out, "\n")
}

func imageRef(img Image) string {
	return fmt.Sprintf("![%s](%s)", img.Name, img.URL)
}

// paragraphStart reports whether line opens body text rather than a
// heading or more blank space.
func paragraphStart(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed != "" && !strings.HasPrefix(trimmed, "#")
}
