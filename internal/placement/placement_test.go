package placement

import (
	"strings"
	"testing"
)

func TestPlaceAfterParagraphBoundary(t *testing.T) {
	markdown := "# T\n\nBody."
	images := []Image{{Name: "a", URL: "https://example.com/i/a.png"}}

	got := Place(markdown, images)
	want := "# T\n\n![a](https://example.com/i/a.png)\n\nBody."
	if got != want {
		t.Errorf("Place() = %q, want %q", got, want)
	}
}

func TestPlaceAfterHeading(t *testing.T) {
	markdown := "Intro.\n# T\nBody."
	images := []Image{{Name: "a", URL: "https://example.com/i/a.png"}}

	got := Place(markdown, images)
	want := "Intro.\n# T\n\n![a](https://example.com/i/a.png)\n\nBody."
	if got != want {
		t.Errorf("Place() = %q, want %q", got, want)
	}
}

func TestPlaceLeadingHeadingGetsNoImage(t *testing.T) {
	// A heading on the very first line is not an insertion point; with no
	// other break points the image falls through to the trailing section.
	markdown := "# Only Heading"
	images := []Image{{Name: "a", URL: "https://example.com/i/a.png"}}

	got := Place(markdown, images)
	want := "# Only Heading\n\n---\n\n## Extracted Images\n\n![a](https://example.com/i/a.png)\n"
	if got != want {
		t.Errorf("Place() = %q, want %q", got, want)
	}
}

func TestPlaceZeroImages(t *testing.T) {
	markdown := "# T\n\nBody."

	got := Place(markdown, nil)
	if got != markdown {
		t.Errorf("Place() = %q, want unchanged input", got)
	}
	if strings.Contains(got, "Extracted Images") {
		t.Error("Place() emitted a trailing section for zero images")
	}
}

func TestPlaceNoBreakPoints(t *testing.T) {
	markdown := "single line only"
	images := []Image{
		{Name: "a", URL: "https://example.com/i/a.png"},
		{Name: "b", URL: "https://example.com/i/b.png"},
	}

	got := Place(markdown, images)
	want := "single line only\n\n---\n\n## Extracted Images\n\n![a](https://example.com/i/a.png)\n\n![b](https://example.com/i/b.png)\n"
	if got != want {
		t.Errorf("Place() = %q, want %q", got, want)
	}
}

func TestPlaceSpreadAcrossHeadings(t *testing.T) {
	markdown := strings.Join([]string{
		"Overview paragraph.",
		"",
		"## Findings",
		"Alpha.",
		"",
		"## Methods",
		"Beta.",
		"",
		"Gamma.",
	}, "\n")

	images := []Image{
		{Name: "img1", URL: "https://example.com/i/1.png"},
		{Name: "img2", URL: "https://example.com/i/2.png"},
		{Name: "img3", URL: "https://example.com/i/3.png"},
		{Name: "img4", URL: "https://example.com/i/4.png"},
		{Name: "img5", URL: "https://example.com/i/5.png"},
	}

	got := Place(markdown, images)
	want := strings.Join([]string{
		"Overview paragraph.",
		"",
		"## Findings",
		"",
		"![img1](https://example.com/i/1.png)",
		"",
		"Alpha.",
		"",
		"## Methods",
		"",
		"![img2](https://example.com/i/2.png)",
		"",
		"Beta.",
		"",
		"![img3](https://example.com/i/3.png)",
		"",
		"Gamma.",
		"",
		"---",
		"",
		"## Extracted Images",
		"",
		"![img4](https://example.com/i/4.png)",
		"",
		"![img5](https://example.com/i/5.png)",
		"",
	}, "\n")
	if got != want {
		t.Errorf("Place() = %q, want %q", got, want)
	}
}

func TestPlaceInlineCapAndOverflow(t *testing.T) {
	markdown := strings.Join([]string{
		"# Title",
		"",
		"Intro paragraph text.",
		"",
		"## Section One",
		"",
		"Body one.",
		"",
		"Body two.",
	}, "\n")

	images := []Image{
		{Name: "img1", URL: "https://example.com/i/1.png"},
		{Name: "img2", URL: "https://example.com/i/2.png"},
		{Name: "img3", URL: "https://example.com/i/3.png"},
		{Name: "img4", URL: "https://example.com/i/4.png"},
		{Name: "img5", URL: "https://example.com/i/5.png"},
	}

	got := Place(markdown, images)

	if n := strings.Count(got, "!["); n != 5 {
		t.Errorf("placed %d references, want 5", n)
	}

	body, section, found := strings.Cut(got, "## Extracted Images")
	if !found {
		t.Fatal("missing trailing section")
	}
	if n := strings.Count(body, "!["); n != 3 {
		t.Errorf("body holds %d inline references, want 3", n)
	}
	if n := strings.Count(section, "!["); n != 2 {
		t.Errorf("trailing section holds %d references, want 2", n)
	}
	if !strings.Contains(section, "![img4]") || !strings.Contains(section, "![img5]") {
		t.Errorf("trailing section should hold the last two images, got %q", section)
	}

	// Extraction order is preserved end to end.
	last := -1
	for _, name := range []string{"img1", "img2", "img3", "img4", "img5"} {
		idx := strings.Index(got, "!["+name+"]")
		if idx < 0 {
			t.Fatalf("missing reference for %s", name)
		}
		if idx < last {
			t.Errorf("reference %s out of order", name)
		}
		last = idx
	}
}

func TestPlaceDeterministic(t *testing.T) {
	markdown := "# Title\n\nParagraph one.\n\nParagraph two."
	images := []Image{
		{Name: "a", URL: "https://example.com/i/a.png"},
		{Name: "b", URL: "https://example.com/i/b.png"},
	}

	first := Place(markdown, images)
	second := Place(markdown, images)
	if first != second {
		t.Error("Place() is not deterministic for identical input")
	}
}
