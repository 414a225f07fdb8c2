package convert

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
)

// tagsToRemove are HTML elements that carry chrome rather than content.
var tagsToRemove = []string{
	"embed", "object", "nav", "header", "footer", "aside",
	"form", "button", "select", "canvas", "svg", "video", "audio",
}

// HTMLConverter renders HTML as CommonMark. Base64-embedded images are
// decoded into real files before conversion so they become servable
// assets instead of bloating the Markdown.
type HTMLConverter struct {
	logger *logrus.Logger
}

func NewHTMLConverter(logger *logrus.Logger) *HTMLConverter {
	return &HTMLConverter{logger: logger}
}

func (c *HTMLConverter) Name() string { return "html" }

func (c *HTMLConverter) Accepts(ext, contentType string) bool {
	switch ext {
	case ".html", ".htm", ".xhtml":
		return true
	}
	return strings.HasPrefix(contentType, "text/html") ||
		strings.HasPrefix(contentType, "application/xhtml")
}

func (c *HTMLConverter) Extensions() []string { return []string{".html", ".htm", ".xhtml"} }

func (c *HTMLConverter) Convert(ctx context.Context, path string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read HTML file: %w", err)
	}

	html, images := c.liftEmbeddedImages(string(data))

	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
	for _, tag := range tagsToRemove {
		conv.Register.TagType(tag, converter.TagTypeRemove, converter.PriorityStandard)
	}

	markdown, err := conv.ConvertString(html)
	if err != nil {
		return nil, fmt.Errorf("failed to convert HTML to markdown: %w", err)
	}

	return &Result{Markdown: CleanMarkdown(markdown), Images: images}, nil
}

// liftEmbeddedImages decodes data-URI img elements into image files and
// drops the elements; placement reinserts references once the images are
// stored. On parse or serialisation trouble the original HTML is kept and
// CleanMarkdown strips whatever data URIs remain.
func (c *HTMLConverter) liftEmbeddedImages(html string) (string, []Image) {
	if !strings.Contains(html, "data:image/") {
		return html, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		c.logger.WithError(err).Warn("Failed to parse HTML for embedded images")
		return html, nil
	}

	var images []Image
	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		src, ok := sel.Attr("src")
		if !ok || !strings.HasPrefix(src, "data:image/") {
			return
		}
		defer sel.Remove()

		data, imgType, err := decodeDataURI(src)
		if err != nil {
			c.logger.WithError(err).Debug("Skipping undecodable embedded image")
			return
		}

		images = append(images, Image{
			Data: data,
			Name: fmt.Sprintf("embedded_image_%d.%s", len(images)+1, imgType),
		})
	})

	if len(images) == 0 {
		return html, nil
	}
	c.logger.WithField("image_count", len(images)).Debug("Embedded images extracted")

	out, err := doc.Html()
	if err != nil {
		c.logger.WithError(err).Warn("Failed to serialise HTML after image extraction")
		return html, images
	}
	return out, images
}

// decodeDataURI decodes a data:image/...;base64,... URI into bytes and a
// file extension.
func decodeDataURI(src string) ([]byte, string, error) {
	rest := strings.TrimPrefix(src, "data:image/")
	imgType, payload, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return nil, "", fmt.Errorf("data URI is not base64 encoded")
	}

	imgType = strings.ToLower(strings.TrimSpace(imgType))
	if t, _, found := strings.Cut(imgType, "+"); found {
		imgType = t // svg+xml becomes svg
	}
	if imgType == "" {
		return nil, "", fmt.Errorf("data URI has no image type")
	}

	payload = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, payload)

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return nil, "", fmt.Errorf("failed to decode base64 image: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty image payload")
	}

	return data, imgType, nil
}
