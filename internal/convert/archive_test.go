package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveConvert(t *testing.T) {
	var inner bytes.Buffer
	w := zip.NewWriter(&inner)
	_, err := w.Create("nested.txt")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := writeOfficeFixture(t, "bundle.zip", map[string]string{
		"notes.txt":  "Remember the milk.",
		"readme.md":  "# Readme\n\nBody text.",
		"photo.raw":  "not convertible",
		"nested.zip": inner.String(),
	})

	reg := NewRegistry(testLogger())
	result, err := reg.Convert(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, "archive", result.Format)

	assert.Contains(t, result.Markdown, "# Archive Contents")
	assert.Contains(t, result.Markdown, "- `notes.txt` (18 bytes)")
	assert.Contains(t, result.Markdown, "- `photo.raw`")
	assert.Contains(t, result.Markdown, "## notes.txt\n\nRemember the milk.")
	assert.Contains(t, result.Markdown, "## readme.md\n\n# Readme\n\nBody text.")

	// Unsupported and nested-archive entries are listed, never converted.
	assert.NotContains(t, result.Markdown, "## photo.raw")
	assert.NotContains(t, result.Markdown, "## nested.zip")
}

func TestArchiveConvertEmpty(t *testing.T) {
	path := writeOfficeFixture(t, "empty.zip", map[string]string{})

	c := NewArchiveConverter(testLogger())
	result, err := c.Convert(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "# Archive Contents", result.Markdown)
}

func TestArchiveConvertNotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.zip")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o600))

	c := NewArchiveConverter(testLogger())
	_, err := c.Convert(context.Background(), path)
	assert.ErrorContains(t, err, "failed to open archive")
}

func TestArchiveConverterAccepts(t *testing.T) {
	c := NewArchiveConverter(testLogger())

	assert.True(t, c.Accepts(".zip", ""))
	assert.True(t, c.Accepts("", "application/zip"))
	assert.True(t, c.Accepts("", "application/x-zip-compressed"))
	assert.False(t, c.Accepts(".tar", "application/x-tar"))
}
