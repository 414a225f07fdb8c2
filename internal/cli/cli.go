// Package cli runs conversions directly from the command line, bypassing
// the HTTP server entirely. Documents go through the same in-process
// pipeline the server uses, so no server or network round-trip is needed.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/sirupsen/logrus"

	"github.com/YorkUITInnovation/markitdown-api/internal/convert"
	"github.com/YorkUITInnovation/markitdown-api/internal/pipeline"
)

// OutputFormat controls how conversion results are rendered.
type OutputFormat string

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
)

// Runner executes conversions against the in-process pipeline.
type Runner struct {
	orchestrator *pipeline.Orchestrator
	output       OutputFormat
	stdout       io.Writer
	stderr       io.Writer
}

// NewRunner creates a Runner that converts through orchestrator and writes
// results to stdout.
func NewRunner(orchestrator *pipeline.Orchestrator, output OutputFormat, stdout, stderr io.Writer) *Runner {
	return &Runner{
		orchestrator: orchestrator,
		output:       output,
		stdout:       stdout,
		stderr:       stderr,
	}
}

// Convert converts one local file or URL. Text output prints the Markdown
// body alone so it can be redirected into a file; JSON output mirrors the
// HTTP response shape. Extracted images are persisted to the configured
// images directory either way.
func (r *Runner) Convert(ctx context.Context, source string, createPages bool) error {
	doc, err := r.orchestrator.ConvertSource(ctx, source, createPages)
	if err != nil {
		return err
	}

	if r.output == OutputJSON {
		return writeJSON(r.stdout, doc)
	}

	if _, err := fmt.Fprintln(r.stdout, doc.Markdown); err != nil {
		return err
	}
	if doc.Partial {
		fmt.Fprintln(r.stderr, "warning: some extracted images could not be persisted")
	}
	return nil
}

// ListFormats prints the registered converters and the file extensions
// they claim, in dispatch order.
func ListFormats(logger *logrus.Logger, output OutputFormat, stdout io.Writer) error {
	formats := convert.NewRegistry(logger).Formats()

	if output == OutputJSON {
		return writeJSON(stdout, formats)
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	for _, f := range formats {
		fmt.Fprintf(w, "%s\t%s\n", f.Name, strings.Join(f.Extensions, " "))
	}
	return w.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
