// Package render writes command results to stdout as an aligned table,
// JSON, NDJSON, YAML or TSV.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/width"
	"gopkg.in/yaml.v3"
)

// Format represents an output format
type Format string

const (
	FormatTable  Format = "table"
	FormatJSON   Format = "json"
	FormatNDJSON Format = "ndjson"
	FormatYAML   Format = "yaml"
	FormatTSV    Format = "tsv"
)

// ParseFormat validates a --output value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatTable, FormatJSON, FormatNDJSON, FormatYAML, FormatTSV:
		return f, nil
	case "":
		return FormatTable, nil
	}
	return "", fmt.Errorf("unknown output format %q (want table, json, ndjson, yaml or tsv)", s)
}

// Options for rendering
type Options struct {
	Format    Format
	Porcelain bool
}

// Tabular is implemented by results that have a row-per-item view.
type Tabular interface {
	Headers() []string
	Rows() [][]string
}

// Renderer handles output rendering
type Renderer struct {
	writer io.Writer
	opts   Options
}

// NewRenderer creates a new renderer
func NewRenderer(writer io.Writer, opts Options) *Renderer {
	if opts.Format == "" {
		opts.Format = FormatTable
	}
	return &Renderer{
		writer: writer,
		opts:   opts,
	}
}

// Format returns the configured format.
func (r *Renderer) Format() Format {
	return r.opts.Format
}

// Render writes data in the configured format. Table and TSV output use
// data's Tabular view; data that has none falls back to YAML for tables.
func (r *Renderer) Render(data any) error {
	switch r.opts.Format {
	case FormatJSON:
		return r.RenderJSON(data)
	case FormatNDJSON:
		if t, ok := data.(Tabular); ok {
			return r.RenderNDJSON(rowsAsObjects(t))
		}
		return r.RenderNDJSON([]any{data})
	case FormatYAML:
		return r.RenderYAML(data)
	case FormatTSV:
		if t, ok := data.(Tabular); ok {
			return r.RenderTSV(t.Headers(), t.Rows())
		}
		return fmt.Errorf("tsv output is not available for this command")
	default:
		if t, ok := data.(Tabular); ok {
			return r.RenderTable(t.Headers(), t.Rows())
		}
		return r.RenderYAML(data)
	}
}

// RenderJSON renders data as JSON
func (r *Renderer) RenderJSON(data any) error {
	encoder := json.NewEncoder(r.writer)
	if !r.opts.Porcelain {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(data)
}

// RenderNDJSON renders data as newline-delimited JSON
func (r *Renderer) RenderNDJSON(items []any) error {
	encoder := json.NewEncoder(r.writer)
	for _, item := range items {
		if err := encoder.Encode(item); err != nil {
			return err
		}
	}
	return nil
}

// RenderYAML renders data as YAML
func (r *Renderer) RenderYAML(data any) error {
	encoder := yaml.NewEncoder(r.writer)
	defer encoder.Close()
	return encoder.Encode(data)
}

// RenderTSV renders data as tab-separated values. Tabs and newlines inside
// cells are replaced by spaces.
func (r *Renderer) RenderTSV(headers []string, rows [][]string) error {
	if _, err := fmt.Fprintln(r.writer, strings.Join(headers, "\t")); err != nil {
		return err
	}
	for _, row := range rows {
		clean := make([]string, len(row))
		for i, cell := range row {
			clean[i] = strings.NewReplacer("\t", " ", "\n", " ").Replace(cell)
		}
		if _, err := fmt.Fprintln(r.writer, strings.Join(clean, "\t")); err != nil {
			return err
		}
	}
	return nil
}

// RenderTable renders data as a formatted table. Column widths count
// East Asian wide characters as two cells so kana and kanji names line up.
func (r *Renderer) RenderTable(headers []string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	if r.opts.Porcelain {
		return r.RenderTSV(headers, rows)
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = DisplayWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], DisplayWidth(cell))
			}
		}
	}

	r.renderTableRow(headers, widths)
	r.renderTableSeparator(widths)
	for _, row := range rows {
		r.renderTableRow(row, widths)
	}
	return nil
}

// DisplayWidth returns the number of terminal cells s occupies.
func DisplayWidth(s string) int {
	n := 0
	for _, ch := range s {
		switch width.LookupRune(ch).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			n += 2
		default:
			n++
		}
	}
	return n
}

func (r *Renderer) renderTableRow(cells []string, widths []int) {
	for i, cell := range cells {
		if i >= len(widths) {
			break
		}
		fmt.Fprint(r.writer, cell)
		if i < len(cells)-1 {
			fmt.Fprint(r.writer, strings.Repeat(" ", widths[i]-DisplayWidth(cell)+2))
		}
	}
	fmt.Fprintln(r.writer)
}

func (r *Renderer) renderTableSeparator(widths []int) {
	for i, w := range widths {
		fmt.Fprint(r.writer, strings.Repeat("-", w))
		if i < len(widths)-1 {
			fmt.Fprint(r.writer, "  ")
		}
	}
	fmt.Fprintln(r.writer)
}

func rowsAsObjects(t Tabular) []any {
	headers := t.Headers()
	var out []any
	for _, row := range t.Rows() {
		obj := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(row) {
				obj[h] = row[i]
			}
		}
		out = append(out, obj)
	}
	return out
}
