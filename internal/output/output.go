// Package output renders pxp-agent's own CLI diagnostics (the loaded
// module inventory, a transaction's status) in the table/json/yaml
// formats operators expect from a Puppet Labs CLI tool.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Format represents an output rendering.
type Format string

const (
	FormatTable Format = "table"
	FormatWide  Format = "wide"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string, defaulting to table.
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "yaml", "yml":
		return FormatYAML
	case "wide":
		return FormatWide
	default:
		return FormatTable
	}
}

// Printer renders values in one configured Format.
type Printer struct {
	format  Format
	writer  io.Writer
	noColor bool
}

// NewPrinter creates a Printer writing to stdout in format.
func NewPrinter(format Format) *Printer {
	return &Printer{
		format:  format,
		writer:  os.Stdout,
		noColor: os.Getenv("NO_COLOR") != "",
	}
}

// SetWriter redirects output, mainly for tests.
func (p *Printer) SetWriter(w io.Writer) {
	p.writer = w
}

// Print renders data as JSON or YAML; table formats use the
// type-specific Print* methods below.
func (p *Printer) Print(data interface{}) error {
	switch p.format {
	case FormatJSON:
		return p.printJSON(data)
	case FormatYAML:
		return p.printYAML(data)
	default:
		return p.printJSON(data)
	}
}

func (p *Printer) printJSON(data interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (p *Printer) printYAML(data interface{}) error {
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	return enc.Encode(data)
}

// ANSI color codes used by Colorize.
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m"
)

// Colorize wraps text in color unless NO_COLOR is set.
func (p *Printer) Colorize(color, text string) string {
	if p.noColor {
		return text
	}
	return color + text + Reset
}

// TableWriter returns a tabwriter set up for aligned columnar output.
func (p *Printer) TableWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
}

// ModuleRow is one loaded module's row in `pxp-agent modules`.
type ModuleRow struct {
	Name    string   `json:"name" yaml:"name"`
	Type    string   `json:"type" yaml:"type"`
	Actions []string `json:"actions" yaml:"actions"`
	Async   bool     `json:"supports_async" yaml:"supports_async"`
}

// PrintModules renders the loaded-module inventory.
func (p *Printer) PrintModules(rows []ModuleRow) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(p.writer, "No modules loaded")
		return nil
	}

	w := p.TableWriter()
	fmt.Fprintln(w, p.Colorize(Bold, "NAME\tTYPE\tASYNC\tACTIONS"))
	for _, row := range rows {
		async := "no"
		if row.Async {
			async = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			p.Colorize(Cyan, row.Name),
			row.Type,
			async,
			strings.Join(row.Actions, ", "),
		)
	}
	return w.Flush()
}

// StatusResult is one transaction's status as PrintStatus renders it.
type StatusResult struct {
	TransactionID string `json:"transaction_id" yaml:"transaction_id"`
	Status        string `json:"status" yaml:"status"`
	ExitCode      *int   `json:"exitcode,omitempty" yaml:"exitcode,omitempty"`
}

// PrintStatus renders a single status query result.
func (p *Printer) PrintStatus(result StatusResult) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(result)
	}
	fmt.Fprintf(p.writer, "%s %s\n", p.Colorize(Bold, "Transaction:"), result.TransactionID)
	fmt.Fprintf(p.writer, "%s %s\n", p.Colorize(Bold, "Status:"), statusColor(p, result.Status))
	if result.ExitCode != nil {
		fmt.Fprintf(p.writer, "%s %d\n", p.Colorize(Bold, "Exit code:"), *result.ExitCode)
	}
	return nil
}

func statusColor(p *Printer, status string) string {
	switch strings.ToLower(status) {
	case "success":
		return p.Colorize(Green, status)
	case "failure", "undetermined":
		return p.Colorize(Red, status)
	case "running":
		return p.Colorize(Yellow, status)
	default:
		return status
	}
}

// Success prints a success message.
func (p *Printer) Success(format string, args ...interface{}) {
	fmt.Fprintln(p.writer, p.Colorize(Green, "✓ ")+fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (p *Printer) Error(format string, args ...interface{}) {
	fmt.Fprintln(p.writer, p.Colorize(Red, "✗ ")+fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (p *Printer) Warning(format string, args ...interface{}) {
	fmt.Fprintln(p.writer, p.Colorize(Yellow, "⚠ ")+fmt.Sprintf(format, args...))
}

// Info prints an info message.
func (p *Printer) Info(format string, args ...interface{}) {
	fmt.Fprintln(p.writer, p.Colorize(Blue, "ℹ ")+fmt.Sprintf(format, args...))
}
