// Package output renders engine state for the CLI: status snapshots, rule
// tables, journal history and simulation summaries.
package output

import (
	"fmt"
	"strings"

	"github.com/bulwarkhq/bulwark/internal/core/engine"
	"github.com/bulwarkhq/bulwark/internal/core/store"
	"github.com/bulwarkhq/bulwark/internal/simulate"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
)

// Formatter renders each kind of report.
type Formatter interface {
	FormatSnapshot(snap engine.Snapshot) (string, error)
	FormatRules(rules []engine.RuleView) (string, error)
	FormatEvents(events []store.Event) (string, error)
	FormatSimulation(summary simulate.Summary) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatYAML), "yml":
		return FormatYAML, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatYAML:
		return &YAMLFormatter{}
	case FormatMarkdown:
		return &TableFormatter{Markdown: true}
	default:
		return &TableFormatter{}
	}
}
