package output

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"

	"github.com/bulwarkhq/bulwark/internal/core/engine"
	"github.com/bulwarkhq/bulwark/internal/core/store"
	"github.com/bulwarkhq/bulwark/internal/simulate"
)

// JSONFormatter renders reports as JSON.
type JSONFormatter struct {
	Indent bool
}

func (f *JSONFormatter) encode(v any) (string, error) {
	var (
		data []byte
		err  error
	)
	if f.Indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *JSONFormatter) FormatSnapshot(snap engine.Snapshot) (string, error) {
	return f.encode(snap)
}

func (f *JSONFormatter) FormatRules(rules []engine.RuleView) (string, error) {
	return f.encode(nonNil(rules))
}

func (f *JSONFormatter) FormatEvents(events []store.Event) (string, error) {
	return f.encode(nonNil(events))
}

func (f *JSONFormatter) FormatSimulation(summary simulate.Summary) (string, error) {
	return f.encode(summary)
}

// YAMLFormatter renders reports as YAML.
type YAMLFormatter struct{}

func (f *YAMLFormatter) encode(v any) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (f *YAMLFormatter) FormatSnapshot(snap engine.Snapshot) (string, error) {
	return f.encode(snap)
}

func (f *YAMLFormatter) FormatRules(rules []engine.RuleView) (string, error) {
	return f.encode(nonNil(rules))
}

func (f *YAMLFormatter) FormatEvents(events []store.Event) (string, error) {
	return f.encode(nonNil(events))
}

func (f *YAMLFormatter) FormatSimulation(summary simulate.Summary) (string, error) {
	return f.encode(summary)
}

// nonNil keeps empty lists rendering as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
