package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bulwarkhq/bulwark/internal/output"
)

type outputSink struct {
	writer io.Writer
	close  func() error
	path   string
}

func outputExtension(format output.Format) string {
	switch format {
	case output.FormatJSON:
		return "json"
	case output.FormatYAML:
		return "yaml"
	case output.FormatMarkdown:
		return "md"
	default:
		return "txt"
	}
}

// addOutputFlags registers --output-format, --out and --out-dir.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("output-format", "o", string(output.FormatTable), "Output format: table|json|yaml|markdown")
	cmd.Flags().String("out", "", "Write output to a file (default stdout)")
	cmd.Flags().String("out-dir", "", "Write output to a directory")
}

func resolveOutputFormat(cmd *cobra.Command) (output.Format, error) {
	value, err := cmd.Flags().GetString("output-format")
	if err != nil {
		return "", err
	}
	return output.ParseFormat(value)
}

func resolveOutputTargets(cmd *cobra.Command) (outPath string, outDir string, err error) {
	outPath, err = cmd.Flags().GetString("out")
	if err != nil {
		return "", "", err
	}
	outDir, err = cmd.Flags().GetString("out-dir")
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(outPath) != "" && strings.TrimSpace(outDir) != "" {
		return "", "", fmt.Errorf("--out and --out-dir are mutually exclusive")
	}
	return strings.TrimSpace(outPath), strings.TrimSpace(outDir), nil
}

// writeOutput renders with the formatter the flags select and writes the
// result to stdout, --out, or <out-dir>/<name>.<ext>.
func writeOutput(cmd *cobra.Command, name string, render func(output.Formatter) (string, error)) error {
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}
	outPath, outDir, err := resolveOutputTargets(cmd)
	if err != nil {
		return err
	}

	rendered, err := render(output.NewFormatter(format))
	if err != nil {
		return err
	}

	if outDir != "" {
		dir, err := ensureOutDir(outDir)
		if err != nil {
			return err
		}
		outPath = filepath.Join(dir, fmt.Sprintf("%s.%s", name, outputExtension(format)))
	}

	sink, err := openSink(outPath, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() { _ = sink.close() }()

	if !strings.HasSuffix(rendered, "\n") {
		rendered += "\n"
	}
	_, err = io.WriteString(sink.writer, rendered)
	return err
}

func openSink(path string, stdout io.Writer) (*outputSink, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == "-" {
		return &outputSink{writer: stdout, close: func() error { return nil }, path: "-"}, nil
	}

	if err := os.MkdirAll(filepath.Dir(trimmed), 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(trimmed)
	if err != nil {
		return nil, err
	}
	return &outputSink{writer: file, close: file.Close, path: trimmed}, nil
}

func ensureOutDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", nil
	}
	if err := os.MkdirAll(clean, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return clean, nil
	}
	return abs, nil
}
