// Package output renders CLI results as tables, JSON or YAML.
package output

import (
	"fmt"
	"os"
	"strings"
)

// EnvFormat selects the default output format.
const EnvFormat = "MCPGATE_OUTPUT"

// Formatter formats structured data for CLI output.
type Formatter interface {
	// Format renders arbitrary data. The table formatter falls back to
	// YAML-like key listing for non-tabular data.
	Format(data any) (string, error)
	FormatError(err StructuredError) (string, error)
	FormatTable(headers []string, rows [][]string) (string, error)
}

// NewFormatter creates a formatter for table, json or yaml.
func NewFormatter(format string) (Formatter, error) {
	switch strings.ToLower(format) {
	case "json":
		return &JSONFormatter{Indent: true}, nil
	case "yaml":
		return &YAMLFormatter{}, nil
	case "table", "":
		return &TableFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown output format: %s (valid: table, json, yaml)", format)
	}
}

// ResolveFormat picks the format: --json, then --output, then the
// environment, then table.
func ResolveFormat(outputFlag string, jsonFlag bool) string {
	if jsonFlag {
		return "json"
	}
	if outputFlag != "" {
		return outputFlag
	}
	if env := os.Getenv(EnvFormat); env != "" {
		return env
	}
	return "table"
}

// tableObjects turns rows into header-keyed maps for the structured formats.
func tableObjects(headers []string, rows [][]string) []map[string]string {
	out := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		obj := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(row) {
				obj[h] = row[i]
			} else {
				obj[h] = ""
			}
		}
		out = append(out, obj)
	}
	return out
}
