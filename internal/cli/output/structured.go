package output

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// JSONFormatter writes JSON. HTML characters are left unescaped so
// authorization URLs stay copyable.
type JSONFormatter struct {
	Indent bool
}

func (f *JSONFormatter) Format(data any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if f.Indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (f *JSONFormatter) FormatError(err StructuredError) (string, error) { return f.Format(err) }

// FormatTable emits the rows as an array of header-keyed objects.
func (f *JSONFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	return f.Format(tableObjects(headers, rows))
}

// YAMLFormatter writes YAML with two-space indentation.
type YAMLFormatter struct{}

func (f *YAMLFormatter) Format(data any) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (f *YAMLFormatter) FormatError(err StructuredError) (string, error) { return f.Format(err) }

func (f *YAMLFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	return f.Format(tableObjects(headers, rows))
}
