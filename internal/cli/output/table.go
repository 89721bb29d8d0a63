package output

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
)

// TableFormatter formats output as an aligned text table.
type TableFormatter struct {
	// ForceTTY renders the decorated layout even when stdout is not a terminal.
	ForceTTY bool
}

// Format renders non-tabular data (a status object, a single record) as YAML,
// which reads well in a terminal.
func (f *TableFormatter) Format(data any) (string, error) {
	return (&YAMLFormatter{}).Format(data)
}

func (f *TableFormatter) FormatError(err StructuredError) (string, error) {
	var buf bytes.Buffer
	prefix := "Error"
	if err.Code != "" && f.isTTY() {
		prefix = fmt.Sprintf("Error [%s]", err.Code)
	}
	fmt.Fprintf(&buf, "%s: %s\n", prefix, err.Message)
	if err.Guidance != "" {
		fmt.Fprintf(&buf, "  Guidance: %s\n", err.Guidance)
	}
	if err.RecoveryCommand != "" {
		fmt.Fprintf(&buf, "  Try: %s\n", err.RecoveryCommand)
	}
	return buf.String(), nil
}

func (f *TableFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	if len(rows) == 0 {
		return "No results found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	if f.isTTY() {
		rules := make([]string, len(headers))
		for i, h := range headers {
			rules[i] = strings.Repeat("─", len(h))
		}
		fmt.Fprintln(w, strings.Join(rules, "\t"))
	}
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (f *TableFormatter) isTTY() bool {
	return f.ForceTTY || term.IsTerminal(int(os.Stdout.Fd()))
}
