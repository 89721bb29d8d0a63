package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smart-mcp-proxy/mcpgate/internal/httpapi"
)

func (a *app) importCmd() *cobra.Command {
	var (
		space      string
		format     string
		only       []string
		preview    bool
		keepInline bool
	)
	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Import servers from another MCP client's configuration",
		Long: `Import servers from another MCP client's configuration file.

Claude Desktop, Claude Code, Cursor, Gemini (JSON) and Codex (TOML) files are
detected automatically. Credentials found in env vars and headers become
encrypted inputs unless --keep-secrets-inline is given.

Examples:
  mcpgate import ~/Library/Application\ Support/Claude/claude_desktop_config.json --preview
  mcpgate import ~/.codex/config.toml --space work --only github,linear
  cat mcp.json | mcpgate import - --format cursor`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readSource(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			spaceID, err := c.ResolveSpace(cmd.Context(), space)
			if err != nil {
				return err
			}
			resp, err := c.Import(cmd.Context(), spaceID, httpapi.ImportRequest{
				Content:           content,
				Format:            format,
				Only:              only,
				Preview:           preview,
				KeepSecretsInline: keepInline,
			})
			if err != nil {
				return err
			}
			return a.renderImport(cmd.OutOrStdout(), resp, preview)
		},
	}
	cmd.Flags().StringVarP(&space, "space", "s", "", "Target space name or id (default: the active space)")
	cmd.Flags().StringVar(&format, "format", "", "Source format (claude_desktop, claude_code, cursor, codex, gemini)")
	cmd.Flags().StringSliceVar(&only, "only", nil, "Import only these server names")
	cmd.Flags().BoolVar(&preview, "preview", false, "Show what would be imported without installing")
	cmd.Flags().BoolVar(&keepInline, "keep-secrets-inline", false, "Keep credentials as written instead of encrypted inputs")
	return cmd
}

func readSource(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

func (a *app) renderImport(w io.Writer, resp *httpapi.ImportResponse, preview bool) error {
	if !a.tableMode() {
		return a.render(w, resp, nil, nil)
	}
	headers := []string{"NAME", "ALIAS", "TRANSPORT", "RESULT"}
	rows := func() [][]string {
		var rows [][]string
		if resp.Result != nil {
			for _, c := range resp.Candidates {
				result := "installed"
				if preview {
					result = "would install"
				}
				if len(c.Warnings) > 0 {
					result += " (" + strings.Join(c.Warnings, "; ") + ")"
				}
				rows = append(rows, []string{c.OriginalName, c.Alias, string(c.Transport.Kind), result})
			}
			for _, s := range resp.Skipped {
				rows = append(rows, []string{s.Name, "-", "-", "skipped: " + s.Reason})
			}
			for _, f := range resp.Failed {
				rows = append(rows, []string{f.Name, "-", "-", "failed: " + f.Error})
			}
		}
		return rows
	}
	if err := a.render(w, resp, headers, rows); err != nil {
		return err
	}
	if resp.Result != nil {
		s := resp.Summary
		fmt.Fprintf(w, "\n%s: %d total, %d imported, %d skipped, %d failed\n",
			resp.FormatDisplayName, s.Total, s.Imported, s.Skipped, s.Failed)
	}
	return nil
}
