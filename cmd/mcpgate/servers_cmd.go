package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smart-mcp-proxy/mcpgate/internal/cliclient"
	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
	"github.com/smart-mcp-proxy/mcpgate/internal/management"
)

// installFlags are the flags of "servers install".
type installFlags struct {
	transport    string
	headers      []string
	envs         []string
	workingDir   string
	inputs       []string
	secretInputs []string
	disabled     bool
}

func (a *app) serversCmd() *cobra.Command {
	var space string
	cmd := &cobra.Command{
		Use:     "servers",
		Aliases: []string{"server"},
		Short:   "Manage backend MCP server installations",
	}
	cmd.PersistentFlags().StringVarP(&space, "space", "s", "", "Space name or id (default: the active space)")

	// withInstallation resolves the space and the alias argument before fn.
	withInstallation := func(fn func(cmd *cobra.Command, c *cliclient.Client, id, alias string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			spaceID, err := c.ResolveSpace(cmd.Context(), space)
			if err != nil {
				return err
			}
			id, err := c.ResolveInstallation(cmd.Context(), spaceID, args[0])
			if err != nil {
				return err
			}
			return fn(cmd, c, id, args[0])
		}
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List installations with connection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			spaceID, err := c.ResolveSpace(cmd.Context(), space)
			if err != nil {
				return err
			}
			views, err := c.ListInstallations(cmd.Context(), spaceID)
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), views, []string{"ALIAS", "ENABLED", "STATE", "TOOLS", "PROMPTS", "RESOURCES", "ERROR"}, func() [][]string {
				rows := make([][]string, 0, len(views))
				for _, v := range views {
					rows = append(rows, []string{
						v.Alias, yesNo(v.Enabled), v.State,
						strconv.Itoa(v.ToolCount), strconv.Itoa(v.PromptCount), strconv.Itoa(v.ResourceCount),
						truncate(v.LastError, 60),
					})
				}
				return rows
			})
		},
	}

	var f installFlags
	install := &cobra.Command{
		Use:   "install <alias> [url] [-- command args...]",
		Short: "Install a backend MCP server into a space",
		Long: `Install a backend MCP server into a space.

For Streamable HTTP servers:
  mcpgate servers install notion https://mcp.notion.com/mcp
  mcpgate servers install weather https://api.example.com/mcp --header "Authorization: Bearer ${input:TOKEN}" --secret-input TOKEN --input TOKEN=abc

For stdio servers (use -- to separate the command):
  mcpgate servers install fs -- npx -y @modelcontextprotocol/server-filesystem /tmp
  mcpgate servers install github --env GITHUB_TOKEN='${input:TOKEN}' --secret-input TOKEN -- github-mcp-server stdio`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			spaceID, err := c.ResolveSpace(cmd.Context(), space)
			if err != nil {
				return err
			}
			req, err := buildInstallRequest(spaceID, args, cmd.ArgsLenAtDash(), f)
			if err != nil {
				return err
			}
			view, err := c.Install(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Installed %s (%s)\n", view.Alias, view.ID)
			return nil
		},
	}
	install.Flags().StringVar(&f.transport, "transport", "", "Transport: stdio or streamable-http (default: detected)")
	install.Flags().StringArrayVar(&f.headers, "header", nil, "HTTP header 'Name: value' (repeatable)")
	install.Flags().StringArrayVar(&f.envs, "env", nil, "Environment variable KEY=value for stdio servers (repeatable)")
	install.Flags().StringVar(&f.workingDir, "working-dir", "", "Working directory for stdio servers")
	install.Flags().StringArrayVar(&f.inputs, "input", nil, "Input value NAME=value (repeatable)")
	install.Flags().StringArrayVar(&f.secretInputs, "secret-input", nil, "Declare a required secret input NAME (repeatable)")
	install.Flags().BoolVar(&f.disabled, "disabled", false, "Install without connecting")

	uninstall := &cobra.Command{
		Use:   "uninstall <alias>",
		Short: "Remove an installation and its server feature set",
		Args:  cobra.ExactArgs(1),
		RunE: withInstallation(func(cmd *cobra.Command, c *cliclient.Client, id, alias string) error {
			if err := c.Uninstall(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uninstalled %s\n", alias)
			return nil
		}),
	}

	setEnabled := func(enabled bool) func(*cobra.Command, []string) error {
		return withInstallation(func(cmd *cobra.Command, c *cliclient.Client, id, alias string) error {
			if err := c.SetEnabled(cmd.Context(), id, enabled); err != nil {
				return err
			}
			verb := "Disabled"
			if enabled {
				verb = "Enabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, alias)
			return nil
		})
	}
	enable := &cobra.Command{Use: "enable <alias>", Short: "Enable an installation", Args: cobra.ExactArgs(1), RunE: setEnabled(true)}
	disable := &cobra.Command{Use: "disable <alias>", Short: "Disable an installation", Args: cobra.ExactArgs(1), RunE: setEnabled(false)}

	restart := &cobra.Command{
		Use:   "restart <alias>",
		Short: "Reconnect a backend",
		Args:  cobra.ExactArgs(1),
		RunE: withInstallation(func(cmd *cobra.Command, c *cliclient.Client, id, alias string) error {
			if err := c.Restart(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restarting %s\n", alias)
			return nil
		}),
	}

	login := &cobra.Command{
		Use:   "login <alias>",
		Short: "Start the OAuth login of an HTTP backend",
		Long:  "Start the OAuth login of an HTTP backend and print the URL to open in a browser.",
		Args:  cobra.ExactArgs(1),
		RunE: withInstallation(func(cmd *cobra.Command, c *cliclient.Client, id, alias string) error {
			authURL, err := c.Login(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Open this URL to authorize %s:\n%s\n", alias, authURL)
			return nil
		}),
	}

	configure := &cobra.Command{
		Use:   "configure <alias> NAME=value...",
		Short: "Set input values of an installation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parsePairs(args[1:], "=", "NAME=value")
			if err != nil {
				return err
			}
			return withInstallation(func(cmd *cobra.Command, c *cliclient.Client, id, alias string) error {
				if _, err := c.Configure(cmd.Context(), id, values); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated %d input(s) of %s\n", len(values), alias)
				return nil
			})(cmd, args)
		},
	}

	cmd.AddCommand(list, install, uninstall, enable, disable, restart, login, configure)
	return cmd
}

// buildInstallRequest turns "install" arguments into a request. dash is
// cobra's ArgsLenAtDash: the index of the first argument after "--", or -1.
func buildInstallRequest(spaceID string, args []string, dash int, f installFlags) (management.InstallRequest, error) {
	alias := args[0]
	var url string
	var command []string
	if dash >= 0 {
		if dash > 1 {
			url = args[1]
		}
		command = args[dash:]
		if len(command) == 0 {
			return management.InstallRequest{}, fmt.Errorf("command required after '--'")
		}
	} else if len(args) > 1 {
		url = args[1]
	}

	kind := contracts.TransportKind(f.transport)
	if kind == "" {
		if len(command) > 0 {
			kind = contracts.TransportStdio
		} else {
			kind = contracts.TransportHTTP
		}
	}

	headers, err := parsePairs(f.headers, ":", "'Name: value'")
	if err != nil {
		return management.InstallRequest{}, err
	}
	env, err := parsePairs(f.envs, "=", "KEY=value")
	if err != nil {
		return management.InstallRequest{}, err
	}
	values, err := parsePairs(f.inputs, "=", "NAME=value")
	if err != nil {
		return management.InstallRequest{}, err
	}

	tc := contracts.TransportConfig{Kind: kind}
	switch kind {
	case contracts.TransportStdio:
		if len(command) == 0 {
			return management.InstallRequest{}, fmt.Errorf("command required for stdio transport (use -- to separate)")
		}
		tc.Stdio = &contracts.StdioTransport{Command: command[0], Args: command[1:], Env: env, WorkingDir: f.workingDir}
	case contracts.TransportHTTP:
		if url == "" {
			return management.InstallRequest{}, fmt.Errorf("URL required for %s transport", kind)
		}
		tc.HTTP = &contracts.HTTPTransport{URL: url, Headers: headers}
	default:
		return management.InstallRequest{}, fmt.Errorf("unknown transport %q (valid: stdio, streamable-http)", f.transport)
	}

	inputs := make([]contracts.InputDecl, 0, len(f.secretInputs))
	for _, name := range f.secretInputs {
		inputs = append(inputs, contracts.InputDecl{Name: name, Required: true, Secret: true})
	}

	return management.InstallRequest{
		SpaceID:   spaceID,
		Alias:     alias,
		Transport: tc,
		Inputs:    inputs,
		Values:    values,
		Enabled:   !f.disabled,
	}, nil
}

// parsePairs splits each item at the first sep into a trimmed key/value.
func parsePairs(items []string, sep, want string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, sep)
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid value %q (expected %s)", item, want)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
