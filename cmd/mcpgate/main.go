package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/smart-mcp-proxy/mcpgate/internal/cli/output"
	"github.com/smart-mcp-proxy/mcpgate/internal/cliclient"
	"github.com/smart-mcp-proxy/mcpgate/internal/config"
	"github.com/smart-mcp-proxy/mcpgate/internal/logs"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime"
)

var version = "v0.1.0" // injected by -ldflags during release builds

// app holds the state shared by every command of one invocation.
type app struct {
	v          *viper.Viper
	configFile string
	output     string
	jsonOut    bool
}

func main() {
	a := &app{v: config.NewViper()}
	root := a.rootCmd()
	if err := root.Execute(); err != nil {
		a.printError(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcpgate",
		Short: "MCP gateway - one endpoint for many MCP servers, scoped per client",
		Long: `mcpgate aggregates tools, prompts and resources of many backend MCP servers
behind one Streamable HTTP endpoint. Spaces group installations; feature sets
and grants decide what each client sees.

Without a subcommand mcpgate runs the gateway (same as "mcpgate serve").`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          a.runServe,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configFile, "config", "c", "", "Configuration file path")
	pf.StringP("data-dir", "d", "", "Data directory path (default: ~/"+config.DefaultDataDir+")")
	pf.StringP("listen", "l", "", "Listen address (default: "+config.DefaultListen+")")
	pf.String("api-key", "", "Control API key (default: generated into the data directory)")
	pf.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.StringVarP(&a.output, "output", "o", "", "Output format: table, json, yaml (env "+output.EnvFormat+")")
	pf.BoolVar(&a.jsonOut, "json", false, "Shorthand for --output=json")

	bindFlag(a.v, "data-dir", pf.Lookup("data-dir"))
	bindFlag(a.v, "listen", pf.Lookup("listen"))
	bindFlag(a.v, "api-key", pf.Lookup("api-key"))
	bindFlag(a.v, "logging.level", pf.Lookup("log-level"))

	root.AddCommand(
		a.serveCmd(),
		a.statusCmd(),
		a.doctorCmd(),
		a.spacesCmd(),
		a.serversCmd(),
		a.clientsCmd(),
		a.authzCmd(),
		a.importCmd(),
	)
	return root
}

// loadConfig merges file, environment and flags. Flags win.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return nil, &configError{err: err}
	}
	return cfg, nil
}

// client connects to the gateway described by the effective config. The
// API key falls back to the key file the gateway generated.
func (a *app) client() (*cliclient.Client, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	key := cfg.APIKey
	if key == "" {
		if key, err = runtime.ReadAPIKey(cfg); err != nil {
			return nil, err
		}
	}
	level := logs.LogLevelWarn
	if cfg.Logging != nil && cfg.Logging.Level != "" {
		level = cfg.Logging.Level
	}
	return cliclient.NewClient(cfg.Listen, key, logs.SetupCommandLogger(level).Sugar()), nil
}

func (a *app) formatter() output.Formatter {
	f, err := output.NewFormatter(output.ResolveFormat(a.output, a.jsonOut))
	if err != nil {
		f, _ = output.NewFormatter("table")
	}
	return f
}

func (a *app) tableMode() bool {
	_, ok := a.formatter().(*output.TableFormatter)
	return ok
}

// render prints rows as a table in table mode and data as-is otherwise.
func (a *app) render(w io.Writer, data any, headers []string, rows func() [][]string) error {
	f := a.formatter()
	var (
		out string
		err error
	)
	if _, isTable := f.(*output.TableFormatter); isTable && rows != nil {
		out, err = f.FormatTable(headers, rows())
	} else {
		out, err = f.Format(data)
	}
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}

func (a *app) printError(w io.Writer, err error) {
	out, ferr := a.formatter().FormatError(structuredError(err))
	if ferr != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return
	}
	fmt.Fprint(w, out)
}

func structuredError(err error) output.StructuredError {
	var se output.StructuredError
	if errors.As(err, &se) {
		return se
	}
	var apiErr *cliclient.APIError
	if errors.As(err, &apiErr) {
		return output.NewStructuredError(output.CodeForKind(apiErr.Kind), apiErr.Message).
			WithContext("status", apiErr.Status)
	}
	if errors.Is(err, cliclient.ErrUnreachable) {
		return output.NewStructuredError(output.ErrCodeGatewayNotRunning, err.Error()).
			WithGuidance("The gateway does not answer on its listen address.").
			WithRecoveryCommand("mcpgate serve")
	}
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return output.NewStructuredError(output.ErrCodeInvalidInput, err.Error()).
			WithGuidance(exitCodeDescription(ExitCodeConfigError))
	}
	if code := exitCodeFor(err); code != ExitCodeGeneralError {
		return output.NewStructuredError(output.ErrCodeOperationFailed, err.Error()).
			WithGuidance(exitCodeDescription(code))
	}
	return output.FromError(err, output.ErrCodeOperationFailed)
}

func bindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}
