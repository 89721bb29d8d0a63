package core

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	uptransport "github.com/mark3labs/mcp-go/client/transport"
	"go.uber.org/zap"
)

// processKillGrace is how long a backend gets between SIGTERM and SIGKILL.
const processKillGrace = 2 * time.Second

// StdioDialer spawns local backend processes speaking MCP over stdin/stdout.
type StdioDialer struct {
	logger *zap.Logger
}

// NewStdioDialer creates a StdioDialer.
func NewStdioDialer(logger *zap.Logger) *StdioDialer {
	return &StdioDialer{logger: logger}
}

// Dial spawns the process and starts the client. The returned session is not
// yet initialized.
func (d *StdioDialer) Dial(ctx context.Context, spec DialSpec) (Session, error) {
	cfg := spec.Transport.Stdio
	if cfg == nil || strings.TrimSpace(cfg.Command) == "" {
		return nil, &ConfigError{Reason: "stdio transport requires a command"}
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("command %q not found: %v", cfg.Command, err)}
	}

	logger := spec.Logger
	if logger == nil {
		logger = d.logger
	}
	logger = logger.With(zap.String("transport", "stdio"))

	var (
		cmdMu sync.Mutex
		cmd   *exec.Cmd
	)
	track := func(c *exec.Cmd) {
		cmdMu.Lock()
		cmd = c
		cmdMu.Unlock()
	}

	stdio := uptransport.NewStdioWithOptions(cfg.Command, BuildEnvironment(cfg.Env), cfg.Args,
		uptransport.WithCommandFunc(commandFunc(cfg.WorkingDir, track, logger)))

	// The process lives as long as the session, not the dial context.
	procCtx, cancel := context.WithCancel(context.Background())
	c := client.NewClient(stdio)

	started := make(chan error, 1)
	go func() { started <- c.Start(procCtx) }()
	select {
	case err := <-started:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to start %s: %w", cfg.Command, err)
		}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	if stderr := stdio.Stderr(); stderr != nil {
		go pipeStderr(stderr, logger)
	}

	closer := func() {
		cmdMu.Lock()
		proc := cmd
		cmdMu.Unlock()
		killProcessGroup(proc, processKillGrace, logger)
		cancel()
	}
	return newMCPSession(c, spec.Alias, logger, nil, closer), nil
}

// pipeStderr copies backend stderr lines into the backend log.
func pipeStderr(r io.Reader, logger *zap.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			logger.Info("stderr", zap.String("line", line))
		}
	}
}
