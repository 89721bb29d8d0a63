//go:build windows

package core

import (
	"context"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

func commandFunc(workingDir string, track func(*exec.Cmd), logger *zap.Logger) func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
	return func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Env = env
		if workingDir != "" {
			cmd.Dir = workingDir
		}
		logger.Debug("Spawning backend process",
			zap.String("command", command),
			zap.Strings("args", args))
		if track != nil {
			track(cmd)
		}
		return cmd, nil
	}
}

// TODO: use a Job Object so grandchildren are terminated too.
func killProcessGroup(cmd *exec.Cmd, _ time.Duration, _ *zap.Logger) {
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
