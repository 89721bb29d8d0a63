//go:build unix

package core

import (
	"context"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// commandFunc builds the backend command in its own process group so the
// whole tree can be signalled on close.
func commandFunc(workingDir string, track func(*exec.Cmd), logger *zap.Logger) func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
	return func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Env = env
		if workingDir != "" {
			cmd.Dir = workingDir
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: 0}

		logger.Debug("Spawning backend process",
			zap.String("command", command),
			zap.Strings("args", args),
			zap.String("working_dir", workingDir))

		if track != nil {
			track(cmd)
		}
		return cmd, nil
	}
}

// killProcessGroup sends SIGTERM to the group, then SIGKILL after grace.
func killProcessGroup(cmd *exec.Cmd, grace time.Duration, logger *zap.Logger) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil || pgid <= 0 {
		return
	}
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return
	}

	go func() {
		time.Sleep(grace)
		if syscall.Kill(-pgid, 0) == nil {
			logger.Warn("Backend process group still running after SIGTERM, sending SIGKILL", zap.Int("pgid", pgid))
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		}
	}()
}
