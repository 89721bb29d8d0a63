package logs

import (
	"os"
	"path/filepath"
	"runtime"
)

const appDirName = "mcpgate"

// GetLogDir returns the standard log directory for the current OS
func GetLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appDirName, "logs"), nil
	}

	switch runtime.GOOS {
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, appDirName, "logs"), nil
		}
		return filepath.Join(homeDir, "AppData", "Local", appDirName, "logs"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Logs", appDirName), nil
	case "linux":
		stateDir := os.Getenv("XDG_STATE_HOME")
		if stateDir == "" {
			stateDir = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateDir, appDirName, "logs"), nil
	default:
		return filepath.Join(homeDir, ".mcpgate", "logs"), nil
	}
}
