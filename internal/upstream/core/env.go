package core

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// inheritedVars are the only host variables passed to spawned backends.
var inheritedVars = []string{
	"PATH", "HOME", "TMPDIR", "TEMP", "TMP", "SHELL", "TERM", "LANG", "USER", "USERNAME",
	"LC_ALL", "LC_CTYPE", "LC_MESSAGES",
	"XDG_CONFIG_HOME", "XDG_DATA_HOME", "XDG_CACHE_HOME", "XDG_RUNTIME_DIR",
	"USERPROFILE", "APPDATA", "LOCALAPPDATA", "PROGRAMFILES", "SYSTEMROOT", "COMSPEC",
}

// extraPathDirs are appended to PATH when missing. Launchd and desktop
// launchers start processes with a minimal PATH that lacks package managers.
func extraPathDirs() []string {
	if runtime.GOOS == "windows" {
		return nil
	}
	dirs := []string{"/usr/local/bin", "/opt/homebrew/bin", "/usr/bin", "/bin"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "bin"), filepath.Join(home, ".cargo", "bin"))
	}
	return dirs
}

// BuildEnvironment returns the environment for a spawned backend: the allowed
// host variables, an enhanced PATH, then custom values (which win).
func BuildEnvironment(custom map[string]string) []string {
	env := make(map[string]string, len(inheritedVars)+len(custom))
	for _, key := range inheritedVars {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	env["PATH"] = enhancePath(env["PATH"])
	for k, v := range custom {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func enhancePath(existing string) string {
	sep := string(os.PathListSeparator)
	var parts []string
	if existing != "" {
		parts = strings.Split(existing, sep)
	}
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		seen[p] = true
	}
	for _, d := range extraPathDirs() {
		if seen[d] {
			continue
		}
		if _, err := os.Stat(d); err == nil {
			parts = append(parts, d)
			seen[d] = true
		}
	}
	return strings.Join(parts, sep)
}
