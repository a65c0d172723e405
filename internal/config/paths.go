package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// GetEnv returns the environment variable value or the default when unset.
func GetEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// DefaultConfigPath returns the default config file path for the given
// component name (e.g. "host.yaml", "hub.yaml").
func DefaultConfigPath(name string) string {
	home, _ := os.UserHomeDir()
	programData := os.Getenv("ProgramData")
	return ResolveConfigPath(runtime.GOOS, home, programData, name)
}

// ResolveConfigPath constructs a config file path for the given OS and base
// directories. It is mainly used in tests.
func ResolveConfigPath(goos, home, programData, name string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "eurora", name)
	case "windows":
		if programData == "" {
			programData = "C:/ProgramData"
		}
		programData = strings.TrimRight(programData, "\\/")
		return filepath.Join(programData, "eurora", name)
	default:
		return filepath.Join(home, ".config", "eurora", name)
	}
}

// DefaultLogDir returns the per-OS log directory for the bridge binaries.
func DefaultLogDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "eurora")
	case "windows":
		pd := os.Getenv("ProgramData")
		if pd == "" {
			pd = "C:/ProgramData"
		}
		return filepath.Join(strings.TrimRight(pd, "\\/"), "eurora", "Logs")
	default:
		return filepath.Join(home, ".local", "state", "eurora")
	}
}
