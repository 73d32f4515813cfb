package config

import (
	"os"
	"path/filepath"
)

func DefaultConfigDir() string {
	if v := os.Getenv("HPCCONNECT_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".hpcconnect")
}

func DefaultConfigPath() string {
	if v := os.Getenv("HPCCONNECT_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(DefaultConfigDir(), "config")
}

// SessionsDir holds one summary file per connected session.
func SessionsDir() string {
	return filepath.Join(DefaultConfigDir(), "sessions")
}
