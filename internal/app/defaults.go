package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables read by GetDefaults and the CLI.
const (
	EnvConfigPath  = "HB_CONFIG_PATH"
	EnvHome        = "HB_HOME"
	EnvAccessToken = "HB_ACCESS_TOKEN"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - HB_CONFIG_PATH: config file location (default: ~/.config/hb.toml)
//   - HB_HOME: base directory for hb data (default: ~/.local/share/hb)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

func getConfigPath() (string, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "hb.toml"), nil
}

// getBaseDir returns the base directory for hb data, checking HB_HOME first,
// then falling back to the XDG default ~/.local/share/hb.
func getBaseDir() (string, error) {
	if path := os.Getenv(EnvHome); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "hb"), nil
}
