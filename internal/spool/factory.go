package spool

import (
	"fmt"
	"os"
	"path/filepath"

	"hb-go/internal/config"
	"hb-go/internal/hb"
)

// NewSpoolFromConfig creates a Spool implementation based on the config type.
func NewSpoolFromConfig(cfg config.SpoolConfig) (hb.Spool, error) {
	switch cfg.Type {
	case "memory":
		return NewMemorySpool(cfg.MaxSize), nil
	case "filesystem", "":
		dir := cfg.SpoolDir
		if dir == "" {
			dir = filepath.Join(os.TempDir(), "hb-spool")
		}
		return NewFileSystemSpool(dir, cfg.MaxSize)
	default:
		return nil, fmt.Errorf("unknown spool type: %s", cfg.Type)
	}
}
