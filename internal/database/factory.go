package database

import (
	"fmt"
	"path/filepath"

	"hb-go/internal/config"
	"hb-go/internal/hb"
)

// FileName is the name of the run history database inside data_dir.
const FileName = "hb.db"

// NewDatabaseFromConfig creates a Database implementation based on the database config type.
func NewDatabaseFromConfig(cfg config.DatabaseConfig) (hb.Database, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		db, err := NewSQLiteDatabase(filepath.Join(cfg.DataDir, FileName))
		if err != nil {
			return nil, err
		}
		return db, nil
	case "memory":
		db, err := NewSQLiteDatabase(":memory:")
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
