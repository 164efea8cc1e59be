// Package db opens the workspace-scoped SQLite store. All engine state lives
// in a .qpilot dot-directory inside the workspace, created on first open.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	dotDir = ".qpilot"
	dbFile = "qpilot.db"
)

type Config struct {
	Workspace string
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dotDir, dbFile)
}

// Open creates the dot-directory if missing and opens the database with
// foreign keys enforced.
func Open(cfg Config) (*sql.DB, error) {
	path := Path(cfg.Workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", path))
	if err != nil {
		return nil, err
	}
	return conn, nil
}
