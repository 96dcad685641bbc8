package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const journalName = "journal.db"

type Config struct {
	StateDir string
}

func journalPath(stateDir string) string {
	if stateDir == "" {
		stateDir = "."
	}
	return filepath.Join(stateDir, ".changeline", journalName)
}

// EnsureStateDir creates the engine's private directory if missing.
func EnsureStateDir(stateDir string) (string, error) {
	path := filepath.Join(stateDir, ".changeline")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the journal database.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureStateDir(cfg.StateDir); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", journalPath(cfg.StateDir))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the journal path for the state directory.
func Path(stateDir string) string {
	return journalPath(stateDir)
}
