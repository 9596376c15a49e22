// Package history persists completed turns to a local SQLite database so
// past conversations can be inspected after restarts.
package history

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"agentdeck/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the turn database connection.
type DB struct {
	conn *sql.DB
}

// NewDB opens (creating if necessary) the turn database at path and
// brings the schema up to date. The parent directory is created with
// owner-only permissions.
func NewDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("configuring database: %w", err)
	}

	if err := applyMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating database %s: %w", path, err)
	}

	log.Debug(log.CatHistory, "History database ready", "path", path)
	return &DB{conn: conn}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// applyMigrations walks the embedded migration set in version order and
// applies every version newer than the recorded one. The iofs source
// driver owns discovery and ordering; execution runs on our own
// connection because the agent database and the migrator must share one
// SQLite handle.
func applyMigrations(conn *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	defer src.Close()

	if _, err := conn.Exec(
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`,
	); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := conn.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	version, err := src.First()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading first migration: %w", err)
	}

	for {
		if !current.Valid || int64(version) > current.Int64 {
			if err := applyOne(conn, src, version); err != nil {
				return err
			}
		}

		next, err := src.Next(version)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("reading migration after %d: %w", version, err)
		}
		version = next
	}
}

func applyOne(conn *sql.DB, src source.Driver, version uint) error {
	r, identifier, err := src.ReadUp(version)
	if err != nil {
		return fmt.Errorf("reading migration %d: %w", version, err)
	}
	defer r.Close()

	stmts, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", identifier, err)
	}

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration %s: %w", identifier, err)
	}
	if _, err := tx.Exec(string(stmts)); err != nil {
		tx.Rollback()
		return fmt.Errorf("applying migration %s: %w", identifier, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
		tx.Rollback()
		return fmt.Errorf("recording migration %s: %w", identifier, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %s: %w", identifier, err)
	}

	log.Info(log.CatHistory, "Applied migration", "version", version, "name", identifier)
	return nil
}
