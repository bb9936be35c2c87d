package db

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/sym"
)

// SQLiteBusyTimeoutMS is how long a connection waits on a locked database
// before the driver returns SQLITE_BUSY.
const SQLiteBusyTimeoutMS = 5000

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DSN builds the driver connection string for path. Every pooled connection
// gets WAL, foreign keys, the busy timeout and immediate transactions, so
// BEGIN takes the write lock up front and read-check-write sequences are
// serialized across processes sharing the file.
func DSN(path string) string {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", fmt.Sprintf("%d", SQLiteBusyTimeoutMS))
	params.Set("_txlock", "immediate")

	if path != MemoryPath {
		params.Set("_journal_mode", "WAL")
	}
	return path + "?" + params.Encode()
}

// Open opens a SQLite database at the specified path.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "symbol", sym.DB)
	}

	db, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Each connection to :memory: is its own database
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.WithDetail(errors.Wrap(err, "failed to connect to database"), fmt.Sprintf("Path: %s", path))
	}

	if logger != nil {
		logger.Infow("Database opened",
			"path", path,
			"symbol", sym.DB,
			"busy_timeout_ms", SQLiteBusyTimeoutMS,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and brings its schema up to date.
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return db, nil
}
