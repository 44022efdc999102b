package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"turtlecraft.ai/internal/protocol"
)

// Store keeps JSON documents grouped in named collections inside a single
// sqlite file. It offers the handful of document operations the dispatcher
// needs and nothing more; there are no multi-document transactions.
type Store struct {
	db   *sql.DB
	opts Options
	once sync.Once
}

type Options struct {
	// MaxAttempts bounds retries of a single operation while sqlite reports
	// the database busy or locked. Other errors are never retried.
	MaxAttempts int
	Backoff     time.Duration
	Logger      *log.Logger

	retryable func(error) bool
}

func (o *Options) normalize() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.Backoff <= 0 {
		o.Backoff = 25 * time.Millisecond
	}
	if o.retryable == nil {
		o.retryable = isBusy
	}
}

func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	opts.normalize()
	return &Store{db: db, opts: opts}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			body TEXT NOT NULL CHECK (json_valid(body))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection, id);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}

func (s *Store) Collection(name string) *Collection {
	return &Collection{s: s, name: name}
}

// retry runs fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. Failures come back tagged E_STORE_FAILURE.
func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !s.opts.retryable(err) || attempt == s.opts.MaxAttempts {
			break
		}
		backoff := time.Duration(attempt*attempt) * s.opts.Backoff
		s.printf("docstore %s busy (attempt %d/%d), retrying in %s", op, attempt, s.opts.MaxAttempts, backoff)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return protocol.StoreFailure(op, ctx.Err())
		case <-t.C:
		}
	}
	return protocol.StoreFailure(op, err)
}

func (s *Store) printf(format string, args ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf(format, args...)
	}
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
