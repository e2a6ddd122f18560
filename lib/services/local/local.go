/*
Copyright 2024 Pharos Networks, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package local implements the policy store on SQLite. All cross
// entity mutations run inside a single transaction; transactions are
// opened immediate so concurrent writers serialize on the database
// write lock, which doubles as the allocation lease of the IP
// allocator and the CA activation lease.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/pharosvpn/pharos"
)

// Config holds store configuration.
type Config struct {
	// Path is the SQLite database file. Use an absolute path; the
	// special value ":memory:" is rejected because the store opens
	// multiple connections.
	Path string
	// Clock overrides wall clock time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing store path")
	}
	if c.Path == ":memory:" {
		return trace.BadParameter("in-memory stores are not supported, use a file in a temporary directory")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store is the SQLite-backed policy store.
type Store struct {
	db     *sql.DB
	clock  clockwork.Clock
	logger *slog.Logger
}

// New opens (creating if necessary) the store at the configured path
// and applies pending schema migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dsn := fmt.Sprintf("file:%v?_busy_timeout=10000&_foreign_keys=on&_txlock=immediate&_journal_mode=WAL", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// sqlite allows a single writer; a second connection would only
	// buy contention on the write lock
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		clock:  cfg.Clock,
		logger: slog.With(pharos.ComponentKey, pharos.ComponentStore),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return trace.Wrap(s.db.Close())
}

// inTx runs fn inside a transaction, committing on success and
// rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("Failed to roll back transaction.", "error", rbErr)
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}

// convertError maps driver errors onto the store error taxonomy.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return trace.NotFound("not found")
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return trace.AlreadyExists("%s", se.Error())
	}
	return trace.Wrap(err)
}

// unix converts a time to seconds for storage; the zero time maps to
// zero.
func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}

// at converts stored seconds back into a time; zero maps to the zero
// time.
func at(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
