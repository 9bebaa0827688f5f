// Copyright 2025 kvfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"kvfs/internal/util"
)

// DefaultBusyTimeout is the SQLite busy_timeout in milliseconds.
const DefaultBusyTimeout = 30000

// sqliteSchema is executed one statement at a time; libsql rejects
// multi-statement Exec.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS kv_strings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS kv_hashes (
    key TEXT NOT NULL,
    field TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (key, field)
)`,
}

type stringModel struct {
	bun.BaseModel `bun:"table:kv_strings"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

type hashModel struct {
	bun.BaseModel `bun:"table:kv_hashes"`

	Key   string `bun:"key,pk"`
	Field string `bun:"field,pk"`
	Value string `bun:"value,notnull"`
}

// SQLite is a Store kept in a local SQLite file. Scalars and hash fields
// live in two tables; batches run in one SQL transaction.
type SQLite struct {
	path string
	db   *bun.DB
}

var _ Store = (*SQLite)(nil)

// execPragma runs a PRAGMA through Query because libsql returns rows for
// PRAGMA statements.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

func applyPragmas(db *sql.DB) error {
	// busy_timeout first so journal_mode=WAL waits on locks instead of failing.
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", DefaultBusyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	return nil
}

// OpenSQLite opens (creating if needed) the SQLite store at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	sqlDB, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// PRAGMAs are per connection; a single connection keeps them applied and
	// serializes writers inside the process.
	sqlDB.SetMaxOpenConns(1)
	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	err = util.Retry(func() error {
		for _, stmt := range sqliteSchema {
			if _, err := sqlDB.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}, util.SQLiteBusyRetry(ctx, "create schema"))
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.WithField("path", path).Info("opened sqlite metadata store")
	return &SQLite{path: path, db: bun.NewDB(sqlDB, sqlitedialect.New())}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	var m stringModel
	err := s.db.NewSelect().
		Model(&m).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNil
	}
	if err != nil {
		return "", err
	}
	return m.Value, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	return setString(ctx, s.db, key, value)
}

func (s *SQLite) Del(ctx context.Context, key string) error {
	return delKey(ctx, s.db, key)
}

func (s *SQLite) HGet(ctx context.Context, key, field string) (string, error) {
	var m hashModel
	err := s.db.NewSelect().
		Model(&m).
		Where("key = ?", key).
		Where("field = ?", field).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNil
	}
	if err != nil {
		return "", err
	}
	return m.Value, nil
}

func (s *SQLite) HSet(ctx context.Context, key, field, value string) error {
	return setField(ctx, s.db, key, field, value)
}

func (s *SQLite) HDel(ctx context.Context, key, field string) error {
	return delField(ctx, s.db, key, field)
}

func (s *SQLite) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var rows []hashModel
	err := s.db.NewSelect().
		Model(&rows).
		Where("key = ?", key).
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Field] = r.Value
	}
	return out, nil
}

// Incr increments the counter with a single upsert so concurrent callers
// never observe the same value.
func (s *SQLite) Incr(ctx context.Context, key string) (int64, error) {
	return util.RetryWithResult(func() (int64, error) {
		var raw string
		err := s.db.NewRaw(
			`INSERT INTO kv_strings (key, value) VALUES (?, '1')
			 ON CONFLICT (key) DO UPDATE SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT)
			 RETURNING value`, key).Scan(ctx, &raw)
		if err != nil {
			return 0, err
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("counter %q holds non-integer value %q", key, raw)
		}
		return n, nil
	}, util.SQLiteBusyRetry(ctx, "incr"))
}

func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.NewRaw(
		`SELECT key FROM kv_strings WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix).Scan(ctx, &keys)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return keys, nil
}

// Exec applies the batch in one SQL transaction.
func (s *SQLite) Exec(ctx context.Context, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	return util.Retry(func() error {
		return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			for _, o := range b.ops {
				var err error
				switch o.kind {
				case opSet:
					err = setString(ctx, tx, o.key, o.value)
				case opDel:
					err = delKey(ctx, tx, o.key)
				case opHSet:
					err = setField(ctx, tx, o.key, o.field, o.value)
				case opHDel:
					err = delField(ctx, tx, o.key, o.field)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}, util.SQLiteBusyRetry(ctx, "exec"))
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func setString(ctx context.Context, db bun.IDB, key, value string) error {
	_, err := db.NewInsert().
		Model(&stringModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// delKey removes a scalar and any hash stored under key, matching DEL.
func delKey(ctx context.Context, db bun.IDB, key string) error {
	if _, err := db.NewDelete().
		Model((*stringModel)(nil)).
		Where("key = ?", key).
		Exec(ctx); err != nil {
		return err
	}
	_, err := db.NewDelete().
		Model((*hashModel)(nil)).
		Where("key = ?", key).
		Exec(ctx)
	return err
}

func setField(ctx context.Context, db bun.IDB, key, field, value string) error {
	_, err := db.NewInsert().
		Model(&hashModel{Key: key, Field: field, Value: value}).
		On("CONFLICT (key, field) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

func delField(ctx context.Context, db bun.IDB, key, field string) error {
	_, err := db.NewDelete().
		Model((*hashModel)(nil)).
		Where("key = ?", key).
		Where("field = ?", field).
		Exec(ctx)
	return err
}
