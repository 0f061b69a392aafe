/*
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

package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	// Database driver registered as "pgx"; replaces the legacy lib/pq path.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SchemaSQL concatenates the embedded migrations in order. Backups snapshot
// it so a restore can rebuild the schema without the binary.
func SchemaSQL() ([]byte, error) {
	names, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("listing migrations, %w", err)
	}
	var out []byte
	for _, entry := range names {
		content, err := migrationFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s, %w", entry.Name(), err)
		}
		out = append(out, []byte("-- "+entry.Name()+"\n")...)
		out = append(out, content...)
		out = append(out, '\n')
	}
	return out, nil
}

// Store owns the database handle shared by every repository. Postgres is the
// source of truth; migrations must be applied before either binary serves.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database, %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("pinging database, %w", err)
	}
	return &Store{db: sqlx.NewDb(db, "pgx"), logger: logger}, nil
}

// NewFromDB wraps an existing handle. Used by tests with sqlmock.
func NewFromDB(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: sqlx.NewDb(db, "pgx"), logger: logger}
}

// Migrate applies all pending migrations. The pgvector extension is created
// by the first migration and must be installable by the connection role.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting migration dialect, %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("applying migrations, %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, s.db.DB)
	if err != nil {
		return fmt.Errorf("reading migration version, %w", err)
	}
	s.logger.Info("migrations applied", zap.Int64("version", version))
	return nil
}

// MigrationVersion returns the applied schema version without migrating.
func (s *Store) MigrationVersion(ctx context.Context) (int64, error) {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, fmt.Errorf("setting migration dialect, %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, s.db.DB)
	if err != nil {
		return 0, fmt.Errorf("reading migration version, %w", err)
	}
	return version, nil
}

func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction, %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back after %w, %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction, %w", err)
	}
	return nil
}
