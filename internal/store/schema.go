package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/naka-gawa/github-stars-tracker/internal/domain"
)

// The repo name is unique, but the check is deferred to commit so a
// position-keyed update can move names between rows inside one transaction.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS repo (
	repo          TEXT    NOT NULL,
	owner         TEXT    NOT NULL,
	position_cur  INTEGER NOT NULL,
	position_prev INTEGER NOT NULL,
	stars         INTEGER NOT NULL DEFAULT 0,
	watchers      INTEGER NOT NULL DEFAULT 0,
	forks         INTEGER NOT NULL DEFAULT 0,
	open_issues   INTEGER NOT NULL DEFAULT 0,
	language      TEXT,
	CONSTRAINT repo_repo_key UNIQUE (repo) DEFERRABLE INITIALLY DEFERRED
)`,
	`CREATE TABLE IF NOT EXISTS activity (
	id      BIGSERIAL PRIMARY KEY,
	repo    TEXT    NOT NULL,
	date    DATE    NOT NULL,
	commits INTEGER NOT NULL,
	authors TEXT[]  NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS activity_repo_date_idx ON activity (repo, date)`,
}

// EnsureSchema creates the repo and activity tables when they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: failed to apply schema: %w", domain.ErrStoreWrite, err)
	}
	s.logger.Info("Schema is up to date")
	return nil
}
