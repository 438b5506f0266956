// Package store persists rankings and daily activity in PostgreSQL.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/naka-gawa/github-stars-tracker/internal/domain"
)

// Store is the persistence surface the collector needs.
type Store interface {
	CurrentRankings(ctx context.Context) ([]domain.RankingRef, error)
	LatestActivityDates(ctx context.Context) (map[string]time.Time, error)
	InsertRankings(ctx context.Context, rankings []domain.RepositoryRanking) error
	UpdateRankings(ctx context.Context, rankings []domain.RepositoryRanking) error
	AppendActivity(ctx context.Context, rows []domain.DailyActivity) error
}

// Conn is a Store holding a connection that must be released with Close.
type Conn interface {
	Store
	EnsureSchema(ctx context.Context) error
	Close()
}

// Pool is the subset of *pgxpool.Pool used by PostgresStore.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// RankingMatch selects which column UpdateRankings matches existing rows on.
type RankingMatch string

const (
	// MatchPosition overwrites whichever row currently holds the same rank.
	MatchPosition RankingMatch = "position"
	// MatchName updates the row of the same repository.
	MatchName RankingMatch = "name"
)
