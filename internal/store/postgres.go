package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/naka-gawa/github-stars-tracker/internal/domain"
)

const (
	selectRankingsSQL   = `SELECT repo, position_cur FROM repo ORDER BY stars DESC`
	selectWatermarksSQL = `SELECT repo, MAX(date) AS date FROM activity GROUP BY repo`

	insertRankingSQL = `INSERT INTO repo (repo, owner, position_cur, position_prev, stars, watchers, forks, open_issues, language)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	updateRankingSQL = `UPDATE repo SET repo = $1, owner = $2, position_cur = $3, position_prev = $4, stars = $5,
watchers = $6, forks = $7, open_issues = $8, language = $9`
	byPositionSQL = ` WHERE position_cur = $3`
	byNameSQL     = ` WHERE repo = $1`

	deleteDroppedSQL = `DELETE FROM repo WHERE NOT (repo = ANY($1))`

	insertActivitySQL = `INSERT INTO activity (repo, date, commits, authors) VALUES ($1, $2, $3, $4)`
)

// PostgresStore is the pgx implementation of Conn.
type PostgresStore struct {
	pool   Pool
	logger logrus.FieldLogger
	match  RankingMatch
}

// Option customizes a PostgresStore.
type Option func(*PostgresStore)

// WithRankingMatch chooses how UpdateRankings finds existing rows. Defaults to MatchPosition.
func WithRankingMatch(m RankingMatch) Option {
	return func(s *PostgresStore) { s.match = m }
}

// Connect opens a pool against dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, maxConns int32, timeout time.Duration, logger logrus.FieldLogger, opts ...Option) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to parse connection string: %w", domain.ErrConnection, err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to create connection pool: %w", domain.ErrConnection, err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: unable to ping database: %w", domain.ErrConnection, err)
	}

	logger.WithField("host", cfg.ConnConfig.Host).Debug("Connected to PostgreSQL")
	return New(pool, logger, opts...), nil
}

// New wraps an existing pool.
func New(pool Pool, logger logrus.FieldLogger, opts ...Option) *PostgresStore {
	s := &PostgresStore{pool: pool, logger: logger, match: MatchPosition}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) CurrentRankings(ctx context.Context) ([]domain.RankingRef, error) {
	rows, err := s.pool.Query(ctx, selectRankingsSQL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query rankings: %w", domain.ErrStoreRead, err)
	}
	defer rows.Close()

	var refs []domain.RankingRef
	for rows.Next() {
		var ref domain.RankingRef
		if err := rows.Scan(&ref.Name, &ref.CurrentPosition); err != nil {
			return nil, fmt.Errorf("%w: failed to scan ranking: %w", domain.ErrStoreRead, err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to read rankings: %w", domain.ErrStoreRead, err)
	}
	return refs, nil
}

func (s *PostgresStore) LatestActivityDates(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx, selectWatermarksSQL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query activity watermarks: %w", domain.ErrStoreRead, err)
	}
	defer rows.Close()

	watermarks := make(map[string]time.Time)
	for rows.Next() {
		var (
			repo string
			date time.Time
		)
		if err := rows.Scan(&repo, &date); err != nil {
			return nil, fmt.Errorf("%w: failed to scan activity watermark: %w", domain.ErrStoreRead, err)
		}
		watermarks[repo] = domain.DateOf(date)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to read activity watermarks: %w", domain.ErrStoreRead, err)
	}
	return watermarks, nil
}

func (s *PostgresStore) InsertRankings(ctx context.Context, rankings []domain.RepositoryRanking) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, r := range rankings {
			if _, err := tx.Exec(ctx, insertRankingSQL, rankingArgs(r)...); err != nil {
				return fmt.Errorf("failed to insert ranking %s: %w", r.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreWrite, err)
	}
	return nil
}

// UpdateRankings rewrites the stored leaderboard in one transaction.
// In MatchPosition mode a row that matches nothing is only counted and logged.
// In MatchName mode it is inserted, and stored repositories missing from
// rankings are deleted, so the table always mirrors the latest leaderboard.
func (s *PostgresStore) UpdateRankings(ctx context.Context, rankings []domain.RepositoryRanking) error {
	byName := s.match == MatchName
	query := updateRankingSQL + byPositionSQL
	if byName {
		query = updateRankingSQL + byNameSQL
	}

	var unmatched, inserted, dropped int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		names := make([]string, 0, len(rankings))
		for _, r := range rankings {
			names = append(names, r.Name)
			tag, err := tx.Exec(ctx, query, rankingArgs(r)...)
			if err != nil {
				return fmt.Errorf("failed to update ranking %s: %w", r.Name, err)
			}
			if tag.RowsAffected() > 0 {
				continue
			}
			if !byName {
				unmatched++
				continue
			}
			if _, err := tx.Exec(ctx, insertRankingSQL, rankingArgs(r)...); err != nil {
				return fmt.Errorf("failed to insert new ranking %s: %w", r.Name, err)
			}
			inserted++
		}
		if !byName {
			return nil
		}
		tag, err := tx.Exec(ctx, deleteDroppedSQL, names)
		if err != nil {
			return fmt.Errorf("failed to delete dropped rankings: %w", err)
		}
		dropped = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreWrite, err)
	}

	if unmatched > 0 {
		s.logger.WithFields(logrus.Fields{"unmatched": unmatched, "match": s.match}).Warn("Some rankings matched no stored row")
	}
	if inserted > 0 || dropped > 0 {
		s.logger.WithFields(logrus.Fields{"entered": inserted, "dropped": dropped}).Info("Leaderboard membership changed")
	}
	return nil
}

func (s *PostgresStore) AppendActivity(ctx context.Context, rows []domain.DailyActivity) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, a := range rows {
			if _, err := tx.Exec(ctx, insertActivitySQL, a.Repo, a.Date, a.Commits, a.Authors); err != nil {
				return fmt.Errorf("failed to append activity %s@%s: %w", a.Repo, a.Date.Format(time.DateOnly), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreWrite, err)
	}
	return nil
}

func rankingArgs(r domain.RepositoryRanking) []any {
	return []any{r.Name, r.Owner, r.CurrentPosition, r.PreviousPosition, r.Stars, r.Watchers, r.Forks, r.OpenIssues, r.Language}
}
