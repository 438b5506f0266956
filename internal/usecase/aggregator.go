// Package usecase contains the business logic of the application.
package usecase

import (
	"fmt"
	"time"

	"github.com/naka-gawa/github-stars-tracker/internal/domain"
)

// AggregateActivity rolls raw commits up into one DailyActivity per UTC date.
// Days appear in the order they are first seen in commits, and so do the
// authors within a day. An empty input yields an empty result.
func AggregateActivity(repoName string, commits []domain.CommitEvent) ([]domain.DailyActivity, error) {
	type bucket struct {
		commits int
		authors []string
		seen    map[string]struct{}
	}

	var order []time.Time
	buckets := make(map[time.Time]*bucket)
	for i, c := range commits {
		if c.AuthoredAt == nil {
			return nil, fmt.Errorf("%w: commit %d of %s has no author date", domain.ErrAggregation, i, repoName)
		}
		day := domain.DateOf(*c.AuthoredAt)
		b, ok := buckets[day]
		if !ok {
			b = &bucket{seen: make(map[string]struct{})}
			buckets[day] = b
			order = append(order, day)
		}
		b.commits++
		if _, dup := b.seen[c.AuthorName]; !dup {
			b.seen[c.AuthorName] = struct{}{}
			b.authors = append(b.authors, c.AuthorName)
		}
	}

	rollups := make([]domain.DailyActivity, 0, len(order))
	for _, day := range order {
		b := buckets[day]
		rollups = append(rollups, domain.DailyActivity{
			Repo:    repoName,
			Date:    day,
			Commits: b.commits,
			Authors: b.authors,
		})
	}
	return rollups, nil
}
