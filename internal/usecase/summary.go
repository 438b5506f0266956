package usecase

import (
	"time"

	"github.com/montanaflynn/stats"

	"github.com/naka-gawa/github-stars-tracker/internal/domain"
)

// Summary describes what a successful run collected.
type Summary struct {
	Repositories       int           `json:"repositories"`
	ActiveRepositories int           `json:"active_repositories"`
	ActivityRows       int           `json:"activity_rows"`
	TotalCommits       int           `json:"total_commits"`
	MedianDailyCommits float64       `json:"median_daily_commits"`
	Duration           time.Duration `json:"duration"`
}

func summarize(rankings []domain.RepositoryRanking, active int, rows []domain.DailyActivity) Summary {
	s := Summary{
		Repositories:       len(rankings),
		ActiveRepositories: active,
		ActivityRows:       len(rows),
	}
	if len(rows) == 0 {
		return s
	}

	perDay := make(stats.Float64Data, len(rows))
	for i, r := range rows {
		perDay[i] = float64(r.Commits)
	}
	// Both only fail on empty input, which is excluded above.
	total, _ := stats.Sum(perDay)
	median, _ := stats.Median(perDay)
	s.TotalCommits = int(total)
	s.MedianDailyCommits = median
	return s
}
