package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/naka-gawa/github-stars-tracker/internal/domain"
	"github.com/naka-gawa/github-stars-tracker/internal/gateway"
	"github.com/naka-gawa/github-stars-tracker/internal/metrics"
	"github.com/naka-gawa/github-stars-tracker/internal/store"
)

const defaultLookbackDays = 7

// Collector is the use case for one collection run.
// It ranks the leaderboard first and collects commit activity second, so a
// stored leaderboard survives an activity phase that fails.
type Collector struct {
	fetcher      gateway.Fetcher
	store        store.Store
	logger       logrus.FieldLogger
	metrics      *metrics.Recorder
	now          func() time.Time
	lookbackDays int
	concurrency  int

	mu    sync.Mutex
	phase Phase
}

// CollectorOption customizes a Collector.
type CollectorOption func(*Collector)

// WithClock replaces time.Now, which decides the fallback watermark.
func WithClock(now func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = now }
}

// WithLookbackDays sets how far back repositories without a watermark are fetched.
func WithLookbackDays(days int) CollectorOption {
	return func(c *Collector) { c.lookbackDays = days }
}

// WithConcurrency caps simultaneous activity fetches. Zero means one task per repository at once.
func WithConcurrency(n int) CollectorOption {
	return func(c *Collector) { c.concurrency = n }
}

// WithMetrics records run metrics on r.
func WithMetrics(r *metrics.Recorder) CollectorOption {
	return func(c *Collector) { c.metrics = r }
}

// NewCollector creates a new Collector instance.
func NewCollector(fetcher gateway.Fetcher, st store.Store, logger logrus.FieldLogger, opts ...CollectorOption) *Collector {
	c := &Collector{
		fetcher:      fetcher,
		store:        st,
		logger:       logger,
		now:          time.Now,
		lookbackDays: defaultLookbackDays,
		phase:        PhaseIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Phase returns the step the collector is in.
func (c *Collector) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Run performs the main business logic.
// Any error is returned as a *PhaseError and leaves the collector in PhaseFailed.
func (c *Collector) Run(ctx context.Context) (Summary, error) {
	started := c.now()

	c.enter(PhaseFetchingOldRankings)
	oldRankings, err := c.store.CurrentRankings(ctx)
	if err != nil {
		return Summary{}, c.fail(err)
	}

	c.enter(PhaseFetchingLeaderboard)
	fresh, err := c.fetcher.FetchLeaderboard(ctx)
	if err != nil {
		return Summary{}, c.fail(err)
	}

	c.enter(PhasePersistingRankings)
	rankings, err := c.persistRankings(ctx, oldRankings, fresh)
	if err != nil {
		return Summary{}, c.fail(err)
	}
	c.metrics.SetRepositoriesRanked(len(rankings))

	c.enter(PhaseFetchingOldWatermarks)
	watermarks, err := c.store.LatestActivityDates(ctx)
	if err != nil {
		return Summary{}, c.fail(err)
	}

	c.enter(PhaseFetchingActivity)
	c.checkRateBudget(ctx, len(rankings))
	activity, active, err := c.collectActivity(ctx, rankings, watermarks, started)
	if err != nil {
		return Summary{}, c.fail(err)
	}

	c.enter(PhasePersistingActivity)
	if len(activity) == 0 {
		c.logger.Info("No new activity to persist")
	} else if err := c.store.AppendActivity(ctx, activity); err != nil {
		return Summary{}, c.fail(err)
	}
	c.metrics.SetActivityRows(len(activity))

	c.enter(PhaseDone)
	summary := summarize(rankings, active, activity)
	summary.Duration = c.now().Sub(started)
	c.logger.WithFields(logrus.Fields{
		"repositories":         summary.Repositories,
		"active_repositories":  summary.ActiveRepositories,
		"activity_rows":        summary.ActivityRows,
		"total_commits":        summary.TotalCommits,
		"median_daily_commits": summary.MedianDailyCommits,
		"duration":             summary.Duration.String(),
	}).Info("Collection complete")
	return summary, nil
}

// persistRankings inserts the leaderboard on the first run and updates it afterwards.
func (c *Collector) persistRankings(ctx context.Context, old []domain.RankingRef, fresh []domain.RepositoryRanking) ([]domain.RepositoryRanking, error) {
	rankings := Reconcile(rankIndex(old), fresh)
	log := c.logger.WithField("repositories", len(rankings))

	if len(old) == 0 {
		log.Info("Creating leaderboard")
		if err := c.store.InsertRankings(ctx, rankings); err != nil {
			return nil, err
		}
		return rankings, nil
	}

	log.Info("Updating leaderboard")
	if err := c.store.UpdateRankings(ctx, rankings); err != nil {
		return nil, err
	}
	return rankings, nil
}

// collectActivity fetches every repository's commits concurrently, waits for
// all of them, then rolls them up. Repositories without commits are dropped.
func (c *Collector) collectActivity(ctx context.Context, rankings []domain.RepositoryRanking, watermarks map[string]time.Time, now time.Time) ([]domain.DailyActivity, int, error) {
	raw := make([][]domain.CommitEvent, len(rankings))

	eg, egCtx := errgroup.WithContext(ctx)
	if c.concurrency > 0 {
		eg.SetLimit(c.concurrency)
	}
	for i, r := range rankings {
		i, r := i, r
		since := SinceDate(watermarks, r.Name, now, c.lookbackDays)
		eg.Go(func() error {
			commits, err := c.fetcher.FetchCommitsSince(egCtx, r.Name, since)
			if err != nil {
				return err
			}
			raw[i] = commits
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, 0, err
	}

	var activity []domain.DailyActivity
	active := 0
	for i, r := range rankings {
		if len(raw[i]) == 0 {
			continue
		}
		rows, err := AggregateActivity(r.Name, raw[i])
		if err != nil {
			return nil, 0, err
		}
		c.metrics.AddCommitsFetched(len(raw[i]))
		activity = append(activity, rows...)
		active++
	}
	c.logger.WithFields(logrus.Fields{"active_repositories": active, "rows": len(activity)}).Debug("Activity rolled up")
	return activity, active, nil
}

// checkRateBudget logs the remaining API budget. A failure here never aborts the run.
func (c *Collector) checkRateBudget(ctx context.Context, repositories int) {
	budget, err := c.fetcher.FetchRateLimit(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Could not read API rate limit")
		return
	}
	c.metrics.SetRateRemaining(budget.Remaining)
	log := c.logger.WithFields(logrus.Fields{
		"remaining": budget.Remaining,
		"limit":     budget.Limit,
		"reset_at":  budget.ResetAt.Format(time.RFC3339),
	})
	if budget.Remaining < repositories {
		log.Warn("API budget is lower than the number of repositories to fetch")
		return
	}
	log.Debug("API budget checked")
}

// SinceDate returns the stored watermark for repo, or midnight UTC lookbackDays before now.
func SinceDate(watermarks map[string]time.Time, repo string, now time.Time, lookbackDays int) time.Time {
	if w, ok := watermarks[repo]; ok {
		return w
	}
	return domain.DateOf(now).AddDate(0, 0, -lookbackDays)
}

func (c *Collector) enter(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	c.logger.WithField("phase", p).Debug("Entering phase")
}

func (c *Collector) fail(err error) error {
	c.mu.Lock()
	failed := c.phase
	c.phase = PhaseFailed
	c.mu.Unlock()

	c.logger.WithError(err).WithField("phase", failed).Error("Collection failed")
	return &PhaseError{Phase: failed, Err: err}
}
