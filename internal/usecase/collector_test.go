package usecase

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/naka-gawa/github-stars-tracker/internal/domain"
	"github.com/naka-gawa/github-stars-tracker/internal/metrics"
)

// mockFetcher is a mock implementation of the gateway.Fetcher interface.
// It allows us to simulate the behavior of the GitHub gateway without making real API calls.
type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchLeaderboard(ctx context.Context) ([]domain.RepositoryRanking, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.RepositoryRanking), args.Error(1)
}

func (m *mockFetcher) FetchCommitsSince(ctx context.Context, repoName string, since time.Time) ([]domain.CommitEvent, error) {
	args := m.Called(ctx, repoName, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.CommitEvent), args.Error(1)
}

func (m *mockFetcher) FetchRateLimit(ctx context.Context) (domain.RateBudget, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.RateBudget), args.Error(1)
}

// mockStore is a mock implementation of the store.Store interface.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) CurrentRankings(ctx context.Context) ([]domain.RankingRef, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.RankingRef), args.Error(1)
}

func (m *mockStore) LatestActivityDates(ctx context.Context) (map[string]time.Time, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]time.Time), args.Error(1)
}

func (m *mockStore) InsertRankings(ctx context.Context, rankings []domain.RepositoryRanking) error {
	return m.Called(ctx, rankings).Error(0)
}

func (m *mockStore) UpdateRankings(ctx context.Context, rankings []domain.RepositoryRanking) error {
	return m.Called(ctx, rankings).Error(0)
}

func (m *mockStore) AppendActivity(ctx context.Context, rows []domain.DailyActivity) error {
	return m.Called(ctx, rows).Error(0)
}

var fixedNow = time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func leaderboard(names ...string) []domain.RepositoryRanking {
	out := make([]domain.RepositoryRanking, len(names))
	for i, n := range names {
		out[i] = domain.RepositoryRanking{Name: n, Owner: "org", CurrentPosition: i + 1, PreviousPosition: i + 1, Stars: 1000 - i}
	}
	return out
}

func newTestCollector(f *mockFetcher, s *mockStore, opts ...CollectorOption) *Collector {
	opts = append([]CollectorOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewCollector(f, s, discardLogger(), opts...)
}

func TestCollector_Run_FirstRun(t *testing.T) {
	ctx := context.Background()
	fetcher := new(mockFetcher)
	st := new(mockStore)
	board := leaderboard("org/a", "org/b")
	fallback := day(2024, 1, 3)

	st.On("CurrentRankings", mock.Anything).Return([]domain.RankingRef{}, nil)
	fetcher.On("FetchLeaderboard", mock.Anything).Return(board, nil)
	st.On("InsertRankings", mock.Anything, board).Return(nil)
	st.On("LatestActivityDates", mock.Anything).Return(map[string]time.Time{}, nil)
	fetcher.On("FetchRateLimit", mock.Anything).Return(domain.RateBudget{Limit: 5000, Remaining: 4000}, nil)
	fetcher.On("FetchCommitsSince", mock.Anything, "org/a", fallback).Return([]domain.CommitEvent{
		commitAt("alice", "2024-01-05T10:00:00Z"),
		commitAt("bob", "2024-01-05T11:00:00Z"),
	}, nil)
	fetcher.On("FetchCommitsSince", mock.Anything, "org/b", fallback).Return([]domain.CommitEvent{}, nil)
	st.On("AppendActivity", mock.Anything, []domain.DailyActivity{
		{Repo: "org/a", Date: day(2024, 1, 5), Commits: 2, Authors: []string{"alice", "bob"}},
	}).Return(nil)

	collector := newTestCollector(fetcher, st)
	summary, err := collector.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, PhaseDone, collector.Phase())
	assert.Equal(t, 2, summary.Repositories)
	assert.Equal(t, 1, summary.ActiveRepositories)
	assert.Equal(t, 1, summary.ActivityRows)
	assert.Equal(t, 2, summary.TotalCommits)
	st.AssertNotCalled(t, "UpdateRankings", mock.Anything, mock.Anything)
	fetcher.AssertExpectations(t)
	st.AssertExpectations(t)
}

func TestCollector_Run_UpdatesWithPreviousPositions(t *testing.T) {
	fetcher := new(mockFetcher)
	st := new(mockStore)
	watermark := day(2024, 1, 8)

	st.On("CurrentRankings", mock.Anything).Return([]domain.RankingRef{
		{Name: "org/a", CurrentPosition: 1},
		{Name: "org/b", CurrentPosition: 2},
	}, nil)
	fetcher.On("FetchLeaderboard", mock.Anything).Return(leaderboard("org/b", "org/a", "org/c"), nil)
	st.On("UpdateRankings", mock.Anything, mock.MatchedBy(func(r []domain.RepositoryRanking) bool {
		return len(r) == 3 &&
			r[0].Name == "org/b" && r[0].PreviousPosition == 2 &&
			r[1].Name == "org/a" && r[1].PreviousPosition == 1 &&
			r[2].Name == "org/c" && r[2].PreviousPosition == 3
	})).Return(nil)
	st.On("LatestActivityDates", mock.Anything).Return(map[string]time.Time{"org/a": watermark}, nil)
	fetcher.On("FetchRateLimit", mock.Anything).Return(domain.RateBudget{}, errors.New("graphql down"))
	fetcher.On("FetchCommitsSince", mock.Anything, "org/a", watermark).Return([]domain.CommitEvent{}, nil)
	fetcher.On("FetchCommitsSince", mock.Anything, "org/b", day(2024, 1, 3)).Return([]domain.CommitEvent{}, nil)
	fetcher.On("FetchCommitsSince", mock.Anything, "org/c", day(2024, 1, 3)).Return([]domain.CommitEvent{}, nil)

	collector := newTestCollector(fetcher, st)
	summary, err := collector.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, summary.ActivityRows)
	st.AssertNotCalled(t, "InsertRankings", mock.Anything, mock.Anything)
	st.AssertNotCalled(t, "AppendActivity", mock.Anything, mock.Anything)
	fetcher.AssertExpectations(t)
	st.AssertExpectations(t)
}

func TestCollector_Run_Failures(t *testing.T) {
	boom := errors.New("boom")

	testCases := []struct {
		name          string
		setup         func(f *mockFetcher, s *mockStore)
		expectedPhase Phase
		expectedKind  error
	}{
		{
			name: "reading old rankings fails",
			setup: func(f *mockFetcher, s *mockStore) {
				s.On("CurrentRankings", mock.Anything).Return(nil, domain.ErrStoreRead)
			},
			expectedPhase: PhaseFetchingOldRankings,
			expectedKind:  domain.ErrStoreRead,
		},
		{
			name: "leaderboard fetch fails",
			setup: func(f *mockFetcher, s *mockStore) {
				s.On("CurrentRankings", mock.Anything).Return([]domain.RankingRef{}, nil)
				f.On("FetchLeaderboard", mock.Anything).Return(nil, domain.ErrClient)
			},
			expectedPhase: PhaseFetchingLeaderboard,
			expectedKind:  domain.ErrClient,
		},
		{
			name: "ranking write fails",
			setup: func(f *mockFetcher, s *mockStore) {
				s.On("CurrentRankings", mock.Anything).Return([]domain.RankingRef{}, nil)
				f.On("FetchLeaderboard", mock.Anything).Return(leaderboard("org/a"), nil)
				s.On("InsertRankings", mock.Anything, mock.Anything).Return(domain.ErrStoreWrite)
			},
			expectedPhase: PhasePersistingRankings,
			expectedKind:  domain.ErrStoreWrite,
		},
		{
			name: "watermark read fails",
			setup: func(f *mockFetcher, s *mockStore) {
				s.On("CurrentRankings", mock.Anything).Return([]domain.RankingRef{}, nil)
				f.On("FetchLeaderboard", mock.Anything).Return(leaderboard("org/a"), nil)
				s.On("InsertRankings", mock.Anything, mock.Anything).Return(nil)
				s.On("LatestActivityDates", mock.Anything).Return(nil, boom)
			},
			expectedPhase: PhaseFetchingOldWatermarks,
			expectedKind:  boom,
		},
		{
			name: "one of many activity fetches fails",
			setup: func(f *mockFetcher, s *mockStore) {
				s.On("CurrentRankings", mock.Anything).Return([]domain.RankingRef{}, nil)
				f.On("FetchLeaderboard", mock.Anything).Return(leaderboard("org/a", "org/b", "org/c"), nil)
				s.On("InsertRankings", mock.Anything, mock.Anything).Return(nil)
				s.On("LatestActivityDates", mock.Anything).Return(map[string]time.Time{}, nil)
				f.On("FetchRateLimit", mock.Anything).Return(domain.RateBudget{Remaining: 5000}, nil)
				f.On("FetchCommitsSince", mock.Anything, "org/a", mock.Anything).Return([]domain.CommitEvent{commitAt("alice", "2024-01-05T10:00:00Z")}, nil).Maybe()
				f.On("FetchCommitsSince", mock.Anything, "org/b", mock.Anything).Return(nil, domain.ErrClient)
				f.On("FetchCommitsSince", mock.Anything, "org/c", mock.Anything).Return([]domain.CommitEvent{}, nil).Maybe()
			},
			expectedPhase: PhaseFetchingActivity,
			expectedKind:  domain.ErrClient,
		},
		{
			name: "malformed commit aborts before persisting",
			setup: func(f *mockFetcher, s *mockStore) {
				s.On("CurrentRankings", mock.Anything).Return([]domain.RankingRef{}, nil)
				f.On("FetchLeaderboard", mock.Anything).Return(leaderboard("org/a"), nil)
				s.On("InsertRankings", mock.Anything, mock.Anything).Return(nil)
				s.On("LatestActivityDates", mock.Anything).Return(map[string]time.Time{}, nil)
				f.On("FetchRateLimit", mock.Anything).Return(domain.RateBudget{Remaining: 5000}, nil)
				f.On("FetchCommitsSince", mock.Anything, "org/a", mock.Anything).Return([]domain.CommitEvent{{AuthorName: "ghost"}}, nil)
			},
			expectedPhase: PhaseFetchingActivity,
			expectedKind:  domain.ErrAggregation,
		},
		{
			name: "activity write fails",
			setup: func(f *mockFetcher, s *mockStore) {
				s.On("CurrentRankings", mock.Anything).Return([]domain.RankingRef{}, nil)
				f.On("FetchLeaderboard", mock.Anything).Return(leaderboard("org/a"), nil)
				s.On("InsertRankings", mock.Anything, mock.Anything).Return(nil)
				s.On("LatestActivityDates", mock.Anything).Return(map[string]time.Time{}, nil)
				f.On("FetchRateLimit", mock.Anything).Return(domain.RateBudget{Remaining: 5000}, nil)
				f.On("FetchCommitsSince", mock.Anything, "org/a", mock.Anything).Return([]domain.CommitEvent{commitAt("alice", "2024-01-05T10:00:00Z")}, nil)
				s.On("AppendActivity", mock.Anything, mock.Anything).Return(domain.ErrStoreWrite)
			},
			expectedPhase: PhasePersistingActivity,
			expectedKind:  domain.ErrStoreWrite,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fetcher := new(mockFetcher)
			st := new(mockStore)
			tc.setup(fetcher, st)

			collector := newTestCollector(fetcher, st)
			_, err := collector.Run(context.Background())

			require.Error(t, err)
			var phaseErr *PhaseError
			require.ErrorAs(t, err, &phaseErr)
			assert.Equal(t, tc.expectedPhase, phaseErr.Phase)
			assert.ErrorIs(t, err, tc.expectedKind)
			assert.Equal(t, PhaseFailed, collector.Phase())
			if tc.expectedPhase != PhasePersistingActivity {
				st.AssertNotCalled(t, "AppendActivity", mock.Anything, mock.Anything)
			}
			fetcher.AssertExpectations(t)
			st.AssertExpectations(t)
		})
	}
}

func TestCollector_Run_ConcurrencyLimit(t *testing.T) {
	fetcher := &trackingFetcher{board: leaderboard("org/a", "org/b", "org/c", "org/d", "org/e", "org/f"), delay: 20 * time.Millisecond}
	st := newMemoryStore()

	collector := NewCollector(fetcher, st, discardLogger(), WithConcurrency(2), WithClock(func() time.Time { return fixedNow }))
	_, err := collector.Run(context.Background())

	require.NoError(t, err)
	assert.LessOrEqual(t, fetcher.maxInFlight, 2)
	assert.Equal(t, 6, fetcher.calls)
}

func TestCollector_Run_EndToEnd(t *testing.T) {
	st := newMemoryStore()
	rec := metrics.NewRecorder()

	// First run: empty store, everything inserted with previous == current.
	first := &trackingFetcher{
		board: leaderboard("org/a", "org/b", "org/c"),
		commits: map[string][]domain.CommitEvent{
			"org/a": {commitAt("alice", "2024-01-09T10:00:00Z")},
		},
	}
	_, err := NewCollector(first, st, discardLogger(), WithClock(func() time.Time { return fixedNow }), WithMetrics(rec)).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, st.rankings, 3)
	for _, r := range st.rankings {
		assert.Equal(t, r.CurrentPosition, r.PreviousPosition, r.Name)
	}
	assert.Equal(t, day(2024, 1, 3), first.sinceFor("org/a"))
	require.Len(t, st.activity, 1)

	// Second run: org/c climbs to the top.
	second := &trackingFetcher{board: leaderboard("org/c", "org/a", "org/b")}
	_, err = NewCollector(second, st, discardLogger(), WithClock(func() time.Time { return fixedNow.AddDate(0, 0, 1) })).Run(context.Background())
	require.NoError(t, err)

	byName := st.byName()
	assert.Equal(t, 1, byName["org/c"].CurrentPosition)
	assert.Equal(t, 3, byName["org/c"].PreviousPosition)
	assert.Equal(t, 2, byName["org/a"].CurrentPosition)
	assert.Equal(t, 1, byName["org/a"].PreviousPosition)
	assert.Equal(t, day(2024, 1, 9), second.sinceFor("org/a"), "watermark must be reused")
	assert.Equal(t, day(2024, 1, 4), second.sinceFor("org/b"))
	assert.Len(t, st.activity, 1, "no new activity rows")
}

// trackingFetcher serves a fixed leaderboard and records every activity fetch.
type trackingFetcher struct {
	board   []domain.RepositoryRanking
	commits map[string][]domain.CommitEvent
	delay   time.Duration

	mu          sync.Mutex
	since       map[string]time.Time
	calls       int
	inFlight    int
	maxInFlight int
}

func (f *trackingFetcher) FetchLeaderboard(context.Context) ([]domain.RepositoryRanking, error) {
	return f.board, nil
}

func (f *trackingFetcher) FetchCommitsSince(_ context.Context, repo string, since time.Time) ([]domain.CommitEvent, error) {
	f.mu.Lock()
	if f.since == nil {
		f.since = make(map[string]time.Time)
	}
	f.since[repo] = since
	f.calls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	return f.commits[repo], nil
}

func (f *trackingFetcher) FetchRateLimit(context.Context) (domain.RateBudget, error) {
	return domain.RateBudget{Limit: 5000, Remaining: 5000}, nil
}

func (f *trackingFetcher) sinceFor(repo string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.since[repo]
}

// memoryStore keeps rows in memory and updates rankings by position, like the default PostgreSQL store.
type memoryStore struct {
	rankings []domain.RepositoryRanking
	activity []domain.DailyActivity
}

func newMemoryStore() *memoryStore { return &memoryStore{} }

func (s *memoryStore) CurrentRankings(context.Context) ([]domain.RankingRef, error) {
	sorted := append([]domain.RepositoryRanking(nil), s.rankings...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Stars > sorted[j].Stars })
	refs := make([]domain.RankingRef, len(sorted))
	for i, r := range sorted {
		refs[i] = domain.RankingRef{Name: r.Name, CurrentPosition: r.CurrentPosition}
	}
	return refs, nil
}

func (s *memoryStore) LatestActivityDates(context.Context) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	for _, a := range s.activity {
		if a.Date.After(out[a.Repo]) {
			out[a.Repo] = a.Date
		}
	}
	return out, nil
}

func (s *memoryStore) InsertRankings(_ context.Context, rankings []domain.RepositoryRanking) error {
	s.rankings = append(s.rankings, rankings...)
	return nil
}

func (s *memoryStore) UpdateRankings(_ context.Context, rankings []domain.RepositoryRanking) error {
	for _, r := range rankings {
		for i := range s.rankings {
			if s.rankings[i].CurrentPosition == r.CurrentPosition {
				s.rankings[i] = r
				break
			}
		}
	}
	return nil
}

func (s *memoryStore) AppendActivity(_ context.Context, rows []domain.DailyActivity) error {
	s.activity = append(s.activity, rows...)
	return nil
}

func (s *memoryStore) byName() map[string]domain.RepositoryRanking {
	out := make(map[string]domain.RepositoryRanking, len(s.rankings))
	for _, r := range s.rankings {
		out[r.Name] = r
	}
	return out
}
