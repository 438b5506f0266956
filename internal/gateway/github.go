// Package gateway provides a gateway to the GitHub API,
// abstracting away the underlying REST and GraphQL clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/shurcooL/githubv4"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"

	"github.com/naka-gawa/github-stars-tracker/internal/domain"
)

const (
	defaultStarThreshold   = 10000
	defaultLeaderboardSize = 100
	defaultPageSize        = 100
)

// Fetcher defines the behavior of a gateway for fetching information from GitHub.
type Fetcher interface {
	FetchLeaderboard(ctx context.Context) ([]domain.RepositoryRanking, error)
	FetchCommitsSince(ctx context.Context, repoName string, since time.Time) ([]domain.CommitEvent, error)
	// FetchRateLimit reports the remaining request budget of the token.
	FetchRateLimit(ctx context.Context) (domain.RateBudget, error)
}

// Option customizes a GitHubGateway.
type Option func(*options)

type options struct {
	baseURL         string
	graphqlURL      string
	starThreshold   int
	leaderboardSize int
	pageSize        int
	onRequest       func()
}

// WithBaseURL points the REST client at another API root, e.g. a test server.
func WithBaseURL(u string) Option { return func(o *options) { o.baseURL = u } }

// WithGraphQLURL points the GraphQL client at another endpoint.
func WithGraphQLURL(u string) Option { return func(o *options) { o.graphqlURL = u } }

// WithStarThreshold sets the leaderboard filter, stars greater than n.
func WithStarThreshold(n int) Option { return func(o *options) { o.starThreshold = n } }

// WithLeaderboardSize sets how many repositories one leaderboard page holds.
func WithLeaderboardSize(n int) Option { return func(o *options) { o.leaderboardSize = n } }

// WithPageSize sets the page size used when paginating commit history.
func WithPageSize(n int) Option { return func(o *options) { o.pageSize = n } }

// WithRequestHook registers a callback invoked once per REST request.
func WithRequestHook(fn func()) Option { return func(o *options) { o.onRequest = fn } }

// GitHubGateway is the concrete implementation of the Fetcher interface.
type GitHubGateway struct {
	restClient    *github.Client
	graphqlClient *githubv4.Client
	logger        logrus.FieldLogger
	opts          options
}

// rateLimitQuery asks GraphQL for the token's current budget.
type rateLimitQuery struct {
	RateLimit struct {
		Limit     githubv4.Int
		Remaining githubv4.Int
		ResetAt   githubv4.DateTime
	}
}

// NewGitHubGateway is a constructor that creates a new instance of GitHubGateway.
func NewGitHubGateway(token string, logger logrus.FieldLogger, opts ...Option) (*GitHubGateway, error) {
	o := options{
		starThreshold:   defaultStarThreshold,
		leaderboardSize: defaultLeaderboardSize,
		pageSize:        defaultPageSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	// A zero sleep limit hands a secondary rate limit response back to the
	// caller instead of sleeping and resending the request.
	rateLimitWaiter, err := github_ratelimit.NewRateLimitWaiter(nil, github_ratelimit.WithSingleSleepLimit(0, func(cc *github_ratelimit.CallbackContext) {
		log := logger.WithField("url", cc.Request.URL.Path)
		if cc.SleepUntil != nil {
			log = log.WithField("limited_until", cc.SleepUntil.Format(time.RFC3339))
		}
		log.Warn("Secondary rate limit hit, not retrying")
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit waiter: %w", err)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := &http.Client{
		Transport: &oauth2.Transport{
			Base:   rateLimitWaiter,
			Source: ts,
		},
	}

	restClient := github.NewClient(httpClient)
	if o.baseURL != "" {
		baseURL, err := url.Parse(strings.TrimSuffix(o.baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("failed to parse api url %q: %w", o.baseURL, err)
		}
		restClient.BaseURL = baseURL
	}

	graphqlClient := githubv4.NewClient(httpClient)
	if o.graphqlURL != "" {
		graphqlClient = githubv4.NewEnterpriseClient(o.graphqlURL, httpClient)
	}

	return &GitHubGateway{
		restClient:    restClient,
		graphqlClient: graphqlClient,
		logger:        logger,
		opts:          o,
	}, nil
}

// FetchLeaderboard returns one page of the most starred repositories, ranked from 1.
func (g *GitHubGateway) FetchLeaderboard(ctx context.Context) ([]domain.RepositoryRanking, error) {
	query := fmt.Sprintf("stars:>%d", g.opts.starThreshold)
	g.logger.WithField("query", query).Debug("Fetching leaderboard")
	opts := &github.SearchOptions{
		Sort:        "stars",
		Order:       "desc",
		ListOptions: github.ListOptions{Page: 1, PerPage: g.opts.leaderboardSize},
	}

	g.requested()
	result, _, err := g.restClient.Search.Repositories(ctx, query, opts)
	if err != nil {
		if isMalformedBody(err) {
			g.logger.WithError(err).Warn("Leaderboard response was not valid JSON, treating as empty")
			return []domain.RepositoryRanking{}, nil
		}
		return nil, fmt.Errorf("%w: failed to search repositories: %w", domain.ErrClient, err)
	}

	rankings := make([]domain.RepositoryRanking, 0, len(result.Repositories))
	for _, repo := range result.Repositories {
		position := len(rankings) + 1
		rankings = append(rankings, domain.RepositoryRanking{
			Name:             repo.GetFullName(),
			Owner:            repo.GetOwner().GetLogin(),
			CurrentPosition:  position,
			PreviousPosition: position,
			Stars:            repo.GetStargazersCount(),
			Watchers:         repo.GetWatchersCount(),
			Forks:            repo.GetForksCount(),
			OpenIssues:       repo.GetOpenIssuesCount(),
			Language:         repo.Language,
		})
	}
	g.logger.WithField("repositories", len(rankings)).Debug("Completed fetching leaderboard")
	return rankings, nil
}

// FetchCommitsSince pages through a repository's commit history until an empty page.
func (g *GitHubGateway) FetchCommitsSince(ctx context.Context, repoName string, since time.Time) ([]domain.CommitEvent, error) {
	owner, repo, ok := strings.Cut(repoName, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("%w: invalid repository name %q", domain.ErrClient, repoName)
	}
	log := g.logger.WithFields(logrus.Fields{"repo": repoName, "since": since.Format(time.DateOnly)})

	opts := &github.CommitsListOptions{
		Since:       since,
		ListOptions: github.ListOptions{Page: 1, PerPage: g.opts.pageSize},
	}
	var events []domain.CommitEvent
	for {
		g.requested()
		commits, _, err := g.restClient.Repositories.ListCommits(ctx, owner, repo, opts)
		if err != nil {
			var parseErr *time.ParseError
			switch {
			case errors.As(err, &parseErr):
				return nil, fmt.Errorf("%w: commit timestamp in %s: %w", domain.ErrAggregation, repoName, err)
			case isMalformedBody(err):
				log.WithError(err).WithField("page", opts.Page).Warn("Commit page was not valid JSON, treating as empty")
				commits = nil
			default:
				return nil, fmt.Errorf("%w: failed to list commits for %s: %w", domain.ErrClient, repoName, err)
			}
		}
		if len(commits) == 0 {
			break
		}
		for _, c := range commits {
			events = append(events, toCommitEvent(c))
		}
		opts.Page++
	}
	log.WithField("commits", len(events)).Debug("Completed fetching commits")
	return events, nil
}

// FetchRateLimit queries the GraphQL API for the token's remaining budget.
func (g *GitHubGateway) FetchRateLimit(ctx context.Context) (domain.RateBudget, error) {
	var q rateLimitQuery
	if err := g.graphqlClient.Query(ctx, &q, nil); err != nil {
		return domain.RateBudget{}, fmt.Errorf("%w: failed to execute GraphQL query for rate limit: %w", domain.ErrClient, err)
	}
	return domain.RateBudget{
		Limit:     int(q.RateLimit.Limit),
		Remaining: int(q.RateLimit.Remaining),
		ResetAt:   q.RateLimit.ResetAt.Time,
	}, nil
}

func (g *GitHubGateway) requested() {
	if g.opts.onRequest != nil {
		g.opts.onRequest()
	}
}

func toCommitEvent(c *github.RepositoryCommit) domain.CommitEvent {
	author := c.GetCommit().GetAuthor()
	event := domain.CommitEvent{AuthorName: author.GetName()}
	if author != nil && author.Date != nil {
		t := author.Date.Time
		event.AuthoredAt = &t
	}
	return event
}

// isMalformedBody reports whether err came from decoding a body that is not the expected JSON.
func isMalformedBody(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF)
}
