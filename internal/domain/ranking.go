// Package domain contains the core data structures and domain logic for the application.
package domain

import "time"

// RepositoryRanking is one tracked repository's place in the leaderboard for a single run.
// It is the core domain entity of this application.
type RepositoryRanking struct {
	Name             string  `json:"name"`
	Owner            string  `json:"owner"`
	CurrentPosition  int     `json:"position_cur"`
	PreviousPosition int     `json:"position_prev"`
	Stars            int     `json:"stars"`
	Watchers         int     `json:"watchers"`
	Forks            int     `json:"forks"`
	OpenIssues       int     `json:"open_issues"`
	Language         *string `json:"language,omitempty"`
}

// RankingRef is the slice of a stored ranking the differ needs.
type RankingRef struct {
	Name            string
	CurrentPosition int
}

// RateBudget is a snapshot of the API request budget left for the token.
type RateBudget struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}
