package domain

import "time"

// CommitEvent is a single commit as reported by the commit history API.
// AuthoredAt is nil when the payload carried no author date.
type CommitEvent struct {
	AuthorName string
	AuthoredAt *time.Time
}

// DailyActivity is the per-day rollup of commits for one repository.
type DailyActivity struct {
	Repo    string    `json:"repo"`
	Date    time.Time `json:"date"`
	Commits int       `json:"commits"`
	Authors []string  `json:"authors"`
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
