package usecase

import "fmt"

// Phase is a step of a collection run.
type Phase string

const (
	PhaseIdle                  Phase = "idle"
	PhaseConnectingStore       Phase = "connecting_store"
	PhaseFetchingOldRankings   Phase = "fetching_old_rankings"
	PhaseFetchingLeaderboard   Phase = "fetching_leaderboard"
	PhasePersistingRankings    Phase = "persisting_rankings"
	PhaseFetchingOldWatermarks Phase = "fetching_old_watermarks"
	PhaseFetchingActivity      Phase = "fetching_activity"
	PhasePersistingActivity    Phase = "persisting_activity"
	PhaseDone                  Phase = "done"
	PhaseFailed                Phase = "failed"
)

// PhaseError reports the phase a run failed in.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("collection failed while %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }
