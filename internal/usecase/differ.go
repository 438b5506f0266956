package usecase

import "github.com/naka-gawa/github-stars-tracker/internal/domain"

// Reconcile fills PreviousPosition of each fresh entry from the prior run's
// positions. Repositories seen for the first time keep PreviousPosition equal
// to CurrentPosition. The input slice is not modified and order is preserved.
func Reconcile(oldRankByName map[string]int, fresh []domain.RepositoryRanking) []domain.RepositoryRanking {
	out := make([]domain.RepositoryRanking, len(fresh))
	for i, r := range fresh {
		if prev, ok := oldRankByName[r.Name]; ok {
			r.PreviousPosition = prev
		} else {
			r.PreviousPosition = r.CurrentPosition
		}
		out[i] = r
	}
	return out
}

// rankIndex maps repository names to their stored positions.
func rankIndex(refs []domain.RankingRef) map[string]int {
	idx := make(map[string]int, len(refs))
	for _, ref := range refs {
		idx[ref.Name] = ref.CurrentPosition
	}
	return idx
}
