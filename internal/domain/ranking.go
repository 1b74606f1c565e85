package domain

import (
	"cmp"
	"slices"
)

// BuildRankings сортирует счёт по убыванию очков и присваивает плотные ранги
// с единицы. При равенстве очков порядок детерминирован: по возрастанию userId.
func BuildRankings(scores []UserScore) []RankingEntry {
	sorted := make([]UserScore, len(scores))
	copy(sorted, scores)

	slices.SortFunc(sorted, func(a, b UserScore) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})

	entries := make([]RankingEntry, len(sorted))
	for i, s := range sorted {
		entries[i] = RankingEntry{
			UserID:   s.UserID,
			Username: s.Username,
			Score:    s.Score,
			Rank:     i + 1,
		}
	}
	return entries
}
