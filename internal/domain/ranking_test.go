package domain

import "testing"

func TestBuildRankings(t *testing.T) {
	scores := []UserScore{
		{UserID: "b", Score: 50},
		{UserID: "a", Score: 50},
		{UserID: "c", Score: 120},
		{UserID: "d", Score: 10},
	}

	entries := BuildRankings(scores)

	wantOrder := []string{"c", "a", "b", "d"}
	if len(entries) != len(wantOrder) {
		t.Fatalf("ожидали %d строк, получили %d", len(wantOrder), len(entries))
	}
	for i, userID := range wantOrder {
		if entries[i].UserID != userID {
			t.Fatalf("на позиции %d ожидали %s, получили %s", i, userID, entries[i].UserID)
		}
		if entries[i].Rank != i+1 {
			t.Fatalf("ранги должны быть плотными с единицы: %d на позиции %d", entries[i].Rank, i)
		}
	}
}

func TestBuildRankingsDoesNotMutateInput(t *testing.T) {
	scores := []UserScore{
		{UserID: "a", Score: 1},
		{UserID: "b", Score: 2},
	}
	BuildRankings(scores)
	if scores[0].UserID != "a" {
		t.Fatalf("входной срез не должен переупорядочиваться")
	}
}

func TestBuildRankingsEmpty(t *testing.T) {
	if entries := BuildRankings(nil); len(entries) != 0 {
		t.Fatalf("для пустого счёта ожидали пустой лист, получили %d строк", len(entries))
	}
}
