package stats

import (
	"context"
	"testing"
	"time"

	"first-bot/internal/domain"
)

type stubLedgerRepo struct {
	days []domain.DayLedger
}

func (s *stubLedgerRepo) RecordFirstMessage(context.Context, int64, time.Time, domain.FirstMessage) (bool, error) {
	return false, nil
}

func (s *stubLedgerRepo) GetDay(context.Context, int64, time.Time) (domain.DayLedger, bool, error) {
	return domain.DayLedger{}, false, nil
}

func (s *stubLedgerRepo) ListDaysThrough(_ context.Context, _ int64, through time.Time) ([]domain.DayLedger, error) {
	var days []domain.DayLedger
	for _, day := range s.days {
		if !day.Day.After(through) {
			days = append(days, day)
		}
	}
	return days, nil
}

func (s *stubLedgerRepo) CloseDay(context.Context, int64, time.Time, *domain.LastMessage, *domain.LastMessage) (bool, error) {
	return false, nil
}

func date(offset int) time.Time {
	return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
}

func dayWithOrder(offset int, users ...string) domain.DayLedger {
	day := date(offset)
	msgs := make([]domain.FirstMessage, 0, len(users))
	for i, user := range users {
		msgs = append(msgs, domain.FirstMessage{UserID: user, Username: user, PostedAt: day.Add(time.Duration(i+1) * time.Minute)})
	}
	return domain.DayLedger{Day: day, FirstMessages: msgs}
}

func TestParticipation(t *testing.T) {
	days := []domain.DayLedger{
		dayWithOrder(0, "u1", "u2"),
		dayWithOrder(1, "u2", "u1"),
		dayWithOrder(2, "u2"),
	}
	days[1].LastMessage = &domain.LastMessage{UserID: "u1"}
	days[2].SecondLastMessage = &domain.LastMessage{UserID: "u1"}

	service := NewService(&stubLedgerRepo{days: days})
	got, err := service.Participation(context.Background(), 1, "u1", date(2))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if got.DaysActive != 2 {
		t.Fatalf("ожидали 2 активных дня, получили %d", got.DaysActive)
	}
	if got.FirstPlaceDays != 1 {
		t.Fatalf("ожидали 1 день первым, получили %d", got.FirstPlaceDays)
	}
	if got.LastMessageDays != 1 || got.SecondLastDays != 1 {
		t.Fatalf("ожидали по одному дню последним и предпоследним: %+v", got)
	}
	if got.PositionCounts[1] != 1 || got.PositionCounts[2] != 1 {
		t.Fatalf("ожидали по разу первую и вторую позиции: %+v", got.PositionCounts)
	}
}

func TestParticipationEmptyLedger(t *testing.T) {
	service := NewService(&stubLedgerRepo{})
	got, err := service.Participation(context.Background(), 1, "nobody", date(0))
	if err != nil {
		t.Fatalf("отсутствие данных не ошибка: %v", err)
	}
	if got.DaysActive != 0 {
		t.Fatalf("ожидали нулевую сводку: %+v", got)
	}
}

func TestHeatmap(t *testing.T) {
	// Воскресенье 1 марта 2026, 9:30 UTC.
	days := []domain.DayLedger{{
		Day: date(0),
		FirstMessages: []domain.FirstMessage{
			{UserID: "u1", PostedAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)},
			{UserID: "u2", PostedAt: time.Date(2026, 3, 1, 9, 45, 0, 0, time.UTC)},
			{UserID: "u3", PostedAt: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)},
		},
	}}

	service := NewService(&stubLedgerRepo{days: days})
	hm, err := service.Heatmap(context.Background(), 1, time.UTC, date(0))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if hm.Total != 3 {
		t.Fatalf("ожидали 3 сообщения, получили %d", hm.Total)
	}
	if hm.Buckets[time.Sunday][9] != 2 {
		t.Fatalf("ожидали 2 сообщения в воскресенье в 9 часов, получили %d", hm.Buckets[time.Sunday][9])
	}
	if hm.Buckets[time.Sunday][20] != 1 {
		t.Fatalf("ожидали 1 сообщение в воскресенье в 20 часов, получили %d", hm.Buckets[time.Sunday][20])
	}
}

func TestHeatmapUsesLocalTime(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("не удалось загрузить зону: %v", err)
	}
	// 02:00 UTC понедельника — ещё вечер воскресенья в Нью-Йорке.
	days := []domain.DayLedger{{
		Day: date(0),
		FirstMessages: []domain.FirstMessage{
			{UserID: "u1", PostedAt: time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)},
		},
	}}

	service := NewService(&stubLedgerRepo{days: days})
	hm, err := service.Heatmap(context.Background(), 1, ny, date(0))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if hm.Buckets[time.Sunday][21] != 1 {
		t.Fatalf("сообщение должно попасть в воскресный вечер локального времени: %+v", hm.Buckets[time.Sunday])
	}
}

func TestDayRows(t *testing.T) {
	days := []domain.DayLedger{
		dayWithOrder(0, "alice", "bob"),
		dayWithOrder(1, "carol"),
	}
	end := date(0).Add(23 * time.Hour)
	days[0].LastMessage = &domain.LastMessage{UserID: "u9", Username: "dave", PostedAt: end}
	days[0].SecondLastMessage = &domain.LastMessage{UserID: "u2", Username: "bob"}

	service := NewService(&stubLedgerRepo{days: days})
	rows, err := service.DayRows(context.Background(), 1, date(1))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if len(rows) != 2 {
		t.Fatalf("ожидали 2 строки, получили %d", len(rows))
	}
	first := rows[0]
	if first.Date != domain.DayKey(date(0)) {
		t.Fatalf("ожидали дату %s, получили %s", domain.DayKey(date(0)), first.Date)
	}
	if len(first.Positions) != 2 || first.Positions[0] != "alice" {
		t.Fatalf("позиции должны идти в порядке первых сообщений: %+v", first.Positions)
	}
	if first.Last != "dave" || first.SecondLast != "bob" {
		t.Fatalf("ожидали авторов последних сообщений: %+v", first)
	}
	if first.StartTime == nil || first.EndTime == nil || !first.EndTime.Equal(end) {
		t.Fatalf("ожидали время первого и последнего событий: %+v", first)
	}
	if rows[1].Last != "" || rows[1].EndTime != nil {
		t.Fatalf("незакрытый день без последних сообщений: %+v", rows[1])
	}
}
