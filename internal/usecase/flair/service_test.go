package flair

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

// dayWithOrder строит день, где users перечислены в порядке первых сообщений.
func dayWithOrder(offset int, users ...string) domain.DayLedger {
	day := date(offset)
	msgs := make([]domain.FirstMessage, 0, len(users))
	for i, user := range users {
		msgs = append(msgs, domain.FirstMessage{UserID: user, Username: user, PostedAt: day.Add(time.Duration(i+1) * time.Minute)})
	}
	return domain.DayLedger{Day: day, FirstMessages: msgs}
}

func TestStreakResetsOnGap(t *testing.T) {
	ledger := &stubLedgerRepo{days: []domain.DayLedger{
		dayWithOrder(0, "u1"),
		dayWithOrder(1, "u1"),
		dayWithOrder(2, "other"),
		dayWithOrder(3, "u1"),
	}}
	service := NewService(ledger, domain.DefaultPointTable(), domain.DefaultFlairTiers())

	streak, err := service.Streak(context.Background(), 1, "u1", domain.StreakCategory{Kind: domain.StreakKindPosition, Position: 1}, date(3))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if streak.Longest != 2 {
		t.Fatalf("ожидали рекорд 2, получили %d", streak.Longest)
	}
	if streak.Current != 1 {
		t.Fatalf("после разрыва серия начинается заново с 1, получили %d", streak.Current)
	}
}

func TestStreakLastMessageCategory(t *testing.T) {
	days := []domain.DayLedger{
		dayWithOrder(0, "other"),
		dayWithOrder(1, "other"),
	}
	days[0].LastMessage = &domain.LastMessage{UserID: "u1"}
	days[1].LastMessage = &domain.LastMessage{UserID: "u1"}

	service := NewService(&stubLedgerRepo{days: days}, domain.DefaultPointTable(), domain.DefaultFlairTiers())
	streak, err := service.Streak(context.Background(), 1, "u1", domain.StreakCategory{Kind: domain.StreakKindLast}, date(1))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if streak.Current != 2 || streak.Longest != 2 {
		t.Fatalf("ожидали серию 2/2, получили %d/%d", streak.Current, streak.Longest)
	}
}

func TestEvaluateThresholdRequiresQualifyingDate(t *testing.T) {
	// Пять дней на второй позиции: 60 очков, но квалифицирующего события нет.
	var days []domain.DayLedger
	for i := 0; i < 5; i++ {
		days = append(days, dayWithOrder(i, "leader", "u1"))
	}
	service := NewService(&stubLedgerRepo{days: days}, domain.DefaultPointTable(), domain.DefaultFlairTiers())

	awards, err := service.Evaluate(context.Background(), 1, "u1", date(4))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	for _, award := range awards {
		if award.Kind == domain.FlairKindThreshold {
			t.Fatalf("пороговый флаер без квалифицирующей даты: %+v", award)
		}
	}
}

func TestEvaluateThresholdAfterQualifying(t *testing.T) {
	var days []domain.DayLedger
	for i := 0; i < 5; i++ {
		days = append(days, dayWithOrder(i, "leader", "u1"))
	}
	// На шестой день пользователь впервые первый: порог Bronze уже пройден.
	days = append(days, dayWithOrder(5, "u1", "leader"))

	service := NewService(&stubLedgerRepo{days: days}, domain.DefaultPointTable(), domain.DefaultFlairTiers())
	awards, err := service.Evaluate(context.Background(), 1, "u1", date(5))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	var bronze *domain.FlairAward
	for i := range awards {
		if awards[i].Tier == "Bronze" {
			bronze = &awards[i]
		}
	}
	if bronze == nil {
		t.Fatalf("ожидали флаер Bronze: %+v", awards)
	}
	if !bronze.DateEarned.Equal(date(5)) {
		t.Fatalf("флаер выдаётся квалифицирующим днём, получили %s", domain.DayKey(bronze.DateEarned))
	}
}

func TestEvaluateParticipationDate(t *testing.T) {
	days := []domain.DayLedger{
		dayWithOrder(0, "other"),
		dayWithOrder(1, "other", "u1"),
		dayWithOrder(2, "u1"),
	}
	service := NewService(&stubLedgerRepo{days: days}, domain.DefaultPointTable(), domain.DefaultFlairTiers())

	awards, err := service.Evaluate(context.Background(), 1, "u1", date(2))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	var participation, qualifying bool
	for _, award := range awards {
		switch award.Kind {
		case domain.FlairKindParticipation:
			participation = true
			if !award.DateEarned.Equal(date(1)) {
				t.Fatalf("участие засчитывается первым появлением: %s", domain.DayKey(award.DateEarned))
			}
		case domain.FlairKindQualifying:
			qualifying = true
			if !award.DateEarned.Equal(date(2)) {
				t.Fatalf("квалификация — первый день первым автором: %s", domain.DayKey(award.DateEarned))
			}
		}
	}
	if !participation || !qualifying {
		t.Fatalf("ожидали флаеры участия и квалификации: %+v", awards)
	}
}

func TestNewlyEarnedFiltersByDay(t *testing.T) {
	days := []domain.DayLedger{
		dayWithOrder(0, "u1"),
		dayWithOrder(1, "u1"),
	}
	service := NewService(&stubLedgerRepo{days: days}, domain.DefaultPointTable(), domain.DefaultFlairTiers())

	earned, err := service.NewlyEarned(context.Background(), 1, "u1", date(1))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	for _, award := range earned {
		if !award.DateEarned.Equal(date(1)) {
			t.Fatalf("в выборку попал флаер другого дня: %+v", award)
		}
	}
}
