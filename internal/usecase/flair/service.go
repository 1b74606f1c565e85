package flair

import (
	"context"
	"fmt"
	"time"

	"first-bot/internal/domain"
)

// Service вычисляет серии подряд идущих дней и даты получения флаеров.
// Всё выводится из журнала дней, отдельного состояния нет.
type Service struct {
	ledger domain.LedgerRepo
	table  domain.PointTable
	tiers  []domain.FlairTier
}

// NewService создаёт сервис флаеров. tiers упорядочены по возрастанию порога.
func NewService(ledgerRepo domain.LedgerRepo, table domain.PointTable, tiers []domain.FlairTier) *Service {
	return &Service{ledger: ledgerRepo, table: table, tiers: tiers}
}

// Evaluate возвращает все флаеры пользователя по дню through включительно.
// Порог очков засчитывается не раньше квалифицирующей даты: первого дня, когда
// пользователь был первым автором дня или автором последнего сообщения. Без
// квалифицирующего события пороговые флаеры не выдаются независимо от счёта.
func (s *Service) Evaluate(ctx context.Context, serverID int64, userID string, through time.Time) ([]domain.FlairAward, error) {
	days, err := s.ledger.ListDaysThrough(ctx, serverID, through)
	if err != nil {
		return nil, fmt.Errorf("дни журнала: %w", err)
	}

	var (
		cumulative        int
		participationDate *time.Time
		qualifyingDate    *time.Time
	)
	thresholdDates := make(map[int]time.Time)

	for _, day := range days {
		msgs := domain.SortedFirstMessages(day)

		for i, msg := range msgs {
			if msg.UserID != userID {
				continue
			}
			if participationDate == nil {
				d := day.Day
				participationDate = &d
			}
			if i == 0 && qualifyingDate == nil {
				d := day.Day
				qualifyingDate = &d
			}
			break
		}
		if day.LastMessage != nil && day.LastMessage.UserID == userID && qualifyingDate == nil {
			d := day.Day
			qualifyingDate = &d
		}

		if delta, ok := domain.ComputeDailyDeltas(day, s.table)[userID]; ok {
			cumulative += delta.Points
		}

		if qualifyingDate == nil {
			continue
		}
		for _, tier := range s.tiers {
			if _, earned := thresholdDates[tier.Threshold]; earned {
				continue
			}
			if cumulative >= tier.Threshold {
				thresholdDates[tier.Threshold] = day.Day
			}
		}
	}

	var awards []domain.FlairAward
	if participationDate != nil {
		awards = append(awards, domain.FlairAward{Kind: domain.FlairKindParticipation, DateEarned: *participationDate})
	}
	if qualifyingDate != nil {
		awards = append(awards, domain.FlairAward{Kind: domain.FlairKindQualifying, DateEarned: *qualifyingDate})
	}
	for _, tier := range s.tiers {
		date, ok := thresholdDates[tier.Threshold]
		if !ok {
			continue
		}
		awards = append(awards, domain.FlairAward{
			Kind:       domain.FlairKindThreshold,
			Tier:       tier.Name,
			Threshold:  tier.Threshold,
			DateEarned: date,
		})
	}
	return awards, nil
}

// NewlyEarned возвращает флаеры, впервые полученные в день day.
func (s *Service) NewlyEarned(ctx context.Context, serverID int64, userID string, day time.Time) ([]domain.FlairAward, error) {
	awards, err := s.Evaluate(ctx, serverID, userID, day)
	if err != nil {
		return nil, err
	}
	var earned []domain.FlairAward
	for _, award := range awards {
		if award.DateEarned.Equal(day) {
			earned = append(earned, award)
		}
	}
	return earned, nil
}

// Streak возвращает текущую и максимальную серии пользователя в категории.
// Серия растёт, только если предыдущий подходящий день был ровно на один
// календарный день раньше; разрыв обнуляет серию, и следующий одиночный день
// начинает новую серию длиной 1.
func (s *Service) Streak(ctx context.Context, serverID int64, userID string, category domain.StreakCategory, through time.Time) (domain.Streak, error) {
	days, err := s.ledger.ListDaysThrough(ctx, serverID, through)
	if err != nil {
		return domain.Streak{}, fmt.Errorf("дни журнала: %w", err)
	}

	var (
		streak  domain.Streak
		prevHit *time.Time
	)
	for _, day := range days {
		if !satisfies(day, userID, category) {
			continue
		}
		if prevHit != nil && domain.DaysBetween(*prevHit, day.Day) == 1 {
			streak.Current++
		} else {
			streak.Current = 1
		}
		if streak.Current > streak.Longest {
			streak.Longest = streak.Current
		}
		d := day.Day
		prevHit = &d
	}
	return streak, nil
}

func satisfies(day domain.DayLedger, userID string, category domain.StreakCategory) bool {
	switch category.Kind {
	case domain.StreakKindPosition:
		msgs := domain.SortedFirstMessages(day)
		idx := category.Position - 1
		return idx >= 0 && idx < len(msgs) && msgs[idx].UserID == userID
	case domain.StreakKindLast:
		return day.LastMessage != nil && day.LastMessage.UserID == userID
	case domain.StreakKindSecondLast:
		return day.SecondLastMessage != nil && day.SecondLastMessage.UserID == userID
	default:
		return false
	}
}
