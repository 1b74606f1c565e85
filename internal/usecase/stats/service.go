package stats

import (
	"context"
	"fmt"
	"time"

	"first-bot/internal/domain"
)

// Service отвечает за аналитику по журналу дней: статистику участия, тепловую
// карту активности и строки дней для выгрузки в таблицы. Только чтение.
type Service struct {
	ledger domain.LedgerRepo
}

// NewService создаёт сервис аналитики.
func NewService(ledgerRepo domain.LedgerRepo) *Service {
	return &Service{ledger: ledgerRepo}
}

// Participation — сводка участия пользователя.
type Participation struct {
	UserID          string      `json:"user_id"`
	DaysActive      int         `json:"days_active"`
	FirstPlaceDays  int         `json:"first_place_days"`
	LastMessageDays int         `json:"last_message_days"`
	SecondLastDays  int         `json:"second_last_days"`
	PositionCounts  map[int]int `json:"position_counts"`
}

// Participation возвращает сводку участия пользователя по день through
// включительно. Отсутствие данных — нулевая сводка.
func (s *Service) Participation(ctx context.Context, serverID int64, userID string, through time.Time) (Participation, error) {
	days, err := s.ledger.ListDaysThrough(ctx, serverID, through)
	if err != nil {
		return Participation{}, fmt.Errorf("дни журнала: %w", err)
	}

	result := Participation{UserID: userID, PositionCounts: make(map[int]int)}
	for _, day := range days {
		for i, msg := range domain.SortedFirstMessages(day) {
			if msg.UserID != userID {
				continue
			}
			result.DaysActive++
			result.PositionCounts[i+1]++
			if i == 0 {
				result.FirstPlaceDays++
			}
			break
		}
		if day.LastMessage != nil && day.LastMessage.UserID == userID {
			result.LastMessageDays++
		}
		if day.SecondLastMessage != nil && day.SecondLastMessage.UserID == userID {
			result.SecondLastDays++
		}
	}
	return result, nil
}

// Heatmap — распределение первых сообщений по дням недели и часам локального
// времени. Buckets[weekday][hour], воскресенье — нулевой день.
type Heatmap struct {
	Buckets [7][24]int `json:"buckets"`
	Total   int        `json:"total"`
}

// Heatmap строит тепловую карту активности сервера по день through включительно.
func (s *Service) Heatmap(ctx context.Context, serverID int64, loc *time.Location, through time.Time) (Heatmap, error) {
	days, err := s.ledger.ListDaysThrough(ctx, serverID, through)
	if err != nil {
		return Heatmap{}, fmt.Errorf("дни журнала: %w", err)
	}

	var hm Heatmap
	for _, day := range days {
		for _, msg := range day.FirstMessages {
			local := msg.PostedAt.In(loc)
			hm.Buckets[int(local.Weekday())][local.Hour()]++
			hm.Total++
		}
	}
	return hm, nil
}

// DayRow — строка дня для внешней выгрузки: дата, время первого и последнего
// событий и участники по позициям.
type DayRow struct {
	Date       string     `json:"date"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	Positions  []string   `json:"positions"`
	SecondLast string     `json:"second_last,omitempty"`
	Last       string     `json:"last,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
}

// DayRows возвращает строки всех дней по through включительно, в порядке дат.
func (s *Service) DayRows(ctx context.Context, serverID int64, through time.Time) ([]DayRow, error) {
	days, err := s.ledger.ListDaysThrough(ctx, serverID, through)
	if err != nil {
		return nil, fmt.Errorf("дни журнала: %w", err)
	}

	rows := make([]DayRow, 0, len(days))
	for _, day := range days {
		row := DayRow{Date: domain.DayKey(day.Day)}
		msgs := domain.SortedFirstMessages(day)
		for _, msg := range msgs {
			row.Positions = append(row.Positions, msg.Username)
		}
		if len(msgs) > 0 {
			start := msgs[0].PostedAt
			row.StartTime = &start
		}
		if day.SecondLastMessage != nil {
			row.SecondLast = day.SecondLastMessage.Username
		}
		if day.LastMessage != nil {
			row.Last = day.LastMessage.Username
			end := day.LastMessage.PostedAt
			row.EndTime = &end
		}
		rows = append(rows, row)
	}
	return rows, nil
}
