package domain

import (
	"fmt"
	"time"
)

// DayKeyLayout — формат ключа календарного дня (MM-DD-YYYY).
const DayKeyLayout = "01-02-2006"

// CurrentSnapshotKey — ключ актуального листа лидеров, перезаписываемого при каждом прогоне.
const CurrentSnapshotKey = "current"

// DayKey возвращает ключ дня для даты.
func DayKey(t time.Time) string {
	return t.Format(DayKeyLayout)
}

// ParseDayKey разбирает ключ дня. Результат нормализован к полуночи UTC —
// в том же виде DateOf хранит дни журнала, поэтому разобранный ключ можно
// сравнивать с днями журнала и ключами снимков напрямую.
func ParseDayKey(key string) (time.Time, error) {
	t, err := time.Parse(DayKeyLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("разбор ключа дня %q: %w", key, err)
	}
	return t, nil
}

// Server описывает сервер Discord, за которым следит бот.
type Server struct {
	ID                int64
	GuildID           string
	ChannelID         string
	AnnounceChannelID string
	Timezone          string
	ScoringTime       string // локальное время запуска подсчёта, "HH:MM"
	Lookback          int    // глубина просмотра истории канала при закрытии дня
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Location возвращает часовой пояс сервера. При некорректной зоне — UTC.
func (s Server) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// FirstMessage — первое сообщение пользователя за день.
type FirstMessage struct {
	UserID    string
	Username  string
	MessageID string
	PostedAt  time.Time
}

// LastMessage — последнее (или предпоследнее) сообщение дня.
type LastMessage struct {
	UserID    string
	Username  string
	MessageID string
	PostedAt  time.Time
}

// DayLedger — запись участия за один календарный день сервера.
// FirstMessages отсортированы по времени по возрастанию, не более одной записи
// на пользователя. LastMessage и SecondLastMessage заполняются один раз при
// закрытии дня и могут отсутствовать.
type DayLedger struct {
	ServerID          int64
	Day               time.Time
	FirstMessages     []FirstMessage
	LastMessage       *LastMessage
	SecondLastMessage *LastMessage
	Closed            bool
}

// UserScore — накопительный счёт пользователя на сервере.
type UserScore struct {
	ServerID int64  `json:"server_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Score    int    `json:"score"`
	Rank     int    `json:"rank"`
}

// RankingEntry — строка листа лидеров.
type RankingEntry struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Score    int    `json:"score"`
	Rank     int    `json:"rank"`
}

// LeaderboardSnapshot — лист лидеров на момент времени. Снимок с ключом
// CurrentSnapshotKey перезаписывается; датированные снимки неизменяемы.
type LeaderboardSnapshot struct {
	ServerID   int64
	Key        string
	Rankings   []RankingEntry
	ComputedAt time.Time
}

// ChannelMessage — сообщение канала, полученное от гейтвея при закрытии дня.
type ChannelMessage struct {
	AuthorID       string
	AuthorUsername string
	IsBot          bool
	MessageID      string
	PostedAt       time.Time
}

// GrowthRate — скорость роста счёта пользователя между двумя снимками.
type GrowthRate struct {
	UserID    string  `json:"user_id"`
	Username  string  `json:"username"`
	ScoreFrom int     `json:"score_from"`
	ScoreTo   int     `json:"score_to"`
	PerDay    float64 `json:"per_day"`
}
