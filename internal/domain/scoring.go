package domain

import (
	"slices"
	"time"
)

// SortedFirstMessages возвращает первые сообщения дня по возрастанию времени.
// Порядок вставки гейтвеем не гарантирован, поэтому перед подсчётом список
// сортируется заново.
func SortedFirstMessages(day DayLedger) []FirstMessage {
	msgs := make([]FirstMessage, len(day.FirstMessages))
	copy(msgs, day.FirstMessages)
	slices.SortStableFunc(msgs, func(a, b FirstMessage) int {
		return a.PostedAt.Compare(b.PostedAt)
	})
	return msgs
}

// ComputeDailyDeltas — чистая функция подсчёта дневных очков по журналу дня.
// i-я позиция первого сообщения получает очки из таблицы, авторы последнего и
// предпоследнего сообщений — бонусы. Бонусы складываются с позиционными
// очками. Повторный вызов на неизменном журнале даёт тот же результат.
func ComputeDailyDeltas(day DayLedger, table PointTable) map[string]ScoreDelta {
	deltas := make(map[string]ScoreDelta)

	add := func(userID, username string, points int) {
		d := deltas[userID]
		if d.Username == "" {
			d.Username = username
		}
		d.Points += points
		deltas[userID] = d
	}

	for i, msg := range SortedFirstMessages(day) {
		add(msg.UserID, msg.Username, table.PositionPoints(i+1))
	}
	if day.LastMessage != nil {
		add(day.LastMessage.UserID, day.LastMessage.Username, table.LastMessage)
	}
	if day.SecondLastMessage != nil {
		add(day.SecondLastMessage.UserID, day.SecondLastMessage.Username, table.SecondLastMessage)
	}
	return deltas
}

// DateOf возвращает календарную дату момента t в зоне loc, нормализованную к
// полуночи UTC. Все даты журнала хранятся в таком виде.
func DateOf(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween возвращает количество календарных дней между двумя датами,
// нормализованными через DateOf.
func DaysBetween(from, to time.Time) int {
	return int(to.Sub(from) / (24 * time.Hour))
}
