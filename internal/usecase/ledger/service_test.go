package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"first-bot/internal/domain"
)

type stubLedgerRepo struct {
	days map[string]*domain.DayLedger

	closeCalls int
}

func newStubLedgerRepo() *stubLedgerRepo {
	return &stubLedgerRepo{days: make(map[string]*domain.DayLedger)}
}

var _ domain.LedgerRepo = (*stubLedgerRepo)(nil)

func (s *stubLedgerRepo) key(serverID int64, day time.Time) string {
	return domain.DayKey(day)
}

func (s *stubLedgerRepo) RecordFirstMessage(_ context.Context, serverID int64, day time.Time, msg domain.FirstMessage) (bool, error) {
	ledger, ok := s.days[s.key(serverID, day)]
	if !ok {
		ledger = &domain.DayLedger{ServerID: serverID, Day: day}
		s.days[s.key(serverID, day)] = ledger
	}
	for _, existing := range ledger.FirstMessages {
		if existing.UserID == msg.UserID {
			return false, nil
		}
	}
	ledger.FirstMessages = append(ledger.FirstMessages, msg)
	return true, nil
}

func (s *stubLedgerRepo) GetDay(_ context.Context, serverID int64, day time.Time) (domain.DayLedger, bool, error) {
	ledger, ok := s.days[s.key(serverID, day)]
	if !ok {
		return domain.DayLedger{}, false, nil
	}
	return *ledger, true, nil
}

func (s *stubLedgerRepo) ListDaysThrough(_ context.Context, serverID int64, through time.Time) ([]domain.DayLedger, error) {
	var days []domain.DayLedger
	for _, ledger := range s.days {
		if !ledger.Day.After(through) {
			days = append(days, *ledger)
		}
	}
	return days, nil
}

func (s *stubLedgerRepo) CloseDay(_ context.Context, serverID int64, day time.Time, last, secondLast *domain.LastMessage) (bool, error) {
	s.closeCalls++
	ledger, ok := s.days[s.key(serverID, day)]
	if !ok {
		ledger = &domain.DayLedger{ServerID: serverID, Day: day}
		s.days[s.key(serverID, day)] = ledger
	}
	if ledger.Closed {
		return false, nil
	}
	ledger.LastMessage = last
	ledger.SecondLastMessage = secondLast
	ledger.Closed = true
	return true, nil
}

type stubHistory struct {
	messages []domain.ChannelMessage
	err      error
	limit    int
}

func (s *stubHistory) FetchRecentMessages(_ context.Context, _ string, limit int) ([]domain.ChannelMessage, error) {
	s.limit = limit
	return s.messages, s.err
}

func TestRecordFirstMessageDeduplicates(t *testing.T) {
	repo := newStubLedgerRepo()
	service := NewService(repo, &stubHistory{}, 100)
	server := domain.Server{ID: 1, Timezone: "UTC"}
	postedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	created, err := service.RecordFirstMessage(context.Background(), server, "u1", "alice", "m1", postedAt)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !created {
		t.Fatalf("первое сообщение дня должно записываться")
	}

	created, err = service.RecordFirstMessage(context.Background(), server, "u1", "alice", "m2", postedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if created {
		t.Fatalf("повторное сообщение того же пользователя за день должно игнорироваться")
	}

	day, ok, err := service.Day(context.Background(), 1, domain.DateOf(postedAt, time.UTC))
	if err != nil || !ok {
		t.Fatalf("ожидали журнал дня: ok=%v err=%v", ok, err)
	}
	if len(day.FirstMessages) != 1 {
		t.Fatalf("ожидали одну запись, получили %d", len(day.FirstMessages))
	}
}

func TestResolveLastMessagesPicksDistinctAuthors(t *testing.T) {
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	history := &stubHistory{messages: []domain.ChannelMessage{
		{AuthorID: "u1", AuthorUsername: "alice", MessageID: "m4", PostedAt: day.Add(23 * time.Hour)},
		{AuthorID: "u1", AuthorUsername: "alice", MessageID: "m3", PostedAt: day.Add(22 * time.Hour)},
		{AuthorID: "bot", IsBot: true, MessageID: "m5", PostedAt: day.Add(23*time.Hour + 30*time.Minute)},
		{AuthorID: "u2", AuthorUsername: "bob", MessageID: "m2", PostedAt: day.Add(21 * time.Hour)},
		{AuthorID: "u3", AuthorUsername: "carol", MessageID: "m1", PostedAt: day.Add(-time.Hour)},
	}}
	repo := newStubLedgerRepo()
	service := NewService(repo, history, 100)

	resolved, err := service.ResolveLastMessages(context.Background(), domain.Server{ID: 1, ChannelID: "c1", Timezone: "UTC"}, day)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !resolved.Closed {
		t.Fatalf("день должен быть закрыт")
	}
	if resolved.LastMessage == nil || resolved.LastMessage.UserID != "u1" {
		t.Fatalf("последним должен быть u1: %+v", resolved.LastMessage)
	}
	if resolved.SecondLastMessage == nil || resolved.SecondLastMessage.UserID != "u2" {
		t.Fatalf("предпоследним должен быть другой автор (u2): %+v", resolved.SecondLastMessage)
	}
}

func TestResolveLastMessagesEmptyWindow(t *testing.T) {
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	history := &stubHistory{messages: []domain.ChannelMessage{
		{AuthorID: "bot", IsBot: true, PostedAt: day.Add(time.Hour)},
		{AuthorID: "u1", PostedAt: day.AddDate(0, 0, -1)},
	}}
	repo := newStubLedgerRepo()
	service := NewService(repo, history, 100)

	resolved, err := service.ResolveLastMessages(context.Background(), domain.Server{ID: 1, ChannelID: "c1", Timezone: "UTC"}, day)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !resolved.Closed {
		t.Fatalf("день закрывается даже без подходящих сообщений")
	}
	if resolved.LastMessage != nil || resolved.SecondLastMessage != nil {
		t.Fatalf("последние сообщения должны отсутствовать: %+v %+v", resolved.LastMessage, resolved.SecondLastMessage)
	}
}

func TestResolveLastMessagesHistoryError(t *testing.T) {
	repo := newStubLedgerRepo()
	service := NewService(repo, &stubHistory{err: errors.New("discord down")}, 100)

	_, err := service.ResolveLastMessages(context.Background(), domain.Server{ID: 1, ChannelID: "c1", Timezone: "UTC"}, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err == nil {
		t.Fatalf("ожидали ошибку истории канала")
	}
	if repo.closeCalls != 0 {
		t.Fatalf("при ошибке истории день не должен закрываться")
	}
}

func TestResolveLastMessagesUsesServerLookback(t *testing.T) {
	history := &stubHistory{}
	service := NewService(newStubLedgerRepo(), history, 100)

	_, err := service.ResolveLastMessages(context.Background(), domain.Server{ID: 1, ChannelID: "c1", Timezone: "UTC", Lookback: 250}, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if history.limit != 250 {
		t.Fatalf("ожидали лимит сервера 250, получили %d", history.limit)
	}
}
