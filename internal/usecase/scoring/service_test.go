package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"first-bot/internal/domain"
	"first-bot/internal/usecase/flair"
	"first-bot/internal/usecase/leaderboard"
	"first-bot/internal/usecase/ledger"
)

// stubStore совмещает все репозитории, как это делает Postgres-адаптер.
type stubStore struct {
	server    domain.Server
	days      map[string]*domain.DayLedger
	scores    map[string]*domain.UserScore
	snapshots map[string]domain.LeaderboardSnapshot

	applyCalls int
}

func newStubStore(server domain.Server) *stubStore {
	return &stubStore{
		server:    server,
		days:      make(map[string]*domain.DayLedger),
		scores:    make(map[string]*domain.UserScore),
		snapshots: make(map[string]domain.LeaderboardSnapshot),
	}
}

func (s *stubStore) UpsertServer(_ context.Context, srv domain.Server) (domain.Server, error) {
	return srv, nil
}

func (s *stubStore) GetServer(_ context.Context, id int64) (domain.Server, error) {
	if id != s.server.ID {
		return domain.Server{}, domain.ErrServerNotFound
	}
	return s.server, nil
}

func (s *stubStore) GetServerByGuild(_ context.Context, guildID string) (domain.Server, error) {
	return s.server, nil
}

func (s *stubStore) ListServers(_ context.Context) ([]domain.Server, error) {
	return []domain.Server{s.server}, nil
}

func (s *stubStore) RecordFirstMessage(_ context.Context, serverID int64, day time.Time, msg domain.FirstMessage) (bool, error) {
	key := domain.DayKey(day)
	ledger, ok := s.days[key]
	if !ok {
		ledger = &domain.DayLedger{ServerID: serverID, Day: day}
		s.days[key] = ledger
	}
	for _, existing := range ledger.FirstMessages {
		if existing.UserID == msg.UserID {
			return false, nil
		}
	}
	ledger.FirstMessages = append(ledger.FirstMessages, msg)
	return true, nil
}

func (s *stubStore) GetDay(_ context.Context, _ int64, day time.Time) (domain.DayLedger, bool, error) {
	ledger, ok := s.days[domain.DayKey(day)]
	if !ok {
		return domain.DayLedger{}, false, nil
	}
	return *ledger, true, nil
}

func (s *stubStore) ListDaysThrough(_ context.Context, _ int64, through time.Time) ([]domain.DayLedger, error) {
	var days []domain.DayLedger
	for _, ledger := range s.days {
		if !ledger.Day.After(through) {
			days = append(days, *ledger)
		}
	}
	return days, nil
}

func (s *stubStore) CloseDay(_ context.Context, serverID int64, day time.Time, last, secondLast *domain.LastMessage) (bool, error) {
	key := domain.DayKey(day)
	ledger, ok := s.days[key]
	if !ok {
		ledger = &domain.DayLedger{ServerID: serverID, Day: day}
		s.days[key] = ledger
	}
	if ledger.Closed {
		return false, nil
	}
	ledger.LastMessage = last
	ledger.SecondLastMessage = secondLast
	ledger.Closed = true
	return true, nil
}

func (s *stubStore) ApplyDailyDeltas(_ context.Context, serverID int64, deltas map[string]domain.ScoreDelta) (domain.LeaderboardSnapshot, error) {
	s.applyCalls++
	for userID, delta := range deltas {
		score, ok := s.scores[userID]
		if !ok {
			score = &domain.UserScore{ServerID: serverID, UserID: userID, Username: delta.Username}
			s.scores[userID] = score
		}
		score.Score += delta.Points
	}
	all := make([]domain.UserScore, 0, len(s.scores))
	for _, score := range s.scores {
		all = append(all, *score)
	}
	snap := domain.LeaderboardSnapshot{
		ServerID: serverID,
		Key:      domain.CurrentSnapshotKey,
		Rankings: domain.BuildRankings(all),
	}
	s.snapshots[domain.CurrentSnapshotKey] = snap
	return snap, nil
}

func (s *stubStore) ListScores(_ context.Context, _ int64) ([]domain.UserScore, error) {
	var all []domain.UserScore
	for _, score := range s.scores {
		all = append(all, *score)
	}
	return all, nil
}

func (s *stubStore) GetSnapshot(_ context.Context, _ int64, key string) (domain.LeaderboardSnapshot, bool, error) {
	snap, ok := s.snapshots[key]
	return snap, ok, nil
}

func (s *stubStore) CreateDatedSnapshot(_ context.Context, snap domain.LeaderboardSnapshot) (domain.LeaderboardSnapshot, error) {
	if existing, ok := s.snapshots[snap.Key]; ok {
		return existing, nil
	}
	s.snapshots[snap.Key] = snap
	return snap, nil
}

type stubHistory struct {
	messages []domain.ChannelMessage
	err      error
}

func (s *stubHistory) FetchRecentMessages(context.Context, string, int) ([]domain.ChannelMessage, error) {
	return s.messages, s.err
}

type recordingNotifier struct {
	events []domain.FlairEvent
}

func (n *recordingNotifier) NotifyFlairEarned(_ context.Context, _ domain.Server, event domain.FlairEvent) error {
	n.events = append(n.events, event)
	return nil
}

func newTestService(store *stubStore, history domain.ChannelHistory, notifier domain.RoleNotifier) *Service {
	return newTestServiceWithDedup(store, history, notifier, nil)
}

func newTestServiceWithDedup(store *stubStore, history domain.ChannelHistory, notifier domain.RoleNotifier, dedup domain.Cache) *Service {
	table := domain.DefaultPointTable()
	ledgerService := ledger.NewService(store, history, 100)
	boardService := leaderboard.NewService(store, store, store, nil, table)
	flairService := flair.NewService(store, table, domain.DefaultFlairTiers())
	return NewService(store, ledgerService, boardService, flairService, notifier, dedup, table, zerolog.Nop())
}

func TestRunDailyScoring(t *testing.T) {
	server := domain.Server{ID: 1, GuildID: "g1", ChannelID: "c1", Timezone: "UTC"}
	store := newStubStore(server)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, user := range []string{"A", "B", "C"} {
		if _, err := store.RecordFirstMessage(context.Background(), 1, day, domain.FirstMessage{
			UserID: user, Username: user, PostedAt: day.Add(time.Duration(i+1) * time.Minute),
		}); err != nil {
			t.Fatalf("не удалось подготовить журнал: %v", err)
		}
	}
	history := &stubHistory{messages: []domain.ChannelMessage{
		{AuthorID: "C", AuthorUsername: "C", PostedAt: day.Add(23 * time.Hour)},
		{AuthorID: "A", AuthorUsername: "A", PostedAt: day.Add(22 * time.Hour)},
	}}
	notifier := &recordingNotifier{}
	service := newTestService(store, history, notifier)

	if err := service.RunDailyScoring(context.Background(), 1, day); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	// C: 10 за позицию + 20 за последнее; A: 20 + 10 за предпоследнее.
	want := map[string]int{"A": 30, "B": 12, "C": 30}
	for user, points := range want {
		if store.scores[user] == nil || store.scores[user].Score != points {
			t.Fatalf("ожидали %d очков у %s, получили %+v", points, user, store.scores[user])
		}
	}

	if _, ok := store.snapshots[domain.DayKey(day)]; !ok {
		t.Fatalf("дневной подсчёт должен сохранять датированный снимок")
	}
	if _, ok := store.snapshots[domain.CurrentSnapshotKey]; !ok {
		t.Fatalf("актуальный снимок должен перезаписываться")
	}

	if len(notifier.events) == 0 {
		t.Fatalf("ожидали события флаеров за первый день участия")
	}
}

func TestRunDailyScoringMissingDay(t *testing.T) {
	server := domain.Server{ID: 1, Timezone: "UTC"}
	store := newStubStore(server)
	service := newTestService(store, &stubHistory{}, nil)

	if err := service.RunDailyScoring(context.Background(), 1, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("пустой день не ошибка: %v", err)
	}
	if store.applyCalls != 0 {
		t.Fatalf("без журнала дельты не применяются")
	}
}

func TestRunDailyScoringDegradesWithoutHistory(t *testing.T) {
	server := domain.Server{ID: 1, ChannelID: "c1", Timezone: "UTC"}
	store := newStubStore(server)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := store.RecordFirstMessage(context.Background(), 1, day, domain.FirstMessage{UserID: "A", Username: "A", PostedAt: day.Add(time.Minute)}); err != nil {
		t.Fatalf("не удалось подготовить журнал: %v", err)
	}

	service := newTestService(store, &stubHistory{err: errors.New("discord down")}, nil)

	if err := service.RunDailyScoring(context.Background(), 1, day); err != nil {
		t.Fatalf("ошибка истории не должна срывать подсчёт: %v", err)
	}
	if store.scores["A"] == nil || store.scores["A"].Score != 20 {
		t.Fatalf("ожидали позиционные очки без бонусов: %+v", store.scores["A"])
	}
}

func TestRunDailyScoringUnknownServer(t *testing.T) {
	store := newStubStore(domain.Server{ID: 1})
	service := newTestService(store, &stubHistory{}, nil)

	if err := service.RunDailyScoring(context.Background(), 42, time.Now()); err == nil {
		t.Fatalf("ожидали ошибку для незарегистрированного сервера")
	}
}

type memoryOnceCache struct {
	seen map[string]bool
}

func (c *memoryOnceCache) Once(key string, _ time.Duration, fn func() error) error {
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	if c.seen[key] {
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	c.seen[key] = true
	return nil
}

func (c *memoryOnceCache) Set(string, []byte, time.Duration) error { return nil }
func (c *memoryOnceCache) Get(string) ([]byte, error)              { return nil, nil }

func TestRunDailyScoringDoesNotRepeatFlairAnnounces(t *testing.T) {
	server := domain.Server{ID: 1, GuildID: "g1", ChannelID: "c1", Timezone: "UTC"}
	store := newStubStore(server)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, err := store.RecordFirstMessage(context.Background(), 1, day, domain.FirstMessage{
		UserID: "A", Username: "A", PostedAt: day.Add(time.Minute),
	}); err != nil {
		t.Fatalf("не удалось подготовить журнал: %v", err)
	}
	history := &stubHistory{}
	notifier := &recordingNotifier{}
	service := newTestServiceWithDedup(store, history, notifier, &memoryOnceCache{})

	if err := service.RunDailyScoring(context.Background(), 1, day); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	first := len(notifier.events)
	if first == 0 {
		t.Fatal("ожидали хотя бы один анонс флаера")
	}

	// Повторная доставка той же задачи не должна дублировать анонсы.
	if err := service.RunDailyScoring(context.Background(), 1, day); err != nil {
		t.Fatalf("не ожидали ошибку при повторе: %v", err)
	}
	if got := len(notifier.events); got != first {
		t.Fatalf("анонсы продублированы: было %d, стало %d", first, got)
	}
}
