package leaderboard

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"first-bot/internal/domain"
	"first-bot/internal/infra/metrics"
)

const currentCacheTTL = 30 * time.Second

// Service реализует накопительный лист лидеров: применение дневных дельт,
// исторические снимки и аналитику роста.
type Service struct {
	scores    domain.ScoreRepo
	snapshots domain.SnapshotRepo
	ledger    domain.LedgerRepo
	cache     domain.Cache
	table     domain.PointTable
}

// NewService создаёт сервис листа лидеров. cache может быть nil.
func NewService(scores domain.ScoreRepo, snapshots domain.SnapshotRepo, ledgerRepo domain.LedgerRepo, cache domain.Cache, table domain.PointTable) *Service {
	return &Service{scores: scores, snapshots: snapshots, ledger: ledgerRepo, cache: cache, table: table}
}

// ApplyDailyDeltas атомарно применяет дневные дельты к накопительному счёту и
// перезаписывает актуальный снимок. Повторное применение тех же дельт за тот
// же день удвоит счёт: вызывающая сторона обязана обеспечить не более одного
// вызова на (сервер, день) — планировщик делает это через AcquireScoringRun.
func (s *Service) ApplyDailyDeltas(ctx context.Context, serverID int64, deltas map[string]domain.ScoreDelta) (domain.LeaderboardSnapshot, error) {
	snap, err := s.scores.ApplyDailyDeltas(ctx, serverID, deltas)
	if err != nil {
		return domain.LeaderboardSnapshot{}, fmt.Errorf("применение дневных дельт: %w", err)
	}
	s.cacheCurrent(serverID, snap)
	return snap, nil
}

// Current возвращает актуальный лист лидеров. Отсутствие снимка — пустой
// результат, не ошибка.
func (s *Service) Current(ctx context.Context, serverID int64) (domain.LeaderboardSnapshot, error) {
	if s.cache != nil {
		if raw, err := s.cache.Get(currentCacheKey(serverID)); err == nil && len(raw) > 0 {
			var snap domain.LeaderboardSnapshot
			if err := json.Unmarshal(raw, &snap); err == nil {
				return snap, nil
			}
		}
	}

	snap, ok, err := s.snapshots.GetSnapshot(ctx, serverID, domain.CurrentSnapshotKey)
	if err != nil {
		return domain.LeaderboardSnapshot{}, fmt.Errorf("чтение актуального снимка: %w", err)
	}
	if !ok {
		return domain.LeaderboardSnapshot{ServerID: serverID, Key: domain.CurrentSnapshotKey}, nil
	}
	s.cacheCurrent(serverID, snap)
	return snap, nil
}

// SnapshotAsOf возвращает лист лидеров на конец дня day. Сохранённый снимок
// возвращается как есть; иначе счёт пересчитывается по всем дням журнала по
// day включительно и сохраняется один раз. Валидация «не сегодня и не будущее»
// выполняется на границе (ValidateHistoricalDate), не здесь.
func (s *Service) SnapshotAsOf(ctx context.Context, serverID int64, day time.Time) (domain.LeaderboardSnapshot, error) {
	key := domain.DayKey(day)

	if snap, ok, err := s.snapshots.GetSnapshot(ctx, serverID, key); err != nil {
		return domain.LeaderboardSnapshot{}, fmt.Errorf("чтение снимка %s: %w", key, err)
	} else if ok {
		metrics.IncSnapshotBuilt(true)
		return snap, nil
	}

	days, err := s.ledger.ListDaysThrough(ctx, serverID, day)
	if err != nil {
		return domain.LeaderboardSnapshot{}, fmt.Errorf("дни журнала по %s: %w", key, err)
	}

	totals := make(map[string]domain.UserScore)
	for _, d := range days {
		for userID, delta := range domain.ComputeDailyDeltas(d, s.table) {
			score := totals[userID]
			score.UserID = userID
			score.Username = delta.Username
			score.Score += delta.Points
			totals[userID] = score
		}
	}

	scores := make([]domain.UserScore, 0, len(totals))
	for _, score := range totals {
		scores = append(scores, score)
	}

	snap := domain.LeaderboardSnapshot{
		ServerID:   serverID,
		Key:        key,
		Rankings:   domain.BuildRankings(scores),
		ComputedAt: time.Now().UTC(),
	}
	saved, err := s.snapshots.CreateDatedSnapshot(ctx, snap)
	if err != nil {
		return domain.LeaderboardSnapshot{}, fmt.Errorf("сохранение снимка %s: %w", key, err)
	}
	metrics.IncSnapshotBuilt(false)
	return saved, nil
}

// PersistDatedSnapshot сохраняет снимок дня, построенный дневным подсчётом.
// Уже существующий снимок этого дня остаётся без изменений.
func (s *Service) PersistDatedSnapshot(ctx context.Context, serverID int64, day time.Time, rankings []domain.RankingEntry) (domain.LeaderboardSnapshot, error) {
	snap := domain.LeaderboardSnapshot{
		ServerID:   serverID,
		Key:        domain.DayKey(day),
		Rankings:   rankings,
		ComputedAt: time.Now().UTC(),
	}
	saved, err := s.snapshots.CreateDatedSnapshot(ctx, snap)
	if err != nil {
		return domain.LeaderboardSnapshot{}, fmt.Errorf("сохранение снимка дня: %w", err)
	}
	return saved, nil
}

// GrowthRate считает скорость роста счёта между двумя сохранёнными снимками.
// Оба снимка должны существовать; отсутствующий в одном из снимков
// пользователь считается с нулевым счётом.
func (s *Service) GrowthRate(ctx context.Context, serverID int64, from, to time.Time) ([]domain.GrowthRate, error) {
	if !to.After(from) {
		return nil, domain.ErrInvalidDate
	}

	fromSnap, ok, err := s.snapshots.GetSnapshot(ctx, serverID, domain.DayKey(from))
	if err != nil {
		return nil, fmt.Errorf("чтение снимка %s: %w", domain.DayKey(from), err)
	}
	if !ok {
		return nil, domain.ErrSnapshotNotFound
	}
	toSnap, ok, err := s.snapshots.GetSnapshot(ctx, serverID, domain.DayKey(to))
	if err != nil {
		return nil, fmt.Errorf("чтение снимка %s: %w", domain.DayKey(to), err)
	}
	if !ok {
		return nil, domain.ErrSnapshotNotFound
	}

	daysBetween := domain.DaysBetween(from, to)

	type pair struct {
		username   string
		from, to   int
	}
	users := make(map[string]pair)
	for _, entry := range fromSnap.Rankings {
		users[entry.UserID] = pair{username: entry.Username, from: entry.Score}
	}
	for _, entry := range toSnap.Rankings {
		p := users[entry.UserID]
		p.username = entry.Username
		p.to = entry.Score
		users[entry.UserID] = p
	}

	rates := make([]domain.GrowthRate, 0, len(users))
	for userID, p := range users {
		rates = append(rates, domain.GrowthRate{
			UserID:    userID,
			Username:  p.username,
			ScoreFrom: p.from,
			ScoreTo:   p.to,
			PerDay:    float64(p.to-p.from) / float64(daysBetween),
		})
	}
	slices.SortFunc(rates, func(a, b domain.GrowthRate) int {
		if c := cmp.Compare(b.PerDay, a.PerDay); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	return rates, nil
}

// ValidateHistoricalDate проверяет, что day — прошедший день в зоне loc.
// Сегодняшний день и будущее отклоняются до обращения к построителю снимков.
func ValidateHistoricalDate(day time.Time, now time.Time, loc *time.Location) error {
	today := domain.DateOf(now, loc)
	if !day.Before(today) {
		return domain.ErrInvalidDate
	}
	return nil
}

func (s *Service) cacheCurrent(serverID int64, snap domain.LeaderboardSnapshot) {
	if s.cache == nil {
		return
	}
	if raw, err := json.Marshal(snap); err == nil {
		_ = s.cache.Set(currentCacheKey(serverID), raw, currentCacheTTL)
	}
}

func currentCacheKey(serverID int64) string {
	return fmt.Sprintf("leaderboard:current:%d", serverID)
}
