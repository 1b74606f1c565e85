package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"first-bot/internal/domain"
	"first-bot/internal/infra/metrics"
	"first-bot/internal/usecase/flair"
	"first-bot/internal/usecase/leaderboard"
	"first-bot/internal/usecase/ledger"
)

// Повторная доставка задачи после частичного сбоя может заново дойти до
// рассылки флаеров; маркер в кэше держится дольше пары прогонов, чтобы
// пользователь не получил один и тот же анонс дважды.
const flairAnnounceTTL = 48 * time.Hour

// Service оркестрирует дневной подсчёт очков: закрытие дня, вычисление дельт,
// агрегацию листа лидеров, снимок дня и выдачу флаеров.
type Service struct {
	servers  domain.ServerRepo
	ledger   *ledger.Service
	boards   *leaderboard.Service
	flairs   *flair.Service
	notifier domain.RoleNotifier
	dedup    domain.Cache
	table    domain.PointTable
	log      zerolog.Logger
}

// NewService создаёт сервис подсчёта. notifier может быть nil — тогда события
// флаеров не рассылаются. dedup может быть nil — тогда повторная доставка
// задачи продублирует анонсы.
func NewService(servers domain.ServerRepo, ledgerSvc *ledger.Service, boards *leaderboard.Service, flairs *flair.Service, notifier domain.RoleNotifier, dedup domain.Cache, table domain.PointTable, logger zerolog.Logger) *Service {
	return &Service{
		servers:  servers,
		ledger:   ledgerSvc,
		boards:   boards,
		flairs:   flairs,
		notifier: notifier,
		dedup:    dedup,
		table:    table,
		log:      logger,
	}
}

// RunDailyScoring выполняет полный дневной подсчёт для сервера за день day.
// День без журнала пропускается: участников не было. Вызывающая сторона
// гарантирует не более одного вызова на (сервер, день).
func (s *Service) RunDailyScoring(ctx context.Context, serverID int64, day time.Time) error {
	start := time.Now()
	err := s.runDailyScoring(ctx, serverID, day)
	metrics.ScoringRunSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ScoringRunErrors.Inc()
	}
	return err
}

func (s *Service) runDailyScoring(ctx context.Context, serverID int64, day time.Time) error {
	server, err := s.servers.GetServer(ctx, serverID)
	if err != nil {
		return fmt.Errorf("сервер %d: %w", serverID, err)
	}

	dayLedger, ok, err := s.ledger.Day(ctx, serverID, day)
	if err != nil {
		return fmt.Errorf("журнал дня %s: %w", domain.DayKey(day), err)
	}
	if !ok {
		s.log.Info().Int64("server", serverID).Str("day", domain.DayKey(day)).Msg("scoring: журнал дня пуст, пропускаем")
		return nil
	}

	if !dayLedger.Closed {
		resolved, err := s.ledger.ResolveLastMessages(ctx, server, day)
		if err != nil {
			// День остаётся открытым, подсчёт идёт только по позиционным очкам.
			s.log.Warn().Err(err).Int64("server", serverID).Str("day", domain.DayKey(day)).Msg("scoring: не удалось определить последние сообщения")
		} else {
			dayLedger = resolved
		}
	}

	deltas := domain.ComputeDailyDeltas(dayLedger, s.table)
	if len(deltas) == 0 {
		s.log.Info().Int64("server", serverID).Str("day", domain.DayKey(day)).Msg("scoring: нет дельт за день")
		return nil
	}

	snap, err := s.boards.ApplyDailyDeltas(ctx, serverID, deltas)
	if err != nil {
		return err
	}

	if _, err := s.boards.PersistDatedSnapshot(ctx, serverID, day, snap.Rankings); err != nil {
		return err
	}

	s.emitFlairEvents(ctx, server, day, deltas)
	return nil
}

// emitFlairEvents рассылает события о впервые полученных флаерах всем
// пользователям, чей счёт менялся в этот день. Ошибки выдачи ролей не
// прерывают подсчёт.
func (s *Service) emitFlairEvents(ctx context.Context, server domain.Server, day time.Time, deltas map[string]domain.ScoreDelta) {
	if s.notifier == nil {
		return
	}
	for userID, delta := range deltas {
		awards, err := s.flairs.NewlyEarned(ctx, server.ID, userID, day)
		if err != nil {
			s.log.Error().Err(err).Int64("server", server.ID).Str("user", userID).Msg("scoring: не удалось вычислить флаеры")
			continue
		}
		for _, award := range awards {
			event := domain.FlairEvent{
				ServerID:   server.ID,
				UserID:     userID,
				Username:   delta.Username,
				Kind:       award.Kind,
				Tier:       award.Tier,
				DateEarned: award.DateEarned,
			}
			if err := s.notifyOnce(ctx, server, event); err != nil {
				s.log.Error().Err(err).Int64("server", server.ID).Str("user", userID).Str("tier", award.Tier).Msg("scoring: не удалось выдать флаер")
				continue
			}
			tier := award.Tier
			if tier == "" {
				tier = string(award.Kind)
			}
			metrics.IncFlairGranted(tier)
		}
	}
}

// notifyOnce выдаёт флаер не более одного раза на (сервер, пользователь,
// уровень, день): при повторной доставке задачи маркер в кэше гасит дубль.
func (s *Service) notifyOnce(ctx context.Context, server domain.Server, event domain.FlairEvent) error {
	notify := func() error {
		return s.notifier.NotifyFlairEarned(ctx, server, event)
	}
	if s.dedup == nil {
		return notify()
	}
	key := fmt.Sprintf("flair:%d:%s:%s:%s:%s", server.ID, event.UserID, event.Kind, event.Tier, domain.DayKey(event.DateEarned))
	return s.dedup.Once(key, flairAnnounceTTL, notify)
}
