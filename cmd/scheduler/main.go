package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"first-bot/internal/adapters/repo"
	"first-bot/internal/domain"
	"first-bot/internal/infra/cache"
	"first-bot/internal/infra/config"
	"first-bot/internal/infra/db"
	applog "first-bot/internal/infra/log"
	"first-bot/internal/infra/metrics"
	"first-bot/internal/infra/queue"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	scoringQueue, err := buildQueue(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось инициализировать очередь")
	}

	s := &scheduler{
		log:         logger,
		servers:     repoAdapter,
		runs:        repoAdapter,
		queue:       scoringQueue,
		defaultTime: cfg.Scoring.DefaultTime,
	}

	logger.Info().Msg("scheduler: запущен")
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler: остановлен")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func buildQueue(cfg config.AppConfig) (domain.ScoringQueue, error) {
	if cfg.RabbitURL != "" {
		return queue.NewRabbitScoringQueue(cfg.RabbitURL, cfg.RabbitManagementURL, cfg.Queues.Scoring)
	}
	client, err := cache.Connect(cfg.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("подключение к Redis: %w", err)
	}
	return queue.NewRedisScoringQueue(client, cfg.Queues.Scoring), nil
}

type scheduler struct {
	log         zerolog.Logger
	servers     domain.ServerRepo
	runs        domain.ScoringRunRepo
	queue       domain.ScoringQueue
	defaultTime string
}

// tick сверяет локальное время каждого сервера с его временем подсчёта
// и ставит задачу ровно один раз на день: гонку между инстансами решает
// AcquireScoringRun.
func (s *scheduler) tick(ctx context.Context) {
	servers, err := s.servers.ListServers(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduler: ошибка выборки серверов")
		return
	}
	now := time.Now()
	for _, server := range servers {
		scoringTime := server.ScoringTime
		if scoringTime == "" {
			scoringTime = s.defaultTime
		}
		loc := server.Location()
		if now.In(loc).Format("15:04") != scoringTime {
			continue
		}
		day := domain.DateOf(now, loc)
		acquired, err := s.runs.AcquireScoringRun(ctx, server.ID, day)
		if err != nil {
			s.log.Error().Err(err).Int64("server", server.ID).Msg("scheduler: не удалось захватить запуск подсчёта")
			continue
		}
		if !acquired {
			continue
		}
		job := domain.ScoringJob{
			ID:          uuid.NewString(),
			ServerID:    server.ID,
			Day:         day,
			RequestedAt: now.UTC(),
			Cause:       domain.ScoringCauseScheduled,
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.log.Error().Err(err).Int64("server", server.ID).Msg("scheduler: не удалось поставить задачу")
			continue
		}
		metrics.IncScoringForServer(server.ID)
		s.log.Info().Int64("server", server.ID).Str("day", domain.DayKey(day)).Str("job_id", job.ID).Msg("scheduler: задача подсчёта поставлена")
	}
}
