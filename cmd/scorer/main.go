package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	discordadapter "first-bot/internal/adapters/discord"
	"first-bot/internal/adapters/repo"
	"first-bot/internal/domain"
	"first-bot/internal/infra/cache"
	"first-bot/internal/infra/config"
	"first-bot/internal/infra/db"
	applog "first-bot/internal/infra/log"
	"first-bot/internal/infra/metrics"
	"first-bot/internal/infra/queue"
	"first-bot/internal/usecase/flair"
	"first-bot/internal/usecase/leaderboard"
	"first-bot/internal/usecase/ledger"
	"first-bot/internal/usecase/scoring"
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
		logger.Fatal().Err(err).Msg("scorer: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	redisClient, err := cache.Connect(cfg.RedisAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("scorer: нет подключения к Redis")
	}
	defer redisClient.Close()
	redisCache := cache.NewRedis(redisClient)

	scoringQueue, err := buildQueue(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("scorer: не удалось инициализировать очередь")
	}

	if cfg.Discord.Token == "" {
		logger.Fatal().Msg("scorer: не указан токен Discord (DISCORD_BOT_TOKEN)")
	}
	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("scorer: не удалось создать сессию Discord")
	}

	table := domain.DefaultPointTable()
	tiers := domain.DefaultFlairTiers()
	history := discordadapter.NewHistory(session)
	ledgerService := ledger.NewService(repoAdapter, history, cfg.Scoring.Lookback)
	boardService := leaderboard.NewService(repoAdapter, repoAdapter, repoAdapter, redisCache, table)
	flairService := flair.NewService(repoAdapter, table, tiers)
	notifier := discordadapter.NewNotifier(session, logger.With().Str("component", "notifier").Logger(), tiers)
	scoringService := scoring.NewService(repoAdapter, ledgerService, boardService, flairService, notifier, redisCache, table, logger.With().Str("component", "scoring").Logger())

	worker := &jobWorker{
		log:      logger,
		queue:    scoringQueue,
		statuses: repoAdapter,
		service:  scoringService,
	}

	logger.Info().Msg("scorer: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("scorer: остановлен")
}

func buildQueue(cfg config.AppConfig, redisClient *redis.Client) (domain.ScoringQueue, error) {
	if cfg.RabbitURL != "" {
		return queue.NewRabbitScoringQueue(cfg.RabbitURL, cfg.RabbitManagementURL, cfg.Queues.Scoring)
	}
	return queue.NewRedisScoringQueue(redisClient, cfg.Queues.Scoring), nil
}

type jobWorker struct {
	log      zerolog.Logger
	queue    domain.ScoringQueue
	statuses domain.ScoringJobStatusRepo
	service  *scoring.Service
}

const maxDeliveryAttempts = 5

func (w *jobWorker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			metrics.QueueErrors.Inc()
			w.log.Error().Err(err).Msg("scorer: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}

		jobLog := w.log.With().
			Str("job_id", job.ID).
			Int64("server", job.ServerID).
			Str("day", domain.DayKey(job.Day)).
			Str("cause", string(job.Cause)).
			Logger()

		if job.ID == "" {
			jobLog.Error().Msg("scorer: получена задача без идентификатора, подтверждаем и пропускаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("scorer: не удалось подтвердить задачу без идентификатора")
			}
			continue
		}

		done, attempt, err := w.statuses.EnsureScoringJob(job.ID)
		if err != nil {
			jobLog.Error().Err(err).Msg("scorer: не удалось зарегистрировать задачу")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("scorer: не удалось вернуть задачу в очередь")
			}
			time.Sleep(time.Second)
			continue
		}

		jobLog = jobLog.With().Int("attempt", attempt).Logger()

		if done {
			jobLog.Info().Msg("scorer: задача уже выполнена, подтверждаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("scorer: не удалось подтвердить выполненную задачу")
			}
			continue
		}

		runErr := w.service.RunDailyScoring(ctx, job.ServerID, job.Day)
		if runErr != nil && attempt < maxDeliveryAttempts {
			jobLog.Warn().Err(runErr).Msg("scorer: подсчёт завершился ошибкой, повторим позже")
			if err := ack(false); err != nil {
				jobLog.Error().Err(err).Msg("scorer: не удалось вернуть задачу после ошибки")
			}
			continue
		}
		if runErr != nil {
			jobLog.Error().Err(runErr).Msg("scorer: достигнут предел попыток, помечаем задачу как завершённую")
		}

		if err := w.statuses.MarkScoringJobDone(job.ID); err != nil {
			jobLog.Error().Err(err).Msg("scorer: не удалось пометить задачу выполненной")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("scorer: не удалось вернуть задачу после ошибки статуса")
			}
			time.Sleep(time.Second)
			continue
		}

		if err := ack(true); err != nil {
			jobLog.Error().Err(err).Msg("scorer: не удалось подтвердить задачу")
		}

		if runErr == nil {
			jobLog.Info().Msg("scorer: подсчёт дня завершён")
		}
	}
}
