package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"

	discordadapter "first-bot/internal/adapters/discord"
	"first-bot/internal/adapters/repo"
	"first-bot/internal/domain"
	"first-bot/internal/infra/cache"
	"first-bot/internal/infra/config"
	"first-bot/internal/infra/db"
	applog "first-bot/internal/infra/log"
	"first-bot/internal/infra/metrics"
	"first-bot/internal/usecase/flair"
	"first-bot/internal/usecase/leaderboard"
	"first-bot/internal/usecase/ledger"
	"first-bot/internal/usecase/stats"
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
		logger.Fatal().Err(err).Msg("bot-gateway: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	redisClient, err := cache.Connect(cfg.RedisAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: нет подключения к Redis")
	}
	defer redisClient.Close()
	redisCache := cache.NewRedis(redisClient)

	if cfg.Discord.Token == "" {
		logger.Fatal().Msg("bot-gateway: не указан токен Discord (DISCORD_BOT_TOKEN)")
	}
	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: не удалось создать сессию Discord")
	}

	table := domain.DefaultPointTable()
	history := discordadapter.NewHistory(session)
	ledgerService := ledger.NewService(repoAdapter, history, cfg.Scoring.Lookback)
	boardService := leaderboard.NewService(repoAdapter, repoAdapter, repoAdapter, redisCache, table)
	flairService := flair.NewService(repoAdapter, table, domain.DefaultFlairTiers())
	statsService := stats.NewService(repoAdapter)

	gateway := discordadapter.NewGateway(
		session,
		logger.With().Str("component", "gateway").Logger(),
		repoAdapter,
		ledgerService,
		boardService,
		flairService,
		statsService,
	)
	if err := gateway.Start(); err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: не удалось подключиться к шлюзу Discord")
	}
	defer gateway.Close()

	logger.Info().Msg("bot-gateway: запущен")
	<-ctx.Done()
	logger.Info().Msg("bot-gateway: остановлен")
}
