package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"first-bot/internal/adapters/repo"
	"first-bot/internal/domain"
	"first-bot/internal/infra/cache"
	"first-bot/internal/infra/config"
	"first-bot/internal/infra/db"
	httpinfra "first-bot/internal/infra/http"
	"first-bot/internal/infra/metrics"
	"first-bot/internal/infra/queue"
	"first-bot/internal/usecase/flair"
	"first-bot/internal/usecase/leaderboard"
	"first-bot/internal/usecase/stats"
)

func main() {
	cfg := config.Load()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	redisClient, err := cache.Connect(cfg.RedisAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("api: нет подключения к Redis")
	}
	defer redisClient.Close()

	scoringQueue, err := buildQueue(cfg, redisClient)
	if err != nil {
		log.Fatal().Err(err).Msg("api: не удалось инициализировать очередь")
	}

	table := domain.DefaultPointTable()
	h := &handlers{
		servers: repoAdapter,
		runs:    repoAdapter,
		queue:   scoringQueue,
		scores:  repoAdapter,
		boards:  leaderboard.NewService(repoAdapter, repoAdapter, repoAdapter, cache.NewRedis(redisClient), table),
		flairs:  flair.NewService(repoAdapter, table, domain.DefaultFlairTiers()),
		stats:   stats.NewService(repoAdapter),
	}

	srv := httpinfra.NewServer(log.With().Str("component", "http").Logger())
	r := srv.Router

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/servers", h.listServers)
		r.Post("/servers", h.upsertServer)

		r.Route("/servers/{serverID}", func(r chi.Router) {
			r.Post("/scoring-runs", h.triggerScoring)
			r.Get("/scores", h.userScores)
			r.Get("/leaderboard", h.currentLeaderboard)
			r.Get("/leaderboard/{date}", h.datedLeaderboard)
			r.Get("/growth", h.growthRate)
			r.Get("/days", h.dayRows)
			r.Get("/heatmap", h.heatmap)
			r.Get("/users/{userID}/stats", h.participation)
			r.Get("/users/{userID}/flairs", h.userFlairs)
			r.Get("/users/{userID}/streak", h.userStreak)
		})
	})

	metrics.StartServer(ctx, log.With().Str("component", "metrics").Logger(), ":9090")
	go func() {
		log.Info().Msg("api: старт")
		if err := srv.Start(":" + strconv.Itoa(cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()
	<-ctx.Done()
	log.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api: ошибка остановки сервера")
	}
}

func buildQueue(cfg config.AppConfig, redisClient *redis.Client) (domain.ScoringQueue, error) {
	if cfg.RabbitURL != "" {
		return queue.NewRabbitScoringQueue(cfg.RabbitURL, cfg.RabbitManagementURL, cfg.Queues.Scoring)
	}
	return queue.NewRedisScoringQueue(redisClient, cfg.Queues.Scoring), nil
}

type handlers struct {
	servers domain.ServerRepo
	runs    domain.ScoringRunRepo
	queue   domain.ScoringQueue
	scores  domain.ScoreRepo
	boards  *leaderboard.Service
	flairs  *flair.Service
	stats   *stats.Service
}

type upsertServerRequest struct {
	GuildID           string `json:"guild_id"`
	ChannelID         string `json:"channel_id"`
	AnnounceChannelID string `json:"announce_channel_id"`
	Timezone          string `json:"timezone"`
	ScoringTime       string `json:"scoring_time"`
	Lookback          int    `json:"lookback"`
}

func (h *handlers) upsertServer(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req upsertServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.GuildID == "" {
		writeError(w, http.StatusBadRequest, "guild_id is required")
		return
	}
	if req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			writeError(w, http.StatusBadRequest, "timezone must be a valid IANA name")
			return
		}
	}
	if req.ScoringTime != "" {
		if _, err := time.Parse("15:04", req.ScoringTime); err != nil {
			writeError(w, http.StatusBadRequest, "scoring_time must be HH:MM")
			return
		}
	}
	server, err := h.servers.UpsertServer(r.Context(), domain.Server{
		GuildID:           req.GuildID,
		ChannelID:         req.ChannelID,
		AnnounceChannelID: req.AnnounceChannelID,
		Timezone:          req.Timezone,
		ScoringTime:       req.ScoringTime,
		Lookback:          req.Lookback,
	})
	if err != nil {
		log.Error().Err(err).Str("guild", req.GuildID).Msg("api: не удалось сохранить сервер")
		writeError(w, http.StatusInternalServerError, "failed to save server")
		return
	}
	writeJSON(w, server)
}

func (h *handlers) listServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.servers.ListServers(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("api: не удалось получить список серверов")
		writeError(w, http.StatusInternalServerError, "failed to list servers")
		return
	}
	if servers == nil {
		servers = []domain.Server{}
	}
	writeJSON(w, servers)
}

type triggerScoringRequest struct {
	Date string `json:"date"`
}

// triggerScoring ставит ручную задачу подсчёта. Маркер прогона защищает от
// повторного начисления: уже подсчитанный день отклоняется конфликтом.
func (h *handlers) triggerScoring(w http.ResponseWriter, r *http.Request) {
	server, ok := h.requireServer(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()
	var req triggerScoringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	day, err := domain.ParseDayKey(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be MM-DD-YYYY")
		return
	}
	// Сегодняшний день отклоняется наравне с будущим: CloseDay фиксирует
	// последние сообщения один раз, и запуск в середине дня закрыл бы день с
	// неверным автором последнего сообщения, а маркер запуска заблокировал бы
	// вечерний прогон планировщика.
	if err := leaderboard.ValidateHistoricalDate(day, time.Now(), server.Location()); err != nil {
		writeError(w, http.StatusBadRequest, "date must be a past day")
		return
	}

	acquired, err := h.runs.AcquireScoringRun(r.Context(), server.ID, day)
	if err != nil {
		log.Error().Err(err).Int64("server", server.ID).Msg("api: не удалось захватить запуск подсчёта")
		writeError(w, http.StatusInternalServerError, "failed to acquire scoring run")
		return
	}
	if !acquired {
		writeError(w, http.StatusConflict, "scoring already ran for this day")
		return
	}

	job := domain.ScoringJob{
		ID:          uuid.NewString(),
		ServerID:    server.ID,
		Day:         day,
		RequestedAt: time.Now().UTC(),
		Cause:       domain.ScoringCauseManual,
	}
	if err := h.queue.Enqueue(r.Context(), job); err != nil {
		log.Error().Err(err).Int64("server", server.ID).Msg("api: не удалось поставить задачу подсчёта")
		writeError(w, http.StatusInternalServerError, "failed to enqueue scoring job")
		return
	}
	metrics.IncScoringForServer(server.ID)
	writeJSON(w, map[string]string{"status": "queued", "job_id": job.ID})
}

// userScores отдаёт плоские накопительные счета — колонки
// {username, score} для табличной выгрузки.
func (h *handlers) userScores(w http.ResponseWriter, r *http.Request) {
	server, ok := h.requireServer(w, r)
	if !ok {
		return
	}
	scores, err := h.scores.ListScores(r.Context(), server.ID)
	if err != nil {
		log.Error().Err(err).Int64("server", server.ID).Msg("api: не удалось получить счета")
		writeError(w, http.StatusInternalServerError, "failed to load scores")
		return
	}
	if scores == nil {
		scores = []domain.UserScore{}
	}
	writeJSON(w, scores)
}

func (h *handlers) currentLeaderboard(w http.ResponseWriter, r *http.Request) {
	server, ok := h.requireServer(w, r)
	if !ok {
		return
	}
	snap, err := h.boards.Current(r.Context(), server.ID)
	if err != nil {
		log.Error().Err(err).Int64("server", server.ID).Msg("api: не удалось получить лист лидеров")
		writeError(w, http.StatusInternalServerError, "failed to load leaderboard")
		return
	}
	writeJSON(w, snap)
}

func (h *handlers) datedLeaderboard(w http.ResponseWriter, r *http.Request) {
	server, ok := h.requireServer(w, r)
	if !ok {
		return
	}
	day, err := domain.ParseDayKey(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be MM-DD-YYYY")
		return
	}
	if err := leaderboard.ValidateHistoricalDate(day, time.Now(), server.Location()); err != nil {
		writeError(w, http.StatusBadRequest, "date must be a past day")
		return
	}
	snap, err := h.boards.SnapshotAsOf(r.Context(), server.ID, day)
	if err != nil {
		log.Error().Err(err).Int64("server", server.ID).Msg("api: не удалось построить исторический срез")
		writeError(w, http.StatusInternalServerError, "failed to build snapshot")
		return
	}
	writeJSON(w, snap)
}

func (h *handlers) growthRate(w http.ResponseWriter, r *http.Request) {
	server, ok := h.requireServer(w, r)
	if !ok {
		return
	}
	from, err := domain.ParseDayKey(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be MM-DD-YYYY")
		return
	}
	to, err := domain.ParseDayKey(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be MM-DD-YYYY")
		return
	}
	rates, err := h.boards.GrowthRate(r.Context(), server.ID, from, to)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidDate):
			writeError(w, http.StatusBadRequest, "from must precede to")
		case errors.Is(err, domain.ErrSnapshotNotFound):
			writeError(w, http.StatusNotFound, "no snapshot for requested date")
		default:
			log.Error().Err(err).Int64("server", server.ID).Msg("api: не удалось вычислить темп роста")
			writeError(w, http.StatusInternalServerError, "failed to compute growth rate")
		}
		return
	}
	if rates == nil {
		rates = []domain.GrowthRate{}
	}
	writeJSON(w, rates)
}

func (h *handlers) dayRows(w http.ResponseWriter, r *http.Request) {
	server, ok := h.requireServer(w, r)
	if !ok {
		return
	}
	rows, err := h.stats.DayRows(r.Context(), server.ID, domain.DateOf(time.Now(), server.Location()))
	if err != nil {
		log.Error().Err(err).Int64("server", server.ID).Msg("api: не удалось собрать строки дней")
		writeError(w, http.StatusInternalServerError, "failed to load day rows")
		return
	}
	if rows == nil {
		rows = []stats.DayRow{}
	}
	writeJSON(w, rows)
}

func (h *handlers) heatmap(w http.ResponseWriter, r *http.Request) {
	server, ok := h.requireServer(w, r)
	if !ok {
		return
	}
	heatmap, err := h.stats.Heatmap(r.Context(), server.ID, server.Location(), domain.DateOf(time.Now(), server.Location()))
	if err != nil {
		log.Error().Err(err).Int64("server", server.ID).Msg("api: не удалось построить тепловую карту")
		writeError(w, http.StatusInternalServerError, "failed to build heatmap")
		return
	}
	writeJSON(w, heatmap)
}

func (h *handlers) participation(w http.ResponseWriter, r *http.Request) {
	server, ok := h.requireServer(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	participation, err := h.stats.Participation(r.Context(), server.ID, userID, domain.DateOf(time.Now(), server.Location()))
	if err != nil {
		log.Error().Err(err).Int64("server", server.ID).Str("user", userID).Msg("api: не удалось собрать статистику участия")
		writeError(w, http.StatusInternalServerError, "failed to load participation")
		return
	}
	writeJSON(w, participation)
}

func (h *handlers) userFlairs(w http.ResponseWriter, r *http.Request) {
	server, ok := h.requireServer(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	awards, err := h.flairs.Evaluate(r.Context(), server.ID, userID, domain.DateOf(time.Now(), server.Location()))
	if err != nil {
		log.Error().Err(err).Int64("server", server.ID).Str("user", userID).Msg("api: не удалось вычислить флаеры")
		writeError(w, http.StatusInternalServerError, "failed to evaluate flairs")
		return
	}
	if awards == nil {
		awards = []domain.FlairAward{}
	}
	writeJSON(w, awards)
}

func (h *handlers) userStreak(w http.ResponseWriter, r *http.Request) {
	server, ok := h.requireServer(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")

	category := domain.StreakCategory{Kind: domain.StreakKindPosition, Position: 1}
	switch kind := r.URL.Query().Get("kind"); kind {
	case "", "position":
		if raw := r.URL.Query().Get("position"); raw != "" {
			pos, err := strconv.Atoi(raw)
			if err != nil || pos < 1 {
				writeError(w, http.StatusBadRequest, "position must be a positive integer")
				return
			}
			category.Position = pos
		}
	case "last":
		category = domain.StreakCategory{Kind: domain.StreakKindLast}
	case "second_last":
		category = domain.StreakCategory{Kind: domain.StreakKindSecondLast}
	default:
		writeError(w, http.StatusBadRequest, "kind must be position, last or second_last")
		return
	}

	streak, err := h.flairs.Streak(r.Context(), server.ID, userID, category, domain.DateOf(time.Now(), server.Location()))
	if err != nil {
		log.Error().Err(err).Int64("server", server.ID).Str("user", userID).Msg("api: не удалось вычислить серию")
		writeError(w, http.StatusInternalServerError, "failed to compute streak")
		return
	}
	writeJSON(w, streak)
}

func (h *handlers) requireServer(w http.ResponseWriter, r *http.Request) (domain.Server, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "serverID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "server id must be an integer")
		return domain.Server{}, false
	}
	server, err := h.servers.GetServer(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrServerNotFound) {
			writeError(w, http.StatusNotFound, "server not found")
			return domain.Server{}, false
		}
		log.Error().Err(err).Int64("server", id).Msg("api: не удалось получить сервер")
		writeError(w, http.StatusInternalServerError, "failed to load server")
		return domain.Server{}, false
	}
	return server, true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("api: не удалось сериализовать ответ")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
