package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"first-bot/internal/domain"
	"first-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.LedgerRepo           = (*Postgres)(nil)
	_ domain.ScoreRepo            = (*Postgres)(nil)
	_ domain.SnapshotRepo         = (*Postgres)(nil)
	_ domain.ServerRepo           = (*Postgres)(nil)
	_ domain.ScoringRunRepo       = (*Postgres)(nil)
	_ domain.ScoringJobStatusRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// --- Реестр серверов ---

// UpsertServer создаёт или обновляет сервер по guild_id.
func (p *Postgres) UpsertServer(ctx context.Context, srv domain.Server) (domain.Server, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO servers (guild_id, channel_id, announce_channel_id, tz, scoring_time, lookback)
VALUES ($1, $2, NULLIF($3,''), $4, $5, $6)
ON CONFLICT (guild_id) DO UPDATE SET
    channel_id = EXCLUDED.channel_id,
    announce_channel_id = EXCLUDED.announce_channel_id,
    tz = EXCLUDED.tz,
    scoring_time = EXCLUDED.scoring_time,
    lookback = EXCLUDED.lookback,
    updated_at = now()
RETURNING id, guild_id, channel_id, COALESCE(announce_channel_id,''), tz, scoring_time, lookback, created_at, updated_at
`, srv.GuildID, srv.ChannelID, srv.AnnounceChannelID, srv.Timezone, srv.ScoringTime, srv.Lookback).
		Scan(&srv.ID, &srv.GuildID, &srv.ChannelID, &srv.AnnounceChannelID, &srv.Timezone, &srv.ScoringTime, &srv.Lookback, &srv.CreatedAt, &srv.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "servers_upsert", "servers", start, err)
	if err != nil {
		return domain.Server{}, err
	}
	return srv, nil
}

// GetServer возвращает сервер по идентификатору.
func (p *Postgres) GetServer(ctx context.Context, id int64) (domain.Server, error) {
	return p.getServer(ctx, `WHERE id=$1`, id)
}

// GetServerByGuild возвращает сервер по идентификатору гильдии Discord.
func (p *Postgres) GetServerByGuild(ctx context.Context, guildID string) (domain.Server, error) {
	return p.getServer(ctx, `WHERE guild_id=$1`, guildID)
}

func (p *Postgres) getServer(ctx context.Context, where string, arg any) (domain.Server, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var srv domain.Server
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, guild_id, channel_id, COALESCE(announce_channel_id,''), tz, scoring_time, lookback, created_at, updated_at
FROM servers `+where,
		arg).Scan(&srv.ID, &srv.GuildID, &srv.ChannelID, &srv.AnnounceChannelID, &srv.Timezone, &srv.ScoringTime, &srv.Lookback, &srv.CreatedAt, &srv.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "servers_get", "servers", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Server{}, domain.ErrServerNotFound
	}
	if err != nil {
		return domain.Server{}, err
	}
	return srv, nil
}

// ListServers возвращает все зарегистрированные серверы.
func (p *Postgres) ListServers(ctx context.Context) ([]domain.Server, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, guild_id, channel_id, COALESCE(announce_channel_id,''), tz, scoring_time, lookback, created_at, updated_at
FROM servers ORDER BY id`)
	metrics.ObserveNetworkRequest("postgres", "servers_list", "servers", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []domain.Server
	for rows.Next() {
		var srv domain.Server
		if err := rows.Scan(&srv.ID, &srv.GuildID, &srv.ChannelID, &srv.AnnounceChannelID, &srv.Timezone, &srv.ScoringTime, &srv.Lookback, &srv.CreatedAt, &srv.UpdatedAt); err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// --- Журнал дней ---

// RecordFirstMessage вставляет первое сообщение пользователя за день.
// Повторная вставка за тот же день не изменяет журнал.
func (p *Postgres) RecordFirstMessage(ctx context.Context, serverID int64, day time.Time, msg domain.FirstMessage) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
INSERT INTO day_messages (server_id, day, user_id, username, message_id, posted_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (server_id, day, user_id) DO NOTHING
`, serverID, day, msg.UserID, msg.Username, msg.MessageID, msg.PostedAt)
	metrics.ObserveNetworkRequest("postgres", "day_messages_insert", "day_messages", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// GetDay возвращает журнал одного дня.
func (p *Postgres) GetDay(ctx context.Context, serverID int64, day time.Time) (domain.DayLedger, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	ledger := domain.DayLedger{ServerID: serverID, Day: day}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT user_id, username, message_id, posted_at
FROM day_messages
WHERE server_id=$1 AND day=$2
ORDER BY posted_at
`, serverID, day)
	metrics.ObserveNetworkRequest("postgres", "day_messages_select", "day_messages", start, err)
	if err != nil {
		return domain.DayLedger{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var msg domain.FirstMessage
		if err := rows.Scan(&msg.UserID, &msg.Username, &msg.MessageID, &msg.PostedAt); err != nil {
			return domain.DayLedger{}, false, err
		}
		ledger.FirstMessages = append(ledger.FirstMessages, msg)
	}
	if err := rows.Err(); err != nil {
		return domain.DayLedger{}, false, err
	}

	closed, err := p.scanClosure(ctx, &ledger)
	if err != nil {
		return domain.DayLedger{}, false, err
	}
	ledger.Closed = closed

	if len(ledger.FirstMessages) == 0 && !closed {
		return domain.DayLedger{}, false, nil
	}
	return ledger, true, nil
}

func (p *Postgres) scanClosure(ctx context.Context, ledger *domain.DayLedger) (bool, error) {
	var (
		lastUser, lastName, lastMsgID       sql.NullString
		lastAt                              sql.NullTime
		secondUser, secondName, secondMsgID sql.NullString
		secondAt                            sql.NullTime
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT last_user_id, last_username, last_message_id, last_posted_at,
       second_user_id, second_username, second_message_id, second_posted_at
FROM day_closures
WHERE server_id=$1 AND day=$2
`, ledger.ServerID, ledger.Day).
		Scan(&lastUser, &lastName, &lastMsgID, &lastAt, &secondUser, &secondName, &secondMsgID, &secondAt)
	metrics.ObserveNetworkRequest("postgres", "day_closures_select", "day_closures", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if lastUser.Valid {
		ledger.LastMessage = &domain.LastMessage{
			UserID:    lastUser.String,
			Username:  lastName.String,
			MessageID: lastMsgID.String,
			PostedAt:  lastAt.Time,
		}
	}
	if secondUser.Valid {
		ledger.SecondLastMessage = &domain.LastMessage{
			UserID:    secondUser.String,
			Username:  secondName.String,
			MessageID: secondMsgID.String,
			PostedAt:  secondAt.Time,
		}
	}
	return true, nil
}

// ListDaysThrough возвращает журналы всех дней по through включительно.
func (p *Postgres) ListDaysThrough(ctx context.Context, serverID int64, through time.Time) ([]domain.DayLedger, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	byDay := make(map[int64]*domain.DayLedger)
	var order []time.Time
	ledgerFor := func(day time.Time) *domain.DayLedger {
		key := day.Unix()
		if ledger, ok := byDay[key]; ok {
			return ledger
		}
		ledger := &domain.DayLedger{ServerID: serverID, Day: day}
		byDay[key] = ledger
		order = append(order, day)
		return ledger
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT day, user_id, username, message_id, posted_at
FROM day_messages
WHERE server_id=$1 AND day<=$2
ORDER BY day, posted_at
`, serverID, through)
	metrics.ObserveNetworkRequest("postgres", "day_messages_list", "day_messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			day time.Time
			msg domain.FirstMessage
		)
		if err := rows.Scan(&day, &msg.UserID, &msg.Username, &msg.MessageID, &msg.PostedAt); err != nil {
			return nil, err
		}
		ledger := ledgerFor(day)
		ledger.FirstMessages = append(ledger.FirstMessages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	start = time.Now()
	closureRows, err := p.pool.Query(ctx, `
SELECT day, last_user_id, last_username, last_message_id, last_posted_at,
       second_user_id, second_username, second_message_id, second_posted_at
FROM day_closures
WHERE server_id=$1 AND day<=$2
ORDER BY day
`, serverID, through)
	metrics.ObserveNetworkRequest("postgres", "day_closures_list", "day_closures", start, err)
	if err != nil {
		return nil, err
	}
	defer closureRows.Close()
	for closureRows.Next() {
		var (
			day                                 time.Time
			lastUser, lastName, lastMsgID       sql.NullString
			lastAt                              sql.NullTime
			secondUser, secondName, secondMsgID sql.NullString
			secondAt                            sql.NullTime
		)
		if err := closureRows.Scan(&day, &lastUser, &lastName, &lastMsgID, &lastAt, &secondUser, &secondName, &secondMsgID, &secondAt); err != nil {
			return nil, err
		}
		ledger := ledgerFor(day)
		ledger.Closed = true
		if lastUser.Valid {
			ledger.LastMessage = &domain.LastMessage{UserID: lastUser.String, Username: lastName.String, MessageID: lastMsgID.String, PostedAt: lastAt.Time}
		}
		if secondUser.Valid {
			ledger.SecondLastMessage = &domain.LastMessage{UserID: secondUser.String, Username: secondName.String, MessageID: secondMsgID.String, PostedAt: secondAt.Time}
		}
	}
	if err := closureRows.Err(); err != nil {
		return nil, err
	}

	// Дни с закрытием, но без сообщений, добавлены после основного прохода —
	// порядок восстанавливается по дате.
	slices.SortFunc(order, func(a, b time.Time) int { return a.Compare(b) })
	days := make([]domain.DayLedger, 0, len(order))
	for _, day := range order {
		days = append(days, *byDay[day.Unix()])
	}
	return days, nil
}

// CloseDay один раз фиксирует последнее и предпоследнее сообщения дня.
func (p *Postgres) CloseDay(ctx context.Context, serverID int64, day time.Time, last, secondLast *domain.LastMessage) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		lastUser, lastName, lastMsgID       sql.NullString
		lastAt                              sql.NullTime
		secondUser, secondName, secondMsgID sql.NullString
		secondAt                            sql.NullTime
	)
	if last != nil {
		lastUser = sql.NullString{String: last.UserID, Valid: true}
		lastName = sql.NullString{String: last.Username, Valid: true}
		lastMsgID = sql.NullString{String: last.MessageID, Valid: true}
		lastAt = sql.NullTime{Time: last.PostedAt, Valid: true}
	}
	if secondLast != nil {
		secondUser = sql.NullString{String: secondLast.UserID, Valid: true}
		secondName = sql.NullString{String: secondLast.Username, Valid: true}
		secondMsgID = sql.NullString{String: secondLast.MessageID, Valid: true}
		secondAt = sql.NullTime{Time: secondLast.PostedAt, Valid: true}
	}

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
INSERT INTO day_closures (server_id, day, last_user_id, last_username, last_message_id, last_posted_at,
                          second_user_id, second_username, second_message_id, second_posted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (server_id, day) DO NOTHING
`, serverID, day, lastUser, lastName, lastMsgID, lastAt, secondUser, secondName, secondMsgID, secondAt)
	metrics.ObserveNetworkRequest("postgres", "day_closures_insert", "day_closures", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// --- Накопительный счёт ---

// ApplyDailyDeltas атомарно применяет дневные дельты, пересчитывает ранги и
// перезаписывает актуальный снимок. Конкурентные вызовы для одного сервера
// сериализуются advisory-блокировкой в рамках транзакции.
func (p *Postgres) ApplyDailyDeltas(ctx context.Context, serverID int64, deltas map[string]domain.ScoreDelta) (domain.LeaderboardSnapshot, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "user_scores", start, err)
	if err != nil {
		return domain.LeaderboardSnapshot{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, serverID); err != nil {
		return domain.LeaderboardSnapshot{}, fmt.Errorf("advisory lock: %w", err)
	}

	for userID, delta := range deltas {
		if _, err := tx.Exec(ctx, `
INSERT INTO user_scores (server_id, user_id, username, score, rank)
VALUES ($1, $2, $3, $4, 0)
ON CONFLICT (server_id, user_id) DO UPDATE SET
    score = user_scores.score + EXCLUDED.score,
    username = EXCLUDED.username,
    updated_at = now()
`, serverID, userID, delta.Username, delta.Points); err != nil {
			return domain.LeaderboardSnapshot{}, fmt.Errorf("обновление счёта %s: %w", userID, err)
		}
	}

	rows, err := tx.Query(ctx, `SELECT user_id, username, score FROM user_scores WHERE server_id=$1`, serverID)
	if err != nil {
		return domain.LeaderboardSnapshot{}, err
	}
	var scores []domain.UserScore
	for rows.Next() {
		score := domain.UserScore{ServerID: serverID}
		if err := rows.Scan(&score.UserID, &score.Username, &score.Score); err != nil {
			rows.Close()
			return domain.LeaderboardSnapshot{}, err
		}
		scores = append(scores, score)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.LeaderboardSnapshot{}, err
	}

	rankings := domain.BuildRankings(scores)
	for _, entry := range rankings {
		if _, err := tx.Exec(ctx, `UPDATE user_scores SET rank=$3 WHERE server_id=$1 AND user_id=$2`, serverID, entry.UserID, entry.Rank); err != nil {
			return domain.LeaderboardSnapshot{}, fmt.Errorf("обновление ранга %s: %w", entry.UserID, err)
		}
	}

	snap := domain.LeaderboardSnapshot{
		ServerID:   serverID,
		Key:        domain.CurrentSnapshotKey,
		Rankings:   rankings,
		ComputedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(snap.Rankings)
	if err != nil {
		return domain.LeaderboardSnapshot{}, fmt.Errorf("marshal rankings: %w", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO leaderboard_snapshots (server_id, key, rankings, computed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (server_id, key) DO UPDATE SET rankings = EXCLUDED.rankings, computed_at = EXCLUDED.computed_at
`, serverID, snap.Key, payload, snap.ComputedAt); err != nil {
		return domain.LeaderboardSnapshot{}, fmt.Errorf("сохранение актуального снимка: %w", err)
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "apply_daily_deltas_commit", "user_scores", start, err)
	if err != nil {
		return domain.LeaderboardSnapshot{}, err
	}
	return snap, nil
}

// ListScores возвращает накопительный счёт всех пользователей сервера.
func (p *Postgres) ListScores(ctx context.Context, serverID int64) ([]domain.UserScore, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT user_id, username, score, rank FROM user_scores WHERE server_id=$1 ORDER BY rank
`, serverID)
	metrics.ObserveNetworkRequest("postgres", "user_scores_list", "user_scores", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []domain.UserScore
	for rows.Next() {
		score := domain.UserScore{ServerID: serverID}
		if err := rows.Scan(&score.UserID, &score.Username, &score.Score, &score.Rank); err != nil {
			return nil, err
		}
		scores = append(scores, score)
	}
	return scores, rows.Err()
}

// --- Снимки листа лидеров ---

// GetSnapshot возвращает снимок по ключу.
func (p *Postgres) GetSnapshot(ctx context.Context, serverID int64, key string) (domain.LeaderboardSnapshot, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	snap := domain.LeaderboardSnapshot{ServerID: serverID, Key: key}
	var payload []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT rankings, computed_at FROM leaderboard_snapshots WHERE server_id=$1 AND key=$2
`, serverID, key).Scan(&payload, &snap.ComputedAt)
	metrics.ObserveNetworkRequest("postgres", "snapshots_get", "leaderboard_snapshots", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LeaderboardSnapshot{}, false, nil
	}
	if err != nil {
		return domain.LeaderboardSnapshot{}, false, err
	}
	if err := json.Unmarshal(payload, &snap.Rankings); err != nil {
		return domain.LeaderboardSnapshot{}, false, fmt.Errorf("unmarshal rankings: %w", err)
	}
	return snap, true, nil
}

// CreateDatedSnapshot сохраняет датированный снимок, если его ещё нет.
// Снимок за прошедший день неизменяем: при конфликте возвращается ранее
// сохранённая версия.
func (p *Postgres) CreateDatedSnapshot(ctx context.Context, snap domain.LeaderboardSnapshot) (domain.LeaderboardSnapshot, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	payload, err := json.Marshal(snap.Rankings)
	if err != nil {
		return domain.LeaderboardSnapshot{}, fmt.Errorf("marshal rankings: %w", err)
	}

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
INSERT INTO leaderboard_snapshots (server_id, key, rankings, computed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (server_id, key) DO NOTHING
`, snap.ServerID, snap.Key, payload, snap.ComputedAt)
	metrics.ObserveNetworkRequest("postgres", "snapshots_create", "leaderboard_snapshots", start, err)
	if err != nil {
		return domain.LeaderboardSnapshot{}, err
	}
	if res.RowsAffected() > 0 {
		return snap, nil
	}

	existing, ok, err := p.GetSnapshot(ctx, snap.ServerID, snap.Key)
	if err != nil {
		return domain.LeaderboardSnapshot{}, err
	}
	if !ok {
		return domain.LeaderboardSnapshot{}, fmt.Errorf("снимок %s исчез после конфликта вставки", snap.Key)
	}
	return existing, nil
}

// --- Прогоны подсчёта ---

// AcquireScoringRun помечает прогон подсчёта за день. Возвращает true, если
// запись была создана. При конфликте возвращает false без ошибки.
func (p *Postgres) AcquireScoringRun(ctx context.Context, serverID int64, day time.Time) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
INSERT INTO scoring_runs (server_id, day)
VALUES ($1, $2)
ON CONFLICT (server_id, day) DO NOTHING
`, serverID, day)
	metrics.ObserveNetworkRequest("postgres", "scoring_runs_acquire", "scoring_runs", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// --- Статусы задач очереди ---

// EnsureScoringJob регистрирует попытку обработки задачи подсчёта.
func (p *Postgres) EnsureScoringJob(jobID string) (bool, int, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var (
		done     sql.NullTime
		attempts int
	)

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO scoring_job_statuses (job_id, attempts, updated_at)
VALUES ($1, 1, now())
ON CONFLICT (job_id) DO UPDATE
    SET attempts = scoring_job_statuses.attempts + 1,
        updated_at = now()
RETURNING done_at, attempts
`, jobID).Scan(&done, &attempts)
	metrics.ObserveNetworkRequest("postgres", "scoring_job_statuses_upsert", "scoring_job_statuses", start, err)
	if err != nil {
		return false, 0, err
	}
	return done.Valid, attempts, nil
}

// MarkScoringJobDone помечает задачу как обработанную.
func (p *Postgres) MarkScoringJobDone(jobID string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE scoring_job_statuses SET done_at = now(), updated_at = now() WHERE job_id = $1
`, jobID)
	metrics.ObserveNetworkRequest("postgres", "scoring_job_statuses_done", "scoring_job_statuses", start, err)
	return err
}
