package domain

import (
	"context"
	"time"
)

// ScoreDelta — дневное изменение счёта пользователя.
type ScoreDelta struct {
	Username string
	Points   int
}

// LedgerRepo управляет дневными записями участия.
type LedgerRepo interface {
	// RecordFirstMessage добавляет первое сообщение пользователя за день.
	// Возвращает false, если запись для пользователя за этот день уже есть.
	RecordFirstMessage(ctx context.Context, serverID int64, day time.Time, msg FirstMessage) (bool, error)
	// GetDay возвращает запись дня. Второй результат false — записи нет.
	GetDay(ctx context.Context, serverID int64, day time.Time) (DayLedger, bool, error)
	// ListDaysThrough возвращает дни сервера по возрастанию даты, включая through.
	ListDaysThrough(ctx context.Context, serverID int64, through time.Time) ([]DayLedger, error)
	// CloseDay один раз фиксирует последнее и предпоследнее сообщения дня.
	// Возвращает false, если день уже был закрыт.
	CloseDay(ctx context.Context, serverID int64, day time.Time, last, secondLast *LastMessage) (bool, error)
}

// ScoreRepo управляет накопительным счётом и актуальным листом лидеров.
type ScoreRepo interface {
	// ApplyDailyDeltas атомарно применяет дневные изменения счёта: обновляет
	// накопительные суммы, пересчитывает ранги и перезаписывает актуальный
	// снимок. Конкурентные вызовы для одного сервера сериализуются в БД.
	ApplyDailyDeltas(ctx context.Context, serverID int64, deltas map[string]ScoreDelta) (LeaderboardSnapshot, error)
	ListScores(ctx context.Context, serverID int64) ([]UserScore, error)
}

// SnapshotRepo хранит снимки листа лидеров.
type SnapshotRepo interface {
	GetSnapshot(ctx context.Context, serverID int64, key string) (LeaderboardSnapshot, bool, error)
	// CreateDatedSnapshot сохраняет датированный снимок, если его ещё нет.
	// При конфликте возвращает ранее сохранённый снимок.
	CreateDatedSnapshot(ctx context.Context, snap LeaderboardSnapshot) (LeaderboardSnapshot, error)
}

// ServerRepo управляет реестром серверов.
type ServerRepo interface {
	UpsertServer(ctx context.Context, srv Server) (Server, error)
	// GetServer возвращает ErrServerNotFound, если сервер не зарегистрирован.
	GetServer(ctx context.Context, id int64) (Server, error)
	GetServerByGuild(ctx context.Context, guildID string) (Server, error)
	ListServers(ctx context.Context) ([]Server, error)
}

// ScoringRunRepo отвечает за семантику «не более одного прогона на день».
type ScoringRunRepo interface {
	// AcquireScoringRun помечает прогон подсчёта за день и возвращает true,
	// если запись была создана. При конфликте возвращает false без ошибки.
	AcquireScoringRun(ctx context.Context, serverID int64, day time.Time) (bool, error)
}

// ChannelHistory — возможность гейтвея читать последние сообщения канала.
type ChannelHistory interface {
	FetchRecentMessages(ctx context.Context, channelID string, limit int) ([]ChannelMessage, error)
}

// RoleNotifier переводит события флаеров в выдачу ролей и анонсы.
type RoleNotifier interface {
	NotifyFlairEarned(ctx context.Context, server Server, event FlairEvent) error
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
