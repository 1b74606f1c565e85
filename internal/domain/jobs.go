package domain

import (
	"context"
	"time"
)

// ScoringJobCause описывает источник задачи подсчёта.
type ScoringJobCause string

const (
	// ScoringCauseScheduled — подсчёт запущен планировщиком по расписанию.
	ScoringCauseScheduled ScoringJobCause = "scheduled"
	// ScoringCauseManual — подсчёт запрошен вручную (команда администратора).
	ScoringCauseManual ScoringJobCause = "manual"
)

// ScoringJob содержит информацию о задаче дневного подсчёта очков.
type ScoringJob struct {
	ID          string          `json:"job_id,omitempty"`
	ServerID    int64           `json:"server_id"`
	Day         time.Time       `json:"day"`
	RequestedAt time.Time       `json:"requested_at"`
	Cause       ScoringJobCause `json:"cause"`
}

// ScoringQueue описывает очередь задач подсчёта.
type ScoringQueue interface {
	Enqueue(ctx context.Context, job ScoringJob) error
	Receive(ctx context.Context) (ScoringJob, ScoringAckFunc, error)
}

// ScoringAckFunc подтверждает обработку или возвращает задачу в очередь.
type ScoringAckFunc func(success bool) error

// ScoringJobStatusRepo отслеживает статус обработки задач подсчёта.
type ScoringJobStatusRepo interface {
	// EnsureScoringJob регистрирует попытку обработки и возвращает признак
	// завершённости задачи и номер текущей попытки.
	EnsureScoringJob(jobID string) (done bool, attempt int, err error)
	// MarkScoringJobDone помечает задачу как окончательно обработанную.
	MarkScoringJobDone(jobID string) error
}
