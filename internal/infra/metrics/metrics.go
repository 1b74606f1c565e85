package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	FirstMessagesRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "first_messages_recorded_total",
		Help: "Зафиксированные первые сообщения дня",
	})
	FirstMessagesIgnored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "first_messages_ignored_total",
		Help: "Повторные сообщения, не попавшие в журнал дня",
	})
	ScoringRunSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scoring_run_seconds",
		Help:    "Время полного дневного подсчёта по серверу",
		Buckets: prometheus.DefBuckets,
	})
	ScoringRunErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scoring_run_errors_total",
		Help: "Ошибки дневного подсчёта",
	})
	FlairsGranted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flairs_granted_total",
		Help: "Выданные флаеры по уровням",
	}, []string{"tier"})
	SnapshotsBuilt = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "snapshots_built_total",
		Help: "Построенные исторические снимки",
	}, []string{"cached"})
	QueueErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scoring_queue_errors_total",
		Help: "Ошибки чтения очереди подсчёта",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	ScoringRequestsByServer = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scoring_requests_by_server_total",
		Help: "Количество задач подсчёта по серверам",
	}, []string{"server_id"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		FirstMessagesRecorded,
		FirstMessagesIgnored,
		ScoringRunSeconds,
		ScoringRunErrors,
		FlairsGranted,
		SnapshotsBuilt,
		QueueErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
		ScoringRequestsByServer,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// IncScoringForServer увеличивает счётчик задач подсчёта для сервера.
func IncScoringForServer(serverID int64) {
	ScoringRequestsByServer.WithLabelValues(strconv.FormatInt(serverID, 10)).Inc()
}

// IncFlairGranted увеличивает счётчик выданных флаеров уровня tier.
func IncFlairGranted(tier string) {
	FlairsGranted.WithLabelValues(tier).Inc()
}

// IncSnapshotBuilt отмечает построение исторического снимка.
func IncSnapshotBuilt(cached bool) {
	SnapshotsBuilt.WithLabelValues(strconv.FormatBool(cached)).Inc()
}
