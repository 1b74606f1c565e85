package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestRouterServesMetrics(t *testing.T) {
	srv := NewServer(zerolog.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
}

func TestShutdownStopsServer(t *testing.T) {
	srv := NewServer(zerolog.Nop())
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку остановки: %v", err)
	}
	// После Shutdown сервер не принимает запуск заново.
	if err := srv.Start("127.0.0.1:0"); !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("ожидали http.ErrServerClosed, получили %v", err)
	}
}
