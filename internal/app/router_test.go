package app_test

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/benchfleet/internal/adapter/httpserver"
	"github.com/fairyhunter13/benchfleet/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/benchfleet/internal/adapter/store"
	"github.com/fairyhunter13/benchfleet/internal/app"
	"github.com/fairyhunter13/benchfleet/internal/config"
	"github.com/fairyhunter13/benchfleet/internal/domain"
	"github.com/fairyhunter13/benchfleet/internal/usecase"
)

func newRouterHandler(t *testing.T, cfg config.Config) http.Handler {
	t.Helper()

	st := store.New(filepath.Join(t.TempDir(), "state.json"), time.Hour)
	mr := miniredis.RunT(t)
	broker := redisq.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = broker.Close() })

	retries := domain.NewRetryTracker(domain.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
	})
	registry := usecase.NewRegistrationService(st)
	dispatch := usecase.NewDispatcher(st, broker)
	reports := usecase.NewReportService(st, st, filepath.Join(t.TempDir(), "outputs"))
	finalize := usecase.NewFinalizer(st, reports, st)
	campaigns := usecase.CampaignService{
		Campaigns:             st,
		Jobs:                  st,
		Results:               st,
		Workers:               st,
		Dispatch:              dispatch,
		Retries:               retries,
		DefaultTimeoutSeconds: 3600,
	}
	monitor := usecase.NewHealthMonitor(st, time.Minute, time.Second)
	timeouts := usecase.NewTimeoutEngine(st, st, st, broker, retries, finalize, time.Hour, time.Second)
	srv := httpserver.NewServer(registry, campaigns, dispatch, reports, monitor, timeouts, retries, st, broker)
	return app.BuildRouter(cfg, srv)
}

func TestBuildRouter_Healthz_Readyz_Metrics(t *testing.T) {
	h := newRouterHandler(t, config.Config{RateLimitPerMin: 60, CORSAllowOrigins: "*"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/healthz: want 200, got %d", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec2.Code != http.StatusOK {
		t.Fatalf("/readyz: want 200, got %d", rec2.Code)
	}

	rec3 := httptest.NewRecorder()
	h.ServeHTTP(rec3, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec3.Code != http.StatusOK {
		t.Fatalf("/metrics: want 200, got %d", rec3.Code)
	}
	if !strings.Contains(rec3.Body.String(), "# HELP") {
		t.Fatalf("/metrics: expected prometheus exposition body")
	}
}

func TestBuildRouter_APIHealth_Headers(t *testing.T) {
	h := newRouterHandler(t, config.Config{RateLimitPerMin: 60, CORSAllowOrigins: "*"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/health: want 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "\"healthy\"") {
		t.Fatalf("/api/health: body %q missing status", rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing X-Request-Id header")
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options: want nosniff, got %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options: want DENY, got %q", got)
	}
}

func TestBuildRouter_RateLimitsOperatorMutations(t *testing.T) {
	h := newRouterHandler(t, config.Config{RateLimitPerMin: 2, CORSAllowOrigins: "*"})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/reset", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("reset %d: want 200, got %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/reset", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("reset over limit: want 429, got %d", rec.Code)
	}

	// Read-only endpoints do not share the bucket.
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec2.Code != http.StatusOK {
		t.Fatalf("/api/health after limit: want 200, got %d", rec2.Code)
	}

	// Neither does the worker data path: an unknown worker heartbeat is a
	// 404 from the handler, not a 429 from the limiter.
	rec3 := httptest.NewRecorder()
	h.ServeHTTP(rec3, httptest.NewRequest(http.MethodPost, "/api/workers/ghost/heartbeat", nil))
	if rec3.Code != http.StatusNotFound {
		t.Fatalf("heartbeat after limit: want 404, got %d", rec3.Code)
	}
}

func TestBuildRouter_CORSPreflight(t *testing.T) {
	h := newRouterHandler(t, config.Config{RateLimitPerMin: 60, CORSAllowOrigins: "*"})

	req := httptest.NewRequest(http.MethodOptions, "/api/register", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("preflight: want 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin: want *, got %q", got)
	}
}
