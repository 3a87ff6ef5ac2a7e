//go:build e2e
// +build e2e

// Package e2e_test drives the orchestrator end to end: a real router over a
// real store and broker (embedded redis), with the background loops running
// on shortened intervals. Worker behavior comes either from the bundled
// agent or from scenario-specific stubs speaking the same queue contract.
package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/benchfleet/internal/adapter/httpserver"
	"github.com/fairyhunter13/benchfleet/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/benchfleet/internal/adapter/store"
	"github.com/fairyhunter13/benchfleet/internal/app"
	"github.com/fairyhunter13/benchfleet/internal/config"
	"github.com/fairyhunter13/benchfleet/internal/domain"
	"github.com/fairyhunter13/benchfleet/internal/usecase"
)

// options are the per-scenario knobs; everything not set keeps a value that
// cannot fire within a test run.
type options struct {
	heartbeatTimeout  time.Duration
	heartbeatInterval time.Duration
	timeoutInterval   time.Duration
	retry             domain.RetryPolicy
}

func defaultOptions() options {
	return options{
		heartbeatTimeout:  time.Minute,
		heartbeatInterval: time.Second,
		timeoutInterval:   50 * time.Millisecond,
		retry:             domain.DefaultRetryPolicy(),
	}
}

// harness is one in-process orchestrator instance.
type harness struct {
	t      *testing.T
	srv    *httptest.Server
	client *http.Client
	store  *store.Store
	broker *redisq.Broker
	mr     *miniredis.Miniredis
	outDir string
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()

	st := store.New(filepath.Join(t.TempDir(), "state.json"), time.Hour)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := redisq.NewWithClient(rdb)
	t.Cleanup(func() { _ = broker.Close() })

	outDir := filepath.Join(t.TempDir(), "outputs")
	retries := domain.NewRetryTracker(opts.retry)
	registry := usecase.NewRegistrationService(st)
	dispatch := usecase.NewDispatcher(st, broker)
	reports := usecase.NewReportService(st, st, outDir)
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
	monitor := usecase.NewHealthMonitor(st, opts.heartbeatTimeout, opts.heartbeatInterval)
	timeouts := usecase.NewTimeoutEngine(st, st, st, broker, retries, finalize, time.Hour, opts.timeoutInterval)
	processor := usecase.NewResultProcessor(st, st, st, broker, finalize, 50*time.Millisecond)

	srv := httpserver.NewServer(registry, campaigns, dispatch, reports, monitor, timeouts, retries, st, broker)
	cfg := config.Config{AppEnv: "test", CORSAllowOrigins: "*", RateLimitPerMin: 10000}
	ts := httptest.NewServer(app.BuildRouter(cfg, srv))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); monitor.Run(ctx) }()
	go func() { defer wg.Done(); timeouts.Run(ctx) }()
	go func() { defer wg.Done(); processor.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	return &harness{
		t:      t,
		srv:    ts,
		client: ts.Client(),
		store:  st,
		broker: broker,
		mr:     mr,
		outDir: outDir,
	}
}

// do sends a JSON request and decodes a JSON object response. Non-object
// bodies come back as an empty map; callers assert on the status code.
func (h *harness) do(method, path string, body any) (int, map[string]any) {
	h.t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(h.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.client.Do(req)
	require.NoError(h.t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	doc := map[string]any{}
	_ = json.Unmarshal(raw, &doc)
	return resp.StatusCode, doc
}

// registerWorker registers a synthetic device over the API and returns its
// fingerprint-derived worker id.
func (h *harness) registerWorker(name, udid string, caps ...string) string {
	h.t.Helper()
	status, doc := h.do(http.MethodPost, "/api/register", map[string]any{
		"device_name":  name,
		"ip_address":   "10.9.0.14",
		"capabilities": caps,
		"device_info": map[string]any{
			"Udid":            udid,
			"Soc":             "M3 Max",
			"Ram":             32.0,
			"DeviceOs":        "macOS",
			"DeviceOsVersion": "15.1",
		},
	})
	require.Equal(h.t, http.StatusOK, status)
	id, _ := doc["worker_id"].(string)
	require.NotEmpty(h.t, id)
	return id
}

// createCampaign posts a campaign and returns its id plus the created job
// ids in request order.
func (h *harness) createCampaign(modelURL string, jobs []map[string]any) (string, []string) {
	h.t.Helper()
	status, doc := h.do(http.MethodPost, "/api/campaigns", map[string]any{
		"model_url": modelURL,
		"jobs":      jobs,
	})
	require.Equal(h.t, http.StatusOK, status, "campaign create failed: %v", doc)
	id, _ := doc["campaign_id"].(string)
	require.NotEmpty(h.t, id)

	list, _ := doc["jobs"].([]any)
	ids := make([]string, 0, len(list))
	for _, item := range list {
		entry, _ := item.(map[string]any)
		jobID, _ := entry["job_id"].(string)
		ids = append(ids, jobID)
	}
	return id, ids
}

// waitCampaignStatus polls the campaign until it reports the wanted status
// and returns the final document.
func (h *harness) waitCampaignStatus(id, want string, within time.Duration) map[string]any {
	h.t.Helper()
	var last map[string]any
	require.Eventually(h.t, func() bool {
		status, doc := h.do(http.MethodGet, "/api/campaigns/"+id, nil)
		if status != http.StatusOK {
			return false
		}
		last = doc
		got, _ := doc["status"].(string)
		return got == want
	}, within, 25*time.Millisecond, "campaign %s never reached %s, last seen: %v", id, want, last)
	return last
}

// waitWorkerStatus polls one worker until it reports the wanted status.
func (h *harness) waitWorkerStatus(id, want string, within time.Duration) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		status, doc := h.do(http.MethodGet, "/api/workers/"+id, nil)
		if status != http.StatusOK {
			return false
		}
		got, _ := doc["status"].(string)
		return got == want
	}, within, 25*time.Millisecond, "worker %s never reached %s", id, want)
}

// queueLen measures one broker queue directly.
func (h *harness) queueLen(queue string) int64 {
	h.t.Helper()
	n, err := h.broker.QueueLen(context.Background(), queue)
	require.NoError(h.t, err)
	return n
}
