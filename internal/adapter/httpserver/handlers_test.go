package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/benchfleet/internal/adapter/httpserver"
	"github.com/fairyhunter13/benchfleet/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/benchfleet/internal/adapter/store"
	"github.com/fairyhunter13/benchfleet/internal/domain"
	"github.com/fairyhunter13/benchfleet/internal/usecase"
)

type apiFixture struct {
	handler   http.Handler
	store     *store.Store
	broker    *redisq.Broker
	mr        *miniredis.Miniredis
	statePath string
	outputDir string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	statePath := filepath.Join(t.TempDir(), "state.json")
	st := store.New(statePath, time.Hour)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := redisq.NewWithClient(client)
	t.Cleanup(func() { _ = broker.Close() })

	outputDir := filepath.Join(t.TempDir(), "outputs")
	retries := domain.NewRetryTracker(domain.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
	})

	registry := usecase.NewRegistrationService(st)
	dispatch := usecase.NewDispatcher(st, broker)
	reports := usecase.NewReportService(st, st, outputDir)
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

	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		api.Get("/health", srv.HealthHandler())
		api.Post("/reset", srv.ResetHandler())
		api.Get("/workers", srv.ListWorkersHandler())
		api.Post("/register", srv.RegisterHandler())
		api.Get("/workers/{id}", srv.GetWorkerHandler())
		api.Put("/workers/{id}/status", srv.SetWorkerStatusHandler())
		api.Put("/workers/{id}/reset", srv.ResetWorkerHandler())
		api.Post("/workers/{id}/heartbeat", srv.HeartbeatHandler())
		api.Get("/workers/{id}/health", srv.WorkerHealthHandler())
		api.Get("/health/workers", srv.FleetHealthHandler())
		api.Post("/campaigns", srv.CreateCampaignHandler())
		api.Get("/campaigns", srv.ListCampaignsHandler())
		api.Get("/campaigns/{id}", srv.GetCampaignHandler())
		api.Get("/campaigns/{id}/results", srv.CampaignResultsHandler())
		api.Get("/jobs/{id}", srv.GetJobHandler())
		api.Put("/jobs/{id}/claim", srv.ClaimJobHandler())
		api.Get("/queue/status", srv.QueueStatusHandler())
		api.Get("/results/files", srv.ListReportsHandler())
		api.Get("/results/download/{name}", srv.DownloadReportHandler())
		api.Get("/monitoring/stats", srv.MonitoringStatsHandler())
	})
	r.Get("/readyz", srv.ReadyzHandler())

	return &apiFixture{
		handler:   r,
		store:     st,
		broker:    broker,
		mr:        mr,
		statePath: statePath,
		outputDir: outputDir,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v))
}

func registerBody(deviceName, udid string, caps ...string) map[string]interface{} {
	return map[string]interface{}{
		"device_name":  deviceName,
		"ip_address":   "10.1.0.7",
		"capabilities": caps,
		"device_info": map[string]interface{}{
			"Soc":      "Apple M3 Max",
			"Ram":      64,
			"DeviceOs": "macOS",
			"Udid":     udid,
		},
	}
}

func (f *apiFixture) register(t *testing.T, deviceName, udid string, caps ...string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/register", registerBody(deviceName, udid, caps...))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]string
	decodeBody(t, w, &resp)
	require.NotEmpty(t, resp["worker_id"])
	return resp["worker_id"]
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
		Redis     struct {
			Connected bool `json:"connected"`
		} `json:"redis"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
	assert.True(t, resp.Redis.Connected)

	// A broker outage degrades the redis block, not the status code.
	f.mr.Close()
	w = f.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &resp)
	assert.False(t, resp.Redis.Connected)
}

func TestRegisterEndpoint_IdempotentByDevice(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/register", registerBody("mac-01", "udid-xyz", "CPU", "GPU"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first map[string]string
	decodeBody(t, w, &first)
	assert.Equal(t, "registered", first["status"])
	assert.Equal(t, "created", first["action"])

	w = f.do(t, http.MethodPost, "/api/register", registerBody("mac-01", "udid-xyz", "CPU", "GPU"))
	require.Equal(t, http.StatusOK, w.Code)
	var second map[string]string
	decodeBody(t, w, &second)
	assert.Equal(t, first["worker_id"], second["worker_id"])
	assert.Equal(t, "updated", second["status"])
	assert.Equal(t, "updated", second["action"])

	w = f.do(t, http.MethodGet, "/api/workers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count   int             `json:"count"`
		Workers []domain.Worker `json:"workers"`
	}
	decodeBody(t, w, &list)
	require.Equal(t, 1, list.Count)
	// capabilities come back normalized
	assert.Equal(t, []string{"cpu", "gpu"}, list.Workers[0].Capabilities)
}

func TestRegisterEndpoint_Validation(t *testing.T) {
	f := newAPIFixture(t)

	body := registerBody("mac-02", "udid-2", "cpu")
	delete(body, "device_info")
	w := f.do(t, http.MethodPost, "/api/register", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]string
	decodeBody(t, w, &resp)
	assert.Contains(t, resp["error"], "device_info")

	req := httptest.NewRequest(http.MethodPost, "/api/register", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkerEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	id := f.register(t, "mac-03", "udid-3", "cpu")

	w := f.do(t, http.MethodGet, "/api/workers/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var worker domain.Worker
	decodeBody(t, w, &worker)
	assert.Equal(t, domain.WorkerActive, worker.Status)

	w = f.do(t, http.MethodGet, "/api/workers/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPut, "/api/workers/"+id+"/status", map[string]string{"status": "busy"})
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]string
	decodeBody(t, w, &status)
	assert.Equal(t, "busy", status["status"])

	// unknown status value
	w = f.do(t, http.MethodPut, "/api/workers/"+id+"/status", map[string]string{"status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// busy -> active skips cleanup and is rejected by the state machine
	w = f.do(t, http.MethodPut, "/api/workers/"+id+"/status", map[string]string{"status": "active"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]string
	decodeBody(t, w, &resp)
	assert.Contains(t, resp["error"], "busy")
	assert.Contains(t, resp["error"], "active")
}

func TestWorkerResetEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	id := f.register(t, "mac-04", "udid-4", "cpu")

	// only faulty workers can be reset
	w := f.do(t, http.MethodPut, "/api/workers/"+id+"/reset", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPut, "/api/workers/"+id+"/status", map[string]string{"status": "faulty"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPut, "/api/workers/"+id+"/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	decodeBody(t, w, &resp)
	assert.Equal(t, "active", resp["status"])

	w = f.do(t, http.MethodPut, "/api/workers/nope/reset", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHeartbeatEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/workers/ghost/heartbeat", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	id := f.register(t, "mac-05", "udid-5", "cpu")
	w = f.do(t, http.MethodPost, "/api/workers/"+id+"/heartbeat", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ack usecase.HeartbeatAck
	decodeBody(t, w, &ack)
	assert.Equal(t, usecase.HeartbeatRecorded, ack.Action)
	assert.Equal(t, "active", ack.Status)

	// a heartbeat from a faulty worker recovers it
	w = f.do(t, http.MethodPut, "/api/workers/"+id+"/status", map[string]string{"status": "faulty"})
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/api/workers/"+id+"/heartbeat", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &ack)
	assert.Equal(t, usecase.HeartbeatRecovered, ack.Action)
	assert.Equal(t, "active", ack.Status)
	assert.Equal(t, "faulty", ack.PreviousStatus)

	w = f.do(t, http.MethodGet, "/api/workers/"+id+"/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health usecase.WorkerHealth
	decodeBody(t, w, &health)
	assert.True(t, health.IsHealthy)
	assert.NotNil(t, health.LastHeartbeat)

	w = f.do(t, http.MethodGet, "/api/health/workers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var fleet struct {
		Count   int                    `json:"count"`
		Workers []usecase.WorkerHealth `json:"workers"`
	}
	decodeBody(t, w, &fleet)
	assert.Equal(t, 1, fleet.Count)
}

func TestCreateCampaignEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	workerID := f.register(t, "mac-06", "udid-6", "cpu")

	body := map[string]interface{}{
		"model_url": "https://models.example.com/m.onnx",
		"jobs": []map[string]interface{}{
			{"compute_unit": "CPU"},
			{"worker_id": workerID},
		},
	}
	w := f.do(t, http.MethodPost, "/api/campaigns", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var created usecase.CampaignCreated
	decodeBody(t, w, &created)
	assert.Equal(t, 2, created.TotalJobs)
	assert.Equal(t, "running", created.Status)
	require.Len(t, created.Jobs, 2)
	assert.Equal(t, created.CampaignID+"-job-0", created.Jobs[0].JobID)
	assert.Equal(t, "pending", created.Jobs[0].Status)

	// the jobs landed on their queues
	require.True(t, f.mr.Exists("jobs:capability:cpu"))
	queued, err := f.mr.List("jobs:capability:cpu")
	require.NoError(t, err)
	assert.Equal(t, []string{created.CampaignID + "-job-0"}, queued)
	queued, err = f.mr.List("jobs:" + workerID)
	require.NoError(t, err)
	assert.Equal(t, []string{created.CampaignID + "-job-1"}, queued)

	w = f.do(t, http.MethodGet, "/api/campaigns", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, w, &list)
	assert.Equal(t, 1, list.Count)

	w = f.do(t, http.MethodGet, "/api/campaigns/"+created.CampaignID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail usecase.CampaignDetail
	decodeBody(t, w, &detail)
	assert.Equal(t, 2, detail.JobBreakdown["pending"])
	assert.Equal(t, 0, detail.JobBreakdown["running"])

	w = f.do(t, http.MethodGet, "/api/campaigns/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateCampaignEndpoint_Validation(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/campaigns", map[string]interface{}{
		"jobs": []map[string]interface{}{{"compute_unit": "cpu"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/campaigns", map[string]interface{}{
		"model_url": "u",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateCampaignEndpoint_BrokerDown(t *testing.T) {
	f := newAPIFixture(t)
	f.mr.Close()

	w := f.do(t, http.MethodPost, "/api/campaigns", map[string]interface{}{
		"model_url": "u",
		"jobs":      []map[string]interface{}{{"compute_unit": "cpu"}},
	})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestJobEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	workerID := f.register(t, "mac-07", "udid-7", "cpu")

	w := f.do(t, http.MethodPost, "/api/campaigns", map[string]interface{}{
		"model_url": "u",
		"jobs":      []map[string]interface{}{{"compute_unit": "cpu"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var created usecase.CampaignCreated
	decodeBody(t, w, &created)
	jobID := created.Jobs[0].JobID

	w = f.do(t, http.MethodGet, "/api/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail usecase.JobDetail
	decodeBody(t, w, &detail)
	assert.Equal(t, domain.JobPending, detail.Job.Status)
	assert.Nil(t, detail.Result)
	assert.Empty(t, detail.RetryHistory)

	w = f.do(t, http.MethodGet, "/api/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// claim handshake
	w = f.do(t, http.MethodPut, "/api/jobs/"+jobID+"/claim", map[string]string{"worker_id": workerID})
	require.Equal(t, http.StatusOK, w.Code)
	var claim map[string]string
	decodeBody(t, w, &claim)
	assert.Equal(t, "running", claim["status"])
	assert.Equal(t, workerID, claim["worker_id"])

	// claiming a running job conflicts
	w = f.do(t, http.MethodPut, "/api/jobs/"+jobID+"/claim", map[string]string{"worker_id": workerID})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPut, "/api/jobs/nope/claim", map[string]string{"worker_id": workerID})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPut, "/api/jobs/"+jobID+"/claim", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueueStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	workerID := f.register(t, "mac-08", "udid-8", "cpu")

	w := f.do(t, http.MethodPost, "/api/campaigns", map[string]interface{}{
		"model_url": "u",
		"jobs":      []map[string]interface{}{{"compute_unit": "cpu"}, {"worker_id": workerID}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/queue/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap usecase.QueueStatusSnapshot
	decodeBody(t, w, &snap)
	require.Contains(t, snap.WorkerQueues, workerID)
	assert.Equal(t, "mac-08", snap.WorkerQueues[workerID].DeviceName)
	assert.Equal(t, int64(1), snap.WorkerQueues[workerID].QueueSize)
	assert.Equal(t, int64(1), snap.CapabilityQueues["cpu"])
	assert.Equal(t, int64(0), snap.ResultsQueueSize)
}

func seedResult(t *testing.T, f *apiFixture, campaignID, jobID, workerID string) {
	t.Helper()
	ctx := context.Background()
	med := 18.2
	require.NoError(t, f.store.SaveResult(ctx, domain.Result{
		JobID:        jobID,
		CampaignID:   campaignID,
		WorkerID:     workerID,
		Status:       domain.ResultComplete,
		FileName:     "m.onnx",
		FileSize:     2048,
		ComputeUnits: "cpu",
		BenchmarkMetrics: domain.BenchmarkMetrics{
			InferenceMsMedian: &med,
		},
	}))
}

func TestCampaignResultsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	workerID := f.register(t, "mac-09", "udid-9", "cpu")

	w := f.do(t, http.MethodPost, "/api/campaigns", map[string]interface{}{
		"model_url": "u",
		"jobs":      []map[string]interface{}{{"compute_unit": "cpu"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var created usecase.CampaignCreated
	decodeBody(t, w, &created)

	// no results yet
	w = f.do(t, http.MethodGet, "/api/campaigns/"+created.CampaignID+"/results", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	seedResult(t, f, created.CampaignID, created.Jobs[0].JobID, workerID)
	w = f.do(t, http.MethodGet, "/api/campaigns/"+created.CampaignID+"/results", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, w.Body.String(), "CreatedUtc,Status,UploadId")
	assert.Contains(t, w.Body.String(), created.Jobs[0].JobID)

	w = f.do(t, http.MethodGet, "/api/campaigns/nope/results", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReportFilesEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/results/files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int                  `json:"count"`
		Files []usecase.ReportFile `json:"files"`
	}
	decodeBody(t, w, &list)
	assert.Equal(t, 0, list.Count)

	require.NoError(t, os.MkdirAll(f.outputDir, 0o755))
	name := "campaign-x_20260102_030405_results.csv"
	require.NoError(t, os.WriteFile(filepath.Join(f.outputDir, name), []byte("CreatedUtc\n"), 0o644))

	w = f.do(t, http.MethodGet, "/api/results/files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, name, list.Files[0].Name)

	w = f.do(t, http.MethodGet, "/api/results/download/"+name, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Equal(t, "CreatedUtc\n", w.Body.String())

	w = f.do(t, http.MethodGet, "/api/results/download/..%2Fstate.json", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/results/download/missing.csv", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMonitoringStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/monitoring/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Health   usecase.MonitorStatus `json:"health"`
		Timeouts usecase.TimeoutStats  `json:"timeouts"`
		Retries  domain.RetryStats     `json:"retries"`
	}
	decodeBody(t, w, &resp)
	assert.False(t, resp.Health.Running)
	assert.Equal(t, float64(60), resp.Health.HeartbeatTimeout)
	assert.Equal(t, time.Hour.Seconds(), resp.Timeouts.DefaultTimeout)
	assert.Equal(t, 3, resp.Retries.Policy.MaxAttempts)
}

func TestResetEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "mac-10", "udid-10", "cpu")

	w := f.do(t, http.MethodPost, "/api/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	decodeBody(t, w, &resp)
	assert.Equal(t, "reset", resp["status"])

	w = f.do(t, http.MethodGet, "/api/workers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, w, &list)
	assert.Equal(t, 0, list.Count)

	// reset snapshots the wiped state immediately
	_, err := os.Stat(f.statePath)
	assert.NoError(t, err)
}

func TestReadyzEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.mr.Close()
	w = f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
