package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/benchfleet/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/benchfleet/internal/domain"
	"github.com/fairyhunter13/benchfleet/internal/usecase"
)

// StateStore is the slice of the persistence layer the handlers drive
// directly: the operator reset endpoint wipes it and snapshots the empty
// state.
type StateStore interface {
	Reset(ctx context.Context) error
}

// Server aggregates handler dependencies.
type Server struct {
	Registry  usecase.RegistrationService
	Campaigns usecase.CampaignService
	Dispatch  usecase.Dispatcher
	Reports   usecase.ReportService
	Monitor   *usecase.HealthMonitor
	Timeouts  *usecase.TimeoutEngine
	Retries   *domain.RetryTracker
	State     StateStore
	Broker    *redisq.Broker
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(registry usecase.RegistrationService, campaigns usecase.CampaignService, dispatch usecase.Dispatcher, reports usecase.ReportService, monitor *usecase.HealthMonitor, timeouts *usecase.TimeoutEngine, retries *domain.RetryTracker, state StateStore, broker *redisq.Broker) *Server {
	return &Server{
		Registry:  registry,
		Campaigns: campaigns,
		Dispatch:  dispatch,
		Reports:   reports,
		Monitor:   monitor,
		Timeouts:  timeouts,
		Retries:   retries,
		State:     state,
		Broker:    broker,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() {
		vld = validator.New()
		// Report json field names in validation errors.
		vld.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return vld
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
		return "missing field: " + strings.Join(fields, ", ")
	}
	return "validation failed"
}

// decodeJSON binds a capped JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument)
	}
	return nil
}

// HealthHandler reports orchestrator liveness plus broker connectivity.
// The response is always 200: a broker outage shows up in the redis block,
// not as an HTTP failure.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"redis":     s.Broker.Health(r.Context()),
		})
	}
}

// ResetHandler wipes every entity, the heartbeat windows and the retry
// history, then snapshots the empty state. Broker queues are not flushed:
// a popped id whose row is gone fails the claim handshake and is dropped.
func (s *Server) ResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.State.Reset(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
		s.Monitor.Reset()
		s.Retries.Reset()
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}

// ListWorkersHandler returns every registered worker.
func (s *Server) ListWorkersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workers, err := s.Registry.AllWorkers(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count":   len(workers),
			"workers": workers,
		})
	}
}

// GetWorkerHandler returns one worker by id.
func (s *Server) GetWorkerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		worker, err := s.Registry.Worker(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, worker)
	}
}

// RegisterHandler registers or rehydrates a worker. The worker id is
// derived from the device identity, so re-registering the same device
// lands on the same row instead of creating a duplicate.
func (s *Server) RegisterHandler() http.HandlerFunc {
	type request struct {
		DeviceName   string                 `json:"device_name" validate:"required"`
		IPAddress    string                 `json:"ip_address" validate:"required"`
		Capabilities []string               `json:"capabilities" validate:"required"`
		DeviceInfo   map[string]interface{} `json:"device_info" validate:"required"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, validationMessage(err)))
			return
		}
		worker, action, err := s.Registry.Register(r.Context(), usecase.RegisterWorkerInput{
			DeviceName:   req.DeviceName,
			IPAddress:    req.IPAddress,
			Capabilities: req.Capabilities,
			DeviceInfo:   req.DeviceInfo,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := "registered"
		if action != domain.RegistrationCreated {
			status = "updated"
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"worker_id": worker.WorkerID,
			"status":    status,
			"action":    string(action),
		})
	}
}

// SetWorkerStatusHandler applies a manual status change through the
// worker state machine.
func (s *Server) SetWorkerStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Status string `json:"status"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		worker, err := s.Registry.SetStatus(r.Context(), chi.URLParam(r, "id"), domain.WorkerStatus(req.Status))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"worker_id": worker.WorkerID,
			"status":    string(worker.Status),
		})
	}
}

// ResetWorkerHandler recovers a faulty worker back to active.
func (s *Server) ResetWorkerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		worker, err := s.Registry.ResetWorker(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"worker_id": worker.WorkerID,
			"status":    string(worker.Status),
		})
	}
}

// HeartbeatHandler records a worker heartbeat. A heartbeat from a faulty
// worker recovers it to active.
func (s *Server) HeartbeatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ack, err := s.Monitor.RecordHeartbeat(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ack)
	}
}

// WorkerHealthHandler returns the heartbeat health snapshot of one worker.
func (s *Server) WorkerHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health, err := s.Monitor.Health(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, health)
	}
}

// FleetHealthHandler returns the heartbeat health of every worker.
func (s *Server) FleetHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fleet, err := s.Monitor.FleetHealth(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count":   len(fleet),
			"workers": fleet,
		})
	}
}

// CreateCampaignHandler creates a campaign with its jobs and dispatches
// every job onto the broker.
func (s *Server) CreateCampaignHandler() http.HandlerFunc {
	type request struct {
		ModelURL string            `json:"model_url"`
		UploadID string            `json:"upload_id"`
		Jobs     []usecase.JobSpec `json:"jobs"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		created, err := s.Campaigns.Create(r.Context(), usecase.CreateCampaignInput{
			ModelURL: req.ModelURL,
			UploadID: req.UploadID,
			Jobs:     req.Jobs,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, created)
	}
}

// ListCampaignsHandler returns every campaign.
func (s *Server) ListCampaignsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		campaigns, err := s.Campaigns.All(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count":     len(campaigns),
			"campaigns": campaigns,
		})
	}
}

// GetCampaignHandler returns a campaign with its per-status job counts.
func (s *Server) GetCampaignHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := s.Campaigns.Detail(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

// CampaignResultsHandler renders the campaign report from current rows
// and serves it as a CSV attachment.
func (s *Server) CampaignResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		data, err := s.Reports.BuildCampaignCSV(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"_results.csv"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

// GetJobHandler returns the job with its result and retry history.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := s.Campaigns.Job(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

// ClaimJobHandler is the worker-side claim handshake: it moves a popped
// pending job to running under the claiming worker. A job that is no
// longer pending conflicts, telling the worker to drop the id.
func (s *Server) ClaimJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			WorkerID string `json:"worker_id"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		job, err := s.Campaigns.Claim(r.Context(), chi.URLParam(r, "id"), req.WorkerID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"job_id":    job.JobID,
			"status":    string(job.Status),
			"worker_id": job.WorkerID,
		})
	}
}

// QueueStatusHandler measures every job queue and the results channel.
func (s *Server) QueueStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.Dispatch.QueueStatus(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// ListReportsHandler lists generated report files.
func (s *Server) ListReportsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		files, err := s.Reports.ListFiles()
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count": len(files),
			"files": files,
		})
	}
}

// DownloadReportHandler serves one report file by name as an attachment.
func (s *Server) DownloadReportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		path, err := s.Reports.ResolveDownload(name)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", s.Reports.DetectContentType(path))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		http.ServeFile(w, r, path)
	}
}

// MonitoringStatsHandler is the composite status document: heartbeat
// monitor state, timeout engine counts and retry tracker totals.
func (s *Server) MonitoringStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timeouts, err := s.Timeouts.Stats(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"health":   s.Monitor.Status(),
			"timeouts": timeouts,
			"retries":  s.Retries.Stats(),
		})
	}
}

// ReadyzHandler probes the broker. The orchestrator serves most of its
// API from the in-memory store, so readiness only gates on Redis.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 1)
		if err := s.Broker.Ping(ctx); err != nil {
			checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
		} else {
			checks = append(checks, check{Name: "redis", OK: true})
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]interface{}{"checks": checks})
	}
}
