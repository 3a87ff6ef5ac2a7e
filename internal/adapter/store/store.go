// Package store implements the orchestrator state store. Workers, campaigns,
// jobs and results live in process memory behind a single mutex; a periodic
// JSON snapshot (see snapshot.go) provides crash recovery. Getters return
// copies, so callers never observe or mutate shared records.
package store

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fairyhunter13/benchfleet/internal/domain"
	"github.com/fairyhunter13/benchfleet/pkg/textx"
)

// Store is the single source of truth for control-plane state.
type Store struct {
	mu        sync.Mutex
	workers   map[string]domain.Worker
	campaigns map[string]domain.Campaign
	jobs      map[string]domain.Job
	results   map[string]domain.Result

	// ioMu serializes snapshot file writes; it is never held together
	// with mu.
	ioMu     sync.Mutex
	path     string
	interval time.Duration
}

var (
	_ domain.WorkerRepo   = (*Store)(nil)
	_ domain.CampaignRepo = (*Store)(nil)
	_ domain.JobRepo      = (*Store)(nil)
	_ domain.ResultRepo   = (*Store)(nil)
)

// New constructs an empty Store that snapshots to path every interval.
// Call Load to pick up an existing snapshot and Run to start the loop.
func New(path string, interval time.Duration) *Store {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Store{
		workers:   make(map[string]domain.Worker),
		campaigns: make(map[string]domain.Campaign),
		jobs:      make(map[string]domain.Job),
		results:   make(map[string]domain.Result),
		path:      path,
		interval:  interval,
	}
}

// Workers

// RegisterWorker upserts a worker row keyed by its fingerprint id. A new
// device starts active; a known device keeps its RegisteredAt and current
// status, except that a faulty worker re-registering recovers to active.
func (s *Store) RegisterWorker(_ domain.Context, w domain.Worker) (domain.Worker, domain.RegistrationAction, error) {
	if w.WorkerID == "" {
		return domain.Worker{}, "", fmt.Errorf("op=store.register_worker: missing worker id: %w", domain.ErrInvalidArgument)
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	action := domain.RegistrationCreated
	if prev, ok := s.workers[w.WorkerID]; ok {
		w.RegisteredAt = prev.RegisteredAt
		w.Status = prev.Status
		action = domain.RegistrationUpdated
		if prev.Status == domain.WorkerFaulty {
			w.Status = domain.WorkerActive
			action = domain.RegistrationRecovered
		}
	} else {
		w.RegisteredAt = now
		w.Status = domain.WorkerActive
	}
	w.LastSeen = now
	s.workers[w.WorkerID] = w

	slog.Info("worker registered",
		slog.String("worker_id", w.WorkerID),
		slog.String("device_name", w.DeviceName),
		slog.String("action", string(action)),
		slog.Any("capabilities", w.Capabilities))
	return copyWorker(w), action, nil
}

// GetWorker loads a worker by id.
func (s *Store) GetWorker(_ domain.Context, id string) (domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return domain.Worker{}, fmt.Errorf("op=store.get_worker: %s: %w", id, domain.ErrNotFound)
	}
	return copyWorker(w), nil
}

// AllWorkers lists every registered worker.
func (s *Store) AllWorkers(_ domain.Context) ([]domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, copyWorker(w))
	}
	return out, nil
}

// ActiveWorkers lists workers currently able to accept jobs.
func (s *Store) ActiveWorkers(_ domain.Context) ([]domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		if w.Status == domain.WorkerActive {
			out = append(out, copyWorker(w))
		}
	}
	return out, nil
}

// WorkersByCapability lists active workers advertising the given compute
// unit. The unit is normalized before matching, so raw registration
// strings and queue-name forms both work.
func (s *Store) WorkersByCapability(_ domain.Context, unit string) ([]domain.Worker, error) {
	want := domain.NormalizeComputeUnit(unit)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Worker, 0, 4)
	for _, w := range s.workers {
		if w.Status != domain.WorkerActive {
			continue
		}
		for _, c := range w.Capabilities {
			if c == want {
				out = append(out, copyWorker(w))
				break
			}
		}
	}
	return out, nil
}

// UpdateWorkerStatus applies a state-machine-validated transition and
// refreshes LastSeen.
func (s *Store) UpdateWorkerStatus(_ domain.Context, id string, to domain.WorkerStatus, reason domain.TransitionReason) (domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return domain.Worker{}, fmt.Errorf("op=store.update_worker_status: %s: %w", id, domain.ErrNotFound)
	}
	if err := domain.ValidateTransition(w.Status, to); err != nil {
		return domain.Worker{}, fmt.Errorf("op=store.update_worker_status: %s: %w", id, err)
	}
	from := w.Status
	w.Status = to
	w.LastSeen = time.Now().UTC()
	s.workers[id] = w

	slog.Info("worker status transition",
		slog.String("worker_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", string(reason)))
	return copyWorker(w), nil
}

// Campaigns

// CreateCampaign stamps and stores a new campaign. A campaign submitted
// with zero jobs has nothing to wait for and is completed on the spot.
func (s *Store) CreateCampaign(_ domain.Context, c domain.Campaign) (domain.Campaign, error) {
	if c.CampaignID == "" {
		return domain.Campaign{}, fmt.Errorf("op=store.create_campaign: missing campaign id: %w", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.CampaignID]; ok {
		return domain.Campaign{}, fmt.Errorf("op=store.create_campaign: %s: %w", c.CampaignID, domain.ErrConflict)
	}
	c.CreatedAt = time.Now().UTC()
	c.CompletedJobs = 0
	c.FailedJobs = 0
	c.Status = domain.CampaignRunning
	if c.TotalJobs == 0 {
		c.Status = domain.CampaignCompleted
	}
	s.campaigns[c.CampaignID] = c
	return c, nil
}

// GetCampaign loads a campaign by id.
func (s *Store) GetCampaign(_ domain.Context, id string) (domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, fmt.Errorf("op=store.get_campaign: %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

// AllCampaigns lists every campaign.
func (s *Store) AllCampaigns(_ domain.Context) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, c)
	}
	return out, nil
}

// UpdateCampaignProgress applies counter increments and an optional status
// change under one guard acquisition, then returns the updated row.
func (s *Store) UpdateCampaignProgress(_ domain.Context, id string, incrCompleted, incrFailed bool, status domain.CampaignStatus) (domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, fmt.Errorf("op=store.update_campaign_progress: %s: %w", id, domain.ErrNotFound)
	}
	if incrCompleted {
		c.CompletedJobs++
	}
	if incrFailed {
		c.FailedJobs++
	}
	if status != "" {
		c.Status = status
	}
	s.campaigns[id] = c
	return c, nil
}

// AttachResultsFile records the path of the campaign's finished CSV report.
func (s *Store) AttachResultsFile(_ domain.Context, id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("op=store.attach_results_file: %s: %w", id, domain.ErrNotFound)
	}
	c.ResultsFile = path
	s.campaigns[id] = c
	return nil
}

// Jobs

// CreateJob stamps and stores a new pending job.
func (s *Store) CreateJob(_ domain.Context, j domain.Job) (domain.Job, error) {
	if j.JobID == "" {
		return domain.Job{}, fmt.Errorf("op=store.create_job: missing job id: %w", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.JobID]; ok {
		return domain.Job{}, fmt.Errorf("op=store.create_job: %s: %w", j.JobID, domain.ErrConflict)
	}
	j.SubmittedAt = time.Now().UTC()
	j.Status = domain.JobPending
	j.RetryCount = 0
	j.StartedAt = nil
	j.CompletedAt = nil
	j.RetryAfter = nil
	s.jobs[j.JobID] = j
	return copyJob(j), nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(_ domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=store.get_job: %s: %w", id, domain.ErrNotFound)
	}
	return copyJob(j), nil
}

// UpdateJobStatus writes the new status, stamping StartedAt (plus the worker
// pin when given) on the transition to running and CompletedAt on terminal
// statuses.
func (s *Store) UpdateJobStatus(_ domain.Context, id string, status domain.JobStatus, workerID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=store.update_job_status: %s: %w", id, domain.ErrNotFound)
	}
	now := time.Now().UTC()
	j.Status = status
	switch {
	case status == domain.JobRunning:
		j.StartedAt = &now
		if workerID != "" {
			j.WorkerID = workerID
		}
	case status.Terminal():
		j.CompletedAt = &now
	}
	s.jobs[id] = j
	return copyJob(j), nil
}

// RequeueJob is the timed_out -> pending retry arc: the pin is cleared so
// any capable worker may pick the job up, and RetryAfter records when it
// becomes eligible.
func (s *Store) RequeueJob(_ domain.Context, id string, retryAfter time.Time) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=store.requeue_job: %s: %w", id, domain.ErrNotFound)
	}
	j.Status = domain.JobPending
	j.WorkerID = ""
	j.StartedAt = nil
	after := retryAfter.UTC()
	j.RetryAfter = &after
	s.jobs[id] = j
	return copyJob(j), nil
}

// JobsByCampaign lists all jobs belonging to a campaign.
func (s *Store) JobsByCampaign(_ domain.Context, campaignID string) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, 8)
	for _, j := range s.jobs {
		if j.CampaignID == campaignID {
			out = append(out, copyJob(j))
		}
	}
	return out, nil
}

// JobsByStatus lists all jobs in the given status.
func (s *Store) JobsByStatus(_ domain.Context, status domain.JobStatus) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, 8)
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, copyJob(j))
		}
	}
	return out, nil
}

// IncrementJobRetry bumps and returns the job's retry count.
func (s *Store) IncrementJobRetry(_ domain.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return 0, fmt.Errorf("op=store.increment_job_retry: %s: %w", id, domain.ErrNotFound)
	}
	j.RetryCount++
	s.jobs[id] = j
	return j.RetryCount, nil
}

// Results

// SaveResult stores the result keyed by job id, stamping SavedAt. Duplicate
// deliveries overwrite: last writer wins.
func (s *Store) SaveResult(_ domain.Context, r domain.Result) error {
	if r.JobID == "" {
		return fmt.Errorf("op=store.save_result: missing job id: %w", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r.SavedAt = time.Now().UTC()
	s.results[r.JobID] = r
	return nil
}

// GetResult loads the result for a job.
func (s *Store) GetResult(_ domain.Context, jobID string) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[jobID]
	if !ok {
		return domain.Result{}, fmt.Errorf("op=store.get_result: %s: %w", jobID, domain.ErrNotFound)
	}
	return r, nil
}

// ResultsByCampaign lists results whose jobs belong to the campaign.
func (s *Store) ResultsByCampaign(_ domain.Context, campaignID string) ([]domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Result, 0, 8)
	for jobID, r := range s.results {
		if j, ok := s.jobs[jobID]; ok && j.CampaignID == campaignID {
			out = append(out, r)
		}
	}
	return out, nil
}

// QueryResultsForCSV joins results with their jobs and workers into report
// rows for the campaign. The join happens under one guard acquisition so a
// row never mixes state from different moments.
func (s *Store) QueryResultsForCSV(_ domain.Context, campaignID string) ([]domain.ReportRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	campaign := s.campaigns[campaignID]
	rows := make([]domain.ReportRow, 0, 8)
	for jobID, r := range s.results {
		j, ok := s.jobs[jobID]
		if !ok || j.CampaignID != campaignID {
			continue
		}
		var w domain.Worker
		if j.WorkerID != "" {
			w = s.workers[j.WorkerID]
		} else if r.WorkerID != "" {
			w = s.workers[r.WorkerID]
		}

		deviceName := w.DeviceName
		if deviceName == "" {
			deviceName = "Unknown"
		}
		row := domain.ReportRow{
			CreatedUTC:      r.SavedAt.UTC(),
			Status:          string(r.Status),
			UploadID:        campaign.UploadID,
			FileName:        textx.SanitizeCSVField(r.FileName),
			FileSize:        strconv.FormatInt(r.FileSize, 10),
			DeviceName:      textx.SanitizeCSVField(deviceName),
			DeviceYear:      textx.SanitizeCSVField(w.DeviceYear),
			Soc:             textx.SanitizeCSVField(w.Soc),
			RAM:             formatFloat(w.RAMGB),
			DiscreteGPU:     textx.SanitizeCSVField(w.DiscreteGPU),
			VRAM:            textx.SanitizeCSVField(w.VRAM),
			DeviceOS:        textx.SanitizeCSVField(w.OS),
			DeviceOSVersion: textx.SanitizeCSVField(w.OSVersion),
			ComputeUnits:    textx.SanitizeCSVField(r.ComputeUnits),
			Load: domain.MetricCells{
				Median:  formatMetric(r.LoadMsMedian),
				StdDev:  formatMetric(r.LoadMsStdDev),
				Average: formatMetric(r.LoadMsAverage),
				First:   formatMetric(r.LoadMsFirst),
			},
			PeakLoadRAM: formatMetric(r.PeakLoadRAMUsage),
			Inference: domain.MetricCells{
				Median:  formatMetric(r.InferenceMsMedian),
				StdDev:  formatMetric(r.InferenceMsStdDev),
				Average: formatMetric(r.InferenceMsAverage),
				First:   formatMetric(r.InferenceMsFirst),
			},
			PeakInferRAM: formatMetric(r.PeakInferenceRAMUsage),
			JobID:        jobID,
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// formatMetric renders an optional measurement; absent values become the
// empty cell.
func formatMetric(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// formatFloat renders a float without trailing zeros; zero means unknown
// and renders empty.
func formatFloat(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// copyWorker deep-copies the slice and map fields so callers cannot reach
// into the store.
func copyWorker(w domain.Worker) domain.Worker {
	if w.Capabilities != nil {
		caps := make([]string, len(w.Capabilities))
		copy(caps, w.Capabilities)
		w.Capabilities = caps
	}
	if w.DeviceInfo != nil {
		info := make(map[string]any, len(w.DeviceInfo))
		for k, v := range w.DeviceInfo {
			info[k] = v
		}
		w.DeviceInfo = info
	}
	return w
}

// copyJob detaches the pointer timestamp fields.
func copyJob(j domain.Job) domain.Job {
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	if j.RetryAfter != nil {
		t := *j.RetryAfter
		j.RetryAfter = &t
	}
	return j
}
