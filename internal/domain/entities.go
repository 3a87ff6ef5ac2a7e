// Package domain holds the entities, ports and pure rules of the benchmark
// orchestrator: workers, campaigns, jobs, results, the worker state machine
// and the retry policy. It has no dependencies on adapters.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrInternal          = errors.New("internal error")

	// ErrInvalidTransition is returned when a worker status change violates
	// the state machine. It is an ErrInvalidArgument for HTTP mapping.
	ErrInvalidTransition = fmt.Errorf("invalid transition: %w", ErrInvalidArgument)

	// ErrNoRoute is returned when a job carries neither a worker pin nor a
	// compute unit and therefore cannot be dispatched.
	ErrNoRoute = fmt.Errorf("no route for job: %w", ErrInvalidArgument)
)

type WorkerStatus string

const (
	WorkerActive  WorkerStatus = "active"
	WorkerBusy    WorkerStatus = "busy"
	WorkerCleanup WorkerStatus = "cleanup"
	WorkerFaulty  WorkerStatus = "faulty"
)

// ValidWorkerStatus reports whether s is a member of the worker status enum.
func ValidWorkerStatus(s WorkerStatus) bool {
	switch s {
	case WorkerActive, WorkerBusy, WorkerCleanup, WorkerFaulty:
		return true
	}
	return false
}

// Worker is a registered benchmark machine. Its identity is the fingerprint
// derived at registration (see WorkerFingerprint); workers are never deleted,
// only marked faulty. Capabilities are stored normalized so queue names line
// up with dispatch (see NormalizeComputeUnit).
type Worker struct {
	WorkerID     string         `json:"worker_id"`
	DeviceName   string         `json:"device_name"`
	IPAddress    string         `json:"ip_address"`
	Capabilities []string       `json:"capabilities"`
	DeviceInfo   map[string]any `json:"device_info,omitempty"`
	Soc          string         `json:"soc,omitempty"`
	RAMGB        float64        `json:"ram_gb,omitempty"`
	OS           string         `json:"os,omitempty"`
	OSVersion    string         `json:"os_version,omitempty"`
	UDID         string         `json:"udid,omitempty"`
	DeviceYear   string         `json:"device_year,omitempty"`
	DiscreteGPU  string         `json:"discrete_gpu,omitempty"`
	VRAM         string         `json:"vram,omitempty"`
	Status       WorkerStatus   `json:"status"`
	RegisteredAt time.Time      `json:"registered_at"`
	LastSeen     time.Time      `json:"last_seen"`
}

// RegistrationAction describes what RegisterWorker actually did.
type RegistrationAction string

const (
	RegistrationCreated   RegistrationAction = "created"
	RegistrationUpdated   RegistrationAction = "updated"
	RegistrationRecovered RegistrationAction = "recovered"
)

type CampaignStatus string

const (
	CampaignRunning   CampaignStatus = "running"
	CampaignCompleted CampaignStatus = "completed"
	CampaignPartial   CampaignStatus = "partial"
	CampaignFailed    CampaignStatus = "failed"
)

// Campaign is a batch of benchmark jobs against one model. Created running;
// completed once every child job is terminal; never mutated after that.
// partial and failed are accepted from snapshots but never produced here.
type Campaign struct {
	CampaignID    string         `json:"campaign_id"`
	ModelURL      string         `json:"model_url"`
	UploadID      string         `json:"upload_id,omitempty"`
	TotalJobs     int            `json:"total_jobs"`
	CompletedJobs int            `json:"completed_jobs"`
	FailedJobs    int            `json:"failed_jobs"`
	Status        CampaignStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	ResultsFile   string         `json:"results_file,omitempty"`
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobComplete  JobStatus = "complete"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status ends a job's lifecycle. timed_out is
// not terminal: it either re-enters pending on retry or settles as failed.
func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobFailed || s == JobCancelled
}

// Job is one benchmark execution request. WorkerID doubles as the static pin
// before execution and the executing worker after claim; the retry arc clears
// it and stamps RetryAfter so a requeued job waits out its backoff delay.
type Job struct {
	JobID            string     `json:"job_id"`
	CampaignID       string     `json:"campaign_id"`
	ModelURL         string     `json:"model_url"`
	ComputeUnit      string     `json:"compute_unit"`
	WorkerID         string     `json:"worker_id,omitempty"`
	NumWarmups       int        `json:"num_warmups"`
	NumInferenceRuns int        `json:"num_inference_runs"`
	TimeoutSeconds   int        `json:"timeout_seconds"`
	Status           JobStatus  `json:"status"`
	SubmittedAt      time.Time  `json:"submitted_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	RetryCount       int        `json:"retry_count"`
	RetryAfter       *time.Time `json:"retry_after,omitempty"`
}

// ResultStatus values are produced by worker agents; the wire spelling is
// capitalized and is preserved verbatim in reports.
type ResultStatus string

const (
	ResultComplete ResultStatus = "Complete"
	ResultFailed   ResultStatus = "Failed"
)

// BenchmarkMetrics carries the optional timing/memory measurements of one
// run. Pointers distinguish "not measured" from zero; absent values render
// as empty CSV cells. Field tags match the agent wire document.
type BenchmarkMetrics struct {
	LoadMsMin             *float64 `json:"LoadMsMin,omitempty"`
	LoadMsMax             *float64 `json:"LoadMsMax,omitempty"`
	LoadMsMedian          *float64 `json:"LoadMsMedian,omitempty"`
	LoadMsAverage         *float64 `json:"LoadMsAverage,omitempty"`
	LoadMsStdDev          *float64 `json:"LoadMsStdDev,omitempty"`
	LoadMsFirst           *float64 `json:"LoadMsFirst,omitempty"`
	PeakLoadRAMUsage      *float64 `json:"PeakLoadRamUsage,omitempty"`
	InferenceMsMin        *float64 `json:"InferenceMsMin,omitempty"`
	InferenceMsMax        *float64 `json:"InferenceMsMax,omitempty"`
	InferenceMsMedian     *float64 `json:"InferenceMsMedian,omitempty"`
	InferenceMsAverage    *float64 `json:"InferenceMsAverage,omitempty"`
	InferenceMsStdDev     *float64 `json:"InferenceMsStdDev,omitempty"`
	InferenceMsFirst      *float64 `json:"InferenceMsFirst,omitempty"`
	PeakInferenceRAMUsage *float64 `json:"PeakInferenceRamUsage,omitempty"`
}

// Result is the document a worker publishes on the results channel, keyed by
// job. Duplicate deliveries are last-writer-wins; campaign counters stay
// idempotent per terminal status regardless.
type Result struct {
	JobID        string       `json:"job_id"`
	CampaignID   string       `json:"campaign_id,omitempty"`
	WorkerID     string       `json:"worker_id,omitempty"`
	Status       ResultStatus `json:"status"`
	FileName     string       `json:"FileName,omitempty"`
	FileSize     int64        `json:"FileSize,omitempty"`
	ComputeUnits string       `json:"ComputeUnits,omitempty"`
	Remark       string       `json:"remark,omitempty"`
	BenchmarkMetrics
	SavedAt time.Time `json:"saved_at"`
}

// JobStatusFromResult maps a result status onto the job lifecycle. ok is
// false for statuses outside the enum; callers store the result but must not
// advance job state.
func JobStatusFromResult(s ResultStatus) (JobStatus, bool) {
	switch s {
	case ResultComplete:
		return JobComplete, true
	case ResultFailed:
		return JobFailed, true
	}
	return "", false
}

// Repositories (ports, implemented by the state store)

type WorkerRepo interface {
	RegisterWorker(ctx Context, w Worker) (Worker, RegistrationAction, error)
	GetWorker(ctx Context, id string) (Worker, error)
	AllWorkers(ctx Context) ([]Worker, error)
	ActiveWorkers(ctx Context) ([]Worker, error)
	WorkersByCapability(ctx Context, unit string) ([]Worker, error)
	UpdateWorkerStatus(ctx Context, id string, to WorkerStatus, reason TransitionReason) (Worker, error)
}

type CampaignRepo interface {
	CreateCampaign(ctx Context, c Campaign) (Campaign, error)
	GetCampaign(ctx Context, id string) (Campaign, error)
	AllCampaigns(ctx Context) ([]Campaign, error)
	// UpdateCampaignProgress applies counter increments and an optional
	// status change atomically and returns the updated row.
	UpdateCampaignProgress(ctx Context, id string, incrCompleted, incrFailed bool, status CampaignStatus) (Campaign, error)
	AttachResultsFile(ctx Context, id, path string) error
}

type JobRepo interface {
	CreateJob(ctx Context, j Job) (Job, error)
	GetJob(ctx Context, id string) (Job, error)
	// UpdateJobStatus stamps StartedAt (and the worker pin, when given) on
	// the transition to running and CompletedAt on terminal statuses.
	UpdateJobStatus(ctx Context, id string, status JobStatus, workerID string) (Job, error)
	// RequeueJob is the timed_out -> pending retry arc: clears the pin and
	// records when the job becomes eligible again.
	RequeueJob(ctx Context, id string, retryAfter time.Time) (Job, error)
	JobsByCampaign(ctx Context, campaignID string) ([]Job, error)
	JobsByStatus(ctx Context, status JobStatus) ([]Job, error)
	IncrementJobRetry(ctx Context, id string) (int, error)
}

type ResultRepo interface {
	SaveResult(ctx Context, r Result) error
	GetResult(ctx Context, jobID string) (Result, error)
	ResultsByCampaign(ctx Context, campaignID string) ([]Result, error)
	QueryResultsForCSV(ctx Context, campaignID string) ([]ReportRow, error)
}

// ReportRow is one CSV line of a campaign report: the result joined with its
// job and the worker that ran it. String-typed cells are already rendered;
// missing numerics are empty strings.
type ReportRow struct {
	CreatedUTC      time.Time
	Status          string
	UploadID        string
	FileName        string
	FileSize        string
	DeviceName      string
	DeviceYear      string
	Soc             string
	RAM             string
	DiscreteGPU     string
	VRAM            string
	DeviceOS        string
	DeviceOSVersion string
	ComputeUnits    string
	Load            MetricCells
	PeakLoadRAM     string
	Inference       MetricCells
	PeakInferRAM    string
	JobID           string
}

// MetricCells groups the four reported aggregates of one timing series.
type MetricCells struct {
	Median  string
	StdDev  string
	Average string
	First   string
}

// Queues (ports, implemented by the broker client)

type JobQueue interface {
	// PushJob enqueues a bare job id onto the named queue.
	PushJob(ctx Context, queue, jobID string) error
	// PopJob tries each queue in order without blocking; empty jobID means
	// every queue was empty.
	PopJob(ctx Context, queues []string) (queue, jobID string, err error)
	QueueLen(ctx Context, queue string) (int64, error)
}

type ResultQueue interface {
	PushResult(ctx Context, r Result) error
	// PopResult blocks up to timeout; nil result means the channel was idle.
	PopResult(ctx Context, timeout time.Duration) (*Result, error)
}

// Queue naming

const ResultsQueue = "results"

// WorkerQueue is the personal queue of a pinned worker.
func WorkerQueue(workerID string) string { return "jobs:" + workerID }

// CapabilityQueue is the shared pool queue of one normalized compute unit.
func CapabilityQueue(unit string) string {
	return "jobs:capability:" + NormalizeComputeUnit(unit)
}

// PollQueues is the order a worker drains queues in: the personal queue has
// strict priority, then capability pools in declared order.
func PollQueues(workerID string, capabilities []string) []string {
	queues := make([]string, 0, len(capabilities)+1)
	queues = append(queues, WorkerQueue(workerID))
	for _, c := range capabilities {
		queues = append(queues, CapabilityQueue(c))
	}
	return queues
}

// Context aliases context.Context so ports stay free of direct std imports
// in their signatures; adapters pass context.Context through unchanged.
type Context = context.Context
