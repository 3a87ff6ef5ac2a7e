package usecase

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/benchfleet/internal/adapter/observability"
	"github.com/fairyhunter13/benchfleet/internal/domain"
)

// TimeoutEngine watches running jobs for exceeded execution budgets. A
// timed-out job faults its worker and either re-enters the pending pool with
// exponential backoff or, once attempts are exhausted, fails for good.
type TimeoutEngine struct {
	Jobs      domain.JobRepo
	Workers   domain.WorkerRepo
	Campaigns domain.CampaignRepo
	Queue     domain.JobQueue
	Retries   *domain.RetryTracker
	Finalize  Finalizer
	// DefaultTimeout applies to running jobs whose row carries no budget.
	DefaultTimeout time.Duration
	Interval       time.Duration
}

// NewTimeoutEngine constructs a TimeoutEngine.
func NewTimeoutEngine(jobs domain.JobRepo, workers domain.WorkerRepo, campaigns domain.CampaignRepo, queue domain.JobQueue, retries *domain.RetryTracker, finalize Finalizer, defaultTimeout, interval time.Duration) *TimeoutEngine {
	if defaultTimeout <= 0 {
		defaultTimeout = time.Hour
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &TimeoutEngine{
		Jobs:           jobs,
		Workers:        workers,
		Campaigns:      campaigns,
		Queue:          queue,
		Retries:        retries,
		Finalize:       finalize,
		DefaultTimeout: defaultTimeout,
		Interval:       interval,
	}
}

// Run sweeps running jobs until the context is cancelled.
func (e *TimeoutEngine) Run(ctx context.Context) {
	slog.Info("timeout engine starting",
		slog.Duration("default_timeout", e.DefaultTimeout),
		slog.Duration("check_interval", e.Interval))

	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("timeout engine stopping")
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

func (e *TimeoutEngine) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.timeout")
	ctx, span := tracer.Start(ctx, "TimeoutEngine.sweepOnce")
	defer span.End()

	running, err := e.Jobs.JobsByStatus(ctx, domain.JobRunning)
	if err != nil {
		span.RecordError(err)
		slog.Error("timeout sweep failed to list running jobs", slog.Any("error", err))
		return
	}

	now := time.Now()
	timedOut := 0
	for _, j := range running {
		if j.StartedAt == nil {
			continue
		}
		budget := time.Duration(j.TimeoutSeconds) * time.Second
		if budget <= 0 {
			budget = e.DefaultTimeout
		}
		elapsed := now.Sub(*j.StartedAt)
		if elapsed <= budget {
			continue
		}
		slog.Warn("job timed out",
			slog.String("job_id", j.JobID),
			slog.Duration("elapsed", elapsed),
			slog.Duration("budget", budget))
		e.handleTimeout(ctx, j)
		timedOut++
	}
	span.SetAttributes(
		attribute.Int("jobs.running", len(running)),
		attribute.Int("jobs.timed_out", timedOut),
	)
}

// handleTimeout drives one job through the timeout arc. Each step is logged
// and the arc keeps going on partial failures so a broken worker row cannot
// stall the retry.
func (e *TimeoutEngine) handleTimeout(ctx context.Context, j domain.Job) {
	if _, err := e.Jobs.UpdateJobStatus(ctx, j.JobID, domain.JobTimedOut, ""); err != nil {
		slog.Error("failed to mark job timed_out",
			slog.String("job_id", j.JobID), slog.Any("error", err))
		return
	}
	observability.JobsTimedOutTotal.Inc()

	if j.WorkerID != "" {
		if _, err := e.Workers.UpdateWorkerStatus(ctx, j.WorkerID, domain.WorkerFaulty, domain.ReasonJobTimeout); err != nil {
			slog.Warn("could not fault worker after job timeout",
				slog.String("worker_id", j.WorkerID),
				slog.String("job_id", j.JobID),
				slog.Any("error", err))
		} else {
			observability.WorkersFaultyTotal.WithLabelValues(string(domain.ReasonJobTimeout)).Inc()
		}
	}

	if e.Retries.ShouldRetry(j.JobID) {
		e.requeue(ctx, j)
		return
	}
	e.fail(ctx, j)
}

// requeue re-enters the job into the pending pool: pin cleared, backoff
// recorded on the row, and the id pushed to the capability queue right away.
// Workers check retry_after when they pop, so the push need not wait.
func (e *TimeoutEngine) requeue(ctx context.Context, j domain.Job) {
	rec, delay := e.Retries.RecordRetry(j.JobID, domain.RetryJobTimeout)
	if _, err := e.Jobs.IncrementJobRetry(ctx, j.JobID); err != nil {
		slog.Error("failed to increment retry count",
			slog.String("job_id", j.JobID), slog.Any("error", err))
	}
	retryAfter := time.Now().Add(delay)
	if _, err := e.Jobs.RequeueJob(ctx, j.JobID, retryAfter); err != nil {
		slog.Error("failed to requeue job",
			slog.String("job_id", j.JobID), slog.Any("error", err))
		return
	}

	if j.ComputeUnit == "" {
		slog.Warn("timed-out job has no compute unit; row pending but not queued",
			slog.String("job_id", j.JobID))
		return
	}
	queue := domain.CapabilityQueue(j.ComputeUnit)
	if err := e.Queue.PushJob(ctx, queue, j.JobID); err != nil {
		slog.Error("failed to push retried job",
			slog.String("job_id", j.JobID),
			slog.String("queue", queue),
			slog.Any("error", err))
		return
	}
	observability.JobRetriesTotal.Inc()
	slog.Info("job requeued with backoff",
		slog.String("job_id", j.JobID),
		slog.Int("attempt", rec.Attempt),
		slog.Duration("delay", delay),
		slog.String("queue", queue))
}

func (e *TimeoutEngine) fail(ctx context.Context, j domain.Job) {
	if _, err := e.Jobs.UpdateJobStatus(ctx, j.JobID, domain.JobFailed, ""); err != nil {
		slog.Error("failed to fail exhausted job",
			slog.String("job_id", j.JobID), slog.Any("error", err))
		return
	}
	slog.Error("job failed after exhausting retries",
		slog.String("job_id", j.JobID),
		slog.Int("attempts", e.Retries.AttemptCount(j.JobID)))

	if j.CampaignID == "" {
		return
	}
	if _, err := e.Campaigns.UpdateCampaignProgress(ctx, j.CampaignID, false, true, ""); err != nil {
		slog.Error("failed to count failed job on campaign",
			slog.String("campaign_id", j.CampaignID), slog.Any("error", err))
		return
	}
	if _, err := e.Finalize.FinalizeIfDone(ctx, j.CampaignID); err != nil {
		slog.Error("failed to finalize campaign after timeout failure",
			slog.String("campaign_id", j.CampaignID), slog.Any("error", err))
	}
}

// TimeoutStats is the monitoring snapshot of the engine.
type TimeoutStats struct {
	TotalJobs      int     `json:"total_jobs"`
	TimedOutJobs   int     `json:"timed_out_jobs"`
	FailedJobs     int     `json:"failed_jobs"`
	DefaultTimeout float64 `json:"default_timeout"`
}

// Stats counts jobs currently parked in timed_out and failed.
func (e *TimeoutEngine) Stats(ctx context.Context) (TimeoutStats, error) {
	stats := TimeoutStats{DefaultTimeout: e.DefaultTimeout.Seconds()}
	for _, status := range []domain.JobStatus{
		domain.JobPending, domain.JobRunning, domain.JobComplete,
		domain.JobFailed, domain.JobTimedOut, domain.JobCancelled,
	} {
		jobs, err := e.Jobs.JobsByStatus(ctx, status)
		if err != nil {
			return TimeoutStats{}, err
		}
		stats.TotalJobs += len(jobs)
		switch status {
		case domain.JobTimedOut:
			stats.TimedOutJobs = len(jobs)
		case domain.JobFailed:
			stats.FailedJobs = len(jobs)
		}
	}
	return stats, nil
}
