package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/benchfleet/internal/domain"
)

// Agent is one worker process. It registers under a device fingerprint,
// heartbeats on an interval, and drains its personal and capability queues
// for jobs: pop, fetch the row, claim, execute, publish.
type Agent struct {
	cfg     Config
	api     *Client
	jobs    domain.JobQueue
	results domain.ResultQueue
	runner  Runner

	workerID string
	facts    DeviceFacts
	queues   []string
}

// New constructs an Agent. The broker satisfies both queue ports.
func New(cfg Config, api *Client, jobs domain.JobQueue, results domain.ResultQueue, runner Runner) *Agent {
	return &Agent{
		cfg:     cfg,
		api:     api,
		jobs:    jobs,
		results: results,
		runner:  runner,
	}
}

// WorkerID returns the identity the orchestrator assigned at registration.
func (a *Agent) WorkerID() string { return a.workerID }

// Register probes the device, posts the registration document and retries
// with exponential backoff until the orchestrator answers or the attempt
// budget is spent. Rejected documents are not retried.
func (a *Agent) Register(ctx context.Context) error {
	a.facts = ProbeDevice(ctx)
	if a.cfg.Worker.DeviceName != "" {
		a.facts.DeviceName = a.cfg.Worker.DeviceName
	}
	if a.facts.DeviceName == "" {
		a.facts.DeviceName = "unknown-device"
	}
	caps := a.cfg.Worker.Capabilities
	if len(caps) == 0 {
		caps = []string{"CPU"}
	}

	req := RegisterRequest{
		DeviceName:   a.facts.DeviceName,
		IPAddress:    a.facts.IPAddress,
		Capabilities: caps,
		DeviceInfo:   a.facts.DeviceInfoDoc(),
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	attempts := a.cfg.Orchestrator.RetryAttempts
	if attempts < 0 {
		attempts = 0
	}

	attempt := 0
	var resp RegisterResponse
	op := func() error {
		attempt++
		r, err := a.api.Register(ctx, req)
		if err != nil {
			slog.Warn("registration attempt failed",
				slog.Int("attempt", attempt),
				slog.String("orchestrator", a.cfg.Orchestrator.URL),
				slog.Any("error", err))
			if errors.Is(err, domain.ErrInvalidArgument) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("register with orchestrator: %w", err)
	}

	a.workerID = resp.WorkerID
	a.queues = domain.PollQueues(a.workerID, caps)
	slog.Info("registered with orchestrator",
		slog.String("worker_id", a.workerID),
		slog.String("device_name", req.DeviceName),
		slog.Any("capabilities", caps),
		slog.String("action", resp.Action))
	return nil
}

// Run drives the agent until ctx is cancelled: a heartbeat loop next to the
// job poll loop. Register must have succeeded first.
func (a *Agent) Run(ctx context.Context) error {
	if a.workerID == "" {
		return fmt.Errorf("%w: agent is not registered", domain.ErrInvalidArgument)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()

	a.pollLoop(ctx)
	wg.Wait()
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Worker.HeartbeatEvery())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.api.Heartbeat(ctx, a.workerID); err != nil {
				slog.Warn("heartbeat failed",
					slog.String("worker_id", a.workerID),
					slog.Any("error", err))
			}
		}
	}
}

func (a *Agent) pollLoop(ctx context.Context) {
	interval := a.cfg.Worker.PollEvery()
	slog.Info("job loop starting",
		slog.String("worker_id", a.workerID),
		slog.Any("queues", a.queues))

	executed := 0
	for {
		if ctx.Err() != nil {
			slog.Info("job loop stopping", slog.Int("jobs_executed", executed))
			return
		}
		worked, err := a.PollOnce(ctx)
		if err != nil {
			slog.Error("poll failed", slog.Any("error", err))
		}
		if worked {
			executed++
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}
}

// PollOnce drains at most one job: pop, fetch the row, claim, execute,
// publish. It reports whether a job was processed. Jobs whose backoff
// window has not passed go back onto their queue without counting as work.
func (a *Agent) PollOnce(ctx context.Context) (bool, error) {
	queue, jobID, err := a.jobs.PopJob(ctx, a.queues)
	if err != nil || jobID == "" {
		return false, err
	}

	job, err := a.api.JobDetail(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// the row is gone (operator reset); drop the stale id
			slog.Warn("dropping job id with no row", slog.String("job_id", jobID))
			return false, nil
		}
		// orchestrator unreachable: return the id so it is not lost
		a.pushBack(ctx, queue, jobID)
		return false, err
	}

	if job.RetryAfter != nil && time.Now().Before(*job.RetryAfter) {
		a.pushBack(ctx, queue, jobID)
		return false, nil
	}

	if err := a.api.ClaimJob(ctx, jobID, a.workerID); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			slog.Info("job already taken",
				slog.String("job_id", jobID),
				slog.Any("error", err))
			return false, nil
		}
		a.pushBack(ctx, queue, jobID)
		return false, err
	}

	a.execute(ctx, job)
	return true, nil
}

// execute runs the job and publishes its result. Runner failures become a
// Failed result with the error as remark, so the orchestrator settles the
// job either way. Afterwards the agent walks itself busy -> cleanup ->
// active; the claim already marked it busy.
func (a *Agent) execute(ctx context.Context, job domain.Job) {
	slog.Info("executing job",
		slog.String("job_id", job.JobID),
		slog.String("model_url", job.ModelURL),
		slog.String("compute_unit", job.ComputeUnit))

	res, err := a.runner.Run(ctx, job)
	if err != nil {
		slog.Error("job execution failed",
			slog.String("job_id", job.JobID),
			slog.Any("error", err))
		res = domain.Result{
			Status:       domain.ResultFailed,
			ComputeUnits: job.ComputeUnit,
			Remark:       err.Error(),
		}
	}
	if res.JobID == "" {
		res.JobID = job.JobID
	}
	if res.CampaignID == "" {
		res.CampaignID = job.CampaignID
	}
	res.WorkerID = a.workerID

	if err := a.results.PushResult(ctx, res); err != nil {
		slog.Error("could not publish result",
			slog.String("job_id", job.JobID),
			slog.Any("error", err))
	} else {
		slog.Info("result published",
			slog.String("job_id", job.JobID),
			slog.String("status", string(res.Status)))
	}

	for _, status := range []domain.WorkerStatus{domain.WorkerCleanup, domain.WorkerActive} {
		if err := a.api.SetStatus(ctx, a.workerID, status); err != nil {
			slog.Warn("status transition refused",
				slog.String("worker_id", a.workerID),
				slog.String("to", string(status)),
				slog.Any("error", err))
		}
	}
}

func (a *Agent) pushBack(ctx context.Context, queue, jobID string) {
	if err := a.jobs.PushJob(ctx, queue, jobID); err != nil {
		slog.Error("could not return job to queue",
			slog.String("job_id", jobID),
			slog.String("queue", queue),
			slog.Any("error", err))
	}
}
