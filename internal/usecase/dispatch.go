package usecase

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/benchfleet/internal/adapter/observability"
	"github.com/fairyhunter13/benchfleet/internal/domain"
)

// Dispatcher routes jobs onto broker queues. Routing is hybrid: a worker pin
// wins and targets the personal queue; otherwise the compute unit selects a
// shared capability pool; a job with neither cannot be routed.
type Dispatcher struct {
	Workers domain.WorkerRepo
	Queue   domain.JobQueue
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(w domain.WorkerRepo, q domain.JobQueue) Dispatcher {
	return Dispatcher{Workers: w, Queue: q}
}

// QueueFor names the queue a job routes to without touching the broker.
func (d Dispatcher) QueueFor(job domain.Job) (string, error) {
	switch {
	case job.WorkerID != "":
		return domain.WorkerQueue(job.WorkerID), nil
	case job.ComputeUnit != "":
		return domain.CapabilityQueue(job.ComputeUnit), nil
	default:
		return "", fmt.Errorf("%w: job %s has neither worker_id nor compute_unit", domain.ErrNoRoute, job.JobID)
	}
}

// Dispatch pushes the job id onto its queue and returns the queue name.
func (d Dispatcher) Dispatch(ctx domain.Context, job domain.Job) (string, error) {
	queue, err := d.QueueFor(job)
	if err != nil {
		observability.DispatchErrorsTotal.Inc()
		return "", err
	}
	if err := d.Queue.PushJob(ctx, queue, job.JobID); err != nil {
		observability.DispatchErrorsTotal.Inc()
		return "", err
	}
	queueType := "capability"
	if job.WorkerID != "" {
		queueType = "worker"
	}
	observability.JobsDispatchedTotal.WithLabelValues(queueType).Inc()
	slog.Info("job dispatched",
		slog.String("job_id", job.JobID),
		slog.String("queue", queue))
	return queue, nil
}

// WorkerQueueInfo is one personal-queue entry of the queue status response.
type WorkerQueueInfo struct {
	DeviceName string `json:"device_name"`
	QueueSize  int64  `json:"queue_size"`
}

// QueueStatusSnapshot is the /api/queue/status response body.
type QueueStatusSnapshot struct {
	WorkerQueues     map[string]WorkerQueueInfo `json:"worker_queues"`
	CapabilityQueues map[string]int64           `json:"capability_queues"`
	ResultsQueueSize int64                      `json:"results_queue_size"`
}

// QueueStatus measures every personal queue, every capability pool declared
// by a registered worker, and the results channel.
func (d Dispatcher) QueueStatus(ctx domain.Context) (QueueStatusSnapshot, error) {
	workers, err := d.Workers.AllWorkers(ctx)
	if err != nil {
		return QueueStatusSnapshot{}, err
	}

	snap := QueueStatusSnapshot{
		WorkerQueues:     make(map[string]WorkerQueueInfo, len(workers)),
		CapabilityQueues: map[string]int64{},
	}

	units := map[string]struct{}{}
	for _, w := range workers {
		size, err := d.Queue.QueueLen(ctx, domain.WorkerQueue(w.WorkerID))
		if err != nil {
			return QueueStatusSnapshot{}, err
		}
		snap.WorkerQueues[w.WorkerID] = WorkerQueueInfo{DeviceName: w.DeviceName, QueueSize: size}
		for _, c := range w.Capabilities {
			units[domain.NormalizeComputeUnit(c)] = struct{}{}
		}
	}

	for unit := range units {
		size, err := d.Queue.QueueLen(ctx, domain.CapabilityQueue(unit))
		if err != nil {
			return QueueStatusSnapshot{}, err
		}
		snap.CapabilityQueues[unit] = size
	}

	resultsLen, err := d.Queue.QueueLen(ctx, domain.ResultsQueue)
	if err != nil {
		return QueueStatusSnapshot{}, err
	}
	snap.ResultsQueueSize = resultsLen
	return snap, nil
}
