package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/benchfleet/internal/adapter/observability"
	"github.com/fairyhunter13/benchfleet/internal/domain"
)

// HealthMonitor tracks worker liveness through heartbeats. Timestamps live
// in memory only: after a restart every worker is reseeded on first sight
// and gets a fresh timeout window instead of being faulted on stale data.
type HealthMonitor struct {
	Workers domain.WorkerRepo
	// Timeout is how long a worker may stay silent before it is faulted.
	Timeout  time.Duration
	Interval time.Duration

	mu         sync.Mutex
	heartbeats map[string]time.Time
	running    bool
}

// NewHealthMonitor constructs a HealthMonitor.
func NewHealthMonitor(w domain.WorkerRepo, timeout, interval time.Duration) *HealthMonitor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthMonitor{
		Workers:    w,
		Timeout:    timeout,
		Interval:   interval,
		heartbeats: make(map[string]time.Time),
	}
}

// Run sweeps heartbeats until the context is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) {
	m.setRunning(true)
	defer m.setRunning(false)
	slog.Info("health monitor starting",
		slog.Duration("heartbeat_timeout", m.Timeout),
		slog.Duration("check_interval", m.Interval))

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("health monitor stopping")
			return
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

func (m *HealthMonitor) checkOnce(ctx context.Context) {
	tracer := otel.Tracer("health.monitor")
	ctx, span := tracer.Start(ctx, "HealthMonitor.checkOnce")
	defer span.End()

	workers, err := m.Workers.AllWorkers(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("health sweep failed to list workers", slog.Any("error", err))
		return
	}

	now := time.Now()
	faulted := 0
	for _, w := range workers {
		if w.Status == domain.WorkerFaulty {
			continue
		}
		last, seen := m.lastHeartbeat(w.WorkerID)
		if !seen {
			// first sight: seed the window instead of judging silence
			m.seedHeartbeat(w.WorkerID, now)
			continue
		}
		silence := now.Sub(last)
		if silence <= m.Timeout {
			continue
		}
		slog.Warn("worker heartbeat timeout",
			slog.String("worker_id", w.WorkerID),
			slog.Duration("silence", silence),
			slog.Duration("heartbeat_timeout", m.Timeout))
		if _, err := m.Workers.UpdateWorkerStatus(ctx, w.WorkerID, domain.WorkerFaulty, domain.ReasonHeartbeatTimeout); err != nil {
			slog.Error("failed to fault worker",
				slog.String("worker_id", w.WorkerID), slog.Any("error", err))
			continue
		}
		observability.WorkersFaultyTotal.WithLabelValues(string(domain.ReasonHeartbeatTimeout)).Inc()
		faulted++
	}
	span.SetAttributes(
		attribute.Int("workers.checked", len(workers)),
		attribute.Int("workers.faulted", faulted),
	)
}

// HeartbeatAction says what a heartbeat did beyond refreshing the window.
type HeartbeatAction string

const (
	HeartbeatRecorded  HeartbeatAction = "recorded"
	HeartbeatRecovered HeartbeatAction = "recovered"
)

// HeartbeatAck is the heartbeat endpoint response.
type HeartbeatAck struct {
	WorkerID       string          `json:"worker_id"`
	Status         string          `json:"status"`
	PreviousStatus string          `json:"previous_status"`
	Action         HeartbeatAction `json:"action"`
}

// RecordHeartbeat refreshes the worker's liveness window. A heartbeat from a
// faulty worker recovers it to active.
func (m *HealthMonitor) RecordHeartbeat(ctx context.Context, workerID string) (HeartbeatAck, error) {
	w, err := m.Workers.GetWorker(ctx, workerID)
	if err != nil {
		return HeartbeatAck{}, err
	}

	m.seedHeartbeat(workerID, time.Now())
	observability.HeartbeatsTotal.Inc()

	ack := HeartbeatAck{
		WorkerID:       workerID,
		Status:         string(w.Status),
		PreviousStatus: string(w.Status),
		Action:         HeartbeatRecorded,
	}
	if w.Status == domain.WorkerFaulty {
		recovered, err := m.Workers.UpdateWorkerStatus(ctx, workerID, domain.WorkerActive, domain.ReasonRecovered)
		if err != nil {
			return HeartbeatAck{}, err
		}
		slog.Info("worker recovered by heartbeat", slog.String("worker_id", workerID))
		ack.Status = string(recovered.Status)
		ack.Action = HeartbeatRecovered
	}
	return ack, nil
}

// WorkerHealth is the per-worker liveness snapshot.
type WorkerHealth struct {
	WorkerID           string     `json:"worker_id"`
	Status             string     `json:"status"`
	IsHealthy          bool       `json:"is_healthy"`
	LastHeartbeat      *time.Time `json:"last_heartbeat"`
	TimeSinceHeartbeat *float64   `json:"time_since_heartbeat"`
	HeartbeatTimeout   float64    `json:"heartbeat_timeout"`
}

// Health reports liveness for one worker. A worker never seen by the
// monitor counts healthy: silence starts at first sight.
func (m *HealthMonitor) Health(ctx context.Context, workerID string) (WorkerHealth, error) {
	w, err := m.Workers.GetWorker(ctx, workerID)
	if err != nil {
		return WorkerHealth{}, err
	}

	h := WorkerHealth{
		WorkerID:         workerID,
		Status:           string(w.Status),
		IsHealthy:        true,
		HeartbeatTimeout: m.Timeout.Seconds(),
	}
	if last, seen := m.lastHeartbeat(workerID); seen {
		silence := time.Since(last).Seconds()
		lastUTC := last.UTC()
		h.LastHeartbeat = &lastUTC
		h.TimeSinceHeartbeat = &silence
		h.IsHealthy = silence < m.Timeout.Seconds()
	}
	return h, nil
}

// FleetHealth reports liveness for every registered worker.
func (m *HealthMonitor) FleetHealth(ctx context.Context) ([]WorkerHealth, error) {
	workers, err := m.Workers.AllWorkers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]WorkerHealth, 0, len(workers))
	for _, w := range workers {
		h, err := m.Health(ctx, w.WorkerID)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// MonitorStatus echoes the monitor configuration and run state.
type MonitorStatus struct {
	Running          bool    `json:"running"`
	HeartbeatTimeout float64 `json:"heartbeat_timeout"`
	CheckInterval    float64 `json:"check_interval"`
}

// Status reports whether the sweep loop runs and its parameters.
func (m *HealthMonitor) Status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorStatus{
		Running:          m.running,
		HeartbeatTimeout: m.Timeout.Seconds(),
		CheckInterval:    m.Interval.Seconds(),
	}
}

// Reset drops all heartbeat state. Used by the operator reset endpoint.
func (m *HealthMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats = make(map[string]time.Time)
}

func (m *HealthMonitor) lastHeartbeat(workerID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.heartbeats[workerID]
	return t, ok
}

func (m *HealthMonitor) seedHeartbeat(workerID string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats[workerID] = t
}

func (m *HealthMonitor) setRunning(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = v
}
