package domain

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryReason labels why a job was requeued.
type RetryReason string

const (
	RetryJobTimeout     RetryReason = "job_timeout"
	RetryWorkerFaulty   RetryReason = "worker_faulty"
	RetryExecutionError RetryReason = "execution_error"
	RetryTransientError RetryReason = "transient_error"
	RetryManual         RetryReason = "manual_retry"
)

// RetryPolicy governs requeueing of timed-out jobs.
type RetryPolicy struct {
	// MaxAttempts counts total executions; the initial run is attempt 1.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryPolicy returns the stock backoff: three attempts total,
// 1s -> 2s delays capped at five minutes, jitter on.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// ShouldRetry reports whether another execution is allowed after attempt
// runs so far (1-indexed).
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Delay returns the backoff before retry k (0-indexed):
// min(initial * multiplier^k, max), plus a uniform jitter of up to 25%
// when enabled.
func (p RetryPolicy) Delay(k int) time.Duration {
	if k < 0 {
		k = 0
	}
	f := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(k))
	if f > float64(p.MaxDelay) || math.IsInf(f, 1) {
		f = float64(p.MaxDelay)
	}
	d := time.Duration(f)
	if p.Jitter {
		d += time.Duration(rand.Float64() * 0.25 * float64(d))
	}
	return d
}

// RetryRecord is one entry of a job's retry history. Attempt is the number
// of executions that had happened when the retry was scheduled, so the
// first requeue of a job is recorded with Attempt == 1.
type RetryRecord struct {
	Timestamp time.Time   `json:"timestamp"`
	Reason    RetryReason `json:"reason"`
	Attempt   int         `json:"attempt"`
}

// RetryTracker keeps per-job retry history in memory. Like worker
// heartbeats it is deliberately not snapshotted; a restart grants every
// job a fresh attempt budget.
type RetryTracker struct {
	mu      sync.Mutex
	policy  RetryPolicy
	history map[string][]RetryRecord
}

func NewRetryTracker(policy RetryPolicy) *RetryTracker {
	return &RetryTracker{
		policy:  policy,
		history: make(map[string][]RetryRecord),
	}
}

// Policy returns the tracker's backoff policy.
func (t *RetryTracker) Policy() RetryPolicy { return t.policy }

// ShouldRetry reports whether the job may execute again.
func (t *RetryTracker) ShouldRetry(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy.ShouldRetry(len(t.history[jobID]) + 1)
}

// RecordRetry appends a history entry for the upcoming requeue and returns
// it with the backoff delay to apply. The first retry of a job waits
// Delay(0), the second Delay(1), and so on.
func (t *RetryTracker) RecordRetry(jobID string, reason RetryReason) (RetryRecord, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	attempt := len(t.history[jobID]) + 1
	delay := t.policy.Delay(attempt - 1)
	rec := RetryRecord{Timestamp: time.Now().UTC(), Reason: reason, Attempt: attempt}
	t.history[jobID] = append(t.history[jobID], rec)
	return rec, delay
}

// History returns a copy of the job's retry records, oldest first.
func (t *RetryTracker) History(jobID string) []RetryRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	recs := t.history[jobID]
	out := make([]RetryRecord, len(recs))
	copy(out, recs)
	return out
}

// AttemptCount returns executions so far including the initial one.
func (t *RetryTracker) AttemptCount(jobID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.history[jobID]) + 1
}

// Reset drops all history.
func (t *RetryTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = make(map[string][]RetryRecord)
}

// RetryStats is the monitoring snapshot of the tracker.
type RetryStats struct {
	TotalJobsTracked int              `json:"total_jobs_tracked"`
	TotalRetries     int              `json:"total_retries"`
	Policy           RetryPolicyStats `json:"policy"`
}

// RetryPolicyStats echoes the policy with delays in seconds.
type RetryPolicyStats struct {
	MaxAttempts       int     `json:"max_attempts"`
	InitialDelay      float64 `json:"initial_delay"`
	MaxDelay          float64 `json:"max_delay"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	JitterEnabled     bool    `json:"jitter_enabled"`
}

func (t *RetryTracker) Stats() RetryStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, recs := range t.history {
		total += len(recs)
	}
	return RetryStats{
		TotalJobsTracked: len(t.history),
		TotalRetries:     total,
		Policy: RetryPolicyStats{
			MaxAttempts:       t.policy.MaxAttempts,
			InitialDelay:      t.policy.InitialDelay.Seconds(),
			MaxDelay:          t.policy.MaxDelay.Seconds(),
			BackoffMultiplier: t.policy.Multiplier,
			JitterEnabled:     t.policy.Jitter,
		},
	}
}
