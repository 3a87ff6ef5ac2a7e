package usecase

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/benchfleet/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/benchfleet/internal/adapter/store"
	"github.com/fairyhunter13/benchfleet/internal/domain"
)

type timeoutFixture struct {
	store  *store.Store
	broker *redisq.Broker
	engine *TimeoutEngine
}

// newTimeoutFixture builds an engine whose default budget is one nanosecond,
// so any job claimed during the test is already over budget.
func newTimeoutFixture(t *testing.T) timeoutFixture {
	t.Helper()
	st := store.New(t.TempDir()+"/state.json", time.Hour)
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := redisq.NewWithClient(rdb)
	t.Cleanup(func() {
		_ = broker.Close()
		mr.Close()
	})

	reports := NewReportService(st, st, filepath.Join(t.TempDir(), "outputs"))
	finalize := NewFinalizer(st, reports, st)
	tracker := domain.NewRetryTracker(domain.DefaultRetryPolicy())
	engine := NewTimeoutEngine(st, st, st, broker, tracker, finalize, time.Nanosecond, 5*time.Second)
	return timeoutFixture{store: st, broker: broker, engine: engine}
}

func (f timeoutFixture) seedRunningJob(t *testing.T, jobID, campaignID, workerID string) domain.Job {
	t.Helper()
	ctx := context.Background()
	if campaignID != "" {
		if _, err := f.store.GetCampaign(ctx, campaignID); err != nil {
			_, err = f.store.CreateCampaign(ctx, domain.Campaign{CampaignID: campaignID, ModelURL: "u", TotalJobs: 1})
			require.NoError(t, err)
		}
	}
	_, err := f.store.CreateJob(ctx, domain.Job{
		JobID:       jobID,
		CampaignID:  campaignID,
		ModelURL:    "u",
		ComputeUnit: "CPU (ONNX)",
	})
	require.NoError(t, err)
	j, err := f.store.UpdateJobStatus(ctx, jobID, domain.JobRunning, workerID)
	require.NoError(t, err)
	require.NotNil(t, j.StartedAt)
	return j
}

func TestSweepOnce_TimedOutJobRetriesWithBackoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newTimeoutFixture(t)

	w := seedWorker(t, f.store, "to-1", domain.WorkerActive)
	_, err := f.store.UpdateWorkerStatus(ctx, w.WorkerID, domain.WorkerBusy, domain.ReasonJobStarted)
	require.NoError(t, err)

	f.seedRunningJob(t, "c1-job-0", "c1", w.WorkerID)
	f.engine.sweepOnce(ctx)

	// job re-entered the pending pool with the pin cleared and a backoff window
	j, err := f.store.GetJob(ctx, "c1-job-0")
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, j.Status)
	assert.Empty(t, j.WorkerID)
	assert.Equal(t, 1, j.RetryCount)
	require.NotNil(t, j.RetryAfter)
	assert.True(t, j.RetryAfter.After(time.Now().Add(-time.Second)))

	// the worker was faulted
	worker, err := f.store.GetWorker(ctx, w.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerFaulty, worker.Status)

	// the id is back on the capability pool
	n, err := f.broker.QueueLen(ctx, "jobs:capability:cpu_onnx")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// history carries the attempt
	hist := f.engine.Retries.History("c1-job-0")
	require.Len(t, hist, 1)
	assert.Equal(t, domain.RetryJobTimeout, hist[0].Reason)
	assert.Equal(t, 1, hist[0].Attempt)
}

func TestSweepOnce_ExhaustedJobFailsCampaign(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newTimeoutFixture(t)

	f.seedRunningJob(t, "c2-job-0", "c2", "")

	// burn the attempt budget: MaxAttempts=3 means two requeues, then failure
	for i := 0; i < 3; i++ {
		f.engine.sweepOnce(ctx)
		j, err := f.store.GetJob(ctx, "c2-job-0")
		require.NoError(t, err)
		if j.Status == domain.JobFailed {
			break
		}
		require.Equal(t, domain.JobPending, j.Status)
		_, err = f.store.UpdateJobStatus(ctx, "c2-job-0", domain.JobRunning, "")
		require.NoError(t, err)
	}

	j, err := f.store.GetJob(ctx, "c2-job-0")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, j.Status)

	// the campaign counted the failure and finalized
	c, err := f.store.GetCampaign(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, 1, c.FailedJobs)
	assert.Equal(t, domain.CampaignCompleted, c.Status)
}

func TestSweepOnce_IgnoresJobsWithinBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.New(t.TempDir()+"/state.json", time.Hour)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := redisq.NewWithClient(rdb)
	t.Cleanup(func() {
		_ = broker.Close()
		mr.Close()
	})

	reports := NewReportService(st, st, filepath.Join(t.TempDir(), "outputs"))
	finalize := NewFinalizer(st, reports, st)
	tracker := domain.NewRetryTracker(domain.DefaultRetryPolicy())
	engine := NewTimeoutEngine(st, st, st, broker, tracker, finalize, time.Hour, 5*time.Second)

	_, err = st.CreateJob(ctx, domain.Job{JobID: "fresh", ComputeUnit: "cpu"})
	require.NoError(t, err)
	_, err = st.UpdateJobStatus(ctx, "fresh", domain.JobRunning, "")
	require.NoError(t, err)

	engine.sweepOnce(ctx)

	j, err := st.GetJob(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, j.Status)
}

func TestTimeoutStats_CountsParkedJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newTimeoutFixture(t)

	_, err := f.store.CreateJob(ctx, domain.Job{JobID: "s-1", ComputeUnit: "cpu"})
	require.NoError(t, err)
	_, err = f.store.CreateJob(ctx, domain.Job{JobID: "s-2", ComputeUnit: "cpu"})
	require.NoError(t, err)
	_, err = f.store.UpdateJobStatus(ctx, "s-2", domain.JobFailed, "")
	require.NoError(t, err)
	_, err = f.store.CreateJob(ctx, domain.Job{JobID: "s-3", ComputeUnit: "cpu"})
	require.NoError(t, err)
	_, err = f.store.UpdateJobStatus(ctx, "s-3", domain.JobTimedOut, "")
	require.NoError(t, err)

	stats, err := f.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalJobs)
	assert.Equal(t, 1, stats.TimedOutJobs)
	assert.Equal(t, 1, stats.FailedJobs)
	assert.InDelta(t, 0.0, stats.DefaultTimeout, 0.001)
}
