package usecase_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/benchfleet/internal/domain"
	"github.com/fairyhunter13/benchfleet/internal/usecase"
)

func TestRegister_CreatesWorkerWithExtractedFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := usecase.NewRegistrationService(newTestStore(t))

	w, action, err := svc.Register(ctx, usecase.RegisterWorkerInput{
		DeviceName:   "mac-studio",
		IPAddress:    "10.0.0.5",
		Capabilities: []string{"CPU (ONNX)", "GPU"},
		DeviceInfo: map[string]any{
			"Soc":             "M3 Max",
			"Ram":             64.0,
			"DeviceOs":        "macOS",
			"DeviceOsVersion": "15.1",
			"Udid":            "U-1",
			"DeviceYear":      "2024",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RegistrationCreated, action)
	assert.NotEmpty(t, w.WorkerID)
	assert.Equal(t, "M3 Max", w.Soc)
	assert.Equal(t, 64.0, w.RAMGB)
	assert.Equal(t, "macOS", w.OS)
	assert.Equal(t, "15.1", w.OSVersion)
	assert.Equal(t, "U-1", w.UDID)
	assert.Equal(t, "2024", w.DeviceYear)
	assert.Equal(t, domain.WorkerActive, w.Status)
	// capabilities are stored normalized so queue names line up
	assert.Equal(t, []string{"cpu_onnx", "gpu"}, w.Capabilities)
}

func TestRegister_SameUDIDIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	svc := usecase.NewRegistrationService(st)

	in := usecase.RegisterWorkerInput{
		DeviceName:   "mac-studio",
		IPAddress:    "10.0.0.5",
		Capabilities: []string{"CPU"},
		DeviceInfo:   map[string]any{"Udid": "U-1"},
	}
	first, action, err := svc.Register(ctx, in)
	require.NoError(t, err)
	require.Equal(t, domain.RegistrationCreated, action)

	// same UDID, different name: same id, row updated, no duplicate
	in.DeviceName = "mac-studio-renamed"
	second, action, err := svc.Register(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, domain.RegistrationUpdated, action)
	assert.Equal(t, first.WorkerID, second.WorkerID)
	assert.Equal(t, "mac-studio-renamed", second.DeviceName)

	all, err := svc.AllWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRegister_RecoversFaultyWorker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	svc := usecase.NewRegistrationService(st)

	in := usecase.RegisterWorkerInput{
		DeviceName:   "mini",
		IPAddress:    "10.0.0.7",
		Capabilities: []string{"CPU"},
		DeviceInfo:   map[string]any{"Udid": "U-2"},
	}
	w, _, err := svc.Register(ctx, in)
	require.NoError(t, err)

	_, err = st.UpdateWorkerStatus(ctx, w.WorkerID, domain.WorkerFaulty, domain.ReasonHeartbeatTimeout)
	require.NoError(t, err)

	recovered, action, err := svc.Register(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, domain.RegistrationRecovered, action)
	assert.Equal(t, domain.WorkerActive, recovered.Status)
}

func TestRegister_MissingFields(t *testing.T) {
	t.Parallel()
	svc := usecase.NewRegistrationService(newTestStore(t))

	_, _, err := svc.Register(context.Background(), usecase.RegisterWorkerInput{IPAddress: "10.0.0.1", DeviceInfo: map[string]any{}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, _, err = svc.Register(context.Background(), usecase.RegisterWorkerInput{DeviceName: "x", IPAddress: "10.0.0.1"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSetStatus_EnforcesStateMachine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	svc := usecase.NewRegistrationService(st)

	w, _, err := st.RegisterWorker(ctx, testWorker("U-3", "CPU"))
	require.NoError(t, err)

	busy, err := svc.SetStatus(ctx, w.WorkerID, domain.WorkerBusy)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerBusy, busy.Status)

	// busy -> active skips cleanup and must be refused
	_, err = svc.SetStatus(ctx, w.WorkerID, domain.WorkerActive)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = svc.SetStatus(ctx, w.WorkerID, domain.WorkerStatus("bogus"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.SetStatus(ctx, "worker-missing", domain.WorkerBusy)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResetWorker_OnlyFromFaulty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)
	svc := usecase.NewRegistrationService(st)

	w, _, err := st.RegisterWorker(ctx, testWorker("U-4", "CPU"))
	require.NoError(t, err)

	_, err = svc.ResetWorker(ctx, w.WorkerID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.False(t, errors.Is(err, domain.ErrNotFound))

	_, err = st.UpdateWorkerStatus(ctx, w.WorkerID, domain.WorkerFaulty, domain.ReasonJobTimeout)
	require.NoError(t, err)

	reset, err := svc.ResetWorker(ctx, w.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerActive, reset.Status)

	_, err = svc.ResetWorker(ctx, "worker-missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
