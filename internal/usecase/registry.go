// Package usecase contains the orchestrator services: registration,
// dispatch, campaign lifecycle, result ingestion, health monitoring, the
// timeout/retry engine and report generation.
package usecase

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/benchfleet/internal/adapter/observability"
	"github.com/fairyhunter13/benchfleet/internal/domain"
)

// RegistrationService owns the worker lifecycle: registration with a
// deterministic fingerprint id, manual status transitions, and operator
// resets of faulty workers.
type RegistrationService struct {
	Workers domain.WorkerRepo
}

// NewRegistrationService constructs a RegistrationService.
func NewRegistrationService(w domain.WorkerRepo) RegistrationService {
	return RegistrationService{Workers: w}
}

// RegisterWorkerInput is the registration request after HTTP binding.
type RegisterWorkerInput struct {
	DeviceName   string
	IPAddress    string
	Capabilities []string
	DeviceInfo   map[string]any
}

// Register derives the worker id from the device identity and upserts the
// worker. Re-registration under the same id updates the row and may bring a
// faulty worker back to active.
func (s RegistrationService) Register(ctx domain.Context, in RegisterWorkerInput) (domain.Worker, domain.RegistrationAction, error) {
	if in.DeviceName == "" || in.IPAddress == "" {
		return domain.Worker{}, "", fmt.Errorf("%w: device_name and ip_address required", domain.ErrInvalidArgument)
	}
	if in.DeviceInfo == nil {
		return domain.Worker{}, "", fmt.Errorf("%w: device_info required", domain.ErrInvalidArgument)
	}

	// capabilities are stored normalized so queue names line up with dispatch
	caps := domain.NormalizeCapabilities(in.Capabilities)

	w := domain.Worker{
		DeviceName:   in.DeviceName,
		IPAddress:    in.IPAddress,
		Capabilities: caps,
		DeviceInfo:   in.DeviceInfo,
		Soc:          infoString(in.DeviceInfo, "Soc"),
		RAMGB:        infoFloat(in.DeviceInfo, "Ram"),
		OS:           infoString(in.DeviceInfo, "DeviceOs"),
		OSVersion:    infoString(in.DeviceInfo, "DeviceOsVersion"),
		UDID:         infoString(in.DeviceInfo, "Udid", "UDID"),
		DeviceYear:   infoString(in.DeviceInfo, "DeviceYear"),
		DiscreteGPU:  infoString(in.DeviceInfo, "DiscreteGpu"),
		VRAM:         infoString(in.DeviceInfo, "VRam", "Vram"),
	}
	w.WorkerID = domain.WorkerFingerprint(domain.FingerprintInfo{
		UDID:       w.UDID,
		DeviceName: w.DeviceName,
		Soc:        w.Soc,
		RAMGB:      w.RAMGB,
		OS:         w.OS,
	})

	registered, action, err := s.Workers.RegisterWorker(ctx, w)
	if err != nil {
		return domain.Worker{}, "", err
	}
	observability.WorkersRegisteredTotal.WithLabelValues(string(action)).Inc()
	slog.Info("worker registered",
		slog.String("worker_id", registered.WorkerID),
		slog.String("device_name", registered.DeviceName),
		slog.String("action", string(action)))
	return registered, action, nil
}

// Worker returns one worker by id.
func (s RegistrationService) Worker(ctx domain.Context, id string) (domain.Worker, error) {
	return s.Workers.GetWorker(ctx, id)
}

// Workers returns every registered worker.
func (s RegistrationService) AllWorkers(ctx domain.Context) ([]domain.Worker, error) {
	return s.Workers.AllWorkers(ctx)
}

// SetStatus applies a manual status change, enforcing the state machine.
// The transition reason is inferred from the endpoints of the move.
func (s RegistrationService) SetStatus(ctx domain.Context, id string, to domain.WorkerStatus) (domain.Worker, error) {
	if !domain.ValidWorkerStatus(to) {
		return domain.Worker{}, fmt.Errorf("%w: invalid status %q", domain.ErrInvalidArgument, to)
	}
	current, err := s.Workers.GetWorker(ctx, id)
	if err != nil {
		return domain.Worker{}, err
	}
	reason := domain.CanonicalReason(current.Status, to)
	w, err := s.Workers.UpdateWorkerStatus(ctx, id, to, reason)
	if err != nil {
		return domain.Worker{}, err
	}
	if to == domain.WorkerFaulty {
		observability.WorkersFaultyTotal.WithLabelValues(string(reason)).Inc()
	}
	return w, nil
}

// ResetWorker recovers a faulty worker back to active on operator request.
// Only faulty workers can be reset.
func (s RegistrationService) ResetWorker(ctx domain.Context, id string) (domain.Worker, error) {
	current, err := s.Workers.GetWorker(ctx, id)
	if err != nil {
		return domain.Worker{}, err
	}
	if current.Status != domain.WorkerFaulty {
		return domain.Worker{}, fmt.Errorf("%w: worker %s is %s, only faulty workers can be reset", domain.ErrInvalidArgument, id, current.Status)
	}
	return s.Workers.UpdateWorkerStatus(ctx, id, domain.WorkerActive, domain.ReasonOperatorReset)
}

func infoString(info map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := info[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
			// Sources report years and versions as numbers too
			switch n := v.(type) {
			case float64:
				return fmt.Sprintf("%g", n)
			case int:
				return fmt.Sprintf("%d", n)
			}
		}
	}
	return ""
}

func infoFloat(info map[string]any, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := info[k]; ok {
			switch n := v.(type) {
			case float64:
				return n
			case int:
				return float64(n)
			}
		}
	}
	return 0
}
