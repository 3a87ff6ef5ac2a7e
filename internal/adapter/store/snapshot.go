package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/benchfleet/internal/adapter/observability"
	"github.com/fairyhunter13/benchfleet/internal/domain"
)

// snapshotDoc is the on-disk mirror of the store. Worker heartbeats and
// retry history are deliberately absent: both are in-memory-only and are
// reseeded after a restart.
type snapshotDoc struct {
	Workers   map[string]domain.Worker   `json:"workers"`
	Campaigns map[string]domain.Campaign `json:"campaigns"`
	Jobs      map[string]domain.Job      `json:"jobs"`
	Results   map[string]domain.Result   `json:"results"`
	LastSaved time.Time                  `json:"last_saved"`
}

// Load reads the snapshot file into the store. A missing file means first
// boot and a malformed one is logged and skipped, so the orchestrator starts
// empty rather than not at all.
func (s *Store) Load(_ domain.Context) error {
	if s.path == "" {
		return nil
	}
	content, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("no state snapshot found, starting fresh", slog.String("path", s.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=store.load: %w", err)
	}
	var doc snapshotDoc
	if err := json.Unmarshal(content, &doc); err != nil {
		slog.Warn("state snapshot malformed, starting fresh",
			slog.String("path", s.path),
			slog.Any("error", err))
		return nil
	}

	s.mu.Lock()
	if doc.Workers != nil {
		s.workers = doc.Workers
	}
	if doc.Campaigns != nil {
		s.campaigns = doc.Campaigns
	}
	if doc.Jobs != nil {
		s.jobs = doc.Jobs
	}
	if doc.Results != nil {
		s.results = doc.Results
	}
	workers, campaigns, jobs, results := len(s.workers), len(s.campaigns), len(s.jobs), len(s.results)
	s.mu.Unlock()

	slog.Info("state snapshot loaded",
		slog.String("path", s.path),
		slog.Int("workers", workers),
		slog.Int("campaigns", campaigns),
		slog.Int("jobs", jobs),
		slog.Int("results", results),
		slog.Time("last_saved", doc.LastSaved))
	return nil
}

// ForceSave writes a snapshot now. The guard is held only while in-memory
// state is marshalled; file I/O happens outside it, serialized by ioMu so
// concurrent savers never interleave renames.
func (s *Store) ForceSave(ctx domain.Context) error {
	if s.path == "" {
		return nil
	}
	tracer := otel.Tracer("store.snapshot")
	_, span := tracer.Start(ctx, "Store.ForceSave")
	defer span.End()

	start := time.Now()
	s.mu.Lock()
	doc := snapshotDoc{
		Workers:   s.workers,
		Campaigns: s.campaigns,
		Jobs:      s.jobs,
		Results:   s.results,
		LastSaved: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	s.mu.Unlock()
	if err != nil {
		observability.SnapshotWrites.WithLabelValues("error").Inc()
		span.RecordError(err)
		return fmt.Errorf("op=store.force_save: marshal: %w", err)
	}

	s.ioMu.Lock()
	err = writeAtomic(s.path, data)
	s.ioMu.Unlock()
	observability.SnapshotDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.SnapshotWrites.WithLabelValues("error").Inc()
		span.RecordError(err)
		return fmt.Errorf("op=store.force_save: %w", err)
	}
	observability.SnapshotWrites.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int("snapshot.bytes", len(data)))
	return nil
}

// Run snapshots on a ticker until ctx is cancelled, then writes one final
// snapshot so a graceful shutdown never loses state. I/O errors are logged;
// in-memory state stays authoritative until the next successful write.
func (s *Store) Run(ctx context.Context) {
	if s.path == "" {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("snapshot loop stopping")
			if err := s.ForceSave(context.WithoutCancel(ctx)); err != nil {
				slog.Error("final snapshot failed", slog.Any("error", err))
			}
			return
		case <-ticker.C:
			if err := s.ForceSave(ctx); err != nil {
				slog.Error("periodic snapshot failed", slog.Any("error", err))
			}
		}
	}
}

// Reset wipes every entity and snapshots the empty state immediately.
func (s *Store) Reset(ctx domain.Context) error {
	s.mu.Lock()
	s.workers = make(map[string]domain.Worker)
	s.campaigns = make(map[string]domain.Campaign)
	s.jobs = make(map[string]domain.Job)
	s.results = make(map[string]domain.Result)
	s.mu.Unlock()

	slog.Warn("state store reset")
	return s.ForceSave(ctx)
}

// writeAtomic writes data to a temp file in path's directory and renames it
// over path, so readers never observe a torn snapshot.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
