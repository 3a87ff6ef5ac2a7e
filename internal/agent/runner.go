package agent

import (
	"context"
	"math"
	"math/rand"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/benchfleet/internal/domain"
)

// Runner executes one benchmark job and reports its result document. The
// real model executor lives outside this repo; SimulatedRunner stands in
// for it so the fleet plumbing can run end to end without model files.
type Runner interface {
	Run(ctx context.Context, job domain.Job) (domain.Result, error)
}

// SimulatedRunner fabricates a benchmark run: one model load plus
// job.NumInferenceRuns inference samples drawn around a base latency. The
// aggregates are computed from the drawn samples the same way a real run
// computes them from measurements.
type SimulatedRunner struct {
	// BaseLoadMs and BaseInferenceMs anchor the synthetic distributions;
	// samples jitter within +-15% of the base.
	BaseLoadMs      float64
	BaseInferenceMs float64
	// StepDelay stretches each simulated step in real time; zero keeps
	// tests instant.
	StepDelay time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedRunner returns a runner with laptop-ish latency anchors.
func NewSimulatedRunner() *SimulatedRunner {
	return &SimulatedRunner{
		BaseLoadMs:      120,
		BaseInferenceMs: 24,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // Synthetic metrics need no crypto randomness.
	}
}

// Run simulates the load and inference phases and returns a Complete result.
func (r *SimulatedRunner) Run(ctx context.Context, job domain.Job) (domain.Result, error) {
	runs := job.NumInferenceRuns
	if runs <= 0 {
		runs = 10
	}

	if err := r.pause(ctx); err != nil {
		return domain.Result{}, err
	}
	loadMs := r.sample(r.BaseLoadMs)

	samples := make([]float64, 0, runs)
	for i := 0; i < runs; i++ {
		if err := r.pause(ctx); err != nil {
			return domain.Result{}, err
		}
		samples = append(samples, r.sample(r.BaseInferenceMs))
	}

	load := summarize([]float64{loadMs})
	infer := summarize(samples)
	peakLoadMB := r.sample(256)
	peakInferMB := r.sample(512)

	return domain.Result{
		JobID:        job.JobID,
		CampaignID:   job.CampaignID,
		WorkerID:     job.WorkerID,
		Status:       domain.ResultComplete,
		FileName:     modelFileName(job.ModelURL),
		FileSize:     int64(r.sample(32 << 20)),
		ComputeUnits: job.ComputeUnit,
		BenchmarkMetrics: domain.BenchmarkMetrics{
			LoadMsMin:             f64p(load.Min),
			LoadMsMax:             f64p(load.Max),
			LoadMsMedian:          f64p(load.Median),
			LoadMsAverage:         f64p(load.Average),
			LoadMsStdDev:          f64p(load.StdDev),
			LoadMsFirst:           f64p(load.First),
			PeakLoadRAMUsage:      f64p(peakLoadMB),
			InferenceMsMin:        f64p(infer.Min),
			InferenceMsMax:        f64p(infer.Max),
			InferenceMsMedian:     f64p(infer.Median),
			InferenceMsAverage:    f64p(infer.Average),
			InferenceMsStdDev:     f64p(infer.StdDev),
			InferenceMsFirst:      f64p(infer.First),
			PeakInferenceRAMUsage: f64p(peakInferMB),
		},
	}, nil
}

// sample draws one value jittered around base.
func (r *SimulatedRunner) sample(base float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // Synthetic metrics need no crypto randomness.
	}
	return base * (0.85 + 0.3*r.rng.Float64())
}

// pause waits out StepDelay, or just surfaces cancellation when the delay
// is zero.
func (r *SimulatedRunner) pause(ctx context.Context) error {
	if r.StepDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// series is the aggregate view of one timing sample set.
type series struct {
	Min     float64
	Max     float64
	Median  float64
	Average float64
	StdDev  float64
	First   float64
}

// summarize computes the reported aggregates over samples. A single sample
// yields identical aggregates and zero deviation.
func summarize(samples []float64) series {
	if len(samples) == 0 {
		return series{}
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(len(samples))

	variance := 0.0
	for _, v := range samples {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(samples))

	mid := len(sorted) / 2
	median := sorted[mid]
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	}

	return series{
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		Median:  median,
		Average: mean,
		StdDev:  math.Sqrt(variance),
		First:   samples[0],
	}
}

// modelFileName extracts the file name from a model URL, ignoring query and
// fragment parts. Bare paths work too.
func modelFileName(modelURL string) string {
	trimmed := modelURL
	if u, err := url.Parse(modelURL); err == nil && u.Scheme != "" {
		trimmed = u.Path
	} else if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	name := path.Base(trimmed)
	if name == "." || name == "/" || name == "" {
		return "model.bin"
	}
	return name
}

func f64p(v float64) *float64 { return &v }
