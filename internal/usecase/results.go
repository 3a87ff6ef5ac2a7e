package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/benchfleet/internal/adapter/observability"
	"github.com/fairyhunter13/benchfleet/internal/domain"
)

// ResultProcessor is the single consumer of the results channel. Every
// message is consumed exactly once from the broker side; processing faults
// are logged and the loop moves on, so one bad document can never wedge the
// pipeline.
type ResultProcessor struct {
	Jobs      domain.JobRepo
	Results   domain.ResultRepo
	Campaigns domain.CampaignRepo
	Queue     domain.ResultQueue
	Finalize  Finalizer
	// PollTimeout bounds each blocking pop so shutdown stays responsive.
	PollTimeout time.Duration
}

// NewResultProcessor constructs a ResultProcessor.
func NewResultProcessor(jobs domain.JobRepo, results domain.ResultRepo, campaigns domain.CampaignRepo, queue domain.ResultQueue, finalize Finalizer, pollTimeout time.Duration) *ResultProcessor {
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &ResultProcessor{
		Jobs:        jobs,
		Results:     results,
		Campaigns:   campaigns,
		Queue:       queue,
		Finalize:    finalize,
		PollTimeout: pollTimeout,
	}
}

// Run consumes results until the context is cancelled.
func (p *ResultProcessor) Run(ctx context.Context) {
	slog.Info("result processor starting", slog.Duration("poll_timeout", p.PollTimeout))
	for {
		select {
		case <-ctx.Done():
			slog.Info("result processor stopping")
			return
		default:
		}

		r, err := p.Queue.PopResult(ctx, p.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("result processor stopping")
				return
			}
			slog.Error("result poll failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if r == nil {
			continue
		}
		if err := p.ProcessOne(ctx, *r); err != nil {
			slog.Error("result processing failed",
				slog.String("job_id", r.JobID), slog.Any("error", err))
		}
	}
}

// ProcessOne ingests a single result document: store it, advance the job,
// bump the campaign counter, and finalize the campaign when it is the last
// terminal job. A result for an already-terminal job only refreshes the
// stored document; counters stay untouched so duplicate deliveries cannot
// overcount.
func (p *ResultProcessor) ProcessOne(ctx context.Context, r domain.Result) error {
	tracer := otel.Tracer("results.processor")
	ctx, span := tracer.Start(ctx, "ResultProcessor.ProcessOne")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", r.JobID),
		attribute.String("result.status", string(r.Status)),
	)

	if err := p.Results.SaveResult(ctx, r); err != nil {
		span.RecordError(err)
		return err
	}
	observability.ResultsProcessedTotal.WithLabelValues(string(r.Status)).Inc()

	jobStatus, ok := domain.JobStatusFromResult(r.Status)
	if !ok {
		slog.Warn("result carries unknown status; stored without advancing job",
			slog.String("job_id", r.JobID),
			slog.String("status", string(r.Status)))
		return nil
	}

	job, err := p.Jobs.GetJob(ctx, r.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("result for unknown job stored",
				slog.String("job_id", r.JobID))
			return nil
		}
		span.RecordError(err)
		return err
	}
	if job.Status.Terminal() {
		slog.Debug("job already terminal; result stored, counters untouched",
			slog.String("job_id", r.JobID),
			slog.String("job_status", string(job.Status)))
		return nil
	}

	if _, err := p.Jobs.UpdateJobStatus(ctx, r.JobID, jobStatus, ""); err != nil {
		span.RecordError(err)
		return err
	}
	slog.Info("result processed",
		slog.String("job_id", r.JobID),
		slog.String("status", string(jobStatus)))

	if job.CampaignID == "" {
		return nil
	}
	incrCompleted := jobStatus == domain.JobComplete
	incrFailed := jobStatus == domain.JobFailed
	if _, err := p.Campaigns.UpdateCampaignProgress(ctx, job.CampaignID, incrCompleted, incrFailed, ""); err != nil {
		span.RecordError(err)
		return err
	}
	if _, err := p.Finalize.FinalizeIfDone(ctx, job.CampaignID); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
