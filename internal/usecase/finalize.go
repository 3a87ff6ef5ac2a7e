package usecase

import (
	"context"
	"log/slog"

	"github.com/fairyhunter13/benchfleet/internal/adapter/observability"
	"github.com/fairyhunter13/benchfleet/internal/domain"
)

// Snapshotter persists the store to disk outside the periodic schedule.
type Snapshotter interface {
	ForceSave(ctx context.Context) error
}

// Finalizer closes out campaigns once every job reached a terminal status.
// Both the result processor and the timeout engine drive it, so the
// completion rule lives in one place.
type Finalizer struct {
	Campaigns domain.CampaignRepo
	Reports   ReportService
	Snapshots Snapshotter
}

// NewFinalizer constructs a Finalizer.
func NewFinalizer(c domain.CampaignRepo, r ReportService, s Snapshotter) Finalizer {
	return Finalizer{Campaigns: c, Reports: r, Snapshots: s}
}

// FinalizeIfDone marks the campaign completed when its terminal counters
// cover every job, writes the report file, and snapshots the store. Report
// and snapshot failures are logged, not returned: the status change is the
// part that must not be lost.
func (f Finalizer) FinalizeIfDone(ctx domain.Context, campaignID string) (bool, error) {
	c, err := f.Campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if c.Status != domain.CampaignRunning {
		return false, nil
	}
	if c.TotalJobs == 0 || c.CompletedJobs+c.FailedJobs < c.TotalJobs {
		return false, nil
	}

	if _, err := f.Campaigns.UpdateCampaignProgress(ctx, campaignID, false, false, domain.CampaignCompleted); err != nil {
		return false, err
	}
	observability.CampaignsCompletedTotal.Inc()
	slog.Info("campaign completed",
		slog.String("campaign_id", campaignID),
		slog.Int("completed_jobs", c.CompletedJobs),
		slog.Int("failed_jobs", c.FailedJobs),
		slog.Int("total_jobs", c.TotalJobs))

	path, err := f.Reports.WriteCampaignCSV(ctx, campaignID)
	if err != nil {
		slog.Error("campaign report write failed",
			slog.String("campaign_id", campaignID), slog.Any("error", err))
	} else if err := f.Campaigns.AttachResultsFile(ctx, campaignID, path); err != nil {
		slog.Error("campaign report attach failed",
			slog.String("campaign_id", campaignID), slog.Any("error", err))
	}

	if f.Snapshots != nil {
		if err := f.Snapshots.ForceSave(ctx); err != nil {
			slog.Error("snapshot after campaign completion failed",
				slog.String("campaign_id", campaignID), slog.Any("error", err))
		}
	}
	return true, nil
}
