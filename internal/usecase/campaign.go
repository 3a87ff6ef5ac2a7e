package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/benchfleet/internal/domain"
)

const (
	defaultNumWarmups       = 5
	defaultNumInferenceRuns = 10
)

// CampaignService creates campaigns with their jobs, dispatches the jobs,
// and serves campaign/job reads and the claim handshake.
type CampaignService struct {
	Campaigns domain.CampaignRepo
	Jobs      domain.JobRepo
	Results   domain.ResultRepo
	Workers   domain.WorkerRepo
	Dispatch  Dispatcher
	Retries   *domain.RetryTracker
	// DefaultTimeoutSeconds applies to job specs without timeout_seconds.
	DefaultTimeoutSeconds int
}

// JobSpec is one entry of the campaign creation request.
type JobSpec struct {
	ComputeUnit      string `json:"compute_unit"`
	WorkerID         string `json:"worker_id,omitempty"`
	NumWarmups       *int   `json:"num_warmups,omitempty"`
	NumInferenceRuns *int   `json:"num_inference_runs,omitempty"`
	TimeoutSeconds   *int   `json:"timeout_seconds,omitempty"`
}

// CreateCampaignInput is the campaign creation request after HTTP binding.
type CreateCampaignInput struct {
	ModelURL string
	UploadID string
	Jobs     []JobSpec
}

// JobSummary is the per-job slice of the campaign creation response.
type JobSummary struct {
	JobID       string `json:"job_id"`
	ComputeUnit string `json:"compute_unit"`
	Status      string `json:"status"`
}

// CampaignCreated is the campaign creation response.
type CampaignCreated struct {
	CampaignID string       `json:"campaign_id"`
	TotalJobs  int          `json:"total_jobs"`
	Status     string       `json:"status"`
	Jobs       []JobSummary `json:"jobs"`
}

// Campaign ids need uniqueness, not secrecy; the locked reader keeps
// concurrent creations from racing on the shared source.
var campaignEntropy = &ulid.LockedMonotonicReader{
	MonotonicReader: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0), //nolint:gosec
}

func newCampaignID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), campaignEntropy)
	if err != nil {
		return fmt.Sprintf("campaign-%d", time.Now().UnixNano())
	}
	return "campaign-" + strings.ToLower(id.String())
}

// Create validates the request, creates the campaign and its job rows, then
// dispatches every job. Job ids are {campaign_id}-job-{i}. A broker failure
// aborts dispatching with the rows left pending; the campaign stays
// consistent and the caller sees the broker error.
func (s CampaignService) Create(ctx domain.Context, in CreateCampaignInput) (CampaignCreated, error) {
	if in.ModelURL == "" {
		return CampaignCreated{}, fmt.Errorf("%w: model_url required", domain.ErrInvalidArgument)
	}
	if in.Jobs == nil {
		return CampaignCreated{}, fmt.Errorf("%w: jobs required", domain.ErrInvalidArgument)
	}
	for i, spec := range in.Jobs {
		if spec.ComputeUnit == "" && spec.WorkerID == "" {
			return CampaignCreated{}, fmt.Errorf("%w: jobs[%d] needs compute_unit or worker_id", domain.ErrInvalidArgument, i)
		}
	}

	campaign := domain.Campaign{
		CampaignID: newCampaignID(),
		ModelURL:   in.ModelURL,
		UploadID:   in.UploadID,
		TotalJobs:  len(in.Jobs),
	}
	campaign, err := s.Campaigns.CreateCampaign(ctx, campaign)
	if err != nil {
		return CampaignCreated{}, err
	}

	jobs := make([]domain.Job, 0, len(in.Jobs))
	for i, spec := range in.Jobs {
		j := domain.Job{
			JobID:            fmt.Sprintf("%s-job-%d", campaign.CampaignID, i),
			CampaignID:       campaign.CampaignID,
			ModelURL:         in.ModelURL,
			ComputeUnit:      spec.ComputeUnit,
			WorkerID:         spec.WorkerID,
			NumWarmups:       valueOr(spec.NumWarmups, defaultNumWarmups),
			NumInferenceRuns: valueOr(spec.NumInferenceRuns, defaultNumInferenceRuns),
			TimeoutSeconds:   valueOr(spec.TimeoutSeconds, s.DefaultTimeoutSeconds),
		}
		j, err := s.Jobs.CreateJob(ctx, j)
		if err != nil {
			return CampaignCreated{}, err
		}
		jobs = append(jobs, j)
	}

	summaries := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		if _, err := s.Dispatch.Dispatch(ctx, j); err != nil {
			slog.Error("campaign dispatch aborted",
				slog.String("campaign_id", campaign.CampaignID),
				slog.String("job_id", j.JobID),
				slog.Any("error", err))
			return CampaignCreated{}, err
		}
		summaries = append(summaries, JobSummary{
			JobID:       j.JobID,
			ComputeUnit: j.ComputeUnit,
			Status:      string(j.Status),
		})
	}

	slog.Info("campaign created",
		slog.String("campaign_id", campaign.CampaignID),
		slog.Int("total_jobs", campaign.TotalJobs))
	return CampaignCreated{
		CampaignID: campaign.CampaignID,
		TotalJobs:  campaign.TotalJobs,
		Status:     string(campaign.Status),
		Jobs:       summaries,
	}, nil
}

// All returns every campaign.
func (s CampaignService) All(ctx domain.Context) ([]domain.Campaign, error) {
	return s.Campaigns.AllCampaigns(ctx)
}

// CampaignDetail is a campaign with its per-status job counts.
type CampaignDetail struct {
	domain.Campaign
	JobBreakdown map[string]int `json:"job_breakdown"`
}

// Detail returns the campaign and a breakdown of its jobs by status.
func (s CampaignService) Detail(ctx domain.Context, id string) (CampaignDetail, error) {
	c, err := s.Campaigns.GetCampaign(ctx, id)
	if err != nil {
		return CampaignDetail{}, err
	}
	jobs, err := s.Jobs.JobsByCampaign(ctx, id)
	if err != nil {
		return CampaignDetail{}, err
	}
	breakdown := map[string]int{
		string(domain.JobPending):   0,
		string(domain.JobRunning):   0,
		string(domain.JobComplete):  0,
		string(domain.JobFailed):    0,
		string(domain.JobTimedOut):  0,
		string(domain.JobCancelled): 0,
	}
	for _, j := range jobs {
		breakdown[string(j.Status)]++
	}
	return CampaignDetail{Campaign: c, JobBreakdown: breakdown}, nil
}

// JobDetail is a job with its result (if any) and retry history.
type JobDetail struct {
	Job          domain.Job           `json:"job"`
	Result       *domain.Result       `json:"result"`
	RetryHistory []domain.RetryRecord `json:"retry_history"`
}

// Job returns the job detail document.
func (s CampaignService) Job(ctx domain.Context, id string) (JobDetail, error) {
	j, err := s.Jobs.GetJob(ctx, id)
	if err != nil {
		return JobDetail{}, err
	}
	detail := JobDetail{Job: j, RetryHistory: []domain.RetryRecord{}}
	if r, err := s.Results.GetResult(ctx, id); err == nil {
		detail.Result = &r
	} else if !errors.Is(err, domain.ErrNotFound) {
		return JobDetail{}, err
	}
	if s.Retries != nil {
		detail.RetryHistory = s.Retries.History(id)
	}
	return detail, nil
}

// Claim moves a pending job to running under the claiming worker. Only
// pending jobs can be claimed; anything else conflicts. The worker's move to
// busy is best effort: agents own their status and a refused transition must
// not lose the claim.
func (s CampaignService) Claim(ctx domain.Context, jobID, workerID string) (domain.Job, error) {
	if workerID == "" {
		return domain.Job{}, fmt.Errorf("%w: worker_id required", domain.ErrInvalidArgument)
	}
	j, err := s.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Status != domain.JobPending {
		return domain.Job{}, fmt.Errorf("%w: job %s is %s, only pending jobs can be claimed", domain.ErrConflict, jobID, j.Status)
	}
	j, err = s.Jobs.UpdateJobStatus(ctx, jobID, domain.JobRunning, workerID)
	if err != nil {
		return domain.Job{}, err
	}
	if _, err := s.Workers.UpdateWorkerStatus(ctx, workerID, domain.WorkerBusy, domain.ReasonJobStarted); err != nil {
		slog.Warn("claim could not mark worker busy",
			slog.String("worker_id", workerID),
			slog.String("job_id", jobID),
			slog.Any("error", err))
	}
	return j, nil
}

func valueOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
