package usecase

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/benchfleet/internal/domain"
)

// csvHeader is the fixed column set of a campaign report. Consumers parse
// reports by position, so order changes are breaking.
var csvHeader = []string{
	"CreatedUtc", "Status", "UploadId", "FileName", "FileSize",
	"DeviceName", "DeviceYear", "Soc", "Ram", "DiscreteGpu", "VRam",
	"DeviceOs", "DeviceOsVersion", "ComputeUnits",
	"LoadMsMedian", "LoadMsStdDev", "LoadMsAverage", "LoadMsFirst",
	"PeakLoadRamUsage",
	"InferenceMsMedian", "InferenceMsStdDev", "InferenceMsAverage", "InferenceMsFirst",
	"PeakInferenceRamUsage",
	"JobId",
}

// ReportService renders campaign results to CSV, writes the per-campaign
// report file, and serves the report directory listing and downloads.
type ReportService struct {
	Results   domain.ResultRepo
	Campaigns domain.CampaignRepo
	OutputDir string
}

// NewReportService constructs a ReportService writing under outputDir.
func NewReportService(r domain.ResultRepo, c domain.CampaignRepo, outputDir string) ReportService {
	return ReportService{Results: r, Campaigns: c, OutputDir: outputDir}
}

// BuildCampaignCSV renders the campaign's current rows. ErrNotFound when the
// campaign is unknown or has no results yet.
func (s ReportService) BuildCampaignCSV(ctx domain.Context, campaignID string) ([]byte, error) {
	if _, err := s.Campaigns.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	rows, err := s.Results.QueryResultsForCSV(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no results available yet", domain.ErrNotFound)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("%w: write csv header: %v", domain.ErrInternal, err)
	}
	for _, row := range rows {
		if err := w.Write(rowCells(row)); err != nil {
			return nil, fmt.Errorf("%w: write csv row: %v", domain.ErrInternal, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("%w: flush csv: %v", domain.ErrInternal, err)
	}
	return buf.Bytes(), nil
}

// WriteCampaignCSV renders and writes the report file for a finished
// campaign and returns its path.
func (s ReportService) WriteCampaignCSV(ctx domain.Context, campaignID string) (string, error) {
	data, err := s.BuildCampaignCSV(ctx, campaignID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: mkdir %s: %v", domain.ErrInternal, s.OutputDir, err)
	}
	name := fmt.Sprintf("%s_%s_results.csv", campaignID, time.Now().UTC().Format("20060102_150405"))
	path := filepath.Join(s.OutputDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", domain.ErrInternal, path, err)
	}
	slog.Info("campaign report written",
		slog.String("campaign_id", campaignID),
		slog.String("path", path))
	return path, nil
}

// ReportFile is one entry of the report directory listing.
type ReportFile struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// ListFiles enumerates report files under the output directory. A missing
// directory lists as empty.
func (s ReportService) ListFiles() ([]ReportFile, error) {
	entries, err := os.ReadDir(s.OutputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ReportFile{}, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrInternal, s.OutputDir, err)
	}
	files := make([]ReportFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, ReportFile{
			Name:       e.Name(),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	return files, nil
}

// ResolveDownload validates a requested report name and returns its path.
// Names carrying separators or parent references are rejected so downloads
// cannot escape the output directory.
func (s ReportService) ResolveDownload(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: invalid file name", domain.ErrInvalidArgument)
	}
	path := filepath.Join(s.OutputDir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: file %s", domain.ErrNotFound, name)
	}
	return path, nil
}

// DetectContentType sniffs the file's media type for the download response.
func (s ReportService) DetectContentType(path string) string {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

func rowCells(r domain.ReportRow) []string {
	return []string{
		r.CreatedUTC.Format(time.RFC3339),
		r.Status,
		r.UploadID,
		r.FileName,
		r.FileSize,
		r.DeviceName,
		r.DeviceYear,
		r.Soc,
		r.RAM,
		r.DiscreteGPU,
		r.VRAM,
		r.DeviceOS,
		r.DeviceOSVersion,
		r.ComputeUnits,
		r.Load.Median,
		r.Load.StdDev,
		r.Load.Average,
		r.Load.First,
		r.PeakLoadRAM,
		r.Inference.Median,
		r.Inference.StdDev,
		r.Inference.Average,
		r.Inference.First,
		r.PeakInferRAM,
		r.JobID,
	}
}
