// ABOUTME: Hybrid Analysis v2 hash search, submission and job state adapter
// ABOUTME: Failed sandbox runs come back as analysis_error reports, not errors

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
)

const (
	hybridAnalysisBaseURL = "https://hybrid-analysis.com/api/v2"

	// Android static analysis environment.
	hybridAnalysisAndroidEnv = "200"

	// HybridAnalysisRetryAfter is the back-off used for 429 responses.
	HybridAnalysisRetryAfter = 3 * time.Second

	// DefaultHybridAnalysisMaxUpload is the largest file the API accepts.
	DefaultHybridAnalysisMaxUpload = 100 << 20
)

// HybridAnalysisConfig configures the Hybrid Analysis adapter.
type HybridAnalysisConfig struct {
	HTTP          HTTPConfig
	APIKey        string
	EnvironmentID string
	MaxUploadSize int64
}

// HybridAnalysis implements ScanAdapter for Hybrid Analysis.
type HybridAnalysis struct {
	http      *httpClient
	baseURL   string
	apiKey    string
	envID     string
	maxUpload int64
}

// NewHybridAnalysis creates a Hybrid Analysis adapter.
func NewHybridAnalysis(cfg HybridAnalysisConfig) *HybridAnalysis {
	base := cfg.HTTP.BaseURL
	if base == "" {
		base = hybridAnalysisBaseURL
	}
	if cfg.EnvironmentID == "" {
		cfg.EnvironmentID = hybridAnalysisAndroidEnv
	}
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = DefaultHybridAnalysisMaxUpload
	}
	c := newHTTPClient(types.ProviderHybridAnalysis, cfg.HTTP)
	c.retryAfter = HybridAnalysisRetryAfter
	return &HybridAnalysis{
		http:      c,
		baseURL:   strings.TrimRight(base, "/"),
		apiKey:    cfg.APIKey,
		envID:     cfg.EnvironmentID,
		maxUpload: cfg.MaxUploadSize,
	}
}

// Name returns the provider name.
func (h *HybridAnalysis) Name() string { return types.ProviderHybridAnalysis }

func (h *HybridAnalysis) headers() map[string]string {
	return map[string]string{
		"accept":  "application/json",
		"api-key": h.apiKey,
	}
}

type haHashResponse struct {
	SHA256s []string `json:"sha256s"`
	Reports []struct {
		ID                     string  `json:"id"`
		EnvironmentID          int     `json:"environment_id"`
		EnvironmentDescription *string `json:"environment_description"`
		State                  *string `json:"state"`
		Verdict                *string `json:"verdict"`
	} `json:"reports"`
}

type haSummaryResponse struct {
	JobID                  string   `json:"job_id"`
	EnvironmentID          int      `json:"environment_id"`
	EnvironmentDescription string   `json:"environment_description"`
	State                  string   `json:"state"`
	Verdict                string   `json:"verdict"`
	ThreatScore            *int     `json:"threat_score"`
	ThreatLevel            *int     `json:"threat_level"`
	TotalSignatures        *int     `json:"total_signatures"`
	ClassificationTags     []string `json:"classification_tags"`
	Tags                   []string `json:"tags"`
}

// Lookup searches for sha256 and returns the summary of the best report.
func (h *HybridAnalysis) Lookup(ctx context.Context, sha256 string) (Result[types.HybridAnalysisReport], error) {
	resp, err := h.http.get(ctx, "search_hash", h.baseURL+"/search/hash?hash="+url.QueryEscape(sha256), h.headers())
	if err != nil {
		return Result[types.HybridAnalysisReport]{}, err
	}

	var search haHashResponse
	if err := json.Unmarshal(resp.Body, &search); err != nil {
		return Result[types.HybridAnalysisReport]{}, Transient(types.ProviderHybridAnalysis, "search_hash", err)
	}
	if len(search.Reports) == 0 {
		return Result[types.HybridAnalysisReport]{}, NotFound(types.ProviderHybridAnalysis, "search_hash")
	}

	best := search.Reports[0]
	for _, r := range search.Reports {
		if r.State != nil && *r.State == types.HAStateSuccess {
			best = r
			break
		}
	}
	if best.ID == "" {
		return Result[types.HybridAnalysisReport]{}, NotFound(types.ProviderHybridAnalysis, "search_hash")
	}

	return h.summary(ctx, best.ID)
}

func (h *HybridAnalysis) summary(ctx context.Context, reportID string) (Result[types.HybridAnalysisReport], error) {
	resp, err := h.http.get(ctx, "report_summary", h.baseURL+"/report/"+url.PathEscape(reportID)+"/summary", h.headers())
	if err != nil {
		return Result[types.HybridAnalysisReport]{}, err
	}
	rec, err := ParseHybridAnalysisSummary(resp.Body)
	if err != nil {
		return Result[types.HybridAnalysisReport]{}, err
	}
	return Result[types.HybridAnalysisReport]{Record: rec, Raw: string(resp.Body)}, nil
}

// ParseHybridAnalysisSummary decodes a /report/{id}/summary response.
func ParseHybridAnalysisSummary(body []byte) (types.HybridAnalysisReport, error) {
	var s haSummaryResponse
	if err := json.Unmarshal(body, &s); err != nil {
		return types.HybridAnalysisReport{}, Transient(types.ProviderHybridAnalysis, "parse", err)
	}
	env := s.EnvironmentID
	return types.HybridAnalysisReport{
		JobID:                  s.JobID,
		EnvironmentID:          &env,
		EnvironmentDescription: optional(s.EnvironmentDescription),
		State:                  s.State,
		Verdict:                s.Verdict,
		ThreatScore:            s.ThreatScore,
		ThreatLevel:            s.ThreatLevel,
		TotalSignatures:        s.TotalSignatures,
		ClassificationTags:     s.ClassificationTags,
		Tags:                   s.Tags,
	}, nil
}

// Submit uploads the file to the configured sandbox environment.
func (h *HybridAnalysis) Submit(ctx context.Context, path string) (JobHandle, error) {
	resp, err := h.http.upload(ctx, "submit_file", h.baseURL+"/submit/file", h.headers(),
		map[string]string{"environment_id": h.envID}, "file", path, h.maxUpload)
	if err != nil {
		return JobHandle{}, err
	}

	var payload struct {
		JobID  string `json:"job_id"`
		SHA256 string `json:"sha256"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil || payload.JobID == "" {
		return JobHandle{}, Transient(types.ProviderHybridAnalysis, "submit_file", fmt.Errorf("decoding submission: %v", err))
	}
	return NewJobHandle(types.ProviderHybridAnalysis, payload.JobID, payload.SHA256), nil
}

// Poll checks the job state. SUCCESS yields the report summary and ERROR
// yields an analysis_error report.
func (h *HybridAnalysis) Poll(ctx context.Context, handle JobHandle) (Result[types.HybridAnalysisReport], error) {
	resp, err := h.http.get(ctx, "job_state", h.baseURL+"/report/"+url.PathEscape(handle.RemoteID)+"/state", h.headers())
	if err != nil {
		return Result[types.HybridAnalysisReport]{}, err
	}

	var state struct {
		State     string  `json:"state"`
		ErrorType *string `json:"error_type"`
	}
	if err := json.Unmarshal(resp.Body, &state); err != nil {
		return Result[types.HybridAnalysisReport]{}, Transient(types.ProviderHybridAnalysis, "job_state", err)
	}

	switch state.State {
	case types.HAStateSuccess:
		return h.summary(ctx, handle.RemoteID)
	case types.HAStateError:
		rec := types.HybridAnalysisReport{JobID: handle.RemoteID, State: types.HAStateAnalysisError}
		if state.ErrorType != nil {
			rec.Verdict = *state.ErrorType
		}
		return Result[types.HybridAnalysisReport]{Record: rec, Raw: string(resp.Body)}, nil
	default:
		return Result[types.HybridAnalysisReport]{}, Pending(types.ProviderHybridAnalysis, "job_state")
	}
}
