// ABOUTME: VirusTotal v3 file report, upload and analysis polling adapter
// ABOUTME: The API key travels in the x-apikey header and never reaches logs

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
)

const (
	virusTotalBaseURL = "https://www.virustotal.com/api/v3"

	// Files above this size need a dedicated upload URL.
	virusTotalDirectUploadLimit = 32 << 20

	// DefaultVirusTotalMaxUpload is the largest file the API accepts.
	DefaultVirusTotalMaxUpload = 650 << 20
)

// VirusTotalConfig configures the VirusTotal adapter.
type VirusTotalConfig struct {
	HTTP   HTTPConfig
	APIKey string

	// MaxUploadSize caps uploads. Zero uses DefaultVirusTotalMaxUpload.
	MaxUploadSize int64
}

// VirusTotal implements ScanAdapter for VirusTotal.
type VirusTotal struct {
	http      *httpClient
	baseURL   string
	apiKey    string
	maxUpload int64
}

// NewVirusTotal creates a VirusTotal adapter.
func NewVirusTotal(cfg VirusTotalConfig) *VirusTotal {
	base := cfg.HTTP.BaseURL
	if base == "" {
		base = virusTotalBaseURL
	}
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = DefaultVirusTotalMaxUpload
	}
	return &VirusTotal{
		http:      newHTTPClient(types.ProviderVirusTotal, cfg.HTTP),
		baseURL:   strings.TrimRight(base, "/"),
		apiKey:    cfg.APIKey,
		maxUpload: cfg.MaxUploadSize,
	}
}

// Name returns the provider name.
func (v *VirusTotal) Name() string { return types.ProviderVirusTotal }

func (v *VirusTotal) headers() map[string]string {
	return map[string]string{
		"accept":   "application/json",
		"x-apikey": v.apiKey,
	}
}

type vtFileResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			LastAnalysisDate  *int64 `json:"last_analysis_date"`
			LastAnalysisStats *struct {
				Malicious       int `json:"malicious"`
				Suspicious      int `json:"suspicious"`
				Undetected      int `json:"undetected"`
				Harmless        int `json:"harmless"`
				Timeout         int `json:"timeout"`
				Failure         int `json:"failure"`
				TypeUnsupported int `json:"type-unsupported"`
			} `json:"last_analysis_stats"`
			Reputation int `json:"reputation"`
			Androguard *struct {
				RiskIndicator *struct {
					APK *struct {
						DEX *int `json:"DEX"`
					} `json:"APK"`
				} `json:"RiskIndicator"`
			} `json:"androguard"`
		} `json:"attributes"`
	} `json:"data"`
}

type vtIDResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type vtAnalysisResponse struct {
	Data struct {
		Attributes struct {
			Status string `json:"status"`
		} `json:"attributes"`
	} `json:"data"`
}

// Lookup fetches the file report for sha256. A file known to VirusTotal
// but never analysed is KindPending.
func (v *VirusTotal) Lookup(ctx context.Context, sha256 string) (Result[types.VirusTotalReport], error) {
	resp, err := v.http.get(ctx, "file_report", v.baseURL+"/files/"+sha256, v.headers())
	if err != nil {
		return Result[types.VirusTotalReport]{}, err
	}

	rec, err := ParseVirusTotalReport(resp.Body)
	if err != nil {
		return Result[types.VirusTotalReport]{}, err
	}
	return Result[types.VirusTotalReport]{Record: rec, Raw: string(resp.Body)}, nil
}

// ParseVirusTotalReport decodes a /files/{hash} response.
func ParseVirusTotalReport(body []byte) (types.VirusTotalReport, error) {
	var payload vtFileResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return types.VirusTotalReport{}, Transient(types.ProviderVirusTotal, "parse", err)
	}

	attrs := payload.Data.Attributes
	if attrs.LastAnalysisStats == nil {
		return types.VirusTotalReport{}, Pending(types.ProviderVirusTotal, "file_report")
	}

	rec := types.VirusTotalReport{
		Malicious:       attrs.LastAnalysisStats.Malicious,
		Suspicious:      attrs.LastAnalysisStats.Suspicious,
		Undetected:      attrs.LastAnalysisStats.Undetected,
		Harmless:        attrs.LastAnalysisStats.Harmless,
		Timeout:         attrs.LastAnalysisStats.Timeout,
		Failure:         attrs.LastAnalysisStats.Failure,
		TypeUnsupported: attrs.LastAnalysisStats.TypeUnsupported,
		Reputation:      attrs.Reputation,
	}
	if attrs.LastAnalysisDate != nil {
		rec.LastAnalysisDate = *attrs.LastAnalysisDate
	}
	if ag := attrs.Androguard; ag != nil && ag.RiskIndicator != nil && ag.RiskIndicator.APK != nil {
		rec.DexCount = ag.RiskIndicator.APK.DEX
	}
	return rec, nil
}

// Submit uploads the file and returns a handle on the resulting analysis.
func (v *VirusTotal) Submit(ctx context.Context, path string) (JobHandle, error) {
	target := v.baseURL + "/files"

	size, err := fileSize(path)
	if err != nil {
		return JobHandle{}, Transient(types.ProviderVirusTotal, "upload", err)
	}
	if size > virusTotalDirectUploadLimit {
		target, err = v.uploadURL(ctx)
		if err != nil {
			return JobHandle{}, err
		}
	}

	resp, err := v.http.upload(ctx, "upload", target, v.headers(), nil, "file", path, v.maxUpload)
	if err != nil {
		return JobHandle{}, err
	}

	var payload vtIDResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil || payload.Data.ID == "" {
		return JobHandle{}, Transient(types.ProviderVirusTotal, "upload", fmt.Errorf("decoding upload response: %v", err))
	}
	return NewJobHandle(types.ProviderVirusTotal, payload.Data.ID, ""), nil
}

func (v *VirusTotal) uploadURL(ctx context.Context) (string, error) {
	resp, err := v.http.get(ctx, "upload_url", v.baseURL+"/files/upload_url", v.headers())
	if err != nil {
		return "", err
	}
	var payload struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil || payload.Data == "" {
		return "", Transient(types.ProviderVirusTotal, "upload_url", fmt.Errorf("decoding upload url: %v", err))
	}
	return payload.Data, nil
}

// Poll checks the analysis and, once completed, returns the file report.
func (v *VirusTotal) Poll(ctx context.Context, handle JobHandle) (Result[types.VirusTotalReport], error) {
	resp, err := v.http.get(ctx, "analysis", v.baseURL+"/analyses/"+handle.RemoteID, v.headers())
	if err != nil {
		return Result[types.VirusTotalReport]{}, err
	}

	var payload vtAnalysisResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return Result[types.VirusTotalReport]{}, Transient(types.ProviderVirusTotal, "analysis", err)
	}
	if payload.Data.Attributes.Status != "completed" {
		return Result[types.VirusTotalReport]{}, Pending(types.ProviderVirusTotal, "analysis")
	}
	if handle.SHA256 == "" {
		return Result[types.VirusTotalReport]{}, Transient(types.ProviderVirusTotal, "analysis", fmt.Errorf("handle has no sha256"))
	}
	return v.Lookup(ctx, handle.SHA256)
}
