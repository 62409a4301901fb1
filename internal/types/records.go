// ABOUTME: Typed provider records stored in the per-provider cache tables
// ABOUTME: One struct per external service; optional fields are pointers

package types

// Provider names used for tables, config keys, metrics and transport subjects.
const (
	ProviderGooglePlay     = "googleplay"
	ProviderFDroid         = "fdroid"
	ProviderAPKMirror      = "apkmirror"
	ProviderVirusTotal     = "virustotal"
	ProviderHybridAnalysis = "hybridanalysis"
)

// MetadataProviders lists the providers backed by a fetch queue.
var MetadataProviders = []string{ProviderGooglePlay, ProviderFDroid, ProviderAPKMirror}

// ScanProviders lists the providers backed by a scanner.
var ScanProviders = []string{ProviderVirusTotal, ProviderHybridAnalysis}

// GooglePlayApp is the store listing of a package.
type GooglePlayApp struct {
	Title      string   `json:"title"`
	Developer  string   `json:"developer"`
	Version    *string  `json:"version,omitempty"`
	IconURL    *string  `json:"icon_url,omitempty"`
	IconBase64 *string  `json:"icon_base64,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	Installs   *string  `json:"installs,omitempty"`
	// Unix seconds of the listing's last update.
	Updated *int64 `json:"updated,omitempty"`
}

// FDroidApp is the F-Droid catalog entry of a package.
type FDroidApp struct {
	Title       string  `json:"title"`
	Developer   string  `json:"developer"`
	Version     *string `json:"version,omitempty"`
	IconBase64  *string `json:"icon_base64,omitempty"`
	Description *string `json:"description,omitempty"`
	License     *string `json:"license,omitempty"`
	Updated     *int64  `json:"updated,omitempty"`
}

// APKMirrorApp is the first APKMirror search hit for a package.
type APKMirrorApp struct {
	Title      string  `json:"title"`
	Developer  string  `json:"developer"`
	Version    *string `json:"version,omitempty"`
	IconURL    *string `json:"icon_url,omitempty"`
	IconBase64 *string `json:"icon_base64,omitempty"`
}

// VirusTotalReport holds the last analysis stats of a file.
type VirusTotalReport struct {
	LastAnalysisDate int64 `json:"last_analysis_date"`
	Malicious        int   `json:"malicious"`
	Suspicious       int   `json:"suspicious"`
	Undetected       int   `json:"undetected"`
	Harmless         int   `json:"harmless"`
	Timeout          int   `json:"timeout"`
	Failure          int   `json:"failure"`
	TypeUnsupported  int   `json:"type_unsupported"`
	DexCount         *int  `json:"dex_count,omitempty"`
	Reputation       int   `json:"reputation"`
}

// Detected reports whether any engine flagged the file.
func (r VirusTotalReport) Detected() bool {
	return r.Malicious > 0 || r.Suspicious > 0
}

// Hybrid Analysis report states.
const (
	HAStateSuccess         = "SUCCESS"
	HAStateError           = "ERROR"
	HAStatePendingAnalysis = "pending_analysis"
	HAStateUploadError     = "upload_error"
	HAStateAnalysisError   = "analysis_error"
	HAStateRateLimited     = "rate_limited"
	HAStateNotFound        = "not_found"
)

// HybridAnalysisReport is the sandbox summary of a file.
type HybridAnalysisReport struct {
	JobID                  string   `json:"job_id,omitempty"`
	EnvironmentID          *int     `json:"environment_id,omitempty"`
	EnvironmentDescription *string  `json:"environment_description,omitempty"`
	State                  string   `json:"state"`
	Verdict                string   `json:"verdict,omitempty"`
	ThreatScore            *int     `json:"threat_score,omitempty"`
	ThreatLevel            *int     `json:"threat_level,omitempty"`
	TotalSignatures        *int     `json:"total_signatures,omitempty"`
	ClassificationTags     []string `json:"classification_tags,omitempty"`
	Tags                   []string `json:"tags,omitempty"`
	// Unix seconds until uploads are allowed again when State is rate_limited.
	WaitUntil *int64 `json:"wait_until,omitempty"`
}
