// ABOUTME: Table mappings for the five provider record types
// ABOUTME: Nullable record fields are pointers and bind to NULL columns

package store

import "github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"

// Table names.
const (
	TableGooglePlay     = "google_play_apps"
	TableFDroid         = "fdroid_apps"
	TableAPKMirror      = "apkmirror_apps"
	TableVirusTotal     = "virustotal_results"
	TableHybridAnalysis = "hybridanalysis_results"
)

// GooglePlayMapping maps types.GooglePlayApp.
var GooglePlayMapping = Mapping[types.GooglePlayApp]{
	Table: TableGooglePlay,
	Columns: []Column{
		{"title", "TEXT"}, {"developer", "TEXT"}, {"version", "TEXT"},
		{"icon_url", "TEXT"}, {"icon_base64", "TEXT"}, {"score", "REAL"},
		{"installs", "TEXT"}, {"updated", "INTEGER"},
	},
	Values: func(r *types.GooglePlayApp) []any {
		return []any{r.Title, r.Developer, nullable(r.Version), nullable(r.IconURL), nullable(r.IconBase64), nullable(r.Score), nullable(r.Installs), nullable(r.Updated)}
	},
	Targets: func(r *types.GooglePlayApp) []any {
		return []any{&r.Title, &r.Developer, &r.Version, &r.IconURL, &r.IconBase64, &r.Score, &r.Installs, &r.Updated}
	},
}

// FDroidMapping maps types.FDroidApp.
var FDroidMapping = Mapping[types.FDroidApp]{
	Table: TableFDroid,
	Columns: []Column{
		{"title", "TEXT"}, {"developer", "TEXT"}, {"version", "TEXT"},
		{"icon_base64", "TEXT"}, {"description", "TEXT"}, {"license", "TEXT"},
		{"updated", "INTEGER"},
	},
	Values: func(r *types.FDroidApp) []any {
		return []any{r.Title, r.Developer, nullable(r.Version), nullable(r.IconBase64), nullable(r.Description), nullable(r.License), nullable(r.Updated)}
	},
	Targets: func(r *types.FDroidApp) []any {
		return []any{&r.Title, &r.Developer, &r.Version, &r.IconBase64, &r.Description, &r.License, &r.Updated}
	},
}

// APKMirrorMapping maps types.APKMirrorApp.
var APKMirrorMapping = Mapping[types.APKMirrorApp]{
	Table: TableAPKMirror,
	Columns: []Column{
		{"title", "TEXT"}, {"developer", "TEXT"}, {"version", "TEXT"},
		{"icon_url", "TEXT"}, {"icon_base64", "TEXT"},
	},
	Values: func(r *types.APKMirrorApp) []any {
		return []any{r.Title, r.Developer, nullable(r.Version), nullable(r.IconURL), nullable(r.IconBase64)}
	},
	Targets: func(r *types.APKMirrorApp) []any {
		return []any{&r.Title, &r.Developer, &r.Version, &r.IconURL, &r.IconBase64}
	},
}

// VirusTotalMapping maps types.VirusTotalReport.
var VirusTotalMapping = Mapping[types.VirusTotalReport]{
	Table: TableVirusTotal,
	Columns: []Column{
		{"last_analysis_date", "INTEGER"}, {"malicious", "INTEGER"}, {"suspicious", "INTEGER"},
		{"undetected", "INTEGER"}, {"harmless", "INTEGER"}, {"timeout", "INTEGER"},
		{"failure", "INTEGER"}, {"type_unsupported", "INTEGER"}, {"dex_count", "INTEGER"},
		{"reputation", "INTEGER"},
	},
	Values: func(r *types.VirusTotalReport) []any {
		return []any{r.LastAnalysisDate, r.Malicious, r.Suspicious, r.Undetected, r.Harmless,
			r.Timeout, r.Failure, r.TypeUnsupported, nullable(r.DexCount), r.Reputation}
	},
	Targets: func(r *types.VirusTotalReport) []any {
		return []any{&r.LastAnalysisDate, &r.Malicious, &r.Suspicious, &r.Undetected, &r.Harmless,
			&r.Timeout, &r.Failure, &r.TypeUnsupported, &r.DexCount, &r.Reputation}
	},
}

// HybridAnalysisMapping maps types.HybridAnalysisReport.
var HybridAnalysisMapping = Mapping[types.HybridAnalysisReport]{
	Table: TableHybridAnalysis,
	Columns: []Column{
		{"job_id", "TEXT"}, {"environment_id", "INTEGER"}, {"environment_description", "TEXT"},
		{"state", "TEXT"}, {"verdict", "TEXT"}, {"threat_score", "INTEGER"},
		{"threat_level", "INTEGER"}, {"total_signatures", "INTEGER"},
		{"classification_tags", "TEXT"}, {"tags", "TEXT"}, {"wait_until", "INTEGER"},
	},
	Values: func(r *types.HybridAnalysisReport) []any {
		return []any{r.JobID, nullable(r.EnvironmentID), nullable(r.EnvironmentDescription), r.State, r.Verdict,
			nullable(r.ThreatScore), nullable(r.ThreatLevel), nullable(r.TotalSignatures),
			JSONList(&r.ClassificationTags), JSONList(&r.Tags), nullable(r.WaitUntil)}
	},
	Targets: func(r *types.HybridAnalysisReport) []any {
		return []any{&r.JobID, &r.EnvironmentID, &r.EnvironmentDescription, &r.State, &r.Verdict,
			&r.ThreatScore, &r.ThreatLevel, &r.TotalSignatures,
			JSONList(&r.ClassificationTags), JSONList(&r.Tags), &r.WaitUntil}
	},
	TerminalMiss: "state = '" + types.HAStateNotFound + "'",
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
