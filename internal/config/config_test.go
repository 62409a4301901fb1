// ABOUTME: Tests for configuration loading, overrides and validation
// ABOUTME: Defaults, YAML durations, credential env vars and redacted dumps

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"googleplay pace", cfg.Providers.GooglePlay.Pace.Std(), 2 * time.Second},
		{"fdroid backoff", cfg.Providers.FDroid.RateLimitBackoff.Std(), 60 * time.Second},
		{"apkmirror pace", cfg.Providers.APKMirror.Pace.Std(), 30 * time.Second},
		{"apkmirror backoff", cfg.Providers.APKMirror.RateLimitBackoff.Std(), 120 * time.Second},
		{"apkmirror upload pace", cfg.Providers.APKMirror.UploadPace.Std(), 10 * time.Second},
		{"virustotal backoff", cfg.Providers.VirusTotal.RateLimitBackoff.Std(), 60 * time.Second},
		{"hybridanalysis backoff", cfg.Providers.HybridAnalysis.RateLimitBackoff.Std(), 3 * time.Second},
		{"cache ttl", cfg.Database.CacheTTL.Std(), 7 * 24 * time.Hour},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if cfg.NATS.URL != "" || cfg.HTTP.Addr != "" {
		t.Error("network surfaces should be disabled by default")
	}
	if cfg.Providers.VirusTotal.Enabled || cfg.Providers.HybridAnalysis.Enabled {
		t.Error("scanners should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults error = %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvVirusTotalAPIKey, "")
	t.Setenv(EnvHybridAnalysisAPIKey, "")
	t.Setenv(EnvAPKMirrorEmail, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Providers.GooglePlay.Pace.Std() != 2*time.Second {
		t.Errorf("Pace = %v, want default", cfg.Providers.GooglePlay.Pace)
	}
}

func TestLoad_File(t *testing.T) {
	t.Setenv(EnvVirusTotalAPIKey, "")
	t.Setenv(EnvHybridAnalysisAPIKey, "")
	t.Setenv(EnvAPKMirrorEmail, "")

	path := writeConfig(t, `
data_dir: /tmp/pkgmeta
log:
  level: debug
  format: json
providers:
  fdroid:
    pace: 500ms
    fetch_icons: true
  apkmirror:
    enabled: false
    email: someone@example.com
  virustotal:
    enabled: true
    api_key: file-key
    allow_upload: true
    poll_interval: 30
maintenance:
  retry:
    initial_delay: 1m
    multiplier: 3
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DataDir != "/tmp/pkgmeta" || cfg.DatabasePath() != "/tmp/pkgmeta/pkgmeta.db" {
		t.Errorf("DataDir = %q, DatabasePath = %q", cfg.DataDir, cfg.DatabasePath())
	}
	if cfg.Providers.FDroid.Pace.Std() != 500*time.Millisecond || !cfg.Providers.FDroid.FetchIcons {
		t.Errorf("fdroid = %+v", cfg.Providers.FDroid)
	}
	if cfg.Providers.FDroid.RateLimitBackoff.Std() != 60*time.Second {
		t.Errorf("unset field lost its default: %v", cfg.Providers.FDroid.RateLimitBackoff)
	}
	if cfg.Providers.APKMirror.Enabled || cfg.Providers.APKMirror.Email != "someone@example.com" {
		t.Errorf("apkmirror = %+v", cfg.Providers.APKMirror)
	}
	if cfg.Providers.APKMirror.Pace.Std() != 30*time.Second {
		t.Errorf("inline pace = %v, want default", cfg.Providers.APKMirror.Pace)
	}
	vt := cfg.Providers.VirusTotal
	if !vt.Enabled || vt.APIKey != "file-key" || !vt.AllowUpload || vt.PollInterval.Std() != 30*time.Second {
		t.Errorf("virustotal = %+v", vt)
	}
	if r := cfg.Maintenance.GetRetry(); r.InitialDelay != time.Minute || r.Multiplier != 3 {
		t.Errorf("GetRetry() = %+v", r)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvVirusTotalAPIKey, "env-vt")
	t.Setenv(EnvHybridAnalysisAPIKey, "env-ha")
	t.Setenv(EnvAPKMirrorEmail, "env@example.com")

	path := writeConfig(t, "providers:\n  virustotal:\n    api_key: file-key\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Providers.VirusTotal.APIKey != "env-vt" || !cfg.Providers.VirusTotal.Enabled {
		t.Errorf("virustotal = %+v", cfg.Providers.VirusTotal)
	}
	if cfg.Providers.HybridAnalysis.APIKey != "env-ha" || !cfg.Providers.HybridAnalysis.Enabled {
		t.Errorf("hybridanalysis = %+v", cfg.Providers.HybridAnalysis)
	}
	if cfg.Providers.APKMirror.Email != "env@example.com" {
		t.Errorf("apkmirror email = %q", cfg.Providers.APKMirror.Email)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv(EnvVirusTotalAPIKey, "")
	t.Setenv(EnvHybridAnalysisAPIKey, "")
	t.Setenv(EnvAPKMirrorEmail, "")

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "providers: [", "parsing config"},
		{"bad duration", "providers:\n  fdroid:\n    pace: soon\n", "parsing config"},
		{"negative duration", "providers:\n  fdroid:\n    pace: -1s\n", "providers.fdroid.pace"},
		{"unknown log format", "log:\n  format: xml\n", "log.format"},
		{"scanner without key", "providers:\n  hybridanalysis:\n    enabled: true\n", "providers.hybridanalysis"},
		{"contribute without email", "providers:\n  apkmirror:\n    contribute: true\n", "providers.apkmirror: contribute"},
		{"bad sampling ratio", "tracing:\n  sampling_ratio: 2\n", "sampling_ratio"},
		{"bad retry", "maintenance:\n  retry:\n    jitter_fraction: 1.5\n", "maintenance.retry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() error = nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDuration_YAML(t *testing.T) {
	t.Parallel()

	var v struct {
		D Duration `yaml:"d"`
	}
	if err := yaml.Unmarshal([]byte("d: 1h30m"), &v); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if v.D.Std() != 90*time.Minute {
		t.Errorf("D = %v, want 1h30m", v.D)
	}

	out, err := yaml.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.TrimSpace(string(out)) != "d: 1h30m0s" {
		t.Errorf("Marshal() = %q", out)
	}
}

func TestConfig_Redacted(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Providers.VirusTotal.APIKey = "secret-vt-key"
	cfg.Providers.APKMirror.Email = "someone@example.com"

	m, err := cfg.Redacted()
	if err != nil {
		t.Fatalf("Redacted() error = %v", err)
	}
	out, err := yaml.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, leaked := range []string{"secret-vt-key", "someone@example.com"} {
		if strings.Contains(string(out), leaked) {
			t.Errorf("redacted dump leaks %q:\n%s", leaked, out)
		}
	}
	if !strings.Contains(string(out), "[REDACTED]") {
		t.Errorf("redacted dump has no placeholder:\n%s", out)
	}
}

func TestDefaultPaths(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/xdg/data")
	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")

	if got := DefaultDataDir(); got != "/xdg/data/pkgmeta" {
		t.Errorf("DefaultDataDir() = %q", got)
	}
	if got := DefaultConfigPath(); got != "/xdg/config/pkgmeta/config.yaml" {
		t.Errorf("DefaultConfigPath() = %q", got)
	}

	cfg := DefaultConfig()
	if got := cfg.DigestPath(); got != "/xdg/data/pkgmeta/digests" {
		t.Errorf("DigestPath() = %q", got)
	}
}
