// ABOUTME: Configuration loading and defaults for pkgmeta
// ABOUTME: Handles YAML config files, credential environment overrides and validation

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
)

// Environment variables that override credentials from the file.
const (
	EnvVirusTotalAPIKey     = "PKGMETA_VIRUSTOTAL_API_KEY"
	EnvHybridAnalysisAPIKey = "PKGMETA_HYBRIDANALYSIS_API_KEY"
	EnvAPKMirrorEmail       = "PKGMETA_APKMIRROR_EMAIL"
)

// Config holds the complete configuration for pkgmeta.
type Config struct {
	// Data directory for the SQLite cache and the digest memo.
	DataDir string `yaml:"data_dir"`

	Database DatabaseConfig `yaml:"database"`

	// NATS configuration. An empty URL disables the NATS surface.
	NATS NATSConfig `yaml:"nats"`

	// HTTP server configuration. An empty Addr disables the HTTP surface.
	HTTP HTTPConfig `yaml:"http"`

	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`

	Providers ProvidersConfig `yaml:"providers"`

	Digest DigestConfig `yaml:"digest"`

	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// DatabaseConfig holds the cache database settings.
type DatabaseConfig struct {
	// Path of the SQLite file. Empty uses <data_dir>/pkgmeta.db.
	Path string `yaml:"path"`

	// CacheTTL is how long metadata and not-found rows stay fresh.
	CacheTTL Duration `yaml:"cache_ttl"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Queue         string `yaml:"queue"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig holds tracing settings.
type TracingConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Endpoint      string  `yaml:"endpoint"`
	Insecure      bool    `yaml:"insecure"`
	SamplingRatio float64 `yaml:"sampling_ratio"`
}

// ProvidersConfig holds one section per provider.
type ProvidersConfig struct {
	GooglePlay     FetcherConfig   `yaml:"googleplay"`
	FDroid         FetcherConfig   `yaml:"fdroid"`
	APKMirror      APKMirrorConfig `yaml:"apkmirror"`
	VirusTotal     ScannerConfig   `yaml:"virustotal"`
	HybridAnalysis ScannerConfig   `yaml:"hybridanalysis"`
}

// FetcherConfig configures a metadata provider.
type FetcherConfig struct {
	Enabled bool `yaml:"enabled"`

	// Pace is the sleep after each network fetch.
	Pace Duration `yaml:"pace"`

	// RateLimitBackoff is the sleep and cooldown floor after a rate-limit response.
	RateLimitBackoff Duration `yaml:"rate_limit_backoff"`

	FetchIcons bool     `yaml:"fetch_icons"`
	Timeout    Duration `yaml:"timeout"`
	BaseURL    string   `yaml:"base_url"`
	UserAgent  string   `yaml:"user_agent"`
}

// APKMirrorConfig adds the account and contribution settings to the fetcher settings.
type APKMirrorConfig struct {
	FetcherConfig `yaml:",inline"`

	Email string `yaml:"email"`

	// Name is the contributor name sent with uploads.
	Name string `yaml:"name"`

	// Contribute runs the upload worker that offers newer installed builds to the site.
	Contribute bool `yaml:"contribute"`

	// UploadPace is the sleep between two contributions.
	UploadPace Duration `yaml:"upload_pace"`
}

// ScannerConfig configures a malware scanner.
type ScannerConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`

	// AllowUpload submits unknown .apk and .so files.
	AllowUpload bool `yaml:"allow_upload"`

	FileTimeout      Duration `yaml:"file_timeout"`
	PollInterval     Duration `yaml:"poll_interval"`
	RateLimitBackoff Duration `yaml:"rate_limit_backoff"`
	Timeout          Duration `yaml:"timeout"`
	BaseURL          string   `yaml:"base_url"`
}

// DigestConfig configures the file digest memo.
type DigestConfig struct {
	// Path of the badger directory. Empty uses <data_dir>/digests.
	Path string   `yaml:"path"`
	TTL  Duration `yaml:"ttl"`
}

// DefaultConfig returns a Config with default values.
// Network surfaces are disabled and the scanners stay off until a key is set.
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Database: DatabaseConfig{
			CacheTTL: Duration(7 * 24 * time.Hour),
		},
		NATS: NATSConfig{
			// Disabled by default; set URL to enable
			URL:           "",
			SubjectPrefix: "pkgmeta",
			Queue:         "pkgmeta-workers",
		},
		HTTP: HTTPConfig{
			// Disabled by default; set Addr to enable (e.g., ":8080")
			Addr: "",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Endpoint:      "localhost:4317",
			Insecure:      true,
			SamplingRatio: 1.0,
		},
		Providers: ProvidersConfig{
			GooglePlay: FetcherConfig{
				Enabled:          true,
				Pace:             Duration(2 * time.Second),
				RateLimitBackoff: Duration(60 * time.Second),
			},
			FDroid: FetcherConfig{
				Enabled:          true,
				Pace:             Duration(2 * time.Second),
				RateLimitBackoff: Duration(60 * time.Second),
			},
			APKMirror: APKMirrorConfig{
				FetcherConfig: FetcherConfig{
					Enabled:          true,
					Pace:             Duration(30 * time.Second),
					RateLimitBackoff: Duration(120 * time.Second),
				},
				UploadPace: Duration(10 * time.Second),
			},
			VirusTotal: ScannerConfig{
				FileTimeout:      Duration(60 * time.Second),
				PollInterval:     Duration(10 * time.Second),
				RateLimitBackoff: Duration(60 * time.Second),
			},
			HybridAnalysis: ScannerConfig{
				FileTimeout:      Duration(60 * time.Second),
				PollInterval:     Duration(10 * time.Second),
				RateLimitBackoff: Duration(3 * time.Second),
			},
		},
		Digest: DigestConfig{
			TTL: Duration(30 * 24 * time.Hour),
		},
		Maintenance: DefaultMaintenanceConfig(),
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides credentials from the environment. A scanner whose key is
// set through the environment is enabled.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvVirusTotalAPIKey); v != "" {
		c.Providers.VirusTotal.APIKey = v
		c.Providers.VirusTotal.Enabled = true
	}
	if v := os.Getenv(EnvHybridAnalysisAPIKey); v != "" {
		c.Providers.HybridAnalysis.APIKey = v
		c.Providers.HybridAnalysis.Enabled = true
	}
	if v := os.Getenv(EnvAPKMirrorEmail); v != "" {
		c.Providers.APKMirror.Email = v
	}
}

// Validate checks formats, durations and credentials.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sampling_ratio: %v not between 0 and 1", c.Tracing.SamplingRatio))
	}

	durations := map[string]Duration{
		"database.cache_ttl":                          c.Database.CacheTTL,
		"digest.ttl":                                  c.Digest.TTL,
		"maintenance.interval":                        c.Maintenance.Interval,
		"maintenance.pending_interval":                c.Maintenance.PendingInterval,
		"providers.googleplay.pace":                   c.Providers.GooglePlay.Pace,
		"providers.googleplay.rate_limit_backoff":     c.Providers.GooglePlay.RateLimitBackoff,
		"providers.googleplay.timeout":                c.Providers.GooglePlay.Timeout,
		"providers.fdroid.pace":                       c.Providers.FDroid.Pace,
		"providers.fdroid.rate_limit_backoff":         c.Providers.FDroid.RateLimitBackoff,
		"providers.fdroid.timeout":                    c.Providers.FDroid.Timeout,
		"providers.apkmirror.pace":                    c.Providers.APKMirror.Pace,
		"providers.apkmirror.rate_limit_backoff":      c.Providers.APKMirror.RateLimitBackoff,
		"providers.apkmirror.timeout":                 c.Providers.APKMirror.Timeout,
		"providers.apkmirror.upload_pace":             c.Providers.APKMirror.UploadPace,
		"providers.virustotal.file_timeout":           c.Providers.VirusTotal.FileTimeout,
		"providers.virustotal.poll_interval":          c.Providers.VirusTotal.PollInterval,
		"providers.virustotal.rate_limit_backoff":     c.Providers.VirusTotal.RateLimitBackoff,
		"providers.virustotal.timeout":                c.Providers.VirusTotal.Timeout,
		"providers.hybridanalysis.file_timeout":       c.Providers.HybridAnalysis.FileTimeout,
		"providers.hybridanalysis.poll_interval":      c.Providers.HybridAnalysis.PollInterval,
		"providers.hybridanalysis.rate_limit_backoff": c.Providers.HybridAnalysis.RateLimitBackoff,
		"providers.hybridanalysis.timeout":            c.Providers.HybridAnalysis.Timeout,
	}
	for name, d := range durations {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s: negative duration %s", name, d))
		}
	}

	if c.Providers.VirusTotal.Enabled && c.Providers.VirusTotal.APIKey == "" {
		errs = append(errs, fmt.Errorf("providers.virustotal: enabled without api_key (set %s)", EnvVirusTotalAPIKey))
	}
	if c.Providers.APKMirror.Contribute && c.Providers.APKMirror.Email == "" {
		errs = append(errs, fmt.Errorf("providers.apkmirror: contribute without email (set %s)", EnvAPKMirrorEmail))
	}
	if c.Providers.HybridAnalysis.Enabled && c.Providers.HybridAnalysis.APIKey == "" {
		errs = append(errs, fmt.Errorf("providers.hybridanalysis: enabled without api_key (set %s)", EnvHybridAnalysisAPIKey))
	}
	if err := c.Maintenance.GetRetry().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("maintenance.retry: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// DatabasePath returns the SQLite file path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, "pkgmeta.db")
}

// DigestPath returns the digest memo directory.
func (c *Config) DigestPath() string {
	if c.Digest.Path != "" {
		return c.Digest.Path
	}
	return filepath.Join(c.DataDir, "digests")
}

// Logging returns the observability logging settings.
func (c *Config) Logging(service, version string) observability.LoggingConfig {
	return observability.LoggingConfig{
		Level:       c.Log.Level,
		Format:      c.Log.Format,
		ServiceName: service,
		Version:     version,
	}
}

// TracingSettings returns the observability tracing settings.
func (c *Config) TracingSettings(service, version string) observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:       c.Tracing.Enabled,
		Endpoint:      c.Tracing.Endpoint,
		Insecure:      c.Tracing.Insecure,
		SamplingRatio: c.Tracing.SamplingRatio,
		ServiceName:   service,
		Version:       version,
	}
}

// Redacted returns the configuration as a map with credentials masked.
func (c *Config) Redacted() (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return observability.RedactMap(m), nil
}

// DefaultDataDir returns the default data directory.
func DefaultDataDir() string {
	// Try XDG_DATA_HOME first.
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "pkgmeta")
	}

	// Fall back to home directory.
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/pkgmeta"
	}

	return filepath.Join(home, ".local", "share", "pkgmeta")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	// Try XDG_CONFIG_HOME first.
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pkgmeta", "config.yaml")
	}

	// Fall back to home directory.
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/pkgmeta/config.yaml"
	}

	return filepath.Join(home, ".config", "pkgmeta", "config.yaml")
}
