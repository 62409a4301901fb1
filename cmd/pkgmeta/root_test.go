// ABOUTME: Unit tests for CLI wiring and argument parsing
// ABOUTME: File argument digests, NATS settings, config show redaction and cache stats

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/config"
)

const testSHA = "275a021bbfb6489e54d471899f7db9d1663fc695ec2fe2a2c4538aabf651fd0f"

func TestParseFileArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		arg      string
		wantPath string
		wantSHA  string
	}{
		{arg: "/data/app/base.apk", wantPath: "/data/app/base.apk"},
		{arg: "/data/app/base.apk@" + testSHA, wantPath: "/data/app/base.apk", wantSHA: testSHA},
		{arg: "/data/app/split.apk@" + strings.ToUpper(testSHA), wantPath: "/data/app/split.apk", wantSHA: testSHA},
		{arg: "/data/user@home/lib.so", wantPath: "/data/user@home/lib.so"},
		{arg: "/tmp/a@b@" + testSHA, wantPath: "/tmp/a@b", wantSHA: testSHA},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			t.Parallel()

			got := parseFileArgs([]string{tt.arg})
			if len(got) != 1 {
				t.Fatalf("len = %d, want 1", len(got))
			}
			if got[0].Path != tt.wantPath || got[0].SHA256 != tt.wantSHA {
				t.Errorf("parseFileArgs(%q) = %+v, want path %q sha %q", tt.arg, got[0], tt.wantPath, tt.wantSHA)
			}
		})
	}
}

func TestNATSConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.NATS.URL = "nats://example:4222"
	cfg.NATS.SubjectPrefix = "debloat"

	nc := natsConfig(cfg)
	if nc.URL != cfg.NATS.URL {
		t.Errorf("URL = %q", nc.URL)
	}
	if nc.Prefix != "debloat" || nc.QueueGroup != "pkgmeta-workers" {
		t.Errorf("Prefix = %q, QueueGroup = %q", nc.Prefix, nc.QueueGroup)
	}
	if got := nc.Subject("fdroid", "enqueue"); got != "debloat.fdroid.enqueue" {
		t.Errorf("Subject() = %q", got)
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	want := []string{"version", "daemon", "fetch", "scan", "cache", "config"}
	for _, name := range want {
		found := false
		for _, c := range cmd.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

// The remaining tests set the package-level flag variables through
// Execute and so do not run in parallel.

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile, logLevel, logFormat = "", "", ""
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body = strings.ReplaceAll(body, "DATADIR", filepath.Join(dir, "data"))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "pkgmeta version "+version) {
		t.Errorf("output = %q", out)
	}
}

func TestConfigShow_RedactsKeys(t *testing.T) {
	path := writeConfig(t, `
data_dir: DATADIR
log:
  level: error
providers:
  virustotal:
    enabled: true
    api_key: vt-secret-key-123
`)

	out, err := runCmd(t, "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show error = %v", err)
	}
	if strings.Contains(out, "vt-secret-key-123") {
		t.Errorf("config show leaked the API key:\n%s", out)
	}
	if !strings.Contains(out, "virustotal") {
		t.Errorf("config show output missing providers:\n%s", out)
	}
}

func TestCacheStatsCmd(t *testing.T) {
	path := writeConfig(t, `
data_dir: DATADIR
log:
  level: error
`)

	out, err := runCmd(t, "--config", path, "cache", "stats", "--json")
	if err != nil {
		t.Fatalf("cache stats error = %v", err)
	}
	for _, name := range []string{"googleplay", "fdroid", "apkmirror"} {
		if !strings.Contains(out, `"provider": "`+name+`"`) {
			t.Errorf("stats output missing %s:\n%s", name, out)
		}
	}

	if _, err := runCmd(t, "--config", path, "cache", "purge", "virustotal"); err == nil {
		t.Error("purge of a disabled scanner succeeded")
	}
	if _, err := runCmd(t, "--config", path, "cache", "flush", "fdroid"); err == nil {
		t.Error("flush without --yes succeeded")
	}
	out, err = runCmd(t, "--config", path, "cache", "flush", "fdroid", "--yes")
	if err != nil {
		t.Fatalf("cache flush error = %v", err)
	}
	if !strings.Contains(out, "deleted 0 rows") {
		t.Errorf("flush output = %q", out)
	}
}
