// ABOUTME: Tests for the NATS control handler
// ABOUTME: Subject routing, fetch and scan operations, and error replies

package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/config"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/queue"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/scan"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/service"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/store"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
)

func newTestService(t *testing.T) *service.Service {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Providers.GooglePlay.Enabled = false
	cfg.Providers.APKMirror.Enabled = false
	cfg.Providers.FDroid.BaseURL = "http://127.0.0.1:1"
	cfg.Providers.VirusTotal.Enabled = true
	cfg.Providers.VirusTotal.APIKey = "test-key"
	cfg.Providers.VirusTotal.BaseURL = "http://127.0.0.1:1"

	s, err := service.New(context.Background(), cfg,
		service.WithDB(store.OpenMemory(t)),
		service.WithInMemoryDigests(),
		service.WithLogger(observability.NopLogger()),
	)
	if err != nil {
		t.Fatalf("service.New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHandler_ParseSubject(t *testing.T) {
	t.Parallel()

	h := queue.NewHandler(nil, "pkgmeta.")

	tests := []struct {
		subject string
		want    queue.Route
		wantErr bool
	}{
		{subject: "pkgmeta.fdroid.enqueue", want: queue.Route{Provider: "fdroid", Op: "enqueue"}},
		{subject: "pkgmeta.scan.virustotal.submit", want: queue.Route{Scan: true, Provider: "virustotal", Op: "submit"}},
		{subject: "pkgmeta.metrics", want: queue.Route{Op: "metrics"}},
		{subject: "pkgmeta.fdroid", wantErr: true},
		{subject: "pkgmeta.a.b.c.d", wantErr: true},
		{subject: "other.fdroid.enqueue", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			t.Parallel()

			got, err := h.ParseSubject(tt.subject)
			if tt.wantErr {
				if !errors.Is(err, queue.ErrUnknownOperation) {
					t.Errorf("ParseSubject() error = %v, want ErrUnknownOperation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSubject() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseSubject() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestHandler_FetchOperations(t *testing.T) {
	t.Parallel()

	h := queue.NewHandler(newTestService(t), "pkgmeta")
	ctx := context.Background()

	resp := h.Handle(ctx, "pkgmeta.fdroid.enqueue", []byte(`{"id":"org.fdroid.fdroid","request_id":"not-a-uuid"}`))
	if resp.Status != queue.StatusOK {
		t.Fatalf("enqueue Status = %q, error = %q", resp.Status, resp.Error)
	}
	if reply, ok := resp.Data.(queue.EnqueueReply); !ok || !reply.Queued {
		t.Errorf("enqueue Data = %#v, want queued", resp.Data)
	}
	if resp.RequestID == "" || resp.RequestID == "not-a-uuid" {
		t.Errorf("RequestID = %q, want a generated id", resp.RequestID)
	}

	resp = h.Handle(ctx, "pkgmeta.fdroid.batch", []byte(`{"ids":["org.fdroid.fdroid","com.example.b","bad id"]}`))
	if reply, ok := resp.Data.(queue.BatchReply); !ok || reply.Queued != 1 || reply.Requested != 3 {
		t.Errorf("batch Data = %#v, want 1 of 3 queued", resp.Data)
	}

	resp = h.Handle(ctx, "pkgmeta.fdroid.status", []byte(`{"id":"com.example.b"}`))
	if resp.Status != queue.StatusOK {
		t.Fatalf("status error = %q", resp.Error)
	}
	if view, ok := resp.Data.(service.FetchView); !ok || view.State.String() != "pending" {
		t.Errorf("status Data = %#v, want pending", resp.Data)
	}

	resp = h.Handle(ctx, "pkgmeta.fdroid.stats", nil)
	stats, ok := resp.Data.(service.FetchStats)
	if !ok {
		t.Fatalf("stats Data = %#v", resp.Data)
	}
	if stats.Provider != types.ProviderFDroid || stats.Queued != 2 || stats.Running {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Breaker != "closed" {
		t.Errorf("Breaker = %q, want closed", stats.Breaker)
	}

	if resp := h.Handle(ctx, "pkgmeta.fdroid.clear_queue", nil); resp.Status != queue.StatusOK {
		t.Errorf("clear_queue error = %q", resp.Error)
	}
	resp = h.Handle(ctx, "pkgmeta.fdroid.stats", nil)
	if stats := resp.Data.(service.FetchStats); stats.Queued != 0 {
		t.Errorf("Queued after clear = %d, want 0", stats.Queued)
	}

	resp = h.Handle(ctx, "pkgmeta.fdroid.result", []byte(`{"id":"com.example.b"}`))
	if resp.Status != queue.StatusError {
		t.Errorf("result for unfetched id Status = %q, want error", resp.Status)
	}
}

func TestHandler_ScanOperations(t *testing.T) {
	t.Parallel()

	h := queue.NewHandler(newTestService(t), "pkgmeta")
	ctx := context.Background()

	body, err := json.Marshal(queue.Request{
		Package: "com.example.app",
		Files:   []scan.FileInput{{Path: "/data/app/base.apk"}},
	})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	resp := h.Handle(ctx, "pkgmeta.scan.virustotal.submit", body)
	if reply, ok := resp.Data.(queue.EnqueueReply); !ok || !reply.Queued {
		t.Fatalf("submit = %+v", resp)
	}

	resp = h.Handle(ctx, "pkgmeta.scan.virustotal.state", []byte(`{"package":"com.example.app"}`))
	if view, ok := resp.Data.(service.ScanView); !ok || view.Phase.String() != "pending" {
		t.Errorf("state Data = %#v, want pending", resp.Data)
	}

	resp = h.Handle(ctx, "pkgmeta.scan.virustotal.progress", nil)
	if p, ok := resp.Data.(queue.ProgressReply); !ok || p.Total != 1 || p.Queued != 1 {
		t.Errorf("progress Data = %#v", resp.Data)
	}

	resp = h.Handle(ctx, "pkgmeta.scan.virustotal.clear_queue", nil)
	if resp.Status != queue.StatusOK {
		t.Errorf("clear_queue error = %q", resp.Error)
	}
	resp = h.Handle(ctx, "pkgmeta.scan.virustotal.states", nil)
	if states, ok := resp.Data.(map[string]service.ScanView); !ok || len(states) != 0 {
		t.Errorf("states after clear = %#v", resp.Data)
	}

	resp = h.Handle(ctx, "pkgmeta.scan.virustotal.check_pending", nil)
	if p, ok := resp.Data.(queue.PendingReply); !ok || p.Resolved != 0 {
		t.Errorf("check_pending Data = %#v", resp.Data)
	}
}

func TestHandler_Errors(t *testing.T) {
	t.Parallel()

	h := queue.NewHandler(newTestService(t), "pkgmeta")
	ctx := context.Background()

	tests := []struct {
		name    string
		subject string
		body    string
	}{
		{name: "invalid json", subject: "pkgmeta.fdroid.enqueue", body: `{`},
		{name: "disabled provider", subject: "pkgmeta.googleplay.enqueue", body: `{"id":"a.b"}`},
		{name: "scanner disabled", subject: "pkgmeta.scan.hybridanalysis.progress"},
		{name: "unknown op", subject: "pkgmeta.fdroid.explode"},
		{name: "missing id", subject: "pkgmeta.fdroid.enqueue", body: `{}`},
		{name: "missing package", subject: "pkgmeta.scan.virustotal.submit", body: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp := h.Handle(ctx, tt.subject, []byte(tt.body))
			if resp.Status != queue.StatusError || resp.Error == "" {
				t.Errorf("Handle() = %+v, want an error reply", resp)
			}
			if resp.ProcessedAt.IsZero() {
				t.Error("ProcessedAt not set")
			}
		})
	}
}

func TestHandler_Metrics(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	s.Metrics().RecordCacheHit(types.ProviderFDroid)
	h := queue.NewHandler(s, "pkgmeta")

	resp := h.Handle(context.Background(), "pkgmeta.metrics", nil)
	snap, ok := resp.Data.(observability.MetricsSnapshot)
	if !ok {
		t.Fatalf("metrics Data = %#v", resp.Data)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if len(data) == 0 {
		t.Error("empty metrics snapshot")
	}
}

func TestClient_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping NATS round trip in short mode")
	}
	url := os.Getenv("PKGMETA_TEST_NATS_URL")
	if url == "" {
		t.Skip("PKGMETA_TEST_NATS_URL not set")
	}

	cfg := queue.DefaultNATSConfig()
	cfg.URL = url
	cfg.Prefix = "pkgmeta-test"

	server := queue.NewClient(cfg, queue.NewHandler(newTestService(t), cfg.Prefix), observability.NopLogger())
	ctx := context.Background()
	if err := server.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer server.Close()
	if err := server.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	client := queue.NewClient(cfg, nil, observability.NopLogger())
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	resp, err := client.Request(ctx, cfg.Subject(types.ProviderFDroid, queue.OpEnqueue), queue.Request{ID: "org.fdroid.fdroid"})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if resp.Status != queue.StatusOK {
		t.Errorf("Status = %q, error = %q", resp.Status, resp.Error)
	}
}
