package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetwatch/internal/logging"
	"fleetwatch/internal/supervisor"
	"fleetwatch/pkg/model"
)

type fakeMembers map[string]model.ClusterMember

func (f fakeMembers) Map() map[string]model.ClusterMember { return f }
func (f fakeMembers) Version() int64                      { return 7 }

type fakeTelemetry map[string]model.TelemetryRecord

func (f fakeTelemetry) Snapshot() map[string]model.TelemetryRecord { return f }

type fakeStats struct {
	apps, mismatch map[string]model.AppStat
	at             time.Time
}

func (f fakeStats) Apps() map[string]model.AppStat     { return f.apps }
func (f fakeStats) Mismatch() map[string]model.AppStat { return f.mismatch }
func (f fakeStats) UpdatedAt() time.Time               { return f.at }

type fakeHealth map[string]supervisor.Status

func (f fakeHealth) Status() map[string]supervisor.Status { return f }

func newTestServer(t *testing.T, health fakeHealth, staticDir string) *httptest.Server {
	t.Helper()
	members := fakeMembers{"a": {UUID: "a", Hostname: "host-a"}}
	tele := fakeTelemetry{"host-a": {UpdateTimestamp: 100}}
	good := model.NewWorkerCount(2, 2, 2)
	bad := model.NewWorkerCount(3, 2, 2)
	stats := fakeStats{
		apps: map[string]model.AppStat{
			"web": {TotalWorkers: 2, Hosts: map[string]model.WorkerCount{"host-a": good}},
			"api": {TotalWorkers: 2, Hosts: map[string]model.WorkerCount{"host-a": bad}},
		},
		mismatch: map[string]model.AppStat{
			"api": {TotalWorkers: 2, Hosts: map[string]model.WorkerCount{"host-a": bad}},
		},
		at: time.Unix(1000, 0),
	}
	srv := NewServer(members, tele, stats, health, staticDir, logging.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func TestAPI(t *testing.T) {
	ts := newTestServer(t, fakeHealth{"membership": {State: supervisor.Running}}, "")

	t.Run("cluster", func(t *testing.T) {
		var body ClusterResponse
		if code := getJSON(t, ts.URL+"/api/v1/cluster", &body); code != http.StatusOK {
			t.Fatalf("status: got %d", code)
		}
		if body.Version != 7 || body.Members["a"].Hostname != "host-a" {
			t.Fatalf("body: got %+v", body)
		}
	})

	t.Run("orcas", func(t *testing.T) {
		var body map[string]model.TelemetryRecord
		getJSON(t, ts.URL+"/api/v1/orcas", &body)
		if body["host-a"].UpdateTimestamp != 100 {
			t.Fatalf("body: got %+v", body)
		}
	})

	t.Run("apps", func(t *testing.T) {
		var body StatsResponse
		getJSON(t, ts.URL+"/api/v1/apps", &body)
		if len(body.Apps) != 2 || body.UpdatedAt != 1000 {
			t.Fatalf("body: got %+v", body)
		}
	})

	t.Run("mismatch", func(t *testing.T) {
		var body StatsResponse
		getJSON(t, ts.URL+"/api/v1/mismatch", &body)
		if _, ok := body.Apps["api"]; !ok || len(body.Apps) != 1 {
			t.Fatalf("body: got %+v", body)
		}
	})

	t.Run("health", func(t *testing.T) {
		var body map[string]any
		if code := getJSON(t, ts.URL+"/api/v1/health", &body); code != http.StatusOK {
			t.Fatalf("status: got %d", code)
		}
	})
}

func TestHealthUnavailable(t *testing.T) {
	ts := newTestServer(t, fakeHealth{
		"membership": {State: supervisor.Running},
		"telemetry":  {State: supervisor.Backoff, LastErr: "boom"},
	}, "")

	var body struct {
		Loops map[string]struct {
			State string `json:"state"`
		} `json:"loops"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/health", &body); code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", code)
	}
	if body.Loops["telemetry"].State != "backoff" {
		t.Fatalf("body: got %+v", body)
	}
}

func TestNotFound(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, fakeHealth{}, dir)

	t.Run("static", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/app.js")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status: got %d", resp.StatusCode)
		}
	})

	for _, path := range []string{"/missing", "/api/v2/cluster"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusNotFound {
				t.Fatalf("status: got %d", resp.StatusCode)
			}
			if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
				t.Fatalf("content type: got %q", resp.Header.Get("Content-Type"))
			}
		})
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler()) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServeBadAddress(t *testing.T) {
	if err := Serve(context.Background(), "127.0.0.1:notaport", http.NotFoundHandler()); err == nil {
		t.Fatal("expected listen error")
	}
}
