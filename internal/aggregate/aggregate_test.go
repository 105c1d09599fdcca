package aggregate

import (
	"testing"
	"time"

	"fleetwatch/pkg/model"
)

func record(host string, dist map[string]model.WorkerCount) model.TelemetryRecord {
	return model.TelemetryRecord{
		Telemetry:       model.NodeTelemetry{Hostname: host, Distribution: dist},
		UpdateTimestamp: 1,
	}
}

func TestAggregate(t *testing.T) {
	records := map[string]model.TelemetryRecord{
		"h1": record("h1", map[string]model.WorkerCount{
			"X":    model.NewWorkerCount(5, 5, 3),
			"Y":    model.NewWorkerCount(2, 2, 2),
			"idle": model.NewWorkerCount(0, 0, 0),
		}),
		"h2": record("h2", map[string]model.WorkerCount{
			"X":    model.NewWorkerCount(4, 4, 4),
			"idle": model.NewWorkerCount(0, 0, 0),
		}),
	}

	stats := Aggregate(records)

	if _, ok := stats["idle"]; ok {
		t.Fatal("app idle on every host must be excluded")
	}
	x, ok := stats["X"]
	if !ok {
		t.Fatal("X missing")
	}
	if x.TotalWorkers != 9 {
		t.Fatalf("X total: got %d, want 9", x.TotalWorkers)
	}
	if len(x.Hosts) != 2 || x.Hosts["h1"].Runtime != 3 {
		t.Fatalf("X hosts: got %+v", x.Hosts)
	}
	if stats["Y"].TotalWorkers != 2 {
		t.Fatalf("Y total: got %d", stats["Y"].TotalWorkers)
	}
}

func TestAggregateKeepsPartiallyIdleApps(t *testing.T) {
	records := map[string]model.TelemetryRecord{
		"h1": record("h1", map[string]model.WorkerCount{"Z": model.NewWorkerCount(0, 0, 0)}),
		"h2": record("h2", map[string]model.WorkerCount{"Z": model.NewWorkerCount(1, 0, 0)}),
	}
	z, ok := Aggregate(records)["Z"]
	if !ok {
		t.Fatal("Z missing")
	}
	if _, ok := z.Hosts["h1"]; ok {
		t.Fatal("all-zero host entry must be skipped")
	}
	if !z.Hosts["h2"].MismatchInOut {
		t.Fatalf("h2: got %+v", z.Hosts["h2"])
	}
}

func TestMismatched(t *testing.T) {
	stats := Aggregate(map[string]model.TelemetryRecord{
		"h1": record("h1", map[string]model.WorkerCount{
			"ok":      model.NewWorkerCount(3, 3, 3),
			"runtime": model.NewWorkerCount(5, 5, 3),
			"inout":   model.NewWorkerCount(6, 4, 6),
		}),
	})
	got := Mismatched(stats)
	if len(got) != 2 {
		t.Fatalf("got %d apps, want 2: %v", len(got), got)
	}
	if _, ok := got["ok"]; ok {
		t.Fatal("consistent app flagged")
	}
}

func TestViewReplacesWholesale(t *testing.T) {
	v := NewView()
	now := time.Unix(100, 0)
	v.Update(map[string]model.TelemetryRecord{
		"h1": record("h1", map[string]model.WorkerCount{"X": model.NewWorkerCount(5, 5, 3)}),
	}, now)
	if len(v.Apps()) != 1 || len(v.Mismatch()) != 1 || !v.UpdatedAt().Equal(now) {
		t.Fatalf("after first update: %v %v", v.Apps(), v.Mismatch())
	}

	v.Update(map[string]model.TelemetryRecord{
		"h2": record("h2", map[string]model.WorkerCount{"Y": model.NewWorkerCount(1, 1, 1)}),
	}, now.Add(time.Second))
	if _, ok := v.Apps()["X"]; ok {
		t.Fatal("stale app survived an update")
	}
	if len(v.Mismatch()) != 0 {
		t.Fatalf("stale mismatch survived: %v", v.Mismatch())
	}

	v.Clear()
	if len(v.Apps()) != 0 || !v.UpdatedAt().IsZero() {
		t.Fatal("clear left data behind")
	}
}

func TestUncommittedRunningAppIsMismatched(t *testing.T) {
	records := map[string]model.TelemetryRecord{
		"h1": record("h1", map[string]model.WorkerCount{
			"stray": model.NewWorkerCount(0, 0, 2),
		}),
	}

	mismatch := Mismatched(Aggregate(records))

	stray, ok := mismatch["stray"]
	if !ok {
		t.Fatalf("stray missing from mismatch view: %+v", mismatch)
	}
	if stray.TotalWorkers != 0 || !stray.Hosts["h1"].MismatchRuntime {
		t.Fatalf("stray: got %+v", stray)
	}
}
