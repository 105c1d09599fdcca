package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fleetwatch/internal/aggregate"
	"fleetwatch/internal/credential"
	"fleetwatch/internal/logging"
	"fleetwatch/internal/probe"
	"fleetwatch/pkg/model"
)

type fakeProber struct {
	mu      sync.Mutex
	fail    map[string]error
	headers []string

	delay    time.Duration
	inFlight atomic.Int64
	peak     atomic.Int64
}

func (f *fakeProber) Probe(ctx context.Context, member model.ClusterMember, header string) (*model.NodeTelemetry, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.headers = append(f.headers, header)
	err := f.fail[member.Hostname]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &model.NodeTelemetry{
		Hostname: member.Hostname,
		Distribution: map[string]model.WorkerCount{
			"X": model.NewWorkerCount(5, 5, 3),
		},
	}, nil
}

type staticMembers []model.ClusterMember

func (s staticMembers) Members() []model.ClusterMember { return s }

type failingProvider struct{}

func (failingProvider) Header(context.Context) (string, error) {
	return "", &credential.Error{ClientID: 1, Err: errors.New("denied")}
}

func members(hosts ...string) []model.ClusterMember {
	out := make([]model.ClusterMember, len(hosts))
	for i, h := range hosts {
		out[i] = model.ClusterMember{UUID: "uuid-" + h, Hostname: h}
	}
	return out
}

func newTestCollector(prober Prober, pod *Pod, view *aggregate.View, opts Options, now time.Time) *Collector {
	c := NewCollector(prober, credential.NewProvider(nil, 0, nil), staticMembers(nil), pod, view, opts, logging.Nop())
	c.now = func() time.Time { return now }
	c.wait = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestGatherKeepsLastGoodRecord(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	pod := NewPod()
	pod.Put(model.TelemetryRecord{
		Telemetry:       model.NodeTelemetry{Hostname: "B", Info: model.AgentInfo{Version: "old"}},
		UpdateTimestamp: now.Unix() - 60,
	})

	prober := &fakeProber{fail: map[string]error{
		"B": &probe.Error{Kind: probe.Timeout, Host: "B", Err: context.DeadlineExceeded},
	}}
	c := newTestCollector(prober, pod, nil, Options{IntervalSeconds: 10}, now)

	if err := c.Gather(context.Background(), members("A", "B", "C")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records := pod.Snapshot()
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	for _, host := range []string{"A", "C"} {
		if records[host].UpdateTimestamp != now.Unix() {
			t.Fatalf("%s not refreshed: %+v", host, records[host])
		}
	}
	if records["B"].UpdateTimestamp != now.Unix()-60 || records["B"].Telemetry.Info.Version != "old" {
		t.Fatalf("B's last good record not retained: %+v", records["B"])
	}
}

func TestGatherEvictsExpiredRecords(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	pod := NewPod()
	pod.Put(model.TelemetryRecord{
		Telemetry:       model.NodeTelemetry{Hostname: "B"},
		UpdateTimestamp: now.Unix() - 3601,
	})
	pod.Put(model.TelemetryRecord{
		Telemetry:       model.NodeTelemetry{Hostname: "edge"},
		UpdateTimestamp: now.Unix() - 3600,
	})

	prober := &fakeProber{fail: map[string]error{
		"B":    errors.New("unreachable"),
		"edge": errors.New("unreachable"),
	}}
	c := newTestCollector(prober, pod, nil, Options{IntervalSeconds: 10}, now)

	if err := c.Gather(context.Background(), members("A", "B", "edge")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records := pod.Snapshot()
	if _, ok := records["B"]; ok {
		t.Fatal("record older than retention survived a cycle")
	}
	if _, ok := records["edge"]; !ok {
		t.Fatal("record exactly at retention was evicted")
	}
	if _, ok := records["A"]; !ok {
		t.Fatal("fresh record missing")
	}
}

func TestGatherUpdatesView(t *testing.T) {
	view := aggregate.NewView()
	c := newTestCollector(&fakeProber{}, NewPod(), view, Options{IntervalSeconds: 1}, time.Unix(100, 0))

	if err := c.Gather(context.Background(), members("A", "B")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	x, ok := view.Apps()["X"]
	if !ok || x.TotalWorkers != 10 {
		t.Fatalf("X: got %+v", x)
	}
	if _, ok := view.Mismatch()["X"]; !ok {
		t.Fatal("runtime mismatch not surfaced")
	}

	c.Clear()
	if len(view.Apps()) != 0 {
		t.Fatal("view not cleared")
	}
}

func TestGatherCredentialFailure(t *testing.T) {
	pod := NewPod()
	prober := &fakeProber{}
	c := NewCollector(prober, failingProvider{}, staticMembers(nil), pod, nil, Options{IntervalSeconds: 1}, logging.Nop())

	err := c.Gather(context.Background(), members("A"))
	var credErr *credential.Error
	if !errors.As(err, &credErr) {
		t.Fatalf("expected credential error, got %v", err)
	}
	if len(prober.headers) != 0 || pod.Len() != 0 {
		t.Fatal("probes ran without a credential")
	}
}

func TestGatherStaggersByIndex(t *testing.T) {
	c := newTestCollector(&fakeProber{}, NewPod(), nil, Options{IntervalSeconds: 3}, time.Unix(100, 0))

	var mu sync.Mutex
	delays := map[time.Duration]int{}
	c.wait = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays[d]++
		mu.Unlock()
		return nil
	}

	if err := c.Gather(context.Background(), members("a", "b", "c", "d", "e")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[time.Duration]int{0: 2, time.Second: 2, 2 * time.Second: 1}
	for d, n := range want {
		if delays[d] != n {
			t.Fatalf("delays: got %v, want %v", delays, want)
		}
	}
}

func TestStaggerDelay(t *testing.T) {
	cases := []struct {
		index, interval int
		want            time.Duration
	}{
		{0, 10, 0},
		{3, 10, 3 * time.Second},
		{13, 10, 3 * time.Second},
		{5, 1, 0},
		{5, 0, 0},
	}
	for _, tc := range cases {
		if got := StaggerDelay(tc.index, tc.interval); got != tc.want {
			t.Fatalf("StaggerDelay(%d, %d) = %s, want %s", tc.index, tc.interval, got, tc.want)
		}
	}
}

func TestGatherRespectsConcurrencyCap(t *testing.T) {
	prober := &fakeProber{delay: 20 * time.Millisecond}
	c := newTestCollector(prober, NewPod(), nil, Options{IntervalSeconds: 1, MaxConcurrency: 2}, time.Unix(100, 0))

	hosts := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	if err := c.Gather(context.Background(), members(hosts...)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak := prober.peak.Load(); peak > 2 {
		t.Fatalf("peak concurrency %d exceeds cap 2", peak)
	}
	if c.pod.Len() != len(hosts) {
		t.Fatalf("got %d records, want %d", c.pod.Len(), len(hosts))
	}
}

func TestPodCommitOverwrites(t *testing.T) {
	pod := NewPod()
	now := time.Unix(5000, 0)
	pod.Commit([]model.NodeTelemetry{{Hostname: "a", Info: model.AgentInfo{Version: "1"}}}, now, time.Hour)
	pod.Commit([]model.NodeTelemetry{{Hostname: "a", Info: model.AgentInfo{Version: "2"}}}, now.Add(time.Second), time.Hour)

	rec := pod.Snapshot()["a"]
	if rec.Telemetry.Info.Version != "2" || rec.UpdateTimestamp != 5001 {
		t.Fatalf("got %+v", rec)
	}
}
