package telemetry

import (
	"sync"
	"time"

	"fleetwatch/pkg/model"
)

// Pod holds the latest telemetry record per hostname. The collector is
// its only writer.
type Pod struct {
	mu      sync.RWMutex
	records map[string]model.TelemetryRecord
}

func NewPod() *Pod {
	return &Pod{records: map[string]model.TelemetryRecord{}}
}

// Snapshot returns a copy of the records keyed by hostname.
func (p *Pod) Snapshot() map[string]model.TelemetryRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]model.TelemetryRecord, len(p.records))
	for host, rec := range p.records {
		out[host] = rec
	}
	return out
}

func (p *Pod) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}

// Commit first evicts every record older than retention, then stores the
// fresh results stamped with now.
func (p *Pod) Commit(fresh []model.NodeTelemetry, now time.Time, retention time.Duration) (evicted int) {
	stamp := now.Unix()
	cutoff := stamp - int64(retention/time.Second)

	p.mu.Lock()
	defer p.mu.Unlock()

	for host, rec := range p.records {
		if rec.UpdateTimestamp < cutoff {
			delete(p.records, host)
			evicted++
		}
	}
	for _, tel := range fresh {
		p.records[tel.Hostname] = model.TelemetryRecord{Telemetry: tel, UpdateTimestamp: stamp}
	}
	return evicted
}

func (p *Pod) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = map[string]model.TelemetryRecord{}
}
