// Package aggregate rolls telemetry records up into per-application
// worker statistics.
package aggregate

import (
	"sync"
	"time"

	"fleetwatch/pkg/model"
)

// Aggregate builds per-app stats from one pod snapshot. Counts that are
// zero on all three axes are skipped, so an app idle on every host does
// not appear at all.
func Aggregate(records map[string]model.TelemetryRecord) map[string]model.AppStat {
	stats := make(map[string]model.AppStat)
	for host, rec := range records {
		for app, count := range rec.Telemetry.Distribution {
			if count.IsZero() {
				continue
			}
			stat, ok := stats[app]
			if !ok {
				stat = model.AppStat{Hosts: make(map[string]model.WorkerCount)}
			}
			stat.TotalWorkers += count.Output
			stat.Hosts[host] = count
			stats[app] = stat
		}
	}
	return stats
}

// Mismatched keeps the apps where at least one host disagrees on its
// worker counts.
func Mismatched(stats map[string]model.AppStat) map[string]model.AppStat {
	out := make(map[string]model.AppStat)
	for app, stat := range stats {
		for _, count := range stat.Hosts {
			if count.Mismatch() {
				out[app] = stat
				break
			}
		}
	}
	return out
}

// View holds the latest aggregation. Each Update replaces both maps.
type View struct {
	mu        sync.RWMutex
	apps      map[string]model.AppStat
	mismatch  map[string]model.AppStat
	updatedAt time.Time
}

func NewView() *View {
	return &View{apps: map[string]model.AppStat{}, mismatch: map[string]model.AppStat{}}
}

// Update recomputes both views from records.
func (v *View) Update(records map[string]model.TelemetryRecord, now time.Time) {
	apps := Aggregate(records)
	mismatch := Mismatched(apps)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.apps = apps
	v.mismatch = mismatch
	v.updatedAt = now
}

// Apps returns the current stats. The maps are replaced, never mutated,
// after publication, so callers may read them freely.
func (v *View) Apps() map[string]model.AppStat {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.apps
}

func (v *View) Mismatch() map[string]model.AppStat {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.mismatch
}

func (v *View) UpdatedAt() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.updatedAt
}

func (v *View) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.apps = map[string]model.AppStat{}
	v.mismatch = map[string]model.AppStat{}
	v.updatedAt = time.Time{}
}
