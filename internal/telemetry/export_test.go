package telemetry

import "fleetwatch/pkg/model"

// Put stores a record as is.
func (p *Pod) Put(rec model.TelemetryRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[rec.Telemetry.Hostname] = rec
}
