package model

// WorkerCount compares what a node committed to run (Output), what it was
// asked to run (Input) and what it actually runs (Runtime).
type WorkerCount struct {
	Input           int64 `json:"input"`
	Output          int64 `json:"output"`
	Runtime         int64 `json:"runtime"`
	MismatchInOut   bool  `json:"mismatch_in_out"`
	MismatchRuntime bool  `json:"mismatch_runtime"`
}

// NewWorkerCount fills in the mismatch flags.
func NewWorkerCount(input, output, runtime int64) WorkerCount {
	return WorkerCount{
		Input:           input,
		Output:          output,
		Runtime:         runtime,
		MismatchInOut:   input != output,
		MismatchRuntime: input != runtime,
	}
}

// IsZero reports whether all three counts are zero.
func (w WorkerCount) IsZero() bool {
	return w.Input == 0 && w.Output == 0 && w.Runtime == 0
}

// Mismatch reports whether either flag is set.
func (w WorkerCount) Mismatch() bool {
	return w.MismatchInOut || w.MismatchRuntime
}

// NodeTelemetry is the result of one successful probe.
type NodeTelemetry struct {
	Hostname     string                 `json:"hostname"`
	Endpoints    []Endpoint             `json:"endpoints"`
	Info         AgentInfo              `json:"info"`
	Metrics      map[string]float64     `json:"metrics"`
	Distribution map[string]WorkerCount `json:"distribution"`
}

// TelemetryRecord is a NodeTelemetry stamped with the unix second it was
// committed at.
type TelemetryRecord struct {
	Telemetry       NodeTelemetry `json:"telemetry"`
	UpdateTimestamp int64         `json:"update_timestamp"`
}

// AppStat is the per-application roll-up across hosts.
type AppStat struct {
	TotalWorkers int64                  `json:"total_workers"`
	Hosts        map[string]WorkerCount `json:"hosts"`
}
