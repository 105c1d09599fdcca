package probe

import (
	"strings"

	"fleetwatch/pkg/model"
)

// RunningMetric is the flattened metric name a node agent may use for
// the observed worker count of an app when its state entry omits it.
func RunningMetric(app string) string {
	return "apps." + app + ".workers.running"
}

// Distribution derives per-application worker counts from committed
// state. Output is the committed count; Input is the incoming count and
// defaults to Output; Runtime is the running count, then the running
// metric, then Input. Apps that only appear as a running metric are
// reported with nothing committed.
func Distribution(state model.CommittedState, metrics map[string]float64) map[string]model.WorkerCount {
	out := make(map[string]model.WorkerCount, len(state.State))
	for app, s := range state.State {
		output := s.Workers

		input := output
		if s.Incoming != nil {
			input = *s.Incoming
		}

		runtime := input
		if s.Running != nil {
			runtime = *s.Running
		} else if v, ok := metrics[RunningMetric(app)]; ok {
			runtime = int64(v)
		}

		out[app] = model.NewWorkerCount(input, output, runtime)
	}
	for name, v := range metrics {
		app, ok := runningApp(name)
		if !ok {
			continue
		}
		if _, committed := out[app]; !committed {
			out[app] = model.NewWorkerCount(0, 0, int64(v))
		}
	}
	return out
}

// runningApp is the inverse of RunningMetric.
func runningApp(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, "apps.")
	if !ok {
		return "", false
	}
	app, ok := strings.CutSuffix(rest, ".workers.running")
	if !ok || app == "" {
		return "", false
	}
	return app, true
}
