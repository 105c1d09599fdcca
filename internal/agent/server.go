package agent

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"fleetwatch/internal/logging"
	"fleetwatch/internal/probe"
)

// Handler serves /info, /v1/state and /v1/metrics.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /info", a.handleInfo)
	mux.HandleFunc("GET /v1/state", a.handleState)
	mux.HandleFunc("GET /v1/metrics", a.handleMetrics)
	return a.withLogger(mux)
}

// withLogger hands each request a logger tagged with its path.
func (a *Agent) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := a.logger.With("path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(logging.WithContext(r.Context(), logger)))
	})
}

func (a *Agent) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.info())
}

func (a *Agent) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := a.committedState(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Errorw("reading committed state", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleMetrics reports agent metrics. With ?flatten the body is a flat
// name -> value map, otherwise names are split on dots into nested
// objects.
func (a *Agent) handleMetrics(w http.ResponseWriter, r *http.Request) {
	flat := map[string]float64{
		"agent.uptime": float64(a.info().Uptime),
	}
	running, err := a.running(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Warnw("runtime count failed", "error", err)
	}
	apps := make([]string, 0, len(running))
	for app := range running {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	for _, app := range apps {
		flat[probe.RunningMetric(app)] = float64(running[app])
	}
	flat["apps.count"] = float64(len(apps))

	if _, ok := r.URL.Query()["flatten"]; ok {
		writeJSON(w, http.StatusOK, flat)
		return
	}
	writeJSON(w, http.StatusOK, nest(flat))
}

func nest(flat map[string]float64) map[string]any {
	root := map[string]any{}
	for name, v := range flat {
		node := root
		parts := splitMetric(name)
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = v
	}
	return root
}

// splitMetric splits on the first dot and the last two, so application
// names containing dots stay whole: apps.<app>.workers.running.
func splitMetric(name string) []string {
	var parts []string
	head := name
	for i := 0; i < 2; i++ {
		j := strings.LastIndexByte(head, '.')
		if j < 0 {
			break
		}
		parts = append([]string{head[j+1:]}, parts...)
		head = head[:j]
	}
	if i := strings.IndexByte(head, '.'); i >= 0 {
		return append([]string{head[:i], head[i+1:]}, parts...)
	}
	return append([]string{head}, parts...)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
