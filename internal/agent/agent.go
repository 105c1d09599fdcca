// Package agent is the per-node side of fleetwatch: it publishes the
// node descriptor under the membership path and serves the telemetry
// endpoints the monitor probes.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleetwatch/internal/logging"
	"fleetwatch/pkg/model"
	"fleetwatch/pkg/store"
)

// Version is reported on /info.
var Version = "dev"

// RuntimeCounter reports how many workers of each application are
// actually running on this node.
type RuntimeCounter interface {
	Running(ctx context.Context) (map[string]int64, error)
}

type Options struct {
	UUID      string
	Hostname  string
	Endpoints []model.Endpoint
	Resources model.Resources
	// Path is the membership path; the descriptor lives at Path/UUID.
	Path string
	// StatePath holds the committed state at StatePath/UUID.
	StatePath string
	LeaseTTL  int64
	// StateTimeout bounds the committed state read and the runtime count.
	StateTimeout time.Duration
}

type Agent struct {
	opts     Options
	registry store.Registry
	counter  RuntimeCounter
	logger   *logging.Logger
	started  time.Time
	now      func() time.Time
}

// NewAgent fills in a random UUID and the OS hostname when none are
// configured. counter may be nil, in which case no running counts are
// reported.
func NewAgent(registry store.Registry, counter RuntimeCounter, opts Options, logger *logging.Logger) *Agent {
	// 没有配置 UUID 就随机生成一个
	if opts.UUID == "" {
		opts.UUID = uuid.New().String()
	}
	if opts.Hostname == "" {
		opts.Hostname, _ = os.Hostname()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10
	}
	if opts.StateTimeout <= 0 {
		opts.StateTimeout = 3 * time.Second
	}
	return &Agent{
		opts:     opts,
		registry: registry,
		counter:  counter,
		logger:   logger.With("uuid", opts.UUID),
		started:  time.Now(),
		now:      time.Now,
	}
}

func (a *Agent) UUID() string { return a.opts.UUID }

// Descriptor is the value published under the membership path.
func (a *Agent) Descriptor() model.ClusterMember {
	return model.ClusterMember{
		UUID:      a.opts.UUID,
		Hostname:  a.opts.Hostname,
		Resources: a.opts.Resources,
		Endpoints: a.opts.Endpoints,
	}
}

// Register publishes the descriptor under a lease and blocks while the
// lease is alive. Run it under a supervisor: a lost lease returns an
// error and the next run registers again.
func (a *Agent) Register(ctx context.Context) error {
	path := store.ChildPath(a.opts.Path, a.opts.UUID)
	a.logger.Infow("registering", "path", path, "ttl", a.opts.LeaseTTL)
	return a.registry.Register(ctx, path, a.Descriptor(), a.opts.LeaseTTL)
}

func (a *Agent) info() model.AgentInfo {
	return model.AgentInfo{
		Uptime:  int64(a.now().Sub(a.started).Seconds()),
		Version: Version,
		UUID:    a.opts.UUID,
	}
}

// committedState reads the node's committed state and overlays the
// running counts. A node with nothing committed reports an empty state.
func (a *Agent) committedState(ctx context.Context) (model.CommittedState, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.StateTimeout)
	defer cancel()

	state := model.CommittedState{State: map[string]model.AppState{}}
	raw, version, err := a.registry.GetValue(ctx, store.ChildPath(a.opts.StatePath, a.opts.UUID), "")
	if err != nil {
		return state, err
	}
	// 还没有提交过状态的节点返回空 state
	if raw != nil {
		if err := json.Unmarshal(raw, &state); err != nil {
			return state, fmt.Errorf("decoding committed state: %w", err)
		}
		if state.State == nil {
			state.State = map[string]model.AppState{}
		}
	}
	if state.Version == 0 {
		state.Version = version
	}
	state.Timestamp = a.now().Unix()

	// 用 docker 的实际数量覆盖 Running
	running, err := a.running(ctx)
	if err != nil {
		logging.FromContext(ctx).Warnw("runtime count failed", "error", err)
		return state, nil
	}
	for app, st := range state.State {
		n := running[app]
		st.Running = &n
		state.State[app] = st
	}
	return state, nil
}

func (a *Agent) running(ctx context.Context) (map[string]int64, error) {
	if a.counter == nil {
		return map[string]int64{}, nil
	}
	return a.counter.Running(ctx)
}

// ParseEndpoints parses host:port pairs; IPv6 hosts are written in
// brackets ("[2a02:6b8::1]:8877").
func ParseEndpoints(pairs []string) ([]model.Endpoint, error) {
	out := make([]model.Endpoint, 0, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(pair)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", pair, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: bad port: %w", pair, err)
		}
		out = append(out, model.Endpoint{Host: host, Port: uint16(port)})
	}
	return out, nil
}
