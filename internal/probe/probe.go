// Package probe fetches one node agent's identity, committed state and
// metrics and turns them into NodeTelemetry.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"fleetwatch/pkg/model"
)

const (
	infoPath    = "/info"
	statePath   = "/v1/state"
	metricsPath = "/v1/metrics"

	// maxResponseSize bounds agent response bodies.
	maxResponseSize = 16 << 20
)

// Options configures a Prober.
type Options struct {
	Scheme         string
	Port           int
	Timeout        time.Duration
	MetricsTimeout time.Duration
}

// Prober runs the three-call telemetry fetch against node agents. One
// Prober is shared by every concurrent probe; its http.Client pools
// connections per host.
type Prober struct {
	client *http.Client
	opts   Options
}

func NewProber(opts Options) *Prober {
	if opts.Scheme == "" {
		opts.Scheme = "http"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MetricsTimeout <= 0 {
		opts.MetricsTimeout = opts.Timeout
	}
	return &Prober{
		client: &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		opts:   opts,
	}
}

// Probe fetches telemetry for one member, sending header (if any) as the
// Authorization header. Metrics are best effort; an identity or
// committed-state failure fails the probe.
func (p *Prober) Probe(ctx context.Context, member model.ClusterMember, header string) (*model.NodeTelemetry, error) {
	base, err := p.baseURL(member)
	if err != nil {
		return nil, err
	}

	var (
		wg       sync.WaitGroup
		info     model.AgentInfo
		state    model.CommittedState
		metrics  map[string]float64
		infoErr  error
		stateErr error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		infoErr = p.get(ctx, member.Hostname, base, infoPath, "", header, p.opts.Timeout, &info)
	}()
	go func() {
		defer wg.Done()
		stateErr = p.get(ctx, member.Hostname, base, statePath, "", header, p.opts.Timeout, &state)
	}()
	go func() {
		defer wg.Done()
		if err := p.get(ctx, member.Hostname, base, metricsPath, "flatten", header, p.opts.MetricsTimeout, &metrics); err != nil {
			metrics = nil
		}
	}()
	wg.Wait()

	if infoErr != nil {
		return nil, infoErr
	}
	if stateErr != nil {
		return nil, stateErr
	}
	if metrics == nil {
		metrics = map[string]float64{}
	}

	return &model.NodeTelemetry{
		Hostname:     member.Hostname,
		Endpoints:    append([]model.Endpoint(nil), member.Endpoints...),
		Info:         info,
		Metrics:      metrics,
		Distribution: Distribution(state, metrics),
	}, nil
}

// baseURL builds scheme://[host]:port from the first IPv6 endpoint.
func (p *Prober) baseURL(member model.ClusterMember) (*url.URL, error) {
	endpoint, ok := SelectEndpoint(member.Endpoints)
	if !ok {
		return nil, &Error{Kind: NoRoute, Host: member.Hostname, Err: ErrNoRoute}
	}
	raw := p.opts.Scheme + "://" + net.JoinHostPort(endpoint.Host, strconv.Itoa(p.opts.Port))
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &ValidationError{Value: raw, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &ValidationError{Value: raw, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	return u, nil
}

// SelectEndpoint returns the first endpoint whose host is an IPv6 literal.
func SelectEndpoint(endpoints []model.Endpoint) (model.Endpoint, bool) {
	for _, e := range endpoints {
		if e.IsIPv6() {
			return e, true
		}
	}
	return model.Endpoint{}, false
}

func (p *Prober) get(ctx context.Context, host string, base *url.URL, path, query, header string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := *base
	target.Path = path
	target.RawQuery = query

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return &ValidationError{Value: target.String(), Err: err}
	}
	if header != "" {
		req.Header.Set("Authorization", header)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &Error{Kind: classify(err), Host: host, Op: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &Error{Kind: classify(err), Host: host, Op: path, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: Transport, Host: host, Op: path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: Decode, Host: host, Op: path, Err: err}
	}
	return nil
}
