// Package telemetry polls every cluster member's node agent on a fixed
// interval and keeps the per-host telemetry pod.
package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"fleetwatch/internal/aggregate"
	"fleetwatch/internal/config"
	"fleetwatch/internal/credential"
	"fleetwatch/internal/logging"
	"fleetwatch/pkg/model"
)

// Prober fetches telemetry for one member.
type Prober interface {
	Probe(ctx context.Context, member model.ClusterMember, header string) (*model.NodeTelemetry, error)
}

// MemberSource supplies the member list for each cycle.
type MemberSource interface {
	Members() []model.ClusterMember
}

type Options struct {
	IntervalSeconds int
	Retention       time.Duration
	MaxConcurrency  int
}

type Collector struct {
	prober  Prober
	creds   credential.Provider
	members MemberSource
	pod     *Pod
	view    *aggregate.View
	logger  *logging.Logger

	intervalSeconds int
	retention       time.Duration
	slots           *semaphore.Weighted

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

func NewCollector(prober Prober, creds credential.Provider, members MemberSource, pod *Pod, view *aggregate.View, opts Options, logger *logging.Logger) *Collector {
	if opts.IntervalSeconds <= 0 {
		opts.IntervalSeconds = 1
	}
	if opts.Retention <= 0 {
		opts.Retention = config.RetentionWindow
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 64
	}
	return &Collector{
		prober:          prober,
		creds:           creds,
		members:         members,
		pod:             pod,
		view:            view,
		logger:          logger,
		intervalSeconds: opts.IntervalSeconds,
		retention:       opts.Retention,
		slots:           semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		now:             time.Now,
		wait:            sleep,
	}
}

// Run gathers once immediately and then every interval. It returns when
// ctx is done or a cycle cannot obtain a credential.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(c.intervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		if err := c.Gather(ctx, c.members.Members()); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Gather probes every member once and commits the results. Member i (in
// uuid order) starts after (i mod interval) seconds. A failed probe only
// costs that host its record for this cycle.
func (c *Collector) Gather(ctx context.Context, members []model.ClusterMember) error {
	header, err := c.creds.Header(ctx)
	if err != nil {
		return err
	}

	members = append([]model.ClusterMember(nil), members...)
	sort.SliceStable(members, func(i, j int) bool { return members[i].UUID < members[j].UUID })

	results := make([]*model.NodeTelemetry, len(members))
	var wg sync.WaitGroup
	for i, member := range members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.probeOne(ctx, i, member, header)
		}()
	}
	wg.Wait()

	fresh := make([]model.NodeTelemetry, 0, len(results))
	for _, tel := range results {
		if tel != nil {
			fresh = append(fresh, *tel)
		}
	}

	now := c.now()
	evicted := c.pod.Commit(fresh, now, c.retention)
	if c.view != nil {
		c.view.Update(c.pod.Snapshot(), now)
	}

	c.logger.Infow("gather cycle committed",
		"members", len(members),
		"fresh", len(fresh),
		"evicted", evicted,
		"records", c.pod.Len(),
	)
	return nil
}

// probeOne returns nil for any failure.
func (c *Collector) probeOne(ctx context.Context, index int, member model.ClusterMember, header string) *model.NodeTelemetry {
	if err := c.wait(ctx, StaggerDelay(index, c.intervalSeconds)); err != nil {
		return nil
	}
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer c.slots.Release(1)

	tel, err := c.prober.Probe(ctx, member, header)
	if err != nil {
		c.logger.Warnw("probe failed", "uuid", member.UUID, "hostname", member.Hostname, "error", err)
		return nil
	}
	return tel
}

// Clear drops the pod and the aggregate view.
func (c *Collector) Clear() {
	c.pod.Clear()
	if c.view != nil {
		c.view.Clear()
	}
}

// StaggerDelay spreads member probes evenly over the interval.
func StaggerDelay(index, intervalSeconds int) time.Duration {
	if intervalSeconds <= 0 {
		return 0
	}
	return time.Duration(index%intervalSeconds) * time.Second
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
