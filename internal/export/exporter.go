// Package export periodically publishes the monitor's views to redis so
// dashboards can read them without talking to the monitor.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"fleetwatch/internal/logging"
	"fleetwatch/pkg/model"
)

// Writer is the subset of RedisWriter the exporter needs.
type Writer interface {
	SetJSONWithExpiry(ctx context.Context, key string, value any, expiry time.Duration) error
}

type Sources struct {
	Members   func() map[string]model.ClusterMember
	Telemetry func() map[string]model.TelemetryRecord
	Apps      func() map[string]model.AppStat
	Mismatch  func() map[string]model.AppStat
}

type Options struct {
	Prefix   string
	Schedule string
	TTL      time.Duration
	Timeout  time.Duration
}

type Exporter struct {
	writer  Writer
	sources Sources
	opts    Options
	logger  *logging.Logger
}

func NewExporter(writer Writer, sources Sources, opts Options, logger *logging.Logger) *Exporter {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Exporter{writer: writer, sources: sources, opts: opts, logger: logger}
}

// Key is the redis key a view is stored under.
func Key(prefix, view string) string {
	if prefix == "" {
		return view
	}
	return prefix + ":" + view
}

// Publish writes every view once. All writes are attempted; the errors
// are combined.
func (e *Exporter) Publish(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	views := []struct {
		name  string
		value func() any
	}{
		{"cluster", func() any { return e.sources.Members() }},
		{"orcas", func() any { return e.sources.Telemetry() }},
		{"apps", func() any { return e.sources.Apps() }},
		{"mismatch", func() any { return e.sources.Mismatch() }},
	}

	var errs error
	for _, v := range views {
		if err := e.writer.SetJSONWithExpiry(ctx, Key(e.opts.Prefix, v.name), v.value(), e.opts.TTL); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Run publishes on the configured cron schedule until ctx is done.
func (e *Exporter) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(e.opts.Schedule, func() {
		if err := e.Publish(ctx); err != nil {
			e.logger.Warnw("export failed", "error", err)
			return
		}
		e.logger.Debugw("exported views", "prefix", e.opts.Prefix)
	})
	if err != nil {
		return fmt.Errorf("invalid export schedule %q: %w", e.opts.Schedule, err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}
