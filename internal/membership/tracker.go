// Package membership keeps the shared cluster snapshot in step with a
// coordination-service children subscription.
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"fleetwatch/internal/config"
	"fleetwatch/internal/credential"
	"fleetwatch/internal/logging"
	"fleetwatch/pkg/model"
	"fleetwatch/pkg/store"
)

var errNoDescriptor = errors.New("no descriptor stored")

// Options tunes a Tracker. Zero values fall back to defaults.
type Options struct {
	Path           string
	QueueCapacity  int
	FetchTimeout   time.Duration
	MaxConcurrency int
}

// Tracker consumes the subscription for one path and reconciles the
// snapshot after every event.
type Tracker struct {
	coord    store.Coordinator
	creds    credential.Provider
	snapshot *Snapshot
	logger   *logging.Logger

	path          string
	queueCapacity int
	fetchTimeout  time.Duration
	fetchSlots    *semaphore.Weighted
}

func NewTracker(coord store.Coordinator, creds credential.Provider, snapshot *Snapshot, opts Options, logger *logging.Logger) *Tracker {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = config.QueueCapacity
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 64
	}
	return &Tracker{
		coord:         coord,
		creds:         creds,
		snapshot:      snapshot,
		logger:        logger,
		path:          opts.Path,
		queueCapacity: opts.QueueCapacity,
		fetchTimeout:  opts.FetchTimeout,
		fetchSlots:    semaphore.NewWeighted(int64(opts.MaxConcurrency)),
	}
}

// Run subscribes and processes events in delivery order until the
// subscription fails, a credential cannot be obtained, or ctx is done.
// It always returns a non-nil error; the caller owns restart and clearing
// the snapshot.
func (t *Tracker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	header, err := t.creds.Header(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", t.path, err)
	}

	queue := make(chan store.ChildrenEvent, t.queueCapacity)
	subErr := make(chan error, 1)
	go func() {
		subErr <- t.coord.SubscribeChildren(ctx, t.path, header, queue)
	}()
	t.logger.Infow("subscribed", "path", t.path)

	for {
		select {
		case ev := <-queue:
			if err := t.apply(ctx, ev); err != nil {
				return err
			}
		case err := <-subErr:
			if drainErr := t.drain(ctx, queue); drainErr != nil {
				return drainErr
			}
			if err == nil {
				err = &store.CoordinationError{Op: "subscribe", Path: t.path, Err: store.ErrSubscriptionClosed}
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drain applies events the subscription queued before it ended.
func (t *Tracker) drain(ctx context.Context, queue <-chan store.ChildrenEvent) error {
	for {
		select {
		case ev := <-queue:
			if err := t.apply(ctx, ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (t *Tracker) apply(ctx context.Context, ev store.ChildrenEvent) error {
	header, err := t.creds.Header(ctx)
	if err != nil {
		return fmt.Errorf("processing version %d: %w", ev.Version, err)
	}

	fetched := t.fetchAll(ctx, header, ev.UUIDs)
	t.snapshot.Reconcile(ev.Version, ev.UUIDs, fetched)

	t.logger.Infow("membership reconciled",
		"version", ev.Version,
		"listed", len(ev.UUIDs),
		"members", t.snapshot.Len(),
	)
	return nil
}

// fetchAll reads every descriptor concurrently. A failed read leaves its
// uuid out of the result without affecting the others.
func (t *Tracker) fetchAll(ctx context.Context, header string, uuids []string) map[string]model.ClusterMember {
	results := make([]*model.ClusterMember, len(uuids))

	var wg sync.WaitGroup
	for i, id := range uuids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.fetchSlots.Acquire(ctx, 1); err != nil {
				return
			}
			defer t.fetchSlots.Release(1)

			member, err := t.fetch(ctx, header, id)
			if err != nil {
				t.logger.Warnw("descriptor fetch failed", "uuid", id, "error", err)
				return
			}
			results[i] = member
		}()
	}
	wg.Wait()

	fetched := make(map[string]model.ClusterMember, len(uuids))
	for _, m := range results {
		if m != nil {
			fetched[m.UUID] = *m
		}
	}
	return fetched
}

func (t *Tracker) fetch(ctx context.Context, header, id string) (*model.ClusterMember, error) {
	ctx, cancel := context.WithTimeout(ctx, t.fetchTimeout)
	defer cancel()

	path := store.ChildPath(t.path, id)
	value, _, err := t.coord.GetValue(ctx, path, header)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, errNoDescriptor
	}

	var member model.ClusterMember
	if err := json.Unmarshal(value, &member); err != nil {
		return nil, fmt.Errorf("decoding descriptor %s: %w", path, err)
	}
	member.UUID = id
	return &member, nil
}
