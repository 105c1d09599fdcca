package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/metadata"
)

// ErrSubscriptionClosed is reported when the watch stream ends while the
// caller still wants events.
var ErrSubscriptionClosed = errors.New("subscription stream closed")

// ErrLeaseLost is reported by Register when the keep-alive stream ends.
var ErrLeaseLost = errors.New("lease keep-alive stream closed")

// EtcdOptions configures the etcd connection.
type EtcdOptions struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
}

type EtcdManager struct {
	client *clientv3.Client
}

// NewEtcdManager connects to etcd.
func NewEtcdManager(opts EtcdOptions) (*EtcdManager, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		Username:    opts.Username,
		Password:    opts.Password,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdManager{client: cli}, nil
}

func (e *EtcdManager) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------
// Read side
// ---------------------------------------------------------

// SubscribeChildren turns an etcd prefix watch into child-list snapshots.
// The first event is the result of a prefix read; every following event
// is the full child set after one watch response, versioned by the etcd
// revision.
func (e *EtcdManager) SubscribeChildren(ctx context.Context, path, auth string, sink chan<- ChildrenEvent) error {
	ctx = withAuth(ctx, auth)
	prefix := childPrefix(path)

	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return &CoordinationError{Op: "subscribe", Path: path, Err: err}
	}

	keys := make(map[string]struct{}, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys[string(kv.Key)] = struct{}{}
	}
	if err := Send(ctx, sink, ChildrenEvent{Version: resp.Header.Revision, UUIDs: children(prefix, keys)}); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()

	watchChan := e.client.Watch(watchCtx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for watchResp := range watchChan {
		if err := watchResp.Err(); err != nil {
			return &CoordinationError{Op: "watch", Path: path, Err: err}
		}
		event, ok := foldWatchResponse(prefix, keys, watchResp)
		if !ok {
			continue
		}
		if err := Send(ctx, sink, event); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return &CoordinationError{Op: "watch", Path: path, Err: ErrSubscriptionClosed}
}

func (e *EtcdManager) GetValue(ctx context.Context, path, auth string) ([]byte, int64, error) {
	resp, err := e.client.Get(withAuth(ctx, auth), path)
	if err != nil {
		return nil, 0, &CoordinationError{Op: "get", Path: path, Err: err}
	}
	if len(resp.Kvs) == 0 {
		return nil, resp.Header.Revision, nil
	}
	kv := resp.Kvs[0]
	return kv.Value, kv.ModRevision, nil
}

func (e *EtcdManager) ListChildren(ctx context.Context, path string) (ChildrenEvent, error) {
	prefix := childPrefix(path)
	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return ChildrenEvent{}, &CoordinationError{Op: "list", Path: path, Err: err}
	}
	keys := make(map[string]struct{}, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys[string(kv.Key)] = struct{}{}
	}
	return ChildrenEvent{Version: resp.Header.Revision, UUIDs: children(prefix, keys)}, nil
}

// ---------------------------------------------------------
// Write side (node agent, fleetctl)
// ---------------------------------------------------------

// Register puts value under a fresh lease and keeps the lease alive. It
// blocks until ctx is done or the keep-alive stream dies; the key goes
// away with the lease either way.
func (e *EtcdManager) Register(ctx context.Context, path string, value any, ttlSeconds int64) error {
	lease, err := e.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return &CoordinationError{Op: "grant", Path: path, Err: err}
	}

	bytes, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if _, err := e.client.Put(ctx, path, string(bytes), clientv3.WithLease(lease.ID)); err != nil {
		return &CoordinationError{Op: "put", Path: path, Err: err}
	}

	keepAlive, err := e.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return &CoordinationError{Op: "keepalive", Path: path, Err: err}
	}
	for range keepAlive {
	}

	if err := ctx.Err(); err != nil {
		revokeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = e.client.Revoke(revokeCtx, lease.ID)
		return err
	}
	return &CoordinationError{Op: "keepalive", Path: path, Err: ErrLeaseLost}
}

func (e *EtcdManager) PutValue(ctx context.Context, path string, value any) error {
	bytes, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding value for %s: %w", path, err)
	}
	if _, err := e.client.Put(ctx, path, string(bytes)); err != nil {
		return &CoordinationError{Op: "put", Path: path, Err: err}
	}
	return nil
}

// ---------------------------------------------------------
// Helpers
// ---------------------------------------------------------

// foldWatchResponse applies one watch response to keys and returns the
// resulting child set at the response revision. Responses without events
// (progress notifications) yield nothing.
func foldWatchResponse(prefix string, keys map[string]struct{}, resp clientv3.WatchResponse) (ChildrenEvent, bool) {
	if len(resp.Events) == 0 {
		return ChildrenEvent{}, false
	}
	applyWatchEvents(keys, resp.Events)
	return ChildrenEvent{Version: resp.Header.Revision, UUIDs: children(prefix, keys)}, true
}

func applyWatchEvents(keys map[string]struct{}, events []*clientv3.Event) {
	for _, ev := range events {
		switch ev.Type {
		case clientv3.EventTypePut:
			keys[string(ev.Kv.Key)] = struct{}{}
		case clientv3.EventTypeDelete:
			delete(keys, string(ev.Kv.Key))
		}
	}
}

// withAuth attaches the credential header as gRPC metadata.
func withAuth(ctx context.Context, auth string) context.Context {
	if auth == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", auth)
}

func childPrefix(path string) string {
	return strings.TrimSuffix(path, "/") + "/"
}

// ChildPath joins a parent path and a child name.
func ChildPath(path, child string) string {
	return childPrefix(path) + child
}

// children maps full keys to the sorted set of first path segments below
// prefix. "/fleet/nodes/a" and "/fleet/nodes/a/extra" both yield "a".
func children(prefix string, keys map[string]struct{}) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for key := range keys {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		child, _, _ := strings.Cut(rest, "/")
		if child == "" {
			continue
		}
		if _, dup := seen[child]; dup {
			continue
		}
		seen[child] = struct{}{}
		out = append(out, child)
	}
	sort.Strings(out)
	return out
}
