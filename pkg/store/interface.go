package store

import (
	"context"
	"fmt"
)

// ChildrenEvent is one notification from a children subscription. It is
// a full snapshot of the children present at Version, not a delta.
type ChildrenEvent struct {
	Version int64
	UUIDs   []string
}

// Coordinator is the coordination-service contract the monitor consumes.
// Any implementation (EtcdManager in production, fakes in tests) can be
// injected into the membership tracker.
type Coordinator interface {
	// SubscribeChildren delivers child-list snapshots of path into sink in
	// non-decreasing version order. It blocks until the stream fails or
	// ctx is done. A send blocks while sink is full.
	SubscribeChildren(ctx context.Context, path, auth string, sink chan<- ChildrenEvent) error

	// GetValue reads the value stored at path. An absent path yields a nil
	// value and no error.
	GetValue(ctx context.Context, path, auth string) ([]byte, int64, error)
}

// Registry is what a node agent and the operator CLI need on top of the
// read side.
type Registry interface {
	Coordinator

	// Register publishes value at path bound to a lease that is kept alive
	// until ctx is done.
	Register(ctx context.Context, path string, value any, ttlSeconds int64) error

	// PutValue stores value JSON-encoded at path.
	PutValue(ctx context.Context, path string, value any) error

	// ListChildren returns the current children of path.
	ListChildren(ctx context.Context, path string) (ChildrenEvent, error)
}

// CoordinationError is a failed subscription or path read.
type CoordinationError struct {
	Op   string
	Path string
	Err  error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("coordination %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CoordinationError) Unwrap() error { return e.Err }

// QueueError is returned when a subscription cannot hand an event to its
// consumer because the consumer is gone.
type QueueError struct {
	Version int64
	Err     error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue send of version %d: %v", e.Version, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

// Send hands ev to sink, blocking while sink is full.
func Send(ctx context.Context, sink chan<- ChildrenEvent, ev ChildrenEvent) error {
	select {
	case sink <- ev:
		return nil
	case <-ctx.Done():
		return &QueueError{Version: ev.Version, Err: ctx.Err()}
	}
}
