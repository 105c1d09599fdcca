package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failed probe.
type Kind int

const (
	NoRoute Kind = iota
	Timeout
	Transport
	Decode
)

func (k Kind) String() string {
	switch k {
	case NoRoute:
		return "no route"
	case Timeout:
		return "timeout"
	case Transport:
		return "transport"
	case Decode:
		return "decode"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a per-node probe failure. It never leaves the collector.
type Error struct {
	Kind Kind
	Host string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("probe %s: %s: %v", e.Host, e.Kind, e.Err)
	}
	return fmt.Sprintf("probe %s %s: %s: %v", e.Host, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNoRoute is wrapped by probes of members without an IPv6 endpoint.
var ErrNoRoute = errors.New("no IPv6 endpoint")

// ValidationError is a malformed endpoint or agent URI.
type ValidationError struct {
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid agent address %q: %v", e.Value, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// classify maps a transport error onto Timeout or Transport.
func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	return Transport
}
