// Package credential turns a configured credential profile into an
// authorization header for coordination and telemetry RPCs.
package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"fleetwatch/internal/config"
)

// Provider yields the authorization header for outgoing RPCs. An empty
// header means the request goes out unauthenticated.
type Provider interface {
	Header(ctx context.Context) (string, error)
}

// TicketIssuer is the credential service.
type TicketIssuer interface {
	IssueTicket(ctx context.Context, clientID int64, clientSecret, grant string) (string, error)
}

// Error is a failed ticket RPC.
type Error struct {
	ClientID int64
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("issuing ticket for client %d: %v", e.ClientID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewProvider picks the mode once: open without a profile, ticketed with
// one. An expiry of zero refreshes the ticket on every call.
func NewProvider(secure *config.Secure, expiry time.Duration, issuer TicketIssuer) Provider {
	if secure == nil {
		return open{}
	}
	return newTicketed(*secure, expiry, issuer, time.Now)
}

type open struct{}

func (open) Header(context.Context) (string, error) { return "", nil }

type ticket struct {
	token    string
	issuedAt time.Time
}

// ticketed caches one ticket. The cache cell is shared by every caller;
// refreshes write both the token and its issue time back into it.
type ticketed struct {
	secure config.Secure
	expiry time.Duration
	issuer TicketIssuer
	now    func() time.Time

	mu     sync.RWMutex
	cached *ticket

	refresh singleflight.Group
	timeout time.Duration
}

// refreshTimeout bounds one shared ticket refresh.
const refreshTimeout = 30 * time.Second

func newTicketed(secure config.Secure, expiry time.Duration, issuer TicketIssuer, now func() time.Time) *ticketed {
	if secure.Grant == "" {
		secure.Grant = config.DefaultGrant
	}
	return &ticketed{secure: secure, expiry: expiry, issuer: issuer, now: now, timeout: refreshTimeout}
}

func (p *ticketed) Header(ctx context.Context) (string, error) {
	token, err := p.ticket(ctx)
	if err != nil {
		return "", err
	}
	return p.secure.Scheme + " " + token, nil
}

func (p *ticketed) ticket(ctx context.Context) (string, error) {
	if token, ok := p.valid(); ok {
		return token, nil
	}

	// Callers arriving while a refresh is in flight share its result. The
	// refresh itself is detached from any one caller's cancellation; each
	// caller stops waiting when its own ctx ends.
	ch := p.refresh.DoChan("ticket", func() (any, error) {
		if token, ok := p.valid(); ok {
			return token, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()

		token, err := p.issuer.IssueTicket(rctx, p.secure.ClientID, p.secure.ClientSecret, p.secure.Grant)
		if err != nil {
			return "", &Error{ClientID: p.secure.ClientID, Err: err}
		}

		p.mu.Lock()
		p.cached = &ticket{token: token, issuedAt: p.now()}
		p.mu.Unlock()
		return token, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", &Error{ClientID: p.secure.ClientID, Err: ctx.Err()}
	}
}

// valid returns the cached token while now < issuedAt + expiry.
func (p *ticketed) valid() (string, bool) {
	if p.expiry <= 0 {
		return "", false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached == nil {
		return "", false
	}
	if !p.now().Before(p.cached.issuedAt.Add(p.expiry)) {
		return "", false
	}
	return p.cached.token, true
}
