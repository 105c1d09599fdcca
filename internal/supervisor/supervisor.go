// Package supervisor restarts long-running loops after failures with a
// fixed backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fleetwatch/internal/logging"
)

// State is where a supervised loop currently is.
type State int

const (
	Idle State = iota
	Running
	Failed
	Backoff
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Failed:
		return "failed"
	case Backoff:
		return "backoff"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Loop is one supervised unit of work.
type Loop struct {
	Name string
	Run  func(ctx context.Context) error
	// OnFailure runs after every failed run, before the backoff. Owners
	// use it to drop state the failed run was keeping fresh.
	OnFailure func(err error)
	Backoff   time.Duration
}

// Status is a point-in-time view of a loop.
type Status struct {
	State    State     `json:"state"`
	Restarts int       `json:"restarts"`
	LastErr  string    `json:"last_error,omitempty"`
	Since    time.Time `json:"since"`
}

// Supervisor runs loops until their context ends and records their state.
type Supervisor struct {
	logger *logging.Logger
	wait   func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	mu     sync.RWMutex
	status map[string]Status
}

func New(logger *logging.Logger) *Supervisor {
	return &Supervisor{
		logger: logger,
		wait:   sleep,
		now:    time.Now,
		status: map[string]Status{},
	}
}

// Supervise blocks running loop until ctx is done. A run that returns
// (with an error, nil, or a panic) counts as a failure unless ctx is
// already done.
func (s *Supervisor) Supervise(ctx context.Context, loop Loop) {
	logger := s.logger.With("loop", loop.Name)
	for {
		s.set(loop.Name, Running, nil)
		err := s.runOnce(ctx, loop)

		if ctx.Err() != nil {
			s.set(loop.Name, Stopped, nil)
			logger.Infow("loop stopped")
			return
		}
		if err == nil {
			err = errors.New("loop returned without error")
		}

		s.set(loop.Name, Failed, err)
		logger.Errorw("loop failed", "error", err)
		if loop.OnFailure != nil {
			loop.OnFailure(err)
		}

		s.set(loop.Name, Backoff, err)
		if s.wait(ctx, loop.Backoff) != nil {
			s.set(loop.Name, Stopped, nil)
			return
		}
		s.restarted(loop.Name)
	}
}

func (s *Supervisor) runOnce(ctx context.Context, loop Loop) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", loop.Name, r)
		}
	}()
	return loop.Run(ctx)
}

// Status returns a copy of every loop's status.
func (s *Supervisor) Status() map[string]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Status, len(s.status))
	for name, st := range s.status {
		out[name] = st
	}
	return out
}

func (s *Supervisor) set(name string, state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[name]
	if st.State != state {
		st.Since = s.now()
	}
	st.State = state
	if err != nil {
		st.LastErr = err.Error()
	}
	s.status[name] = st
}

func (s *Supervisor) restarted(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[name]
	st.Restarts++
	s.status[name] = st
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
