// Package progress delivers the per-job stream of progress entries, either
// from the live backend or from a local script, behind one Source contract.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cadastral-batch/internal/model"
	"cadastral-batch/internal/sentinel"
)

var (
	ErrAlreadySubscribed = errors.New("job already has an active subscription")
	ErrStreamEnded       = errors.New("progress stream ended before completion")
	ErrClosed            = errors.New("subscription closed")
)

// Event is one progress entry together with what its message signals.
type Event struct {
	Entry  model.LogEntry
	Signal sentinel.Result
}

// Subscription is a live feed of one job's progress. Events closes after the
// success entry has been delivered, after a transport failure, or after
// Close. Err is meaningful once Events is closed: nil on success.
type Subscription interface {
	Events() <-chan Event
	Err() error
	Close()
}

type Source interface {
	Subscribe(ctx context.Context, jobID string) (Subscription, error)
}

// producer feeds one job until it reaches a terminal outcome. emit reports
// false once the subscription is closing; the producer must then return.
type producer func(ctx context.Context, emit func(Event) bool) error

type subscription struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *subscription) Events() <-chan Event { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the producer and waits for it, so nothing is emitted afterwards.
func (s *subscription) Close() {
	s.cancel()
	<-s.done
}

// registry enforces one active subscription per job id.
type registry struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func (r *registry) acquire(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		r.active = make(map[string]struct{})
	}
	if _, ok := r.active[jobID]; ok {
		return fmt.Errorf("%s: %w", jobID, ErrAlreadySubscribed)
	}
	r.active[jobID] = struct{}{}
	return nil
}

func (r *registry) release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, jobID)
}

func (r *registry) start(parent context.Context, jobID string, run producer) (Subscription, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	if err := r.acquire(jobID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	sub := &subscription{
		events: make(chan Event),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	emit := func(ev Event) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		select {
		case <-ctx.Done():
			return false
		case sub.events <- ev:
			return true
		}
	}

	go func() {
		defer close(sub.done)
		defer r.release(jobID)
		defer cancel()

		err := run(ctx, emit)
		if ctx.Err() != nil && err != nil {
			err = ErrClosed
		}
		sub.mu.Lock()
		sub.err = err
		sub.mu.Unlock()
		close(sub.events)
	}()
	return sub, nil
}
