package core

// session_gate.go serializes sessions on one store.
//
// A store holds a single open transaction, so imports, exports and cleans
// sharing it must not interleave. The gate is a one-slot semaphore: a
// session waits up to maxWait for the slot before failing with ErrBusy.
// The clean scheduler uses TryAcquire and skips a tick instead of queueing.

import (
	"context"
	"errors"
	"time"
)

// ErrBusy is returned when another session holds the store past the wait
// timeout.
var ErrBusy = errors.New("another session is running, please try again later")

// DefaultSessionWait is how long a session waits for the store.
const DefaultSessionWait = 30 * time.Second

// SessionGate admits one session at a time.
type SessionGate struct {
	slot    chan struct{}
	maxWait time.Duration
}

// NewSessionGate creates a gate. A non-positive maxWait uses DefaultSessionWait.
func NewSessionGate(maxWait time.Duration) *SessionGate {
	if maxWait <= 0 {
		maxWait = DefaultSessionWait
	}
	return &SessionGate{slot: make(chan struct{}, 1), maxWait: maxWait}
}

// Acquire waits for the slot. The caller must Release it.
func (g *SessionGate) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.maxWait)
	defer cancel()

	select {
	case g.slot <- struct{}{}:
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrBusy
	}
}

// TryAcquire takes the slot if it is free.
func (g *SessionGate) TryAcquire() bool {
	select {
	case g.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the slot taken by Acquire or TryAcquire.
func (g *SessionGate) Release() {
	<-g.slot
}

// Busy reports whether a session holds the slot.
func (g *SessionGate) Busy() bool {
	return len(g.slot) > 0
}
