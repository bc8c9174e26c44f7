// Package backend owns the process-wide handle to the shared agent
// client and guarantees its startup happens at most once at a time.
package backend

import (
	"context"
	"sync"

	"github.com/office-agent-chat/backend/internal/agent"
)

// startState tracks the shared client's startup lifecycle.
type startState int

const (
	stateNotStarted startState = iota
	stateStarting
	stateStarted
)

// attempt is one in-flight or finished startup attempt. Everyone who
// called EnsureStarted while it was running waits on done and observes
// the same err.
type attempt struct {
	done chan struct{}
	err  error
}

// Handle wraps the shared agent client with lazy, idempotent startup.
// Concurrent first users all await the same attempt; a failed attempt
// resets the state so a later caller can retry from scratch.
type Handle struct {
	client agent.Client

	mu       sync.Mutex
	state    startState
	inflight *attempt
}

// NewHandle wraps client. Startup does not begin until the first
// EnsureStarted call.
func NewHandle(client agent.Client) *Handle {
	return &Handle{client: client}
}

// Client returns the underlying agent client. Callers must have
// observed a successful EnsureStarted first.
func (h *Handle) Client() agent.Client {
	return h.client
}

// EnsureStarted returns once the shared client is ready to accept
// session creation. The first caller kicks off startup; every caller
// that arrives while it runs awaits the same attempt, so concurrent
// browser tabs can never spawn duplicate backends.
func (h *Handle) EnsureStarted(ctx context.Context) error {
	h.mu.Lock()
	switch h.state {
	case stateStarted:
		h.mu.Unlock()
		return nil
	case stateStarting:
		att := h.inflight
		h.mu.Unlock()
		return h.await(ctx, att)
	}

	// The client may already be connected from a previous process
	// phase; adopt it rather than starting again.
	if h.client.Connected() {
		h.state = stateStarted
		h.mu.Unlock()
		return nil
	}

	att := &attempt{done: make(chan struct{})}
	h.state = stateStarting
	h.inflight = att
	h.mu.Unlock()

	go h.run(att)
	return h.await(ctx, att)
}

// run performs one startup attempt and publishes its outcome.
func (h *Handle) run(att *attempt) {
	err := h.client.Start(context.Background())

	h.mu.Lock()
	if err != nil {
		// Reset so the next EnsureStarted retries from scratch.
		h.state = stateNotStarted
	} else {
		h.state = stateStarted
	}
	h.inflight = nil
	h.mu.Unlock()

	att.err = err
	close(att.done)
}

// await blocks until the attempt settles or the caller's context is
// cancelled. Cancellation abandons only this caller; the attempt keeps
// running for everyone else.
func (h *Handle) await(ctx context.Context, att *attempt) error {
	select {
	case <-att.done:
		return att.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
