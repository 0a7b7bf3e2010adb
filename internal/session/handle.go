// Package session enforces the per-account isolation contract: at most one
// live driver session per account, held exclusively by one run at a time.
package session

import (
	"sync"
	"time"

	"github.com/drover-sh/drover/internal/driver"
	"github.com/drover-sh/drover/pkg/schema"
)

// State is the lifecycle state of a session handle.
type State string

const (
	StateIdle    State = "idle"
	StateBusy    State = "busy"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

// validTransitions is the handle state machine. Acquire moves Idle to Busy,
// Release moves Busy back, Invalidate forces Closing from either.
var validTransitions = map[State][]State{
	StateIdle:    {StateBusy, StateClosing},
	StateBusy:    {StateIdle, StateClosing},
	StateClosing: {StateClosed},
	StateClosed:  {},
}

// Handle owns one driver session for one account. The coordinator hands a
// handle to exactly one run at a time; the handle's own state machine
// defends that invariant.
type Handle struct {
	mu           sync.Mutex
	account      schema.AccountIdentity
	state        State
	drv          driver.Handle
	lastActivity time.Time
	openedAt     time.Time
}

func newHandle(account schema.AccountIdentity, drv driver.Handle) *Handle {
	now := time.Now().UTC()
	return &Handle{
		account:      account,
		state:        StateIdle,
		drv:          drv,
		lastActivity: now,
		openedAt:     now,
	}
}

// AccountID returns the owning account.
func (h *Handle) AccountID() string { return h.account.ID }

// Account returns the owning account identity.
func (h *Handle) Account() schema.AccountIdentity { return h.account }

// Driver exposes the underlying driver session for plugin invocations.
func (h *Handle) Driver() driver.Handle { return h.drv }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// IdleSince reports the last activity timestamp.
func (h *Handle) IdleSince() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

// Acquire transitions Idle -> Busy. A Busy handle yields ACCOUNT_BUSY
// immediately; callers never queue. An invalidated handle yields
// SESSION_LOST so the caller reopens.
func (h *Handle) Acquire() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateIdle:
		h.state = StateBusy
		h.lastActivity = time.Now().UTC()
		return nil
	case StateBusy:
		return schema.NewErrorf(schema.ErrCodeAccountBusy,
			"account %s already has an active session", h.account.ID).
			WithAccount(h.account.ID)
	default:
		return schema.NewErrorf(schema.ErrCodeSessionLost,
			"session for account %s is no longer usable", h.account.ID).
			WithAccount(h.account.ID)
	}
}

// Release transitions Busy -> Idle and stamps activity. Releasing a handle
// that was invalidated mid-run leaves it Closing for the coordinator to
// sweep.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateBusy {
		h.state = StateIdle
		h.lastActivity = time.Now().UTC()
	}
}

// Touch stamps activity without changing state.
func (h *Handle) Touch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity = time.Now().UTC()
}

// Invalidate forces the handle into Closing. Used when the driver reports a
// fatal failure: the session must not be reused.
func (h *Handle) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateIdle || h.state == StateBusy {
		h.state = StateClosing
	}
}

// markClosed finalizes the handle after driver teardown.
func (h *Handle) markClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateClosed
}

// usable reports whether the handle can still serve runs.
func (h *Handle) usable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == StateIdle || h.state == StateBusy
}

// canTransition checks the state machine table.
func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
