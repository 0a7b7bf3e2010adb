package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/drover-sh/drover/internal/driver"
	"github.com/drover-sh/drover/internal/logging"
	"github.com/drover-sh/drover/internal/store"
	"github.com/drover-sh/drover/pkg/schema"
)

// StateVault persists harvested driver session state per account.
// Satisfied by vault.AESVault.
type StateVault interface {
	SaveSessionState(ctx context.Context, accountID string, state []byte) error
	LoadSessionState(ctx context.Context, accountID string) ([]byte, error)
}

// EventAppender records session lifecycle events. Satisfied by the store
// and the event log.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Coordinator maps accounts to session handles. It enforces at most one
// handle per account and rejects concurrent acquisition with ACCOUNT_BUSY
// rather than queuing.
type Coordinator struct {
	drv    driver.Driver
	vault  StateVault
	events EventAppender
	logger *slog.Logger

	idleTimeout time.Duration

	mu      sync.Mutex
	handles map[string]*Handle
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithIdleTimeout sets how long an Idle session may linger before CloseIdle
// reaps it. Zero disables reaping.
func WithIdleTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.idleTimeout = d }
}

// WithEventAppender wires session lifecycle events into the run event log.
func WithEventAppender(a EventAppender) CoordinatorOption {
	return func(c *Coordinator) { c.events = a }
}

// NewCoordinator creates a Coordinator over the given driver and vault.
func NewCoordinator(drv driver.Driver, v StateVault, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		drv:     drv,
		vault:   v,
		logger:  logger,
		handles: make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire returns the account's session handle in Busy state, opening a
// driver session if none exists. A second caller for the same account gets
// ACCOUNT_BUSY immediately; there is no queue.
func (c *Coordinator) Acquire(ctx context.Context, account schema.AccountIdentity) (*Handle, error) {
	if !account.Active {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"account %s is deactivated", account.ID).WithAccount(account.ID)
	}

	c.mu.Lock()
	h, ok := c.handles[account.ID]
	if ok && !h.usable() {
		// Invalidated handle left behind by a lost session; sweep it.
		delete(c.handles, account.ID)
		ok = false
	}
	if ok {
		err := h.Acquire()
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return h, nil
	}

	// Reserve the slot before the (slow) driver open so a concurrent
	// caller sees ACCOUNT_BUSY instead of opening a second session.
	placeholder := newHandle(account, nil)
	placeholder.state = StateBusy
	c.handles[account.ID] = placeholder
	c.mu.Unlock()

	h, err := c.open(ctx, account)

	c.mu.Lock()
	if err != nil {
		delete(c.handles, account.ID)
		c.mu.Unlock()
		return nil, err
	}
	h.state = StateBusy
	c.handles[account.ID] = h
	c.mu.Unlock()

	return h, nil
}

// open restores persisted session state and opens a driver session.
func (c *Coordinator) open(ctx context.Context, account schema.AccountIdentity) (*Handle, error) {
	ctx = logging.WithAccountID(ctx, account.ID)

	var state []byte
	if c.vault != nil {
		var err error
		state, err = c.vault.LoadSessionState(ctx, account.ID)
		if err != nil {
			return nil, err
		}
	}

	drvHandle, err := c.drv.Open(ctx, account, state)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDriver,
			"opening session for account %s", account.ID).
			WithAccount(account.ID).WithCause(err)
	}

	c.emit(ctx, account.ID, schema.EventSessionOpened)
	c.logger.InfoContext(ctx, "session opened", "restored_state", len(state) > 0)
	return newHandle(account, drvHandle), nil
}

// Release returns the handle to Idle. An invalidated handle is torn down
// instead of being returned to the pool.
func (c *Coordinator) Release(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	if !h.usable() {
		c.teardownLost(ctx, h)
		return
	}
	h.Release()
}

// Close persists session state and tears down the account's session. Busy
// handles are not closed out from under their run.
func (c *Coordinator) Close(ctx context.Context, accountID string) error {
	c.mu.Lock()
	h, ok := c.handles[accountID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if h.State() == StateBusy {
		c.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeAccountBusy,
			"account %s session is in use", accountID).WithAccount(accountID)
	}
	delete(c.handles, accountID)
	c.mu.Unlock()

	return c.teardown(ctx, h)
}

// CloseIdle reaps sessions idle longer than the configured timeout.
func (c *Coordinator) CloseIdle(ctx context.Context) {
	if c.idleTimeout <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-c.idleTimeout)

	c.mu.Lock()
	var expired []*Handle
	for id, h := range c.handles {
		if h.State() == StateIdle && h.IdleSince().Before(cutoff) {
			expired = append(expired, h)
			delete(c.handles, id)
		}
	}
	c.mu.Unlock()

	for _, h := range expired {
		if err := c.teardown(ctx, h); err != nil {
			c.logger.WarnContext(ctx, "closing idle session",
				"account_id", h.AccountID(), "error", err)
		}
	}
}

// CloseAll closes every session. Called on shutdown; Busy handles are
// invalidated so their runs fail fast rather than hanging.
func (c *Coordinator) CloseAll(ctx context.Context) {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.handles = make(map[string]*Handle)
	c.mu.Unlock()

	for _, h := range handles {
		if err := c.teardown(ctx, h); err != nil {
			c.logger.WarnContext(ctx, "closing session on shutdown",
				"account_id", h.AccountID(), "error", err)
		}
	}
}

// Active returns the number of live handles.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// teardown harvests session state into the vault, closes the driver
// session, and emits session_closed.
func (c *Coordinator) teardown(ctx context.Context, h *Handle) error {
	ctx = logging.WithAccountID(ctx, h.AccountID())
	h.Invalidate()

	if c.vault != nil && h.Driver() != nil {
		state, err := h.Driver().ExportState(ctx)
		if err != nil {
			c.logger.WarnContext(ctx, "exporting session state", "error", err)
		} else if err := c.vault.SaveSessionState(ctx, h.AccountID(), state); err != nil {
			c.logger.WarnContext(ctx, "persisting session state", "error", err)
		}
	}

	var closeErr error
	if h.Driver() != nil {
		closeErr = h.Driver().Close(ctx)
	}
	h.markClosed()

	c.emit(ctx, h.AccountID(), schema.EventSessionClosed)
	c.logger.InfoContext(ctx, "session closed")
	return closeErr
}

// teardownLost tears down an invalidated session without harvesting state:
// a lost session's state is not trustworthy.
func (c *Coordinator) teardownLost(ctx context.Context, h *Handle) {
	ctx = logging.WithAccountID(ctx, h.AccountID())

	c.mu.Lock()
	if cur, ok := c.handles[h.AccountID()]; ok && cur == h {
		delete(c.handles, h.AccountID())
	}
	c.mu.Unlock()

	if h.Driver() != nil {
		if err := h.Driver().Close(ctx); err != nil {
			c.logger.WarnContext(ctx, "closing lost session", "error", err)
		}
	}
	h.markClosed()

	c.emit(ctx, h.AccountID(), schema.EventSessionLost)
	c.logger.WarnContext(ctx, "session lost")
}

func (c *Coordinator) emit(ctx context.Context, accountID, eventType string) {
	if c.events == nil {
		return
	}
	if err := c.events.AppendEvent(ctx, &store.Event{
		RunID:     logging.RunID(ctx),
		AccountID: accountID,
		Type:      eventType,
	}); err != nil {
		c.logger.WarnContext(ctx, "appending session event", "type", eventType, "error", err)
	}
}
