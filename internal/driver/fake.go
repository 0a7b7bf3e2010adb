package driver

import (
	"context"
	"sync"

	"github.com/drover-sh/drover/pkg/schema"
)

// FakeDriver is an in-memory Driver for tests. Responses are scripted per
// action; every invocation is recorded with the account that made it.
type FakeDriver struct {
	mu        sync.Mutex
	responses map[string]func(params map[string]any) (map[string]any, error)
	openErr   error
	calls     []FakeCall
	open      map[string]int // account -> currently open handles
}

// FakeCall is one recorded invocation.
type FakeCall struct {
	AccountID string
	Action    string
	Params    map[string]any
}

// NewFakeDriver creates an empty fake. Unscripted actions succeed with an
// empty output.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		responses: make(map[string]func(map[string]any) (map[string]any, error)),
		open:      make(map[string]int),
	}
}

// Script sets the response for an action.
func (f *FakeDriver) Script(action string, fn func(params map[string]any) (map[string]any, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[action] = fn
}

// ScriptResult sets a fixed successful output for an action.
func (f *FakeDriver) ScriptResult(action string, out map[string]any) {
	f.Script(action, func(map[string]any) (map[string]any, error) { return out, nil })
}

// ScriptError makes an action always fail.
func (f *FakeDriver) ScriptError(action string, err error) {
	f.Script(action, func(map[string]any) (map[string]any, error) { return nil, err })
}

// FailOpen makes subsequent Open calls fail.
func (f *FakeDriver) FailOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// Calls returns a copy of all recorded invocations.
func (f *FakeDriver) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// OpenCount returns the number of currently open handles for the account.
func (f *FakeDriver) OpenCount(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[accountID]
}

func (f *FakeDriver) Open(_ context.Context, account schema.AccountIdentity, state []byte) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.open[account.ID]++
	return &fakeHandle{driver: f, accountID: account.ID, state: state}, nil
}

type fakeHandle struct {
	driver    *FakeDriver
	accountID string
	state     []byte
	closed    bool
}

func (h *fakeHandle) Invoke(_ context.Context, payload Payload) (map[string]any, error) {
	h.driver.mu.Lock()
	if h.closed {
		h.driver.mu.Unlock()
		return nil, &Error{Message: "handle is closed", Fatal: true}
	}
	h.driver.calls = append(h.driver.calls, FakeCall{
		AccountID: h.accountID,
		Action:    payload.Action,
		Params:    payload.Params,
	})
	fn := h.driver.responses[payload.Action]
	h.driver.mu.Unlock()

	if fn == nil {
		return map[string]any{}, nil
	}
	return fn(payload.Params)
}

func (h *fakeHandle) ExportState(context.Context) ([]byte, error) {
	return h.state, nil
}

func (h *fakeHandle) Close(context.Context) error {
	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()
	if !h.closed {
		h.closed = true
		h.driver.open[h.accountID]--
	}
	return nil
}
