package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-sh/drover/internal/driver"
	"github.com/drover-sh/drover/internal/store"
	"github.com/drover-sh/drover/pkg/schema"
)

type memVault struct {
	mu    sync.Mutex
	state map[string][]byte
}

func newMemVault() *memVault {
	return &memVault{state: make(map[string][]byte)}
}

func (v *memVault) SaveSessionState(_ context.Context, accountID string, state []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state[accountID] = state
	return nil
}

func (v *memVault) LoadSessionState(_ context.Context, accountID string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state[accountID], nil
}

type memEvents struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *memEvents) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memEvents) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func newTestCoordinator(t *testing.T, opts ...CoordinatorOption) (*Coordinator, *driver.FakeDriver, *memVault, *memEvents) {
	t.Helper()
	fake := driver.NewFakeDriver()
	vlt := newMemVault()
	events := &memEvents{}
	opts = append([]CoordinatorOption{WithEventAppender(events)}, opts...)
	c := NewCoordinator(fake, vlt, nil, opts...)
	return c, fake, vlt, events
}

func TestCoordinator_AcquireOpensSession(t *testing.T) {
	c, fake, _, events := newTestCoordinator(t)
	ctx := context.Background()

	h, err := c.Acquire(ctx, testAccount("acct-1"))
	require.NoError(t, err)
	assert.Equal(t, StateBusy, h.State())
	assert.Equal(t, 1, fake.OpenCount("acct-1"))
	assert.Equal(t, []string{schema.EventSessionOpened}, events.types())
}

func TestCoordinator_SecondAcquireIsBusy(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Acquire(ctx, testAccount("acct-1"))
	require.NoError(t, err)

	_, err = c.Acquire(ctx, testAccount("acct-1"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAccountBusy, schema.CodeOf(err))
}

func TestCoordinator_ReleaseAllowsReacquire(t *testing.T) {
	c, fake, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	h, err := c.Acquire(ctx, testAccount("acct-1"))
	require.NoError(t, err)
	c.Release(ctx, h)

	h2, err := c.Acquire(ctx, testAccount("acct-1"))
	require.NoError(t, err)
	assert.Same(t, h, h2, "idle handle is reused, not reopened")
	assert.Equal(t, 1, fake.OpenCount("acct-1"))
}

func TestCoordinator_DistinctAccountsDoNotContend(t *testing.T) {
	c, fake, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Acquire(ctx, testAccount("acct-1"))
	require.NoError(t, err)
	_, err = c.Acquire(ctx, testAccount("acct-2"))
	require.NoError(t, err)

	assert.Equal(t, 1, fake.OpenCount("acct-1"))
	assert.Equal(t, 1, fake.OpenCount("acct-2"))
	assert.Equal(t, 2, c.Active())
}

func TestCoordinator_DeactivatedAccountRejected(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)

	acct := testAccount("acct-1")
	acct.Active = false
	_, err := c.Acquire(context.Background(), acct)
	assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err))
}

func TestCoordinator_OpenFailureReleasesSlot(t *testing.T) {
	c, fake, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	fake.FailOpen(&driver.Error{Message: "proxy unreachable", Fatal: true})
	_, err := c.Acquire(ctx, testAccount("acct-1"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDriver, schema.CodeOf(err))
	assert.Equal(t, 0, c.Active())

	fake.FailOpen(nil)
	_, err = c.Acquire(ctx, testAccount("acct-1"))
	require.NoError(t, err, "a failed open must not poison the account slot")
}

func TestCoordinator_ClosePersistsStateAndEmits(t *testing.T) {
	c, fake, vlt, events := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, vlt.SaveSessionState(ctx, "acct-1", []byte("cookies")))

	h, err := c.Acquire(ctx, testAccount("acct-1"))
	require.NoError(t, err)
	c.Release(ctx, h)

	require.NoError(t, c.Close(ctx, "acct-1"))
	assert.Equal(t, 0, fake.OpenCount("acct-1"))
	assert.Equal(t, 0, c.Active())

	// The fake echoes the state it was opened with, so a round trip proves
	// restore-on-open and harvest-on-close both happened.
	state, err := vlt.LoadSessionState(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("cookies"), state)

	assert.Equal(t, []string{schema.EventSessionOpened, schema.EventSessionClosed}, events.types())
}

func TestCoordinator_CloseBusyRejected(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Acquire(ctx, testAccount("acct-1"))
	require.NoError(t, err)

	err = c.Close(ctx, "acct-1")
	assert.Equal(t, schema.ErrCodeAccountBusy, schema.CodeOf(err))
	assert.Equal(t, 1, c.Active())
}

func TestCoordinator_CloseUnknownAccountIsNoop(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	assert.NoError(t, c.Close(context.Background(), "ghost"))
}

func TestCoordinator_ReleaseInvalidatedTearsDown(t *testing.T) {
	c, fake, _, events := newTestCoordinator(t)
	ctx := context.Background()

	h, err := c.Acquire(ctx, testAccount("acct-1"))
	require.NoError(t, err)

	h.Invalidate()
	c.Release(ctx, h)

	assert.Equal(t, 0, c.Active())
	assert.Equal(t, 0, fake.OpenCount("acct-1"))
	assert.Equal(t, []string{schema.EventSessionOpened, schema.EventSessionLost}, events.types())

	h2, err := c.Acquire(ctx, testAccount("acct-1"))
	require.NoError(t, err, "a lost session must not block future acquisition")
	assert.NotSame(t, h, h2)
	assert.Equal(t, 1, fake.OpenCount("acct-1"))
}

func TestCoordinator_CloseIdleReapsExpired(t *testing.T) {
	c, fake, _, _ := newTestCoordinator(t, WithIdleTimeout(10*time.Millisecond))
	ctx := context.Background()

	h, err := c.Acquire(ctx, testAccount("acct-1"))
	require.NoError(t, err)
	c.Release(ctx, h)

	busy, err := c.Acquire(ctx, testAccount("acct-2"))
	require.NoError(t, err)
	_ = busy

	time.Sleep(20 * time.Millisecond)
	c.CloseIdle(ctx)

	assert.Equal(t, 0, fake.OpenCount("acct-1"))
	assert.Equal(t, 1, fake.OpenCount("acct-2"), "busy sessions are never reaped")
	assert.Equal(t, 1, c.Active())
}

func TestCoordinator_CloseAll(t *testing.T) {
	c, fake, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Acquire(ctx, testAccount("acct-1"))
	require.NoError(t, err)
	h2, err := c.Acquire(ctx, testAccount("acct-2"))
	require.NoError(t, err)
	c.Release(ctx, h2)

	c.CloseAll(ctx)
	assert.Equal(t, 0, c.Active())
	assert.Equal(t, 0, fake.OpenCount("acct-1"))
	assert.Equal(t, 0, fake.OpenCount("acct-2"))
}

func TestCoordinator_NeverTwoBusyHandlesPerAccount(t *testing.T) {
	c, fake, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	acct := testAccount("acct-1")

	var inFlight atomic.Int32
	var acquired atomic.Int32
	var wg sync.WaitGroup

	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Acquire(ctx, acct)
			if err != nil {
				assert.Equal(t, schema.ErrCodeAccountBusy, schema.CodeOf(err))
				return
			}
			acquired.Add(1)
			cur := inFlight.Add(1)
			assert.Equal(t, int32(1), cur, "two runs held the same account concurrently")
			assert.LessOrEqual(t, fake.OpenCount("acct-1"), 1)
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			c.Release(ctx, h)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, acquired.Load(), int32(1))
	assert.Equal(t, 1, fake.OpenCount("acct-1"), "contention must never open a second session")
}
