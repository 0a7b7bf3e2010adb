package engine

import (
	"sync"
	"time"

	"github.com/drover-sh/drover/pkg/schema"
)

// CooldownState is the guard state for one account.
type CooldownState int

const (
	CooldownClosed   CooldownState = iota // runs flow normally
	CooldownOpen                          // runs rejected until the window elapses
	CooldownHalfOpen                      // one probe run allowed
)

func (s CooldownState) String() string {
	switch s {
	case CooldownClosed:
		return "closed"
	case CooldownOpen:
		return "open"
	case CooldownHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CooldownConfig tunes the per-account guard.
type CooldownConfig struct {
	// FailureThreshold is how many consecutive failed runs open the guard.
	FailureThreshold int
	// Window is how long the guard stays open before allowing a probe run.
	Window time.Duration
	// ProbeMax is how many probe runs may execute while half-open.
	ProbeMax int
}

// DefaultCooldownConfig keeps an account out of rotation for ten minutes
// after three consecutive failed runs. Repeated failures on one account
// usually mean the platform is pushing back; hammering it makes bans likelier.
func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		FailureThreshold: 3,
		Window:           10 * time.Minute,
		ProbeMax:         1,
	}
}

type accountGuard struct {
	mu           sync.Mutex
	state        CooldownState
	failures     int
	lastFailure  time.Time
	probesInUse  int
	config       CooldownConfig
}

// CooldownGuard tracks run failures per account and pauses scheduling for
// accounts that keep failing.
type CooldownGuard struct {
	mu     sync.Mutex
	guards map[string]*accountGuard
	config CooldownConfig
}

// NewCooldownGuard creates a guard registry with the given config.
func NewCooldownGuard(config CooldownConfig) *CooldownGuard {
	return &CooldownGuard{
		guards: make(map[string]*accountGuard),
		config: config,
	}
}

// Allow reports whether a run may start for the account. Returns
// ACCOUNT_COOLDOWN while the guard is open.
func (g *CooldownGuard) Allow(accountID string) error {
	guard := g.getOrCreate(accountID)
	guard.mu.Lock()
	defer guard.mu.Unlock()

	switch guard.state {
	case CooldownClosed:
		return nil

	case CooldownOpen:
		if time.Since(guard.lastFailure) >= guard.config.Window {
			guard.state = CooldownHalfOpen
			guard.probesInUse = 1
			return nil
		}
		remaining := guard.config.Window - time.Since(guard.lastFailure)
		return schema.NewErrorf(schema.ErrCodeAccountCooldown,
			"account %s is cooling down after %d consecutive failed runs",
			accountID, guard.failures).
			WithAccount(accountID).
			WithDetails(map[string]any{
				"state":              guard.state.String(),
				"cooldown_remaining": remaining.String(),
			})

	case CooldownHalfOpen:
		if guard.probesInUse >= guard.config.ProbeMax {
			return schema.NewErrorf(schema.ErrCodeAccountCooldown,
				"account %s has a probe run in flight", accountID).WithAccount(accountID)
		}
		guard.probesInUse++
		return nil
	}
	return nil
}

// RecordSuccess resets the account's guard after a successful run.
func (g *CooldownGuard) RecordSuccess(accountID string) {
	guard := g.getOrCreate(accountID)
	guard.mu.Lock()
	defer guard.mu.Unlock()

	guard.failures = 0
	guard.probesInUse = 0
	guard.state = CooldownClosed
}

// RecordFailure counts a failed run and returns the resulting state. A
// failed probe reopens the guard immediately.
func (g *CooldownGuard) RecordFailure(accountID string) CooldownState {
	guard := g.getOrCreate(accountID)
	guard.mu.Lock()
	defer guard.mu.Unlock()

	guard.failures++
	guard.lastFailure = time.Now()

	if guard.state == CooldownHalfOpen {
		guard.state = CooldownOpen
		return CooldownOpen
	}
	if guard.failures >= guard.config.FailureThreshold {
		guard.state = CooldownOpen
		return CooldownOpen
	}
	return guard.state
}

// State returns the account's current guard state, applying the automatic
// open-to-half-open transition when the window has elapsed.
func (g *CooldownGuard) State(accountID string) CooldownState {
	guard := g.getOrCreate(accountID)
	guard.mu.Lock()
	defer guard.mu.Unlock()

	if guard.state == CooldownOpen && time.Since(guard.lastFailure) >= guard.config.Window {
		guard.state = CooldownHalfOpen
		guard.probesInUse = 0
	}
	return guard.state
}

func (g *CooldownGuard) getOrCreate(accountID string) *accountGuard {
	g.mu.Lock()
	defer g.mu.Unlock()
	guard, ok := g.guards[accountID]
	if !ok {
		guard = &accountGuard{state: CooldownClosed, config: g.config}
		g.guards[accountID] = guard
	}
	return guard
}
