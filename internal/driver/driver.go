// Package driver defines the boundary to the external browser-automation
// collaborator. The core treats the driver as opaque: it opens one isolated
// session per account, invokes plugin payloads against it, and closes it.
package driver

import (
	"context"
	"fmt"

	"github.com/drover-sh/drover/pkg/schema"
)

// Payload is the opaque unit of work a plugin sends to the driver.
type Payload struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Handle is one live driver session. A handle is owned exclusively by the
// SessionHandle that opened it and is never shared across accounts.
type Handle interface {
	// Invoke runs one payload against the session. Failures are reported
	// as *Error; a fatal Error invalidates the whole session.
	Invoke(ctx context.Context, payload Payload) (map[string]any, error)

	// ExportState returns the serialized session state (cookies etc.) for
	// persistence at session close. The format is opaque to the core.
	ExportState(ctx context.Context) ([]byte, error)

	// Close releases the underlying browser resources.
	Close(ctx context.Context) error
}

// Driver opens isolated sessions. Implementations must allow concurrent
// Open calls for different accounts.
type Driver interface {
	// Open creates a session for the account, restoring the given state
	// blob when non-empty. The credential referenced by the account is
	// resolved by the driver process, never by the core.
	Open(ctx context.Context, account schema.AccountIdentity, state []byte) (Handle, error)
}

// Error is a failure reported by the driver. Fatal errors (authentication
// revoked, connection dropped) invalidate the session; the caller must
// reopen rather than retry the attempt.
type Error struct {
	Message string
	Fatal   bool
	Cause   error
}

func (e *Error) Error() string {
	if e.Fatal {
		return fmt.Sprintf("driver (fatal): %s", e.Message)
	}
	return fmt.Sprintf("driver: %s", e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }
