package expressions

import (
	"encoding/json"
	"sync"

	"github.com/drover-sh/drover/pkg/schema"
)

// Scope holds the data visible to conditions and input references during one
// run. Step results are append-only and frozen on insert: a completed step's
// entry never changes afterwards.
type Scope struct {
	mu      sync.RWMutex
	steps   map[string]any // step ID -> {status, output, error, attempts}
	inputs  map[string]any // workflow input parameters (frozen at init)
	run     map[string]any // run metadata (frozen at init)
	account map[string]any // account identity (frozen at init)
}

// NewScope creates a scope initialized with run-level data. All maps are
// deep-copied so later external mutation cannot leak into evaluations.
func NewScope(inputs, run, account map[string]any) *Scope {
	return &Scope{
		steps:   make(map[string]any),
		inputs:  deepCopyMap(inputs),
		run:     deepCopyMap(run),
		account: deepCopyMap(account),
	}
}

// AddStepResult registers a finished step under its step ID. Re-registering
// an ID is rejected: results are immutable once recorded.
func (s *Scope) AddStepResult(stepID string, res schema.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.steps[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"step %q result already recorded", stepID)
	}

	entry := map[string]any{
		"status":   string(res.Status),
		"output":   deepCopyMap(res.Output),
		"attempts": res.Attempts,
	}
	if res.Error != nil {
		entry["error"] = map[string]any{
			"kind":    res.Error.Kind,
			"message": res.Error.Message,
		}
	}
	s.steps[stepID] = entry
	return nil
}

// HasStep reports whether a result is recorded under the step ID.
func (s *Scope) HasStep(stepID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.steps[stepID]
	return ok
}

// Data returns a snapshot suitable for engine evaluation. Step entries are
// copied so evaluators cannot mutate recorded results.
func (s *Scope) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]any{
		"steps":   deepCopyMap(s.steps),
		"inputs":  s.inputs,
		"run":     s.run,
		"account": s.account,
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
