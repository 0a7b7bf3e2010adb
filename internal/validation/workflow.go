package validation

import (
	"github.com/drover-sh/drover/internal/expressions"
	"github.com/drover-sh/drover/internal/registry"
	"github.com/drover-sh/drover/internal/resolver"
	"github.com/drover-sh/drover/pkg/schema"
)

// ValidateReferences checks every literal ${{steps.<id>...}} reference in
// step inputs against the IDs of earlier steps. Forward and unknown
// references fail the definition before anything executes. Dynamic "jq:"
// lookups are not checked here; they fail their step with MISSING_INPUT at
// runtime.
func ValidateReferences(def *schema.WorkflowDefinition) error {
	known := make(map[string]struct{}, len(def.Steps))

	for _, step := range def.Steps {
		for _, ref := range expressions.StepRefs(step.Input) {
			if _, ok := known[ref]; !ok {
				return schema.NewErrorf(schema.ErrCodeDefinition,
					"step %q references steps.%s, which is not an earlier step",
					step.StepID(), ref).
					WithDetails(map[string]any{"step": step.StepID(), "reference": ref})
			}
		}
		known[step.StepID()] = struct{}{}
	}
	return nil
}

// ValidateDependencies checks that every step's plugin is registered and
// that its required dependency closure is satisfied by earlier steps.
// Optional dependencies do not constrain the workflow; version constraints
// are enforced by the resolver against the snapshot.
func ValidateDependencies(def *schema.WorkflowDefinition, snap *registry.Snapshot) error {
	res := resolver.New(snap)
	ran := make(map[string]struct{}, len(def.Steps))

	for _, step := range def.Steps {
		order, err := res.Resolve(step.Plugin)
		if err != nil {
			return err
		}

		for _, dep := range order {
			if dep.Name == step.Plugin {
				continue
			}
			if !required(snap, step.Plugin, dep.Name) {
				continue
			}
			if _, ok := ran[dep.Name]; !ok {
				return schema.NewErrorf(schema.ErrCodeDefinition,
					"step %q needs plugin %s to run earlier in the workflow",
					step.StepID(), dep.Name).
					WithPlugin(step.Plugin).
					WithDetails(map[string]any{"step": step.StepID(), "missing": dep.Name})
			}
		}
		ran[step.Plugin] = struct{}{}
	}
	return nil
}

// required reports whether dep is reachable from plugin through non-optional
// edges only.
func required(snap *registry.Snapshot, plugin, dep string) bool {
	seen := make(map[string]bool)
	var walk func(name string) bool
	walk = func(name string) bool {
		if seen[name] {
			return false
		}
		seen[name] = true
		d, ok := snap.Lookup(name)
		if !ok {
			return false
		}
		for _, r := range d.Requires {
			if r.Optional {
				continue
			}
			if r.Name == dep || walk(r.Name) {
				return true
			}
		}
		return false
	}
	return walk(plugin)
}

// ValidateRun performs the full run-start validation pass: shape, reference
// ordering, and dependency ordering.
func (v *Validator) ValidateRun(def *schema.WorkflowDefinition, snap *registry.Snapshot) error {
	if err := v.ValidateDefinition(def); err != nil {
		return err
	}
	if err := ValidateReferences(def); err != nil {
		return err
	}
	return ValidateDependencies(def, snap)
}
