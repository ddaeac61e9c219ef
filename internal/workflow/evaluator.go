package workflow

import (
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/model"
)

// Resolution is the transition selected for a trigger. Target is nil when
// the transition completes the workflow.
type Resolution struct {
	Transition definition.Transition
	Target     *definition.Step
}

// Rejection explains why no transition was selected. Err carries the guard
// failure when Reason is RejectGuardError.
type Rejection struct {
	Reason string
	Err    error
}

// Resolve selects the transition fired by trigger from the current step.
// Transitions are tried in declared order; the first whose guard holds wins.
// A guard that fails to evaluate rejects the trigger outright, so a malformed
// context never falls through to a later, less specific transition.
func Resolve(def *definition.Definition, current, trigger string, ctx map[string]any) (Resolution, *Rejection) {
	step, ok := def.Step(current)
	if !ok {
		return Resolution{}, &Rejection{Reason: model.RejectUnknownStep}
	}

	for _, t := range step.Transitions {
		if t.Trigger != trigger {
			continue
		}
		if t.Guard != nil {
			holds, err := t.Guard.Evaluate(ctx)
			if err != nil {
				return Resolution{}, &Rejection{Reason: model.RejectGuardError, Err: err}
			}
			if !holds {
				continue
			}
		}

		res := Resolution{Transition: t}
		if !t.Terminal() {
			target, ok := def.Step(t.Target)
			if !ok {
				return Resolution{}, &Rejection{Reason: model.RejectUnknownStep}
			}
			res.Target = target
		}
		return res, nil
	}
	return Resolution{}, &Rejection{Reason: model.RejectNoMatchingTransition}
}

// AvailableTriggers returns the triggers that would be accepted from stepID
// given ctx, unique and in declared order.
func AvailableTriggers(def *definition.Definition, stepID string, ctx map[string]any) []string {
	step, ok := def.Step(stepID)
	if !ok {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	for _, t := range step.Transitions {
		if seen[t.Trigger] {
			continue
		}
		if _, rej := Resolve(def, stepID, t.Trigger, ctx); rej != nil {
			continue
		}
		seen[t.Trigger] = true
		out = append(out, t.Trigger)
	}
	return out
}
