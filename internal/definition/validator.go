package definition

import (
	"fmt"
	"time"

	"github.com/pitabwire/caseflow/model"
)

var validFieldTypes = map[string]bool{
	model.FieldTypeString: true,
	model.FieldTypeBool:   true,
	model.FieldTypeNumber: true,
	model.FieldTypeList:   true,
	model.FieldTypeAny:    true,
}

var validAssigneeTypes = map[string]bool{
	model.AssigneeRole:    true,
	model.AssigneeUser:    true,
	model.AssigneeContext: true,
}

// Validator checks workflow definitions structurally and referentially and
// compiles them into their immutable runtime form.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns every problem found in def. An empty result means
// Compile will succeed.
func (v *Validator) Validate(def model.WorkflowDefinition) []model.FieldError {
	_, errs := v.compile(def)
	return errs
}

// Compile validates def and returns its runtime form, or a DEFINITION_ERROR
// listing every problem.
func (v *Validator) Compile(def model.WorkflowDefinition) (*Definition, error) {
	compiled, errs := v.compile(def)
	if len(errs) > 0 {
		return nil, model.NewDefinitionError(def.Name, errs)
	}
	return compiled, nil
}

func (v *Validator) compile(def model.WorkflowDefinition) (*Definition, []model.FieldError) {
	var errs []model.FieldError

	if def.Name == "" {
		errs = append(errs, model.FieldError{Field: "name", Code: "REQUIRED", Message: "name is required"})
	}
	for field, typ := range def.Context {
		if !validFieldTypes[typ] {
			errs = append(errs, model.FieldError{
				Field:   "context." + field,
				Code:    "INVALID_ENUM",
				Message: fmt.Sprintf("unknown field type %q", typ),
			})
		}
	}
	if len(def.Steps) == 0 {
		errs = append(errs, model.FieldError{Field: "steps", Code: "REQUIRED", Message: "at least one step is required"})
		return nil, errs
	}

	out := &Definition{
		def:   def,
		steps: make(map[string]*Step, len(def.Steps)),
		order: make([]*Step, 0, len(def.Steps)),
	}

	for i, s := range def.Steps {
		sp := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			errs = append(errs, model.FieldError{Field: sp + ".id", Code: "REQUIRED", Message: "step id is required"})
			continue
		}
		if _, dup := out.steps[s.ID]; dup {
			errs = append(errs, model.FieldError{Field: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate step id %q", s.ID)})
			continue
		}
		step := &Step{StepDefinition: s, index: i}
		out.steps[s.ID] = step
		out.order = append(out.order, step)
	}

	// Initial step: either flagged on the step or named at workflow level.
	var initials []string
	for _, s := range out.order {
		if s.Initial {
			initials = append(initials, s.ID)
		}
	}
	switch {
	case len(initials) > 1:
		errs = append(errs, model.FieldError{Field: "steps", Code: "MULTIPLE_INITIAL", Message: fmt.Sprintf("steps %v are all marked initial", initials)})
	case def.InitialStep != "" && len(initials) == 1 && initials[0] != def.InitialStep:
		errs = append(errs, model.FieldError{
			Field:   "initial_step",
			Code:    "MULTIPLE_INITIAL",
			Message: fmt.Sprintf("initial_step %q disagrees with step %q marked initial", def.InitialStep, initials[0]),
		})
	case def.InitialStep != "":
		if _, ok := out.steps[def.InitialStep]; !ok {
			errs = append(errs, model.FieldError{Field: "initial_step", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("initial step %q not found", def.InitialStep)})
		} else {
			out.initial = def.InitialStep
		}
	case len(initials) == 1:
		out.initial = initials[0]
	default:
		errs = append(errs, model.FieldError{Field: "steps", Code: "NO_INITIAL", Message: "exactly one step must be marked initial"})
	}

	hasTerminal := false
	for _, step := range out.order {
		s := step.StepDefinition
		sp := fmt.Sprintf("steps[%d]", step.index)

		if s.Assignee != nil {
			errs = append(errs, validateAssignee(sp+".assignee", *s.Assignee, def.Context)...)
		}
		if s.DueIn != "" {
			d, err := time.ParseDuration(s.DueIn)
			if err != nil || d <= 0 {
				errs = append(errs, model.FieldError{Field: sp + ".due_in", Code: "INVALID_DURATION", Message: fmt.Sprintf("invalid due_in %q", s.DueIn)})
			} else {
				step.DueAfter = d
			}
		}

		if s.Terminal() {
			hasTerminal = true
		}
		step.Transitions = make([]Transition, 0, len(s.Transitions))
		for j, t := range s.Transitions {
			tp := fmt.Sprintf("%s.transitions[%d]", sp, j)
			switch t.Trigger {
			case "":
				errs = append(errs, model.FieldError{Field: tp + ".trigger", Code: "REQUIRED", Message: "trigger is required"})
			case model.TriggerStart, model.TriggerCancel:
				errs = append(errs, model.FieldError{Field: tp + ".trigger", Code: "RESERVED_TRIGGER", Message: fmt.Sprintf("trigger %q is recorded by the engine", t.Trigger)})
			}
			if t.Target == "" {
				hasTerminal = true
			} else if _, ok := out.steps[t.Target]; !ok {
				errs = append(errs, model.FieldError{Field: tp + ".target", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("target step %q not found", t.Target)})
			}

			compiled := Transition{TransitionDefinition: t}
			switch {
			case t.Condition != "" && t.Guard != nil:
				errs = append(errs, model.FieldError{Field: tp, Code: "AMBIGUOUS_GUARD", Message: "set either condition or guard, not both"})
			case t.Condition != "":
				gd, err := ParseCondition(t.Condition)
				if err != nil {
					errs = append(errs, model.FieldError{Field: tp + ".condition", Code: "INVALID_CONDITION", Message: err.Error()})
					break
				}
				g, gerrs := compileGuard(tp+".condition", gd, def.Context)
				errs = append(errs, gerrs...)
				compiled.Guard = g
			case t.Guard != nil:
				g, gerrs := compileGuard(tp+".guard", *t.Guard, def.Context)
				errs = append(errs, gerrs...)
				compiled.Guard = g
			}

			for k, se := range t.SideEffects {
				sep := fmt.Sprintf("%s.side_effects[%d]", tp, k)
				if se.Template == "" {
					errs = append(errs, model.FieldError{Field: sep + ".template", Code: "REQUIRED", Message: "template is required"})
				}
				if se.Recipient != nil {
					errs = append(errs, validateAssignee(sep+".recipient", *se.Recipient, def.Context)...)
				}
			}
			step.Transitions = append(step.Transitions, compiled)
		}
	}

	if !hasTerminal {
		errs = append(errs, model.FieldError{Field: "steps", Code: "NO_TERMINAL", Message: "at least one step must be terminal"})
	}

	if out.initial != "" && len(errs) == 0 {
		for _, id := range out.unreachable() {
			errs = append(errs, model.FieldError{Field: "steps." + id, Code: "UNREACHABLE", Message: fmt.Sprintf("step %q is unreachable from %q", id, out.initial)})
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	out.checksum = checksum(def)
	return out, nil
}

func validateAssignee(path string, a model.AssigneeConfig, schema map[string]string) []model.FieldError {
	var errs []model.FieldError
	if !validAssigneeTypes[a.Type] {
		errs = append(errs, model.FieldError{Field: path + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown assignee type %q", a.Type)})
	}
	if a.Value == "" {
		errs = append(errs, model.FieldError{Field: path + ".value", Code: "REQUIRED", Message: "assignee value is required"})
	}
	if a.Type == model.AssigneeContext && len(schema) > 0 {
		if typ, ok := schema[a.Value]; !ok {
			errs = append(errs, model.FieldError{Field: path + ".value", Code: "UNDECLARED_FIELD", Message: fmt.Sprintf("assignee field %q is not declared in the context schema", a.Value)})
		} else if typ != model.FieldTypeString && typ != model.FieldTypeAny {
			errs = append(errs, model.FieldError{Field: path + ".value", Code: "TYPE_MISMATCH", Message: fmt.Sprintf("assignee field %q must be a string", a.Value)})
		}
	}
	return errs
}
