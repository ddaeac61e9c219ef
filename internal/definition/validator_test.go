package definition

import (
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/caseflow/model"
)

func validWorkflow() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		Name:    "code_enforcement",
		Version: "1",
		Context: map[string]string{
			"compliant":  "bool",
			"officer_id": "string",
		},
		Steps: []model.StepDefinition{
			{
				ID:       "reported",
				Initial:  true,
				Assignee: &model.AssigneeConfig{Type: "role", Value: "enforcement_officer"},
				DueIn:    "48h",
				Transitions: []model.TransitionDefinition{
					{Trigger: "inspect", Target: "inspected"},
				},
			},
			{
				ID:       "inspected",
				Assignee: &model.AssigneeConfig{Type: "context", Value: "officer_id", Fallback: "enforcement_officer"},
				Transitions: []model.TransitionDefinition{
					{Trigger: "close", Target: "closed", Condition: "compliant == true"},
					{
						Trigger: "escalate",
						Target:  "closed",
						Guard:   &model.GuardDefinition{Field: "compliant", Op: "eq", Value: false},
						SideEffects: []model.SideEffectDefinition{
							{Template: "violation_notice"},
						},
					},
				},
			},
			{ID: "closed"},
		},
	}
}

func TestValidator_valid(t *testing.T) {
	v := NewValidator()
	if errs := v.Validate(validWorkflow()); len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}

	d, err := v.Compile(validWorkflow())
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if d.InitialStep().ID != "reported" {
		t.Errorf("InitialStep = %q, want reported", d.InitialStep().ID)
	}
	step, ok := d.Step("reported")
	if !ok {
		t.Fatal("Step(reported) not found")
	}
	if step.DueAfter != 48*time.Hour {
		t.Errorf("DueAfter = %v, want 48h", step.DueAfter)
	}
	inspected, _ := d.Step("inspected")
	if inspected.Transitions[0].Guard == nil {
		t.Error("condition shorthand was not compiled into a guard")
	}
	if inspected.Transitions[1].Guard == nil {
		t.Error("structured guard was not compiled")
	}
	if d.Checksum() == "" {
		t.Error("Checksum() is empty")
	}
}

func TestValidator_initialStepAtWorkflowLevel(t *testing.T) {
	def := validWorkflow()
	def.Steps[0].Initial = false
	def.InitialStep = "reported"

	d, err := NewValidator().Compile(def)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if d.InitialStep().ID != "reported" {
		t.Errorf("InitialStep = %q, want reported", d.InitialStep().ID)
	}
}

func TestValidator_terminalTransition(t *testing.T) {
	def := model.WorkflowDefinition{
		Name: "single",
		Steps: []model.StepDefinition{
			{ID: "open", Initial: true, Transitions: []model.TransitionDefinition{{Trigger: "finish"}}},
		},
	}
	d, err := NewValidator().Compile(def)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	s, _ := d.Step("open")
	if !s.Transitions[0].Terminal() {
		t.Error("transition without target should be terminal")
	}
}

func TestValidator_errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.WorkflowDefinition)
		field  string
		code   string
	}{
		{
			name:   "missing name",
			mutate: func(d *model.WorkflowDefinition) { d.Name = "" },
			field:  "name",
			code:   "REQUIRED",
		},
		{
			name:   "no steps",
			mutate: func(d *model.WorkflowDefinition) { d.Steps = nil },
			field:  "steps",
			code:   "REQUIRED",
		},
		{
			name:   "bad context type",
			mutate: func(d *model.WorkflowDefinition) { d.Context["fee"] = "money" },
			field:  "context.fee",
			code:   "INVALID_ENUM",
		},
		{
			name:   "duplicate step",
			mutate: func(d *model.WorkflowDefinition) { d.Steps[2].ID = "inspected" },
			field:  "steps[2].id",
			code:   "DUPLICATE",
		},
		{
			name:   "missing step id",
			mutate: func(d *model.WorkflowDefinition) { d.Steps[2].ID = "" },
			field:  "steps[2].id",
			code:   "REQUIRED",
		},
		{
			name:   "no initial",
			mutate: func(d *model.WorkflowDefinition) { d.Steps[0].Initial = false },
			field:  "steps",
			code:   "NO_INITIAL",
		},
		{
			name:   "two initial",
			mutate: func(d *model.WorkflowDefinition) { d.Steps[1].Initial = true },
			field:  "steps",
			code:   "MULTIPLE_INITIAL",
		},
		{
			name:   "initial_step disagrees",
			mutate: func(d *model.WorkflowDefinition) { d.InitialStep = "inspected" },
			field:  "initial_step",
			code:   "MULTIPLE_INITIAL",
		},
		{
			name: "initial_step unknown",
			mutate: func(d *model.WorkflowDefinition) {
				d.Steps[0].Initial = false
				d.InitialStep = "nowhere"
			},
			field: "initial_step",
			code:  "REF_NOT_FOUND",
		},
		{
			name:   "unknown target",
			mutate: func(d *model.WorkflowDefinition) { d.Steps[0].Transitions[0].Target = "nowhere" },
			field:  "steps[0].transitions[0].target",
			code:   "REF_NOT_FOUND",
		},
		{
			name:   "missing trigger",
			mutate: func(d *model.WorkflowDefinition) { d.Steps[0].Transitions[0].Trigger = "" },
			field:  "steps[0].transitions[0].trigger",
			code:   "REQUIRED",
		},
		{
			name:   "reserved start trigger",
			mutate: func(d *model.WorkflowDefinition) { d.Steps[0].Transitions[0].Trigger = model.TriggerStart },
			field:  "steps[0].transitions[0].trigger",
			code:   "RESERVED_TRIGGER",
		},
		{
			name:   "reserved cancel trigger",
			mutate: func(d *model.WorkflowDefinition) { d.Steps[1].Transitions[1].Trigger = model.TriggerCancel },
			field:  "steps[1].transitions[1].trigger",
			code:   "RESERVED_TRIGGER",
		},
		{
			name:   "bad due_in",
			mutate: func(d *model.WorkflowDefinition) { d.Steps[0].DueIn = "soon" },
			field:  "steps[0].due_in",
			code:   "INVALID_DURATION",
		},
		{
			name:   "bad assignee type",
			mutate: func(d *model.WorkflowDefinition) { d.Steps[0].Assignee.Type = "team" },
			field:  "steps[0].assignee.type",
			code:   "INVALID_ENUM",
		},
		{
			name:   "context assignee undeclared",
			mutate: func(d *model.WorkflowDefinition) { d.Steps[1].Assignee.Value = "owner_id" },
			field:  "steps[1].assignee.value",
			code:   "UNDECLARED_FIELD",
		},
		{
			name:   "context assignee not a string",
			mutate: func(d *model.WorkflowDefinition) { d.Steps[1].Assignee.Value = "compliant" },
			field:  "steps[1].assignee.value",
			code:   "TYPE_MISMATCH",
		},
		{
			name: "condition and guard",
			mutate: func(d *model.WorkflowDefinition) {
				d.Steps[1].Transitions[0].Guard = &model.GuardDefinition{Field: "compliant", Op: "exists"}
			},
			field: "steps[1].transitions[0]",
			code:  "AMBIGUOUS_GUARD",
		},
		{
			name:   "unparseable condition",
			mutate: func(d *model.WorkflowDefinition) { d.Steps[1].Transitions[0].Condition = "compliant" },
			field:  "steps[1].transitions[0].condition",
			code:   "INVALID_CONDITION",
		},
		{
			name:   "operator inside quoted literal",
			mutate: func(d *model.WorkflowDefinition) { d.Steps[1].Transitions[0].Condition = "decision != 'a' == b'" },
			field:  "steps[1].transitions[0].condition",
			code:   "INVALID_CONDITION",
		},
		{
			name:   "condition on undeclared field",
			mutate: func(d *model.WorkflowDefinition) { d.Steps[1].Transitions[0].Condition = "score > 3" },
			field:  "steps[1].transitions[0].condition.field",
			code:   "UNDECLARED_FIELD",
		},
		{
			name:   "guard type mismatch",
			mutate: func(d *model.WorkflowDefinition) { d.Steps[1].Transitions[1].Guard.Value = "no" },
			field:  "steps[1].transitions[1].guard.value",
			code:   "TYPE_MISMATCH",
		},
		{
			name:   "side effect without template",
			mutate: func(d *model.WorkflowDefinition) { d.Steps[1].Transitions[1].SideEffects[0].Template = "" },
			field:  "steps[1].transitions[1].side_effects[0].template",
			code:   "REQUIRED",
		},
		{
			name: "no terminal step",
			mutate: func(d *model.WorkflowDefinition) {
				d.Steps[2].Transitions = []model.TransitionDefinition{{Trigger: "reopen", Target: "reported"}}
			},
			field: "steps",
			code:  "NO_TERMINAL",
		},
		{
			name: "unreachable step",
			mutate: func(d *model.WorkflowDefinition) {
				d.Steps = append(d.Steps, model.StepDefinition{ID: "orphan"})
			},
			field: "steps.orphan",
			code:  "UNREACHABLE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validWorkflow()
			tt.mutate(&def)

			errs := NewValidator().Validate(def)
			found := false
			for _, e := range errs {
				if e.Field == tt.field && e.Code == tt.code {
					found = true
				}
			}
			if !found {
				t.Errorf("Validate() = %v, want %s at %s", errs, tt.code, tt.field)
			}
		})
	}
}

func TestValidator_Compile_returnsDefinitionError(t *testing.T) {
	def := validWorkflow()
	def.Steps[0].Transitions[0].Target = "nowhere"

	_, err := NewValidator().Compile(def)
	if !errors.Is(err, model.ErrDefinition) {
		t.Fatalf("Compile() error = %v, want DEFINITION_ERROR", err)
	}
	var me *model.Error
	if !errors.As(err, &me) || len(me.Details) == 0 {
		t.Errorf("error details = %v, want at least one", err)
	}
}

func TestValidator_reportsAllErrors(t *testing.T) {
	def := validWorkflow()
	def.Name = ""
	def.Steps[0].Transitions[0].Target = "nowhere"
	def.Steps[0].DueIn = "soon"

	errs := NewValidator().Validate(def)
	if len(errs) < 3 {
		t.Errorf("Validate() = %d errors, want at least 3: %v", len(errs), errs)
	}
}
