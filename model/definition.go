package model

// WorkflowDefinition describes a named graph of steps. One definition is
// declared per YAML file.
type WorkflowDefinition struct {
	Name        string            `yaml:"name"         json:"name"`
	Version     string            `yaml:"version"      json:"version,omitempty"`
	Description string            `yaml:"description"  json:"description,omitempty"`
	InitialStep string            `yaml:"initial_step" json:"initial_step,omitempty"`
	Context     map[string]string `yaml:"context"      json:"context,omitempty"`
	Steps       []StepDefinition  `yaml:"steps"        json:"steps"`

	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// Context field types accepted in a definition's context schema.
const (
	FieldTypeString = "string"
	FieldTypeBool   = "bool"
	FieldTypeNumber = "number"
	FieldTypeList   = "list"
	FieldTypeAny    = "any"
)

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	ID          string                 `yaml:"id"          json:"id"`
	Name        string                 `yaml:"name"        json:"name,omitempty"`
	Initial     bool                   `yaml:"initial"     json:"initial,omitempty"`
	Assignee    *AssigneeConfig        `yaml:"assignee"    json:"assignee,omitempty"`
	FormID      string                 `yaml:"form_id"     json:"form_id,omitempty"`
	DueIn       string                 `yaml:"due_in"      json:"due_in,omitempty"`
	Transitions []TransitionDefinition `yaml:"transitions" json:"transitions,omitempty"`
}

// Terminal reports whether the step has no outgoing transitions.
func (s StepDefinition) Terminal() bool {
	return len(s.Transitions) == 0
}

// Assignee types.
const (
	AssigneeRole    = "role"
	AssigneeUser    = "user"
	AssigneeContext = "context"
)

// AssigneeConfig describes who is responsible for a workflow step. For the
// context type, Value names a context field holding a user id and Fallback
// names the role used when that field is absent.
type AssigneeConfig struct {
	Type     string `yaml:"type"     json:"type"`
	Value    string `yaml:"value"    json:"value"`
	Fallback string `yaml:"fallback" json:"fallback,omitempty"`
}

// TransitionDefinition describes an outgoing edge of a step. An empty Target
// completes the workflow.
type TransitionDefinition struct {
	Trigger     string                 `yaml:"trigger"      json:"trigger"`
	Target      string                 `yaml:"target"       json:"target,omitempty"`
	Condition   string                 `yaml:"condition"    json:"condition,omitempty"`
	Guard       *GuardDefinition       `yaml:"guard"        json:"guard,omitempty"`
	SideEffects []SideEffectDefinition `yaml:"side_effects" json:"side_effects,omitempty"`
}

// Guard operators.
const (
	GuardEq        = "eq"
	GuardNe        = "ne"
	GuardGt        = "gt"
	GuardGte       = "gte"
	GuardLt        = "lt"
	GuardLte       = "lte"
	GuardIn        = "in"
	GuardExists    = "exists"
	GuardNotExists = "not_exists"
)

// GuardDefinition is a predicate over instance context. Exactly one of the
// leaf form (Field/Op/Value) or a composite (All, Any, Not) is set.
type GuardDefinition struct {
	Field string            `yaml:"field" json:"field,omitempty"`
	Op    string            `yaml:"op"    json:"op,omitempty"`
	Value any               `yaml:"value" json:"value,omitempty"`
	All   []GuardDefinition `yaml:"all"   json:"all,omitempty"`
	Any   []GuardDefinition `yaml:"any"   json:"any,omitempty"`
	Not   *GuardDefinition  `yaml:"not"   json:"not,omitempty"`
}

// SideEffectDefinition names a notification template dispatched when the
// transition is accepted. Without an explicit recipient the assignee of the
// target step is notified.
type SideEffectDefinition struct {
	Template  string          `yaml:"template"  json:"template"`
	Recipient *AssigneeConfig `yaml:"recipient" json:"recipient,omitempty"`
}

// UnmarshalYAML accepts either a bare template key or the full mapping.
func (s *SideEffectDefinition) UnmarshalYAML(unmarshal func(any) error) error {
	var key string
	if err := unmarshal(&key); err == nil {
		s.Template = key
		return nil
	}
	type plain SideEffectDefinition
	return unmarshal((*plain)(s))
}
