package model

import "time"

// Workflow instance status constants.
const (
	WorkflowStatusActive    = "active"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusCancelled = "cancelled"
)

// Pending task status constants.
const (
	TaskStatusOpen    = "open"
	TaskStatusClaimed = "claimed"
	TaskStatusDone    = "done"
)

// Transition rejection reasons.
const (
	RejectNoMatchingTransition = "no matching transition"
	RejectGuardError           = "guard error"
	RejectUnknownStep          = "unknown step"
)

// Triggers recorded by the engine itself.
const (
	TriggerStart  = "start"
	TriggerCancel = "cancel"
)

// WorkflowInstance binds one case to one workflow definition. CaseRef is the
// case record's id; the case refers to the instance, never the reverse.
type WorkflowInstance struct {
	ID             string         `json:"id"`
	DefinitionName string         `json:"definition_name"`
	CaseRef        string         `json:"case_ref,omitempty"`
	CurrentStep    string         `json:"current_step"`
	Status         string         `json:"status"`
	Context        map[string]any `json:"context,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Version        int            `json:"version"`
}

// Terminal reports whether the instance is completed or cancelled.
func (i WorkflowInstance) Terminal() bool {
	return i.Status == WorkflowStatusCompleted || i.Status == WorkflowStatusCancelled
}

// Clone returns a copy whose context can be mutated independently, nested
// maps and lists included.
func (i WorkflowInstance) Clone() WorkflowInstance {
	out := i
	out.Context = CloneContext(i.Context)
	return out
}

// CloneContext deep-copies a case context. Nested map[string]any and []any
// values are copied; other values are shared as-is.
func CloneContext(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneContext(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// HistoryEntry is an immutable audit record of one accepted transition. An
// empty FromStep marks the start entry; an empty ToStep marks completion via
// a terminal transition or cancellation.
type HistoryEntry struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Sequence   int       `json:"sequence"`
	FromStep   string    `json:"from_step,omitempty"`
	ToStep     string    `json:"to_step,omitempty"`
	Trigger    string    `json:"trigger"`
	ActorID    string    `json:"actor_id"`
	Timestamp  time.Time `json:"timestamp"`
	Notes      string    `json:"notes,omitempty"`
}

// Assignment is the actor responsible for a step or addressed by a
// notification. At most one of Role and UserID is set; both empty means
// nobody.
type Assignment struct {
	Role   string `json:"role,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// IsZero reports whether the assignment names nobody.
func (a Assignment) IsZero() bool {
	return a.Role == "" && a.UserID == ""
}

// PendingTask is a unit of work opened when an instance enters a step with
// an assignee. Exactly one of AssigneeRole and AssigneeUserID is set.
type PendingTask struct {
	ID             string     `json:"id"`
	InstanceID     string     `json:"instance_id"`
	StepID         string     `json:"step_id"`
	AssigneeRole   string     `json:"assignee_role,omitempty"`
	AssigneeUserID string     `json:"assignee_user_id,omitempty"`
	Status         string     `json:"status"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

// TransitionResult is the outcome of firing a trigger. A rejected result is
// an expected outcome, not an error; Reason explains it and the instance is
// left untouched.
type TransitionResult struct {
	Accepted bool             `json:"accepted"`
	Reason   string           `json:"reason,omitempty"`
	FromStep string           `json:"from_step"`
	ToStep   string           `json:"to_step,omitempty"`
	Instance WorkflowInstance `json:"instance"`
	Tasks    []PendingTask    `json:"tasks,omitempty"`
}
