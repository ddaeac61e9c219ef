package workflow

import (
	"time"

	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/model"
)

// ResolveAssignee maps the step's assignee rule onto an actor. A zero
// Assignment means the step needs nobody.
func ResolveAssignee(step *definition.Step, ctx map[string]any) model.Assignment {
	if step == nil {
		return model.Assignment{}
	}
	return resolveAssignment(step.Assignee, ctx)
}

// resolveAssignment applies a single assignee rule. It also serves side
// effect recipients, which share the rule format.
func resolveAssignment(cfg *model.AssigneeConfig, ctx map[string]any) model.Assignment {
	if cfg == nil {
		return model.Assignment{}
	}
	switch cfg.Type {
	case model.AssigneeRole:
		return model.Assignment{Role: cfg.Value}
	case model.AssigneeUser:
		return model.Assignment{UserID: cfg.Value}
	case model.AssigneeContext:
		if userID, ok := ctx[cfg.Value].(string); ok && userID != "" {
			return model.Assignment{UserID: userID}
		}
		if cfg.Fallback != "" {
			return model.Assignment{Role: cfg.Fallback}
		}
	}
	return model.Assignment{}
}

// openTasks builds the pending tasks for an instance entering step. At most
// one task is opened per step entry; newID supplies the task id.
func openTasks(inst model.WorkflowInstance, step *definition.Step, now time.Time, newID func() string) []model.PendingTask {
	who := ResolveAssignee(step, inst.Context)
	if who.IsZero() {
		return nil
	}

	task := model.PendingTask{
		ID:             newID(),
		InstanceID:     inst.ID,
		StepID:         step.ID,
		AssigneeRole:   who.Role,
		AssigneeUserID: who.UserID,
		Status:         model.TaskStatusOpen,
		CreatedAt:      now,
	}
	if step.DueAfter > 0 {
		due := now.Add(step.DueAfter)
		task.DueAt = &due
	}
	return []model.PendingTask{task}
}
