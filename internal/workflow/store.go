package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// Datastore persists workflow instances, their history and pending tasks.
// All writes that belong to one state change go through WithTx so they
// commit or fail together.
type Datastore interface {
	// LoadInstance returns the instance with its current version. Returns
	// NOT_FOUND if it doesn't exist.
	LoadInstance(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// WithTx runs fn inside a single transaction. If fn returns an error
	// nothing fn wrote is visible afterwards.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// QueryHistory returns history entries matching q, ordered by instance
	// and sequence for instance queries and by timestamp otherwise.
	QueryHistory(ctx context.Context, q HistoryQuery) ([]model.HistoryEntry, error)

	// QueryTasks returns pending tasks matching q, oldest first.
	QueryTasks(ctx context.Context, q TaskQuery) ([]model.PendingTask, error)

	// ClaimTask moves an open task to claimed. Returns NOT_FOUND for an
	// unknown task and CONFLICT when the task is not open.
	ClaimTask(ctx context.Context, taskID, userID string, at time.Time) (model.PendingTask, error)

	// OverdueTasks returns open or claimed tasks due before cutoff, for
	// external schedulers.
	OverdueTasks(ctx context.Context, cutoff time.Time) ([]model.PendingTask, error)
}

// Tx is the write side of a Datastore transaction.
type Tx interface {
	// SaveInstance inserts the instance when expectedVersion is 0, otherwise
	// updates it only if the stored version equals expectedVersion. Returns
	// CONFLICT when the insert collides or the version check fails.
	SaveInstance(ctx context.Context, inst model.WorkflowInstance, expectedVersion int) error

	// AppendHistory appends an entry. Returns CONFLICT if an entry with the
	// same instance and sequence already exists.
	AppendHistory(ctx context.Context, entry model.HistoryEntry) error

	// SaveTask inserts a new pending task.
	SaveTask(ctx context.Context, task model.PendingTask) error

	// CloseTasks marks every open or claimed task of the instance done and
	// returns the tasks it closed.
	CloseTasks(ctx context.Context, instanceID string, at time.Time) ([]model.PendingTask, error)
}

// HistoryQuery filters history entries. Zero fields match everything; From
// is inclusive and To exclusive.
type HistoryQuery struct {
	InstanceID string
	ActorID    string
	From       time.Time
	To         time.Time
	Limit      int
}

// TaskQuery filters pending tasks. Zero fields match everything.
type TaskQuery struct {
	InstanceID string
	Status     string
	Role       string
	UserID     string
	Limit      int
}

func (q HistoryQuery) matches(e model.HistoryEntry) bool {
	if q.InstanceID != "" && e.InstanceID != q.InstanceID {
		return false
	}
	if q.ActorID != "" && e.ActorID != q.ActorID {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !e.Timestamp.Before(q.To) {
		return false
	}
	return true
}

func (q TaskQuery) matches(t model.PendingTask) bool {
	if q.InstanceID != "" && t.InstanceID != q.InstanceID {
		return false
	}
	if q.Status != "" && t.Status != q.Status {
		return false
	}
	if q.Role != "" && t.AssigneeRole != q.Role {
		return false
	}
	if q.UserID != "" && t.AssigneeUserID != q.UserID {
		return false
	}
	return true
}
