package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// MemoryStore is an in-memory Datastore for tests and single-process
// deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: instance ID
	history   map[string][]model.HistoryEntry    // key: instance ID, ordered by sequence
	tasks     map[string]model.PendingTask       // key: task ID
	taskOrder []string
}

// NewMemoryStore creates a new in-memory datastore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]model.WorkflowInstance),
		history:   make(map[string][]model.HistoryEntry),
		tasks:     make(map[string]model.PendingTask),
	}
}

// LoadInstance retrieves an instance by ID.
func (s *MemoryStore) LoadInstance(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return inst.Clone(), nil
}

// WithTx runs fn holding the store's write lock. Writes are staged and
// applied only when fn succeeds. fn must not call other MemoryStore methods.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:     s,
		instances: make(map[string]model.WorkflowInstance),
		closed:    make(map[string]model.PendingTask),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

// QueryHistory returns entries matching q.
func (s *MemoryStore) QueryHistory(_ context.Context, q HistoryQuery) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.HistoryEntry
	if q.InstanceID != "" {
		for _, e := range s.history[q.InstanceID] {
			if q.matches(e) {
				result = append(result, e)
			}
		}
	} else {
		for _, entries := range s.history {
			for _, e := range entries {
				if q.matches(e) {
					result = append(result, e)
				}
			}
		}
		sort.SliceStable(result, func(i, j int) bool {
			if !result[i].Timestamp.Equal(result[j].Timestamp) {
				return result[i].Timestamp.Before(result[j].Timestamp)
			}
			if result[i].InstanceID != result[j].InstanceID {
				return result[i].InstanceID < result[j].InstanceID
			}
			return result[i].Sequence < result[j].Sequence
		})
	}

	if q.Limit > 0 && q.Limit < len(result) {
		result = result[:q.Limit]
	}
	return result, nil
}

// QueryTasks returns tasks matching q in creation order.
func (s *MemoryStore) QueryTasks(_ context.Context, q TaskQuery) ([]model.PendingTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PendingTask
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		if !q.matches(t) {
			continue
		}
		result = append(result, t)
		if q.Limit > 0 && len(result) == q.Limit {
			break
		}
	}
	return result, nil
}

// ClaimTask moves an open task to claimed.
func (s *MemoryStore) ClaimTask(_ context.Context, taskID, userID string, _ time.Time) (model.PendingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[taskID]
	if !exists {
		return model.PendingTask{}, model.NewNotFoundError(fmt.Sprintf("task %q not found", taskID))
	}
	if t.Status != model.TaskStatusOpen {
		return model.PendingTask{}, model.NewConflictError(fmt.Sprintf("task %q is %s", taskID, t.Status))
	}
	t.Status = model.TaskStatusClaimed
	t.ClaimedBy = userID
	s.tasks[taskID] = t
	return t, nil
}

// OverdueTasks returns unfinished tasks due before cutoff, earliest first.
func (s *MemoryStore) OverdueTasks(_ context.Context, cutoff time.Time) ([]model.PendingTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PendingTask
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		if t.Status == model.TaskStatusDone || t.DueAt == nil || !t.DueAt.Before(cutoff) {
			continue
		}
		result = append(result, t)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].DueAt.Before(*result[j].DueAt)
	})
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of stored instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// memTx stages writes against a locked MemoryStore.
type memTx struct {
	store     *MemoryStore
	instances map[string]model.WorkflowInstance
	history   []model.HistoryEntry
	tasks     []model.PendingTask
	closed    map[string]model.PendingTask
}

func (tx *memTx) SaveInstance(_ context.Context, inst model.WorkflowInstance, expectedVersion int) error {
	current, exists := tx.instances[inst.ID]
	if !exists {
		current, exists = tx.store.instances[inst.ID]
	}

	if expectedVersion == 0 {
		if exists {
			return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
		}
	} else {
		if !exists {
			return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", inst.ID))
		}
		if current.Version != expectedVersion {
			return model.NewConflictError(
				fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, expectedVersion, current.Version),
			)
		}
	}

	tx.instances[inst.ID] = inst.Clone()
	return nil
}

func (tx *memTx) AppendHistory(_ context.Context, entry model.HistoryEntry) error {
	dup := func(e model.HistoryEntry) bool {
		return e.InstanceID == entry.InstanceID && e.Sequence == entry.Sequence
	}
	for _, e := range tx.store.history[entry.InstanceID] {
		if dup(e) {
			return model.NewConflictError(
				fmt.Sprintf("history entry %d already recorded for instance %q", entry.Sequence, entry.InstanceID),
			)
		}
	}
	for _, e := range tx.history {
		if dup(e) {
			return model.NewConflictError(
				fmt.Sprintf("history entry %d already recorded for instance %q", entry.Sequence, entry.InstanceID),
			)
		}
	}
	tx.history = append(tx.history, entry)
	return nil
}

func (tx *memTx) SaveTask(_ context.Context, task model.PendingTask) error {
	if _, exists := tx.store.tasks[task.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("task %q already exists", task.ID))
	}
	tx.tasks = append(tx.tasks, task)
	return nil
}

func (tx *memTx) CloseTasks(_ context.Context, instanceID string, at time.Time) ([]model.PendingTask, error) {
	var closed []model.PendingTask
	for _, id := range tx.store.taskOrder {
		t := tx.store.tasks[id]
		if t.InstanceID != instanceID || t.Status == model.TaskStatusDone {
			continue
		}
		if _, already := tx.closed[id]; already {
			continue
		}
		closedAt := at
		t.Status = model.TaskStatusDone
		t.ClosedAt = &closedAt
		tx.closed[id] = t
		closed = append(closed, t)
	}
	return closed, nil
}

func (tx *memTx) apply() {
	s := tx.store
	for id, inst := range tx.instances {
		s.instances[id] = inst
	}
	touched := make(map[string]bool)
	for _, e := range tx.history {
		s.history[e.InstanceID] = append(s.history[e.InstanceID], e)
		touched[e.InstanceID] = true
	}
	for id := range touched {
		entries := s.history[id]
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
	}
	for id, t := range tx.closed {
		s.tasks[id] = t
	}
	for _, t := range tx.tasks {
		s.tasks[t.ID] = t
		s.taskOrder = append(s.taskOrder, t.ID)
	}
}
