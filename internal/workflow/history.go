package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// Recorder appends audit entries and answers audit queries. Filtering is
// delegated to the Datastore.
type Recorder struct {
	store Datastore
}

// NewRecorder creates a Recorder over store.
func NewRecorder(store Datastore) *Recorder {
	return &Recorder{store: store}
}

// Record appends entry within tx. A second entry with the same instance and
// sequence is rejected by the Datastore with CONFLICT.
func (r *Recorder) Record(ctx context.Context, tx Tx, entry model.HistoryEntry) error {
	switch {
	case entry.ID == "":
		return model.NewBadRequestError("history entry id is required")
	case entry.InstanceID == "":
		return model.NewBadRequestError("history entry instance id is required")
	case entry.Trigger == "":
		return model.NewBadRequestError("history entry trigger is required")
	}
	return tx.AppendHistory(ctx, entry)
}

// ByInstance returns the instance's entries oldest first.
func (r *Recorder) ByInstance(ctx context.Context, instanceID string) ([]model.HistoryEntry, error) {
	return r.store.QueryHistory(ctx, HistoryQuery{InstanceID: instanceID})
}

// ByActor returns every entry recorded for actorID.
func (r *Recorder) ByActor(ctx context.Context, actorID string) ([]model.HistoryEntry, error) {
	return r.store.QueryHistory(ctx, HistoryQuery{ActorID: actorID})
}

// Between returns entries with from <= timestamp < to.
func (r *Recorder) Between(ctx context.Context, from, to time.Time) ([]model.HistoryEntry, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, model.NewBadRequestError("history range end precedes its start")
	}
	return r.store.QueryHistory(ctx, HistoryQuery{From: from, To: to})
}

// Query runs an arbitrary history query.
func (r *Recorder) Query(ctx context.Context, q HistoryQuery) ([]model.HistoryEntry, error) {
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return nil, model.NewBadRequestError("history range end precedes its start")
	}
	return r.store.QueryHistory(ctx, q)
}
