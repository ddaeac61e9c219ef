package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

const (
	defaultConflictRetries    = 3
	defaultRetryDelay         = 50 * time.Millisecond
	defaultPersistenceTimeout = 5 * time.Second
)

// Engine manages the lifecycle of workflow instances. It is safe for
// concurrent use; concurrent changes to the same instance are serialised by
// optimistic versioning in the Datastore.
type Engine struct {
	registry *definition.Registry
	store    Datastore
	recorder *Recorder
	notifier model.Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
	clock    func() time.Time
	newID    func() string

	conflictRetries    int
	retryDelay         time.Duration
	persistenceTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the fallback logger used when the request context carries
// none.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNotifier sets the notifier side effects are dispatched to. Without
// one, side effects are skipped.
func WithNotifier(n model.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.clock = fn }
}

// WithIDGenerator overrides instance and history id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithConflictRetries sets how many times a version conflict re-runs the
// read-evaluate-write cycle.
func WithConflictRetries(n int) Option {
	return func(e *Engine) { e.conflictRetries = n }
}

// WithPersistenceRetryDelay sets the pause before the single retry of a
// failed transaction.
func WithPersistenceRetryDelay(d time.Duration) Option {
	return func(e *Engine) { e.retryDelay = d }
}

// WithPersistenceTimeout bounds datastore calls made under a context with
// no deadline.
func WithPersistenceTimeout(d time.Duration) Option {
	return func(e *Engine) { e.persistenceTimeout = d }
}

// WithEngineConfig applies the engine section of the service configuration.
func WithEngineConfig(cfg config.EngineConfig) Option {
	return func(e *Engine) {
		e.conflictRetries = cfg.MaxConflictRetries
		e.retryDelay = cfg.PersistenceRetryDelay
		e.persistenceTimeout = cfg.PersistenceTimeout
	}
}

// NewEngine creates a new workflow engine.
func NewEngine(registry *definition.Registry, store Datastore, opts ...Option) *Engine {
	e := &Engine{
		registry:           registry,
		store:              store,
		recorder:           NewRecorder(store),
		logger:             zap.NewNop(),
		clock:              time.Now,
		newID:              func() string { return uuid.New().String() },
		conflictRetries:    defaultConflictRetries,
		retryDelay:         defaultRetryDelay,
		persistenceTimeout: defaultPersistenceTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.conflictRetries < 0 {
		e.conflictRetries = 0
	}
	return e
}

// Recorder returns the engine's history recorder.
func (e *Engine) Recorder() *Recorder {
	return e.recorder
}

// StartOption configures a single Start call.
type StartOption func(*startOptions)

type startOptions struct {
	caseRef    string
	instanceID string
}

// WithCaseRef records the id of the case the instance drives.
func WithCaseRef(ref string) StartOption {
	return func(o *startOptions) { o.caseRef = ref }
}

// WithInstanceID starts the instance under a caller-chosen id. Starting a
// second instance with the same id fails with CONFLICT.
func WithInstanceID(id string) StartOption {
	return func(o *startOptions) { o.instanceID = id }
}

// Start creates a new instance at the definition's initial step, opens its
// pending tasks and records the start entry in one transaction.
func (e *Engine) Start(
	ctx context.Context,
	definitionName string,
	caseContext map[string]any,
	actorID string,
	opts ...StartOption,
) (inst model.WorkflowInstance, err error) {
	actorID = model.ActorFrom(ctx, actorID)
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrDefinition.String(definitionName),
		observability.AttrActorID.String(actorID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if actorID == "" {
		return model.WorkflowInstance{}, model.NewBadRequestError("actor id is required")
	}

	def, err := e.registry.Get(definitionName)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	so := startOptions{}
	for _, opt := range opts {
		opt(&so)
	}
	if so.instanceID == "" {
		so.instanceID = e.newID()
	}

	now := e.timestamp(time.Time{})
	initial := def.InitialStep()
	inst = model.WorkflowInstance{
		ID:             so.instanceID,
		DefinitionName: def.Name(),
		CaseRef:        so.caseRef,
		CurrentStep:    initial.ID,
		Status:         model.WorkflowStatusActive,
		Context:        model.CloneContext(caseContext),
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}

	var tasks []model.PendingTask
	if len(initial.Transitions) == 0 {
		inst.Status = model.WorkflowStatusCompleted
	} else {
		tasks = openTasks(inst, initial, now, e.newID)
	}

	entry := model.HistoryEntry{
		ID:         e.newID(),
		InstanceID: inst.ID,
		Sequence:   inst.Version,
		ToStep:     initial.ID,
		Trigger:    model.TriggerStart,
		ActorID:    actorID,
		Timestamp:  now,
	}

	err = e.persist(ctx, "start", func(tx Tx) error {
		if err := tx.SaveInstance(ctx, inst, 0); err != nil {
			return err
		}
		if err := e.recorder.Record(ctx, tx, entry); err != nil {
			return err
		}
		for _, t := range tasks {
			if err := tx.SaveTask(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	span.SetAttributes(observability.AttrInstanceID.String(inst.ID))
	e.metrics.RecordWorkflowStart(def.Name())
	e.metrics.RecordTasksOpened(def.Name(), initial.ID, len(tasks))
	if inst.Status == model.WorkflowStatusCompleted {
		e.metrics.RecordWorkflowCompletion(def.Name(), inst.Status)
	}

	observability.RequestLogger(ctx, e.logger).Info("workflow started",
		zap.String("definition", def.Name()),
		zap.String("instance_id", inst.ID),
		zap.String("case_ref", inst.CaseRef),
		zap.String("step", inst.CurrentStep),
		zap.Int("tasks", len(tasks)),
	)
	return inst, nil
}

// dispatch is a notification raised by an accepted transition, sent once the
// transition has committed.
type dispatch struct {
	template  string
	recipient model.Assignment
	vars      map[string]any
}

// Fire applies trigger to the instance. A trigger that matches no transition
// yields an unaccepted result and leaves the instance untouched. Version
// conflicts re-run the whole read-evaluate-write cycle.
func (e *Engine) Fire(
	ctx context.Context,
	instanceID string,
	trigger string,
	actorID string,
	contextPatch map[string]any,
	notes string,
) (result model.TransitionResult, err error) {
	actorID = model.ActorFrom(ctx, actorID)
	ctx, span := observability.StartSpan(ctx, "workflow.fire",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrTrigger.String(trigger),
		observability.AttrActorID.String(actorID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	switch {
	case actorID == "":
		return model.TransitionResult{}, model.NewBadRequestError("actor id is required")
	case trigger == "":
		return model.TransitionResult{}, model.NewBadRequestError("trigger is required")
	}

	logger := observability.RequestLogger(ctx, e.logger)
	if len(contextPatch) > 0 {
		logger.Debug("context patch",
			zap.String("instance_id", instanceID),
			zap.Any("patch", observability.RedactContext(contextPatch)),
		)
	}

	started := time.Now()
	attempts := e.conflictRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		span.SetAttributes(observability.AttrAttempt.Int(attempt))

		res, def, pending, err := e.tryFire(ctx, instanceID, trigger, actorID, contextPatch, notes)
		if err == nil {
			span.SetAttributes(
				observability.AttrDefinition.String(res.Instance.DefinitionName),
				observability.AttrFromStep.String(res.FromStep),
				observability.AttrToStep.String(res.ToStep),
				observability.AttrAccepted.Bool(res.Accepted),
			)
			if res.Accepted {
				e.afterAccept(ctx, logger, def, trigger, res, started)
				e.notify(ctx, logger, pending)
			} else {
				e.metrics.RecordRejection(res.Instance.DefinitionName, trigger, res.Reason, time.Since(started))
			}
			return res, nil
		}

		if !errors.Is(err, model.ErrConflict) {
			if attempt > 1 && errors.Is(err, model.ErrTerminalState) {
				return model.TransitionResult{}, model.NewConcurrentModificationError(instanceID, attempt, err)
			}
			return model.TransitionResult{}, err
		}

		lastErr = err
		if attempt < attempts {
			e.metrics.RecordConflictRetry("fire")
			logger.Debug("version conflict, retrying",
				zap.String("instance_id", instanceID),
				zap.String("trigger", trigger),
				zap.Int("attempt", attempt),
			)
		}
	}

	logger.Warn("version conflicts exhausted retries",
		zap.String("instance_id", instanceID),
		zap.String("trigger", trigger),
		zap.Int("attempts", attempts),
	)
	return model.TransitionResult{}, model.NewConcurrentModificationError(instanceID, attempts, lastErr)
}

// tryFire runs one read-evaluate-write cycle.
func (e *Engine) tryFire(
	ctx context.Context,
	instanceID, trigger, actorID string,
	patch map[string]any,
	notes string,
) (model.TransitionResult, *definition.Definition, []dispatch, error) {
	inst, err := e.load(ctx, instanceID)
	if err != nil {
		return model.TransitionResult{}, nil, nil, err
	}
	if inst.Terminal() {
		return model.TransitionResult{}, nil, nil, model.NewTerminalStateError(inst.ID, inst.Status)
	}

	def, err := e.registry.Get(inst.DefinitionName)
	if err != nil {
		return model.TransitionResult{}, nil, nil, err
	}

	working := inst.Clone()
	if working.Context == nil {
		working.Context = make(map[string]any, len(patch))
	}
	for k, v := range model.CloneContext(patch) {
		working.Context[k] = v
	}

	res, rej := Resolve(def, inst.CurrentStep, trigger, working.Context)
	if rej != nil {
		fields := []zap.Field{
			zap.String("instance_id", inst.ID),
			zap.String("definition", inst.DefinitionName),
			zap.String("step", inst.CurrentStep),
			zap.String("trigger", trigger),
			zap.String("reason", rej.Reason),
		}
		if rej.Err != nil {
			fields = append(fields, zap.Error(rej.Err))
		}
		observability.RequestLogger(ctx, e.logger).Warn("transition rejected", fields...)
		return model.TransitionResult{
			Accepted: false,
			Reason:   rej.Reason,
			FromStep: inst.CurrentStep,
			Instance: inst,
		}, def, nil, nil
	}

	now := e.timestamp(inst.UpdatedAt)
	next := working
	next.UpdatedAt = now
	next.Version = inst.Version + 1

	var (
		toStep string
		tasks  []model.PendingTask
	)
	if res.Target == nil || len(res.Target.Transitions) == 0 {
		next.Status = model.WorkflowStatusCompleted
	}
	if res.Target != nil {
		toStep = res.Target.ID
		next.CurrentStep = toStep
		if next.Status == model.WorkflowStatusActive {
			tasks = openTasks(next, res.Target, now, e.newID)
		}
	}

	entry := model.HistoryEntry{
		ID:         e.newID(),
		InstanceID: inst.ID,
		Sequence:   next.Version,
		FromStep:   inst.CurrentStep,
		ToStep:     toStep,
		Trigger:    trigger,
		ActorID:    actorID,
		Timestamp:  now,
		Notes:      notes,
	}

	err = e.persist(ctx, "fire", func(tx Tx) error {
		if err := tx.SaveInstance(ctx, next, inst.Version); err != nil {
			return err
		}
		if _, err := tx.CloseTasks(ctx, inst.ID, now); err != nil {
			return err
		}
		if err := e.recorder.Record(ctx, tx, entry); err != nil {
			return err
		}
		for _, t := range tasks {
			if err := tx.SaveTask(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.TransitionResult{}, nil, nil, err
	}

	result := model.TransitionResult{
		Accepted: true,
		FromStep: inst.CurrentStep,
		ToStep:   toStep,
		Instance: next,
		Tasks:    tasks,
	}
	return result, def, e.sideEffects(res, next, entry), nil
}

func (e *Engine) afterAccept(
	ctx context.Context,
	logger *zap.Logger,
	def *definition.Definition,
	trigger string,
	res model.TransitionResult,
	started time.Time,
) {
	name := def.Name()
	e.metrics.RecordTransition(name, trigger, time.Since(started))
	e.metrics.RecordTasksOpened(name, res.ToStep, len(res.Tasks))
	if res.Instance.Status == model.WorkflowStatusCompleted {
		e.metrics.RecordWorkflowCompletion(name, res.Instance.Status)
	}

	logger.Info("transition accepted",
		zap.String("instance_id", res.Instance.ID),
		zap.String("definition", name),
		zap.String("trigger", trigger),
		zap.String("from_step", res.FromStep),
		zap.String("to_step", res.ToStep),
		zap.String("status", res.Instance.Status),
		zap.Int("version", res.Instance.Version),
	)
}

// sideEffects resolves the notifications of an accepted transition against
// the post-transition context.
func (e *Engine) sideEffects(res Resolution, inst model.WorkflowInstance, entry model.HistoryEntry) []dispatch {
	effects := res.Transition.SideEffects
	if len(effects) == 0 || e.notifier == nil {
		return nil
	}

	out := make([]dispatch, 0, len(effects))
	for _, se := range effects {
		var who model.Assignment
		if se.Recipient != nil {
			who = resolveAssignment(se.Recipient, inst.Context)
		} else {
			who = ResolveAssignee(res.Target, inst.Context)
		}

		vars := model.CloneContext(inst.Context)
		if vars == nil {
			vars = make(map[string]any, 7)
		}
		vars["instance_id"] = inst.ID
		vars["definition"] = inst.DefinitionName
		vars["from_step"] = entry.FromStep
		vars["to_step"] = entry.ToStep
		vars["trigger"] = entry.Trigger
		vars["actor_id"] = entry.ActorID
		vars["case_ref"] = inst.CaseRef

		out = append(out, dispatch{template: se.Template, recipient: who, vars: vars})
	}
	return out
}

// notify sends committed side effects. Failures are logged and counted only.
func (e *Engine) notify(ctx context.Context, logger *zap.Logger, pending []dispatch) {
	for _, d := range pending {
		err := e.notifier.Dispatch(ctx, d.template, d.recipient, d.vars)
		if err != nil {
			e.metrics.RecordNotification(d.template, "failed")
			logger.Warn("notification dispatch failed",
				zap.String("template", d.template),
				zap.String("instance_id", fmt.Sprint(d.vars["instance_id"])),
				zap.Error(err),
			)
			continue
		}
		e.metrics.RecordNotification(d.template, "sent")
	}
}

// Cancel marks the instance cancelled, closes its open tasks and records a
// terminal entry. Cancelling an already cancelled instance is a no-op;
// cancelling a completed one is a TERMINAL_STATE error.
func (e *Engine) Cancel(ctx context.Context, instanceID, actorID, reason string) (err error) {
	actorID = model.ActorFrom(ctx, actorID)
	ctx, span := observability.StartSpan(ctx, "workflow.cancel",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrActorID.String(actorID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if actorID == "" {
		return model.NewBadRequestError("actor id is required")
	}

	logger := observability.RequestLogger(ctx, e.logger)
	attempts := e.conflictRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		inst, err := e.load(ctx, instanceID)
		if err != nil {
			return err
		}
		switch inst.Status {
		case model.WorkflowStatusCancelled:
			return nil
		case model.WorkflowStatusCompleted:
			terr := model.NewTerminalStateError(inst.ID, inst.Status)
			if attempt > 1 {
				return model.NewConcurrentModificationError(instanceID, attempt, terr)
			}
			return terr
		}

		now := e.timestamp(inst.UpdatedAt)
		next := inst.Clone()
		next.Status = model.WorkflowStatusCancelled
		next.UpdatedAt = now
		next.Version = inst.Version + 1

		entry := model.HistoryEntry{
			ID:         e.newID(),
			InstanceID: inst.ID,
			Sequence:   next.Version,
			FromStep:   inst.CurrentStep,
			Trigger:    model.TriggerCancel,
			ActorID:    actorID,
			Timestamp:  now,
			Notes:      reason,
		}

		var closed []model.PendingTask
		err = e.persist(ctx, "cancel", func(tx Tx) error {
			if err := tx.SaveInstance(ctx, next, inst.Version); err != nil {
				return err
			}
			var err error
			if closed, err = tx.CloseTasks(ctx, inst.ID, now); err != nil {
				return err
			}
			return e.recorder.Record(ctx, tx, entry)
		})
		if err == nil {
			e.metrics.RecordWorkflowCompletion(inst.DefinitionName, next.Status)
			logger.Info("workflow cancelled",
				zap.String("instance_id", inst.ID),
				zap.String("definition", inst.DefinitionName),
				zap.String("step", inst.CurrentStep),
				zap.Int("tasks_closed", len(closed)),
			)
			return nil
		}
		if !errors.Is(err, model.ErrConflict) {
			return err
		}
		lastErr = err
		if attempt < attempts {
			e.metrics.RecordConflictRetry("cancel")
		}
	}
	return model.NewConcurrentModificationError(instanceID, attempts, lastErr)
}

// GetHistory returns the instance's history, oldest first.
func (e *Engine) GetHistory(ctx context.Context, instanceID string) ([]model.HistoryEntry, error) {
	if _, err := e.load(ctx, instanceID); err != nil {
		return nil, err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	entries, err := e.recorder.ByInstance(ctx, instanceID)
	if err != nil {
		return nil, e.persistenceError("query history", err)
	}
	return entries, nil
}

// QueryHistory returns history entries across instances matching q.
func (e *Engine) QueryHistory(ctx context.Context, q HistoryQuery) ([]model.HistoryEntry, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	entries, err := e.recorder.Query(ctx, q)
	if err != nil {
		if errors.Is(err, model.ErrBadRequest) {
			return nil, err
		}
		return nil, e.persistenceError("query history", err)
	}
	return entries, nil
}

// Instance returns the current state of an instance.
func (e *Engine) Instance(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return e.load(ctx, instanceID)
}

// Tasks returns pending tasks matching q.
func (e *Engine) Tasks(ctx context.Context, q TaskQuery) ([]model.PendingTask, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	tasks, err := e.store.QueryTasks(ctx, q)
	if err != nil {
		return nil, e.persistenceError("query tasks", err)
	}
	return tasks, nil
}

// ClaimTask assigns an open task to userID. Claiming a task that is not open
// fails with CONFLICT.
func (e *Engine) ClaimTask(ctx context.Context, taskID, userID string) (model.PendingTask, error) {
	userID = model.ActorFrom(ctx, userID)
	if userID == "" {
		return model.PendingTask{}, model.NewBadRequestError("user id is required")
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	task, err := e.store.ClaimTask(ctx, taskID, userID, e.timestamp(time.Time{}))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrConflict) {
			return model.PendingTask{}, err
		}
		return model.PendingTask{}, e.persistenceError("claim task", err)
	}

	observability.RequestLogger(ctx, e.logger).Info("task claimed",
		zap.String("task_id", task.ID),
		zap.String("instance_id", task.InstanceID),
		zap.String("user_id", userID),
	)
	return task, nil
}

// AvailableTriggers lists the triggers the instance would currently accept.
// Terminal instances accept none.
func (e *Engine) AvailableTriggers(ctx context.Context, instanceID string) ([]string, error) {
	inst, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Terminal() {
		return []string{}, nil
	}
	def, err := e.registry.Get(inst.DefinitionName)
	if err != nil {
		return nil, err
	}
	return AvailableTriggers(def, inst.CurrentStep, inst.Context), nil
}

// load reads an instance, bounded by the persistence timeout.
func (e *Engine) load(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.WorkflowInstance{}, err
		}
		return model.WorkflowInstance{}, e.persistenceError("load instance", err)
	}
	return inst, nil
}

// persist runs fn in a transaction, retrying once on failure. Conflicts and
// rejected writes are returned as is; anything else surfaces as a
// PERSISTENCE_ERROR with nothing committed.
func (e *Engine) persist(ctx context.Context, op string, fn func(tx Tx) error) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.retryDelay), 1),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		observability.RequestLogger(ctx, e.logger).Warn("datastore transaction failed, retrying",
			zap.String("operation", op),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(func() error {
		err := e.store.WithTx(ctx, fn)
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, notify)
	if err == nil || isPermanent(err) {
		return err
	}
	return e.persistenceError(op, err)
}

func (e *Engine) persistenceError(op string, err error) error {
	e.metrics.RecordPersistenceFailure(op)
	e.logger.Error("datastore operation failed", zap.String("operation", op), zap.Error(err))
	return model.NewPersistenceError(op, err)
}

// isPermanent reports whether a datastore error is a definitive answer that
// retrying cannot change.
func isPermanent(err error) bool {
	return errors.Is(err, model.ErrConflict) ||
		errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrBadRequest)
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || e.persistenceTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.persistenceTimeout)
}

// timestamp returns the current time at microsecond precision, strictly
// after the given time so history timestamps increase per instance.
func (e *Engine) timestamp(after time.Time) time.Time {
	now := e.clock().UTC().Truncate(time.Microsecond)
	if !after.IsZero() && !now.After(after) {
		now = after.Add(time.Microsecond)
	}
	return now
}
