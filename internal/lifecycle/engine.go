// Package lifecycle implements the task lifecycle state machine.
//
// The engine owns the stage-transition table and orchestrates the three
// gates every mutation passes through: the optimistic-concurrency guard
// (caller's expected_state vs. the stage re-read under the row lock), the
// permission resolver (group intersection against the application's permit
// set for the task's current stage), and the audit appender. Each mutating
// operation runs inside a single storage transaction; failure at any step
// aborts with no partial mutation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tasklane/tasklane/internal/audit"
	"github.com/tasklane/tasklane/internal/permit"
	"github.com/tasklane/tasklane/internal/storage"
	"github.com/tasklane/tasklane/internal/telemetry"
	"github.com/tasklane/tasklane/internal/types"
)

const scopeName = "github.com/tasklane/tasklane/lifecycle"

// Promotion and demotion edges. The engine is the sole authority on which
// edges exist; permit sets only gate the actor, never edge validity.
var (
	promoteEdges = map[types.Stage]types.Stage{
		types.StageOpen:  types.StageTodo,
		types.StageTodo:  types.StageDoing,
		types.StageDoing: types.StageDone,
		types.StageDone:  types.StageClosed,
	}
	demoteEdges = map[types.Stage]types.Stage{
		types.StageDoing: types.StageTodo,
		types.StageDone:  types.StageDoing,
	}
)

// Notifier receives post-commit lifecycle events. Dispatch is fire and
// forget: the engine never waits on delivery and delivery failures never
// surface to the caller.
type Notifier interface {
	TaskSubmitted(task *types.Task, app *types.Application)
}

// Engine executes lifecycle operations against a store.
type Engine struct {
	store    storage.Storage
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time

	ops metric.Int64Counter
	dur metric.Float64Histogram
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the post-commit notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(store storage.Storage, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	m := telemetry.Meter(scopeName)
	e.ops, _ = m.Int64Counter("tl.lifecycle.operations",
		metric.WithDescription("Lifecycle operations by kind and outcome"),
	)
	e.dur, _ = m.Float64Histogram("tl.lifecycle.operation.duration",
		metric.WithDescription("Lifecycle operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	return e
}

// CreateTaskSpec carries the caller-supplied fields for task creation.
type CreateTaskSpec struct {
	App         string
	Name        string
	Description string
	Plan        string // optional; must name an existing plan of the same application
}

// CreateTask creates a task in stage Open. Requires membership in the
// application's permit_create set. The first note-log entry is written in
// the same transaction.
func (e *Engine) CreateTask(ctx context.Context, p types.Principal, spec CreateTaskSpec) (*types.Task, error) {
	defer e.observe("create", e.now())

	if strings.TrimSpace(spec.App) == "" {
		return nil, fmt.Errorf("%w: application acronym is required", ErrValidation)
	}

	task := &types.Task{
		AppAcronym:  spec.App,
		Name:        spec.Name,
		Description: spec.Description,
		Plan:        spec.Plan,
		Stage:       types.StageOpen,
		Creator:     p.Username,
		CreatedAt:   e.now().UTC(),
	}
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	err := e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		// Lock the application row: ordinal allocation serializes here.
		app, err := tx.GetApplicationForUpdate(ctx, spec.App)
		if err != nil {
			return err
		}
		if !permit.Allowed(p.Groups, app.PermitCreate) {
			return fmt.Errorf("%w: %s is not in permit_create of %s", ErrForbidden, p.Username, app.Acronym)
		}
		if spec.Plan != "" {
			if _, err := tx.GetPlan(ctx, spec.App, spec.Plan); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("plan %q: %w", spec.Plan, storage.ErrNotFound)
				}
				return err
			}
		}
		if _, err := tx.CreateTask(ctx, task); err != nil {
			return err
		}
		return tx.AppendNote(ctx, spec.App, task.Ordinal, audit.CreationEntry(p.Username, e.now()))
	})
	if err != nil {
		e.count("create", err)
		return nil, err
	}
	e.count("create", nil)

	e.log.Info("task created",
		"task", task.DisplayID(), "creator", p.Username)
	return e.GetTask(ctx, task.DisplayID())
}

// Promote advances a task one stage along the promotion edges.
func (e *Engine) Promote(ctx context.Context, p types.Principal, taskID string, expected types.Stage, note string) (*types.Task, error) {
	defer e.observe("promote", e.now())
	return e.transition(ctx, p, taskID, expected, note, promoteEdges, true)
}

// Demote moves a task one stage backward along the demotion edges.
func (e *Engine) Demote(ctx context.Context, p types.Principal, taskID string, expected types.Stage, note string) (*types.Task, error) {
	defer e.observe("demote", e.now())
	return e.transition(ctx, p, taskID, expected, note, demoteEdges, false)
}

// transition runs the shared promote/demote algorithm: load under lock,
// concurrency guard, edge lookup, permission check, then the atomic
// stage+owner+audit mutation. Notification fires only after commit.
func (e *Engine) transition(ctx context.Context, p types.Principal, taskID string, expected types.Stage, note string, edges map[types.Stage]types.Stage, isPromote bool) (*types.Task, error) {
	kind := "demote"
	if isPromote {
		kind = "promote"
	}

	acronym, ordinal, err := types.ParseTaskID(taskID)
	if err != nil {
		e.count(kind, ErrValidation)
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !expected.IsValid() {
		e.count(kind, ErrValidation)
		return nil, fmt.Errorf("%w: expected_state is required", ErrValidation)
	}

	var notifyTask *types.Task
	var notifyApp *types.Application

	err = e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		task, err := tx.GetTaskForUpdate(ctx, acronym, ordinal)
		if err != nil {
			return err
		}
		app, err := tx.GetApplication(ctx, task.AppAcronym)
		if err != nil {
			return err
		}

		// Concurrency guard: the caller's belief about the current stage
		// must match the stage just read under the row lock.
		if task.Stage != expected {
			return fmt.Errorf("%w: task %s is %s, not %s", ErrStaleState, taskID, task.Stage, expected)
		}

		to, ok := edges[task.Stage]
		if !ok {
			return fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, kind, task.Stage.Display())
		}

		// Both directions are gated by the permit set of the stage the
		// task currently sits in.
		if !permit.Allowed(p.Groups, app.PermitSet(task.Stage)) {
			return fmt.Errorf("%w: %s may not act on %s tasks in %s", ErrForbidden, p.Username, task.Stage.Display(), app.Acronym)
		}

		owner := nextOwner(task, to, p.Username)
		if err := tx.SetStage(ctx, acronym, ordinal, to, owner); err != nil {
			return err
		}
		if err := tx.AppendNote(ctx, acronym, ordinal, audit.TransitionEntry(p.Username, task.Stage, to, e.now())); err != nil {
			return err
		}
		if note != "" {
			if err := tx.AppendNote(ctx, acronym, ordinal, audit.UserEntry(p.Username, to, note, e.now())); err != nil {
				return err
			}
		}

		if isPromote && to == types.StageDone {
			committed := *task
			committed.Stage = to
			committed.Owner = owner
			notifyTask, notifyApp = &committed, app
		}
		return nil
	})
	if err != nil {
		e.count(kind, err)
		return nil, err
	}
	e.count(kind, nil)

	// Outbound notification stays outside the transaction: best effort,
	// after commit, and never able to fail the transition.
	if notifyTask != nil && e.notifier != nil {
		e.notifier.TaskSubmitted(notifyTask, notifyApp)
	}

	e.log.Info("task transitioned",
		"task", taskID, "op", kind, "actor", p.Username)
	return e.GetTask(ctx, taskID)
}

// nextOwner applies the owner mutation that accompanies a stage change.
// The owner invariant: unset iff the task is Open.
func nextOwner(task *types.Task, to types.Stage, actor string) string {
	switch {
	case to == types.StageOpen, to == types.StageTodo:
		// Released or returned: nobody owns it.
		return ""
	case task.Stage == types.StageTodo && to == types.StageDoing:
		// Taken: the acting user becomes the owner.
		return actor
	default:
		return task.Owner
	}
}

// Amend applies a plan (re)assignment and/or a manual annotation in one
// atomic request. plan == nil means "leave the plan alone"; a pointer to
// the empty string clears it.
func (e *Engine) Amend(ctx context.Context, p types.Principal, taskID string, plan *string, note string) (*types.Task, error) {
	defer e.observe("amend", e.now())

	if plan == nil && note == "" {
		e.count("amend", ErrValidation)
		return nil, fmt.Errorf("%w: nothing to change", ErrValidation)
	}
	acronym, ordinal, err := types.ParseTaskID(taskID)
	if err != nil {
		e.count("amend", ErrValidation)
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	err = e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		task, err := tx.GetTaskForUpdate(ctx, acronym, ordinal)
		if err != nil {
			return err
		}
		app, err := tx.GetApplication(ctx, task.AppAcronym)
		if err != nil {
			return err
		}

		if plan != nil {
			if err := e.assignPlan(ctx, tx, p, task, app, *plan); err != nil {
				return err
			}
		}
		if note != "" {
			// Notes are allowed in any stage except Closed, gated by the
			// permit set of the stage the task currently sits in.
			if task.Stage == types.StageClosed {
				return fmt.Errorf("%w: closed tasks cannot be annotated", ErrInvalidTransition)
			}
			if !permit.Allowed(p.Groups, app.PermitSet(task.Stage)) {
				return fmt.Errorf("%w: %s may not act on %s tasks in %s", ErrForbidden, p.Username, task.Stage.Display(), app.Acronym)
			}
			if err := tx.AppendNote(ctx, acronym, ordinal, audit.UserEntry(p.Username, task.Stage, note, e.now())); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.count("amend", err)
		return nil, err
	}
	e.count("amend", nil)
	return e.GetTask(ctx, taskID)
}

// assignPlan enforces the plan-reassignment rule: only while the task is
// Open or Done (plan is fixed during active work), always gated by the
// permit_open set regardless of the task's actual current stage.
func (e *Engine) assignPlan(ctx context.Context, tx storage.Transaction, p types.Principal, task *types.Task, app *types.Application, plan string) error {
	if task.Stage != types.StageOpen && task.Stage != types.StageDone {
		return fmt.Errorf("%w: plan may only change while Open or Done (task is %s)", ErrInvalidTransition, task.Stage.Display())
	}
	if !permit.Allowed(p.Groups, app.PermitOpen) {
		return fmt.Errorf("%w: %s is not in permit_open of %s", ErrForbidden, p.Username, app.Acronym)
	}
	if plan != "" {
		if _, err := tx.GetPlan(ctx, task.AppAcronym, plan); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("plan %q: %w", plan, storage.ErrNotFound)
			}
			return err
		}
	}
	if err := tx.SetPlan(ctx, task.AppAcronym, task.Ordinal, plan); err != nil {
		return err
	}
	return tx.AppendNote(ctx, task.AppAcronym, task.Ordinal, audit.PlanEntry(p.Username, task.Stage, plan, e.now()))
}

// AssignPlan changes only the task's plan.
func (e *Engine) AssignPlan(ctx context.Context, p types.Principal, taskID, plan string) (*types.Task, error) {
	return e.Amend(ctx, p, taskID, &plan, "")
}

// Annotate appends a manual note without touching stage or owner.
func (e *Engine) Annotate(ctx context.Context, p types.Principal, taskID, note string) (*types.Task, error) {
	if strings.TrimSpace(note) == "" {
		return nil, fmt.Errorf("%w: note text is required", ErrValidation)
	}
	return e.Amend(ctx, p, taskID, nil, note)
}

// GetTask loads a task with its full note log.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	acronym, ordinal, err := types.ParseTaskID(taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	task, err := e.store.GetTask(ctx, acronym, ordinal)
	if err != nil {
		return nil, err
	}
	notes, err := e.store.GetNotes(ctx, acronym, ordinal)
	if err != nil {
		return nil, err
	}
	task.Notes = notes
	return task, nil
}

// ListTasks lists an application's tasks, optionally filtered by stage.
func (e *Engine) ListTasks(ctx context.Context, acronym string, filter types.TaskFilter) ([]*types.Task, error) {
	return e.store.ListTasks(ctx, acronym, filter)
}

func (e *Engine) observe(kind string, start time.Time) {
	e.dur.Record(context.Background(), float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("op", kind)))
}

func (e *Engine) count(kind string, err error) {
	e.ops.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("op", kind),
		attribute.String("outcome", outcome(err)),
	))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStaleState):
		return "stale"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
