// Package storage provides shared types for task persistence.
//
// Concrete implementations live in the mysql and memory sub-packages. This
// package holds the interface and sentinel errors referenced by both the
// implementations and their consumers (internal/lifecycle, internal/rpc,
// cmd/tl).
package storage

import (
	"context"
	"errors"

	"github.com/tasklane/tasklane/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when creating an entity whose identifier is
// already taken (application acronym, plan name within an application).
var ErrDuplicate = errors.New("already exists")

// Storage is the interface satisfied by *mysql.Store and *memory.Store.
// Consumers depend on this interface rather than on a concrete type so that
// the memory implementation can substitute in tests and dev mode.
//
// Read methods may be served with eventual consistency; correctness of
// lifecycle transitions relies only on the transactional re-read performed
// inside RunInTransaction.
type Storage interface {
	// Applications
	CreateApplication(ctx context.Context, app *types.Application) error
	GetApplication(ctx context.Context, acronym string) (*types.Application, error)
	UpdateApplication(ctx context.Context, app *types.Application) error
	ListApplications(ctx context.Context) ([]*types.Application, error)

	// Plans
	CreatePlan(ctx context.Context, plan *types.Plan) error
	GetPlan(ctx context.Context, acronym, name string) (*types.Plan, error)
	ListPlans(ctx context.Context, acronym string) ([]*types.Plan, error)

	// Task reads
	GetTask(ctx context.Context, acronym string, ordinal int64) (*types.Task, error)
	ListTasks(ctx context.Context, acronym string, filter types.TaskFilter) ([]*types.Task, error)
	GetNotes(ctx context.Context, acronym string, ordinal int64) ([]types.NoteEntry, error)

	// Transactions. All task mutations go through here so that the
	// optimistic-concurrency check and the mutation commit atomically.
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
}

// Transaction exposes the mutating operations that must execute within a
// single database transaction. Two requests targeting the same task are
// serialized by the underlying row lock; the loser observes the winner's
// committed state on its fresh read.
//
// Semantics follow the usual contract: an error from the callback rolls the
// transaction back, a nil return commits it, and a panic rolls back and
// re-raises.
type Transaction interface {
	// GetApplicationForUpdate loads an application and acquires its row
	// lock, serializing ordinal allocation against concurrent creators.
	GetApplicationForUpdate(ctx context.Context, acronym string) (*types.Application, error)

	// GetApplication loads an application without locking it. Permission
	// checks are read-only and need no lock.
	GetApplication(ctx context.Context, acronym string) (*types.Application, error)

	UpdateApplication(ctx context.Context, app *types.Application) error

	// GetTaskForUpdate loads a task and acquires its row lock. This is the
	// authoritative read the optimistic-concurrency guard compares against.
	GetTaskForUpdate(ctx context.Context, acronym string, ordinal int64) (*types.Task, error)

	// CreateTask inserts a task with the next ordinal for its application
	// and returns the allocated ordinal. The application row must already
	// be locked via GetApplicationForUpdate.
	CreateTask(ctx context.Context, task *types.Task) (int64, error)

	// SetStage persists a stage change together with the owner mutation
	// that accompanies it. owner is the full new value, not a delta.
	SetStage(ctx context.Context, acronym string, ordinal int64, stage types.Stage, owner string) error

	// SetPlan persists a plan (re)assignment. Empty plan clears it.
	SetPlan(ctx context.Context, acronym string, ordinal int64, plan string) error

	// AppendNote appends one entry to the task's note log. The log is
	// append-only: no update or delete operation exists.
	AppendNote(ctx context.Context, acronym string, ordinal int64, entry types.NoteEntry) error

	// Reads within the transaction (read-your-writes).
	GetPlan(ctx context.Context, acronym, name string) (*types.Plan, error)
}
