// Package tasklane provides a minimal public API for embedding the task
// lifecycle engine in other Go programs.
//
// Most integrations should talk to the HTTP API served by `tl serve`.
// This package exports only the essential types and constructors needed
// to drive the engine programmatically against your own store.
package tasklane

import (
	"github.com/tasklane/tasklane/internal/lifecycle"
	"github.com/tasklane/tasklane/internal/storage"
	"github.com/tasklane/tasklane/internal/storage/memory"
	"github.com/tasklane/tasklane/internal/types"
)

// Core types for working with tasks
type (
	Task        = types.Task
	Application = types.Application
	Plan        = types.Plan
	Stage       = types.Stage
	Principal   = types.Principal
	NoteEntry   = types.NoteEntry
)

// Stage constants
const (
	StageOpen   = types.StageOpen
	StageTodo   = types.StageTodo
	StageDoing  = types.StageDoing
	StageDone   = types.StageDone
	StageClosed = types.StageClosed
)

// Engine executes lifecycle operations. See NewEngine.
type Engine = lifecycle.Engine

// CreateTaskSpec carries caller-supplied fields for task creation.
type CreateTaskSpec = lifecycle.CreateTaskSpec

// Storage is the persistence interface the engine runs against.
type Storage = storage.Storage

// Lifecycle error sentinels, testable with errors.Is.
var (
	ErrInvalidTransition = lifecycle.ErrInvalidTransition
	ErrForbidden         = lifecycle.ErrForbidden
	ErrStaleState        = lifecycle.ErrStaleState
	ErrNotFound          = storage.ErrNotFound
)

// NewEngine creates an engine over the given store.
func NewEngine(store Storage) *Engine {
	return lifecycle.New(store)
}

// NewMemoryStorage creates an in-memory store. Nothing survives process
// exit; intended for tests and experimentation.
func NewMemoryStorage() Storage {
	return memory.New()
}
