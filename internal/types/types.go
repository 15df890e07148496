// Package types defines core data structures for the tasklane lifecycle engine.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Stage represents a task's position in the fixed lifecycle.
//
// Stages are stored lowercase. External input is parsed case-insensitively
// via ParseStage; "to-do" and "todo" are both accepted.
type Stage string

// Lifecycle stages, in promotion order.
const (
	StageOpen   Stage = "open"
	StageTodo   Stage = "todo"
	StageDoing  Stage = "doing"
	StageDone   Stage = "done"
	StageClosed Stage = "closed"
)

// Stages lists all stages in promotion order.
var Stages = []Stage{StageOpen, StageTodo, StageDoing, StageDone, StageClosed}

// IsValid checks if the stage value is one of the five lifecycle stages.
func (s Stage) IsValid() bool {
	switch s {
	case StageOpen, StageTodo, StageDoing, StageDone, StageClosed:
		return true
	}
	return false
}

// Display returns the human-facing stage name (e.g. "To-Do").
func (s Stage) Display() string {
	switch s {
	case StageOpen:
		return "Open"
	case StageTodo:
		return "To-Do"
	case StageDoing:
		return "Doing"
	case StageDone:
		return "Done"
	case StageClosed:
		return "Closed"
	}
	return string(s)
}

// ParseStage converts external input to a Stage. Comparison is
// case-insensitive and tolerates the hyphenated "To-Do" spelling.
func ParseStage(s string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return StageOpen, nil
	case "todo", "to-do":
		return StageTodo, nil
	case "doing":
		return StageDoing, nil
	case "done":
		return StageDone, nil
	case "closed":
		return StageClosed, nil
	}
	return "", fmt.Errorf("invalid stage: %q", s)
}

// Application defines a workflow container for tasks. The acronym is the
// immutable identifier; description, dates, and permit sets may be updated.
type Application struct {
	Acronym     string     `json:"acronym"`
	Description string     `json:"description,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`

	// Permit sets: the user groups allowed to act on tasks per stage.
	// Each set must be non-empty (enforced at create/update, not by the
	// lifecycle engine).
	PermitCreate []string `json:"permit_create"`
	PermitOpen   []string `json:"permit_open"`
	PermitTodo   []string `json:"permit_todo"`
	PermitDoing  []string `json:"permit_doing"`
	PermitDone   []string `json:"permit_done"`

	// TaskCounter is the running ordinal for task IDs. Managed by storage
	// under the application row lock; never set by callers.
	TaskCounter int64 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks application fields. Acronym is required, permit sets
// must be non-empty, and the date window must be ordered.
func (a *Application) Validate() error {
	if strings.TrimSpace(a.Acronym) == "" {
		return fmt.Errorf("acronym is required")
	}
	if len(a.Acronym) > 50 {
		return fmt.Errorf("acronym must be 50 characters or less (got %d)", len(a.Acronym))
	}
	for _, check := range []struct {
		name string
		set  []string
	}{
		{"permit_create", a.PermitCreate},
		{"permit_open", a.PermitOpen},
		{"permit_todo", a.PermitTodo},
		{"permit_doing", a.PermitDoing},
		{"permit_done", a.PermitDone},
	} {
		if len(check.set) == 0 {
			return fmt.Errorf("%s must not be empty", check.name)
		}
	}
	if a.StartDate != nil && a.EndDate != nil && a.EndDate.Before(*a.StartDate) {
		return fmt.Errorf("end date must not precede start date")
	}
	return nil
}

// PermitSet returns the permit set gating actions on tasks in the given
// stage. Closed has no permit set: nothing is permitted there.
func (a *Application) PermitSet(s Stage) []string {
	switch s {
	case StageOpen:
		return a.PermitOpen
	case StageTodo:
		return a.PermitTodo
	case StageDoing:
		return a.PermitDoing
	case StageDone:
		return a.PermitDone
	}
	return nil
}

// Plan groups tasks within an application. The name is unique per
// application; the optional date window must nest inside the owning
// application's window.
type Plan struct {
	AppAcronym string     `json:"app_acronym"`
	Name       string     `json:"name"`
	StartDate  *time.Time `json:"start_date,omitempty"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Validate checks plan fields against the owning application's window.
// Window bounds are only compared when both sides are present.
func (p *Plan) Validate(app *Application) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("plan name is required")
	}
	if len(p.Name) > 255 {
		return fmt.Errorf("plan name must be 255 characters or less (got %d)", len(p.Name))
	}
	if p.StartDate != nil && p.EndDate != nil && p.EndDate.Before(*p.StartDate) {
		return fmt.Errorf("plan end date must not precede start date")
	}
	if app != nil {
		if p.StartDate != nil && app.StartDate != nil && p.StartDate.Before(*app.StartDate) {
			return fmt.Errorf("plan start date precedes application start date")
		}
		if p.EndDate != nil && app.EndDate != nil && p.EndDate.After(*app.EndDate) {
			return fmt.Errorf("plan end date exceeds application end date")
		}
	}
	return nil
}

// Task represents a trackable work item moving through the lifecycle.
type Task struct {
	AppAcronym  string `json:"app_acronym"`
	Ordinal     int64  `json:"ordinal"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Plan        string `json:"plan,omitempty"` // plan name within the same application; empty = unassigned
	Stage       Stage  `json:"stage"`

	Creator string `json:"creator"`         // account that created the task; immutable
	Owner   string `json:"owner,omitempty"` // set when a task is taken; empty while Open

	CreatedAt time.Time `json:"created_at"`

	// Notes is the append-only audit trail. Populated on single-task
	// fetches; list queries may omit it.
	Notes []NoteEntry `json:"notes,omitempty"`
}

// DisplayID renders the task's public identifier, e.g. "APP1_7".
func (t *Task) DisplayID() string {
	return fmt.Sprintf("%s_%d", t.AppAcronym, t.Ordinal)
}

// Validate checks task fields.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("task name is required")
	}
	if len(t.Name) > 255 {
		return fmt.Errorf("task name must be 255 characters or less (got %d)", len(t.Name))
	}
	if !t.Stage.IsValid() {
		return fmt.Errorf("invalid stage: %s", t.Stage)
	}
	if t.Creator == "" {
		return fmt.Errorf("creator is required")
	}
	// Owner invariant: unset iff the task is still Open.
	if t.Stage == StageOpen && t.Owner != "" {
		return fmt.Errorf("open tasks cannot have an owner")
	}
	return nil
}

// ParseTaskID splits a display ID like "APP1_7" into acronym and ordinal.
// The acronym itself may contain underscores; the ordinal is everything
// after the last one.
func ParseTaskID(id string) (acronym string, ordinal int64, err error) {
	idx := strings.LastIndex(id, "_")
	if idx <= 0 || idx == len(id)-1 {
		return "", 0, fmt.Errorf("invalid task id: %q", id)
	}
	n, err := strconv.ParseInt(id[idx+1:], 10, 64)
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("invalid task id: %q", id)
	}
	return id[:idx], n, nil
}

// NoteEntry is one record in a task's append-only note log.
type NoteEntry struct {
	ID        int64     `json:"id,omitempty"`
	Author    string    `json:"author"`
	Stage     Stage     `json:"stage"` // stage the task was in (or moved to) when written
	Text      string    `json:"text"`
	System    bool      `json:"system,omitempty"` // true for engine-generated transition entries
	CreatedAt time.Time `json:"created_at"`
}

// Principal is the authenticated identity acting on a request. It is
// request-scoped: handlers receive it explicitly, never from ambient state.
type Principal struct {
	Username string   `json:"username"`
	Groups   []string `json:"groups"`
}

// TaskFilter narrows task list queries.
type TaskFilter struct {
	Stage *Stage
	Plan  *string
	Limit int
}
