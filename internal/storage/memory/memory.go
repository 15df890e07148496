// Package memory implements the storage interface in process memory.
//
// The memory store backs engine tests and the --memory dev mode. A single
// mutex serializes transactions, which gives the same observable semantics
// as the MySQL row locks: concurrent mutations of one task execute one
// after the other, and each sees the previous winner's committed state.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tasklane/tasklane/internal/storage"
	"github.com/tasklane/tasklane/internal/types"
)

// Verify interface satisfaction at compile time.
var (
	_ storage.Storage     = (*Store)(nil)
	_ storage.Transaction = (*memTx)(nil)
)

type state struct {
	apps    map[string]*types.Application
	plans   map[string]map[string]*types.Plan     // acronym -> plan name -> plan
	tasks   map[string]map[int64]*types.Task      // acronym -> ordinal -> task
	notes   map[string]map[int64][]types.NoteEntry // acronym -> ordinal -> log
	noteSeq int64
}

func newState() *state {
	return &state{
		apps:  make(map[string]*types.Application),
		plans: make(map[string]map[string]*types.Plan),
		tasks: make(map[string]map[int64]*types.Task),
		notes: make(map[string]map[int64][]types.NoteEntry),
	}
}

// Store is an in-memory implementation of storage.Storage.
type Store struct {
	mu sync.Mutex
	st *state
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{st: newState()}
}

// Close releases nothing; it exists to satisfy the interface.
func (s *Store) Close() error { return nil }

// CreateApplication stores a new application keyed by acronym.
func (s *Store) CreateApplication(ctx context.Context, app *types.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.st.apps[app.Acronym]; exists {
		return storage.ErrDuplicate
	}
	s.st.apps[app.Acronym] = cloneApp(app)
	return nil
}

// GetApplication returns a copy of the stored application.
func (s *Store) GetApplication(ctx context.Context, acronym string) (*types.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.st.apps[acronym]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneApp(app), nil
}

// UpdateApplication replaces mutable application fields. The acronym and
// task counter are preserved.
func (s *Store) UpdateApplication(ctx context.Context, app *types.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateApp(s.st, app)
}

// ListApplications returns all applications sorted by acronym.
func (s *Store) ListApplications(ctx context.Context) ([]*types.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Application, 0, len(s.st.apps))
	for _, app := range s.st.apps {
		out = append(out, cloneApp(app))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Acronym < out[j].Acronym })
	return out, nil
}

// CreatePlan stores a plan under its owning application.
func (s *Store) CreatePlan(ctx context.Context, plan *types.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.apps[plan.AppAcronym]; !ok {
		return storage.ErrNotFound
	}
	byName := s.st.plans[plan.AppAcronym]
	if byName == nil {
		byName = make(map[string]*types.Plan)
		s.st.plans[plan.AppAcronym] = byName
	}
	if _, exists := byName[plan.Name]; exists {
		return storage.ErrDuplicate
	}
	byName[plan.Name] = clonePlan(plan)
	return nil
}

// GetPlan looks up a plan by application and name.
func (s *Store) GetPlan(ctx context.Context, acronym, name string) (*types.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getPlan(s.st, acronym, name)
}

// ListPlans returns the application's plans sorted by name.
func (s *Store) ListPlans(ctx context.Context, acronym string) ([]*types.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.apps[acronym]; !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]*types.Plan, 0, len(s.st.plans[acronym]))
	for _, p := range s.st.plans[acronym] {
		out = append(out, clonePlan(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetTask returns a task without its note log.
func (s *Store) GetTask(ctx context.Context, acronym string, ordinal int64) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getTask(s.st, acronym, ordinal)
}

// ListTasks returns the application's tasks, newest first, honoring the filter.
func (s *Store) ListTasks(ctx context.Context, acronym string, filter types.TaskFilter) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.apps[acronym]; !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]*types.Task, 0, len(s.st.tasks[acronym]))
	for _, task := range s.st.tasks[acronym] {
		if filter.Stage != nil && task.Stage != *filter.Stage {
			continue
		}
		if filter.Plan != nil && task.Plan != *filter.Plan {
			continue
		}
		out = append(out, cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal > out[j].Ordinal })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetNotes returns the task's note log in append order.
func (s *Store) GetNotes(ctx context.Context, acronym string, ordinal int64) ([]types.NoteEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := getTask(s.st, acronym, ordinal); err != nil {
		return nil, err
	}
	log := s.st.notes[acronym][ordinal]
	out := make([]types.NoteEntry, len(log))
	copy(out, log)
	return out, nil
}

// RunInTransaction executes fn against a copy of the store state. The copy
// replaces the live state only when fn returns nil, so a failing callback
// leaves no partial mutation. Panics roll back and re-raise.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{st: cloneState(s.st)}
	if err := fn(tx); err != nil {
		return err
	}
	s.st = tx.st
	return nil
}

// memTx implements storage.Transaction over a private state copy.
type memTx struct {
	st *state
}

func (t *memTx) GetApplicationForUpdate(ctx context.Context, acronym string) (*types.Application, error) {
	app, ok := t.st.apps[acronym]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneApp(app), nil
}

func (t *memTx) GetApplication(ctx context.Context, acronym string) (*types.Application, error) {
	return t.GetApplicationForUpdate(ctx, acronym)
}

func (t *memTx) UpdateApplication(ctx context.Context, app *types.Application) error {
	return updateApp(t.st, app)
}

func (t *memTx) GetTaskForUpdate(ctx context.Context, acronym string, ordinal int64) (*types.Task, error) {
	return getTask(t.st, acronym, ordinal)
}

func (t *memTx) CreateTask(ctx context.Context, task *types.Task) (int64, error) {
	app, ok := t.st.apps[task.AppAcronym]
	if !ok {
		return 0, storage.ErrNotFound
	}
	app.TaskCounter++
	task.Ordinal = app.TaskCounter

	byOrd := t.st.tasks[task.AppAcronym]
	if byOrd == nil {
		byOrd = make(map[int64]*types.Task)
		t.st.tasks[task.AppAcronym] = byOrd
	}
	byOrd[task.Ordinal] = cloneTask(task)
	return task.Ordinal, nil
}

func (t *memTx) SetStage(ctx context.Context, acronym string, ordinal int64, stage types.Stage, owner string) error {
	task, err := getStored(t.st, acronym, ordinal)
	if err != nil {
		return err
	}
	task.Stage = stage
	task.Owner = owner
	return nil
}

func (t *memTx) SetPlan(ctx context.Context, acronym string, ordinal int64, plan string) error {
	task, err := getStored(t.st, acronym, ordinal)
	if err != nil {
		return err
	}
	task.Plan = plan
	return nil
}

func (t *memTx) AppendNote(ctx context.Context, acronym string, ordinal int64, entry types.NoteEntry) error {
	if _, err := getStored(t.st, acronym, ordinal); err != nil {
		return err
	}
	t.st.noteSeq++
	entry.ID = t.st.noteSeq
	byOrd := t.st.notes[acronym]
	if byOrd == nil {
		byOrd = make(map[int64][]types.NoteEntry)
		t.st.notes[acronym] = byOrd
	}
	byOrd[ordinal] = append(byOrd[ordinal], entry)
	return nil
}

func (t *memTx) GetPlan(ctx context.Context, acronym, name string) (*types.Plan, error) {
	return getPlan(t.st, acronym, name)
}

// Shared lookups operating directly on a state.

func getPlan(st *state, acronym, name string) (*types.Plan, error) {
	p, ok := st.plans[acronym][name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clonePlan(p), nil
}

func getTask(st *state, acronym string, ordinal int64) (*types.Task, error) {
	task, err := getStored(st, acronym, ordinal)
	if err != nil {
		return nil, err
	}
	return cloneTask(task), nil
}

func getStored(st *state, acronym string, ordinal int64) (*types.Task, error) {
	task, ok := st.tasks[acronym][ordinal]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return task, nil
}

func updateApp(st *state, app *types.Application) error {
	cur, ok := st.apps[app.Acronym]
	if !ok {
		return storage.ErrNotFound
	}
	next := cloneApp(app)
	next.TaskCounter = cur.TaskCounter
	next.CreatedAt = cur.CreatedAt
	st.apps[app.Acronym] = next
	return nil
}

// Clone helpers. Reads hand out copies so callers can never alias live state.

func cloneApp(a *types.Application) *types.Application {
	c := *a
	c.PermitCreate = append([]string(nil), a.PermitCreate...)
	c.PermitOpen = append([]string(nil), a.PermitOpen...)
	c.PermitTodo = append([]string(nil), a.PermitTodo...)
	c.PermitDoing = append([]string(nil), a.PermitDoing...)
	c.PermitDone = append([]string(nil), a.PermitDone...)
	if a.StartDate != nil {
		d := *a.StartDate
		c.StartDate = &d
	}
	if a.EndDate != nil {
		d := *a.EndDate
		c.EndDate = &d
	}
	return &c
}

func clonePlan(p *types.Plan) *types.Plan {
	c := *p
	if p.StartDate != nil {
		d := *p.StartDate
		c.StartDate = &d
	}
	if p.EndDate != nil {
		d := *p.EndDate
		c.EndDate = &d
	}
	return &c
}

func cloneTask(t *types.Task) *types.Task {
	c := *t
	c.Notes = nil
	return &c
}

func cloneState(st *state) *state {
	next := newState()
	next.noteSeq = st.noteSeq
	for k, v := range st.apps {
		next.apps[k] = cloneApp(v)
	}
	for acr, byName := range st.plans {
		m := make(map[string]*types.Plan, len(byName))
		for name, p := range byName {
			m[name] = clonePlan(p)
		}
		next.plans[acr] = m
	}
	for acr, byOrd := range st.tasks {
		m := make(map[int64]*types.Task, len(byOrd))
		for ord, task := range byOrd {
			m[ord] = cloneTask(task)
		}
		next.tasks[acr] = m
	}
	for acr, byOrd := range st.notes {
		m := make(map[int64][]types.NoteEntry, len(byOrd))
		for ord, log := range byOrd {
			cp := make([]types.NoteEntry, len(log))
			copy(cp, log)
			m[ord] = cp
		}
		next.notes[acr] = m
	}
	return next
}
