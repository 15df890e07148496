package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tasklane/tasklane/internal/storage"
	"github.com/tasklane/tasklane/internal/types"
)

// Permit sets are stored as JSON string arrays in TEXT columns.

func encodeGroups(groups []string) (string, error) {
	if groups == nil {
		groups = []string{}
	}
	b, err := json.Marshal(groups)
	if err != nil {
		return "", fmt.Errorf("failed to encode group list: %w", err)
	}
	return string(b), nil
}

func decodeGroups(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var groups []string
	if err := json.Unmarshal([]byte(raw), &groups); err != nil {
		return nil, fmt.Errorf("failed to decode group list: %w", err)
	}
	return groups, nil
}

func isDuplicateKey(err error) bool {
	// MySQL error 1062: duplicate entry for key.
	return err != nil && strings.Contains(err.Error(), "Error 1062")
}

// CreateApplication inserts a new application row.
func (s *Store) CreateApplication(ctx context.Context, app *types.Application) error {
	cols, err := appColumns(app)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO applications
				(acronym, description, start_date, end_date,
				 permit_create, permit_open, permit_todo, permit_doing, permit_done,
				 task_counter, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		`, app.Acronym, app.Description, nullTime(app.StartDate), nullTime(app.EndDate),
			cols.create, cols.open, cols.todo, cols.doing, cols.done,
			app.CreatedAt.UTC())
		if isDuplicateKey(err) {
			return storage.ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("failed to create application: %w", err)
		}
		return nil
	})
}

// GetApplication loads an application by acronym.
func (s *Store) GetApplication(ctx context.Context, acronym string) (*types.Application, error) {
	return getApplication(ctx, s.db, acronym, false)
}

// UpdateApplication replaces the mutable fields of an application. The
// acronym and task counter are never touched.
func (s *Store) UpdateApplication(ctx context.Context, app *types.Application) error {
	cols, err := appColumns(app)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE applications
			SET description = ?, start_date = ?, end_date = ?,
			    permit_create = ?, permit_open = ?, permit_todo = ?, permit_doing = ?, permit_done = ?
			WHERE acronym = ?
		`, app.Description, nullTime(app.StartDate), nullTime(app.EndDate),
			cols.create, cols.open, cols.todo, cols.doing, cols.done, app.Acronym)
		if err != nil {
			return fmt.Errorf("failed to update application: %w", err)
		}
		return errIfMissing(res)
	})
}

// ListApplications returns all applications ordered by acronym.
func (s *Store) ListApplications(ctx context.Context) ([]*types.Application, error) {
	rows, err := s.db.QueryContext(ctx, appSelect+" ORDER BY acronym")
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	var apps []*types.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// CreatePlan inserts a plan row.
func (s *Store) CreatePlan(ctx context.Context, plan *types.Plan) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO plans (app_acronym, name, start_date, end_date, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, plan.AppAcronym, plan.Name, nullTime(plan.StartDate), nullTime(plan.EndDate), plan.CreatedAt.UTC())
		if isDuplicateKey(err) {
			return storage.ErrDuplicate
		}
		if err != nil {
			if strings.Contains(err.Error(), "foreign key constraint") {
				return storage.ErrNotFound
			}
			return fmt.Errorf("failed to create plan: %w", err)
		}
		return nil
	})
}

// GetPlan looks up a plan by application and name.
func (s *Store) GetPlan(ctx context.Context, acronym, name string) (*types.Plan, error) {
	return getPlan(ctx, s.db, acronym, name)
}

// ListPlans returns an application's plans ordered by name.
func (s *Store) ListPlans(ctx context.Context, acronym string) ([]*types.Plan, error) {
	if _, err := s.GetApplication(ctx, acronym); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT app_acronym, name, start_date, end_date, created_at
		FROM plans WHERE app_acronym = ? ORDER BY name
	`, acronym)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*types.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// GetTask loads a task without its note log.
func (s *Store) GetTask(ctx context.Context, acronym string, ordinal int64) (*types.Task, error) {
	return getTask(ctx, s.db, acronym, ordinal, false)
}

// ListTasks returns an application's tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, acronym string, filter types.TaskFilter) ([]*types.Task, error) {
	if _, err := s.GetApplication(ctx, acronym); err != nil {
		return nil, err
	}

	query := taskSelect + " WHERE app_acronym = ?"
	args := []interface{}{acronym}
	if filter.Stage != nil {
		query += " AND stage = ?"
		args = append(args, string(*filter.Stage))
	}
	if filter.Plan != nil {
		query += " AND plan_name = ?"
		args = append(args, *filter.Plan)
	}
	query += " ORDER BY ordinal DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// GetNotes returns the task's note log in append order.
func (s *Store) GetNotes(ctx context.Context, acronym string, ordinal int64) ([]types.NoteEntry, error) {
	if _, err := s.GetTask(ctx, acronym, ordinal); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author, stage, note, is_system, created_at
		FROM task_notes WHERE app_acronym = ? AND ordinal = ?
		ORDER BY id
	`, acronym, ordinal)
	if err != nil {
		return nil, fmt.Errorf("failed to get notes: %w", err)
	}
	defer rows.Close()

	var notes []types.NoteEntry
	for rows.Next() {
		var e types.NoteEntry
		var stage string
		if err := rows.Scan(&e.ID, &e.Author, &stage, &e.Text, &e.System, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		e.Stage = types.Stage(stage)
		notes = append(notes, e)
	}
	return notes, rows.Err()
}

// querier abstracts *sql.DB and *sql.Tx for shared read helpers.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const appSelect = `
	SELECT acronym, description, start_date, end_date,
	       permit_create, permit_open, permit_todo, permit_doing, permit_done,
	       task_counter, created_at
	FROM applications`

const taskSelect = `
	SELECT app_acronym, ordinal, name, description, plan_name, stage, creator, owner, created_at
	FROM tasks`

func getApplication(ctx context.Context, q querier, acronym string, forUpdate bool) (*types.Application, error) {
	query := appSelect + " WHERE acronym = ?"
	if forUpdate {
		query += " FOR UPDATE"
	}
	return scanApplication(q.QueryRowContext(ctx, query, acronym))
}

func getTask(ctx context.Context, q querier, acronym string, ordinal int64, forUpdate bool) (*types.Task, error) {
	query := taskSelect + " WHERE app_acronym = ? AND ordinal = ?"
	if forUpdate {
		query += " FOR UPDATE"
	}
	return scanTask(q.QueryRowContext(ctx, query, acronym, ordinal))
}

func getPlan(ctx context.Context, q querier, acronym, name string) (*types.Plan, error) {
	return scanPlan(q.QueryRowContext(ctx, `
		SELECT app_acronym, name, start_date, end_date, created_at
		FROM plans WHERE app_acronym = ? AND name = ?
	`, acronym, name))
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApplication(row rowScanner) (*types.Application, error) {
	var app types.Application
	var start, end sql.NullTime
	var create, open, todo, doing, done string
	err := row.Scan(&app.Acronym, &app.Description, &start, &end,
		&create, &open, &todo, &doing, &done,
		&app.TaskCounter, &app.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan application: %w", err)
	}
	app.StartDate = timePtr(start)
	app.EndDate = timePtr(end)
	for _, dec := range []struct {
		raw  string
		dest *[]string
	}{
		{create, &app.PermitCreate},
		{open, &app.PermitOpen},
		{todo, &app.PermitTodo},
		{doing, &app.PermitDoing},
		{done, &app.PermitDone},
	} {
		groups, err := decodeGroups(dec.raw)
		if err != nil {
			return nil, err
		}
		*dec.dest = groups
	}
	return &app, nil
}

func scanPlan(row rowScanner) (*types.Plan, error) {
	var plan types.Plan
	var start, end sql.NullTime
	err := row.Scan(&plan.AppAcronym, &plan.Name, &start, &end, &plan.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}
	plan.StartDate = timePtr(start)
	plan.EndDate = timePtr(end)
	return &plan, nil
}

func scanTask(row rowScanner) (*types.Task, error) {
	var task types.Task
	var stage string
	err := row.Scan(&task.AppAcronym, &task.Ordinal, &task.Name, &task.Description,
		&task.Plan, &stage, &task.Creator, &task.Owner, &task.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	task.Stage = types.Stage(stage)
	return &task, nil
}

type permitColumns struct {
	create, open, todo, doing, done string
}

func appColumns(app *types.Application) (permitColumns, error) {
	var cols permitColumns
	var err error
	if cols.create, err = encodeGroups(app.PermitCreate); err != nil {
		return cols, err
	}
	if cols.open, err = encodeGroups(app.PermitOpen); err != nil {
		return cols, err
	}
	if cols.todo, err = encodeGroups(app.PermitTodo); err != nil {
		return cols, err
	}
	if cols.doing, err = encodeGroups(app.PermitDoing); err != nil {
		return cols, err
	}
	if cols.done, err = encodeGroups(app.PermitDone); err != nil {
		return cols, err
	}
	return cols, nil
}

// errIfMissing maps a zero-row UPDATE to ErrNotFound.
func errIfMissing(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
