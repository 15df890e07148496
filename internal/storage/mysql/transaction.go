package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tasklane/tasklane/internal/storage"
	"github.com/tasklane/tasklane/internal/types"
)

// Verify mysqlTx implements storage.Transaction at compile time.
var _ storage.Transaction = (*mysqlTx)(nil)

// mysqlTx implements storage.Transaction over an active *sql.Tx.
type mysqlTx struct {
	tx *sql.Tx
}

// RunInTransaction executes fn within a database transaction.
//
// Lifecycle:
//  1. BEGIN
//  2. Execute fn with the Transaction interface
//  3. On success: COMMIT
//  4. On error or panic: ROLLBACK
//
// Row locks acquired by GetTaskForUpdate / GetApplicationForUpdate are held
// until the transaction ends, serializing concurrent mutations of the same
// task or application.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&mysqlTx{tx: tx}); err != nil {
		return err // rollback happens in defer
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

func (t *mysqlTx) GetApplicationForUpdate(ctx context.Context, acronym string) (*types.Application, error) {
	return getApplication(ctx, t.tx, acronym, true)
}

func (t *mysqlTx) GetApplication(ctx context.Context, acronym string) (*types.Application, error) {
	return getApplication(ctx, t.tx, acronym, false)
}

func (t *mysqlTx) UpdateApplication(ctx context.Context, app *types.Application) error {
	cols, err := appColumns(app)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
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
}

func (t *mysqlTx) GetTaskForUpdate(ctx context.Context, acronym string, ordinal int64) (*types.Task, error) {
	return getTask(ctx, t.tx, acronym, ordinal, true)
}

// CreateTask allocates the next ordinal from the application's counter and
// inserts the task. The caller must have locked the application row via
// GetApplicationForUpdate so concurrent creators serialize on the counter.
func (t *mysqlTx) CreateTask(ctx context.Context, task *types.Task) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE applications SET task_counter = task_counter + 1 WHERE acronym = ?", task.AppAcronym)
	if err != nil {
		return 0, fmt.Errorf("failed to advance task counter: %w", err)
	}
	if err := errIfMissing(res); err != nil {
		return 0, err
	}

	var ordinal int64
	err = t.tx.QueryRowContext(ctx,
		"SELECT task_counter FROM applications WHERE acronym = ?", task.AppAcronym).Scan(&ordinal)
	if err != nil {
		return 0, fmt.Errorf("failed to read task counter: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO tasks (app_acronym, ordinal, name, description, plan_name, stage, creator, owner, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.AppAcronym, ordinal, task.Name, task.Description, task.Plan,
		string(task.Stage), task.Creator, task.Owner, task.CreatedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to create task: %w", err)
	}

	task.Ordinal = ordinal
	return ordinal, nil
}

func (t *mysqlTx) SetStage(ctx context.Context, acronym string, ordinal int64, stage types.Stage, owner string) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE tasks SET stage = ?, owner = ? WHERE app_acronym = ? AND ordinal = ?",
		string(stage), owner, acronym, ordinal)
	if err != nil {
		return fmt.Errorf("failed to set stage: %w", err)
	}
	return errIfMissing(res)
}

func (t *mysqlTx) SetPlan(ctx context.Context, acronym string, ordinal int64, plan string) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE tasks SET plan_name = ? WHERE app_acronym = ? AND ordinal = ?",
		plan, acronym, ordinal)
	if err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}
	return errIfMissing(res)
}

func (t *mysqlTx) AppendNote(ctx context.Context, acronym string, ordinal int64, entry types.NoteEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO task_notes (app_acronym, ordinal, author, stage, note, is_system, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, acronym, ordinal, entry.Author, string(entry.Stage), entry.Text, entry.System, entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append note: %w", err)
	}
	return nil
}

func (t *mysqlTx) GetPlan(ctx context.Context, acronym, name string) (*types.Plan, error) {
	return getPlan(ctx, t.tx, acronym, name)
}
