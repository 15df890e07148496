package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tasklane/tasklane/internal/storage"
	"github.com/tasklane/tasklane/internal/types"
)

func testApp() *types.Application {
	return &types.Application{
		Acronym:      "APP1",
		Description:  "test app",
		PermitCreate: []string{"pl"},
		PermitOpen:   []string{"pm"},
		PermitTodo:   []string{"dev"},
		PermitDoing:  []string{"dev"},
		PermitDone:   []string{"pl"},
		CreatedAt:    time.Now().UTC(),
	}
}

func seedTask(t *testing.T, s *Store) *types.Task {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateApplication(ctx, testApp()); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	task := &types.Task{
		AppAcronym: "APP1",
		Name:       "build the thing",
		Stage:      types.StageOpen,
		Creator:    "alice",
		CreatedAt:  time.Now().UTC(),
	}
	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if _, err := tx.GetApplicationForUpdate(ctx, "APP1"); err != nil {
			return err
		}
		_, err := tx.CreateTask(ctx, task)
		return err
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateApplicationDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateApplication(ctx, testApp()); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.CreateApplication(ctx, testApp()); !errors.Is(err, storage.ErrDuplicate) {
		t.Errorf("duplicate acronym: got %v, want ErrDuplicate", err)
	}
}

func TestOrdinalAllocation(t *testing.T) {
	s := New()
	seedTask(t, s)
	ctx := context.Background()

	task2 := &types.Task{AppAcronym: "APP1", Name: "second", Stage: types.StageOpen, Creator: "alice"}
	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if _, err := tx.GetApplicationForUpdate(ctx, "APP1"); err != nil {
			return err
		}
		_, err := tx.CreateTask(ctx, task2)
		return err
	})
	if err != nil {
		t.Fatalf("create second task: %v", err)
	}
	if task2.Ordinal != 2 {
		t.Errorf("second ordinal = %d, want 2", task2.Ordinal)
	}
}

func TestTransactionRollback(t *testing.T) {
	s := New()
	task := seedTask(t, s)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.SetStage(ctx, task.AppAcronym, task.Ordinal, types.StageTodo, ""); err != nil {
			return err
		}
		if err := tx.AppendNote(ctx, task.AppAcronym, task.Ordinal, types.NoteEntry{
			Author: "alice", Stage: types.StageTodo, Text: "released", CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	got, err := s.GetTask(ctx, task.AppAcronym, task.Ordinal)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Stage != types.StageOpen {
		t.Errorf("stage after rollback = %s, want open", got.Stage)
	}
	notes, err := s.GetNotes(ctx, task.AppAcronym, task.Ordinal)
	if err != nil {
		t.Fatalf("GetNotes: %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("notes after rollback = %d entries, want 0", len(notes))
	}
}

func TestNoteAppendOrder(t *testing.T) {
	s := New()
	task := seedTask(t, s)
	ctx := context.Background()

	texts := []string{"first", "second", "third"}
	for _, text := range texts {
		err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return tx.AppendNote(ctx, task.AppAcronym, task.Ordinal, types.NoteEntry{
				Author: "alice", Stage: types.StageOpen, Text: text, CreatedAt: time.Now(),
			})
		})
		if err != nil {
			t.Fatalf("AppendNote(%q): %v", text, err)
		}
	}

	notes, err := s.GetNotes(ctx, task.AppAcronym, task.Ordinal)
	if err != nil {
		t.Fatalf("GetNotes: %v", err)
	}
	if len(notes) != 3 {
		t.Fatalf("got %d notes, want 3", len(notes))
	}
	for i, text := range texts {
		if notes[i].Text != text {
			t.Errorf("notes[%d].Text = %q, want %q", i, notes[i].Text, text)
		}
	}
	if notes[0].ID >= notes[1].ID || notes[1].ID >= notes[2].ID {
		t.Errorf("note ids not strictly increasing: %d, %d, %d", notes[0].ID, notes[1].ID, notes[2].ID)
	}
}

func TestListTasksFilter(t *testing.T) {
	s := New()
	task := seedTask(t, s)
	ctx := context.Background()

	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetStage(ctx, task.AppAcronym, task.Ordinal, types.StageTodo, "")
	})
	if err != nil {
		t.Fatalf("SetStage: %v", err)
	}

	todo := types.StageTodo
	got, err := s.ListTasks(ctx, "APP1", types.TaskFilter{Stage: &todo})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("filtered list = %d tasks, want 1", len(got))
	}

	open := types.StageOpen
	got, err = s.ListTasks(ctx, "APP1", types.TaskFilter{Stage: &open})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("open filter = %d tasks, want 0", len(got))
	}
}

func TestReadsDoNotAliasState(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateApplication(ctx, testApp()); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	app, _ := s.GetApplication(ctx, "APP1")
	app.PermitOpen[0] = "mutated"
	again, _ := s.GetApplication(ctx, "APP1")
	if again.PermitOpen[0] != "pm" {
		t.Error("mutating a returned application leaked into store state")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.GetTask(ctx, "NOPE", 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
