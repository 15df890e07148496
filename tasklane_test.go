package tasklane

import (
	"context"
	"errors"
	"testing"
)

func TestEmbeddedEngine(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	defer store.Close()

	app := &Application{
		Acronym:      "DEMO",
		PermitCreate: []string{"dev"},
		PermitOpen:   []string{"dev"},
		PermitTodo:   []string{"dev"},
		PermitDoing:  []string{"dev"},
		PermitDone:   []string{"dev"},
	}
	if err := store.CreateApplication(ctx, app); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}

	engine := NewEngine(store)
	dev := Principal{Username: "dev1", Groups: []string{"dev"}}

	task, err := engine.CreateTask(ctx, dev, CreateTaskSpec{App: "DEMO", Name: "try the embed API"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Stage != StageOpen {
		t.Errorf("stage = %s", task.Stage)
	}

	if _, err := engine.Promote(ctx, dev, task.DisplayID(), StageDoing, ""); !errors.Is(err, ErrStaleState) {
		t.Errorf("stale promote: got %v", err)
	}
	task, err = engine.Promote(ctx, dev, task.DisplayID(), StageOpen, "")
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if task.Stage != StageTodo {
		t.Errorf("stage = %s", task.Stage)
	}
}
