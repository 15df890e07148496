package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tasklane/tasklane/internal/audit"
	"github.com/tasklane/tasklane/internal/storage"
	"github.com/tasklane/tasklane/internal/storage/memory"
	"github.com/tasklane/tasklane/internal/types"
)

var (
	alice = types.Principal{Username: "alice", Groups: []string{"dev"}}
	bob   = types.Principal{Username: "bob", Groups: []string{"qa"}}
	carol = types.Principal{Username: "carol", Groups: []string{"lead"}}
)

// recordingNotifier captures post-commit submission events.
type recordingNotifier struct {
	mu    sync.Mutex
	tasks []string
}

func (n *recordingNotifier) TaskSubmitted(task *types.Task, app *types.Application) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tasks = append(n.tasks, task.DisplayID())
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.tasks)
}

func newTestEngine(t *testing.T) (*Engine, *memory.Store, *recordingNotifier) {
	t.Helper()
	store := memory.New()
	app := &types.Application{
		Acronym:      "APP1",
		Description:  "lifecycle test app",
		PermitCreate: []string{"dev"},
		PermitOpen:   []string{"dev"},
		PermitTodo:   []string{"dev"},
		PermitDoing:  []string{"dev"},
		PermitDone:   []string{"lead"},
	}
	if err := store.CreateApplication(context.Background(), app); err != nil {
		t.Fatalf("seed application: %v", err)
	}
	notifier := &recordingNotifier{}
	return New(store, WithNotifier(notifier)), store, notifier
}

func mustCreate(t *testing.T, e *Engine) *types.Task {
	t.Helper()
	task, err := e.CreateTask(context.Background(), alice, CreateTaskSpec{
		App: "APP1", Name: "ship the feature", Description: "do the work",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

// advance pushes a task to the requested stage via legitimate promotes.
func advance(t *testing.T, e *Engine, id string, to types.Stage) *types.Task {
	t.Helper()
	ctx := context.Background()
	task, err := e.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	path := map[types.Stage]types.Stage{
		types.StageOpen:  types.StageTodo,
		types.StageTodo:  types.StageDoing,
		types.StageDoing: types.StageDone,
		types.StageDone:  types.StageClosed,
	}
	for task.Stage != to {
		actor := alice
		if task.Stage == types.StageDone {
			actor = carol
		}
		next, err := e.Promote(ctx, actor, id, task.Stage, "")
		if err != nil {
			t.Fatalf("advance %s from %s: %v", id, task.Stage, err)
		}
		if next.Stage != path[task.Stage] {
			t.Fatalf("advance: got %s, want %s", next.Stage, path[task.Stage])
		}
		task = next
	}
	return task
}

func TestCreateTask(t *testing.T) {
	e, _, _ := newTestEngine(t)
	task := mustCreate(t, e)

	if task.Stage != types.StageOpen {
		t.Errorf("new task stage = %s, want open", task.Stage)
	}
	if task.Owner != "" {
		t.Errorf("new task owner = %q, want unset", task.Owner)
	}
	if task.Creator != "alice" {
		t.Errorf("creator = %q", task.Creator)
	}
	if task.DisplayID() != "APP1_1" {
		t.Errorf("display id = %q, want APP1_1", task.DisplayID())
	}
	if len(task.Notes) != 1 || task.Notes[0].Text != audit.PhraseCreated {
		t.Errorf("note log = %+v, want single creation entry", task.Notes)
	}
}

func TestCreateTaskForbidden(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.CreateTask(context.Background(), bob, CreateTaskSpec{App: "APP1", Name: "nope"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("got %v, want ErrForbidden", err)
	}
}

func TestPromotePath(t *testing.T) {
	e, _, _ := newTestEngine(t)
	task := mustCreate(t, e)
	ctx := context.Background()

	// Open -> To-Do: released, no owner.
	task, err := e.Promote(ctx, alice, "APP1_1", types.StageOpen, "")
	if err != nil {
		t.Fatalf("promote open: %v", err)
	}
	if task.Stage != types.StageTodo || task.Owner != "" {
		t.Errorf("after release: stage=%s owner=%q", task.Stage, task.Owner)
	}
	if last := task.Notes[len(task.Notes)-1]; last.Text != audit.PhraseReleased {
		t.Errorf("audit entry = %q, want released", last.Text)
	}

	// To-Do -> Doing: taken, owner set to the acting user.
	task, err = e.Promote(ctx, alice, "APP1_1", types.StageTodo, "")
	if err != nil {
		t.Fatalf("promote todo: %v", err)
	}
	if task.Stage != types.StageDoing || task.Owner != "alice" {
		t.Errorf("after take: stage=%s owner=%q", task.Stage, task.Owner)
	}

	// Doing -> Done: submitted for review.
	task, err = e.Promote(ctx, alice, "APP1_1", types.StageDoing, "")
	if err != nil {
		t.Fatalf("promote doing: %v", err)
	}
	if task.Stage != types.StageDone {
		t.Errorf("after submit: stage=%s", task.Stage)
	}
	if last := task.Notes[len(task.Notes)-1]; last.Text != audit.PhraseSubmitted {
		t.Errorf("audit entry = %q, want submitted for review", last.Text)
	}

	// Done -> Closed: approved, permit_done gates it.
	task, err = e.Promote(ctx, carol, "APP1_1", types.StageDone, "")
	if err != nil {
		t.Fatalf("promote done: %v", err)
	}
	if task.Stage != types.StageClosed {
		t.Errorf("after approve: stage=%s", task.Stage)
	}
	if last := task.Notes[len(task.Notes)-1]; last.Text != audit.PhraseApproved {
		t.Errorf("audit entry = %q, want approved", last.Text)
	}

	// Closed has no promote edge.
	_, err = e.Promote(ctx, carol, "APP1_1", types.StageClosed, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("promote from closed: got %v, want ErrInvalidTransition", err)
	}
}

func TestPromoteWithNoteAppendsTwoEntries(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustCreate(t, e)

	task, err := e.Promote(context.Background(), alice, "APP1_1", types.StageOpen, "kicking this off")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	n := len(task.Notes)
	if n < 3 {
		t.Fatalf("note log has %d entries, want creation + transition + note", n)
	}
	// Transition entry first, caller note second.
	if task.Notes[n-2].Text != audit.PhraseReleased || !task.Notes[n-2].System {
		t.Errorf("second-to-last entry = %+v, want system released", task.Notes[n-2])
	}
	if task.Notes[n-1].Text != "kicking this off" || task.Notes[n-1].System {
		t.Errorf("last entry = %+v, want caller note", task.Notes[n-1])
	}
}

func TestStaleStateLeavesTaskUntouched(t *testing.T) {
	e, _, notifier := newTestEngine(t)
	mustCreate(t, e)
	ctx := context.Background()

	before, _ := e.GetTask(ctx, "APP1_1")
	_, err := e.Promote(ctx, alice, "APP1_1", types.StageDoing, "racing")
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("got %v, want ErrStaleState", err)
	}

	after, _ := e.GetTask(ctx, "APP1_1")
	if after.Stage != before.Stage || after.Owner != before.Owner {
		t.Errorf("stale promote mutated task: %+v -> %+v", before, after)
	}
	if len(after.Notes) != len(before.Notes) {
		t.Errorf("stale promote grew the note log: %d -> %d", len(before.Notes), len(after.Notes))
	}
	if notifier.count() != 0 {
		t.Error("stale promote dispatched a notification")
	}
}

func TestForbiddenMutatesNothing(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustCreate(t, e)
	ctx := context.Background()

	before, _ := e.GetTask(ctx, "APP1_1")
	_, err := e.Promote(ctx, bob, "APP1_1", types.StageOpen, "")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("got %v, want ErrForbidden", err)
	}
	after, _ := e.GetTask(ctx, "APP1_1")
	if after.Stage != before.Stage || len(after.Notes) != len(before.Notes) {
		t.Error("forbidden promote mutated the task")
	}
}

func TestDemoteRoundTripRestoresStateButGrowsLog(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustCreate(t, e)
	ctx := context.Background()
	advance(t, e, "APP1_1", types.StageDoing)

	before, _ := e.GetTask(ctx, "APP1_1")

	task, err := e.Promote(ctx, alice, "APP1_1", types.StageDoing, "")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	task, err = e.Demote(ctx, carol, "APP1_1", types.StageDone, "")
	if err != nil {
		t.Fatalf("demote: %v", err)
	}

	if task.Stage != before.Stage || task.Owner != before.Owner {
		t.Errorf("round trip: stage=%s owner=%q, want stage=%s owner=%q",
			task.Stage, task.Owner, before.Stage, before.Owner)
	}
	if len(task.Notes) <= len(before.Notes) {
		t.Error("note log did not strictly grow across the round trip")
	}
	if last := task.Notes[len(task.Notes)-1]; last.Text != audit.PhraseRejected {
		t.Errorf("audit entry = %q, want rejected", last.Text)
	}
}

func TestDemoteDoingUnsetsOwner(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustCreate(t, e)
	ctx := context.Background()
	advance(t, e, "APP1_1", types.StageDoing)

	task, err := e.Demote(ctx, alice, "APP1_1", types.StageDoing, "")
	if err != nil {
		t.Fatalf("demote: %v", err)
	}
	if task.Stage != types.StageTodo || task.Owner != "" {
		t.Errorf("after return: stage=%s owner=%q", task.Stage, task.Owner)
	}
	if last := task.Notes[len(task.Notes)-1]; last.Text != audit.PhraseReturned {
		t.Errorf("audit entry = %q, want returned", last.Text)
	}
}

func TestDemoteEdgesMissing(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustCreate(t, e)
	ctx := context.Background()

	// Open has no demote edge.
	_, err := e.Demote(ctx, alice, "APP1_1", types.StageOpen, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("demote from open: got %v, want ErrInvalidTransition", err)
	}

	// Neither does Closed.
	advance(t, e, "APP1_1", types.StageClosed)
	_, err = e.Demote(ctx, carol, "APP1_1", types.StageClosed, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("demote from closed: got %v, want ErrInvalidTransition", err)
	}
}

func TestConcurrentPromotesExactlyOneWins(t *testing.T) {
	e, _, notifier := newTestEngine(t)
	mustCreate(t, e)
	ctx := context.Background()
	advance(t, e, "APP1_1", types.StageDoing)

	// Two actors promote Doing -> Done with the same (correct)
	// expected_state. The store serializes the transactions; the loser
	// must observe the winner's committed stage and fail the guard.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Promote(ctx, alice, "APP1_1", types.StageDoing, "")
		}(i)
	}
	wg.Wait()

	var wins, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrStaleState):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || stale != 1 {
		t.Fatalf("wins=%d stale=%d, want exactly one of each", wins, stale)
	}

	task, _ := e.GetTask(ctx, "APP1_1")
	if task.Stage != types.StageDone {
		t.Errorf("stage = %s, want done", task.Stage)
	}
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want exactly 1", notifier.count())
	}
}

func TestNotifierFiresOnlyOnSubmit(t *testing.T) {
	e, _, notifier := newTestEngine(t)
	mustCreate(t, e)
	ctx := context.Background()

	e.Promote(ctx, alice, "APP1_1", types.StageOpen, "")
	e.Promote(ctx, alice, "APP1_1", types.StageTodo, "")
	if notifier.count() != 0 {
		t.Fatalf("notifier fired before Doing->Done")
	}
	e.Promote(ctx, alice, "APP1_1", types.StageDoing, "")
	if notifier.count() != 1 {
		t.Fatalf("notifications = %d, want 1 after submit", notifier.count())
	}
	e.Promote(ctx, carol, "APP1_1", types.StageDone, "")
	if notifier.count() != 1 {
		t.Errorf("approve dispatched a notification")
	}
}

func TestScenarioAliceThenBobForbidden(t *testing.T) {
	// APP1 permit_open=["dev"]; alice (dev) creates and releases; bob (qa)
	// attempts the next promote and is forbidden by permit_todo=["dev"].
	e, _, _ := newTestEngine(t)
	mustCreate(t, e)
	ctx := context.Background()

	task, err := e.Promote(ctx, alice, "APP1_1", types.StageOpen, "")
	if err != nil {
		t.Fatalf("alice promote: %v", err)
	}
	if task.Stage != types.StageTodo || task.Owner != "" {
		t.Fatalf("after alice: stage=%s owner=%q", task.Stage, task.Owner)
	}

	_, err = e.Promote(ctx, bob, "APP1_1", types.StageTodo, "")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("bob promote: got %v, want ErrForbidden", err)
	}
}

func TestPlanAssignmentStageGate(t *testing.T) {
	e, store, _ := newTestEngine(t)
	mustCreate(t, e)
	ctx := context.Background()
	if err := store.CreatePlan(ctx, &types.Plan{AppAcronym: "APP1", Name: "sprint-1"}); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	// While Open, a permit_open member may assign.
	task, err := e.AssignPlan(ctx, alice, "APP1_1", "sprint-1")
	if err != nil {
		t.Fatalf("assign while open: %v", err)
	}
	if task.Plan != "sprint-1" {
		t.Errorf("plan = %q", task.Plan)
	}

	// While Doing, rejected regardless of permissions.
	advance(t, e, "APP1_1", types.StageDoing)
	_, err = e.AssignPlan(ctx, alice, "APP1_1", "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("assign while doing: got %v, want ErrInvalidTransition", err)
	}

	// While Done, allowed again, still gated by permit_open.
	advance(t, e, "APP1_1", types.StageDone)
	_, err = e.AssignPlan(ctx, carol, "APP1_1", "")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("assign by non-permit_open member: got %v, want ErrForbidden", err)
	}
	task, err = e.AssignPlan(ctx, alice, "APP1_1", "")
	if err != nil {
		t.Fatalf("clear plan while done: %v", err)
	}
	if task.Plan != "" {
		t.Errorf("plan not cleared: %q", task.Plan)
	}
}

func TestAssignUnknownPlan(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustCreate(t, e)
	_, err := e.AssignPlan(context.Background(), alice, "APP1_1", "no-such-plan")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestAnnotate(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustCreate(t, e)
	ctx := context.Background()

	task, err := e.Annotate(ctx, alice, "APP1_1", "looks straightforward")
	if err != nil {
		t.Fatalf("annotate: %v", err)
	}
	last := task.Notes[len(task.Notes)-1]
	if last.Text != "looks straightforward" || last.Stage != types.StageOpen || last.System {
		t.Errorf("annotation entry = %+v", last)
	}

	// Gated by the current stage's permit set.
	_, err = e.Annotate(ctx, bob, "APP1_1", "drive-by comment")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("got %v, want ErrForbidden", err)
	}

	// Closed tasks reject annotation.
	advance(t, e, "APP1_1", types.StageClosed)
	_, err = e.Annotate(ctx, carol, "APP1_1", "too late")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("annotate closed: got %v, want ErrInvalidTransition", err)
	}
}

func TestStageAlwaysValid(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustCreate(t, e)
	ctx := context.Background()

	check := func() {
		task, err := e.GetTask(ctx, "APP1_1")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if !task.Stage.IsValid() {
			t.Fatalf("observed invalid stage %q", task.Stage)
		}
	}
	check()
	for _, expected := range []types.Stage{types.StageOpen, types.StageTodo, types.StageDoing} {
		actor := alice
		if _, err := e.Promote(ctx, actor, "APP1_1", expected, ""); err != nil {
			t.Fatalf("promote from %s: %v", expected, err)
		}
		check()
	}
}

func TestTransitionBadTaskID(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Promote(context.Background(), alice, "garbage", types.StageOpen, "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
	_, err = e.Promote(context.Background(), alice, "APP1_999", types.StageOpen, "")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
