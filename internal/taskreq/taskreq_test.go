package taskreq

import (
	"context"
	"errors"
	"testing"

	"github.com/tandemlist/tandem-go/internal/notify"
	"github.com/tandemlist/tandem-go/internal/store"
	"github.com/tandemlist/tandem-go/internal/store/memory"
)

type capture struct {
	records []*notify.Record
}

func (c *capture) Dispatch(ctx context.Context, rec *notify.Record) {
	c.records = append(c.records, rec)
}

func (c *capture) last(t *testing.T) *notify.Record {
	t.Helper()
	if len(c.records) == 0 {
		t.Fatal("no notification dispatched")
	}
	return c.records[len(c.records)-1]
}

func newWorkflow(t *testing.T) (*Workflow, *memory.Driver, *capture) {
	t.Helper()
	d := memory.New()
	t.Cleanup(func() { d.Close() })
	c := &capture{}
	return NewWorkflow(d, c, nil), d, c
}

func pair(t *testing.T, d *memory.Driver, a, b string) {
	t.Helper()
	ctx := context.Background()
	inv, err := d.CreateInvite(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.AcceptInvite(ctx, inv.Code, b); err != nil {
		t.Fatal(err)
	}
}

func TestRequestTaskValidation(t *testing.T) {
	w, d, _ := newWorkflow(t)
	ctx := context.Background()

	for _, title := range []string{"", "   ", "\t\n"} {
		if _, err := w.RequestTask(ctx, "alice", "bob", title, ""); !errors.Is(err, ErrInvalidTitle) {
			t.Errorf("title %q: got %v, want ErrInvalidTitle", title, err)
		}
	}

	// No partnership at all.
	if _, err := w.RequestTask(ctx, "alice", "bob", "Buy milk", ""); !errors.Is(err, ErrNotPartners) {
		t.Errorf("unpartnered request: got %v, want ErrNotPartners", err)
	}

	// Partnered, but with someone else.
	pair(t, d, "alice", "bob")
	if _, err := w.RequestTask(ctx, "alice", "carol", "Buy milk", ""); !errors.Is(err, ErrNotPartners) {
		t.Errorf("request to non-partner: got %v, want ErrNotPartners", err)
	}
}

func TestRequestTask(t *testing.T) {
	w, d, c := newWorkflow(t)
	ctx := context.Background()

	pair(t, d, "alice", "bob")

	task, err := w.RequestTask(ctx, "alice", "bob", "Buy milk", "the oat kind")
	if err != nil {
		t.Fatal(err)
	}
	if task.OwnerID != "bob" || task.CreatedBy != "alice" {
		t.Errorf("ownership wrong: %+v", task)
	}
	if task.Status != store.TaskStatusPendingAcceptance {
		t.Errorf("status = %s, want pending_acceptance", task.Status)
	}
	if task.RequestNote != "the oat kind" {
		t.Errorf("request note = %q", task.RequestNote)
	}

	rec := c.last(t)
	if rec.UserID != "bob" || rec.ActionType != notify.ActionTaskRequested {
		t.Errorf("unexpected notification: %+v", rec)
	}
	if rec.ActionData["task_id"] != task.ID {
		t.Errorf("action data = %v", rec.ActionData)
	}
}

func TestAcceptRequest(t *testing.T) {
	w, d, c := newWorkflow(t)
	ctx := context.Background()

	pair(t, d, "alice", "bob")
	task, err := w.RequestTask(ctx, "alice", "bob", "Buy milk", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.AcceptRequest(ctx, task.ID, "alice"); !errors.Is(err, store.ErrNotOwner) {
		t.Errorf("accept by requester: got %v, want ErrNotOwner", err)
	}
	if _, err := w.AcceptRequest(ctx, "nope", "bob"); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("accept unknown: got %v, want ErrTaskNotFound", err)
	}

	accepted, err := w.AcceptRequest(ctx, task.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if accepted.Status != store.TaskStatusPending {
		t.Errorf("status = %s, want pending", accepted.Status)
	}

	rec := c.last(t)
	if rec.UserID != "alice" || rec.ActionType != notify.ActionTaskRequestAccepted {
		t.Errorf("unexpected notification: %+v", rec)
	}

	// The accepted task now appears in the owner's regular list.
	tasks, err := d.ListTasks(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != task.ID {
		t.Errorf("accepted task not listed: %d tasks", len(tasks))
	}
}

func TestDeclineRequest(t *testing.T) {
	w, d, c := newWorkflow(t)
	ctx := context.Background()

	pair(t, d, "alice", "bob")
	task, err := w.RequestTask(ctx, "alice", "bob", "Clean gutters", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := w.DeclineRequest(ctx, task.ID, "bob"); err != nil {
		t.Fatal(err)
	}

	rec := c.last(t)
	if rec.UserID != "alice" || rec.ActionType != notify.ActionTaskRequestDeclined {
		t.Errorf("unexpected notification: %+v", rec)
	}

	// Declined tasks are gone from the owner's view.
	tasks, err := d.ListTasks(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	for _, got := range tasks {
		if got.ID == task.ID {
			t.Error("declined task still listed")
		}
	}

	// And cannot be resolved twice.
	if err := w.DeclineRequest(ctx, task.ID, "bob"); !errors.Is(err, store.ErrNotOwner) {
		t.Errorf("second decline: got %v, want ErrNotOwner", err)
	}
}

func TestUpdateTaskNotifications(t *testing.T) {
	w, d, c := newWorkflow(t)
	ctx := context.Background()

	pair(t, d, "alice", "bob")

	task, err := w.UpdateTask(ctx, "bob", &store.Task{
		Title:  "Water plants",
		Status: store.TaskStatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}
	if task.OwnerID != "bob" || task.CreatedBy != "bob" {
		t.Errorf("ownership wrong: %+v", task)
	}
	if rec := c.last(t); rec.UserID != "alice" || rec.ActionType != notify.ActionTaskEdited {
		t.Errorf("edit notification wrong: %+v", rec)
	}

	task.Status = store.TaskStatusCompleted
	if _, err := w.UpdateTask(ctx, "bob", task); err != nil {
		t.Fatal(err)
	}
	if rec := c.last(t); rec.ActionType != notify.ActionTaskCompleted {
		t.Errorf("completion notification wrong: %+v", rec)
	}

	// Editing an already-completed task is an edit, not a completion.
	task.Note = "done early"
	if _, err := w.UpdateTask(ctx, "bob", task); err != nil {
		t.Fatal(err)
	}
	if rec := c.last(t); rec.ActionType != notify.ActionTaskEdited {
		t.Errorf("re-edit notification wrong: %+v", rec)
	}
}

func TestUpdateTaskOwnership(t *testing.T) {
	w, d, _ := newWorkflow(t)
	ctx := context.Background()

	pair(t, d, "alice", "bob")
	task, err := w.UpdateTask(ctx, "bob", &store.Task{
		Title:  "Mine",
		Status: store.TaskStatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}

	task.Title = "Stolen"
	if _, err := w.UpdateTask(ctx, "alice", task); !errors.Is(err, store.ErrNotOwner) {
		t.Errorf("cross-owner edit: got %v, want ErrNotOwner", err)
	}

	if _, err := w.UpdateTask(ctx, "bob", &store.Task{Status: store.TaskStatusPending}); !errors.Is(err, ErrInvalidTitle) {
		t.Errorf("blank title: got %v, want ErrInvalidTitle", err)
	}
}

func TestUpdateTaskNoPartnerNoNotification(t *testing.T) {
	w, _, c := newWorkflow(t)
	ctx := context.Background()

	if _, err := w.UpdateTask(ctx, "solo", &store.Task{
		Title:  "Just mine",
		Status: store.TaskStatusPending,
	}); err != nil {
		t.Fatal(err)
	}
	if len(c.records) != 0 {
		t.Errorf("unpartnered update dispatched %d notifications", len(c.records))
	}
}
