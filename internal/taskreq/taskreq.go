// Package taskreq implements the accept/decline workflow for tasks one
// partner assigns to the other, plus the partner-facing notifications for
// task completion and edits.
package taskreq

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/tandemlist/tandem-go/internal/notify"
	"github.com/tandemlist/tandem-go/internal/platform/logutil"
	"github.com/tandemlist/tandem-go/internal/store"
)

var (
	// ErrInvalidTitle rejects blank task-request titles.
	ErrInvalidTitle = errors.New("task title must not be blank")

	// ErrNotPartners rejects requests addressed to anyone but the
	// requester's current partner.
	ErrNotPartners = errors.New("no active partnership with that user")
)

// Store is the slice of the store this workflow needs.
type Store interface {
	store.PartnershipStore
	store.TaskStore
}

// Workflow drives task requests between partners.
type Workflow struct {
	store      Store
	dispatcher notify.Dispatcher
	log        *slog.Logger
}

// NewWorkflow creates a task request workflow. dispatcher may be nil.
func NewWorkflow(s Store, dispatcher notify.Dispatcher, log *slog.Logger) *Workflow {
	if dispatcher == nil {
		dispatcher = notify.Discard
	}
	return &Workflow{
		store:      s,
		dispatcher: dispatcher,
		log:        logutil.NoopIfNil(log),
	}
}

// RequestTask creates a task owned by the requester's partner, awaiting the
// partner's acceptance. The requester must hold an active partnership with
// partnerID and the title must not be blank.
func (w *Workflow) RequestTask(ctx context.Context, requesterID, partnerID, title, note string) (*store.Task, error) {
	if strings.TrimSpace(title) == "" {
		return nil, ErrInvalidTitle
	}

	p, err := w.store.GetPartnership(ctx, requesterID)
	if err != nil {
		if errors.Is(err, store.ErrNoPartnership) {
			return nil, ErrNotPartners
		}
		return nil, err
	}
	if p.OtherUser(requesterID) != partnerID {
		return nil, ErrNotPartners
	}

	task, err := w.store.UpsertTask(ctx, &store.Task{
		OwnerID:     partnerID,
		CreatedBy:   requesterID,
		Title:       title,
		RequestNote: note,
		Status:      store.TaskStatusPendingAcceptance,
	})
	if err != nil {
		return nil, err
	}

	w.log.InfoContext(ctx, "task requested",
		"task_id", task.ID, "requester_id", requesterID, "owner_id", partnerID)

	w.dispatcher.Dispatch(ctx, &notify.Record{
		UserID:     partnerID,
		Title:      "New task request",
		Body:       task.Title,
		ActionType: notify.ActionTaskRequested,
		ActionData: map[string]string{"task_id": task.ID},
	})
	return task, nil
}

// AcceptRequest transitions a requested task into the owner's regular list
// and notifies the requester.
func (w *Workflow) AcceptRequest(ctx context.Context, taskID, ownerID string) (*store.Task, error) {
	task, err := w.store.AcceptTaskRequest(ctx, taskID, ownerID)
	if err != nil {
		return nil, err
	}

	w.dispatcher.Dispatch(ctx, &notify.Record{
		UserID:     task.CreatedBy,
		Title:      "Task request accepted",
		Body:       task.Title,
		ActionType: notify.ActionTaskRequestAccepted,
		ActionData: map[string]string{"task_id": task.ID},
	})
	return task, nil
}

// DeclineRequest tombstones a requested task and notifies the requester. The
// task never becomes visible as active for either partner.
func (w *Workflow) DeclineRequest(ctx context.Context, taskID, ownerID string) error {
	task, err := w.store.DeclineTaskRequest(ctx, taskID, ownerID)
	if err != nil {
		return err
	}

	w.dispatcher.Dispatch(ctx, &notify.Record{
		UserID:     task.CreatedBy,
		Title:      "Task request declined",
		Body:       task.Title,
		ActionType: notify.ActionTaskRequestDeclined,
		ActionData: map[string]string{"task_id": task.ID},
	})
	return nil
}

// UpdateTask persists a task edit by its owner and notifies the partner when
// one exists: completion and plain edits get separate action types so the
// dispatcher can apply per-type delivery preferences.
func (w *Workflow) UpdateTask(ctx context.Context, actorID string, t *store.Task) (*store.Task, error) {
	if strings.TrimSpace(t.Title) == "" {
		return nil, ErrInvalidTitle
	}

	var prev *store.Task
	if t.ID != "" {
		cur, err := w.store.GetTask(ctx, t.ID)
		switch {
		case err == nil:
			if cur.OwnerID != actorID {
				return nil, store.ErrNotOwner
			}
			prev = cur
		case errors.Is(err, store.ErrTaskNotFound):
			// fresh task with a client-chosen id
		default:
			return nil, err
		}
	}

	t.OwnerID = actorID
	if t.CreatedBy == "" {
		t.CreatedBy = actorID
	}
	task, err := w.store.UpsertTask(ctx, t)
	if err != nil {
		return nil, err
	}

	w.notifyPartner(ctx, actorID, prev, task)
	return task, nil
}

func (w *Workflow) notifyPartner(ctx context.Context, actorID string, prev, task *store.Task) {
	p, err := w.store.GetPartnership(ctx, actorID)
	if err != nil {
		if !errors.Is(err, store.ErrNoPartnership) {
			w.log.WarnContext(ctx, "failed to resolve partner for task notification",
				"task_id", task.ID, "error", err)
		}
		return
	}

	completed := task.Status == store.TaskStatusCompleted &&
		(prev == nil || prev.Status != store.TaskStatusCompleted)

	rec := &notify.Record{
		UserID:     p.OtherUser(actorID),
		Body:       task.Title,
		ActionData: map[string]string{"task_id": task.ID},
	}
	if completed {
		rec.Title = "Task completed"
		rec.ActionType = notify.ActionTaskCompleted
	} else {
		rec.Title = "Task updated"
		rec.ActionType = notify.ActionTaskEdited
	}
	w.dispatcher.Dispatch(ctx, rec)
}
