// Package notify defines the notification records the core produces. Delivery
// (push transport, per-user preferences, opt-in defaults) lives with the
// consuming dispatcher, never here.
package notify

import (
	"context"
	"log/slog"

	"github.com/tandemlist/tandem-go/internal/platform/logutil"
)

// ActionType classifies a notification for routing and preference checks on
// the delivery side.
type ActionType string

const (
	ActionInviteAccepted      ActionType = "INVITE_ACCEPTED"
	ActionTaskRequested       ActionType = "TASK_REQUESTED"
	ActionTaskRequestAccepted ActionType = "TASK_REQUEST_ACCEPTED"
	ActionTaskRequestDeclined ActionType = "TASK_REQUEST_DECLINED"
	ActionTaskCompleted       ActionType = "TASK_COMPLETED"
	ActionTaskEdited          ActionType = "TASK_EDITED"
	ActionPartnerDisconnected ActionType = "PARTNER_DISCONNECTED"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionInviteAccepted, ActionTaskRequested, ActionTaskRequestAccepted,
		ActionTaskRequestDeclined, ActionTaskCompleted, ActionTaskEdited,
		ActionPartnerDisconnected:
		return true
	}
	return false
}

// Record is a single notification addressed to one user.
type Record struct {
	UserID     string            `json:"user_id"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	ActionType ActionType        `json:"action_type"`
	ActionData map[string]string `json:"action_data,omitempty"`
}

// Dispatcher consumes notification records. Dispatch must not block the
// calling workflow; implementations queue or fire-and-forget internally.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec *Record)
}

// Func adapts a function to the Dispatcher interface.
type Func func(ctx context.Context, rec *Record)

func (f Func) Dispatch(ctx context.Context, rec *Record) { f(ctx, rec) }

// LogDispatcher writes records to a structured log. It is the default
// dispatcher when no push transport is wired up.
type LogDispatcher struct {
	log *slog.Logger
}

// NewLogDispatcher creates a dispatcher that logs records.
func NewLogDispatcher(log *slog.Logger) *LogDispatcher {
	return &LogDispatcher{log: logutil.NoopIfNil(log)}
}

// Dispatch logs the record.
func (d *LogDispatcher) Dispatch(ctx context.Context, rec *Record) {
	d.log.InfoContext(ctx, "notification",
		"user_id", rec.UserID,
		"action_type", rec.ActionType,
		"title", rec.Title,
	)
}

// Discard is a dispatcher that drops every record.
var Discard Dispatcher = Func(func(context.Context, *Record) {})
