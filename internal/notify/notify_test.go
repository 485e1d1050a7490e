package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestActionTypeValid(t *testing.T) {
	for _, a := range []ActionType{
		ActionInviteAccepted, ActionTaskRequested, ActionTaskRequestAccepted,
		ActionTaskRequestDeclined, ActionTaskCompleted, ActionTaskEdited,
		ActionPartnerDisconnected,
	} {
		if !a.Valid() {
			t.Errorf("%s not valid", a)
		}
	}
	if ActionType("TASK_YEETED").Valid() {
		t.Error("unknown action type accepted")
	}
}

func TestLogDispatcher(t *testing.T) {
	var buf bytes.Buffer
	d := NewLogDispatcher(slog.New(slog.NewJSONHandler(&buf, nil)))

	d.Dispatch(context.Background(), &Record{
		UserID:     "bob",
		Title:      "New task request",
		ActionType: ActionTaskRequested,
	})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["user_id"] != "bob" || line["action_type"] != string(ActionTaskRequested) {
		t.Errorf("unexpected log line: %v", line)
	}
}

func TestLogDispatcherNilLogger(t *testing.T) {
	// Must not panic.
	NewLogDispatcher(nil).Dispatch(context.Background(), &Record{UserID: "bob"})
	Discard.Dispatch(context.Background(), &Record{UserID: "bob"})
}
