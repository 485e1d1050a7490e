package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tandemlist/tandem-go/internal/invites"
	"github.com/tandemlist/tandem-go/internal/notify"
	"github.com/tandemlist/tandem-go/internal/partnership"
	"github.com/tandemlist/tandem-go/internal/store"
	"github.com/tandemlist/tandem-go/internal/store/memory"
	"github.com/tandemlist/tandem-go/internal/taskreq"
)

func newTestRouter(t *testing.T) chi.Router {
	t.Helper()
	d := memory.New()
	t.Cleanup(func() { d.Close() })

	inv := invites.NewManager(d, notify.Discard, "tandem.example", nil)
	partners := partnership.NewManager(d, notify.Discard, nil)
	tasks := taskreq.NewWorkflow(d, notify.Discard, nil)
	h := NewHandler(inv, partners, tasks, d, nil)

	// Empty secret enables the X-User-ID dev fallback.
	auth := NewAuthenticator("", "", nil)
	return NewRouter(h, auth, nil, nil)
}

func doJSON(t *testing.T, r chi.Router, method, path, userID string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func pairViaAPI(t *testing.T, r chi.Router, a, b string) {
	t.Helper()
	rec, body := doJSON(t, r, http.MethodPost, "/v1/invites", a, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create invite: %d %s", rec.Code, rec.Body)
	}
	code := body["code"].(string)
	rec, _ = doJSON(t, r, http.MethodPost, "/v1/invites/"+code+"/accept", b, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept invite: %d %s", rec.Code, rec.Body)
	}
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t)
	rec, body := doJSON(t, r, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health: %d %v", rec.Code, body)
	}
}

func TestAuthRequired(t *testing.T) {
	r := newTestRouter(t)
	rec, body := doJSON(t, r, http.MethodGet, "/v1/partner", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	errObj := body["error"].(map[string]any)
	if errObj["reason_code"] != "unauthenticated" {
		t.Errorf("reason = %v", errObj["reason_code"])
	}
}

func TestInviteFlow(t *testing.T) {
	r := newTestRouter(t)

	rec, body := doJSON(t, r, http.MethodPost, "/v1/invites", "alice", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	code := body["code"].(string)
	if link := body["link"].(string); !strings.Contains(link, code) || !strings.Contains(link, "tandem.example") {
		t.Errorf("link = %q", link)
	}

	// Idempotent create returns the same code.
	_, body2 := doJSON(t, r, http.MethodPost, "/v1/invites", "alice", nil)
	if body2["code"] != code {
		t.Errorf("second create returned different code")
	}

	rec, info := doJSON(t, r, http.MethodGet, "/v1/invites/"+code, "bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("validate: %d", rec.Code)
	}
	if info["creator_id"] != "alice" {
		t.Errorf("creator = %v", info["creator_id"])
	}

	rec, partner := doJSON(t, r, http.MethodPost, "/v1/invites/"+code+"/accept", "bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body)
	}
	if partner["user_id"] != "alice" {
		t.Errorf("accept view: %v", partner)
	}

	// The code is consumed.
	rec, _ = doJSON(t, r, http.MethodPost, "/v1/invites/"+code+"/accept", "carol", nil)
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusGone {
		t.Errorf("re-accept: %d, want 404 or 410", rec.Code)
	}

	// Both sides see the partnership.
	rec, view := doJSON(t, r, http.MethodGet, "/v1/partner", "alice", nil)
	if rec.Code != http.StatusOK || view["user_id"] != "bob" {
		t.Errorf("alice partner: %d %v", rec.Code, view)
	}
}

func TestInviteErrors(t *testing.T) {
	r := newTestRouter(t)

	rec, _ := doJSON(t, r, http.MethodGet, "/v1/invites/nope00", "bob", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown code: %d", rec.Code)
	}

	_, body := doJSON(t, r, http.MethodPost, "/v1/invites", "alice", nil)
	code := body["code"].(string)

	rec, errBody := doJSON(t, r, http.MethodPost, "/v1/invites/"+code+"/accept", "alice", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("self accept: %d", rec.Code)
	}
	errObj := errBody["error"].(map[string]any)
	if errObj["reason_code"] != "self_invite" {
		t.Errorf("reason = %v", errObj["reason_code"])
	}

	// Cancel is idempotent.
	for i := 0; i < 2; i++ {
		rec, _ = doJSON(t, r, http.MethodDelete, "/v1/invites", "alice", nil)
		if rec.Code != http.StatusNoContent {
			t.Errorf("cancel %d: %d", i+1, rec.Code)
		}
	}
}

func TestPartnerNotFound(t *testing.T) {
	r := newTestRouter(t)
	rec, _ := doJSON(t, r, http.MethodGet, "/v1/partner", "loner", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestTaskRequestFlow(t *testing.T) {
	r := newTestRouter(t)
	pairViaAPI(t, r, "alice", "bob")

	rec, task := doJSON(t, r, http.MethodPost, "/v1/tasks/requests", "alice", map[string]string{
		"partner_id": "bob",
		"title":      "Buy milk",
		"note":       "oat",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("request: %d %s", rec.Code, rec.Body)
	}
	taskID := task["id"].(string)
	if task["owner_id"] != "bob" || task["status"] != string(store.TaskStatusPendingAcceptance) {
		t.Errorf("task = %v", task)
	}

	// Only the owner may resolve it.
	rec, _ = doJSON(t, r, http.MethodPost, "/v1/tasks/"+taskID+"/accept", "alice", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("requester accept: %d, want 403", rec.Code)
	}

	rec, accepted := doJSON(t, r, http.MethodPost, "/v1/tasks/"+taskID+"/accept", "bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body)
	}
	if accepted["status"] != string(store.TaskStatusPending) {
		t.Errorf("accepted status = %v", accepted["status"])
	}

	rec, list := doJSON(t, r, http.MethodGet, "/v1/tasks", "bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if tasks := list["tasks"].([]any); len(tasks) != 1 {
		t.Errorf("listed %d tasks, want 1", len(tasks))
	}
}

func TestDeclineTaskRequest(t *testing.T) {
	r := newTestRouter(t)
	pairViaAPI(t, r, "alice", "bob")

	_, task := doJSON(t, r, http.MethodPost, "/v1/tasks/requests", "alice", map[string]string{
		"partner_id": "bob",
		"title":      "Clean gutters",
	})
	taskID := task["id"].(string)

	rec, _ := doJSON(t, r, http.MethodPost, "/v1/tasks/"+taskID+"/decline", "bob", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("decline: %d", rec.Code)
	}

	_, list := doJSON(t, r, http.MethodGet, "/v1/tasks", "bob", nil)
	if tasks := list["tasks"].([]any); len(tasks) != 0 {
		t.Errorf("declined task still listed")
	}
}

func TestUpsertTask(t *testing.T) {
	r := newTestRouter(t)
	pairViaAPI(t, r, "alice", "bob")

	rec, task := doJSON(t, r, http.MethodPost, "/v1/tasks/t-1", "bob", map[string]string{
		"title": "Water plants",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert: %d %s", rec.Code, rec.Body)
	}
	if task["status"] != string(store.TaskStatusPending) {
		t.Errorf("default status = %v", task["status"])
	}

	rec, _ = doJSON(t, r, http.MethodPost, "/v1/tasks/t-1", "bob", map[string]string{
		"title":  "Water plants",
		"status": "completed",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: %d", rec.Code)
	}

	rec, _ = doJSON(t, r, http.MethodPost, "/v1/tasks/t-1", "alice", map[string]string{
		"title": "Stolen",
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("cross-owner upsert: %d, want 403", rec.Code)
	}

	rec, _ = doJSON(t, r, http.MethodPost, "/v1/tasks/t-2", "bob", map[string]string{
		"title": "   ",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank title: %d, want 400", rec.Code)
	}

	rec, _ = doJSON(t, r, http.MethodPost, "/v1/tasks/t-3", "bob", map[string]string{
		"title":  "Sneaky",
		"status": "declined",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("declined via upsert: %d, want 400", rec.Code)
	}
}

func TestSnapshot(t *testing.T) {
	r := newTestRouter(t)
	pairViaAPI(t, r, "alice", "bob")

	doJSON(t, r, http.MethodPost, "/v1/tasks/t-1", "bob", map[string]string{"title": "Water plants"})

	rec, snap := doJSON(t, r, http.MethodGet, "/v1/changes/snapshot", "bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot: %d", rec.Code)
	}
	if snap["seq"].(float64) <= 0 {
		t.Errorf("seq = %v", snap["seq"])
	}
	events := snap["events"].([]any)
	// Partnership upsert and task upsert.
	if len(events) != 2 {
		t.Errorf("got %d events, want 2", len(events))
	}
}

func TestChangesStream(t *testing.T) {
	r := newTestRouter(t)
	pairViaAPI(t, r, "alice", "bob")
	doJSON(t, r, http.MethodPost, "/v1/tasks/t-1", "bob", map[string]string{"title": "Backlog item"})

	srv := httptest.NewServer(r)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/changes?after=0", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-User-ID", "bob")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// A live event produced while the stream is open.
	go func() {
		time.Sleep(50 * time.Millisecond)
		doJSON(t, r, http.MethodPost, "/v1/tasks/t-2", "bob", map[string]string{"title": "Live item"})
	}()

	var events []store.ChangeEvent
	scanner := bufio.NewScanner(resp.Body)
	deadline := time.After(5 * time.Second)
	for len(events) < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out after %d events", len(events))
		default:
		}
		if !scanner.Scan() {
			t.Fatalf("stream ended after %d events: %v", len(events), scanner.Err())
		}
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var ev store.ChangeEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				t.Fatalf("bad event %q: %v", data, err)
			}
			events = append(events, ev)
		}
	}

	// Backfill first (partnership, t-1), then the live event.
	if events[0].EntityType != store.EntityPartnership {
		t.Errorf("first event = %+v", events[0])
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Errorf("sequence not increasing: %d then %d", events[i-1].Seq, events[i].Seq)
		}
	}
	if events[2].EntityID != "t-2" {
		t.Errorf("live event = %+v", events[2])
	}
}

func TestChangesAfterBadQuery(t *testing.T) {
	r := newTestRouter(t)
	rec, _ := doJSON(t, r, http.MethodGet, "/v1/changes?after=banana", "bob", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
