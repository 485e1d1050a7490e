package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tandemlist/tandem-go/internal/store"
	"github.com/tandemlist/tandem-go/internal/store/memory"
)

func newEngine(t *testing.T) (*Engine, *memory.Driver) {
	t.Helper()
	d := memory.New()
	e := New(d, d, "bob", nil)
	t.Cleanup(func() {
		e.Close()
		d.Close()
	})
	return e, d
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

func taskEvent(t *testing.T, op store.ChangeOp, task *store.Task) *store.ChangeEvent {
	t.Helper()
	ev, err := store.NewTaskEvent(op, task)
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestApplyRemoteIdempotent(t *testing.T) {
	e, _ := newEngine(t)

	ev := taskEvent(t, store.OpUpsert, &store.Task{
		ID: "t1", OwnerID: "bob", CreatedBy: "bob", Title: "One",
		Status:    store.TaskStatusPending,
		UpdatedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	})

	if err := e.ApplyRemote(ev); err != nil {
		t.Fatal(err)
	}
	if err := e.ApplyRemote(ev); err != nil {
		t.Fatal(err)
	}

	snap := e.Snapshot()
	if len(snap) != 1 || snap[0].Title != "One" {
		t.Fatalf("duplicate delivery changed the cache: %d tasks", len(snap))
	}
}

func TestApplyRemoteLastWriteWins(t *testing.T) {
	e, _ := newEngine(t)

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	older := taskEvent(t, store.OpUpsert, &store.Task{
		ID: "t1", OwnerID: "bob", Title: "Old", Status: store.TaskStatusPending, UpdatedAt: base,
	})
	newer := taskEvent(t, store.OpUpsert, &store.Task{
		ID: "t1", OwnerID: "bob", Title: "New", Status: store.TaskStatusCompleted, UpdatedAt: base.Add(time.Minute),
	})

	// Delivery order must not matter.
	e.ApplyRemote(newer)
	e.ApplyRemote(older)

	got, ok := e.Get("t1")
	if !ok || got.Title != "New" || got.Status != store.TaskStatusCompleted {
		t.Errorf("cache did not converge to the later write: %+v", got)
	}
}

func TestApplyRemoteDeleteTombstone(t *testing.T) {
	e, _ := newEngine(t)

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	e.ApplyRemote(taskEvent(t, store.OpUpsert, &store.Task{
		ID: "t1", OwnerID: "bob", Title: "Doomed", Status: store.TaskStatusPending, UpdatedAt: base,
	}))

	del := taskEvent(t, store.OpDelete, &store.Task{
		ID: "t1", OwnerID: "bob", UpdatedAt: base.Add(time.Minute),
	})
	e.ApplyRemote(del)

	if _, ok := e.Get("t1"); ok {
		t.Fatal("deleted task still cached")
	}

	// A stale upsert arriving after the delete cannot resurrect it.
	e.ApplyRemote(taskEvent(t, store.OpUpsert, &store.Task{
		ID: "t1", OwnerID: "bob", Title: "Zombie", Status: store.TaskStatusPending, UpdatedAt: base.Add(30 * time.Second),
	}))
	if _, ok := e.Get("t1"); ok {
		t.Error("stale upsert resurrected a deleted task")
	}
	if len(e.Snapshot()) != 0 {
		t.Error("tombstone leaked into snapshot")
	}
}

func TestEnqueueLocalOptimisticApply(t *testing.T) {
	e, d := newEngine(t)
	ctx := context.Background()

	m := &store.TaskMutation{
		EntityID: "t-local",
		Op:       store.OpUpsert,
		Task: &store.Task{
			OwnerID: "bob", CreatedBy: "bob", Title: "Offline write",
			Status: store.TaskStatusPending,
		},
	}
	if err := e.EnqueueLocal(ctx, m); err != nil {
		t.Fatal(err)
	}

	// Visible immediately.
	got, ok := e.Get("t-local")
	if !ok || got.Title != "Offline write" {
		t.Fatalf("optimistic apply missing: %+v", got)
	}

	// Durably queued.
	entries, err := d.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].EntityID != "t-local" {
		t.Fatalf("queue entry missing: %d entries", len(entries))
	}

	// Payload-less upserts are rejected up front.
	if err := e.EnqueueLocal(ctx, &store.TaskMutation{EntityID: "x", Op: store.OpUpsert}); !errors.Is(err, store.ErrInvalidMutation) {
		t.Errorf("nil payload: got %v, want ErrInvalidMutation", err)
	}
}

func TestFlushQueueCommits(t *testing.T) {
	e, d := newEngine(t)
	ctx := context.Background()

	if err := e.EnqueueLocal(ctx, &store.TaskMutation{
		EntityID: "t-local",
		Op:       store.OpUpsert,
		Task: &store.Task{
			OwnerID: "bob", CreatedBy: "bob", Title: "Offline write",
			Status: store.TaskStatusPending,
		},
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.FlushQueue(ctx); err != nil {
		t.Fatal(err)
	}

	// Committed to the store with a store-assigned timestamp.
	stored, err := d.GetTask(ctx, "t-local")
	if err != nil {
		t.Fatalf("flushed task not in store: %v", err)
	}
	if stored.Title != "Offline write" {
		t.Errorf("stored task = %+v", stored)
	}

	// Removed from the queue.
	entries, err := d.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("queue not drained: %d entries", len(entries))
	}

	// Cache converged to the confirmed version.
	got, ok := e.Get("t-local")
	if !ok || !got.UpdatedAt.Equal(stored.UpdatedAt) {
		t.Errorf("cache not on store-confirmed state: %+v vs %+v", got, stored)
	}
}

func TestFlushQueueDiscardsTerminal(t *testing.T) {
	e, d := newEngine(t)
	ctx := context.Background()

	// An upsert without a task payload decodes but can never be applied.
	bad, err := json.Marshal(&store.TaskMutation{EntityID: "t-bad", Op: store.OpUpsert})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Enqueue(ctx, &store.OfflineQueueEntry{EntityID: "t-bad", Op: store.OpUpsert, Payload: bad}); err != nil {
		t.Fatal(err)
	}
	// Undecodable payloads are discarded the same way.
	if err := d.Enqueue(ctx, &store.OfflineQueueEntry{EntityID: "t-garbage", Op: store.OpUpsert, Payload: []byte("{")}); err != nil {
		t.Fatal(err)
	}

	if err := e.FlushQueue(ctx); err != nil {
		t.Fatalf("terminal entries must not fail the flush: %v", err)
	}

	entries, err := d.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("terminal entries not discarded: %d left", len(entries))
	}
}

// flaky fails ApplyTaskMutation a fixed number of times before delegating.
type flaky struct {
	*memory.Driver
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flaky) ApplyTaskMutation(ctx context.Context, m *store.TaskMutation) (*store.Task, bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, false, errors.New("store unavailable")
	}
	return f.Driver.ApplyTaskMutation(ctx, m)
}

func TestFlushQueueRetriesTransient(t *testing.T) {
	d := memory.New()
	defer d.Close()
	remote := &flaky{Driver: d, failures: 2}
	e := New(remote, d, "bob", nil)
	defer e.Close()
	ctx := context.Background()

	if err := e.EnqueueLocal(ctx, &store.TaskMutation{
		EntityID: "t1",
		Op:       store.OpUpsert,
		Task:     &store.Task{OwnerID: "bob", CreatedBy: "bob", Title: "Retry me", Status: store.TaskStatusPending},
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.FlushQueue(ctx); err != nil {
		t.Fatalf("flush did not ride out transient failures: %v", err)
	}
	if _, err := d.GetTask(ctx, "t1"); err != nil {
		t.Errorf("task not committed after retries: %v", err)
	}
}

func TestFlushQueueKeepsEntryOnExhaustion(t *testing.T) {
	d := memory.New()
	defer d.Close()
	remote := &flaky{Driver: d, failures: maxFlushTries + 1}
	e := New(remote, d, "bob", nil)
	defer e.Close()
	ctx := context.Background()

	if err := e.EnqueueLocal(ctx, &store.TaskMutation{
		EntityID: "t1",
		Op:       store.OpUpsert,
		Task:     &store.Task{OwnerID: "bob", CreatedBy: "bob", Title: "Stuck", Status: store.TaskStatusPending},
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.FlushQueue(ctx); err == nil {
		t.Fatal("exhausted flush reported success")
	}

	entries, err := d.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entry dropped on transient exhaustion: %d entries", len(entries))
	}
	if entries[0].RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", entries[0].RetryCount)
	}
}

func TestSubscribeReconcilesAndStreams(t *testing.T) {
	e, d := newEngine(t)
	ctx := context.Background()

	pair(t, d, "alice", "bob")

	// State that existed before the engine subscribed.
	pre, err := d.UpsertTask(ctx, &store.Task{
		OwnerID: "bob", CreatedBy: "bob", Title: "Before subscribe", Status: store.TaskStatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Subscribe(ctx); err != nil {
		t.Fatal(err)
	}

	if got, ok := e.Get(pre.ID); !ok || got.Title != "Before subscribe" {
		t.Fatalf("snapshot reconciliation missed existing task: %+v", got)
	}
	if !e.Partnered() {
		t.Error("snapshot did not carry the partnership")
	}

	// Live events flow into the cache.
	live, err := d.UpsertTask(ctx, &store.Task{
		OwnerID: "bob", CreatedBy: "alice", Title: "Live", Status: store.TaskStatusPendingAcceptance,
	})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, ok := e.Get(live.ID)
		return ok
	})
}

// The offline scenario: a queued completion with an earlier client timestamp
// loses to a later edit the partner made meanwhile, and the cache converges
// to the partner's version.
func TestOfflineCompletionLosesToLaterEdit(t *testing.T) {
	e, d := newEngine(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	d.SetNowFunc(func() time.Time { return now })

	pair(t, d, "alice", "bob")
	task, err := d.UpsertTask(ctx, &store.Task{
		OwnerID: "bob", CreatedBy: "bob", Title: "Contested", Status: store.TaskStatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Offline: bob completes the task locally, one second after creation on
	// his device clock.
	completed := *task
	completed.Status = store.TaskStatusCompleted
	if err := e.EnqueueLocal(ctx, &store.TaskMutation{
		EntityID:  task.ID,
		Op:        store.OpUpsert,
		Task:      &completed,
		MutatedAt: task.UpdatedAt.Add(time.Second),
	}); err != nil {
		t.Fatal(err)
	}

	// Meanwhile the partner edits it; the store assigns a later UpdatedAt.
	now = now.Add(time.Minute)
	edited := *task
	edited.Title = "Contested, renamed"
	if _, err := d.UpsertTask(ctx, &edited); err != nil {
		t.Fatal(err)
	}

	// Reconnect: flush, then reconcile.
	if err := e.Subscribe(ctx); err != nil {
		t.Fatal(err)
	}

	got, ok := e.Get(task.ID)
	if !ok {
		t.Fatal("task missing after reconnect")
	}
	if got.Title != "Contested, renamed" {
		t.Errorf("cache did not converge to the partner's later edit: %+v", got)
	}
	if got.Status == store.TaskStatusCompleted {
		t.Error("earlier offline completion won over the later edit")
	}
}

// A device clock running ahead of the store must not pin the cache: once the
// flush confirms, the store-assigned timestamp replaces the inflated local
// one, and later partner writes land normally.
func TestFlushedEntryYieldsToLaterStoreWrites(t *testing.T) {
	e, d := newEngine(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	d.SetNowFunc(func() time.Time { return now })

	pair(t, d, "alice", "bob")
	task, err := d.UpsertTask(ctx, &store.Task{
		OwnerID: "bob", CreatedBy: "bob", Title: "Buy milk", Status: store.TaskStatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Bob completes the task offline on a clock running an hour fast.
	completed := *task
	completed.Status = store.TaskStatusCompleted
	if err := e.EnqueueLocal(ctx, &store.TaskMutation{
		EntityID:  task.ID,
		Op:        store.OpUpsert,
		Task:      &completed,
		MutatedAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.FlushQueue(ctx); err != nil {
		t.Fatal(err)
	}

	// The cache must now carry the store's timestamp, not the device's.
	got, ok := e.Get(task.ID)
	if !ok {
		t.Fatal("task missing after flush")
	}
	stored, err := d.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.UpdatedAt.Equal(stored.UpdatedAt) {
		t.Fatalf("cache kept the device timestamp: %v vs store %v", got.UpdatedAt, stored.UpdatedAt)
	}

	// A partner edit one minute later, still well inside the hour of skew,
	// must win in the cache.
	now = now.Add(time.Minute)
	edited := *stored
	edited.Title = "Buy oat milk"
	edited.Status = store.TaskStatusPending
	after, err := d.UpsertTask(ctx, &edited)
	if err != nil {
		t.Fatal(err)
	}
	ev := taskEvent(t, store.OpUpsert, after)
	if err := e.ApplyRemote(ev); err != nil {
		t.Fatal(err)
	}

	got, ok = e.Get(task.ID)
	if !ok {
		t.Fatal("task missing after partner edit")
	}
	if got.Title != "Buy oat milk" || got.Status != store.TaskStatusPending {
		t.Errorf("cache did not converge to the partner's later write: %+v", got)
	}
}

func TestPartnershipDissolutionTearsDownSubscription(t *testing.T) {
	e, d := newEngine(t)
	ctx := context.Background()

	pair(t, d, "alice", "bob")
	if err := e.Subscribe(ctx); err != nil {
		t.Fatal(err)
	}
	if !e.Partnered() {
		t.Fatal("not partnered after subscribe")
	}

	if _, err := d.DissolvePartnership(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return !e.Partnered() })

	// The feed is gone: new store events no longer reach the cache.
	after, err := d.UpsertTask(ctx, &store.Task{
		OwnerID: "bob", CreatedBy: "bob", Title: "After dissolve", Status: store.TaskStatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := e.Get(after.ID); ok {
		t.Error("event delivered after subscription teardown")
	}
}

func TestCloseStopsEngine(t *testing.T) {
	d := memory.New()
	defer d.Close()
	e := New(d, d, "bob", nil)

	e.Close()
	e.Close() // idempotent

	if err := e.ApplyRemote(&store.ChangeEvent{EntityType: store.EntityTask, EntityID: "t1", Op: store.OpDelete}); !errors.Is(err, store.ErrClosed) {
		t.Errorf("ApplyRemote after close: got %v, want ErrClosed", err)
	}
}
