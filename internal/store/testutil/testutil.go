// Package testutil provides a shared conformance suite for store drivers.
// Every driver must pass the same behavioral contract regardless of backend.
package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tandemlist/tandem-go/internal/store"
)

// clockSetter is implemented by drivers that allow overriding their clock.
type clockSetter interface {
	SetNowFunc(func() time.Time)
}

// fixedClock is a settable test clock.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// RunStoreTests runs the driver conformance suite. open must return a fresh,
// initialized driver per call.
func RunStoreTests(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("CreateInviteIdempotent", func(t *testing.T) { testCreateInviteIdempotent(t, open(t)) })
	t.Run("CreateInviteWhenPartnered", func(t *testing.T) { testCreateInviteWhenPartnered(t, open(t)) })
	t.Run("InviteExpiryBoundary", func(t *testing.T) { testInviteExpiryBoundary(t, open(t)) })
	t.Run("AcceptInvite", func(t *testing.T) { testAcceptInvite(t, open(t)) })
	t.Run("AcceptInviteChecks", func(t *testing.T) { testAcceptInviteChecks(t, open(t)) })
	t.Run("AcceptInviteExactlyOnce", func(t *testing.T) { testAcceptInviteExactlyOnce(t, open(t)) })
	t.Run("AcceptInviteStaleCreator", func(t *testing.T) { testAcceptInviteStaleCreator(t, open(t)) })
	t.Run("AcceptInviteConcurrent", func(t *testing.T) { testAcceptInviteConcurrent(t, open(t)) })
	t.Run("CancelInvite", func(t *testing.T) { testCancelInvite(t, open(t)) })
	t.Run("DissolvePartnership", func(t *testing.T) { testDissolvePartnership(t, open(t)) })
	t.Run("DissolvePartnershipConcurrent", func(t *testing.T) { testDissolvePartnershipConcurrent(t, open(t)) })
	t.Run("UpsertTaskTimestamps", func(t *testing.T) { testUpsertTaskTimestamps(t, open(t)) })
	t.Run("ApplyMutationLastWriteWins", func(t *testing.T) { testApplyMutationLWW(t, open(t)) })
	t.Run("ApplyMutationDelete", func(t *testing.T) { testApplyMutationDelete(t, open(t)) })
	t.Run("TaskRequestLifecycle", func(t *testing.T) { testTaskRequestLifecycle(t, open(t)) })
	t.Run("ChangesAndSnapshot", func(t *testing.T) { testChangesAndSnapshot(t, open(t)) })
	t.Run("Watch", func(t *testing.T) { testWatch(t, open(t)) })
	t.Run("OfflineQueue", func(t *testing.T) { testOfflineQueue(t, open(t)) })
}

func setClock(t *testing.T, s store.Store) *fixedClock {
	t.Helper()
	cs, ok := s.(clockSetter)
	if !ok {
		t.Fatalf("driver %s does not support clock override", s.Name())
	}
	clk := &fixedClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	cs.SetNowFunc(clk.Now)
	return clk
}

func mustAccept(t *testing.T, s store.Store, code, acceptorID string) *store.Partnership {
	t.Helper()
	p, err := s.AcceptInvite(context.Background(), code, acceptorID)
	if err != nil {
		t.Fatalf("AcceptInvite(%s, %s): %v", code, acceptorID, err)
	}
	return p
}

func mustInvite(t *testing.T, s store.Store, creatorID string) *store.Invite {
	t.Helper()
	inv, err := s.CreateInvite(context.Background(), creatorID)
	if err != nil {
		t.Fatalf("CreateInvite(%s): %v", creatorID, err)
	}
	return inv
}

func testCreateInviteIdempotent(t *testing.T, s store.Store) {
	defer s.Close()

	first := mustInvite(t, s, "alice")
	second := mustInvite(t, s, "alice")

	if first.Code != second.Code {
		t.Errorf("codes differ: %q vs %q", first.Code, second.Code)
	}
	if !first.ExpiresAt.Equal(second.ExpiresAt) {
		t.Errorf("expiries differ: %v vs %v", first.ExpiresAt, second.ExpiresAt)
	}
	if !store.InviteCodePattern.MatchString(first.Code) {
		t.Errorf("code %q does not match invite code pattern", first.Code)
	}
}

func testCreateInviteWhenPartnered(t *testing.T, s store.Store) {
	defer s.Close()

	inv := mustInvite(t, s, "alice")
	mustAccept(t, s, inv.Code, "bob")

	if _, err := s.CreateInvite(context.Background(), "alice"); !errors.Is(err, store.ErrAlreadyPartnered) {
		t.Errorf("CreateInvite for partnered user: got %v, want ErrAlreadyPartnered", err)
	}
}

func testInviteExpiryBoundary(t *testing.T, s store.Store) {
	defer s.Close()
	clk := setClock(t, s)
	ctx := context.Background()

	inv := mustInvite(t, s, "alice")

	// Exactly at ExpiresAt the invite is expired.
	clk.Set(inv.ExpiresAt)
	if _, err := s.AcceptInvite(ctx, inv.Code, "bob"); !errors.Is(err, store.ErrInviteExpired) {
		t.Fatalf("accept at expiry instant: got %v, want ErrInviteExpired", err)
	}

	// The lazy expiry mark must have been persisted.
	stored, err := s.GetInvite(ctx, inv.Code)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != store.InviteStatusExpired {
		t.Errorf("stored status = %s, want expired", stored.Status)
	}

	// An expired pending invite is replaced, not returned, on re-create.
	fresh := mustInvite(t, s, "alice")
	if fresh.Code == inv.Code {
		t.Error("expired invite code was reused")
	}
}

func testAcceptInvite(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	inv := mustInvite(t, s, "carol")
	p := mustAccept(t, s, inv.Code, "bob")

	wantA, wantB := store.CanonicalPair("carol", "bob")
	if p.UserA != wantA || p.UserB != wantB {
		t.Errorf("pair = (%s, %s), want canonical (%s, %s)", p.UserA, p.UserB, wantA, wantB)
	}
	if p.Status != store.PartnershipStatusActive {
		t.Errorf("status = %s, want active", p.Status)
	}

	stored, err := s.GetInvite(ctx, inv.Code)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != store.InviteStatusAccepted {
		t.Errorf("invite status = %s, want accepted", stored.Status)
	}
	if stored.AcceptedBy == nil || *stored.AcceptedBy != "bob" {
		t.Errorf("acceptedBy = %v, want bob", stored.AcceptedBy)
	}
	if stored.AcceptedAt == nil {
		t.Error("acceptedAt not set")
	}

	for _, user := range []string{"carol", "bob"} {
		got, err := s.GetPartnership(ctx, user)
		if err != nil {
			t.Fatalf("GetPartnership(%s): %v", user, err)
		}
		if got.ID != p.ID {
			t.Errorf("GetPartnership(%s).ID = %s, want %s", user, got.ID, p.ID)
		}
	}
}

func testAcceptInviteChecks(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	if _, err := s.AcceptInvite(ctx, "nosuchcode", "bob"); !errors.Is(err, store.ErrInviteNotFound) {
		t.Errorf("unknown code: got %v, want ErrInviteNotFound", err)
	}

	inv := mustInvite(t, s, "alice")
	if _, err := s.AcceptInvite(ctx, inv.Code, "alice"); !errors.Is(err, store.ErrSelfInvite) {
		t.Errorf("self accept: got %v, want ErrSelfInvite", err)
	}

	// An acceptor who is already partnered is rejected.
	other := mustInvite(t, s, "carol")
	mustAccept(t, s, other.Code, "dave")
	if _, err := s.AcceptInvite(ctx, inv.Code, "dave"); !errors.Is(err, store.ErrAlreadyPartnered) {
		t.Errorf("partnered acceptor: got %v, want ErrAlreadyPartnered", err)
	}
}

func testAcceptInviteExactlyOnce(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	inv := mustInvite(t, s, "alice")
	mustAccept(t, s, inv.Code, "bob")

	if _, err := s.AcceptInvite(ctx, inv.Code, "carol"); err == nil {
		t.Fatal("second acceptance succeeded")
	} else if !errors.Is(err, store.ErrInviteExpired) && !errors.Is(err, store.ErrInviteNotFound) {
		t.Errorf("second acceptance: got %v, want ErrInviteExpired or ErrInviteNotFound", err)
	}

	if _, err := s.GetPartnership(ctx, "carol"); !errors.Is(err, store.ErrNoPartnership) {
		t.Errorf("loser got a partnership: %v", err)
	}
}

func testAcceptInviteStaleCreator(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	// Alice issues a code, then connects with Bob through Bob's invite.
	stale := mustInvite(t, s, "alice")
	bobs := mustInvite(t, s, "bob")
	mustAccept(t, s, bobs.Code, "alice")

	// Carol redeems the stale code: rejected, and the code is cancelled.
	if _, err := s.AcceptInvite(ctx, stale.Code, "carol"); !errors.Is(err, store.ErrAlreadyPartnered) {
		t.Fatalf("stale redemption: got %v, want ErrAlreadyPartnered", err)
	}
	stored, err := s.GetInvite(ctx, stale.Code)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != store.InviteStatusCancelled {
		t.Errorf("stale invite status = %s, want cancelled", stored.Status)
	}
}

func testAcceptInviteConcurrent(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	inv := mustInvite(t, s, "alice")

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, acceptor := range []string{"bob", "carol"} {
		wg.Add(1)
		go func(i int, acceptor string) {
			defer wg.Done()
			_, results[i] = s.AcceptInvite(ctx, inv.Code, acceptor)
		}(i, acceptor)
	}
	wg.Wait()

	var successes int
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("%d acceptances succeeded, want exactly 1", successes)
	}

	// Alice must end up in exactly one partnership.
	p, err := s.GetPartnership(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	partner := p.OtherUser("alice")
	if partner != "bob" && partner != "carol" {
		t.Errorf("unexpected partner %q", partner)
	}
}

func testCancelInvite(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	// No-op without a pending invite.
	if err := s.CancelInvite(ctx, "alice"); err != nil {
		t.Fatalf("cancel without invite: %v", err)
	}

	inv := mustInvite(t, s, "alice")
	if err := s.CancelInvite(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	stored, err := s.GetInvite(ctx, inv.Code)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != store.InviteStatusCancelled {
		t.Errorf("status = %s, want cancelled", stored.Status)
	}

	// A new invite after cancellation gets a fresh code.
	fresh := mustInvite(t, s, "alice")
	if fresh.Code == inv.Code {
		t.Error("cancelled code was reused")
	}
}

func testDissolvePartnership(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	if _, err := s.DissolvePartnership(ctx, "alice"); !errors.Is(err, store.ErrNoPartnership) {
		t.Errorf("dissolve without partnership: got %v, want ErrNoPartnership", err)
	}

	inv := mustInvite(t, s, "alice")
	mustAccept(t, s, inv.Code, "bob")

	p, err := s.DissolvePartnership(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != store.PartnershipStatusDissolved || p.DissolvedAt == nil {
		t.Errorf("dissolved partnership not marked: %+v", p)
	}

	// The record survives dissolution; only the active lookup goes away.
	if _, err := s.GetPartnership(ctx, "bob"); !errors.Is(err, store.ErrNoPartnership) {
		t.Errorf("partner lookup after dissolve: got %v, want ErrNoPartnership", err)
	}

	// Second dissolve observes no partnership.
	if _, err := s.DissolvePartnership(ctx, "bob"); !errors.Is(err, store.ErrNoPartnership) {
		t.Errorf("second dissolve: got %v, want ErrNoPartnership", err)
	}

	// Both users can pair again afterwards.
	inv2 := mustInvite(t, s, "alice")
	mustAccept(t, s, inv2.Code, "bob")
}

func testDissolvePartnershipConcurrent(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	inv := mustInvite(t, s, "alice")
	mustAccept(t, s, inv.Code, "bob")

	// Both partners race to dissolve; exactly one wins, the loser observes
	// the partnership as already gone.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, results[i] = s.DissolvePartnership(ctx, user)
		}(i, user)
	}
	wg.Wait()

	var successes int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, store.ErrNoPartnership):
		default:
			t.Fatalf("unexpected dissolve error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("%d dissolutions succeeded, want exactly 1", successes)
	}

	for _, user := range []string{"alice", "bob"} {
		if _, err := s.GetPartnership(ctx, user); !errors.Is(err, store.ErrNoPartnership) {
			t.Errorf("%s still partnered after concurrent dissolve: %v", user, err)
		}
	}
}

func testUpsertTaskTimestamps(t *testing.T, s store.Store) {
	defer s.Close()
	clk := setClock(t, s)
	ctx := context.Background()

	created, err := s.UpsertTask(ctx, &store.Task{
		OwnerID:   "bob",
		CreatedBy: "bob",
		Title:     "Water plants",
		Status:    store.TaskStatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Fatal("no id assigned")
	}
	if created.UpdatedAt.IsZero() {
		t.Fatal("no UpdatedAt assigned")
	}

	// Same clock instant: UpdatedAt must still advance.
	updated, err := s.UpsertTask(ctx, &store.Task{
		ID:        created.ID,
		OwnerID:   "bob",
		CreatedBy: "bob",
		Title:     "Water plants daily",
		Status:    store.TaskStatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Errorf("UpdatedAt did not advance: %v then %v", created.UpdatedAt, updated.UpdatedAt)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v vs %v", created.CreatedAt, updated.CreatedAt)
	}

	clk.Advance(time.Minute)
	later, err := s.UpsertTask(ctx, &store.Task{
		ID:        created.ID,
		OwnerID:   "bob",
		CreatedBy: "bob",
		Title:     "Water plants twice daily",
		Status:    store.TaskStatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !later.UpdatedAt.After(updated.UpdatedAt) {
		t.Errorf("UpdatedAt did not advance with clock")
	}
}

func testApplyMutationLWW(t *testing.T, s store.Store) {
	defer s.Close()
	clk := setClock(t, s)
	ctx := context.Background()

	cur, err := s.UpsertTask(ctx, &store.Task{
		OwnerID:   "bob",
		CreatedBy: "bob",
		Title:     "Buy milk",
		Status:    store.TaskStatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}

	// A mutation recorded before the row's current UpdatedAt is discarded.
	stale := &store.TaskMutation{
		EntityID:  cur.ID,
		Op:        store.OpUpsert,
		Task:      &store.Task{OwnerID: "bob", CreatedBy: "bob", Title: "Buy oat milk", Status: store.TaskStatusCompleted},
		MutatedAt: cur.UpdatedAt.Add(-time.Second),
	}
	got, applied, err := s.ApplyTaskMutation(ctx, stale)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("stale mutation was applied")
	}
	if got.Title != "Buy milk" {
		t.Errorf("row changed by discarded mutation: %q", got.Title)
	}

	// A later mutation wins and gets a fresh store-assigned UpdatedAt.
	clk.Advance(time.Minute)
	fresh := &store.TaskMutation{
		EntityID:  cur.ID,
		Op:        store.OpUpsert,
		Task:      &store.Task{OwnerID: "bob", CreatedBy: "bob", Title: "Buy milk", Status: store.TaskStatusCompleted},
		MutatedAt: cur.UpdatedAt.Add(time.Second),
	}
	got, applied, err = s.ApplyTaskMutation(ctx, fresh)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("fresh mutation was discarded")
	}
	if got.Status != store.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if !got.UpdatedAt.After(cur.UpdatedAt) {
		t.Error("UpdatedAt not store-advanced on replay")
	}

	// Offline-created task: upsert on a missing row inserts it.
	ins := &store.TaskMutation{
		EntityID:  "t-offline",
		Op:        store.OpUpsert,
		Task:      &store.Task{OwnerID: "bob", CreatedBy: "bob", Title: "Offline task", Status: store.TaskStatusPending},
		MutatedAt: clk.Now(),
	}
	if _, applied, err = s.ApplyTaskMutation(ctx, ins); err != nil || !applied {
		t.Fatalf("insert replay: applied=%v err=%v", applied, err)
	}

	// A payload-less upsert is a terminal error.
	if _, _, err := s.ApplyTaskMutation(ctx, &store.TaskMutation{EntityID: "x", Op: store.OpUpsert}); !errors.Is(err, store.ErrInvalidMutation) {
		t.Errorf("nil payload: got %v, want ErrInvalidMutation", err)
	}
}

func testApplyMutationDelete(t *testing.T, s store.Store) {
	defer s.Close()
	clk := setClock(t, s)
	ctx := context.Background()

	cur, err := s.UpsertTask(ctx, &store.Task{
		OwnerID:   "bob",
		CreatedBy: "bob",
		Title:     "Old task",
		Status:    store.TaskStatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}

	clk.Advance(time.Minute)
	del := &store.TaskMutation{EntityID: cur.ID, Op: store.OpDelete, MutatedAt: clk.Now()}
	if _, applied, err := s.ApplyTaskMutation(ctx, del); err != nil || !applied {
		t.Fatalf("delete: applied=%v err=%v", applied, err)
	}
	if _, err := s.GetTask(ctx, cur.ID); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("task still present after delete: %v", err)
	}

	// Duplicate delete settles without error or effect.
	if _, applied, err := s.ApplyTaskMutation(ctx, del); err != nil || applied {
		t.Errorf("duplicate delete: applied=%v err=%v", applied, err)
	}
}

func testTaskRequestLifecycle(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	req, err := s.UpsertTask(ctx, &store.Task{
		OwnerID:     "bob",
		CreatedBy:   "alice",
		Title:       "Buy milk",
		RequestNote: "the oat kind",
		Status:      store.TaskStatusPendingAcceptance,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.AcceptTaskRequest(ctx, "nope", "bob"); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("accept unknown task: got %v, want ErrTaskNotFound", err)
	}
	if _, err := s.AcceptTaskRequest(ctx, req.ID, "alice"); !errors.Is(err, store.ErrNotOwner) {
		t.Errorf("accept by requester: got %v, want ErrNotOwner", err)
	}

	accepted, err := s.AcceptTaskRequest(ctx, req.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if accepted.Status != store.TaskStatusPending {
		t.Errorf("status = %s, want pending", accepted.Status)
	}

	// Once resolved, the request cannot be accepted or declined again.
	if _, err := s.DeclineTaskRequest(ctx, req.ID, "bob"); !errors.Is(err, store.ErrNotOwner) {
		t.Errorf("decline resolved request: got %v, want ErrNotOwner", err)
	}

	// Decline path: tombstoned and hidden from the owner's list.
	req2, err := s.UpsertTask(ctx, &store.Task{
		OwnerID:   "bob",
		CreatedBy: "alice",
		Title:     "Clean gutters",
		Status:    store.TaskStatusPendingAcceptance,
	})
	if err != nil {
		t.Fatal(err)
	}
	declined, err := s.DeclineTaskRequest(ctx, req2.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if declined.Status != store.TaskStatusDeclined {
		t.Errorf("status = %s, want declined", declined.Status)
	}

	tasks, err := s.ListTasks(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if task.ID == req2.ID {
			t.Error("declined task still listed")
		}
	}
}

func testChangesAndSnapshot(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	t1, err := s.UpsertTask(ctx, &store.Task{
		OwnerID: "bob", CreatedBy: "bob", Title: "One", Status: store.TaskStatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertTask(ctx, &store.Task{
		OwnerID: "carol", CreatedBy: "carol", Title: "Unrelated", Status: store.TaskStatusPending,
	}); err != nil {
		t.Fatal(err)
	}

	events, err := s.Changes(ctx, "bob", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events for bob, want 1", len(events))
	}
	if events[0].EntityID != t1.ID || events[0].Op != store.OpUpsert {
		t.Errorf("unexpected event %+v", events[0])
	}

	// Events created by the watcher are visible too (cross-account requests).
	if _, err := s.UpsertTask(ctx, &store.Task{
		OwnerID: "carol", CreatedBy: "bob", Title: "For carol", Status: store.TaskStatusPendingAcceptance,
	}); err != nil {
		t.Fatal(err)
	}
	events, err = s.Changes(ctx, "bob", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Seq >= events[1].Seq {
		t.Error("events not in sequence order")
	}

	// Resuming after the last seq yields nothing.
	tail, err := s.Changes(ctx, "bob", events[1].Seq)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 0 {
		t.Errorf("got %d events after tail, want 0", len(tail))
	}

	// Snapshot carries declined tasks as deletes so replays converge.
	req, err := s.UpsertTask(ctx, &store.Task{
		OwnerID: "bob", CreatedBy: "carol", Title: "Nope", Status: store.TaskStatusPendingAcceptance,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.DeclineTaskRequest(ctx, req.ID, "bob"); err != nil {
		t.Fatal(err)
	}

	snap, err := s.Snapshot(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	var sawDeclineDelete bool
	for _, ev := range snap {
		if ev.EntityID == req.ID {
			if ev.Op != store.OpDelete {
				t.Errorf("declined task in snapshot as %s, want delete", ev.Op)
			}
			sawDeclineDelete = true
		}
	}
	if !sawDeclineDelete {
		t.Error("declined task missing from snapshot")
	}
}

func testWatch(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	ch, cancel := s.Watch("bob")
	defer cancel()

	created, err := s.UpsertTask(ctx, &store.Task{
		OwnerID: "bob", CreatedBy: "bob", Title: "Live", Status: store.TaskStatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.EntityID != created.ID {
			t.Errorf("watched event for %s, want %s", ev.EntityID, created.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered to watcher")
	}

	// Unrelated entities do not reach this watcher.
	if _, err := s.UpsertTask(ctx, &store.Task{
		OwnerID: "carol", CreatedBy: "carol", Title: "Other", Status: store.TaskStatusPending,
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected event %+v for unrelated entity", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func testOfflineQueue(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	q, ok := s.(store.OfflineQueue)
	if !ok {
		t.Skipf("driver %s does not implement OfflineQueue", s.Name())
	}

	for _, title := range []string{"first", "second", "third"} {
		err := q.Enqueue(ctx, &store.OfflineQueueEntry{
			EntityID: "t-" + title,
			Op:       store.OpUpsert,
			Payload:  []byte(`{}`),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	entries, err := q.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].EntityID != "t-first" || entries[2].EntityID != "t-third" {
		t.Errorf("queue not FIFO: %s ... %s", entries[0].EntityID, entries[2].EntityID)
	}

	if err := q.IncrementRetry(ctx, entries[0].LocalMutationID); err != nil {
		t.Fatal(err)
	}
	entries, err = q.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", entries[0].RetryCount)
	}

	if err := q.Remove(ctx, entries[0].LocalMutationID); err != nil {
		t.Fatal(err)
	}
	entries, err = q.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].EntityID != "t-second" {
		t.Errorf("unexpected queue after remove: %d entries", len(entries))
	}
}
