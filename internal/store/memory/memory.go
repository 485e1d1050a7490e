// Package memory implements an in-memory store driver with the same
// semantics as the sqlite driver. Used by tests and dev mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandemlist/tandem-go/internal/store"
)

func init() {
	store.Register("memory", func(cfg *store.DriverConfig) (store.Store, error) {
		return New(), nil
	})
}

// Driver is an in-memory implementation of store.Store and
// store.OfflineQueue. A single mutex serializes all mutations, which gives
// the same one-writer-at-a-time guarantees the sqlite driver gets from
// immediate transactions.
type Driver struct {
	mu           sync.RWMutex
	invites      map[string]*store.Invite      // code -> invite
	partnerships map[string]*store.Partnership // id -> partnership
	tasks        map[string]*store.Task        // id -> task
	events       []*store.ChangeEvent
	queue        []*store.OfflineQueueEntry
	nextSeq      int64
	broker       *store.Broker
	closed       bool

	// NowFunc is the driver clock; override in tests.
	NowFunc func() time.Time
}

// New creates an empty in-memory driver.
func New() *Driver {
	return &Driver{
		invites:      make(map[string]*store.Invite),
		partnerships: make(map[string]*store.Partnership),
		tasks:        make(map[string]*store.Task),
		broker:       store.NewBroker(),
		NowFunc:      time.Now,
	}
}

// Name returns the driver name.
func (d *Driver) Name() string { return "memory" }

// SetNowFunc overrides the driver clock. Intended for tests.
func (d *Driver) SetNowFunc(f func() time.Time) { d.NowFunc = f }

// Init is a no-op for the memory driver.
func (d *Driver) Init(ctx context.Context) error { return nil }

// Close releases watcher subscriptions.
func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.broker.Close()
	return nil
}

func (d *Driver) now() time.Time { return d.NowFunc() }

// appendEventLocked assigns the next sequence and records the event.
// Caller holds d.mu; the returned event is published after unlock.
func (d *Driver) appendEventLocked(ev *store.ChangeEvent) *store.ChangeEvent {
	d.nextSeq++
	ev.Seq = d.nextSeq
	d.events = append(d.events, ev)
	return ev
}

func (d *Driver) activePartnershipLocked(userID string) *store.Partnership {
	for _, p := range d.partnerships {
		if p.Status == store.PartnershipStatusActive && (p.UserA == userID || p.UserB == userID) {
			return p
		}
	}
	return nil
}

func (d *Driver) pendingInviteLocked(creatorID string) *store.Invite {
	for _, inv := range d.invites {
		if inv.CreatorID == creatorID && inv.Status == store.InviteStatusPending {
			return inv
		}
	}
	return nil
}

// InviteStore implementation

func (d *Driver) CreateInvite(ctx context.Context, creatorID string) (*store.Invite, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, store.ErrClosed
	}
	if d.activePartnershipLocked(creatorID) != nil {
		return nil, store.ErrAlreadyPartnered
	}

	now := d.now()
	if existing := d.pendingInviteLocked(creatorID); existing != nil {
		if !existing.Expired(now) {
			cp := *existing
			return &cp, nil
		}
		existing.Status = store.InviteStatusExpired
	}

	code, err := store.NewInviteCode()
	if err != nil {
		return nil, err
	}
	inv := &store.Invite{
		Code:      code,
		CreatorID: creatorID,
		CreatedAt: now,
		ExpiresAt: now.Add(store.InviteTTL),
		Status:    store.InviteStatusPending,
	}
	d.invites[code] = inv
	cp := *inv
	return &cp, nil
}

func (d *Driver) GetInvite(ctx context.Context, code string) (*store.Invite, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	inv, ok := d.invites[code]
	if !ok {
		return nil, store.ErrInviteNotFound
	}
	cp := *inv
	return &cp, nil
}

func (d *Driver) MarkInviteExpired(ctx context.Context, code string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if inv, ok := d.invites[code]; ok && inv.Status == store.InviteStatusPending {
		inv.Status = store.InviteStatusExpired
	}
	return nil
}

func (d *Driver) AcceptInvite(ctx context.Context, code, acceptorID string) (*store.Partnership, error) {
	d.mu.Lock()

	inv, ok := d.invites[code]
	if !ok {
		d.mu.Unlock()
		return nil, store.ErrInviteNotFound
	}

	now := d.now()

	if inv.Status != store.InviteStatusPending {
		d.mu.Unlock()
		return nil, store.ErrInviteExpired
	}
	if inv.Expired(now) {
		inv.Status = store.InviteStatusExpired
		d.mu.Unlock()
		return nil, store.ErrInviteExpired
	}
	if inv.CreatorID == acceptorID {
		d.mu.Unlock()
		return nil, store.ErrSelfInvite
	}
	if d.activePartnershipLocked(acceptorID) != nil {
		d.mu.Unlock()
		return nil, store.ErrAlreadyPartnered
	}
	if d.activePartnershipLocked(inv.CreatorID) != nil {
		// Stale invite: the creator paired with someone else meanwhile.
		inv.Status = store.InviteStatusCancelled
		d.mu.Unlock()
		return nil, store.ErrAlreadyPartnered
	}

	userA, userB := store.CanonicalPair(inv.CreatorID, acceptorID)
	p := &store.Partnership{
		ID:        uuid.New().String(),
		UserA:     userA,
		UserB:     userB,
		CreatedAt: now,
		Status:    store.PartnershipStatusActive,
	}
	d.partnerships[p.ID] = p

	inv.Status = store.InviteStatusAccepted
	acceptor := acceptorID
	inv.AcceptedBy = &acceptor
	acceptedAt := now
	inv.AcceptedAt = &acceptedAt

	ev, err := store.NewPartnershipEvent(store.OpUpsert, p)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	ev = d.appendEventLocked(ev)
	cp := *p
	d.mu.Unlock()

	d.broker.Publish(ev)
	return &cp, nil
}

func (d *Driver) CancelInvite(ctx context.Context, creatorID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if inv := d.pendingInviteLocked(creatorID); inv != nil {
		inv.Status = store.InviteStatusCancelled
	}
	return nil
}

// PartnershipStore implementation

func (d *Driver) GetPartnership(ctx context.Context, userID string) (*store.Partnership, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p := d.activePartnershipLocked(userID)
	if p == nil {
		return nil, store.ErrNoPartnership
	}
	cp := *p
	return &cp, nil
}

func (d *Driver) DissolvePartnership(ctx context.Context, userID string) (*store.Partnership, error) {
	d.mu.Lock()

	p := d.activePartnershipLocked(userID)
	if p == nil {
		d.mu.Unlock()
		return nil, store.ErrNoPartnership
	}

	now := d.now()
	p.Status = store.PartnershipStatusDissolved
	p.DissolvedAt = &now

	ev, err := store.NewPartnershipEvent(store.OpDelete, p)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	ev = d.appendEventLocked(ev)
	cp := *p
	d.mu.Unlock()

	d.broker.Publish(ev)
	return &cp, nil
}

// TaskStore implementation

func nextTimestamp(now, prev time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Millisecond)
}

func (d *Driver) UpsertTask(ctx context.Context, t *store.Task) (*store.Task, error) {
	d.mu.Lock()

	saved := *t
	if saved.ID == "" {
		saved.ID = uuid.New().String()
	}

	now := d.now()
	if cur, ok := d.tasks[saved.ID]; ok {
		saved.CreatedAt = cur.CreatedAt
		saved.UpdatedAt = nextTimestamp(now, cur.UpdatedAt)
	} else {
		if saved.CreatedAt.IsZero() {
			saved.CreatedAt = now
		}
		saved.UpdatedAt = now
	}
	d.tasks[saved.ID] = &saved

	ev, err := store.NewTaskEvent(store.OpUpsert, &saved)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	ev = d.appendEventLocked(ev)
	cp := saved
	d.mu.Unlock()

	d.broker.Publish(ev)
	return &cp, nil
}

func (d *Driver) ApplyTaskMutation(ctx context.Context, m *store.TaskMutation) (*store.Task, bool, error) {
	if m.Op == store.OpUpsert && m.Task == nil {
		return nil, false, store.ErrInvalidMutation
	}

	d.mu.Lock()

	now := d.now()
	cur, exists := d.tasks[m.EntityID]

	if m.Op == store.OpDelete {
		if !exists || !m.MutatedAt.After(cur.UpdatedAt) {
			d.mu.Unlock()
			return nil, false, nil
		}
		tomb := *cur
		tomb.UpdatedAt = nextTimestamp(now, cur.UpdatedAt)
		delete(d.tasks, m.EntityID)
		ev, err := store.NewTaskEvent(store.OpDelete, &tomb)
		if err != nil {
			d.mu.Unlock()
			return nil, false, err
		}
		ev = d.appendEventLocked(ev)
		d.mu.Unlock()

		d.broker.Publish(ev)
		return nil, true, nil
	}

	saved := *m.Task
	saved.ID = m.EntityID
	if exists {
		if !m.MutatedAt.After(cur.UpdatedAt) {
			cp := *cur
			d.mu.Unlock()
			return &cp, false, nil
		}
		saved.CreatedAt = cur.CreatedAt
		saved.UpdatedAt = nextTimestamp(now, cur.UpdatedAt)
	} else {
		if saved.CreatedAt.IsZero() {
			saved.CreatedAt = m.MutatedAt
		}
		saved.UpdatedAt = now
	}
	d.tasks[saved.ID] = &saved

	ev, err := store.NewTaskEvent(store.OpUpsert, &saved)
	if err != nil {
		d.mu.Unlock()
		return nil, false, err
	}
	ev = d.appendEventLocked(ev)
	cp := saved
	d.mu.Unlock()

	d.broker.Publish(ev)
	return &cp, true, nil
}

func (d *Driver) GetTask(ctx context.Context, id string) (*store.Task, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (d *Driver) ListTasks(ctx context.Context, ownerID string) ([]*store.Task, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var tasks []*store.Task
	for _, t := range d.tasks {
		if t.OwnerID == ownerID && t.Status != store.TaskStatusDeclined {
			cp := *t
			tasks = append(tasks, &cp)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (d *Driver) AcceptTaskRequest(ctx context.Context, taskID, ownerID string) (*store.Task, error) {
	return d.resolveTaskRequest(ctx, taskID, ownerID, true)
}

func (d *Driver) DeclineTaskRequest(ctx context.Context, taskID, ownerID string) (*store.Task, error) {
	return d.resolveTaskRequest(ctx, taskID, ownerID, false)
}

func (d *Driver) resolveTaskRequest(ctx context.Context, taskID, ownerID string, accept bool) (*store.Task, error) {
	d.mu.Lock()

	t, ok := d.tasks[taskID]
	if !ok {
		d.mu.Unlock()
		return nil, store.ErrTaskNotFound
	}
	if t.OwnerID != ownerID || t.Status != store.TaskStatusPendingAcceptance {
		d.mu.Unlock()
		return nil, store.ErrNotOwner
	}

	t.UpdatedAt = nextTimestamp(d.now(), t.UpdatedAt)
	op := store.OpUpsert
	if accept {
		t.Status = store.TaskStatusPending
	} else {
		t.Status = store.TaskStatusDeclined
		op = store.OpDelete
	}

	ev, err := store.NewTaskEvent(op, t)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	ev = d.appendEventLocked(ev)
	cp := *t
	d.mu.Unlock()

	d.broker.Publish(ev)
	return &cp, nil
}

// ChangeLog implementation

func (d *Driver) Changes(ctx context.Context, watchID string, afterSeq int64) ([]*store.ChangeEvent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*store.ChangeEvent
	for _, ev := range d.events {
		if ev.Seq > afterSeq && (ev.OwnerID == watchID || ev.CreatedBy == watchID) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (d *Driver) Snapshot(ctx context.Context, watchID string) ([]*store.ChangeEvent, error) {
	d.mu.RLock()

	maxSeq := d.nextSeq

	var tasks []*store.Task
	for _, t := range d.tasks {
		if t.OwnerID == watchID || t.CreatedBy == watchID {
			cp := *t
			tasks = append(tasks, &cp)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	p := d.activePartnershipLocked(watchID)
	var pcp *store.Partnership
	if p != nil {
		cp := *p
		pcp = &cp
	}
	d.mu.RUnlock()

	events := make([]*store.ChangeEvent, 0, len(tasks)+1)
	for _, t := range tasks {
		op := store.OpUpsert
		if t.Status == store.TaskStatusDeclined {
			op = store.OpDelete
		}
		ev, err := store.NewTaskEvent(op, t)
		if err != nil {
			return nil, err
		}
		ev.Seq = maxSeq
		events = append(events, ev)
	}
	if pcp != nil {
		ev, err := store.NewPartnershipEvent(store.OpUpsert, pcp)
		if err != nil {
			return nil, err
		}
		ev.Seq = maxSeq
		events = append(events, ev)
	}
	return events, nil
}

func (d *Driver) Watch(watchID string) (<-chan *store.ChangeEvent, func()) {
	return d.broker.Subscribe(watchID)
}

// OfflineQueue implementation

func (d *Driver) Enqueue(ctx context.Context, e *store.OfflineQueueEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cp := *e
	if cp.LocalMutationID == "" {
		cp.LocalMutationID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = d.now()
	}
	e.LocalMutationID = cp.LocalMutationID
	e.CreatedAt = cp.CreatedAt
	d.queue = append(d.queue, &cp)
	return nil
}

func (d *Driver) List(ctx context.Context) ([]*store.OfflineQueueEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*store.OfflineQueueEntry, 0, len(d.queue))
	for _, e := range d.queue {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (d *Driver) Remove(ctx context.Context, localMutationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, e := range d.queue {
		if e.LocalMutationID == localMutationID {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func (d *Driver) IncrementRetry(ctx context.Context, localMutationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range d.queue {
		if e.LocalMutationID == localMutationID {
			e.RetryCount++
			return nil
		}
	}
	return nil
}

// Compile-time interface checks
var (
	_ store.Store        = (*Driver)(nil)
	_ store.OfflineQueue = (*Driver)(nil)
)
