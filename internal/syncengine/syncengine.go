// Package syncengine keeps a local read cache of the partner-visible entities
// eventually consistent with the remote store, across network interruptions.
//
// The engine is a single-writer actor: one goroutine owns the cache, and every
// input (remote change events, local optimistic writes, flush and resync
// triggers, snapshot reads) arrives through its inbox. Nothing else ever
// touches the cache, so no locks guard it.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tandemlist/tandem-go/internal/platform/logutil"
	"github.com/tandemlist/tandem-go/internal/store"
)

// Remote is the slice of the remote store the engine consumes.
type Remote interface {
	// ApplyTaskMutation replays a local mutation against the source of
	// truth; the store's own timestamp comparison decides the outcome.
	ApplyTaskMutation(ctx context.Context, m *store.TaskMutation) (*store.Task, bool, error)

	// Snapshot returns the current state of the watcher's visible entities
	// as replayable change events.
	Snapshot(ctx context.Context, watchID string) ([]*store.ChangeEvent, error)

	// Watch opens the live change feed.
	Watch(watchID string) (<-chan *store.ChangeEvent, func())
}

// entry is one cached entity. Deleted entries stay as tombstones so a stale
// upsert arriving after the delete cannot resurrect the entity.
type entry struct {
	task      *store.Task
	updatedAt time.Time
	deleted   bool

	// optimistic entries carry a device-clock timestamp that must never
	// outrank the store's: any store-stamped event supersedes them, no
	// matter how the two timestamps compare.
	optimistic bool
}

// Engine synchronizes one user's view of the shared list.
type Engine struct {
	remote Remote
	queue  store.OfflineQueue
	userID string
	log    *slog.Logger

	calls    chan func()
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	// Actor-owned state below; touched only from the run loop.
	cache      map[string]*entry
	partnered  bool
	subCancel  func()
	subDone    chan struct{}
	generation int
}

// New creates a sync engine for userID. queue is the device-local durable
// offline queue; log may be nil.
func New(remote Remote, queue store.OfflineQueue, userID string, log *slog.Logger) *Engine {
	e := &Engine{
		remote: remote,
		queue:  queue,
		userID: userID,
		log:    logutil.NoopIfNil(log).With("user_id", userID),
		calls:  make(chan func(), 16),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		cache:  make(map[string]*entry),
	}
	go e.run()
	return e
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case fn := <-e.calls:
			fn()
		case <-e.quit:
			if e.subCancel != nil {
				e.subCancel()
				<-e.subDone
			}
			return
		}
	}
}

// call runs fn on the actor goroutine and waits for it to finish.
func (e *Engine) call(fn func()) error {
	doneCh := make(chan struct{})
	select {
	case e.calls <- func() { fn(); close(doneCh) }:
	case <-e.quit:
		return store.ErrClosed
	}
	select {
	case <-doneCh:
		return nil
	case <-e.quit:
		return store.ErrClosed
	}
}

// post runs fn on the actor goroutine without waiting.
func (e *Engine) post(fn func()) {
	select {
	case e.calls <- fn:
	case <-e.quit:
	}
}

// Close tears the actor and any live subscription down.
func (e *Engine) Close() {
	e.quitOnce.Do(func() { close(e.quit) })
	<-e.done
}

// Subscribe opens the live change feed and reconciles the cache against a
// one-time remote snapshot, replayed through the same apply path as live
// events. Queued offline mutations are flushed first so the snapshot already
// reflects them. Call it again after a reconnect or a partner change; the
// previous subscription is torn down.
func (e *Engine) Subscribe(ctx context.Context) error {
	if err := e.FlushQueue(ctx); err != nil {
		return err
	}

	var outErr error
	err := e.call(func() {
		e.teardownSub()

		// Watch before the snapshot read so no event falls in the gap;
		// anything double-delivered is absorbed by idempotent applies.
		feed, cancel := e.remote.Watch(e.userID)

		snap, err := e.remote.Snapshot(ctx, e.userID)
		if err != nil {
			cancel()
			outErr = fmt.Errorf("snapshot reconciliation: %w", err)
			return
		}
		for _, ev := range snap {
			e.apply(ev)
		}

		e.generation++
		gen := e.generation
		subDone := make(chan struct{})
		e.subCancel = cancel
		e.subDone = subDone

		go func() {
			defer close(subDone)
			for ev := range feed {
				ev := ev
				e.post(func() {
					// A stale forwarder may race its own teardown.
					if e.generation == gen {
						e.apply(ev)
					}
				})
			}
		}()
	})
	if err != nil {
		return err
	}
	if outErr != nil {
		return outErr
	}
	e.log.Debug("subscribed to change feed")
	return nil
}

// teardownSub cancels the live feed. It must not wait for the forwarder:
// the forwarder may be blocked posting into the inbox this very call is
// draining, and it exits on its own once the cancelled feed closes. Posts it
// already made are ignored via the generation check.
func (e *Engine) teardownSub() {
	if e.subCancel != nil {
		e.subCancel()
		e.subCancel = nil
	}
}

// ApplyRemote applies one change event to the cache. Exported for callers
// that transport events themselves; live feed events take the same path.
func (e *Engine) ApplyRemote(ev *store.ChangeEvent) error {
	return e.call(func() { e.apply(ev) })
}

// apply is the single merge point for every event source: live feed, snapshot
// replay, optimistic local writes. Idempotent; equal-or-newer local state
// wins, so duplicate and out-of-order delivery are both safe.
func (e *Engine) apply(ev *store.ChangeEvent) {
	switch ev.EntityType {
	case store.EntityPartnership:
		e.applyPartnership(ev)
		return
	case store.EntityTask:
	default:
		e.log.Warn("ignoring event for unknown entity type",
			"entity_type", ev.EntityType, "seq", ev.Seq)
		return
	}

	// Timestamps are only comparable between store-stamped entries; an
	// optimistic entry holds the device clock and loses to any event here.
	cur, ok := e.cache[ev.EntityID]
	if ok && !cur.optimistic && !ev.UpdatedAt.After(cur.updatedAt) {
		return
	}

	if ev.Op == store.OpDelete {
		e.cache[ev.EntityID] = &entry{updatedAt: ev.UpdatedAt, deleted: true}
		return
	}

	task, err := ev.TaskPayload()
	if err != nil {
		e.log.Warn("dropping undecodable change event", "seq", ev.Seq, "error", err)
		return
	}
	e.cache[ev.EntityID] = &entry{task: task, updatedAt: ev.UpdatedAt}
}

func (e *Engine) applyPartnership(ev *store.ChangeEvent) {
	if ev.Op == store.OpDelete {
		if e.partnered {
			e.partnered = false
			e.log.Info("partnership dissolved, tearing down subscription")
			e.teardownSub()
		}
		return
	}
	e.partnered = true
}

// Partnered reports whether the cache currently holds an active partnership.
func (e *Engine) Partnered() bool {
	var out bool
	e.call(func() { out = e.partnered })
	return out
}

// EnqueueLocal records a local mutation that could not be confirmed durable:
// it is appended to the offline queue and applied to the cache optimistically
// so the UI reflects it immediately. FlushQueue replays it once connectivity
// returns.
func (e *Engine) EnqueueLocal(ctx context.Context, m *store.TaskMutation) error {
	if m.Op == store.OpUpsert && m.Task == nil {
		return store.ErrInvalidMutation
	}
	if m.MutatedAt.IsZero() {
		m.MutatedAt = time.Now()
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode mutation: %w", err)
	}

	var qerr error
	callErr := e.call(func() {
		qerr = e.queue.Enqueue(ctx, &store.OfflineQueueEntry{
			EntityID: m.EntityID,
			Op:       m.Op,
			Payload:  payload,
		})
		if qerr != nil {
			return
		}

		e.applyOptimistic(m)
	})
	if callErr != nil {
		return callErr
	}
	return qerr
}

// applyOptimistic overlays a local, unconfirmed mutation on the cache so the
// UI reflects it immediately. The entry keeps the device timestamp for
// display only; apply replaces it with the store's verdict as soon as a
// stamped event arrives.
func (e *Engine) applyOptimistic(m *store.TaskMutation) {
	if m.Op == store.OpDelete {
		e.cache[m.EntityID] = &entry{updatedAt: m.MutatedAt, deleted: true, optimistic: true}
		return
	}
	snapshot := *m.Task
	snapshot.ID = m.EntityID
	snapshot.UpdatedAt = m.MutatedAt
	e.cache[m.EntityID] = &entry{task: &snapshot, updatedAt: m.MutatedAt, optimistic: true}
}

// flushBackoff builds the retry policy for one queued mutation.
func flushBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

// maxFlushTries bounds transient retries per entry within one flush pass;
// the entry stays queued for the next reconnect when they are exhausted.
const maxFlushTries = 5

// FlushQueue replays queued mutations in FIFO order against the remote
// store. The store's timestamp comparison decides each final state. Entries
// that commit (or lose last-write-wins cleanly) are removed; terminal
// failures are dropped with a logged discard; transient failures abort the
// flush and leave the remainder queued.
func (e *Engine) FlushQueue(ctx context.Context) error {
	entries, err := e.queue.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list offline queue: %w", err)
	}

	for _, qe := range entries {
		if err := e.flushEntry(ctx, qe); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) flushEntry(ctx context.Context, qe *store.OfflineQueueEntry) error {
	m, err := qe.Mutation()
	if err != nil {
		// Undecodable entries can never succeed; discard.
		e.discard(ctx, qe, err)
		return nil
	}

	op := func() (*store.ChangeEvent, error) {
		task, applied, err := e.remote.ApplyTaskMutation(ctx, m)
		if err != nil {
			if isTerminal(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if !applied {
			// Lost last-write-wins; the authoritative state arrives via
			// the feed or the next snapshot.
			return nil, nil
		}
		if m.Op == store.OpDelete {
			// No store-stamped payload comes back for a delete; the
			// optimistic tombstone stands until the feed or the next
			// snapshot delivers the authoritative delete event.
			return nil, nil
		}
		return store.NewTaskEvent(store.OpUpsert, task)
	}

	ev, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(flushBackoff()),
		backoff.WithMaxTries(maxFlushTries),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			e.discard(ctx, qe, perm.Unwrap())
			return nil
		}
		// Transient exhaustion: keep the entry for the next reconnect.
		if ierr := e.queue.IncrementRetry(ctx, qe.LocalMutationID); ierr != nil {
			e.log.Warn("failed to bump retry count",
				"local_mutation_id", qe.LocalMutationID, "error", ierr)
		}
		return fmt.Errorf("flush of %s: %w", qe.LocalMutationID, err)
	}

	if err := e.queue.Remove(ctx, qe.LocalMutationID); err != nil {
		return fmt.Errorf("failed to remove flushed entry %s: %w", qe.LocalMutationID, err)
	}
	if ev != nil {
		e.call(func() { e.apply(ev) })
	}
	return nil
}

// discard drops a queue entry that can never be applied. Surfaced once in the
// log rather than retried forever.
func (e *Engine) discard(ctx context.Context, qe *store.OfflineQueueEntry, cause error) {
	e.log.Warn("discarding unreplayable mutation",
		"local_mutation_id", qe.LocalMutationID,
		"entity_id", qe.EntityID,
		"retry_count", qe.RetryCount,
		"error", cause)
	if err := e.queue.Remove(ctx, qe.LocalMutationID); err != nil {
		e.log.Warn("failed to remove discarded entry",
			"local_mutation_id", qe.LocalMutationID, "error", err)
	}
}

// isTerminal reports whether a replay error can never succeed on retry.
func isTerminal(err error) bool {
	return errors.Is(err, store.ErrInvalidMutation) ||
		errors.Is(err, store.ErrTaskNotFound) ||
		errors.Is(err, store.ErrNotOwner)
}

// Snapshot returns a point-in-time copy of the cached tasks, tombstones
// excluded, oldest first. Safe for UI reads; the returned tasks are copies.
func (e *Engine) Snapshot() []*store.Task {
	var out []*store.Task
	e.call(func() {
		for _, ent := range e.cache {
			if ent.deleted {
				continue
			}
			cp := *ent.task
			out = append(out, &cp)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns the cached task by id, or false if absent or tombstoned.
func (e *Engine) Get(id string) (*store.Task, bool) {
	var (
		out *store.Task
		ok  bool
	)
	e.call(func() {
		if ent, found := e.cache[id]; found && !ent.deleted {
			cp := *ent.task
			out, ok = &cp, true
		}
	})
	return out, ok
}
