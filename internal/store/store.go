// Package store provides persistence primitives and driver abstractions for
// the partner sync core. Drivers are the only layer allowed to enforce the
// cardinality invariants (one pending invite per creator, one active
// partnership per user); callers never second-guess them.
package store

import (
	"context"
	"errors"
	"time"
)

// Common errors for store operations. Drivers map their engine-specific
// failures (gorm.ErrRecordNotFound, unique constraint violations) onto these
// sentinels so callers can classify without knowing the backend.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")

	// Invite errors.
	ErrInviteNotFound = errors.New("invite code not found")
	ErrInviteExpired  = errors.New("invite expired")
	ErrSelfInvite     = errors.New("cannot accept own invite")

	// Partnership errors.
	ErrAlreadyPartnered = errors.New("user already has an active partnership")
	ErrNoPartnership    = errors.New("no active partnership")

	// Task errors.
	ErrTaskNotFound = errors.New("task not found")
	ErrNotOwner     = errors.New("task not owned by caller or not awaiting acceptance")

	// ErrInvalidMutation marks a queued mutation that can never succeed
	// (missing or undecodable payload). Terminal: replay must drop it.
	ErrInvalidMutation = errors.New("invalid queued mutation")
)

// Driver defines the interface for a persistence backend.
// Implementations must be safe for concurrent use.
type Driver interface {
	// Init initializes the driver (create tables, indexes, etc).
	Init(ctx context.Context) error

	// Close releases resources held by the driver.
	Close() error

	// Name returns the driver name (sqlite, memory).
	Name() string
}

// InviteStore defines the transactional invite operations. CreateInvite and
// AcceptInvite must execute atomically against concurrent callers; the
// resolution order of AcceptInvite's checks is part of the contract (see
// the sqlite driver).
type InviteStore interface {
	// CreateInvite returns the creator's existing pending invite unchanged,
	// or persists a fresh one with a 7-day expiry. Fails with
	// ErrAlreadyPartnered if the creator has an active partnership.
	CreateInvite(ctx context.Context, creatorID string) (*Invite, error)

	// GetInvite looks up an invite by code. Returns ErrInviteNotFound if absent.
	GetInvite(ctx context.Context, code string) (*Invite, error)

	// MarkInviteExpired flips a pending invite to expired. No-op on any
	// other status.
	MarkInviteExpired(ctx context.Context, code string) error

	// AcceptInvite atomically redeems a pending invite and creates the
	// partnership. Exactly one concurrent caller can succeed per code.
	AcceptInvite(ctx context.Context, code, acceptorID string) (*Partnership, error)

	// CancelInvite transitions the creator's pending invite to cancelled.
	// No-op if none exists.
	CancelInvite(ctx context.Context, creatorID string) error
}

// PartnershipStore defines partnership queries and dissolution.
type PartnershipStore interface {
	// GetPartnership returns the user's active partnership, or ErrNoPartnership.
	GetPartnership(ctx context.Context, userID string) (*Partnership, error)

	// DissolvePartnership flips the user's active partnership to dissolved.
	// Records are never deleted. A second concurrent caller observes
	// ErrNoPartnership.
	DissolvePartnership(ctx context.Context, userID string) (*Partnership, error)
}

// TaskStore defines task persistence. UpdatedAt is always store-assigned and
// is the single source of truth for last-write-wins comparisons.
type TaskStore interface {
	// UpsertTask creates or overwrites a task. The store assigns UpdatedAt
	// from its own clock, kept strictly increasing per entity.
	UpsertTask(ctx context.Context, t *Task) (*Task, error)

	// ApplyTaskMutation replays a queued offline mutation. The mutation is
	// applied only if its client-recorded MutatedAt is later than the row's
	// current store-assigned UpdatedAt; otherwise it is silently discarded
	// (applied=false, no error).
	ApplyTaskMutation(ctx context.Context, m *TaskMutation) (task *Task, applied bool, err error)

	// GetTask looks up a task by id. Returns ErrTaskNotFound if absent.
	GetTask(ctx context.Context, id string) (*Task, error)

	// ListTasks returns the user's visible tasks (declined tombstones are
	// filtered out), ordered by creation time.
	ListTasks(ctx context.Context, ownerID string) ([]*Task, error)

	// AcceptTaskRequest transitions a pending_acceptance task owned by
	// ownerID to pending. Fails with ErrTaskNotFound or ErrNotOwner.
	AcceptTaskRequest(ctx context.Context, taskID, ownerID string) (*Task, error)

	// DeclineTaskRequest tombstones a pending_acceptance task as declined
	// and emits a delete change event so it disappears from both partners'
	// views. Same preconditions as AcceptTaskRequest.
	DeclineTaskRequest(ctx context.Context, taskID, ownerID string) (*Task, error)
}

// ChangeLog exposes the per-partnership change stream. Every mutation a
// driver commits appends a ChangeEvent in the same transaction, with a
// store-assigned, monotonically increasing sequence number.
type ChangeLog interface {
	// Changes returns events after the given sequence where watchID is the
	// entity owner or creator, in sequence order.
	Changes(ctx context.Context, watchID string, afterSeq int64) ([]*ChangeEvent, error)

	// Snapshot synthesizes the current state of watchID's visible entities
	// as upsert events (plus delete events for tombstones), suitable for
	// replay through the same apply path as live events.
	Snapshot(ctx context.Context, watchID string) ([]*ChangeEvent, error)

	// Watch returns a live feed of events where watchID is the entity owner
	// or creator. The returned cancel func must be called to release the
	// subscription. Slow consumers may miss events; a Snapshot replay
	// reconverges them.
	Watch(watchID string) (<-chan *ChangeEvent, func())
}

// OfflineQueue is the device-local durable log of mutations awaiting a
// confirmed remote commit. Entries drain in FIFO append order.
type OfflineQueue interface {
	Enqueue(ctx context.Context, e *OfflineQueueEntry) error
	List(ctx context.Context) ([]*OfflineQueueEntry, error)
	Remove(ctx context.Context, localMutationID string) error
	IncrementRetry(ctx context.Context, localMutationID string) error
}

// Store aggregates everything a server-side driver implements.
type Store interface {
	Driver
	InviteStore
	PartnershipStore
	TaskStore
	ChangeLog
}

// InviteTTL is the lifetime of a freshly created invite.
const InviteTTL = 7 * 24 * time.Hour
