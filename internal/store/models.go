package store

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// InviteStatus represents the lifecycle state of an invite.
type InviteStatus string

const (
	InviteStatusPending   InviteStatus = "pending"
	InviteStatusAccepted  InviteStatus = "accepted"
	InviteStatusExpired   InviteStatus = "expired"
	InviteStatusCancelled InviteStatus = "cancelled"
)

// Valid reports whether s is a known invite status.
func (s InviteStatus) Valid() bool {
	switch s {
	case InviteStatusPending, InviteStatusAccepted, InviteStatusExpired, InviteStatusCancelled:
		return true
	}
	return false
}

// PartnershipStatus represents the lifecycle state of a partnership.
type PartnershipStatus string

const (
	PartnershipStatusActive    PartnershipStatus = "active"
	PartnershipStatusDissolved PartnershipStatus = "dissolved"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusPendingAcceptance marks a task requested by the partner and
	// not yet accepted or declined by its owner.
	TaskStatusPendingAcceptance TaskStatus = "pending_acceptance"

	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"

	// TaskStatusDeclined is a tombstone; declined tasks never appear as
	// active tasks for either party.
	TaskStatusDeclined TaskStatus = "declined"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPendingAcceptance, TaskStatusPending, TaskStatusInProgress,
		TaskStatusCompleted, TaskStatusDeclined:
		return true
	}
	return false
}

// Invite is a single-use, time-limited code that creates a partnership when
// redeemed. At most one pending invite exists per creator.
type Invite struct {
	Code       string       `json:"code" gorm:"primaryKey"`
	CreatorID  string       `json:"creator_id" gorm:"index"`
	CreatedAt  time.Time    `json:"created_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
	AcceptedBy *string      `json:"accepted_by,omitempty"`
	AcceptedAt *time.Time   `json:"accepted_at,omitempty"`
	Status     InviteStatus `json:"status" gorm:"index"`
}

// Expired reports whether the invite is past its expiry at the given instant.
// An invite exactly at ExpiresAt is treated as expired.
func (i *Invite) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Partnership is an active 1:1 link between two user accounts. UserA and
// UserB are stored in canonical order so the pair is unique regardless of who
// created the invite. Dissolved partnerships are kept for audit.
type Partnership struct {
	ID          string            `json:"id" gorm:"primaryKey"`
	UserA       string            `json:"user_a" gorm:"index"`
	UserB       string            `json:"user_b" gorm:"index"`
	CreatedAt   time.Time         `json:"created_at"`
	DissolvedAt *time.Time        `json:"dissolved_at,omitempty"`
	Status      PartnershipStatus `json:"status" gorm:"index"`
}

// OtherUser returns the counterpart of userID in the pair, or "" if userID is
// not a member.
func (p *Partnership) OtherUser(userID string) string {
	switch userID {
	case p.UserA:
		return p.UserB
	case p.UserB:
		return p.UserA
	}
	return ""
}

// CanonicalPair orders two user ids lexicographically on their string form.
// Partnership uniqueness depends on this ordering being stable.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Task is a shared task, optionally carrying request semantics: CreatedBy may
// differ from OwnerID when one partner requested the task for the other.
type Task struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	OwnerID     string     `json:"owner_id" gorm:"index"`
	CreatedBy   string     `json:"created_by" gorm:"index"`
	Title       string     `json:"title"`
	Note        string     `json:"note,omitempty"`
	RequestNote string     `json:"request_note,omitempty"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`

	// UpdatedAt is store-assigned and strictly increasing per task. It is
	// the only timestamp consulted for last-write-wins.
	UpdatedAt time.Time `json:"updated_at" gorm:"index"`
}

// ChangeOp is the kind of mutation a ChangeEvent describes.
type ChangeOp string

const (
	OpUpsert ChangeOp = "upsert"
	OpDelete ChangeOp = "delete"
)

// EntityType identifies the aggregate a ChangeEvent refers to.
type EntityType string

const (
	EntityTask        EntityType = "task"
	EntityPartnership EntityType = "partnership"
)

// ChangeEvent is a versioned snapshot of an entity, appended by drivers in
// the same transaction as the mutation it describes. Seq is store-assigned
// and monotonically increasing; ordering is guaranteed per entity only.
type ChangeEvent struct {
	Seq        int64      `json:"seq" gorm:"primaryKey;autoIncrement"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id" gorm:"index"`
	Op         ChangeOp   `json:"op"`

	// OwnerID and CreatedBy scope the event: a watcher sees events where it
	// is either value. Partnership events carry the two members here so
	// both partners' watchers match.
	OwnerID   string `json:"owner_id" gorm:"index"`
	CreatedBy string `json:"created_by" gorm:"index"`

	UpdatedAt time.Time `json:"updated_at"`
	Payload   []byte    `json:"payload,omitempty"`
}

// TaskPayload decodes the event payload as a task snapshot.
func (e *ChangeEvent) TaskPayload() (*Task, error) {
	if e.EntityType != EntityTask {
		return nil, fmt.Errorf("event %d is %s, not a task", e.Seq, e.EntityType)
	}
	var t Task
	if err := json.Unmarshal(e.Payload, &t); err != nil {
		return nil, fmt.Errorf("failed to decode task payload: %w", err)
	}
	return &t, nil
}

// NewTaskEvent builds an unsequenced change event from a task snapshot.
// Drivers assign Seq on append.
func NewTaskEvent(op ChangeOp, t *Task) (*ChangeEvent, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task payload: %w", err)
	}
	return &ChangeEvent{
		EntityType: EntityTask,
		EntityID:   t.ID,
		Op:         op,
		OwnerID:    t.OwnerID,
		CreatedBy:  t.CreatedBy,
		UpdatedAt:  t.UpdatedAt,
		Payload:    payload,
	}, nil
}

// NewPartnershipEvent builds an unsequenced change event from a partnership.
// The two members are carried as owner/creator so both sides' watchers match.
func NewPartnershipEvent(op ChangeOp, p *Partnership) (*ChangeEvent, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode partnership payload: %w", err)
	}
	ts := p.CreatedAt
	if p.DissolvedAt != nil {
		ts = *p.DissolvedAt
	}
	return &ChangeEvent{
		EntityType: EntityPartnership,
		EntityID:   p.ID,
		Op:         op,
		OwnerID:    p.UserA,
		CreatedBy:  p.UserB,
		UpdatedAt:  ts,
		Payload:    payload,
	}, nil
}

// TaskMutation is a queued offline mutation replayed against the store.
// MutatedAt is the client-recorded time of the local write; the store applies
// the mutation only if MutatedAt is later than the row's current UpdatedAt.
type TaskMutation struct {
	EntityID  string    `json:"entity_id"`
	Op        ChangeOp  `json:"op"`
	Task      *Task     `json:"task,omitempty"`
	MutatedAt time.Time `json:"mutated_at"`
}

// OfflineQueueEntry is a durable record of a local mutation pending a
// confirmed remote commit.
type OfflineQueueEntry struct {
	LocalMutationID string    `json:"local_mutation_id" gorm:"primaryKey"`
	EntityID        string    `json:"entity_id" gorm:"index"`
	Op              ChangeOp  `json:"op"`
	Payload         []byte    `json:"payload"`
	CreatedAt       time.Time `json:"created_at" gorm:"index"`
	RetryCount      int       `json:"retry_count"`
}

// Mutation decodes the queue entry back into the task mutation to replay.
func (e *OfflineQueueEntry) Mutation() (*TaskMutation, error) {
	var m TaskMutation
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil, fmt.Errorf("failed to decode queued mutation %s: %w", e.LocalMutationID, err)
	}
	return &m, nil
}

// inviteCodeBytes yields 22 base64url characters, within the 6-32 char
// URL-safe format shared with clients.
const inviteCodeBytes = 16

// InviteCodePattern is the wire format for invite codes. Deep-link handlers
// validate against it before hitting the store.
var InviteCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,32}$`)

// NewInviteCode generates a fresh URL-safe invite code.
func NewInviteCode() (string, error) {
	buf := make([]byte, inviteCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate invite code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
