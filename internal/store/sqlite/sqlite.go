// Package sqlite implements a SQLite-based persistence driver using GORM.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/tandemlist/tandem-go/internal/store"
)

func init() {
	store.Register("sqlite", NewDriver)
}

// Driver implements the store.Store interface using SQLite via GORM.
//
// Write transactions are opened immediately (_txlock=immediate), so every
// check-then-act sequence inside a Transaction closure is serialized against
// other writers. The partial unique indexes created in Init are the backstop
// for anything that slips past, e.g. a second process without the pragma.
type Driver struct {
	dataDir string
	opts    Options
	db      *gorm.DB
	broker  *store.Broker
	now     func() time.Time
}

// Options holds sqlite-specific settings from [store.drivers.sqlite].
type Options struct {
	// BusyTimeoutMS is how long a writer waits on a locked database.
	// Default: 5000.
	BusyTimeoutMS int `mapstructure:"busy_timeout_ms"`

	// JournalMode is the sqlite journal mode. Default: WAL.
	JournalMode string `mapstructure:"journal_mode"`
}

// NewDriver creates a new SQLite driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for sqlite driver")
	}

	opts := Options{BusyTimeoutMS: 5000, JournalMode: "WAL"}
	if cfg.Options != nil {
		if err := mapstructure.Decode(cfg.Options, &opts); err != nil {
			return nil, fmt.Errorf("invalid sqlite options: %w", err)
		}
	}

	return &Driver{
		dataDir: cfg.DataDir,
		opts:    opts,
		broker:  store.NewBroker(),
		now:     time.Now,
	}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return "sqlite"
}

// SetNowFunc overrides the driver clock. Intended for tests.
func (d *Driver) SetNowFunc(f func() time.Time) {
	d.now = f
}

// Init initializes the SQLite database, runs AutoMigrate and creates the
// partial unique indexes that carry the cardinality invariants.
func (d *Driver) Init(ctx context.Context) error {
	dbPath := filepath.Join(d.dataDir, "tandem.db")
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=%s&_txlock=immediate",
		dbPath, d.opts.BusyTimeoutMS, d.opts.JournalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	d.db = db

	// AutoMigrate creates/updates tables based on model structs
	if err := db.AutoMigrate(
		&store.Invite{},
		&store.Partnership{},
		&store.Task{},
		&store.ChangeEvent{},
		&store.OfflineQueueEntry{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Partial unique indexes: at most one pending invite per creator, at
	// most one active partnership per user (checked on both columns).
	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_invites_one_pending
			ON invites(creator_id) WHERE status = 'pending'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_partnerships_one_active_a
			ON partnerships(user_a) WHERE status = 'active'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_partnerships_one_active_b
			ON partnerships(user_b) WHERE status = 'active'`,
	}
	for _, stmt := range indexes {
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (d *Driver) Close() error {
	d.broker.Close()
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isUniqueViolation reports whether err is a SQLite unique index violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// activePartnership returns the user's active partnership within tx, or nil.
func activePartnership(tx *gorm.DB, userID string) (*store.Partnership, error) {
	var p store.Partnership
	err := tx.Where("status = ? AND (user_a = ? OR user_b = ?)",
		store.PartnershipStatusActive, userID, userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// appendEvent persists a change event inside tx; Seq is assigned on insert.
func appendEvent(tx *gorm.DB, ev *store.ChangeEvent) error {
	if err := tx.Create(ev).Error; err != nil {
		return fmt.Errorf("failed to append change event: %w", err)
	}
	return nil
}

func (d *Driver) publish(events []*store.ChangeEvent) {
	for _, ev := range events {
		d.broker.Publish(ev)
	}
}

// InviteStore implementation

// CreateInvite returns the creator's pending invite unchanged, or persists a
// fresh one. Fails with ErrAlreadyPartnered if the creator is already paired.
func (d *Driver) CreateInvite(ctx context.Context, creatorID string) (*store.Invite, error) {
	var out *store.Invite
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p, err := activePartnership(tx, creatorID); err != nil {
			return err
		} else if p != nil {
			return store.ErrAlreadyPartnered
		}

		now := d.now()

		var existing store.Invite
		err := tx.Where("creator_id = ? AND status = ?", creatorID, store.InviteStatusPending).
			First(&existing).Error
		switch {
		case err == nil:
			if !existing.Expired(now) {
				// Idempotent: repeated creates return the same code.
				out = &existing
				return nil
			}
			if err := tx.Model(&store.Invite{}).Where("code = ?", existing.Code).
				Update("status", store.InviteStatusExpired).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			// fall through to a fresh invite
		default:
			return err
		}

		code, err := store.NewInviteCode()
		if err != nil {
			return err
		}
		inv := &store.Invite{
			Code:      code,
			CreatorID: creatorID,
			CreatedAt: now,
			ExpiresAt: now.Add(store.InviteTTL),
			Status:    store.InviteStatusPending,
		}
		if err := tx.Create(inv).Error; err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetInvite retrieves an invite by code.
func (d *Driver) GetInvite(ctx context.Context, code string) (*store.Invite, error) {
	var inv store.Invite
	err := d.db.WithContext(ctx).First(&inv, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrInviteNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// MarkInviteExpired flips a pending invite to expired.
func (d *Driver) MarkInviteExpired(ctx context.Context, code string) error {
	return d.db.WithContext(ctx).Model(&store.Invite{}).
		Where("code = ? AND status = ?", code, store.InviteStatusPending).
		Update("status", store.InviteStatusExpired).Error
}

// AcceptInvite atomically redeems a pending invite and creates the
// partnership. Check order matches the documented contract: code lookup,
// expiry, self-invite, acceptor cardinality, creator cardinality.
func (d *Driver) AcceptInvite(ctx context.Context, code, acceptorID string) (*store.Partnership, error) {
	var (
		out    *store.Partnership
		outErr error
		events []*store.ChangeEvent
	)
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out, outErr, events = nil, nil, nil

		var inv store.Invite
		if err := tx.First(&inv, "code = ?", code).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				outErr = store.ErrInviteNotFound
				return nil
			}
			return err
		}

		now := d.now()

		if inv.Status != store.InviteStatusPending {
			outErr = store.ErrInviteExpired
			return nil
		}
		if inv.Expired(now) {
			// The lazy expiry mark must commit even though the
			// acceptance fails, so the rejection travels via outErr
			// instead of rolling the transaction back.
			if err := tx.Model(&store.Invite{}).Where("code = ?", inv.Code).
				Update("status", store.InviteStatusExpired).Error; err != nil {
				return err
			}
			outErr = store.ErrInviteExpired
			return nil
		}
		if inv.CreatorID == acceptorID {
			outErr = store.ErrSelfInvite
			return nil
		}
		if p, err := activePartnership(tx, acceptorID); err != nil {
			return err
		} else if p != nil {
			outErr = store.ErrAlreadyPartnered
			return nil
		}
		if p, err := activePartnership(tx, inv.CreatorID); err != nil {
			return err
		} else if p != nil {
			// The creator paired with someone else between invite
			// creation and this redemption; the invite is stale.
			if err := tx.Model(&store.Invite{}).Where("code = ?", inv.Code).
				Update("status", store.InviteStatusCancelled).Error; err != nil {
				return err
			}
			outErr = store.ErrAlreadyPartnered
			return nil
		}

		userA, userB := store.CanonicalPair(inv.CreatorID, acceptorID)
		p := &store.Partnership{
			ID:        uuid.New().String(),
			UserA:     userA,
			UserB:     userB,
			CreatedAt: now,
			Status:    store.PartnershipStatusActive,
		}
		if err := tx.Create(p).Error; err != nil {
			if isUniqueViolation(err) {
				return store.ErrAlreadyPartnered
			}
			return err
		}

		if err := tx.Model(&store.Invite{}).Where("code = ?", inv.Code).Updates(map[string]any{
			"status":      store.InviteStatusAccepted,
			"accepted_by": acceptorID,
			"accepted_at": now,
		}).Error; err != nil {
			return err
		}

		ev, err := store.NewPartnershipEvent(store.OpUpsert, p)
		if err != nil {
			return err
		}
		if err := appendEvent(tx, ev); err != nil {
			return err
		}

		out = p
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outErr != nil {
		return nil, outErr
	}
	d.publish(events)
	return out, nil
}

// CancelInvite transitions the creator's pending invite to cancelled.
func (d *Driver) CancelInvite(ctx context.Context, creatorID string) error {
	return d.db.WithContext(ctx).Model(&store.Invite{}).
		Where("creator_id = ? AND status = ?", creatorID, store.InviteStatusPending).
		Update("status", store.InviteStatusCancelled).Error
}

// PartnershipStore implementation

// GetPartnership returns the user's active partnership.
func (d *Driver) GetPartnership(ctx context.Context, userID string) (*store.Partnership, error) {
	var p store.Partnership
	err := d.db.WithContext(ctx).
		Where("status = ? AND (user_a = ? OR user_b = ?)",
			store.PartnershipStatusActive, userID, userID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNoPartnership
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DissolvePartnership flips the user's active partnership to dissolved.
// The second of two concurrent callers observes ErrNoPartnership.
func (d *Driver) DissolvePartnership(ctx context.Context, userID string) (*store.Partnership, error) {
	var (
		out    *store.Partnership
		events []*store.ChangeEvent
	)
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out, events = nil, nil

		p, err := activePartnership(tx, userID)
		if err != nil {
			return err
		}
		if p == nil {
			return store.ErrNoPartnership
		}

		now := d.now()
		res := tx.Model(&store.Partnership{}).
			Where("id = ? AND status = ?", p.ID, store.PartnershipStatusActive).
			Updates(map[string]any{
				"status":       store.PartnershipStatusDissolved,
				"dissolved_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.ErrNoPartnership
		}

		p.Status = store.PartnershipStatusDissolved
		p.DissolvedAt = &now

		ev, err := store.NewPartnershipEvent(store.OpDelete, p)
		if err != nil {
			return err
		}
		if err := appendEvent(tx, ev); err != nil {
			return err
		}

		out = p
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.publish(events)
	return out, nil
}

// TaskStore implementation

// nextTimestamp keeps UpdatedAt strictly increasing per entity even when the
// wall clock does not advance between writes.
func nextTimestamp(now, prev time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Millisecond)
}

// UpsertTask creates or overwrites a task with a store-assigned UpdatedAt.
func (d *Driver) UpsertTask(ctx context.Context, t *store.Task) (*store.Task, error) {
	var (
		out    *store.Task
		events []*store.ChangeEvent
	)
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out, events = nil, nil

		saved := *t
		if saved.ID == "" {
			saved.ID = uuid.New().String()
		}

		now := d.now()

		var cur store.Task
		err := tx.First(&cur, "id = ?", saved.ID).Error
		switch {
		case err == nil:
			saved.CreatedAt = cur.CreatedAt
			saved.UpdatedAt = nextTimestamp(now, cur.UpdatedAt)
		case errors.Is(err, gorm.ErrRecordNotFound):
			if saved.CreatedAt.IsZero() {
				saved.CreatedAt = now
			}
			saved.UpdatedAt = now
		default:
			return err
		}

		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&saved).Error; err != nil {
			return err
		}

		ev, err := store.NewTaskEvent(store.OpUpsert, &saved)
		if err != nil {
			return err
		}
		if err := appendEvent(tx, ev); err != nil {
			return err
		}

		out = &saved
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.publish(events)
	return out, nil
}

// ApplyTaskMutation replays a queued offline mutation under last-write-wins.
func (d *Driver) ApplyTaskMutation(ctx context.Context, m *store.TaskMutation) (*store.Task, bool, error) {
	if m.Op == store.OpUpsert && m.Task == nil {
		return nil, false, fmt.Errorf("mutation for %s has no task payload: %w",
			m.EntityID, store.ErrInvalidMutation)
	}

	var (
		out     *store.Task
		applied bool
		events  []*store.ChangeEvent
	)
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out, applied, events = nil, false, nil

		now := d.now()

		var cur store.Task
		err := tx.First(&cur, "id = ?", m.EntityID).Error
		missing := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !missing {
			return err
		}

		if m.Op == store.OpDelete {
			if missing {
				// Already gone; duplicate deletes are settled.
				return nil
			}
			if !m.MutatedAt.After(cur.UpdatedAt) {
				return nil
			}
			if err := tx.Delete(&store.Task{}, "id = ?", m.EntityID).Error; err != nil {
				return err
			}
			tomb := cur
			tomb.UpdatedAt = nextTimestamp(now, cur.UpdatedAt)
			ev, err := store.NewTaskEvent(store.OpDelete, &tomb)
			if err != nil {
				return err
			}
			if err := appendEvent(tx, ev); err != nil {
				return err
			}
			applied = true
			events = append(events, ev)
			return nil
		}

		saved := *m.Task
		saved.ID = m.EntityID
		if missing {
			if saved.CreatedAt.IsZero() {
				saved.CreatedAt = m.MutatedAt
			}
			saved.UpdatedAt = now
		} else {
			if !m.MutatedAt.After(cur.UpdatedAt) {
				// The row moved on since this mutation was queued;
				// the later write wins and the replay is discarded.
				out = &cur
				return nil
			}
			saved.CreatedAt = cur.CreatedAt
			saved.UpdatedAt = nextTimestamp(now, cur.UpdatedAt)
		}

		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&saved).Error; err != nil {
			return err
		}

		ev, err := store.NewTaskEvent(store.OpUpsert, &saved)
		if err != nil {
			return err
		}
		if err := appendEvent(tx, ev); err != nil {
			return err
		}

		out = &saved
		applied = true
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	d.publish(events)
	return out, applied, nil
}

// GetTask retrieves a task by id.
func (d *Driver) GetTask(ctx context.Context, id string) (*store.Task, error) {
	var t store.Task
	err := d.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks returns the user's visible tasks, oldest first.
func (d *Driver) ListTasks(ctx context.Context, ownerID string) ([]*store.Task, error) {
	var tasks []*store.Task
	err := d.db.WithContext(ctx).
		Where("owner_id = ? AND status <> ?", ownerID, store.TaskStatusDeclined).
		Order("created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// AcceptTaskRequest transitions a requested task to the normal initial state.
func (d *Driver) AcceptTaskRequest(ctx context.Context, taskID, ownerID string) (*store.Task, error) {
	return d.resolveTaskRequest(ctx, taskID, ownerID, true)
}

// DeclineTaskRequest tombstones a requested task and emits a delete event.
func (d *Driver) DeclineTaskRequest(ctx context.Context, taskID, ownerID string) (*store.Task, error) {
	return d.resolveTaskRequest(ctx, taskID, ownerID, false)
}

func (d *Driver) resolveTaskRequest(ctx context.Context, taskID, ownerID string, accept bool) (*store.Task, error) {
	var (
		out    *store.Task
		events []*store.ChangeEvent
	)
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out, events = nil, nil

		var t store.Task
		if err := tx.First(&t, "id = ?", taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrTaskNotFound
			}
			return err
		}
		if t.OwnerID != ownerID || t.Status != store.TaskStatusPendingAcceptance {
			return store.ErrNotOwner
		}

		t.UpdatedAt = nextTimestamp(d.now(), t.UpdatedAt)
		op := store.OpUpsert
		if accept {
			t.Status = store.TaskStatusPending
		} else {
			t.Status = store.TaskStatusDeclined
			op = store.OpDelete
		}

		if err := tx.Save(&t).Error; err != nil {
			return err
		}

		ev, err := store.NewTaskEvent(op, &t)
		if err != nil {
			return err
		}
		if err := appendEvent(tx, ev); err != nil {
			return err
		}

		out = &t
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.publish(events)
	return out, nil
}

// ChangeLog implementation

// Changes returns events after the given sequence visible to watchID.
func (d *Driver) Changes(ctx context.Context, watchID string, afterSeq int64) ([]*store.ChangeEvent, error) {
	var events []*store.ChangeEvent
	err := d.db.WithContext(ctx).
		Where("seq > ? AND (owner_id = ? OR created_by = ?)", afterSeq, watchID, watchID).
		Order("seq ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Snapshot synthesizes the current state of watchID's visible entities.
// Synthesized events all carry the current max sequence so callers can
// resume a live stream from it.
func (d *Driver) Snapshot(ctx context.Context, watchID string) ([]*store.ChangeEvent, error) {
	var maxSeq int64
	err := d.db.WithContext(ctx).Model(&store.ChangeEvent{}).
		Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error
	if err != nil {
		return nil, err
	}

	var tasks []*store.Task
	err = d.db.WithContext(ctx).
		Where("owner_id = ? OR created_by = ?", watchID, watchID).
		Order("created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}

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

	if p, err := d.GetPartnership(ctx, watchID); err == nil {
		ev, err := store.NewPartnershipEvent(store.OpUpsert, p)
		if err != nil {
			return nil, err
		}
		ev.Seq = maxSeq
		events = append(events, ev)
	} else if !errors.Is(err, store.ErrNoPartnership) {
		return nil, err
	}

	return events, nil
}

// Watch returns a live feed of committed events visible to watchID.
func (d *Driver) Watch(watchID string) (<-chan *store.ChangeEvent, func()) {
	return d.broker.Subscribe(watchID)
}

// OfflineQueue implementation (device-local deployments reuse this driver)

// Enqueue appends a pending local mutation.
func (d *Driver) Enqueue(ctx context.Context, e *store.OfflineQueueEntry) error {
	if e.LocalMutationID == "" {
		e.LocalMutationID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = d.now()
	}
	return d.db.WithContext(ctx).Create(e).Error
}

// List returns queued mutations in FIFO append order.
func (d *Driver) List(ctx context.Context) ([]*store.OfflineQueueEntry, error) {
	var entries []*store.OfflineQueueEntry
	err := d.db.WithContext(ctx).
		Order("created_at ASC, local_mutation_id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Remove deletes a queue entry after a confirmed commit or terminal discard.
func (d *Driver) Remove(ctx context.Context, localMutationID string) error {
	return d.db.WithContext(ctx).
		Delete(&store.OfflineQueueEntry{}, "local_mutation_id = ?", localMutationID).Error
}

// IncrementRetry bumps the retry counter on a queue entry.
func (d *Driver) IncrementRetry(ctx context.Context, localMutationID string) error {
	return d.db.WithContext(ctx).Model(&store.OfflineQueueEntry{}).
		Where("local_mutation_id = ?", localMutationID).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

// Compile-time interface checks
var (
	_ store.Store        = (*Driver)(nil)
	_ store.OfflineQueue = (*Driver)(nil)
)
