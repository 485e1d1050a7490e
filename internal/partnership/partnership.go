// Package partnership implements partnership queries, dissolution and a live
// partner-changed stream derived from the store's change feed.
package partnership

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tandemlist/tandem-go/internal/notify"
	"github.com/tandemlist/tandem-go/internal/platform/logutil"
	"github.com/tandemlist/tandem-go/internal/store"
)

// Store is the slice of the store this manager needs.
type Store interface {
	store.PartnershipStore

	// Watch is the live change feed (see store.ChangeLog).
	Watch(watchID string) (<-chan *store.ChangeEvent, func())
}

// Partner is the read-only view of the user's current partner.
type Partner struct {
	UserID        string    `json:"user_id"`
	PartnershipID string    `json:"partnership_id"`
	ConnectedAt   time.Time `json:"connected_at"`
}

// Manager drives partnership lookups and dissolution.
type Manager struct {
	store      Store
	dispatcher notify.Dispatcher
	log        *slog.Logger
}

// NewManager creates a partnership manager. dispatcher may be nil.
func NewManager(s Store, dispatcher notify.Dispatcher, log *slog.Logger) *Manager {
	if dispatcher == nil {
		dispatcher = notify.Discard
	}
	return &Manager{
		store:      s,
		dispatcher: dispatcher,
		log:        logutil.NoopIfNil(log),
	}
}

// GetPartner returns the user's current partner, or store.ErrNoPartnership.
func (m *Manager) GetPartner(ctx context.Context, userID string) (*Partner, error) {
	p, err := m.store.GetPartnership(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Partner{
		UserID:        p.OtherUser(userID),
		PartnershipID: p.ID,
		ConnectedAt:   p.CreatedAt,
	}, nil
}

// HasPartner reports whether the user has an active partnership.
func (m *Manager) HasPartner(ctx context.Context, userID string) (bool, error) {
	_, err := m.GetPartner(ctx, userID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNoPartnership) {
		return false, nil
	}
	return false, err
}

// Dissolve ends the user's active partnership. The former partner is
// notified; their sync subscriptions observe the partnership delete event and
// tear down.
func (m *Manager) Dissolve(ctx context.Context, userID string) error {
	p, err := m.store.DissolvePartnership(ctx, userID)
	if err != nil {
		return err
	}

	other := p.OtherUser(userID)
	m.log.InfoContext(ctx, "partnership dissolved",
		"partnership_id", p.ID, "by", userID, "partner", other)

	m.dispatcher.Dispatch(ctx, &notify.Record{
		UserID:     other,
		Title:      "Partner disconnected",
		Body:       "Your partner ended the connection.",
		ActionType: notify.ActionPartnerDisconnected,
		ActionData: map[string]string{"partnership_id": p.ID},
	})
	return nil
}

// PartnerEvent is one element of the partner-changed stream. Partner is nil
// when the partnership ended.
type PartnerEvent struct {
	Partner *Partner
}

// Subscription is a live partner-changed stream for one user. Close must be
// called to release it.
type Subscription struct {
	events chan PartnerEvent
	cancel func()
	done   chan struct{}
}

// Events returns the stream channel. It is closed when the subscription is
// closed.
func (s *Subscription) Events() <-chan PartnerEvent { return s.events }

// Close tears down the subscription.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// ObservePartner subscribes to partner changes for userID. The current value
// is emitted first (nil Partner when unpartnered), then an event with a
// non-nil Partner when a partnership forms and one with nil when it
// dissolves.
func (m *Manager) ObservePartner(ctx context.Context, userID string) (*Subscription, error) {
	// Watch before the initial read so no transition falls in the gap.
	feed, cancel := m.store.Watch(userID)

	current, err := m.GetPartner(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNoPartnership) {
		cancel()
		return nil, err
	}

	sub := &Subscription{
		events: make(chan PartnerEvent, 2),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sub.events <- PartnerEvent{Partner: current}

	go func() {
		defer close(sub.done)
		defer close(sub.events)
		for ev := range feed {
			if ev.EntityType != store.EntityPartnership {
				continue
			}
			// Never block on a stalled consumer; a missed transition is
			// recovered by the next GetPartner call.
			select {
			case sub.events <- m.partnerEvent(userID, ev):
			default:
			}
		}
	}()

	return sub, nil
}

func (m *Manager) partnerEvent(userID string, ev *store.ChangeEvent) PartnerEvent {
	if ev.Op == store.OpDelete {
		return PartnerEvent{}
	}
	// Partnership events carry the two members in the scope fields.
	partner := ev.OwnerID
	if partner == userID {
		partner = ev.CreatedBy
	}
	return PartnerEvent{Partner: &Partner{
		UserID:        partner,
		PartnershipID: ev.EntityID,
		ConnectedAt:   ev.UpdatedAt,
	}}
}
