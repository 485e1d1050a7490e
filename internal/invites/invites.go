// Package invites implements invite code lifecycle: creation, validation,
// redemption and cancellation. The store enforces the cardinality invariants;
// this layer adds link handling and notification fan-out.
package invites

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/tandemlist/tandem-go/internal/notify"
	"github.com/tandemlist/tandem-go/internal/platform/logutil"
	"github.com/tandemlist/tandem-go/internal/store"
)

// ErrInvalidLink marks an invite link that fails scheme, host or code format
// validation before any store lookup happens.
var ErrInvalidLink = errors.New("invalid invite link")

const timeLayout = time.RFC3339

// timeNow is swapped out in tests.
var timeNow = time.Now

// InviteInfo is the read-only projection ValidateInvite returns.
type InviteInfo struct {
	Code      string             `json:"code"`
	CreatorID string             `json:"creator_id"`
	ExpiresAt string             `json:"expires_at"`
	Status    store.InviteStatus `json:"status"`
}

// Manager drives the invite lifecycle on top of a store.
type Manager struct {
	store      store.InviteStore
	dispatcher notify.Dispatcher
	log        *slog.Logger

	// domain is the public host used to build and validate invite links.
	domain string
}

// NewManager creates an invite manager. dispatcher may be nil.
func NewManager(s store.InviteStore, dispatcher notify.Dispatcher, domain string, log *slog.Logger) *Manager {
	if dispatcher == nil {
		dispatcher = notify.Discard
	}
	return &Manager{
		store:      s,
		dispatcher: dispatcher,
		log:        logutil.NoopIfNil(log),
		domain:     domain,
	}
}

// CreateInvite returns the user's pending invite, or a fresh one with a 7-day
// expiry. Fails with store.ErrAlreadyPartnered for partnered users. Repeated
// calls return the same code until the invite is redeemed, cancelled or
// expires.
func (m *Manager) CreateInvite(ctx context.Context, userID string) (*store.Invite, error) {
	inv, err := m.store.CreateInvite(ctx, userID)
	if err != nil {
		return nil, err
	}
	m.log.DebugContext(ctx, "invite ready", "creator_id", userID, "expires_at", inv.ExpiresAt)
	return inv, nil
}

// ValidateInvite resolves a code read-only. An invite past its expiry is
// reported as store.ErrInviteExpired and lazily marked expired as a side
// effect; redeemed or cancelled codes report store.ErrInviteNotFound.
func (m *Manager) ValidateInvite(ctx context.Context, code string) (*InviteInfo, error) {
	if !store.InviteCodePattern.MatchString(code) {
		return nil, store.ErrInviteNotFound
	}

	inv, err := m.store.GetInvite(ctx, code)
	if err != nil {
		return nil, err
	}

	switch inv.Status {
	case store.InviteStatusPending:
	case store.InviteStatusExpired:
		return nil, store.ErrInviteExpired
	default:
		return nil, store.ErrInviteNotFound
	}

	if inv.Expired(timeNow()) {
		if err := m.store.MarkInviteExpired(ctx, code); err != nil {
			m.log.WarnContext(ctx, "failed to mark invite expired", "code", code, "error", err)
		}
		return nil, store.ErrInviteExpired
	}

	return &InviteInfo{
		Code:      inv.Code,
		CreatorID: inv.CreatorID,
		ExpiresAt: inv.ExpiresAt.Format(timeLayout),
		Status:    inv.Status,
	}, nil
}

// AcceptInvite redeems a code and creates the partnership. On success the
// creator is notified that the invite was accepted.
func (m *Manager) AcceptInvite(ctx context.Context, code, acceptorID string) (*store.Partnership, error) {
	if !store.InviteCodePattern.MatchString(code) {
		return nil, store.ErrInviteNotFound
	}

	p, err := m.store.AcceptInvite(ctx, code, acceptorID)
	if err != nil {
		return nil, err
	}

	m.log.InfoContext(ctx, "invite accepted",
		"code", code, "acceptor_id", acceptorID, "partnership_id", p.ID)

	m.dispatcher.Dispatch(ctx, &notify.Record{
		UserID:     p.OtherUser(acceptorID),
		Title:      "Invite accepted",
		Body:       "Your partner joined your list.",
		ActionType: notify.ActionInviteAccepted,
		ActionData: map[string]string{
			"partnership_id": p.ID,
			"partner_id":     acceptorID,
		},
	})
	return p, nil
}

// CancelInvite withdraws the user's pending invite. No-op if none exists.
func (m *Manager) CancelInvite(ctx context.Context, userID string) error {
	return m.store.CancelInvite(ctx, userID)
}

// InviteLink renders the shareable deep link for a code.
func (m *Manager) InviteLink(code string) string {
	return fmt.Sprintf("https://%s/invite/%s", m.domain, code)
}

// ParseInviteLink extracts the code from an invite deep link. The scheme,
// host and code format are all validated before the code is returned; a
// failure on any of them is ErrInvalidLink, so callers never forward
// arbitrary strings to the store.
func (m *Manager) ParseInviteLink(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidLink, u.Scheme)
	}
	if !strings.EqualFold(u.Host, m.domain) {
		return "", fmt.Errorf("%w: host %q", ErrInvalidLink, u.Host)
	}
	code, ok := strings.CutPrefix(u.Path, "/invite/")
	if !ok || !store.InviteCodePattern.MatchString(code) {
		return "", fmt.Errorf("%w: path %q", ErrInvalidLink, u.Path)
	}
	return code, nil
}
