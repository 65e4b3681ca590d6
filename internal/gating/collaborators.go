// ABOUTME: Narrow interfaces the gating flow consumes from its collaborators
// ABOUTME: Storage, shortlinks, membership lookups, invites and delivery

package gating

import (
	"context"
	"errors"
	"time"

	"github.com/2389/autofilter-gateway/internal/store"
)

// UserStore is the slice of the user store the gating flow needs,
// including the single-slot pending request.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
	EnsureUser(ctx context.Context, u *store.User) error
	SetVerified(ctx context.Context, id int64, expiry time.Time) error
	ClearVerified(ctx context.Context, id int64) error
	RemovePremium(ctx context.Context, id int64) error
	SetPending(ctx context.Context, id int64, groupID int64, query string) error
	GetPending(ctx context.Context, id int64) (*store.PendingRequest, error)
	ClearPending(ctx context.Context, id int64) error
}

// GroupSettingsStore reads per-group settings. The gating flow never writes them.
type GroupSettingsStore interface {
	GetGroupSettings(ctx context.Context, groupID int64) (*store.GroupSettings, error)
}

// RedirectLinkProvider shortens a URL through an external shortlink service.
type RedirectLinkProvider interface {
	Shorten(ctx context.Context, longURL, host, apiKey string) (string, error)
}

// MemberStatus is a user's standing in a channel.
type MemberStatus int

const (
	MemberActive MemberStatus = iota
	MemberLeft
	MemberKicked
	MemberBanned
)

func (s MemberStatus) String() string {
	switch s {
	case MemberActive:
		return "active"
	case MemberLeft:
		return "left"
	case MemberKicked:
		return "kicked"
	case MemberBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// MembershipProvider looks up a user's status in a channel.
type MembershipProvider interface {
	MemberStatus(ctx context.Context, channelID, userID int64) (MemberStatus, error)
}

// InviteResolver returns a link users can follow to join a room, or "".
type InviteResolver interface {
	InviteLink(ctx context.Context, roomID int64) string
}

// DeliveryReport counts what a delivery attempted and what actually went out.
type DeliveryReport struct {
	Attempted int
	Sent      int
}

// Failed is the number of items that could not be sent.
func (r DeliveryReport) Failed() int {
	return r.Attempted - r.Sent
}

// DeliveryAdapter searches for query and sends the results into req.ChatID.
// Attempted == 0 means nothing matched.
type DeliveryAdapter interface {
	SearchAndSend(ctx context.Context, req RequestContext, query string) (DeliveryReport, error)
}

// Settings resolves a group's effective settings against process defaults.
type Settings struct {
	groups   GroupSettingsStore
	defaults store.GroupDefaults
}

// NewSettings creates a Settings resolver.
func NewSettings(groups GroupSettingsStore, defaults store.GroupDefaults) *Settings {
	return &Settings{groups: groups, defaults: defaults}
}

// For returns the effective settings of groupID. Unknown groups get the defaults.
func (s *Settings) For(ctx context.Context, groupID int64) (store.EffectiveSettings, error) {
	if groupID == 0 {
		return (*store.GroupSettings)(nil).Effective(s.defaults), nil
	}

	g, err := s.groups.GetGroupSettings(ctx, groupID)
	if errors.Is(err, store.ErrNotFound) {
		eff := (*store.GroupSettings)(nil).Effective(s.defaults)
		eff.GroupID = groupID
		return eff, nil
	}
	if err != nil {
		return store.EffectiveSettings{}, storeErr("loading group settings", err)
	}
	return g.Effective(s.defaults), nil
}
