// ABOUTME: MembershipGate checks channel membership and drives the retry loop
// ABOUTME: Provider failures fail open so an API fault never locks users out

package gating

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultMembershipTimeout bounds a membership lookup before failing open.
const DefaultMembershipTimeout = 10 * time.Second

// RetryOutcome is the result of a retry tap that passed the ownership check.
type RetryOutcome struct {
	Cleared bool
	Payload RetryPayload
	// Prompt is the refreshed wall when the user is still blocked.
	Prompt *Prompt
}

// MembershipGate owns the join-the-channel step.
type MembershipGate struct {
	provider MembershipProvider
	invites  InviteResolver
	settings *Settings
	timeout  time.Duration
	logger   *slog.Logger
}

// NewMembershipGate creates a MembershipGate. A nil provider treats everyone
// as a member; a nil invites resolver omits the join button.
func NewMembershipGate(provider MembershipProvider, invites InviteResolver, settings *Settings, logger *slog.Logger) *MembershipGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &MembershipGate{
		provider: provider,
		invites:  invites,
		settings: settings,
		timeout:  DefaultMembershipTimeout,
		logger:   logger.With("component", "membership"),
	}
}

// IsMember reports whether userID is in channelID. Left, kicked and banned
// users are not; every other status, and any provider error, counts as member.
func (g *MembershipGate) IsMember(ctx context.Context, userID, channelID int64) bool {
	if channelID == 0 || g.provider == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	status, err := g.provider.MemberStatus(ctx, channelID, userID)
	if err != nil {
		g.logger.Warn("membership lookup failed, allowing",
			"user_id", userID,
			"channel", channelID,
			"error", fmt.Errorf("%w: %w", ErrProviderUnavailable, err),
		)
		return true
	}

	switch status {
	case MemberLeft, MemberKicked, MemberBanned:
		return false
	default:
		return true
	}
}

// Prompt builds the membership wall for p. stillBlocked prefixes the
// "haven't joined yet" notice used when a retry tap fails.
func (g *MembershipGate) Prompt(ctx context.Context, p RetryPayload, channelID int64, stillBlocked bool) *Prompt {
	return membershipPrompt(g.inviteLink(ctx, channelID), p.String(), stillBlocked)
}

func (g *MembershipGate) inviteLink(ctx context.Context, roomID int64) string {
	if g.invites == nil || roomID == 0 {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.invites.InviteLink(ctx, roomID)
}

// HandleRetry processes a retry tap by actingUserID. Retries are unbounded:
// a user still outside the channel gets the same affordance back.
func (g *MembershipGate) HandleRetry(ctx context.Context, token string, actingUserID int64) (RetryOutcome, error) {
	p, err := ParseRetryPayload(token)
	if err != nil {
		return RetryOutcome{}, err
	}
	if p.UserID != actingUserID {
		return RetryOutcome{}, ErrNotYourButton
	}

	settings, err := g.settings.For(ctx, p.GroupID)
	if err != nil {
		return RetryOutcome{}, err
	}

	if !g.IsMember(ctx, p.UserID, settings.MembershipChannel) {
		g.logger.Debug("retry while still not a member", "user_id", p.UserID, "channel", settings.MembershipChannel)
		return RetryOutcome{
			Payload: p,
			Prompt:  g.Prompt(ctx, p, settings.MembershipChannel, true),
		}, nil
	}

	return RetryOutcome{Cleared: true, Payload: p}, nil
}
