// ABOUTME: AccessPolicy: pure decision of which gates a request must pass
// ABOUTME: Verification honours premium/admin bypass; membership is independent

package gating

import (
	"time"

	"github.com/2389/autofilter-gateway/internal/store"
)

// AccessDecision lists the gates a request still has to pass.
type AccessDecision struct {
	NeedsVerification bool
	NeedsMembership   bool
}

// Clear reports whether no gate applies.
func (d AccessDecision) Clear() bool {
	return !d.NeedsVerification && !d.NeedsMembership
}

// IsCurrentlyVerified is false when the expiry is unset or not after now,
// whatever the stored flag says.
func IsCurrentlyVerified(u *store.User, now time.Time) bool {
	if u == nil || !u.Verified || u.VerifyExpiry == nil {
		return false
	}
	return now.Before(*u.VerifyExpiry)
}

// HasPremium reports an active premium plan. A nil expiry never lapses.
func HasPremium(u *store.User, now time.Time) bool {
	if u == nil || !u.Premium {
		return false
	}
	return u.PremiumExpiry == nil || now.Before(*u.PremiumExpiry)
}

// Evaluate decides which gates apply to user under settings at now.
// NeedsMembership only says a channel is configured; whether the user
// actually belongs to it is the MembershipGate's call.
func Evaluate(u *store.User, settings store.EffectiveSettings, now time.Time) AccessDecision {
	bypass := u != nil && (u.IsAdmin || HasPremium(u, now))
	return AccessDecision{
		NeedsVerification: settings.VerificationOn && !bypass && !IsCurrentlyVerified(u, now),
		NeedsMembership:   settings.MembershipChannel != 0,
	}
}
