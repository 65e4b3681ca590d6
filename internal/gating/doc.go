// Package gating decides, for each file search, whether results go out now
// or the user must first pass a verification or channel-membership gate.
//
// # Flow
//
// A search from a group enters Orchestrator.Submit. Evaluate decides which
// gates apply; a blocked request is stored as the user's single pending
// request and the gate's prompt is returned. The user later clears a gate
// from a different context:
//
//   - verification: the deep link carries "verify_<uid>_<gid>"; the frontend
//     redeems it with VerificationGate.Redeem and calls Orchestrator.Resume
//   - membership: the wall carries "<uid>|<gid>|<query>"; a retry tap goes
//     to Orchestrator.Retry, which loops until the user has joined
//
// Every entry re-checks both gates from fresh state, so finishing one gate
// while the other still applies falls through to the other's prompt. When no
// gate remains the pending slot is cleared and only then is delivery called.
//
// # Failure policy
//
// Shortlink failures fall back to the plain deep link. Membership lookup
// failures count as membership. Store failures abort the call with
// ErrStoreUnavailable and leave the pending request untouched.
package gating
