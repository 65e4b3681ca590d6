// ABOUTME: Package matrix is the Matrix frontend of the autofilter gateway
// ABOUTME: It maps rooms and users to numeric ids and drives the gating orchestrator

// Package matrix connects the gating flow to Matrix.
//
// Users get positive numeric ids and rooms negative ones, so a chat id can
// name either a group room or a user's direct room. Membership walls carry
// their retry payload in the event content; reacting to a wall retries it.
package matrix
