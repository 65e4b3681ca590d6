// Package delivery sends search results into a chat.
//
// A Deliverer resolves the group's effective settings, searches the index and
// then either posts one message of download links (link mode) or sends every
// file with the group's caption template. Sends that hit a rate limit are
// retried once after the transport's back-off. Sent files are removed again
// after the group's auto-delete delay.
package delivery
