// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store is split into narrow interfaces so consumers depend only on
// what they use:
//
//   - UserStore: users, verification, premium plans and the pending request slot
//   - GroupStore: per-group settings with nullable overrides
//   - FileStore: indexed files and name search
//   - IdentityStore: mapping of transport ids to numeric ids
//   - DeliveryStore: delivery audit records
//
// SQLiteStore implements all of them in a single struct.
//
// # Pending requests
//
// Each user has exactly one pending slot, stored on the user row. SetPending
// overwrites it, ClearPending empties it and GetPending returns nil when it
// is empty. Nothing expires the slot; it lives until a gate clears or a new
// search replaces it.
//
// # Identities
//
// Users get positive ids and rooms negative ids, allocated from one
// sequence, so a room id can never collide with a user id.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as RFC3339 text in UTC.
//
// # Testing
//
// Use NewMockStore() for unit tests. Setting MockStore.Err makes every
// method fail, which is how tests simulate an unreachable database.
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
package store
