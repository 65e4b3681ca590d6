// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject store failures

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ensure MockStore implements Store.
var _ Store = (*MockStore)(nil)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	users      map[int64]*User
	groups     map[int64]*GroupSettings
	files      map[string]*File // keyed by file ref
	identities map[string]*Identity
	byID       map[int64]*Identity
	nextIdent  int64
	deliveries []*DeliveryRecord

	// Err, when set, is returned by every method. Tests use it to simulate
	// an unreachable database.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:      make(map[int64]*User),
		groups:     make(map[int64]*GroupSettings),
		files:      make(map[string]*File),
		identities: make(map[string]*Identity),
		byID:       make(map[int64]*Identity),
	}
}

// SetErr sets (or clears with nil) the injected failure.
func (m *MockStore) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

func copyUser(u *User) *User {
	c := *u
	if u.Pending != nil {
		p := *u.Pending
		c.Pending = &p
	}
	if u.VerifyExpiry != nil {
		t := *u.VerifyExpiry
		c.VerifyExpiry = &t
	}
	if u.PremiumExpiry != nil {
		t := *u.PremiumExpiry
		c.PremiumExpiry = &t
	}
	return &c
}

// GetUser retrieves a user by id.
func (m *MockStore) GetUser(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// PutUser stores a user as-is, replacing any existing row.
func (m *MockStore) PutUser(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.PremiumPlan == "" {
		u.PremiumPlan = "free"
	}
	m.users[u.ID] = copyUser(u)
}

// EnsureUser inserts the user if missing.
func (m *MockStore) EnsureUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	now := time.Now()
	existing, ok := m.users[u.ID]
	if !ok {
		m.users[u.ID] = &User{
			ID:          u.ID,
			DisplayName: u.DisplayName,
			Username:    u.Username,
			IsAdmin:     u.IsAdmin,
			PremiumPlan: "free",
			CreatedAt:   now,
			LastActive:  now,
		}
		return nil
	}

	if u.DisplayName != "" {
		existing.DisplayName = u.DisplayName
	}
	if u.Username != "" {
		existing.Username = u.Username
	}
	existing.IsAdmin = u.IsAdmin
	existing.LastActive = now
	return nil
}

func (m *MockStore) updateUser(id int64, fn func(u *User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}

// SetVerified marks the user verified until expiry.
func (m *MockStore) SetVerified(ctx context.Context, id int64, expiry time.Time) error {
	return m.updateUser(id, func(u *User) {
		u.Verified = true
		u.VerifyExpiry = &expiry
	})
}

// ClearVerified resets the verification flag and expiry.
func (m *MockStore) ClearVerified(ctx context.Context, id int64) error {
	return m.updateUser(id, func(u *User) {
		u.Verified = false
		u.VerifyExpiry = nil
	})
}

// SetPremium grants a plan.
func (m *MockStore) SetPremium(ctx context.Context, id int64, plan string, expiry *time.Time) error {
	if plan == "" {
		plan = "premium"
	}
	return m.updateUser(id, func(u *User) {
		u.Premium = true
		u.PremiumPlan = plan
		u.PremiumExpiry = expiry
	})
}

// RemovePremium returns the user to the free plan.
func (m *MockStore) RemovePremium(ctx context.Context, id int64) error {
	return m.updateUser(id, func(u *User) {
		u.Premium = false
		u.PremiumPlan = "free"
		u.PremiumExpiry = nil
	})
}

// IncrementSearches bumps the search counter.
func (m *MockStore) IncrementSearches(ctx context.Context, id int64) error {
	return m.updateUser(id, func(u *User) {
		u.TotalSearches++
		u.LastActive = time.Now()
	})
}

// SetPending overwrites the user's pending request.
func (m *MockStore) SetPending(ctx context.Context, id int64, groupID int64, query string) error {
	return m.updateUser(id, func(u *User) {
		u.Pending = &PendingRequest{GroupID: groupID, Query: query, CreatedAt: time.Now()}
	})
}

// GetPending returns the pending request or nil.
func (m *MockStore) GetPending(ctx context.Context, id int64) (*PendingRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	u, ok := m.users[id]
	if !ok || u.Pending == nil {
		return nil, nil
	}
	p := *u.Pending
	return &p, nil
}

// ClearPending empties the pending slot.
func (m *MockStore) ClearPending(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if u, ok := m.users[id]; ok {
		u.Pending = nil
	}
	return nil
}

// GetGroupSettings retrieves a group's settings.
func (m *MockStore) GetGroupSettings(ctx context.Context, groupID int64) (*GroupSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	g, ok := m.groups[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *g
	return &c, nil
}

// UpsertGroupSettings writes the group's settings.
func (m *MockStore) UpsertGroupSettings(ctx context.Context, g *GroupSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	now := time.Now()
	c := *g
	c.Active = true
	c.UpdatedAt = now
	if existing, ok := m.groups[g.GroupID]; ok {
		c.CreatedAt = existing.CreatedAt
		if c.Title == "" {
			c.Title = existing.Title
		}
		c.Active = existing.Active
	} else {
		c.CreatedAt = now
	}
	m.groups[g.GroupID] = &c
	return nil
}

// RegisterGroup records or reactivates a group.
func (m *MockStore) RegisterGroup(ctx context.Context, groupID int64, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	now := time.Now()
	g, ok := m.groups[groupID]
	if !ok {
		m.groups[groupID] = &GroupSettings{GroupID: groupID, Title: title, Active: true, CreatedAt: now, UpdatedAt: now}
		return nil
	}
	g.Active = true
	if title != "" {
		g.Title = title
	}
	g.UpdatedAt = now
	return nil
}

// DeactivateGroup marks a group inactive.
func (m *MockStore) DeactivateGroup(ctx context.Context, groupID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	g, ok := m.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	g.Active = false
	return nil
}

// SaveFile upserts a file by reference.
func (m *MockStore) SaveFile(ctx context.Context, f *File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.IndexedAt.IsZero() {
		f.IndexedAt = time.Now()
	}
	c := *f
	m.files[f.FileRef] = &c
	return nil
}

// SearchFiles returns files whose normalized names contain every term.
func (m *MockStore) SearchFiles(ctx context.Context, groupID int64, terms []string, limit int) ([]*File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if limit <= 0 {
		limit = 10
	}

	var normalized []string
	for _, t := range terms {
		if n := NormalizeName(t); n != "" {
			normalized = append(normalized, n)
		}
	}
	if len(normalized) == 0 {
		return nil, nil
	}

	var out []*File
	for _, f := range m.files {
		if groupID != 0 && f.GroupID != groupID && f.GroupID != 0 {
			continue
		}
		name := NormalizeName(f.FileName)
		match := true
		for _, n := range normalized {
			if !strings.Contains(name, n) {
				match = false
				break
			}
		}
		if match {
			c := *f
			out = append(out, &c)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		li, lj := len(NormalizeName(out[i].FileName)), len(NormalizeName(out[j].FileName))
		if li != lj {
			return li < lj
		}
		return out[i].IndexedAt.After(out[j].IndexedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListFiles returns the newest files of a group.
func (m *MockStore) ListFiles(ctx context.Context, groupID int64, limit int) ([]*File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if limit <= 0 {
		limit = 100
	}

	var out []*File
	for _, f := range m.files {
		if groupID != 0 && f.GroupID != groupID && f.GroupID != 0 {
			continue
		}
		c := *f
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IndexedAt.After(out[j].IndexedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteFiles removes matching files.
func (m *MockStore) DeleteFiles(ctx context.Context, groupID int64, nameContains string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	needle := NormalizeName(nameContains)
	n := 0
	for ref, f := range m.files {
		if groupID != 0 && f.GroupID != groupID {
			continue
		}
		if needle != "" && !strings.Contains(NormalizeName(f.FileName), needle) {
			continue
		}
		delete(m.files, ref)
		n++
	}
	return n, nil
}

// ResolveIdentity returns the numeric id for a transport identifier.
func (m *MockStore) ResolveIdentity(ctx context.Context, kind IdentityKind, externalID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	if externalID == "" || (kind != IdentityUser && kind != IdentityRoom) {
		return 0, ErrInvalidIdentity
	}

	key := string(kind) + ":" + externalID
	if ident, ok := m.identities[key]; ok {
		return ident.ID, nil
	}

	m.nextIdent++
	ident := &Identity{
		ID:         numericID(kind, m.nextIdent),
		Kind:       kind,
		ExternalID: externalID,
		CreatedAt:  time.Now(),
	}
	m.identities[key] = ident
	m.byID[ident.ID] = ident
	return ident.ID, nil
}

// LookupIdentity returns the identity behind a numeric id.
func (m *MockStore) LookupIdentity(ctx context.Context, id int64) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if id == 0 {
		return nil, ErrInvalidIdentity
	}

	ident, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *ident
	return &c, nil
}

// SetDMRoom records a user's private room.
func (m *MockStore) SetDMRoom(ctx context.Context, userID int64, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if userID <= 0 {
		return ErrInvalidIdentity
	}

	ident, ok := m.byID[userID]
	if !ok {
		return ErrNotFound
	}
	ident.DMRoom = roomID
	return nil
}

// SaveDelivery records a delivery attempt.
func (m *MockStore) SaveDelivery(ctx context.Context, rec *DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	c := *rec
	m.deliveries = append(m.deliveries, &c)
	return nil
}

// ListDeliveries returns a user's deliveries, newest first.
func (m *MockStore) ListDeliveries(ctx context.Context, userID int64, limit int) ([]*DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if limit <= 0 {
		limit = 20
	}

	var out []*DeliveryRecord
	for i := len(m.deliveries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.deliveries[i].UserID == userID {
			c := *m.deliveries[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

// Stats returns row counts.
func (m *MockStore) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	st := &Stats{Users: len(m.users), Files: len(m.files), Deliveries: len(m.deliveries)}
	for _, u := range m.users {
		if u.Premium {
			st.PremiumUsers++
		}
		if u.Pending != nil {
			st.Pending++
		}
	}
	for _, g := range m.groups {
		if g.Active {
			st.Groups++
		}
	}
	return st, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}
