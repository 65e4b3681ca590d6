// ABOUTME: Test doubles for gating collaborators
// ABOUTME: Fake clock, shortlinker, membership provider, invites and delivery

package gating

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/autofilter-gateway/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeLinks struct {
	reply string
	err   error
	calls []string
}

func (f *fakeLinks) Shorten(ctx context.Context, longURL, host, apiKey string) (string, error) {
	f.calls = append(f.calls, longURL)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeMembers struct {
	mu       sync.Mutex
	statuses map[int64]MemberStatus // keyed by user id
	err      error
	calls    int
}

func newFakeMembers() *fakeMembers {
	return &fakeMembers{statuses: make(map[int64]MemberStatus)}
}

func (f *fakeMembers) MemberStatus(ctx context.Context, channelID, userID int64) (MemberStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return MemberActive, f.err
	}
	status, ok := f.statuses[userID]
	if !ok {
		return MemberLeft, nil
	}
	return status, nil
}

func (f *fakeMembers) Set(userID int64, status MemberStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[userID] = status
}

type fakeInvites map[int64]string

func (f fakeInvites) InviteLink(ctx context.Context, roomID int64) string {
	return f[roomID]
}

type deliveryCall struct {
	Req             RequestContext
	Query           string
	PendingAtInvoke *store.PendingRequest
}

type fakeDelivery struct {
	mu     sync.Mutex
	users  UserStore
	report DeliveryReport
	err    error
	calls  []deliveryCall
}

func (f *fakeDelivery) SearchAndSend(ctx context.Context, req RequestContext, query string) (DeliveryReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pending, _ := f.users.GetPending(ctx, req.UserID)
	f.calls = append(f.calls, deliveryCall{Req: req, Query: query, PendingAtInvoke: pending})
	return f.report, f.err
}

func (f *fakeDelivery) Calls() []deliveryCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]deliveryCall(nil), f.calls...)
}

type harness struct {
	store    *store.MockStore
	clock    *fakeClock
	links    *fakeLinks
	members  *fakeMembers
	delivery *fakeDelivery
	orch     *Orchestrator
}

const (
	testUser    int64 = 42
	testGroup   int64 = -100
	testChannel int64 = -500
	testDM      int64 = -900
)

func newHarness(t *testing.T, defaults store.GroupDefaults) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMockStore(),
		clock:   newFakeClock(),
		links:   &fakeLinks{reply: "https://short.example/abc"},
		members: newFakeMembers(),
	}
	h.delivery = &fakeDelivery{users: h.store, report: DeliveryReport{Attempted: 2, Sent: 2}}
	h.orch = New(Deps{
		Users:    h.store,
		Groups:   h.store,
		Defaults: defaults,
		Links:    h.links,
		Members:  h.members,
		Invites:  fakeInvites{testChannel: "https://matrix.to/#/#channel:example.org", testGroup: "https://matrix.to/#/#group:example.org"},
		Delivery: h.delivery,
		Verification: VerificationConfig{
			Duration: 24 * time.Hour,
			BotLink:  "https://gw.example.org/start",
			Now:      h.clock.Now,
		},
	})
	return h
}

func (h *harness) groupSearch(query string) RequestContext {
	return RequestContext{UserID: testUser, GroupID: testGroup, ChatID: testGroup, Query: query, DisplayName: "Alice"}
}

func (h *harness) pending(t *testing.T) *store.PendingRequest {
	t.Helper()
	p, err := h.store.GetPending(context.Background(), testUser)
	require.NoError(t, err)
	return p
}

var errBoom = errors.New("boom")
