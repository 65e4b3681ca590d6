// ABOUTME: Test doubles for the Matrix package
// ABOUTME: In-memory client fake plus a bot wired to the real gating and delivery stack

package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/autofilter-gateway/internal/dedupe"
	"github.com/2389/autofilter-gateway/internal/delivery"
	"github.com/2389/autofilter-gateway/internal/gating"
	"github.com/2389/autofilter-gateway/internal/search"
	"github.com/2389/autofilter-gateway/internal/store"
)

const (
	botID   = id.UserID("@filterbot:hs.example")
	alice   = id.UserID("@alice:hs.example")
	bob     = id.UserID("@bob:hs.example")
	group   = id.RoomID("!group:hs.example")
	library = id.RoomID("!library:hs.example")
	channel = id.RoomID("!channel:hs.example")
)

type sentEvent struct {
	Room    id.RoomID
	ID      id.EventID
	Content interface{}
}

// Body returns the plain body of the sent message.
func (s sentEvent) Body() string {
	switch c := s.Content.(type) {
	case *event.MessageEventContent:
		return c.Body
	case *event.Content:
		if m, ok := c.Parsed.(*event.MessageEventContent); ok {
			return m.Body
		}
	}
	return ""
}

func (s sentEvent) Message() *event.MessageEventContent {
	switch c := s.Content.(type) {
	case *event.MessageEventContent:
		return c
	case *event.Content:
		m, _ := c.Parsed.(*event.MessageEventContent)
		return m
	}
	return nil
}

type fakeAPI struct {
	mu       sync.Mutex
	sent     []sentEvent
	redacted []id.EventID
	joined   []id.RoomID
	created  []*mautrix.ReqCreateRoom
	state    map[string]interface{}
	events   map[id.EventID]*event.Event
	sendErr  error
	nextID   int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		state:  make(map[string]interface{}),
		events: make(map[id.EventID]*event.Event),
	}
}

func stateKey(room id.RoomID, evtType event.Type, key string) string {
	return room.String() + "|" + evtType.Type + "|" + key
}

func (f *fakeAPI) SetState(room id.RoomID, evtType event.Type, key string, content interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[stateKey(room, evtType, key)] = content
}

func (f *fakeAPI) SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	evtID := id.EventID(fmt.Sprintf("$evt%d", f.nextID))
	f.sent = append(f.sent, sentEvent{Room: roomID, ID: evtID, Content: contentJSON})
	return &mautrix.RespSendEvent{EventID: evtID}, nil
}

func (f *fakeAPI) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, extra ...mautrix.ReqRedact) (*mautrix.RespSendEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redacted = append(f.redacted, eventID)
	return &mautrix.RespSendEvent{EventID: "$redaction"}, nil
}

func (f *fakeAPI) StateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, key string, outContent interface{}) error {
	f.mu.Lock()
	content, ok := f.state[stateKey(roomID, eventType, key)]
	f.mu.Unlock()
	if !ok {
		return mautrix.MNotFound
	}
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, outContent)
}

func (f *fakeAPI) JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, roomID)
	return &mautrix.RespJoinRoom{RoomID: roomID}, nil
}

func (f *fakeAPI) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (*mautrix.RespCreateRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return &mautrix.RespCreateRoom{RoomID: id.RoomID(fmt.Sprintf("!dm%d:hs.example", len(f.created)))}, nil
}

func (f *fakeAPI) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evt, ok := f.events[eventID]
	if !ok {
		return nil, mautrix.MNotFound
	}
	return evt, nil
}

// Sent returns the messages sent into room, in order.
func (f *fakeAPI) Sent(room id.RoomID) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, s := range f.sent {
		if s.Room == room {
			out = append(out, s)
		}
	}
	return out
}

// Bodies returns the plain bodies sent into room.
func (f *fakeAPI) Bodies(room id.RoomID) []string {
	var out []string
	for _, s := range f.Sent(room) {
		out = append(out, s.Body())
	}
	return out
}

// Find returns the first message in room whose body contains substr.
func (f *fakeAPI) Find(room id.RoomID, substr string) (sentEvent, bool) {
	for _, s := range f.Sent(room) {
		if strings.Contains(s.Body(), substr) {
			return s, true
		}
	}
	return sentEvent{}, false
}

type harness struct {
	t         *testing.T
	api       *fakeAPI
	store     *store.MockStore
	transport *Transport
	bot       *Bot
	nextEvent int
}

type harnessOptions struct {
	defaults store.GroupDefaults
	cfg      Config
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	api := newFakeAPI()
	st := store.NewMockStore()
	tr := NewTransport(api, st, "https://hs.example", nil)

	settings := gating.NewSettings(st, opts.defaults)
	d := delivery.New(tr, search.New(st, search.Options{}, nil), settings, st, delivery.Config{}, nil)
	orch := gating.New(gating.Deps{
		Users:    st,
		Groups:   st,
		Defaults: opts.defaults,
		Members:  tr,
		Invites:  tr,
		Delivery: d,
		Verification: gating.VerificationConfig{
			BotLink: "https://gateway.example/start",
		},
	})

	cfg := opts.cfg
	cfg.UserID = botID
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "!"
	}
	cache := dedupe.New(time.Minute, 100)
	bot := NewBot(nil, tr, orch, st, cache, cfg, nil)
	t.Cleanup(func() {
		bot.Close()
		d.Flush()
		cache.Close()
	})

	return &harness{t: t, api: api, store: st, transport: tr, bot: bot}
}

func (h *harness) eventID() id.EventID {
	h.nextEvent++
	return id.EventID(fmt.Sprintf("$in%d", h.nextEvent))
}

// wait blocks until every spawned handler finished.
func (h *harness) wait() {
	h.bot.wg.Wait()
}

func (h *harness) userID(user id.UserID) int64 {
	h.t.Helper()
	uid, err := h.store.ResolveIdentity(context.Background(), store.IdentityUser, user.String())
	require.NoError(h.t, err)
	return uid
}

func (h *harness) roomID(room id.RoomID) int64 {
	h.t.Helper()
	rid, err := h.store.ResolveIdentity(context.Background(), store.IdentityRoom, room.String())
	require.NoError(h.t, err)
	return rid
}

// dm gives user an existing direct room.
func (h *harness) dm(user id.UserID, room id.RoomID) {
	h.t.Helper()
	require.NoError(h.t, h.store.SetDMRoom(context.Background(), h.userID(user), room.String()))
}

func (h *harness) file(groupID int64, name string) {
	h.t.Helper()
	require.NoError(h.t, h.store.SaveFile(context.Background(), &store.File{
		GroupID:  groupID,
		FileRef:  "mxc://hs.example/" + strings.ReplaceAll(name, ".", ""),
		FileName: name,
		FileType: store.FileTypeVideo,
	}))
}

func (h *harness) text(room id.RoomID, sender id.UserID, body string) {
	h.bot.handleMessageEvent(context.Background(), &event.Event{
		ID:      h.eventID(),
		RoomID:  room,
		Sender:  sender,
		Type:    event.EventMessage,
		Content: event.Content{Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body}},
	})
	h.wait()
}

func (h *harness) react(room id.RoomID, sender id.UserID, target id.EventID) {
	h.bot.handleReactionEvent(context.Background(), &event.Event{
		ID:     h.eventID(),
		RoomID: room,
		Sender: sender,
		Type:   event.EventReaction,
		Content: event.Content{Parsed: &event.ReactionEventContent{
			RelatesTo: event.RelatesTo{Type: event.RelAnnotation, EventID: target, Key: retryReaction},
		}},
	})
	h.wait()
}

func (h *harness) member(room id.RoomID, sender id.UserID, membership event.Membership, direct bool) {
	key := botID.String()
	h.bot.handleMemberEvent(context.Background(), &event.Event{
		ID:       h.eventID(),
		RoomID:   room,
		Sender:   sender,
		Type:     event.StateMember,
		StateKey: &key,
		Content:  event.Content{Parsed: &event.MemberEventContent{Membership: membership, IsDirect: direct}},
	})
	h.wait()
}
