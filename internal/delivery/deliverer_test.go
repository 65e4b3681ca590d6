// ABOUTME: Tests for the Deliverer against a recording fake sender
// ABOUTME: Covers captions, link mode, rate-limit retry, failure isolation and auto-delete

package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/autofilter-gateway/internal/gating"
	"github.com/2389/autofilter-gateway/internal/search"
	"github.com/2389/autofilter-gateway/internal/store"
)

const (
	testUser  = int64(42)
	testGroup = int64(-100)
	testDM    = int64(-900)
)

var _ gating.DeliveryAdapter = (*Deliverer)(nil)

type sentMessage struct {
	chatID  int64
	kind    string
	text    string
	fileRef string
	protect bool
	ref     MessageRef
}

type fakeSender struct {
	mu        sync.Mutex
	sent      []sentMessage
	deleted   []MessageRef
	failFile  map[string]error
	rateLimit map[string]int // file name -> remaining rate-limit replies
	seq       int
}

func newFakeSender() *fakeSender {
	return &fakeSender{failFile: map[string]error{}, rateLimit: map[string]int{}}
}

func (f *fakeSender) nextRef() MessageRef {
	f.seq++
	return MessageRef(fmt.Sprintf("$evt%d", f.seq))
}

func (f *fakeSender) SendFile(ctx context.Context, chatID int64, file *store.File, caption string, protect bool) (MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.rateLimit[file.FileName]; n > 0 {
		f.rateLimit[file.FileName] = n - 1
		return "", &RateLimitError{RetryAfter: 3 * time.Second}
	}
	if err := f.failFile[file.FileName]; err != nil {
		return "", err
	}
	ref := f.nextRef()
	f.sent = append(f.sent, sentMessage{chatID: chatID, kind: "file", text: caption, fileRef: file.FileRef, protect: protect, ref: ref})
	return ref, nil
}

func (f *fakeSender) SendText(ctx context.Context, chatID int64, markdown string) (MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := f.nextRef()
	f.sent = append(f.sent, sentMessage{chatID: chatID, kind: "text", text: markdown, ref: ref})
	return ref, nil
}

func (f *fakeSender) Delete(ctx context.Context, chatID int64, ref MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeSender) FileLink(file *store.File) string {
	return "https://dl.example.org/" + file.ID
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeSender) files() []sentMessage {
	var out []sentMessage
	for _, m := range f.messages() {
		if m.kind == "file" {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	store  *store.MockStore
	sender *fakeSender
	d      *Deliverer
	slept  []time.Duration
}

func newHarness(t *testing.T, defaults store.GroupDefaults, names ...string) *harness {
	t.Helper()
	m := store.NewMockStore()
	ctx := context.Background()
	require.NoError(t, m.EnsureUser(ctx, &store.User{ID: testUser}))
	for i, name := range names {
		require.NoError(t, m.SaveFile(ctx, &store.File{
			ID:        fmt.Sprintf("f%d", i),
			GroupID:   testGroup,
			FileRef:   "mxc://example.org/" + name,
			FileName:  name,
			FileSize:  1536,
			FileType:  "video",
			IndexedAt: time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC),
		}))
	}

	h := &harness{store: m, sender: newFakeSender()}
	h.d = New(h.sender,
		search.New(m, search.Options{SpellCheck: true}, nil),
		gating.NewSettings(m, defaults),
		m,
		Config{MaxResults: 10},
		nil,
	)
	h.d.sleep = func(ctx context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	}
	return h
}

func groupReq(query string) gating.RequestContext {
	return gating.RequestContext{UserID: testUser, GroupID: testGroup, ChatID: testGroup, Query: query}
}

func TestSearchAndSend_SendsFilesWithCaption(t *testing.T) {
	h := newHarness(t, store.GroupDefaults{Caption: "{file_name} | {file_size} | {file_type}"}, "Matrix.1999.mkv")

	report, err := h.d.SearchAndSend(context.Background(), groupReq("matrix"), "matrix")

	require.NoError(t, err)
	assert.Equal(t, gating.DeliveryReport{Attempted: 1, Sent: 1}, report)
	files := h.sender.files()
	require.Len(t, files, 1)
	assert.Equal(t, testGroup, files[0].chatID)
	assert.Equal(t, "Matrix.1999.mkv | 1.50 KB | video", files[0].text)
	assert.Len(t, h.sender.messages(), 1, "group delivery sends no header")
}

func TestSearchAndSend_NoResults(t *testing.T) {
	h := newHarness(t, store.GroupDefaults{}, "Matrix.1999.mkv")

	report, err := h.d.SearchAndSend(context.Background(), groupReq("titanic"), "titanic")

	require.NoError(t, err)
	assert.Equal(t, 0, report.Attempted)
	assert.Empty(t, h.sender.messages())

	recs, err := h.store.ListDeliveries(context.Background(), testUser, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "titanic", recs[0].Query)
}

func TestSearchAndSend_PrivateHeader(t *testing.T) {
	h := newHarness(t, store.GroupDefaults{}, "Matrix.1999.mkv")
	req := groupReq("matrix")
	req.ChatID = testDM

	_, err := h.d.SearchAndSend(context.Background(), req, "matrix")

	require.NoError(t, err)
	msgs := h.sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "text", msgs[0].kind)
	assert.Contains(t, msgs[0].text, "Access granted")
	assert.Contains(t, msgs[0].text, "**matrix**")
	assert.Equal(t, testDM, msgs[1].chatID)
}

func TestSearchAndSend_FailureIsolation(t *testing.T) {
	h := newHarness(t, store.GroupDefaults{}, "Matrix.1999.mkv", "Matrix.Reloaded.mkv", "Matrix.Revolutions.mkv")
	h.sender.failFile["Matrix.Reloaded.mkv"] = errors.New("upload rejected")

	report, err := h.d.SearchAndSend(context.Background(), groupReq("matrix"), "matrix")

	require.NoError(t, err)
	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 1, report.Failed())
}

func TestSearchAndSend_RateLimitRetriesOnce(t *testing.T) {
	h := newHarness(t, store.GroupDefaults{}, "Matrix.1999.mkv", "Matrix.Reloaded.mkv")
	h.sender.rateLimit["Matrix.1999.mkv"] = 1
	h.sender.rateLimit["Matrix.Reloaded.mkv"] = 2

	report, err := h.d.SearchAndSend(context.Background(), groupReq("matrix"), "matrix")

	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 1, report.Sent, "a second rate limit counts as a failure")
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, h.slept)
}

func TestSearchAndSend_ProtectContent(t *testing.T) {
	h := newHarness(t, store.GroupDefaults{ProtectContent: true}, "Matrix.1999.mkv")

	_, err := h.d.SearchAndSend(context.Background(), groupReq("matrix"), "matrix")

	require.NoError(t, err)
	require.Len(t, h.sender.files(), 1)
	assert.True(t, h.sender.files()[0].protect)
}

func TestSearchAndSend_LinkMode(t *testing.T) {
	h := newHarness(t, store.GroupDefaults{LinkMode: true, AutoDelete: time.Hour}, "Matrix.1999.mkv", "Matrix.Reloaded.mkv")

	report, err := h.d.SearchAndSend(context.Background(), groupReq("matrix"), "matrix")

	require.NoError(t, err)
	assert.Equal(t, gating.DeliveryReport{Attempted: 2, Sent: 2}, report)
	msgs := h.sender.messages()
	require.Len(t, msgs, 1, "link mode sends one message and no auto-delete notice")
	assert.Contains(t, msgs[0].text, "Found **2** file(s)")
	assert.Contains(t, msgs[0].text, "https://dl.example.org/f0")
	assert.Empty(t, h.sender.files())
}

func TestSearchAndSend_GroupOverridesDefaults(t *testing.T) {
	h := newHarness(t, store.GroupDefaults{}, "Matrix.1999.mkv")
	linkMode := true
	require.NoError(t, h.store.UpsertGroupSettings(context.Background(), &store.GroupSettings{
		GroupID:  testGroup,
		LinkMode: &linkMode,
	}))

	_, err := h.d.SearchAndSend(context.Background(), groupReq("matrix"), "matrix")

	require.NoError(t, err)
	assert.Empty(t, h.sender.files())
}

func TestSearchAndSend_AutoDelete(t *testing.T) {
	h := newHarness(t, store.GroupDefaults{AutoDelete: 5 * time.Minute}, "Matrix.1999.mkv", "Matrix.Reloaded.mkv")

	_, err := h.d.SearchAndSend(context.Background(), groupReq("matrix"), "matrix")
	require.NoError(t, err)

	msgs := h.sender.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "⏳ These files will be auto-deleted in **5 min**.", msgs[2].text)
	assert.Empty(t, h.sender.deleted, "nothing is deleted before the delay")

	h.d.Flush()

	assert.ElementsMatch(t, []MessageRef{msgs[0].ref, msgs[1].ref, msgs[2].ref}, h.sender.deleted)
}

func TestSearchAndSend_AutoDeleteFires(t *testing.T) {
	h := newHarness(t, store.GroupDefaults{AutoDelete: 20 * time.Millisecond}, "Matrix.1999.mkv")

	_, err := h.d.SearchAndSend(context.Background(), groupReq("matrix"), "matrix")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		h.sender.mu.Lock()
		defer h.sender.mu.Unlock()
		return len(h.sender.deleted) == 2
	}, time.Second, 5*time.Millisecond)

	h.d.Flush()
	assert.Len(t, h.sender.deleted, 2, "flush after firing deletes nothing twice")
}

func TestSearchAndSend_RecordsDelivery(t *testing.T) {
	h := newHarness(t, store.GroupDefaults{}, "Matrix.1999.mkv")

	_, err := h.d.SearchAndSend(context.Background(), groupReq("matrix"), "matrix")
	require.NoError(t, err)

	recs, err := h.store.ListDeliveries(context.Background(), testUser, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Sent)

	u, err := h.store.GetUser(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 1, u.TotalSearches)
}

func TestSearchAndSend_StoreError(t *testing.T) {
	h := newHarness(t, store.GroupDefaults{}, "Matrix.1999.mkv")
	h.store.SetErr(errors.New("db down"))

	_, err := h.d.SearchAndSend(context.Background(), groupReq("matrix"), "matrix")

	assert.ErrorIs(t, err, gating.ErrStoreUnavailable)
}

func TestRenderCaption(t *testing.T) {
	f := &store.File{FileName: "a.mkv", FileSize: 0, FileType: "document"}

	assert.Equal(t, "📁 **a.mkv**\n💾 Size: 0 B\n🗂 Type: document",
		RenderCaption("📁 **{file_name}**\n💾 Size: {file_size}\n🗂 Type: {file_type}", f))
	assert.Equal(t, "a.mkv", RenderCaption("", f))
}

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		size int64
		want string
	}{
		{0, "0 B"},
		{512, "512.00 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{5 * 1024 * 1024, "5.00 MB"},
		{3 * 1024 * 1024 * 1024, "3.00 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HumanBytes(tt.size), "size %d", tt.size)
	}
}
