// ABOUTME: Transport maps numeric chat ids to Matrix rooms and sends through the client
// ABOUTME: Implements the delivery sender plus membership and invite lookups

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/autofilter-gateway/internal/delivery"
	"github.com/2389/autofilter-gateway/internal/gating"
	"github.com/2389/autofilter-gateway/internal/store"
)

// Identities is the slice of the store that maps Matrix ids to numeric ids.
type Identities interface {
	ResolveIdentity(ctx context.Context, kind store.IdentityKind, externalID string) (int64, error)
	LookupIdentity(ctx context.Context, id int64) (*store.Identity, error)
	SetDMRoom(ctx context.Context, userID int64, roomID string) error
}

// Transport sends messages to numeric chat ids. A positive id is a user and
// resolves to their direct room; a negative id is a room.
type Transport struct {
	api        API
	ids        Identities
	homeserver string
	logger     *slog.Logger
}

// NewTransport creates a Transport. homeserver is used to build download links.
func NewTransport(api API, ids Identities, homeserver string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		api:        api,
		ids:        ids,
		homeserver: strings.TrimSuffix(homeserver, "/"),
		logger:     logger.With("component", "matrix.transport"),
	}
}

var (
	_ delivery.Sender           = (*Transport)(nil)
	_ gating.MembershipProvider = (*Transport)(nil)
	_ gating.InviteResolver     = (*Transport)(nil)
)

// UserID returns the numeric id of a Matrix user.
func (t *Transport) UserID(ctx context.Context, user id.UserID) (int64, error) {
	return t.ids.ResolveIdentity(ctx, store.IdentityUser, user.String())
}

// RoomID returns the numeric id of a Matrix room.
func (t *Transport) RoomID(ctx context.Context, room id.RoomID) (int64, error) {
	return t.ids.ResolveIdentity(ctx, store.IdentityRoom, room.String())
}

// room resolves a chat id to a Matrix room, opening a direct room for users
// that have none yet.
func (t *Transport) room(ctx context.Context, chatID int64) (id.RoomID, error) {
	ident, err := t.ids.LookupIdentity(ctx, chatID)
	if err != nil {
		return "", fmt.Errorf("looking up chat %d: %w", chatID, err)
	}
	if ident.Kind == store.IdentityRoom {
		return id.RoomID(ident.ExternalID), nil
	}
	if ident.DMRoom != "" {
		return id.RoomID(ident.DMRoom), nil
	}

	resp, err := t.api.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:   "trusted_private_chat",
		Invite:   []id.UserID{id.UserID(ident.ExternalID)},
		IsDirect: true,
	})
	if err != nil {
		return "", fmt.Errorf("creating direct room: %w", err)
	}
	if err := t.ids.SetDMRoom(ctx, chatID, resp.RoomID.String()); err != nil {
		t.logger.Warn("failed to remember direct room", "user", ident.ExternalID, "room", resp.RoomID, "error", err)
	}
	t.logger.Info("opened direct room", "user", ident.ExternalID, "room", resp.RoomID)
	return resp.RoomID, nil
}

func (t *Transport) send(ctx context.Context, room id.RoomID, content interface{}) (id.EventID, error) {
	resp, err := t.api.SendMessageEvent(ctx, room, event.EventMessage, content)
	if err != nil {
		if errors.Is(err, mautrix.MLimitExceeded) {
			return "", &delivery.RateLimitError{RetryAfter: retryAfter(err)}
		}
		return "", err
	}
	return resp.EventID, nil
}

// retryAfter reads the wait a rate-limited homeserver asked for, from
// retry_after_ms or the Retry-After header. Zero means unknown.
func retryAfter(err error) time.Duration {
	var respErr mautrix.RespError
	if errors.As(err, &respErr) {
		if ms, ok := respErr.ExtraData["retry_after_ms"].(float64); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		if secs, err := strconv.Atoi(httpErr.Response.Header.Get("Retry-After")); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// SendText sends a Markdown notice.
func (t *Transport) SendText(ctx context.Context, chatID int64, md string) (delivery.MessageRef, error) {
	room, err := t.room(ctx, chatID)
	if err != nil {
		return "", err
	}
	evtID, err := t.send(ctx, room, noticeContent(md))
	if err != nil {
		return "", fmt.Errorf("sending notice: %w", err)
	}
	return delivery.MessageRef(evtID), nil
}

// SendFile re-posts an indexed file by its content URI. Matrix has no
// forward protection, so protect is only logged.
func (t *Transport) SendFile(ctx context.Context, chatID int64, f *store.File, caption string, protect bool) (delivery.MessageRef, error) {
	room, err := t.room(ctx, chatID)
	if err != nil {
		return "", err
	}
	if protect {
		t.logger.Debug("protect_content has no Matrix equivalent", "file_id", f.ID)
	}

	content := &event.MessageEventContent{
		MsgType:       msgTypeFor(f.FileType),
		Body:          caption,
		Format:        event.FormatHTML,
		FormattedBody: renderHTML(caption),
		FileName:      f.FileName,
		URL:           id.ContentURIString(f.FileRef),
		Info: &event.FileInfo{
			MimeType: f.MimeType,
			Size:     int(f.FileSize),
		},
	}
	evtID, err := t.send(ctx, room, content)
	if err != nil {
		return "", fmt.Errorf("sending file: %w", err)
	}
	return delivery.MessageRef(evtID), nil
}

// Delete redacts a message.
func (t *Transport) Delete(ctx context.Context, chatID int64, ref delivery.MessageRef) error {
	room, err := t.room(ctx, chatID)
	if err != nil {
		return err
	}
	if _, err := t.api.RedactEvent(ctx, room, id.EventID(ref)); err != nil {
		return fmt.Errorf("redacting event: %w", err)
	}
	return nil
}

// FileLink returns a media download URL for f.
func (t *Transport) FileLink(f *store.File) string {
	uri, err := id.ParseContentURI(f.FileRef)
	if err != nil || uri.IsEmpty() {
		return f.FileRef
	}
	return fmt.Sprintf("%s/_matrix/media/v3/download/%s/%s?filename=%s",
		t.homeserver, uri.Homeserver, uri.FileID, url.QueryEscape(f.FileName))
}

// MemberStatus reads userID's membership state in channelID. A user the
// room has never seen counts as having left.
func (t *Transport) MemberStatus(ctx context.Context, channelID, userID int64) (gating.MemberStatus, error) {
	room, err := t.room(ctx, channelID)
	if err != nil {
		return gating.MemberLeft, err
	}
	user, err := t.ids.LookupIdentity(ctx, userID)
	if err != nil {
		return gating.MemberLeft, fmt.Errorf("looking up user %d: %w", userID, err)
	}

	var member event.MemberEventContent
	err = t.api.StateEvent(ctx, room, event.StateMember, user.ExternalID, &member)
	if errors.Is(err, mautrix.MNotFound) {
		return gating.MemberLeft, nil
	}
	if err != nil {
		return gating.MemberLeft, fmt.Errorf("reading member state: %w", err)
	}
	return memberStatus(member.Membership), nil
}

func memberStatus(m event.Membership) gating.MemberStatus {
	switch m {
	case event.MembershipJoin:
		return gating.MemberActive
	case event.MembershipBan:
		return gating.MemberBanned
	default:
		// invite, knock and leave all mean the user is not in the room yet
		return gating.MemberLeft
	}
}

// InviteLink returns a matrix.to link for roomID, preferring its canonical alias.
func (t *Transport) InviteLink(ctx context.Context, roomID int64) string {
	if roomID == 0 {
		return ""
	}
	ident, err := t.ids.LookupIdentity(ctx, roomID)
	if err != nil || ident.Kind != store.IdentityRoom {
		return ""
	}

	var alias event.CanonicalAliasEventContent
	if err := t.api.StateEvent(ctx, id.RoomID(ident.ExternalID), event.StateCanonicalAlias, "", &alias); err == nil && alias.Alias != "" {
		return "https://matrix.to/#/" + alias.Alias.String()
	}
	return "https://matrix.to/#/" + ident.ExternalID
}

// SendPrompt posts a gating prompt into room and returns its event id.
func (t *Transport) SendPrompt(ctx context.Context, room id.RoomID, p *gating.Prompt) (id.EventID, error) {
	evtID, err := t.send(ctx, room, promptContent(p))
	if err != nil {
		return "", fmt.Errorf("sending prompt: %w", err)
	}
	return evtID, nil
}

// EditPrompt replaces the text of an earlier prompt.
func (t *Transport) EditPrompt(ctx context.Context, room id.RoomID, original id.EventID, p *gating.Prompt) error {
	content := noticeContent(promptMarkdown(p))
	content.SetEdit(original)
	if _, err := t.send(ctx, room, content); err != nil {
		return fmt.Errorf("editing prompt: %w", err)
	}
	return nil
}

// Notice posts a Markdown notice into room.
func (t *Transport) Notice(ctx context.Context, room id.RoomID, md string) {
	if _, err := t.send(ctx, room, noticeContent(md)); err != nil {
		t.logger.Warn("failed to send notice", "room", room, "error", err)
	}
}

func msgTypeFor(fileType string) event.MessageType {
	switch fileType {
	case store.FileTypeVideo:
		return event.MsgVideo
	case store.FileTypeAudio:
		return event.MsgAudio
	case store.FileTypePhoto:
		return event.MsgImage
	default:
		return event.MsgFile
	}
}

func fileTypeFor(msgType event.MessageType) string {
	switch msgType {
	case event.MsgVideo:
		return store.FileTypeVideo
	case event.MsgAudio:
		return store.FileTypeAudio
	case event.MsgImage:
		return store.FileTypePhoto
	default:
		return store.FileTypeDocument
	}
}
