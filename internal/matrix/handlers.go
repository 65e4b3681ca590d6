// ABOUTME: Event handlers for messages, reactions and membership changes
// ABOUTME: Translates Matrix events into orchestrator calls and sends the resulting prompts

package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/autofilter-gateway/internal/gating"
	"github.com/2389/autofilter-gateway/internal/store"
)

// minQueryLength is the shortest group message treated as a search.
const minQueryLength = 2

const (
	msgGenericError     = "⚠️ Something went wrong. Please try again later."
	msgNotYourButton    = "⚠️ This button is not for you."
	msgInvalidLink      = "❌ Invalid or expired verification link."
	msgForeignLink      = "❌ This link isn't yours."
	msgShortlinkCleared = "✅ **Shortlink verified!** One last step: join our channel to get your files."
	msgRetryCleared     = "✅ **Subscription verified!** Fetching your files…"
)

func (b *Bot) handleMessageEvent(_ context.Context, evt *event.Event) {
	if evt.Sender == b.cfg.UserID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	// Edits repeat the original message
	if content.RelatesTo.GetReplaceID() != "" {
		return
	}
	if b.duplicate(evt) {
		b.logger.Debug("dropping duplicate event", "event_id", evt.ID)
		return
	}

	switch content.MsgType {
	case event.MsgText:
		body := strings.TrimSpace(content.Body)
		if body == "" {
			return
		}
		b.logger.Debug("received message", "room", evt.RoomID, "sender", evt.Sender, "content", truncate(body, 50))
		b.spawn(func(ctx context.Context) {
			b.processText(ctx, evt.RoomID, evt.Sender, body)
		})
	case event.MsgFile, event.MsgVideo, event.MsgAudio, event.MsgImage:
		b.spawn(func(ctx context.Context) {
			b.indexFile(ctx, evt.RoomID, evt.Sender, content)
		})
	}
}

func (b *Bot) processText(ctx context.Context, room id.RoomID, sender id.UserID, body string) {
	userID, err := b.transport.UserID(ctx, sender)
	if err != nil {
		b.logger.Error("resolving sender", "sender", sender, "error", err)
		return
	}

	if b.cfg.CommandPrefix != "" && strings.HasPrefix(body, b.cfg.CommandPrefix) {
		b.runCommand(ctx, room, sender, userID, strings.TrimPrefix(body, b.cfg.CommandPrefix))
		return
	}

	if b.isDirect(ctx, userID, room) {
		if !b.cfg.PMSearch {
			b.transport.Notice(ctx, room, "🔎 Send your search in one of my groups.")
			return
		}
		// Direct searches cover the whole library
		b.submit(ctx, room, gating.RequestContext{
			UserID:   userID,
			GroupID:  0,
			ChatID:   userID,
			Query:    body,
			Username: sender.Localpart(),
			IsAdmin:  b.isAdmin(sender),
		})
		return
	}

	if b.indexRooms[room] || len([]rune(body)) < minQueryLength {
		return
	}
	groupID, err := b.transport.RoomID(ctx, room)
	if err != nil {
		b.logger.Error("resolving room", "room", room, "error", err)
		return
	}
	b.submit(ctx, room, gating.RequestContext{
		UserID:   userID,
		GroupID:  groupID,
		ChatID:   groupID,
		Query:    body,
		Username: sender.Localpart(),
		IsAdmin:  b.isAdmin(sender),
	})
}

func (b *Bot) submit(ctx context.Context, room id.RoomID, req gating.RequestContext) {
	res, err := b.orch.Submit(ctx, req)
	if err != nil {
		b.handleError(ctx, room, err)
		return
	}
	b.sendResult(ctx, room, res)
}

func (b *Bot) runCommand(ctx context.Context, room id.RoomID, sender id.UserID, userID int64, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	var arg string
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch strings.ToLower(fields[0]) {
	case "start":
		b.cmdStart(ctx, room, userID, arg)
	case "help":
		b.transport.Notice(ctx, room, b.helpText())
	case "stats":
		if !b.isAdmin(sender) {
			return
		}
		b.cmdStats(ctx, room)
	default:
		b.logger.Debug("unknown command", "command", fields[0], "sender", sender)
	}
}

// cmdStart redeems a verification token and resumes the pending request in
// the user's direct room. Without a token it greets the user.
func (b *Bot) cmdStart(ctx context.Context, room id.RoomID, userID int64, token string) {
	if !gating.IsVerifyToken(token) {
		b.transport.Notice(ctx, room, b.welcomeText())
		return
	}

	redeemed, err := b.orch.Verification().Redeem(ctx, userID, token)
	switch {
	case errors.Is(err, gating.ErrTokenMalformed):
		b.transport.Notice(ctx, room, msgInvalidLink)
		return
	case errors.Is(err, gating.ErrTokenMismatch):
		b.transport.Notice(ctx, room, msgForeignLink)
		return
	case err != nil:
		b.handleError(ctx, room, err)
		return
	}

	dm, err := b.transport.room(ctx, userID)
	if err != nil {
		b.logger.Error("opening direct room", "user_id", userID, "error", err)
		dm = room
	}

	until := redeemed.Expiry.UTC().Format("2006-01-02 15:04 MST")
	if redeemed.AlreadyVerified {
		b.transport.Notice(ctx, dm, fmt.Sprintf("✅ **Already verified!** Your access is valid until %s.", until))
	} else {
		b.transport.Notice(ctx, dm, fmt.Sprintf("✅ **Verification complete!** Your access is valid until %s.", until))
	}

	res, err := b.orch.Resume(ctx, userID, userID)
	if err != nil {
		b.handleError(ctx, dm, err)
		return
	}
	if res.State == gating.StateMembershipWall {
		b.transport.Notice(ctx, dm, msgShortlinkCleared)
	}
	b.sendResult(ctx, dm, res)
}

func (b *Bot) cmdStats(ctx context.Context, room id.RoomID) {
	s, err := b.store.Stats(ctx)
	if err != nil {
		b.handleError(ctx, room, err)
		return
	}
	b.transport.Notice(ctx, room, fmt.Sprintf(
		"📊 **Stats**\n\nUsers: %d (premium %d)\nGroups: %d\nFiles: %d\nPending: %d\nDeliveries: %d",
		s.Users, s.PremiumUsers, s.Groups, s.Files, s.Pending, s.Deliveries,
	))
}

func (b *Bot) welcomeText() string {
	text := "👋 **Hi!** I find files for you.\n\nAdd me to a group and send a file name there to search."
	if b.cfg.PMSearch {
		text += "\nYou can also search right here."
	}
	return text
}

func (b *Bot) helpText() string {
	p := b.cfg.CommandPrefix
	return "📖 **Help**\n\n" +
		"Send a file name in a group and I'll send matching files.\n\n" +
		fmt.Sprintf("`%sstart`: finish verification or say hello\n", p) +
		fmt.Sprintf("`%shelp`: show this message", p)
}

// indexFile stores an uploaded file. Files in index rooms go to the shared
// library; files in other groups stay with that group. Direct rooms and
// encrypted attachments are not indexed.
func (b *Bot) indexFile(ctx context.Context, room id.RoomID, sender id.UserID, content *event.MessageEventContent) {
	if content.URL == "" {
		b.logger.Debug("skipping encrypted or empty attachment", "room", room)
		return
	}

	var groupID int64
	if !b.indexRooms[room] {
		userID, err := b.transport.UserID(ctx, sender)
		if err == nil && b.isDirect(ctx, userID, room) {
			return
		}
		groupID, err = b.transport.RoomID(ctx, room)
		if err != nil {
			b.logger.Error("resolving room", "room", room, "error", err)
			return
		}
	}

	f := &store.File{
		GroupID:  groupID,
		FileRef:  string(content.URL),
		FileName: content.FileName,
		FileType: fileTypeFor(content.MsgType),
	}
	if f.FileName == "" {
		f.FileName = content.Body
	} else if content.Body != f.FileName {
		f.Caption = content.Body
	}
	if content.Info != nil {
		f.FileSize = int64(content.Info.Size)
		f.MimeType = content.Info.MimeType
	}

	if err := b.store.SaveFile(ctx, f); err != nil {
		b.logger.Error("indexing file", "room", room, "file", f.FileName, "error", err)
		return
	}
	b.logger.Info("indexed file", "room", room, "group_id", groupID, "file", f.FileName)
}

func (b *Bot) handleReactionEvent(_ context.Context, evt *event.Event) {
	if evt.Sender == b.cfg.UserID {
		return
	}
	reaction, ok := evt.Content.Parsed.(*event.ReactionEventContent)
	if !ok || reaction.RelatesTo.EventID == "" {
		return
	}
	if b.duplicate(evt) {
		return
	}
	target := reaction.RelatesTo.EventID
	b.spawn(func(ctx context.Context) {
		b.processRetry(ctx, evt.RoomID, evt.Sender, target)
	})
}

// processRetry treats a reaction on a membership wall as a retry tap.
func (b *Bot) processRetry(ctx context.Context, room id.RoomID, sender id.UserID, wall id.EventID) {
	payload := b.wallPayload(ctx, room, wall)
	if payload == "" {
		return
	}
	userID, err := b.transport.UserID(ctx, sender)
	if err != nil {
		b.logger.Error("resolving sender", "sender", sender, "error", err)
		return
	}

	res, err := b.orch.Retry(ctx, payload, userID, userID)
	switch {
	case errors.Is(err, gating.ErrNotYourButton):
		b.transport.Notice(ctx, room, msgNotYourButton)
		return
	case errors.Is(err, gating.ErrTokenMalformed):
		b.logger.Warn("malformed retry payload on wall", "event_id", wall)
		b.walls.forget(wall)
		b.transport.Notice(ctx, room, msgInvalidLink)
		return
	case err != nil:
		b.handleError(ctx, room, err)
		return
	}

	switch res.State {
	case gating.StateMembershipWall:
		if err := b.transport.EditPrompt(ctx, room, wall, res.Prompt); err != nil {
			b.logger.Warn("failed to refresh wall", "event_id", wall, "error", err)
		}
		return
	case gating.StateVerifyWall, gating.StateFinished:
		// Nothing to fetch: the wall becomes the verify link or the closing note
		if err := b.transport.EditPrompt(ctx, room, wall, res.Prompt); err != nil {
			b.logger.Warn("failed to update wall", "event_id", wall, "state", res.State, "error", err)
		}
		b.walls.forget(wall)
		return
	}

	if err := b.transport.EditPrompt(ctx, room, wall, &gating.Prompt{Text: msgRetryCleared}); err != nil {
		b.logger.Warn("failed to update wall", "event_id", wall, "error", err)
	}
	b.walls.forget(wall)

	dm, err := b.transport.room(ctx, userID)
	if err != nil {
		b.logger.Error("opening direct room", "user_id", userID, "error", err)
		return
	}
	b.sendResult(ctx, dm, res)
}

// wallPayload returns the retry payload of a wall event, reading the event
// back from the homeserver when it is no longer cached.
func (b *Bot) wallPayload(ctx context.Context, room id.RoomID, wall id.EventID) string {
	if payload, ok := b.walls.get(wall); ok {
		return payload
	}
	evt, err := b.transport.api.GetEvent(ctx, room, wall)
	if err != nil {
		b.logger.Debug("reacted event not readable", "event_id", wall, "error", err)
		return ""
	}
	if evt.Sender != b.cfg.UserID {
		return ""
	}
	payload, _ := evt.Content.Raw[retryContentKey].(string)
	if payload != "" {
		b.walls.put(wall, payload)
	}
	return payload
}

func (b *Bot) handleMemberEvent(_ context.Context, evt *event.Event) {
	if evt.StateKey == nil || id.UserID(*evt.StateKey) != b.cfg.UserID {
		return
	}
	member, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok {
		return
	}
	if b.duplicate(evt) {
		return
	}

	switch member.Membership {
	case event.MembershipInvite:
		b.spawn(func(ctx context.Context) {
			b.acceptInvite(ctx, evt.RoomID, evt.Sender, member.IsDirect)
		})
	case event.MembershipLeave, event.MembershipBan:
		b.spawn(func(ctx context.Context) {
			b.leftRoom(ctx, evt.RoomID)
		})
	}
}

// acceptInvite joins room. Direct invites become the inviter's direct room;
// anything else is registered as a group.
func (b *Bot) acceptInvite(ctx context.Context, room id.RoomID, inviter id.UserID, direct bool) {
	if _, err := b.transport.api.JoinRoomByID(ctx, room); err != nil {
		b.logger.Error("joining room", "room", room, "error", err)
		return
	}
	b.logger.Info("joined room", "room", room, "inviter", inviter, "direct", direct)

	if direct {
		userID, err := b.transport.UserID(ctx, inviter)
		if err != nil {
			b.logger.Error("resolving inviter", "inviter", inviter, "error", err)
			return
		}
		if err := b.store.SetDMRoom(ctx, userID, room.String()); err != nil {
			b.logger.Error("recording direct room", "room", room, "error", err)
		}
		return
	}

	groupID, err := b.transport.RoomID(ctx, room)
	if err != nil {
		b.logger.Error("resolving room", "room", room, "error", err)
		return
	}
	if err := b.store.RegisterGroup(ctx, groupID, b.roomName(ctx, room)); err != nil {
		b.logger.Error("registering group", "room", room, "error", err)
	}
}

func (b *Bot) leftRoom(ctx context.Context, room id.RoomID) {
	groupID, err := b.transport.RoomID(ctx, room)
	if err != nil {
		b.logger.Error("resolving room", "room", room, "error", err)
		return
	}
	if err := b.store.DeactivateGroup(ctx, groupID); err != nil && !errors.Is(err, store.ErrNotFound) {
		b.logger.Error("deactivating group", "room", room, "error", err)
		return
	}
	b.logger.Info("left room", "room", room, "group_id", groupID)
}

func (b *Bot) roomName(ctx context.Context, room id.RoomID) string {
	var name event.RoomNameEventContent
	if err := b.transport.api.StateEvent(ctx, room, event.StateRoomName, "", &name); err != nil || name.Name == "" {
		return room.String()
	}
	return name.Name
}

// sendResult posts the result's prompt into room. Walls are remembered so a
// later reaction can find their retry payload.
func (b *Bot) sendResult(ctx context.Context, room id.RoomID, res gating.Result) {
	if res.Prompt == nil {
		return
	}
	evtID, err := b.transport.SendPrompt(ctx, room, res.Prompt)
	if err != nil {
		b.logger.Error("sending prompt", "room", room, "state", res.State, "error", err)
		return
	}
	if res.Prompt.RetryPayload != "" {
		b.walls.put(evtID, res.Prompt.RetryPayload)
	}
}

func (b *Bot) handleError(ctx context.Context, room id.RoomID, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	b.logger.Error("request failed", "room", room, "error", err)

	// Reply even when the handler context was cancelled mid-way
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	b.transport.Notice(ctx, room, msgGenericError)
}
