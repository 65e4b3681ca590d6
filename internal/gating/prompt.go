// ABOUTME: Transport-neutral prompts emitted by the gates
// ABOUTME: Markdown text plus link buttons and an optional retry payload

package gating

import (
	"fmt"
	"time"
)

// Button is either a link (URL set) or a retry affordance (Payload set).
type Button struct {
	Text    string
	URL     string
	Payload string
}

// Prompt is a message for the user. Text is Markdown.
type Prompt struct {
	Text    string
	Buttons []Button
	// RetryPayload is set on membership walls so the frontend can attach it
	// to whatever retry mechanism the transport offers.
	RetryPayload string
}

func verificationPrompt(link, tutorialURL string, validity time.Duration) *Prompt {
	p := &Prompt{
		Text: "🔐 **Verification Required**\n\n" +
			fmt.Sprintf("To access files you must verify once every %s.\n\n", formatValidity(validity)) +
			"**Steps:**\n\n" +
			"1. Tap **Click Here to Verify**\n" +
			"2. Complete the shortlink page\n" +
			"3. The bot will send your files automatically ✅",
		Buttons: []Button{{Text: "🔗 Click Here to Verify", URL: link}},
	}
	if tutorialURL != "" {
		p.Buttons = append(p.Buttons, Button{Text: "📹 How to Verify?", URL: tutorialURL})
	}
	return p
}

func membershipPrompt(invite, payload string, stillBlocked bool) *Prompt {
	text := "🔒 **Channel subscription required!**\n\n" +
		"You must join our channel to receive files.\n\n" +
		"1. Tap **📢 Join Channel**\n" +
		"2. Join the channel\n" +
		"3. Come back and tap **✅ I've Joined, Try Again**\n\n" +
		"The bot will check your membership and deliver your files instantly."
	if stillBlocked {
		text = "❌ **You haven't joined yet!**\n\n" +
			"Please join the channel first, then tap **Try Again**.\n\n" + text
	}

	p := &Prompt{Text: text, RetryPayload: payload}
	if invite != "" {
		p.Buttons = append(p.Buttons, Button{Text: "📢 Join Channel", URL: invite})
	}
	p.Buttons = append(p.Buttons, Button{Text: "✅ I've Joined, Try Again", Payload: payload})
	return p
}

func finishedPrompt() *Prompt {
	return &Prompt{
		Text: "✅ **All done!**\n\nGo back to the group and search for your file.",
	}
}

func noResultsPrompt(query string, private bool, groupLink string) *Prompt {
	if !private {
		return &Prompt{
			Text: fmt.Sprintf("❌ No results for **%s**.\nTry a shorter or different keyword.", query),
		}
	}
	p := &Prompt{
		Text: fmt.Sprintf("✅ **Verified!**\n\n❌ No results found for **%s**.\n"+
			"Go back to the group and try a different keyword.", query),
	}
	if groupLink != "" {
		p.Buttons = []Button{{Text: "🔙 Back to Group", URL: groupLink}}
	}
	return p
}

// formatValidity renders a verification window like "24 hours" or "30 minutes".
func formatValidity(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		if h := int(d / time.Hour); h != 1 {
			return fmt.Sprintf("%d hours", h)
		}
		return "hour"
	case d >= time.Minute:
		if m := int(d / time.Minute); m != 1 {
			return fmt.Sprintf("%d minutes", m)
		}
		return "minute"
	default:
		return d.String()
	}
}
