// ABOUTME: Markdown rendering for outgoing Matrix messages
// ABOUTME: Turns prompts and notices into body plus formatted_body content

package matrix

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix/event"

	"github.com/2389/autofilter-gateway/internal/gating"
)

// retryContentKey carries a membership wall's retry payload in the event content.
const retryContentKey = "org.autofilter.retry"

// retryReaction is suggested to users; any reaction on a wall counts as a retry.
const retryReaction = "✅"

var markdown = goldmark.New(goldmark.WithRendererOptions(html.WithHardWraps()))

// renderHTML converts Markdown to HTML, falling back to escaped text.
func renderHTML(md string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return strings.ReplaceAll(md, "\n", "<br>")
	}
	return strings.TrimSpace(buf.String())
}

// noticeContent builds an m.notice with both plain and HTML bodies.
func noticeContent(md string) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType:       event.MsgNotice,
		Body:          md,
		Format:        event.FormatHTML,
		FormattedBody: renderHTML(md),
	}
}

// promptMarkdown flattens a prompt's buttons into Markdown. Link buttons
// become links; the retry button becomes a reaction instruction.
func promptMarkdown(p *gating.Prompt) string {
	var b strings.Builder
	b.WriteString(p.Text)

	var lines []string
	for _, btn := range p.Buttons {
		switch {
		case btn.URL != "":
			lines = append(lines, fmt.Sprintf("👉 [%s](%s)", btn.Text, btn.URL))
		case btn.Payload != "":
			lines = append(lines, fmt.Sprintf("👉 **%s**: react to this message with %s", btn.Text, retryReaction))
		}
	}
	if len(lines) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(lines, "\n"))
	}
	return b.String()
}

// promptContent builds the event content for p, attaching its retry payload.
func promptContent(p *gating.Prompt) *event.Content {
	content := &event.Content{Parsed: noticeContent(promptMarkdown(p))}
	if p.RetryPayload != "" {
		content.Raw = map[string]interface{}{retryContentKey: p.RetryPayload}
	}
	return content
}
