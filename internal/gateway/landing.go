// ABOUTME: Landing page for verification links opened in a browser
// ABOUTME: Tells the user which command to send the bot to finish verifying

package gateway

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"regexp"

	"github.com/yuin/goldmark"
)

// startPayloadPattern bounds what the landing page echoes back.
var startPayloadPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

var landingTemplate = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Finish verification</title>
{{if .Canonical}}<link rel="canonical" href="{{.Canonical}}">{{end}}
<style>
body { font-family: system-ui, sans-serif; max-width: 36rem; margin: 3rem auto; padding: 0 1rem; line-height: 1.5; }
code { background: #f2f2f2; padding: .15rem .35rem; border-radius: 4px; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

type landingPage struct {
	Canonical string
	Body      template.HTML
}

// handleStart handles GET /start?start=<payload>, the target of shortened
// verification links.
func (g *Gateway) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload := r.URL.Query().Get("start")
	if !startPayloadPattern.MatchString(payload) {
		http.Error(w, "invalid start link", http.StatusBadRequest)
		return
	}

	bot := g.config.Matrix.UserID
	prefix := g.config.Matrix.CommandPrefix
	md := fmt.Sprintf("## Almost done\n\n"+
		"Send this message to [%s](https://matrix.to/#/%s) in a direct chat:\n\n"+
		"`%sstart %s`\n\n"+
		"The bot will confirm your verification and send the files you asked for.\n",
		bot, bot, prefix, payload)

	var body bytes.Buffer
	if err := goldmark.Convert([]byte(md), &body); err != nil {
		g.logger.Error("rendering landing page", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	page := landingPage{Body: template.HTML(body.String())} //nolint:gosec // rendered from escaped Markdown
	if g.publicURL != "" {
		page.Canonical = g.publicURL + "/start?start=" + payload
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := landingTemplate.Execute(w, page); err != nil {
		g.logger.Debug("failed to write landing page", "error", err)
	}
}
