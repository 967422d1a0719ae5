// pkg/mailer/templates.go

package mailer

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	cerr "github.com/cockroachdb/errors"
)

// RequestMail is the data behind a workflow notification.
type RequestMail struct {
	Event         string
	RequestID     uint
	Path          string
	Type          string
	Status        string
	Requester     string
	Actor         string
	Comment       string
	Justification string
	Link          string
}

var headlines = map[string]string{
	"request:created":  "New access request",
	"request:approved": "Access request approved",
	"request:rejected": "Access request rejected",
	"request:canceled": "Access request canceled",
	"request:updated":  "Access request updated",
}

const textBody = `{{.Headline}}
{{.Rule}}

Request:   #{{.RequestID}}
Path:      {{.Path}}
Type:      {{.Type}}
Status:    {{.Status}}
Requester: {{.Requester}}
{{- if .Actor}}
By:        {{.Actor}}{{end}}
{{- if .Justification}}
Reason:    {{.Justification}}{{end}}
{{- if .Comment}}
Comment:   {{.Comment}}{{end}}
{{if .Link}}
Open: {{.Link}}
{{end}}`

const htmlBody = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Headline}}</title></head>
<body style="font-family: sans-serif; color: #333; max-width: 600px; margin: 0 auto;">
<h2>{{.Headline}}</h2>
<table style="border-collapse: collapse;">
<tr><td><strong>Request</strong></td><td>#{{.RequestID}}</td></tr>
<tr><td><strong>Path</strong></td><td><code>{{.Path}}</code></td></tr>
<tr><td><strong>Type</strong></td><td>{{.Type}}</td></tr>
<tr><td><strong>Status</strong></td><td>{{.Status}}</td></tr>
<tr><td><strong>Requester</strong></td><td>{{.Requester}}</td></tr>
{{- if .Actor}}
<tr><td><strong>By</strong></td><td>{{.Actor}}</td></tr>{{end}}
{{- if .Justification}}
<tr><td><strong>Reason</strong></td><td>{{.Justification}}</td></tr>{{end}}
{{- if .Comment}}
<tr><td><strong>Comment</strong></td><td>{{.Comment}}</td></tr>{{end}}
</table>
{{- if .Link}}
<p><a href="{{.Link}}">Open in Vault PAM</a></p>{{end}}
</body></html>`

var (
	textTmpl = texttemplate.Must(texttemplate.New("text").Parse(textBody))
	htmlTmpl = htmltemplate.Must(htmltemplate.New("html").Parse(htmlBody))
)

// Compose renders the notification for d.
func Compose(to []string, d RequestMail) (Message, error) {
	headline, ok := headlines[d.Event]
	if !ok {
		return Message{}, cerr.Newf("no mail template for event %q", d.Event)
	}
	view := struct {
		RequestMail
		Headline string
		Rule     string
	}{d, headline, strings.Repeat("=", len(headline))}

	var text, html bytes.Buffer
	if err := textTmpl.Execute(&text, view); err != nil {
		return Message{}, cerr.Wrap(err, "render text mail")
	}
	if err := htmlTmpl.Execute(&html, view); err != nil {
		return Message{}, cerr.Wrap(err, "render html mail")
	}
	return Message{
		To:      to,
		Subject: fmt.Sprintf("[vault-pam] %s #%d: %s", headline, d.RequestID, d.Path),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}

// RequestLink builds the UI link for a request.
func RequestLink(base string, id uint) string {
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/requests/%d", strings.TrimRight(base, "/"), id)
}
