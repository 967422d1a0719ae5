// pkg/mailer/message.go

package mailer

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"regexp"
	"strings"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// headerPattern matches header names smuggled into a header value.
var headerPattern = regexp.MustCompile(`(?i)\b(bcc|cc|to|from|subject|reply-to|x-[a-z0-9-]+)\s*:`)

// Message is one mail with a plain text and an HTML alternative.
type Message struct {
	To      []string
	Subject string
	Text    string
	HTML    string
}

// sanitizeHeader strips line breaks and embedded header names.
func sanitizeHeader(s string) string {
	s = strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
	s = headerPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func validAddress(a string) bool {
	return a != "" && !strings.ContainsAny(a, "\r\n,<>") && strings.Count(a, "@") == 1
}

// Render builds the RFC 5322 message.
func Render(from string, msg Message, now time.Time) ([]byte, error) {
	if !validAddress(from) {
		return nil, cerr.Newf("invalid sender address %q", from)
	}
	if len(msg.To) == 0 {
		return nil, cerr.New("message has no recipients")
	}
	for _, to := range msg.To {
		if !validAddress(to) {
			return nil, cerr.Newf("invalid recipient address %q", to)
		}
	}

	boundary := "pam-" + uuid.NewString()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeHeader(msg.Subject)))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s@vault-pam>\r\n", uuid.NewString())
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	for _, part := range []struct{ ctype, body string }{
		{"text/plain", msg.Text},
		{"text/html", msg.HTML},
	} {
		if part.body == "" {
			continue
		}
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		fmt.Fprintf(&buf, "Content-Type: %s; charset=\"utf-8\"\r\n", part.ctype)
		buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		qp := quotedprintable.NewWriter(&buf)
		if _, err := qp.Write([]byte(part.body)); err != nil {
			return nil, cerr.Wrap(err, "encode body")
		}
		if err := qp.Close(); err != nil {
			return nil, cerr.Wrap(err, "encode body")
		}
		buf.WriteString("\r\n")
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes(), nil
}
