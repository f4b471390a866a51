package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// EmailConfig holds SMTP configuration.
type EmailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	To       []string
	// PublicBaseURL prefixes links in messages.
	PublicBaseURL string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email mails a short notice when a new revision is posted or a proof is
// approved. Other events are ignored.
type Email struct {
	config EmailConfig
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewEmail(config EmailConfig) *Email {
	return &Email{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   smtp.PlainAuth("", config.Username, config.Password, config.Host),
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if SMTP and at least one recipient are set.
func (e *Email) IsConfigured() bool {
	return e.config.Host != "" && e.config.Port != "" && e.config.From != "" && len(e.config.To) > 0
}

type noticeData struct {
	Title    string
	ProofID  string
	Sequence int
	FileRef  string
	Link     string
}

func (e *Email) Notify(_ context.Context, ev Event) error {
	if !e.IsConfigured() {
		return nil
	}
	data := noticeData{
		ProofID: ev.ProofID,
		Link:    strings.TrimRight(e.config.PublicBaseURL, "/") + "/?id=" + ev.ProofID,
	}
	if ev.Version != nil {
		data.Sequence = ev.Version.SequenceNumber
		data.FileRef = ev.Version.FileRef
	}

	var subject string
	switch ev.Type {
	case EventVersionCreated:
		subject = fmt.Sprintf("Proof %s: revision %d posted", ev.ProofID, data.Sequence)
		data.Title = "A new revision is ready for review"
	case EventProofApproved:
		subject = fmt.Sprintf("Proof %s approved", ev.ProofID)
		data.Title = "The proof was approved"
	default:
		return nil
	}

	html, err := renderTemplate(noticeTemplate, data)
	if err != nil {
		return fmt.Errorf("render notice template: %w", err)
	}
	return e.send(e.server, e.auth, e.config.From, e.config.To, e.buildMessage(subject, html))
}

func (e *Email) buildMessage(subject, htmlBody string) []byte {
	from := e.config.From
	if e.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", e.config.FromName, e.config.From)
	}

	boundary := "boundary-proofmark"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(e.config.To, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", subject)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

func renderTemplate(tmpl string, data any) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const noticeTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .meta { color: #666; font-size: 13px; }
    </style>
</head>
<body>
    <h2>{{.Title}}</h2>
    <p class="meta">Proof {{.ProofID}}{{if .Sequence}}, revision {{.Sequence}}{{end}}</p>
    {{if .FileRef}}<p class="meta">File: {{.FileRef}}</p>{{end}}
    <p><a href="{{.Link}}" class="button">Open proof</a></p>
</body>
</html>`
