package alert

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	gomail "gopkg.in/mail.v2"
)

// EmailConfig holds SMTP configuration for the email sink.
type EmailConfig struct {
	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	From     string
	To       string
}

const emailTextTemplate = `{{.Item.Title}}
==================================================

Urgency:       {{.Urgency}}
Confidence:    {{printf "%.2f" .Score.Confidence}}
Source:        {{.Item.SourceKind}}{{if .Item.URL}}
URL:           {{.Item.URL}}{{end}}{{if .Item.AuthorHandle}}
Author:        {{.Item.AuthorHandle}}{{end}}
Organizations: {{range $i, $org := .Score.MatchedOrganizations}}{{if $i}}, {{end}}{{$org}}{{end}}

SIGNALS
--------------------
{{range .Score.Explanation}}  {{printf "%+7.1f" .Points}}  {{.Name}}: {{.Detail}}
{{end}}`

// EmailSink sends one email per emitted alert with the full signal
// breakdown. Duplicate emission can produce duplicate mail; the persistence
// sink is the idempotent record, email is best-effort notification.
type EmailSink struct {
	cfg  EmailConfig
	tmpl *template.Template
}

func NewEmailSink(cfg EmailConfig) *EmailSink {
	return &EmailSink{
		cfg:  cfg,
		tmpl: template.Must(template.New("alert").Parse(emailTextTemplate)),
	}
}

func (s *EmailSink) EmitAlert(_ context.Context, a Alert) error {
	var body bytes.Buffer
	if err := s.tmpl.Execute(&body, a); err != nil {
		return fmt.Errorf("failed to render alert email: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", s.cfg.To)
	m.SetHeader("Subject", fmt.Sprintf("[%s] %s", a.Urgency, a.Item.Title))
	m.SetBody("text/plain", body.String())

	dialer := gomail.NewDialer(s.cfg.SMTPHost, s.cfg.SMTPPort, s.cfg.SMTPUser, s.cfg.SMTPPass)
	dialer.Timeout = 10 * time.Second

	if err := dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}

	return nil
}
