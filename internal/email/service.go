// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// ErrNotConfigured is returned when SMTP settings are incomplete.
var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// AppURL is linked from notices; empty omits the link.
	AppURL string
}

type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart email with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", headerValue(s.config.FromName), s.config.From)
	}
	recipients := make([]string, 0, len(to))
	for _, addr := range to {
		recipients = append(recipients, headerValue(addr))
	}

	boundary := "boundary-notetree"
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", headerValue(subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, recipients, msg.Bytes())
}

// MemberAddedData holds data for the membership notice
type MemberAddedData struct {
	AppName          string
	OrganizationName string
	AddedBy          string
	Email            string
	AppURL           string
}

// SendMemberAdded tells a new member which organization they joined.
func (s *Service) SendMemberAdded(to, organizationName, addedBy string) error {
	data := MemberAddedData{
		AppName:          "Notetree",
		OrganizationName: organizationName,
		AddedBy:          addedBy,
		Email:            to,
		AppURL:           s.config.AppURL,
	}
	html, err := renderTemplate(memberAddedTemplate, data)
	if err != nil {
		return fmt.Errorf("render member added template: %w", err)
	}
	text := fmt.Sprintf("%s added you (%s) to %s on Notetree. Sign in with the password they shared with you.", addedBy, to, organizationName)
	return s.SendHTMLEmail([]string{to}, "You were added to "+organizationName, text, html)
}

func headerValue(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const memberAddedTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>You were added to {{.OrganizationName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Welcome to {{.OrganizationName}}</h2>

    <p>{{.AddedBy}} added <strong>{{.Email}}</strong> to the {{.OrganizationName}} organization.</p>
    <p>Sign in with the password they shared with you.</p>
{{if .AppURL}}
    <p>
        <a href="{{.AppURL}}" class="button">Open {{.AppName}}</a>
    </p>
{{end}}
    <div class="footer">
        <p>If you did not expect this, you can ignore this email.</p>
    </div>
</body>
</html>`
