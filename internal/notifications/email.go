package notifications

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
)

type EmailProvider struct {
	config *config.EmailProviderConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailProvider(cfg *config.EmailProviderConfig) *EmailProvider {
	return &EmailProvider{
		config: cfg,
		send:   smtp.SendMail,
	}
}

func (ep *EmailProvider) Name() string {
	return "email"
}

func (ep *EmailProvider) IsEnabled() bool {
	return ep.config.Enabled && ep.config.SMTPHost != "" && len(ep.recipients()) > 0
}

// recipients falls back to the SMTP account when no list is configured.
func (ep *EmailProvider) recipients() []string {
	if len(ep.config.Recipients) > 0 {
		return ep.config.Recipients
	}
	if ep.config.SMTPUsername != "" {
		return []string{ep.config.SMTPUsername}
	}
	return nil
}

// Send sends email notification
func (ep *EmailProvider) Send(notification *Notification) error {
	if !ep.IsEnabled() {
		return nil
	}

	recipients := ep.recipients()
	body, err := ep.buildEmailBody(notification)
	if err != nil {
		return err
	}

	if err := ep.sendEmail(recipients, notification.Subject(), body); err != nil {
		logging.Error("[EMAIL] Failed to send email: %v", err)
		return err
	}

	logging.Info("[EMAIL] Email sent to %d recipient(s) (%s/%s)", len(recipients), notification.ThreatLevel, notification.PatternType)
	return nil
}

func (ep *EmailProvider) sendEmail(recipients []string, subject, body string) error {
	from := ep.config.FromAddress
	if from == "" {
		from = ep.config.SMTPUsername
	}
	message := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		from,
		strings.Join(recipients, ","),
		subject,
		body,
	)

	var auth smtp.Auth
	if ep.config.SMTPUsername != "" {
		auth = smtp.PlainAuth("", ep.config.SMTPUsername, ep.config.SMTPPassword, ep.config.SMTPHost)
	}

	port := ep.config.SMTPPort
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", ep.config.SMTPHost, port)
	return ep.send(addr, auth, from, recipients, []byte(message))
}

var emailTemplate = template.Must(template.New("alert").Parse(`<!DOCTYPE html>
<html>
<head>
	<style>
		body { font-family: Arial, sans-serif; }
		.container { max-width: 600px; margin: 0 auto; border: 1px solid #ddd; border-radius: 5px; }
		.header { background-color: {{.Color}}; color: white; padding: 20px; text-align: center; }
		.details { width: 100%; border-collapse: collapse; margin-top: 20px; }
		.details td { padding: 10px; border-bottom: 1px solid #ddd; }
		.footer { background-color: #f5f5f5; padding: 15px; text-align: center; font-size: 12px; color: #666; }
	</style>
</head>
<body>
	<div class="container">
		<div class="header">
			<h1>HPTI Honeypot Alert</h1>
			<p>{{.N.ThreatLevel}} {{.N.PatternType}}</p>
		</div>
		<div class="content">
			<p>{{.N.Description}}</p>
			<table class="details">
				<tr><td><strong>Confidence:</strong></td><td>{{printf "%.0f" .N.ConfidenceScore}}/100</td></tr>
				<tr><td><strong>Sources:</strong></td><td>{{range $i, $ip := .N.SourceIPs}}{{if $i}}, {{end}}{{$ip}}{{end}}</td></tr>
				<tr><td><strong>Sessions:</strong></td><td>{{len .N.SessionIDs}}</td></tr>
				<tr><td><strong>Occurrences:</strong></td><td>{{.N.OccurrenceCount}}</td></tr>
				<tr><td><strong>First seen:</strong></td><td>{{.N.FirstSeen.Format "2006-01-02 15:04:05 MST"}}</td></tr>
				<tr><td><strong>Last seen:</strong></td><td>{{.N.LastSeen.Format "2006-01-02 15:04:05 MST"}}</td></tr>
				{{range $k, $v := .N.Indicators}}<tr><td><strong>{{$k}}:</strong></td><td>{{$v}}</td></tr>
				{{end}}
			</table>
			{{if .N.RedactionStatus}}<p><em>{{.N.RedactionStatus}}</em></p>{{end}}
		</div>
		<div class="footer">Sent by HPTI at {{.N.Timestamp.Format "2006-01-02 15:04:05 MST"}}</div>
	</div>
</body>
</html>
`))

func (ep *EmailProvider) buildEmailBody(n *Notification) (string, error) {
	color, _ := threatStyle(n.ThreatLevel)
	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, struct {
		Color template.CSS
		N     *Notification
	}{template.CSS(color), n})
	if err != nil {
		return "", fmt.Errorf("failed to render email: %w", err)
	}
	return buf.String(), nil
}
