// Package relay implements a Provider that hands a message straight to an
// SMTP server, typically one of the sink's own listeners or a local MTA.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/shineum/smtp-sink-lite/internal/email"
)

const headerTerm = "\r\n"

// Provider relays messages to a fixed SMTP host and port.
type Provider struct {
	host string
	port string

	// user and pass enable PLAIN auth when both are set. net/smtp only
	// sends them over TLS or to localhost.
	user string
	pass string
}

// New creates a relay Provider for the given target. user and pass may be
// empty, in which case the relay connects unauthenticated.
func New(host, port, user, pass string) *Provider {
	return &Provider{host: host, port: port, user: user, pass: pass}
}

// Send builds an RFC 5322-ish message from msg and submits it.
func (p *Provider) Send(_ context.Context, msg *email.Email) error {
	if len(msg.Attachments) > 0 {
		return fmt.Errorf("smtp relay does not support attachments")
	}

	var buffer bytes.Buffer
	buffer.WriteString("From: " + sanitizeHeaderValue(msg.From) + headerTerm)
	for _, to := range msg.To {
		buffer.WriteString("To: " + sanitizeHeaderValue(to) + headerTerm)
	}
	for _, cc := range msg.Cc {
		buffer.WriteString("Cc: " + sanitizeHeaderValue(cc) + headerTerm)
	}
	buffer.WriteString("Subject: " + sanitizeHeaderValue(msg.Subject) + headerTerm)
	buffer.WriteString(headerTerm)

	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	buffer.WriteString(body + headerTerm)

	var auth smtp.Auth
	if p.user != "" && p.pass != "" {
		auth = smtp.PlainAuth("", p.user, p.pass, p.host)
	}

	recipients := make([]string, 0, len(msg.To)+len(msg.Cc)+len(msg.Bcc))
	recipients = append(recipients, msg.To...)
	recipients = append(recipients, msg.Cc...)
	recipients = append(recipients, msg.Bcc...)

	addr := net.JoinHostPort(p.host, p.port)
	if err := smtp.SendMail(addr, auth, msg.From, recipients, buffer.Bytes()); err != nil {
		return fmt.Errorf("smtp relay to %s: %w", addr, err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// sanitizeHeaderValue strips CR and LF so job fields cannot inject headers.
func sanitizeHeaderValue(value string) string {
	return strings.ReplaceAll(strings.ReplaceAll(value, "\r", ""), "\n", "")
}
