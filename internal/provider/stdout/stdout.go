// Package stdout implements a Provider that prints messages instead of
// sending them, for dry runs and tests.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/smtp-sink-lite/internal/email"
)

// Provider prints messages in a human-readable format. Send always succeeds.
type Provider struct {
	writer io.Writer
}

// New creates a Provider writing to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a Provider writing to w, for tests.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the message.
func (p *Provider) Send(_ context.Context, msg *email.Email) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)

	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	b.WriteString("Body:\n" + body + "\n")

	for _, att := range msg.Attachments {
		fmt.Fprintf(&b, "Attachment: %s (%d bytes)\n", att.Filename, len(att.Content))
	}
	b.WriteString("========================================\n")

	// A write error to stdout is not a delivery failure.
	_, _ = fmt.Fprint(p.writer, b.String())
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}
