// Package provider defines the interface for outbound delivery backends used
// by the send-mail relay endpoint.
package provider

import (
	"context"

	"github.com/shineum/smtp-sink-lite/internal/email"
)

// Provider delivers outbound test messages. The relay endpoint picks one at
// startup (direct SMTP, AWS SES, or stdout for dry runs).
type Provider interface {
	// Send delivers msg, returning an error if delivery fails.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}
