// Package smtp implements the mail-receiving listeners: one SMTP server per
// policy entry, enforcing that entry's authentication and transport rules and
// publishing accepted messages to the subscription registry.
package smtp

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/shineum/smtp-sink-lite/internal/policy"
)

// ErrBadMechanism is returned when a client picks an AUTH mechanism the
// listener's policy does not allow.
var ErrBadMechanism = errors.New("mechanism not allowed by policy")

// Authenticator verifies SMTP AUTH attempts against a listener's auth style
// and the fixed test credentials.
//
// The credential check is deliberately permissive: an attempt succeeds when
// the login matches the fixed login OR the password matches the fixed
// password. The sink exists for manual protocol testing, not access control.
type Authenticator struct {
	style    policy.AuthStyle
	login    string
	password string
}

// NewAuthenticator builds an Authenticator for the given style and fixed
// credential pair.
func NewAuthenticator(style policy.AuthStyle, login, password string) *Authenticator {
	return &Authenticator{
		style:    style,
		login:    login,
		password: password,
	}
}

// Required reports whether this listener demands AUTH before MAIL.
func (a *Authenticator) Required() bool {
	return a.style.Required()
}

// Mechanisms returns the mechanisms to advertise in EHLO.
func (a *Authenticator) Mechanisms() []string {
	return a.style.Mechanisms()
}

// Allows reports whether the policy permits the given mechanism at all.
func (a *Authenticator) Allows(mechanism string) bool {
	return a.style.Allows(mechanism)
}

// VerifyPlain decodes an AUTH PLAIN response (base64 of
// authzid\x00authcid\x00password) and checks the credentials.
func (a *Authenticator) VerifyPlain(encoded string) error {
	if !a.Allows("PLAIN") {
		return ErrBadMechanism
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return fmt.Errorf("invalid AUTH PLAIN format")
	}

	// parts[0] is the authorization identity, which the sink ignores.
	return a.check(parts[1], parts[2])
}

// VerifyLogin decodes the two base64 responses of the AUTH LOGIN
// challenge-response flow and checks the credentials.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	if !a.Allows("LOGIN") {
		return ErrBadMechanism
	}

	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return fmt.Errorf("invalid base64 username")
	}

	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return fmt.Errorf("invalid base64 password")
	}

	return a.check(string(user), string(pass))
}

func (a *Authenticator) check(login, password string) error {
	if login == a.login || password == a.password {
		return nil
	}
	return fmt.Errorf("authentication failed")
}
