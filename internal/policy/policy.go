// Package policy defines the listener policy matrix: the cross product of
// authentication styles and transport-security styles, each pair bound to its
// own port.
package policy

import "fmt"

// AuthStyle selects which SMTP AUTH mechanisms a listener requires.
type AuthStyle int

const (
	// AuthNone disables authentication entirely; AUTH is not advertised.
	AuthNone AuthStyle = iota
	// AuthRequirePlain requires AUTH and accepts only the PLAIN mechanism.
	AuthRequirePlain
	// AuthRequireLogin requires AUTH and accepts only the LOGIN mechanism.
	AuthRequireLogin
	// AuthRequireAny requires AUTH and accepts any supported mechanism.
	AuthRequireAny
)

// String returns the wire spelling used in discovery descriptors.
func (a AuthStyle) String() string {
	switch a {
	case AuthNone:
		return "none"
	case AuthRequirePlain:
		return "require_plain"
	case AuthRequireLogin:
		return "require_login"
	case AuthRequireAny:
		return "require_any"
	}
	return fmt.Sprintf("AuthStyle(%d)", int(a))
}

// Required reports whether a listener with this style demands AUTH before
// accepting a mail transaction.
func (a AuthStyle) Required() bool {
	return a != AuthNone
}

// Mechanisms returns the AUTH mechanisms advertised in EHLO, in that order.
// Empty for AuthNone.
func (a AuthStyle) Mechanisms() []string {
	switch a {
	case AuthRequirePlain:
		return []string{"PLAIN"}
	case AuthRequireLogin:
		return []string{"LOGIN"}
	case AuthRequireAny:
		return []string{"PLAIN", "LOGIN"}
	}
	return nil
}

// Allows reports whether the given mechanism (upper-case) is acceptable
// under this style.
func (a AuthStyle) Allows(mechanism string) bool {
	for _, m := range a.Mechanisms() {
		if m == mechanism {
			return true
		}
	}
	return false
}

// TLSStyle selects how a listener does transport security.
type TLSStyle int

const (
	// TLSNone is plaintext only; STARTTLS is not offered.
	TLSNone TLSStyle = iota
	// TLSStartTLS starts plaintext and offers an in-session upgrade.
	TLSStartTLS
	// TLSImplicit is encrypted from the first byte.
	TLSImplicit
)

// String returns the wire spelling used in discovery descriptors.
func (t TLSStyle) String() string {
	switch t {
	case TLSNone:
		return "none"
	case TLSStartTLS:
		return "starttls"
	case TLSImplicit:
		return "implicit_tls"
	}
	return fmt.Sprintf("TLSStyle(%d)", int(t))
}

// NeedsCert reports whether a listener with this style cannot start without
// certificate material.
func (t TLSStyle) NeedsCert() bool {
	return t != TLSNone
}

// Entry binds one (auth, TLS) policy pair to a listening port. Entries are
// built once at startup and never mutated.
type Entry struct {
	Auth AuthStyle
	TLS  TLSStyle
	Port int
}

// Descriptor returns the discovery-table key for this entry, e.g.
// "auth:require_plain,tls:starttls".
func (e Entry) Descriptor() string {
	return fmt.Sprintf("auth:%s,tls:%s", e.Auth, e.TLS)
}

// Matrix returns the default policy table: every auth style over every TLS
// style, on the conventional test ports.
func Matrix() []Entry {
	return []Entry{
		{AuthNone, TLSNone, 7025},
		{AuthRequireAny, TLSNone, 7026},
		{AuthRequirePlain, TLSNone, 7027},
		{AuthRequireLogin, TLSNone, 7028},

		{AuthNone, TLSStartTLS, 7587},
		{AuthRequireAny, TLSStartTLS, 7588},
		{AuthRequirePlain, TLSStartTLS, 7589},
		{AuthRequireLogin, TLSStartTLS, 7590},

		{AuthNone, TLSImplicit, 7465},
		{AuthRequireAny, TLSImplicit, 7466},
		{AuthRequirePlain, TLSImplicit, 7467},
		{AuthRequireLogin, TLSImplicit, 7468},
	}
}
