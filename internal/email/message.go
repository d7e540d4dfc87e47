// Package email defines the message model used by the outbound relay.
package email

// Email is an outbound message handed to a relay provider. The sink's
// inbound path never builds one; accepted messages are fanned out raw.
type Email struct {
	From     string
	To       []string
	Cc       []string
	Bcc      []string
	Subject  string
	TextBody string
	HtmlBody string

	Attachments []Attachment
}

// Attachment is a file carried by an outbound message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}
