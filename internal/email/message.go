// Package email defines the core data model shared by the SMTP session,
// the parser, and the delivery providers.
package email

import (
	"strings"
	"time"
)

// Envelope is the SMTP transaction envelope: the MAIL FROM sender and the
// ordered RCPT TO recipients. It is committed before DATA and immutable
// afterwards.
type Envelope struct {
	Sender     string
	Recipients []string
	ReceivedAt time.Time
}

// Email represents a parsed message with all its components. The To/Cc/Bcc
// lists are the header-level recipients; Bcc is derived from envelope
// recipients that appear in no visible header.
type Email struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string
}

// Attachment represents a file attached to a message. Inline attachments
// carry the Content-ID they are referenced by in the HTML body.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
	Inline      bool
	ContentID   string
}

// Size returns the actual byte count of the attachment content.
func (a *Attachment) Size() int64 {
	return int64(len(a.Content))
}

// DeriveBcc fills msg.Bcc with every envelope recipient that is not already
// present in the To or Cc headers. Addresses are compared case-insensitively.
func DeriveBcc(env *Envelope, msg *Email) {
	seen := make(map[string]bool, len(msg.To)+len(msg.Cc))
	for _, addr := range msg.To {
		seen[strings.ToLower(addr)] = true
	}
	for _, addr := range msg.Cc {
		seen[strings.ToLower(addr)] = true
	}

	for _, addr := range env.Recipients {
		if !seen[strings.ToLower(addr)] {
			msg.Bcc = append(msg.Bcc, addr)
			seen[strings.ToLower(addr)] = true
		}
	}
}
