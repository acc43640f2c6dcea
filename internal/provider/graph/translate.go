package graph

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/openrelay/graph-smtp-relay/internal/email"
)

// submission is the translated representation of one message: the Graph
// message payload with small attachments inlined, plus the queue of large
// attachments destined for upload sessions.
type submission struct {
	message graphMessage
	large   []email.Attachment
}

// TranslationError reports a message that cannot be mapped onto the Graph
// message schema. It is permanent: the peer gets a 550 and the original
// bytes are not retried.
type TranslationError struct {
	Reason string
}

func (e *TranslationError) Error() string {
	return "cannot translate message: " + e.Reason
}

// Temporary marks translation failures as permanent for SMTP status mapping.
func (e *TranslationError) Temporary() bool { return false }

// buildSubmission converts a parsed message into the Graph API submission
// representation. Attachments below the threshold are embedded as base64;
// attachments at or above it are queued for the upload-session flow.
func buildSubmission(msg *email.Email, threshold int64) (*submission, error) {
	if len(msg.To)+len(msg.Cc)+len(msg.Bcc) == 0 {
		return nil, &TranslationError{Reason: "message has no recipients"}
	}

	sub := &submission{
		message: graphMessage{
			Subject:                msg.Subject,
			Body:                   buildBody(msg),
			ToRecipients:           buildRecipients(msg.To),
			CcRecipients:           buildRecipients(msg.Cc),
			BccRecipients:          buildRecipients(msg.Bcc),
			InternetMessageHeaders: buildCustomHeaders(msg.RawHeaders),
		},
	}

	for _, att := range msg.Attachments {
		if att.Size() >= threshold {
			sub.large = append(sub.large, att)
			continue
		}
		sub.message.Attachments = append(sub.message.Attachments, fileAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
			IsInline:     att.Inline,
			ContentID:    att.ContentID,
		})
	}

	return sub, nil
}

// buildBody selects the outgoing body content. The Graph message schema
// carries a single body, so when both alternatives are present the HTML
// version wins and the plain-text alternative is dropped.
func buildBody(msg *email.Email) messageBody {
	if msg.HtmlBody != "" {
		if msg.TextBody != "" {
			slog.Debug("message has text and html bodies, sending html")
		}
		return messageBody{ContentType: "html", Content: msg.HtmlBody}
	}
	return messageBody{ContentType: "text", Content: msg.TextBody}
}

// buildRecipients converts plain addresses into Graph recipient objects.
func buildRecipients(addrs []string) []recipient {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]recipient, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, recipient{EmailAddress: emailAddress{Address: addr}})
	}
	return out
}

// buildCustomHeaders preserves extension headers on the outgoing message.
// The Graph API only accepts custom internetMessageHeaders whose names
// start with "x-"; everything else is represented by the schema itself.
func buildCustomHeaders(raw map[string][]string) []internetMessageHeader {
	if len(raw) == 0 {
		return nil
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		if strings.HasPrefix(strings.ToLower(name), "x-") {
			names = append(names, name)
		}
	}
	// Header iteration order is random; keep the output deterministic.
	sort.Strings(names)

	var out []internetMessageHeader
	for _, name := range names {
		for _, value := range raw[name] {
			out = append(out, internetMessageHeader{Name: name, Value: value})
		}
	}
	return out
}

// describeSubmission summarizes a submission for logging.
func describeSubmission(sub *submission) string {
	return fmt.Sprintf("to=%d cc=%d bcc=%d inline_attachments=%d large_attachments=%d",
		len(sub.message.ToRecipients),
		len(sub.message.CcRecipients),
		len(sub.message.BccRecipients),
		len(sub.message.Attachments),
		len(sub.large),
	)
}
