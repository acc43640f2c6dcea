// Package parser provides RFC 5322 email message parsing with MIME multipart
// support, producing the relay's internal message representation.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/openrelay/graph-smtp-relay/internal/email"
)

// Parse parses a raw RFC 5322 email message into an Email struct.
// It handles plain text messages, multipart messages with text/html bodies,
// and regular and inline attachments. Unrecognized MIME parts are logged
// as warnings.
func Parse(raw []byte) (*email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Email{
		RawHeaders: make(map[string][]string),
	}

	// Copy all headers
	for key, values := range msg.Header {
		result.RawHeaders[key] = values
	}

	// Extract standard header fields
	result.From = msg.Header.Get("From")
	result.Subject = decodeHeader(msg.Header.Get("Subject"))
	result.MessageID = msg.Header.Get("Message-Id")
	result.To = parseAddressList(msg.Header.Get("To"))
	result.Cc = parseAddressList(msg.Header.Get("Cc"))
	result.Bcc = parseAddressList(msg.Header.Get("Bcc"))

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// If content type is unparseable, treat as plain text
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.TextBody = string(body)
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
	} else {
		body, err := io.ReadAll(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read message body: %w", err)
		}
		decoded, err := decodeTransferEncoding(body, msg.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return nil, fmt.Errorf("failed to decode message body: %w", err)
		}
		switch mediaType {
		case "text/plain":
			result.TextBody = string(decoded)
		case "text/html":
			result.HtmlBody = string(decoded)
		default:
			slog.Warn("unrecognized top-level content type",
				"content_type", mediaType,
			)
			result.TextBody = string(decoded)
		}
	}

	return result, nil
}

// parseMultipart processes a multipart MIME message body, extracting
// text/plain and text/html parts, regular attachments, and inline
// attachments with their Content-ID.
func parseMultipart(body io.Reader, boundary string, result *email.Email) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		disposition, dispParams := parseDisposition(part.Header.Get("Content-Disposition"))
		isAttachment := disposition == "attachment"
		isInline := disposition == "inline"

		// Check for nested multipart
		if strings.HasPrefix(mediaType, "multipart/") {
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nestedBoundary, result); err != nil {
				slog.Warn("failed to parse nested multipart",
					"error", err,
				)
			}
			continue
		}

		content, err := readPartContent(part)
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		// Body parts: text without a disposition, or inline text without a
		// Content-ID (inline text referenced by Content-ID is an attachment).
		isText := mediaType == "text/plain" || mediaType == "text/html"
		if isText && !isAttachment && part.Header.Get("Content-Id") == "" {
			switch mediaType {
			case "text/plain":
				if result.TextBody == "" {
					result.TextBody = string(content)
				}
			case "text/html":
				if result.HtmlBody == "" {
					result.HtmlBody = string(content)
				}
			}
			continue
		}

		if isAttachment || isInline {
			att, err := buildAttachment(part, params, dispParams, mediaType, content, isInline)
			if err != nil {
				return err
			}
			result.Attachments = append(result.Attachments, att)
			continue
		}

		// No disposition at all: anything with a filename still counts as
		// an attachment, everything else is dropped.
		if filename := extractFilename(part, params); filename != "" {
			att, err := buildAttachment(part, params, dispParams, mediaType, content, false)
			if err != nil {
				return err
			}
			result.Attachments = append(result.Attachments, att)
		} else {
			slog.Warn("unrecognized MIME part, skipping",
				"content_type", mediaType,
				"disposition", disposition,
			)
		}
	}

	return nil
}

// buildAttachment assembles an attachment from a decoded MIME part and
// verifies any declared size against the actual byte count.
func buildAttachment(part *multipart.Part, ctParams, dispParams map[string]string, mediaType string, content []byte, inline bool) (email.Attachment, error) {
	att := email.Attachment{
		Filename:    extractFilename(part, ctParams),
		ContentType: mediaType,
		Content:     content,
		Inline:      inline,
	}

	if att.Filename == "" {
		att.Filename = fallbackFilename(mediaType)
	}

	if inline {
		att.ContentID = strings.Trim(part.Header.Get("Content-Id"), "<>")
	}

	if declared, ok := dispParams["size"]; ok {
		size, err := strconv.ParseInt(declared, 10, 64)
		if err != nil {
			return email.Attachment{}, fmt.Errorf("attachment %q has unparseable declared size %q", att.Filename, declared)
		}
		if size != int64(len(content)) {
			return email.Attachment{}, fmt.Errorf("attachment %q declared size %d does not match actual size %d",
				att.Filename, size, len(content))
		}
	}

	return att, nil
}

// readPartContent reads the full content of a MIME part, handling
// Content-Transfer-Encoding (base64, quoted-printable).
func readPartContent(part *multipart.Part) ([]byte, error) {
	raw, err := io.ReadAll(part)
	if err != nil {
		return nil, err
	}
	return decodeTransferEncoding(raw, part.Header.Get("Content-Transfer-Encoding"))
}

// decodeTransferEncoding decodes content according to the given
// Content-Transfer-Encoding value.
func decodeTransferEncoding(raw []byte, encoding string) ([]byte, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))

	switch encoding {
	case "base64":
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			// Try with RawStdEncoding for unpadded base64
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	case "quoted-printable":
		// Only reached on the single-part path: the multipart reader decodes
		// QP transparently and strips the header before we see the part.
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode quoted-printable content: %w", err)
		}
		return decoded, nil
	default:
		// "7bit", "8bit", "binary", or empty: content is already literal.
		return raw, nil
	}
}

// parseDisposition parses a Content-Disposition header value into its type
// and parameters. A malformed header is treated as no disposition.
func parseDisposition(value string) (string, map[string]string) {
	if value == "" {
		return "", nil
	}
	disposition, params, err := mime.ParseMediaType(value)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(value, ";", 2)[0])), nil
	}
	return strings.ToLower(disposition), params
}

// extractFilename extracts the filename from a MIME part, checking both
// Content-Disposition and Content-Type parameters. RFC 2047 encoded words
// are decoded.
func extractFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return decodeHeader(fn)
	}
	if name, ok := params["name"]; ok && name != "" {
		return decodeHeader(name)
	}
	return ""
}

// fallbackFilename generates a name for an attachment part that declared
// none. The Graph API requires every attachment to carry a name property.
func fallbackFilename(mediaType string) string {
	parts := strings.SplitN(mediaType, "/", 2)
	if len(parts) == 2 && parts[1] != "" {
		return uuid.NewString() + "." + parts[1]
	}
	return uuid.NewString()
}

// decodeHeader decodes RFC 2047 encoded words in a header value, returning
// the raw value on failure.
func decodeHeader(value string) string {
	dec := &mime.WordDecoder{}
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// parseAddressList splits a comma-separated address list into individual addresses.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		// Fall back to simple comma split if RFC 5322 parsing fails
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
