// Package parser reads RFC 5322 messages back into email.Email values. The
// stdout backend uses it to summarize rendered documents and the local sink
// uses it to display what it received.
package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"

	"github.com/shineum/smtp-notify/internal/email"
)

// Parse parses a raw message. Plain and multipart bodies are supported;
// parts with an attachment disposition or a file name become attachments.
func Parse(raw []byte) (*email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Email{
		From:       msg.Header.Get("From"),
		To:         parseAddressList(msg.Header.Get("To")),
		Cc:         parseAddressList(msg.Header.Get("Cc")),
		Subject:    decodeHeader(msg.Header.Get("Subject")),
		Date:       msg.Header.Get("Date"),
		MessageID:  msg.Header.Get("Message-Id"),
		RawHeaders: make(map[string][]string, len(msg.Header)),
	}
	for key, values := range msg.Header {
		result.RawHeaders[key] = values
	}

	mediaType, params, err := mime.ParseMediaType(contentType(msg.Header.Get("Content-Type")))
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text", "error", err)
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if params["boundary"] == "" {
			return nil, errors.New("multipart message missing boundary")
		}
		if err := parseMultipart(multipart.NewReader(msg.Body, params["boundary"]), result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	if mediaType == "text/html" {
		result.HtmlBody = string(body)
	} else {
		result.TextBody = string(body)
	}
	return result, nil
}

// parseMultipart walks the parts of reader, descending into nested
// multipart containers.
func parseMultipart(reader *multipart.Reader, result *email.Email) error {
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		mediaType, params, err := mime.ParseMediaType(contentType(part.Header.Get("Content-Type")))
		if err != nil {
			slog.Warn("skipping part with unparseable content type", "error", err)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if params["boundary"] == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(multipart.NewReader(part, params["boundary"]), result); err != nil {
				slog.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		content, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		filename := partFilename(part, params)
		isAttachment := strings.HasPrefix(strings.ToLower(part.Header.Get("Content-Disposition")), "attachment")

		switch {
		case !isAttachment && mediaType == "text/plain" && result.TextBody == "":
			result.TextBody = string(content)
		case !isAttachment && mediaType == "text/html" && result.HtmlBody == "":
			result.HtmlBody = string(content)
		case isAttachment || filename != "":
			if filename == "" {
				filename = fallbackFilename(mediaType)
			}
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Content:     content,
			})
		default:
			slog.Warn("unrecognized MIME part, skipping", "content_type", mediaType)
		}
	}
}

// decodeBody reads r and reverses a base64 transfer encoding. Quoted-printable
// parts are already decoded by the multipart reader.
func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(strings.TrimSpace(encoding), "base64") {
		return raw, nil
	}

	cleaned := strings.NewReplacer("\r", "", "\n", "", " ", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

func contentType(v string) string {
	if v == "" {
		return "text/plain"
	}
	return v
}

// partFilename prefers the Content-Disposition filename over the
// Content-Type name parameter.
func partFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	return params["name"]
}

func fallbackFilename(mediaType string) string {
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

// decodeHeader decodes RFC 2047 encoded words, returning the input unchanged
// when it cannot be decoded.
func decodeHeader(v string) string {
	decoded, err := new(mime.WordDecoder).DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// parseAddressList splits an address header into bare addresses.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		var result []string
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
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
