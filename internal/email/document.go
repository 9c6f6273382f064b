package email

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"
)

// base64LineLength is the maximum encoded line length per RFC 2045.
const base64LineLength = 76

// Document is a composed outgoing message. It is produced once per run by
// the composer and rendered to wire form with Render.
type Document struct {
	From        string
	To          []string
	Subject     string
	Date        time.Time
	Body        string
	Attachments []Attachment

	// Skipped lists attachment paths that were configured but not attached.
	Skipped []Skipped
}

// Skipped records an attachment path left out of the document.
type Skipped struct {
	Path   string
	Reason string
}

// Render returns the RFC 5322 form of the document: a multipart/mixed
// message with one text/plain part followed by one part per attachment.
// Apart from the Date header, the output depends only on the document
// contents.
func (d *Document) Render() ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", d.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(d.To, ", "))
	fmt.Fprintf(&buf, "Date: %s\r\n", d.Date.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", d.Subject))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	writer := multipart.NewWriter(&buf)
	if err := writer.SetBoundary(d.boundary()); err != nil {
		return nil, fmt.Errorf("failed to set boundary: %w", err)
	}
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	bodyHeader := make(textproto.MIMEHeader)
	bodyHeader.Set("Content-Type", `text/plain; charset="utf-8"`)
	bodyHeader.Set("Content-Transfer-Encoding", "base64")
	part, err := writer.CreatePart(bodyHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := part.Write([]byte(encodeBase64WithLineBreaks([]byte(d.Body)))); err != nil {
		return nil, fmt.Errorf("failed to write body part: %w", err)
	}

	for _, att := range d.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		disposition := mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename})
		if disposition == "" {
			disposition = "attachment"
		}

		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", contentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")
		attHeader.Set("Content-Disposition", disposition)

		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := part.Write([]byte(encodeBase64WithLineBreaks(att.Content))); err != nil {
			return nil, fmt.Errorf("failed to write attachment %s: %w", att.Filename, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

// boundary derives the multipart boundary from everything except the date.
func (d *Document) boundary() string {
	h := sha256.New()
	field := func(s string) {
		fmt.Fprintf(h, "%d:%s;", len(s), s)
	}
	field(d.From)
	for _, to := range d.To {
		field(to)
	}
	field(d.Subject)
	field(d.Body)
	for _, att := range d.Attachments {
		field(att.Filename)
		field(att.ContentType)
		fmt.Fprintf(h, "%d:", len(att.Content))
		h.Write(att.Content)
	}
	return "notify-" + hex.EncodeToString(h.Sum(nil)[:16])
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += base64LineLength {
		end := min(i+base64LineLength, len(encoded))
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}
