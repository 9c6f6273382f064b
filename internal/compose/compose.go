// Package compose builds the outgoing email document from the loaded
// settings and message body.
package compose

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shineum/smtp-notify/internal/config"
	"github.com/shineum/smtp-notify/internal/email"
)

// ErrAttachment reports an attachment that exists but could not be read.
var ErrAttachment = errors.New("failed to read attachment")

// Option configures Compose.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

// WithClock overrides the clock used for the Date header.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger that receives skipped-attachment warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Compose returns the document for cfg and body. Attachment paths that do
// not name a regular file are skipped with a warning and recorded in
// Document.Skipped; the remaining attachments keep their configured order.
func Compose(cfg *config.Settings, body string, opts ...Option) (*email.Document, error) {
	o := options{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	doc := &email.Document{
		From:    cfg.SMTP.Username,
		To:      append([]string(nil), cfg.Email.Recipients...),
		Subject: cfg.Email.Subject,
		Date:    o.now().Local(),
		Body:    body,
	}

	for _, path := range cfg.Email.Attachments {
		info, err := os.Stat(path)
		switch {
		case err != nil:
			doc.Skipped = append(doc.Skipped, skip(o.logger, path, "not found"))
			continue
		case !info.Mode().IsRegular():
			doc.Skipped = append(doc.Skipped, skip(o.logger, path, "not a regular file"))
			continue
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrAttachment, path, err)
		}
		doc.Attachments = append(doc.Attachments, email.Attachment{
			Filename:    filepath.Base(path),
			ContentType: "application/octet-stream",
			Content:     content,
		})
	}

	return doc, nil
}

func skip(logger *slog.Logger, path, reason string) email.Skipped {
	logger.Warn("attachment skipped",
		"path", path,
		"reason", reason,
	)
	return email.Skipped{Path: path, Reason: reason}
}
