// Package stdout implements a Provider that prints a summary of each
// message instead of delivering it.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/smtp-notify/internal/email"
	"github.com/shineum/smtp-notify/internal/parser"
	"github.com/shineum/smtp-notify/internal/provider"
)

const separator = "========================================\n"

// Provider prints messages in a human-readable format.
type Provider struct {
	mu sync.Mutex
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// Send renders doc, parses it back and prints the result, so the output
// reflects exactly what a real backend would transmit.
func (p *Provider) Send(_ context.Context, doc *email.Document) error {
	raw, err := doc.Render()
	if err != nil {
		return &provider.TransportError{Provider: p.Name(), Stage: provider.StageRender, Err: err}
	}
	msg, err := parser.Parse(raw)
	if err != nil {
		return &provider.TransportError{Provider: p.Name(), Stage: provider.StageRender, Err: err}
	}
	if err := p.Print(msg); err != nil {
		return &provider.TransportError{Provider: p.Name(), Stage: provider.StageSend, Err: err}
	}
	return nil
}

// Print writes one message summary. Concurrent calls do not interleave.
func (p *Provider) Print(msg *email.Email) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	if msg.Date != "" {
		fmt.Fprintf(&b, "Date: %s\n", msg.Date)
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString(separator)

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := io.WriteString(p.writer, b.String())
	return err
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
