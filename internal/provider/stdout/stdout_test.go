package stdout

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-notify/internal/email"
	"github.com/shineum/smtp-notify/internal/provider"
)

func TestSend_Document(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)
	assert.Equal(t, "stdout", p.Name())

	doc := &email.Document{
		From:    "sender@example.com",
		To:      []string{"alice@example.com", "bob@example.com"},
		Subject: "Monthly Report",
		Date:    time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC),
		Body:    "Please find the report attached.",
		Attachments: []email.Attachment{
			{Filename: "report.pdf", Content: make([]byte, 2048)},
			{Filename: "notes.txt", Content: []byte("short")},
		},
	}
	require.NoError(t, p.Send(context.Background(), doc))

	want := separator +
		"From: sender@example.com\n" +
		"To: alice@example.com, bob@example.com\n" +
		"Date: Sun, 18 Oct 2026 09:30:00 +0000\n" +
		"Subject: Monthly Report\n" +
		"Body:\n" +
		"Please find the report attached.\n" +
		"Attachments: report.pdf (2.0 KB), notes.txt (5 B)\n" +
		separator
	assert.Equal(t, want, buf.String())
}

func TestPrint_CcAndHTMLFallback(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, NewWithWriter(&buf).Print(&email.Email{
		From:     "sender@example.com",
		To:       []string{"alice@example.com"},
		Cc:       []string{"carol@example.com"},
		Subject:  "HTML only",
		HtmlBody: "<p>hi</p>\n",
	}))

	out := buf.String()
	assert.Contains(t, out, "Cc: carol@example.com\n")
	assert.Contains(t, out, "Body:\n<p>hi</p>\n"+separator)
	assert.NotContains(t, out, "Attachments:")
	assert.NotContains(t, out, "Date:")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestSend_WriteError(t *testing.T) {
	t.Parallel()

	err := NewWithWriter(failingWriter{}).Send(context.Background(), &email.Document{
		From: "sender@example.com", To: []string{"a@x.com"}, Subject: "s", Body: "b",
	})

	var te *provider.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, provider.StageSend, te.Stage)
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bytes int
		want  string
	}{
		{bytes: 0, want: "0 B"},
		{bytes: 1023, want: "1023 B"},
		{bytes: 1536, want: "1.5 KB"},
		{bytes: 3 * 1024 * 1024, want: "3.0 MB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSize(tt.bytes))
	}
	assert.True(t, strings.HasSuffix(formatSize(10), "B"))
}
