package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-notify/internal/config"
	"github.com/shineum/smtp-notify/internal/email"
	"github.com/shineum/smtp-notify/internal/message"
	"github.com/shineum/smtp-notify/internal/parser"
	"github.com/shineum/smtp-notify/internal/provider"
	"github.com/shineum/smtp-notify/internal/provider/relay"
	"github.com/shineum/smtp-notify/internal/smtp"
	smtptls "github.com/shineum/smtp-notify/internal/tls"
)

const (
	sinkUser = "sender@example.com"
	sinkPass = "s3cret"
)

var fixedNow = func() time.Time { return time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC) }

type inbox struct {
	mu        sync.Mutex
	envelopes []*smtp.Envelope
}

func (b *inbox) Deliver(_ context.Context, env *smtp.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envelopes = append(b.envelopes, env)
	return nil
}

func (b *inbox) received() []*smtp.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*smtp.Envelope(nil), b.envelopes...)
}

type sink struct {
	server *smtp.Server
	inbox  *inbox
	port   int
	caFile string
}

// startSink runs a STARTTLS+AUTH server on loopback and writes its
// certificate to a CA file the client can trust.
func startSink(t *testing.T) *sink {
	t.Helper()

	cert, err := smtptls.GenerateSelfSignedCert()
	require.NoError(t, err)
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caFile, smtptls.EncodeCertPEM(cert), 0o600))

	s := &sink{inbox: &inbox{}, caFile: caFile}
	s.server = smtp.New(smtp.ServerConfig{
		Hostname:     "sink.test",
		Handler:      s.inbox,
		TLSConfig:    &tls.Config{Certificates: []tls.Certificate{*cert}, MinVersion: tls.VersionTLS12},
		AuthUsername: sinkUser,
		AuthPassword: sinkPass,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.port = ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.server.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func (s *sink) config(extra string) string {
	return fmt.Sprintf(`[SMTP]
server = 127.0.0.1
port = %d
username = %s
password = %s
ca_file = %s
timeout = 5s

[EMAIL]
recipients = a@x.com, b@x.com
subject = "Hi"
%s`, s.port, sinkUser, sinkPass, s.caFile, extra)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	dir         string
	configPath  string
	messagePath string
}

func writeFixture(t *testing.T, cfg, body string) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		dir:         dir,
		configPath:  filepath.Join(dir, "config.ini"),
		messagePath: filepath.Join(dir, "message.txt"),
	}
	require.NoError(t, os.WriteFile(f.configPath, []byte(cfg), 0o600))
	require.NoError(t, os.WriteFile(f.messagePath, []byte(body), 0o600))
	return f
}

// logLines decodes JSON log records written to buf.
func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		lines = append(lines, rec)
	}
	return lines
}

func findLog(lines []map[string]any, msg string) map[string]any {
	for _, rec := range lines {
		if rec["msg"] == msg {
			return rec
		}
	}
	return nil
}

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()

	s := startSink(t)
	f := writeFixture(t, s.config(""), "hello")

	var logs bytes.Buffer
	err := Run(context.Background(), Options{
		ConfigPath:  f.configPath,
		MessagePath: f.messagePath,
		Logger:      slog.New(slog.NewJSONHandler(&logs, nil)),
		Now:         fixedNow,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.server.ActiveSessions() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.server.Accepted())

	got := s.inbox.received()
	require.Len(t, got, 1)
	assert.Equal(t, sinkUser, got[0].From)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, got[0].To)
	assert.True(t, got[0].TLS)

	raw := string(got[0].Data)
	assert.Contains(t, raw, "To: a@x.com, b@x.com\r\n")
	assert.Contains(t, raw, "Subject: Hi\r\n")

	msg, err := parser.Parse(got[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.TextBody)
	assert.Empty(t, msg.Attachments)

	lines := logLines(t, &logs)
	success := findLog(lines, "email sent successfully")
	require.NotNil(t, success)
	assert.Equal(t, "smtp", success["provider"])
	assert.NotEmpty(t, success["run_id"])
	for _, rec := range lines {
		assert.Equal(t, success["run_id"], rec["run_id"], "every record carries the same run_id")
	}
}

func TestRun_SkipsMissingAttachment(t *testing.T) {
	t.Parallel()

	s := startSink(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	missing := filepath.Join(dir, "missing.bin")
	require.NoError(t, os.WriteFile(a, []byte("alpha"), 0o600))
	require.NoError(t, os.WriteFile(b, []byte("beta"), 0o600))

	f := writeFixture(t, s.config(fmt.Sprintf("attachments = %s, %s, %s\n", a, missing, b)), "hello")

	var logs bytes.Buffer
	err := Run(context.Background(), Options{
		ConfigPath:  f.configPath,
		MessagePath: f.messagePath,
		Logger:      slog.New(slog.NewJSONHandler(&logs, nil)),
	})
	require.NoError(t, err)

	got := s.inbox.received()
	require.Len(t, got, 1)
	msg, err := parser.Parse(got[0].Data)
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 2)
	assert.Equal(t, "a.txt", msg.Attachments[0].Filename)
	assert.Equal(t, "b.txt", msg.Attachments[1].Filename)

	var warned bool
	for _, rec := range logLines(t, &logs) {
		if rec["level"] == "WARN" && rec["path"] == missing {
			warned = true
		}
	}
	assert.True(t, warned, "expected a warning for %s", missing)
}

func TestRun_DryRun(t *testing.T) {
	t.Parallel()

	s := startSink(t)
	f := writeFixture(t, s.config(""), "hello")

	var out bytes.Buffer
	err := Run(context.Background(), Options{
		ConfigPath:  f.configPath,
		MessagePath: f.messagePath,
		DryRun:      true,
		Stdout:      &out,
		Logger:      discardLogger(),
		Now:         fixedNow,
	})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "To: a@x.com, b@x.com\n")
	assert.Contains(t, out.String(), "Subject: Hi\n")
	assert.Contains(t, out.String(), "Body:\nhello\n")
	assert.Equal(t, 0, s.server.Accepted())
}

func TestRun_ConfigErrorOpensNoConnection(t *testing.T) {
	t.Parallel()

	s := startSink(t)
	cfg := strings.Replace(s.config(""), "password = "+sinkPass+"\n", "", 1)
	f := writeFixture(t, cfg, "hello")

	err := Run(context.Background(), Options{
		ConfigPath:  f.configPath,
		MessagePath: f.messagePath,
		Logger:      discardLogger(),
	})
	require.ErrorIs(t, err, config.ErrConfig)
	assert.Contains(t, err.Error(), "password")
	assert.Equal(t, 0, s.server.Accepted())
}

func TestRun_MissingMessage(t *testing.T) {
	t.Parallel()

	s := startSink(t)
	f := writeFixture(t, s.config(""), "hello")

	err := Run(context.Background(), Options{
		ConfigPath:  f.configPath,
		MessagePath: filepath.Join(f.dir, "absent.txt"),
		Logger:      discardLogger(),
	})
	require.ErrorIs(t, err, message.ErrIO)
	assert.Equal(t, 0, s.server.Accepted())
}

func TestRun_AuthFailure(t *testing.T) {
	t.Parallel()

	s := startSink(t)
	cfg := strings.Replace(s.config(""), "password = "+sinkPass, "password = wrong", 1)
	f := writeFixture(t, cfg, "hello")

	var logs bytes.Buffer
	err := Run(context.Background(), Options{
		ConfigPath:  f.configPath,
		MessagePath: f.messagePath,
		Logger:      slog.New(slog.NewJSONHandler(&logs, nil)),
	})

	var te *provider.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, provider.StageAuth, te.Stage)

	require.Eventually(t, func() bool { return s.server.ActiveSessions() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Empty(t, s.inbox.received())

	failure := findLog(logLines(t, &logs), "failed to send email")
	require.NotNil(t, failure)
	assert.Equal(t, "ERROR", failure["level"])
	assert.Nil(t, findLog(logLines(t, &logs), "email sent successfully"))
}

func TestRun_BadCAFile(t *testing.T) {
	t.Parallel()

	s := startSink(t)
	cfg := strings.Replace(s.config(""), "ca_file = "+s.caFile, "ca_file = /nonexistent/ca.pem", 1)
	f := writeFixture(t, cfg, "hello")

	err := Run(context.Background(), Options{
		ConfigPath:  f.configPath,
		MessagePath: f.messagePath,
		Logger:      discardLogger(),
	})
	require.ErrorIs(t, err, config.ErrConfig)
	assert.Equal(t, 0, s.server.Accepted())
}

type recordingProvider struct {
	docs []*email.Document
	err  error
}

func (p *recordingProvider) Name() string { return "recording" }

func (p *recordingProvider) Send(_ context.Context, doc *email.Document) error {
	p.docs = append(p.docs, doc)
	return p.err
}

func TestRun_InjectedProvider(t *testing.T) {
	t.Parallel()

	f := writeFixture(t, `[SMTP]
username = sender@example.com
password = pw
[EMAIL]
recipients = a@x.com
subject = Hi
`, "hello")

	rec := &recordingProvider{}
	var gotSettings *config.Settings
	err := Run(context.Background(), Options{
		ConfigPath:  f.configPath,
		MessagePath: f.messagePath,
		Logger:      discardLogger(),
		Now:         fixedNow,
		NewProvider: func(_ context.Context, cfg *config.Settings) (provider.Provider, error) {
			gotSettings = cfg
			return rec, nil
		},
	})
	require.NoError(t, err)

	require.NotNil(t, gotSettings)
	assert.Equal(t, "smtp.gmail.com", gotSettings.SMTP.Server)
	assert.Equal(t, 587, gotSettings.SMTP.Port)
	require.Len(t, rec.docs, 1)
	assert.Equal(t, "hello", rec.docs[0].Body)
	assert.Equal(t, fixedNow().Local(), rec.docs[0].Date)

	sendErr := errors.New("boom")
	rec.err = sendErr
	err = Run(context.Background(), Options{
		ConfigPath:  f.configPath,
		MessagePath: f.messagePath,
		Logger:      discardLogger(),
		NewProvider: func(context.Context, *config.Settings) (provider.Provider, error) { return rec, nil },
	})
	assert.ErrorIs(t, err, sendErr)
}

func TestRun_ConfigWarningsCarryRunID(t *testing.T) {
	t.Parallel()

	f := writeFixture(t, `[SMTP]
port = not-a-port
username = sender@example.com
password = pw
[EMAIL]
recipients = a@x.com
subject = Hi
`, "hello")

	var logs bytes.Buffer
	err := Run(context.Background(), Options{
		ConfigPath:  f.configPath,
		MessagePath: f.messagePath,
		Logger:      slog.New(slog.NewJSONHandler(&logs, nil)),
		NewProvider: func(context.Context, *config.Settings) (provider.Provider, error) {
			return &recordingProvider{}, nil
		},
	})
	require.NoError(t, err)

	lines := logLines(t, &logs)
	warning := findLog(lines, "invalid SMTP port, using default")
	require.NotNil(t, warning)
	success := findLog(lines, "email sent successfully")
	require.NotNil(t, success)
	assert.NotEmpty(t, warning["run_id"])
	assert.Equal(t, success["run_id"], warning["run_id"])
}

func TestSelectProvider(t *testing.T) {
	t.Parallel()

	base := func(backend string) *config.Settings {
		return &config.Settings{
			SMTP: config.SMTPConfig{
				Server: "mail.example.com", Port: 2525, Username: "u", Password: "p",
				Auth: config.AuthAuto, Helo: "localhost", Timeout: time.Second,
			},
			Delivery: config.DeliveryConfig{Backend: backend},
			SES:      config.SESConfig{Region: "us-east-1", AccessKeyID: "AKID", SecretAccessKey: "secret"},
			Graph:    config.GraphConfig{TenantID: "t", ClientID: "c", ClientSecret: "s"},
		}
	}

	tests := []struct {
		backend string
		want    string
	}{
		{backend: config.BackendSMTP, want: "smtp"},
		{backend: config.BackendSES, want: "ses"},
		{backend: config.BackendGraph, want: "graph"},
		{backend: config.BackendStdout, want: "stdout"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.backend, func(t *testing.T) {
			t.Parallel()
			p, err := Options{}.selectProvider(context.Background(), base(tt.backend), discardLogger())
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name())
		})
	}

	p, err := Options{}.selectProvider(context.Background(), base(config.BackendSMTP), discardLogger())
	require.NoError(t, err)
	sender, ok := p.(*relay.Sender)
	require.True(t, ok)
	assert.Equal(t, "mail.example.com:2525", sender.Addr())
}
