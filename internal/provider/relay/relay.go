// Package relay implements a Provider that submits the document to an SMTP
// server over a STARTTLS-upgraded connection with password authentication.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/smtp-notify/internal/config"
	"github.com/shineum/smtp-notify/internal/email"
	"github.com/shineum/smtp-notify/internal/provider"
)

var (
	errNoAuth         = errors.New("server does not support AUTH")
	errUpgradeTimeout = errors.New("timed out negotiating STARTTLS")
)

// Config holds the connection settings for a Sender.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// Auth selects the SASL mechanism. config.AuthAuto uses PLAIN when the
	// server advertises it and LOGIN otherwise.
	Auth string

	// LocalName is sent in EHLO. Defaults to "localhost".
	LocalName string

	// TLSConfig is used for STARTTLS. If nil, the system roots are trusted
	// and ServerName is Host.
	TLSConfig *tls.Config

	// Timeout bounds the TCP connect and each SMTP command. Zero keeps the
	// client library defaults.
	Timeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// dialFunc opens the plaintext connection to the server.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Sender delivers documents over SMTP. Each Send opens and closes its own
// connection.
type Sender struct {
	cfg  Config
	dial dialFunc
}

// New creates a Sender for cfg.
func New(cfg Config) *Sender {
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	if cfg.Auth == "" {
		cfg.Auth = config.AuthAuto
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	dialer := &net.Dialer{Timeout: cfg.Timeout}
	return &Sender{cfg: cfg, dial: dialer.DialContext}
}

// Name returns the provider name.
func (s *Sender) Name() string {
	return "smtp"
}

// Addr returns the server address in host:port form.
func (s *Sender) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Send connects to the server, upgrades the session with STARTTLS,
// authenticates and transmits doc with the username as envelope sender. The
// connection is closed before Send returns, whatever the outcome.
func (s *Sender) Send(ctx context.Context, doc *email.Document) error {
	raw, err := doc.Render()
	if err != nil {
		return s.fail(provider.StageRender, err)
	}

	conn, err := s.dial(ctx, "tcp", s.Addr())
	if err != nil {
		return s.fail(provider.StageConnect, err)
	}

	// Unblock any pending read or write when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// The client's own command timeout only applies once it is built, so
	// the greeting and the STARTTLS exchange are bounded here.
	stopUpgradeTimer := func() bool { return true }
	if s.cfg.Timeout > 0 {
		upgrade := time.AfterFunc(s.cfg.Timeout, func() { conn.Close() })
		stopUpgradeTimer = upgrade.Stop
		defer upgrade.Stop()
	}

	// NewClientStartTLS greets the server with EHLO, requires STARTTLS and
	// upgrades the connection.
	c, err := smtp.NewClientStartTLS(conn, s.tlsConfig())
	if err != nil {
		conn.Close()
		return s.fail(provider.StageStartTLS, err)
	}
	defer c.Close()

	if s.cfg.Timeout > 0 {
		c.CommandTimeout = s.cfg.Timeout
		c.SubmissionTimeout = s.cfg.Timeout
	}

	// The TLS handshake runs lazily; EHLO completes it and refreshes the
	// extension list advertised over TLS.
	if err := c.Hello(s.cfg.LocalName); err != nil {
		return s.fail(provider.StageStartTLS, err)
	}
	if !stopUpgradeTimer() {
		return s.fail(provider.StageStartTLS, errUpgradeTimeout)
	}
	s.cfg.Logger.Debug("connected to SMTP server", "addr", s.Addr())

	if ok, _ := c.Extension("AUTH"); !ok {
		return s.fail(provider.StageAuth, errNoAuth)
	}
	mech, client := s.saslClient(c)
	if err := c.Auth(client); err != nil {
		return s.fail(provider.StageAuth, err)
	}
	s.cfg.Logger.Debug("authenticated", "mechanism", mech)

	if err := c.Mail(envelopeAddress(s.cfg.Username), nil); err != nil {
		return s.fail(provider.StageSend, err)
	}
	for _, rcpt := range doc.To {
		if err := c.Rcpt(envelopeAddress(rcpt), nil); err != nil {
			return s.fail(provider.StageSend, fmt.Errorf("recipient %s: %w", rcpt, err))
		}
	}

	w, err := c.Data()
	if err != nil {
		return s.fail(provider.StageSend, err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return s.fail(provider.StageSend, err)
	}
	if err := w.Close(); err != nil {
		return s.fail(provider.StageSend, err)
	}

	// The message is accepted at this point.
	if err := c.Quit(); err != nil {
		s.cfg.Logger.Warn("QUIT failed after message was accepted", "error", err)
	}
	return nil
}

// saslClient picks the authentication mechanism for the session.
func (s *Sender) saslClient(c *smtp.Client) (string, sasl.Client) {
	mech := strings.ToLower(s.cfg.Auth)
	if mech == config.AuthAuto {
		mech = config.AuthPlain
		if !c.SupportsAuth("PLAIN") && c.SupportsAuth("LOGIN") {
			mech = config.AuthLogin
		}
	}
	if mech == config.AuthLogin {
		return mech, sasl.NewLoginClient(s.cfg.Username, s.cfg.Password)
	}
	return config.AuthPlain, sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
}

// envelopeAddress returns the bare address of a header-form mailbox such as
// "Alice <alice@example.com>". Values that do not parse are used as given.
func envelopeAddress(mailbox string) string {
	addr, err := mail.ParseAddress(mailbox)
	if err != nil {
		return mailbox
	}
	return addr.Address
}

func (s *Sender) tlsConfig() *tls.Config {
	if s.cfg.TLSConfig == nil {
		return &tls.Config{
			ServerName: s.cfg.Host,
			MinVersion: tls.VersionTLS12,
		}
	}
	cfg := s.cfg.TLSConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = s.cfg.Host
	}
	return cfg
}

func (s *Sender) fail(stage string, err error) error {
	return &provider.TransportError{Provider: s.Name(), Stage: stage, Err: err}
}
