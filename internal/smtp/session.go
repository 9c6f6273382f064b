package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// Session is one client connection and its protocol state.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	auth     *Authenticator
	handler  Handler
	hostname string
	maxSize  int64

	tlsConfig *tls.Config
	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a session for conn using the server configuration.
func NewSession(conn net.Conn, auth *Authenticator, cfg ServerConfig) *Session {
	return &Session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		auth:      auth,
		handler:   cfg.Handler,
		hostname:  cfg.Hostname,
		maxSize:   cfg.MaxMessageSize,
		tlsConfig: cfg.TLSConfig,
	}
}

// Handle runs the session until the client quits, the connection fails or
// ctx is cancelled. The connection is always closed on return.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP mailsink", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		line, err := s.readLine()
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		return s.handleSTARTTLS()
	case "AUTH":
		return s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.hostname, arg)
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() && s.authAllowed() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-SIZE %d", s.maxSize)
	s.writeLine("250 8BITMIME")
}

// handleSTARTTLS upgrades the connection. The client must greet again
// afterwards. A failed handshake ends the session.
func (s *Session) handleSTARTTLS() bool {
	if s.tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return false
	}
	if s.tlsActive {
		s.writeLine("503 TLS already active")
		return false
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Warn("TLS handshake failed", "error", err)
		return true
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
	return false
}

// authAllowed reports whether credentials may be exchanged on the current
// connection.
func (s *Session) authAllowed() bool {
	return s.tlsConfig == nil || s.tlsActive
}

// handleAUTH processes AUTH PLAIN and AUTH LOGIN, with or without an
// initial response. It returns true if the connection failed mid-exchange.
func (s *Session) handleAUTH(arg string) bool {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return false
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return false
	}
	if !s.authAllowed() {
		s.writeLine("530 Must issue a STARTTLS command first")
		return false
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return false
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin(initial)
	default:
		s.writeLine("504 Unrecognized authentication type")
		return false
	}
	if err != nil {
		slog.Debug("AUTH exchange aborted", "error", err)
		return true
	}
	return false
}

func (s *Session) authPlain(initial string) error {
	encoded := initial
	if encoded == "" {
		var err error
		if encoded, err = s.challenge("334 "); err != nil {
			return err
		}
	}
	if encoded == "*" {
		s.writeLine("501 Authentication cancelled")
		return nil
	}
	s.finishAuth(s.auth.VerifyPlain(encoded))
	return nil
}

func (s *Session) authLogin(initial string) error {
	encodedUser := initial
	if encodedUser == "" {
		var err error
		// base64("Username:")
		if encodedUser, err = s.challenge("334 VXNlcm5hbWU6"); err != nil {
			return err
		}
	}
	if encodedUser == "*" {
		s.writeLine("501 Authentication cancelled")
		return nil
	}

	// base64("Password:")
	encodedPass, err := s.challenge("334 UGFzc3dvcmQ6")
	if err != nil {
		return err
	}
	if encodedPass == "*" {
		s.writeLine("501 Authentication cancelled")
		return nil
	}
	s.finishAuth(s.auth.VerifyLogin(encodedUser, encodedPass))
	return nil
}

// challenge sends a 334 line and reads the client's response.
func (s *Session) challenge(line string) (string, error) {
	s.writeLine("%s", line)
	return s.readLine()
}

func (s *Session) finishAuth(err error) {
	if err != nil {
		slog.Info("authentication rejected", "error", err)
		s.writeLine("535 Authentication credentials invalid")
		return
	}
	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// handleMAIL processes the MAIL FROM command.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	addr := extractAddress(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message up to the terminating dot line and hands it
// to the handler. It returns true if the connection failed while reading.
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data bytes.Buffer
	tooLarge := false
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Error("error reading DATA", "error", err)
			return true
		}

		if strings.TrimRight(line, "\r\n") == "." {
			break
		}
		// Undo dot-stuffing.
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}

		if int64(data.Len()+len(line)) > s.maxSize {
			tooLarge = true
			continue
		}
		data.WriteString(line)
	}

	if tooLarge {
		s.writeLine("552 Message exceeds fixed maximum message size")
		s.resetTransaction()
		return false
	}

	env := &Envelope{
		From: s.mailFrom,
		To:   append([]string(nil), s.rcptTo...),
		Data: data.Bytes(),
		TLS:  s.tlsActive,
	}
	if err := s.handler.Deliver(ctx, env); err != nil {
		slog.Error("handler failed", "error", err)
		s.writeLine("451 Temporary failure, please try again later")
		s.resetTransaction()
		return false
	}

	s.writeLine("250 OK message accepted")
	s.resetTransaction()
	return false
}

// resetTransaction clears the current mail transaction without affecting
// the greeting or authentication state.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.state >= stateAuthOK:
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

// readLine reads one CRLF-terminated line after refreshing the idle deadline.
func (s *Session) readLine() (string, error) {
	if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
		return "", err
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		slog.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

// extractAddress extracts the address from a MAIL/RCPT parameter, accepting
// both <user@example.com> and bare forms and ignoring ESMTP parameters.
// Nested or unbalanced angle brackets yield "".
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.IndexByte(s, '>')
		if end < 0 {
			return ""
		}
		addr, rest := s[1:end], s[end+1:]
		if strings.ContainsAny(addr, "<> ") {
			return ""
		}
		if rest != "" && rest[0] != ' ' {
			return ""
		}
		return addr
	}

	addr, _, _ := strings.Cut(s, " ")
	if strings.ContainsAny(addr, "<>") {
		return ""
	}
	return addr
}
