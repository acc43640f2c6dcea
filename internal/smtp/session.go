package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/openrelay/graph-smtp-relay/internal/email"
	"github.com/openrelay/graph-smtp-relay/internal/events"
	"github.com/openrelay/graph-smtp-relay/internal/metrics"
	"github.com/openrelay/graph-smtp-relay/internal/parser"
	"github.com/openrelay/graph-smtp-relay/internal/provider"
)

// Session states for the SMTP state machine. A transaction walks
// stateMailFrom → stateRcptTo → delivery and returns to the greeted (or
// authenticated) state for the next transaction on the same connection.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// defaultIdleTimeout is the maximum time a session can remain idle before
// being closed.
const defaultIdleTimeout = 60 * time.Second

// SessionConfig carries the collaborators a session needs.
type SessionConfig struct {
	Auth           *Authenticator
	Provider       provider.Provider
	Bus            *events.Bus
	Metrics        *metrics.Metrics
	Hostname       string
	TLSConfig      *tls.Config
	MaxMessageSize int64

	// IdleTimeout bounds the wait for the next command or DATA line.
	// Zero means the default of one minute.
	IdleTimeout time.Duration
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine. A failed message never terminates the
// session; the peer may attempt further transactions.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	cfg    SessionConfig

	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, cfg SessionConfig) *Session {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
		cfg:    cfg,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP graph-smtp-relay", s.cfg.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		done := s.handleCommand(ctx, cmd, arg)
		if done {
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
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
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

// handleEHLO processes EHLO/HELO commands.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	if cmd == "HELO" {
		s.state = stateGreeted
		s.writeLine("250 %s Hello %s", s.cfg.Hostname, arg)
		return
	}

	// EHLO response with capabilities
	s.state = stateGreeted
	s.writeLine("250-%s Hello %s", s.cfg.Hostname, arg)

	if s.cfg.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.cfg.Auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-SIZE %d", s.cfg.MaxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS.
func (s *Session) handleSTARTTLS() {
	if s.cfg.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
}

// handleAUTH processes AUTH commands (PLAIN and LOGIN mechanisms).
func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.cfg.Auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	mechanism := strings.ToUpper(parts[0])

	switch mechanism {
	case "PLAIN":
		s.handleAuthPlain(parts)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

// handleAuthPlain processes AUTH PLAIN authentication.
func (s *Session) handleAuthPlain(parts []string) {
	var encoded string

	if len(parts) > 1 && parts[1] != "" {
		// Credentials provided inline: AUTH PLAIN <base64>
		encoded = parts[1]
	} else {
		// Challenge-response: send 334 and wait for credentials
		s.writeLine("334")
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Error("failed to read AUTH PLAIN response", "error", err)
			return
		}
		encoded = strings.TrimRight(line, "\r\n")
	}

	if encoded == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	if err := s.cfg.Auth.VerifyPlain(encoded); err != nil {
		s.writeLine("535 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// handleAuthLogin processes AUTH LOGIN authentication via challenge-response.
func (s *Session) handleAuthLogin() {
	// Challenge for username (base64 encoded "Username:")
	s.writeLine("334 VXNlcm5hbWU6")
	userLine, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Error("failed to read AUTH LOGIN username", "error", err)
		return
	}
	encodedUser := strings.TrimRight(userLine, "\r\n")

	if encodedUser == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	// Challenge for password (base64 encoded "Password:")
	s.writeLine("334 UGFzc3dvcmQ6")
	passLine, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Error("failed to read AUTH LOGIN password", "error", err)
		return
	}
	encodedPass := strings.TrimRight(passLine, "\r\n")

	if encodedPass == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	if err := s.cfg.Auth.VerifyLogin(encodedUser, encodedPass); err != nil {
		s.writeLine("535 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// handleMAIL processes the MAIL FROM command and publishes the sender event.
func (s *Session) handleMAIL(arg string) {
	if s.cfg.Auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
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

	s.publish(events.Sender, &events.Context{Sender: addr})

	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
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

// handleDATA accepts the message content and drives the relay pipeline:
// parse, recipients/skip_send/before_send events, delivery, after_send.
func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, err := s.readData()
	if err != nil {
		if err == errMessageTooLarge {
			s.writeLine("552 Message exceeds maximum size")
			s.resetTransaction()
			return
		}
		slog.Error("error reading DATA", "error", err)
		return
	}

	env := &email.Envelope{
		Sender:     s.mailFrom,
		Recipients: s.rcptTo,
		ReceivedAt: time.Now(),
	}

	outcome := s.relay(ctx, env, raw)
	s.countOutcome(outcome)
	s.resetTransaction()
}

// errMessageTooLarge is returned by readData when the configured message
// size limit is exceeded.
var errMessageTooLarge = fmt.Errorf("message too large")

// readData reads the dot-stuffed message body up to the end-of-data marker.
// The idle deadline is refreshed per line: it bounds sender silence, not the
// total transfer time of a large message.
func (s *Session) readData() ([]byte, error) {
	var dataBuilder strings.Builder
	for {
		line, err := s.readDataLine()
		if err != nil {
			return nil, err
		}

		// Check for end of data marker
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}

		// Dot-stuffing: lines starting with ".." have the leading dot removed
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		if s.cfg.MaxMessageSize > 0 && int64(dataBuilder.Len()+len(line)) > s.cfg.MaxMessageSize {
			// Drain until the terminator so the connection stays usable.
			for {
				l, err := s.readDataLine()
				if err != nil {
					return nil, err
				}
				if strings.TrimRight(l, "\r\n") == "." {
					break
				}
			}
			return nil, errMessageTooLarge
		}

		dataBuilder.WriteString(line)
	}

	return []byte(dataBuilder.String()), nil
}

// readDataLine reads one body line after pushing the idle deadline forward.
func (s *Session) readDataLine() (string, error) {
	if err := s.conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
		return "", err
	}
	return s.reader.ReadString('\n')
}

// relay parses the received bytes, runs the event pipeline, and delivers
// the message, writing the SMTP reply for the transaction. The returned
// outcome is used for instrumentation.
func (s *Session) relay(ctx context.Context, env *email.Envelope, raw []byte) string {
	msg, err := parser.Parse(raw)
	if err != nil {
		slog.Error("failed to parse message",
			"sender", env.Sender,
			"error", err,
		)
		s.writeLine("550 Failed to process message")
		return metrics.OutcomeRejected
	}

	// Envelope recipients absent from the visible headers were blind-copied.
	email.DeriveBcc(env, msg)

	s.publish(events.Recipients, &events.Context{
		Sender: env.Sender,
		To:     msg.To,
		Cc:     msg.Cc,
		Bcc:    msg.Bcc,
	})

	if events.Any(s.publish(events.SkipSend, &events.Context{Sender: env.Sender, Message: msg})) {
		slog.Info("message accepted without delivery",
			"sender", env.Sender,
		)
		s.writeLine("250 OK message accepted (delivery skipped)")
		return metrics.OutcomeSkipped
	}

	// Handlers may rewrite headers and body before translation.
	s.publish(events.BeforeSend, &events.Context{Sender: env.Sender, Message: msg})

	start := time.Now()
	err = s.cfg.Provider.Send(ctx, env, msg)
	s.observeDelivery(time.Since(start))
	if err != nil {
		slog.Error("provider send failed",
			"provider", s.cfg.Provider.Name(),
			"sender", env.Sender,
			"error", err,
		)
		if provider.IsTemporary(err) {
			s.writeLine("451 Temporary failure, please try again later")
		} else {
			s.writeLine("550 Message rejected")
		}
		return metrics.OutcomeFailed
	}

	s.publish(events.AfterSend, &events.Context{Sender: env.Sender})

	s.writeLine("250 OK message queued")
	return metrics.OutcomeDelivered
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction state without
// affecting the session state (greeting, auth).
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	// Reset state to post-auth or post-greet
	if s.cfg.Auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// publish forwards an event to the bus when one is configured.
func (s *Session) publish(name string, ctx *events.Context) []events.Result {
	if s.cfg.Bus == nil {
		return nil
	}
	return s.cfg.Bus.Publish(name, ctx)
}

func (s *Session) countOutcome(outcome string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.MessagesRelayed.WithLabelValues(outcome).Inc()
	}
}

func (s *Session) observeDelivery(d time.Duration) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.DeliveryDuration.Observe(d.Seconds())
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		slog.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	// Handle angle-bracket format: <user@example.com>
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	// Bare address format; strip trailing parameters like SIZE=123
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return s
}
