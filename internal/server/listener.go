package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/wardenhq/warden/internal/protocol"
	"github.com/wardenhq/warden/internal/token"
)

const handshakeTimeout = 30 * time.Second

// Listener accepts encrypted agent connections and runs the authentication
// handshake on each before handing admitted sessions to the Registry. Every
// per-connection failure is contained to that connection.
type Listener struct {
	addr     string
	tlsConf  *tls.Config
	codec    *protocol.Codec
	tokens   *token.Manager
	registry *Registry

	ln net.Listener
}

func NewListener(addr string, tlsConf *tls.Config, tokens *token.Manager, registry *Registry, codec *protocol.Codec) *Listener {
	return &Listener{
		addr:     addr,
		tlsConf:  tlsConf,
		codec:    codec,
		tokens:   tokens,
		registry: registry,
	}
}

// Start binds the TLS listener and serves connections until Stop is called.
func (l *Listener) Start() error {
	ln, err := tls.Listen("tcp", l.addr, l.tlsConf)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.addr, err)
	}
	l.ln = ln

	slog.Info("Listener started", "addr", l.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go l.handleConn(conn)
	}
}

// Addr reports the bound listen address, nil before Start has bound it.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// ServeConn runs the authentication handshake on an already established
// connection, the same path Start takes for accepted ones. It returns when
// the connection is done.
func (l *Listener) ServeConn(conn net.Conn) {
	l.handleConn(conn)
}

// Stop closes the listening socket and all live sessions.
func (l *Listener) Stop() {
	if l.ln != nil {
		l.ln.Close()
	}
	l.registry.CloseAll()
	slog.Info("Listener stopped")
}

// handleConn runs the authentication sub-protocol on a fresh connection. The
// first frame decides the path: TOKEN_REQUEST is single-shot, REGISTER leads
// to admission. The TLS handshake itself happens lazily on first read; its
// failure surfaces here as a connection-level read error.
func (l *Listener) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	slog.Debug("Connection accepted", "remote_addr", remote)

	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		conn.Close()
		return
	}

	msg, err := l.codec.Read(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			slog.Warn("Handshake read failed", "remote_addr", remote, "error", err)
		}
		conn.Close()
		return
	}

	switch m := msg.(type) {
	case protocol.TokenRequest:
		l.handleTokenRequest(conn, m)
	case protocol.Register:
		l.handleRegister(conn, m)
	default:
		slog.Warn("Unexpected first frame", "remote_addr", remote, "frame", fmt.Sprintf("%T", msg))
		conn.Close()
	}
}

// handleTokenRequest serves one TOKEN_REQUEST and closes. A request for a
// known hostname reports its current state (with the token once approved, so
// polling agents can collect it); an unknown hostname creates a pending
// record.
func (l *Listener) handleTokenRequest(conn net.Conn, req protocol.TokenRequest) {
	defer conn.Close()

	ip := req.IP
	if ip == "" {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			ip = host
		}
	}

	rec, created, err := l.tokens.Request(context.Background(), req.Hostname, ip)
	if err != nil {
		slog.Error("Token request failed", "hostname", req.Hostname, "error", err)
		_ = l.codec.Write(conn, protocol.TokenStatus{Status: protocol.StatusInvalid})
		return
	}

	status := recordStatus(rec.State)
	reply := protocol.TokenStatus{Status: status}
	if rec.State == token.StateApproved {
		reply.Token = rec.Token
	}

	if created {
		slog.Info("Token request pending approval", "hostname", req.Hostname, "ip", ip)
	} else {
		slog.Info("Token request for existing record", "hostname", req.Hostname, "state", rec.State)
	}

	if err := l.codec.Write(conn, reply); err != nil {
		slog.Warn("Failed to send token status", "hostname", req.Hostname, "error", err)
	}
}

// handleRegister authenticates the agent, replies with the outcome, and on
// success admits the connection as a session. The handler goroutine then
// becomes the session's read loop until disconnect.
func (l *Listener) handleRegister(conn net.Conn, reg protocol.Register) {
	result, err := l.tokens.Authenticate(context.Background(), reg.Hostname, reg.Token)
	if err != nil {
		slog.Error("Authentication lookup failed", "hostname", reg.Hostname, "error", err)
		conn.Close()
		return
	}

	if result != token.AuthValid {
		_ = l.codec.Write(conn, protocol.TokenStatus{Status: authStatus(result)})
		conn.Close()
		return
	}

	if err := l.codec.Write(conn, protocol.TokenStatus{Status: protocol.StatusApproved}); err != nil {
		slog.Warn("Failed to confirm registration", "hostname", reg.Hostname, "error", err)
		conn.Close()
		return
	}

	// Admitted: clear the handshake deadline for the long-lived session.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return
	}

	sess := newSession(reg.Hostname, conn, l.codec)
	l.registry.Register(sess)

	err = sess.readLoop()
	if err != nil && !errors.Is(err, io.EOF) && !sess.closed() {
		slog.Warn("Session read loop ended", "hostname", sess.Hostname, "session_id", sess.ID, "error", err)
	}

	sess.Close()
	if l.registry.Remove(sess) {
		slog.Info("Agent disconnected", "hostname", sess.Hostname, "session_id", sess.ID)
	}
}

// recordStatus maps a stored token state to its wire status.
func recordStatus(s token.State) protocol.Status {
	switch s {
	case token.StatePending:
		return protocol.StatusPending
	case token.StateApproved:
		return protocol.StatusApproved
	case token.StateRevoked:
		return protocol.StatusRevoked
	case token.StateDenied:
		return protocol.StatusDenied
	}
	return protocol.StatusInvalid
}

// authStatus maps an authentication result to its wire status. NOT_FOUND and
// INVALID are indistinguishable on the wire.
func authStatus(r token.AuthResult) protocol.Status {
	switch r {
	case token.AuthRevoked:
		return protocol.StatusRevoked
	case token.AuthPending:
		return protocol.StatusPending
	case token.AuthDenied:
		return protocol.StatusDenied
	}
	return protocol.StatusInvalid
}
