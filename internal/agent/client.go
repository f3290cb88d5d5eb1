// Package agent implements the remote endpoint: it obtains a token through
// the request/approval workflow, registers with the server, and executes
// dispatched commands until told otherwise.
package agent

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
)

const (
	defaultPollInterval   = 10 * time.Second
	defaultReconnectDelay = 15 * time.Second
	dialTimeout           = 10 * time.Second
)

// ErrDenied is returned when the operator denied this agent's token request.
// There is no point retrying; a human has to clear the denied record first.
var ErrDenied = errors.New("token request denied by operator")

type Config struct {
	ServerAddr     string
	Hostname       string
	TokenPath      string
	PollInterval   time.Duration
	ReconnectDelay time.Duration
}

type Client struct {
	conf     Config
	tlsConf  *tls.Config
	codec    *protocol.Codec
	executor *Executor
}

func NewClient(conf Config, tlsConf *tls.Config, executor *Executor) *Client {
	if conf.PollInterval <= 0 {
		conf.PollInterval = defaultPollInterval
	}
	if conf.ReconnectDelay <= 0 {
		conf.ReconnectDelay = defaultReconnectDelay
	}
	return &Client{
		conf:     conf,
		tlsConf:  tlsConf,
		codec:    protocol.NewCodec(0),
		executor: executor,
	}
}

// Run drives the agent lifecycle: obtain a token, register, serve commands,
// reconnect on failure. It returns on context cancellation or a denied
// request.
func (c *Client) Run(ctx context.Context) error {
	for {
		tok, err := c.ensureToken(ctx)
		if err != nil {
			return err
		}

		invalid, err := c.serve(ctx, tok)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("Connection lost", "error", err)
		}

		if invalid {
			slog.Warn("Token rejected as invalid, discarding it")
			if err := deleteToken(c.conf.TokenPath); err != nil {
				slog.Error("Failed to discard token", "error", err)
			}
		}

		if err := sleepCtx(ctx, c.conf.ReconnectDelay); err != nil {
			return err
		}
	}
}

// ensureToken returns the stored token, or walks the request/poll workflow
// until the operator approves. Each poll is its own short-lived connection.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	tok, err := c.loadStoredToken()
	if err != nil {
		return "", err
	}
	if tok != "" {
		return tok, nil
	}

	slog.Info("No token on disk, requesting one", "hostname", c.conf.Hostname, "server", c.conf.ServerAddr)

	for {
		status, err := c.requestToken(ctx)
		if err != nil {
			slog.Warn("Token request failed", "error", err)
		} else {
			switch status.Status {
			case protocol.StatusApproved:
				if status.Token == "" {
					return "", fmt.Errorf("server approved without a token value")
				}
				if err := saveToken(c.conf.TokenPath, status.Token); err != nil {
					return "", err
				}
				slog.Info("Token approved and saved", "path", c.conf.TokenPath)
				return status.Token, nil
			case protocol.StatusPending:
				slog.Info("Token request pending operator approval")
			case protocol.StatusDenied:
				return "", ErrDenied
			case protocol.StatusRevoked:
				slog.Warn("Access is revoked, waiting for the operator to renew")
			default:
				slog.Warn("Unexpected token request status", "status", status.Status)
			}
		}

		if err := sleepCtx(ctx, c.conf.PollInterval); err != nil {
			return "", err
		}
	}
}

func (c *Client) loadStoredToken() (string, error) {
	tok, err := loadToken(c.conf.TokenPath)
	if err != nil {
		return "", err
	}
	if tok != "" {
		slog.Debug("Using stored token", "path", c.conf.TokenPath)
	}
	return tok, nil
}

// requestToken performs one single-shot TOKEN_REQUEST round-trip.
func (c *Client) requestToken(ctx context.Context) (*protocol.TokenStatus, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := c.codec.Write(conn, protocol.TokenRequest{Hostname: c.conf.Hostname}); err != nil {
		return nil, fmt.Errorf("failed to send token request: %w", err)
	}

	msg, err := c.codec.Read(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read token status: %w", err)
	}

	status, ok := msg.(protocol.TokenStatus)
	if !ok {
		return nil, fmt.Errorf("unexpected reply %T to token request", msg)
	}
	return &status, nil
}

// serve registers with the stored token and executes commands until the
// connection drops. The invalid return tells Run to discard the token.
func (c *Client) serve(ctx context.Context, tok string) (invalid bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := c.codec.Write(conn, protocol.Register{Hostname: c.conf.Hostname, Token: tok}); err != nil {
		return false, fmt.Errorf("failed to send registration: %w", err)
	}

	msg, err := c.codec.Read(conn)
	if err != nil {
		return false, fmt.Errorf("failed to read registration reply: %w", err)
	}

	status, ok := msg.(protocol.TokenStatus)
	if !ok {
		return false, fmt.Errorf("unexpected reply %T to registration", msg)
	}

	switch status.Status {
	case protocol.StatusApproved:
	case protocol.StatusRevoked:
		slog.Warn("Registration rejected, access revoked; keeping token for renewal")
		return false, nil
	case protocol.StatusInvalid:
		return true, nil
	default:
		return false, fmt.Errorf("registration rejected with status %s", status.Status)
	}

	slog.Info("Registered with server", "hostname", c.conf.Hostname, "server", c.conf.ServerAddr)

	// Close the socket when the context ends so the read below unblocks.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		msg, err := c.codec.Read(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, fmt.Errorf("server closed the connection")
			}
			return false, err
		}

		switch m := msg.(type) {
		case protocol.Command:
			slog.Info("Executing command", "command", m.Text)
			res := c.executor.Execute(ctx, m.Text)
			if err := c.codec.Write(conn, res); err != nil {
				return false, fmt.Errorf("failed to send result: %w", err)
			}
		case protocol.TokenStatus:
			switch m.Status {
			case protocol.StatusRevoked:
				slog.Warn("Access revoked by operator; keeping token for renewal")
				return false, nil
			case protocol.StatusInvalid:
				slog.Warn("Token invalidated by operator")
				return true, nil
			default:
				slog.Warn("Unexpected status notice", "status", m.Status)
			}
		default:
			slog.Warn("Unexpected frame from server", "frame", fmt.Sprintf("%T", msg))
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: dialTimeout},
		Config:    c.tlsConf,
	}
	conn, err := dialer.DialContext(ctx, "tcp", c.conf.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.conf.ServerAddr, err)
	}
	return conn, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
