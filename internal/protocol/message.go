package protocol

import (
	"fmt"
	"strings"
)

// Message tags as they appear on the wire.
const (
	tagTokenRequest = "TOKEN_REQUEST"
	tagTokenStatus  = "TOKEN_STATUS"
	tagRegister     = "REGISTER"
	tagCommand      = "CMD"
	tagResult       = "RESULT"
)

// resultSeparator splits stdout from stderr inside a RESULT payload.
const resultSeparator = "|||"

// Status is a token status as carried in TOKEN_STATUS frames.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRevoked  Status = "revoked"
	StatusDenied   Status = "denied"
	StatusInvalid  Status = "invalid"
)

// Message is one decoded protocol frame. Raw delimited strings never cross the
// codec boundary; callers switch on the concrete type.
type Message interface {
	payload() string
}

// TokenRequest asks the server to create or report a token for a hostname.
type TokenRequest struct {
	Hostname string
	IP       string
}

// TokenStatus reports the state of a token. Token is empty unless the status
// is approved.
type TokenStatus struct {
	Status Status
	Token  string
}

// Register authenticates an agent with its hostname and token.
type Register struct {
	Hostname string
	Token    string
}

// Command carries operator command text to an agent.
type Command struct {
	Text string
}

// Result carries the captured output of an executed command back to the server.
type Result struct {
	Stdout string
	Stderr string
}

func (m TokenRequest) payload() string {
	return fmt.Sprintf("%s:%s:%s", tagTokenRequest, m.Hostname, m.IP)
}

func (m TokenStatus) payload() string {
	return fmt.Sprintf("%s:%s:%s", tagTokenStatus, m.Status, m.Token)
}

func (m Register) payload() string {
	return fmt.Sprintf("%s:%s:%s", tagRegister, m.Hostname, m.Token)
}

func (m Command) payload() string {
	return tagCommand + ":" + m.Text
}

func (m Result) payload() string {
	return tagResult + ":" + m.Stdout + resultSeparator + m.Stderr
}

// parseMessage turns a raw frame payload into a typed Message.
func parseMessage(payload string) (Message, error) {
	tag, rest, ok := strings.Cut(payload, ":")
	if !ok {
		return nil, &Error{Reason: "missing message tag"}
	}

	switch tag {
	case tagTokenRequest:
		hostname, ip, ok := strings.Cut(rest, ":")
		if !ok || hostname == "" {
			return nil, &Error{Reason: "malformed TOKEN_REQUEST"}
		}
		return TokenRequest{Hostname: hostname, IP: ip}, nil

	case tagTokenStatus:
		status, token, _ := strings.Cut(rest, ":")
		switch Status(status) {
		case StatusPending, StatusApproved, StatusRevoked, StatusDenied, StatusInvalid:
			return TokenStatus{Status: Status(status), Token: token}, nil
		}
		return nil, &Error{Reason: fmt.Sprintf("unknown token status %q", status)}

	case tagRegister:
		hostname, token, ok := strings.Cut(rest, ":")
		if !ok || hostname == "" || token == "" {
			return nil, &Error{Reason: "malformed REGISTER"}
		}
		return Register{Hostname: hostname, Token: token}, nil

	case tagCommand:
		return Command{Text: rest}, nil

	case tagResult:
		stdout, stderr, ok := strings.Cut(rest, resultSeparator)
		if !ok {
			return nil, &Error{Reason: "malformed RESULT"}
		}
		return Result{Stdout: stdout, Stderr: stderr}, nil
	}

	return nil, &Error{Reason: fmt.Sprintf("unrecognized message tag %q", tag)}
}
