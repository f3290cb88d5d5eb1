package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/metrics"
)

// ErrExists is returned when an operation requires that no record exist for
// the hostname yet.
var ErrExists = errors.New("token record already exists")

// TransitionError reports a lifecycle operation applied to a record in a
// state that does not permit it.
type TransitionError struct {
	Op       string
	Hostname string
	State    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s token for %s: state is %s", e.Op, e.Hostname, e.State)
}

// AuthResult is the outcome of validating a presented token.
type AuthResult int

const (
	AuthValid AuthResult = iota
	AuthInvalid
	AuthRevoked
	AuthPending
	AuthDenied
	AuthNotFound
)

func (r AuthResult) String() string {
	switch r {
	case AuthValid:
		return "valid"
	case AuthInvalid:
		return "invalid"
	case AuthRevoked:
		return "revoked"
	case AuthPending:
		return "pending"
	case AuthDenied:
		return "denied"
	case AuthNotFound:
		return "not_found"
	}
	return "unknown"
}

// RequestEvent notifies the operator console of a new pending token request.
type RequestEvent struct {
	Hostname string
	IP       string
	At       time.Time
}

const eventBuffer = 16

// Manager owns the token lifecycle state machine. All transitions are
// serialized through its mutex so concurrent requests for the same identity
// cannot create duplicate records.
type Manager struct {
	mu     sync.Mutex
	store  Store
	events chan RequestEvent

	// compare checks a presented token against the stored one. Defaults to a
	// constant-time comparison; injectable for tests.
	compare func(stored, presented string) bool
}

func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		events: make(chan RequestEvent, eventBuffer),
		compare: func(stored, presented string) bool {
			return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
		},
	}
}

// Events delivers pending-request notifications. The channel is buffered and
// never blocks a connection handler; events are dropped if the console lags.
func (m *Manager) Events() <-chan RequestEvent {
	return m.events
}

// Request handles a TOKEN_REQUEST for a hostname. If no record exists, a new
// pending one is created (created=true). Otherwise the existing record is
// returned untouched so the caller can report its current status.
func (m *Manager) Request(ctx context.Context, hostname, ip string) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.Get(ctx, hostname)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now()
	rec := &Record{
		Hostname:    hostname,
		State:       StatePending,
		RequestedIP: ip,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, false, err
	}

	slog.Info("Token request created", "hostname", hostname, "ip", ip)
	metrics.TokenTransitions.WithLabelValues("request").Inc()

	select {
	case m.events <- RequestEvent{Hostname: hostname, IP: ip, At: now}:
	default:
		slog.Warn("Dropping token request notification, event queue full", "hostname", hostname)
	}

	return rec, true, nil
}

// Approve transitions a pending record to approved and generates its token
// value. Approval is the only place a token value is created for a requested
// record.
func (m *Manager) Approve(ctx context.Context, hostname string) (*Record, error) {
	return m.transition(ctx, "approve", hostname, StatePending, func(rec *Record) error {
		tok, err := NewToken()
		if err != nil {
			return err
		}
		rec.Token = tok
		rec.State = StateApproved
		return nil
	})
}

// Deny transitions a pending record to denied.
func (m *Manager) Deny(ctx context.Context, hostname string) (*Record, error) {
	return m.transition(ctx, "deny", hostname, StatePending, func(rec *Record) error {
		rec.State = StateDenied
		return nil
	})
}

// Revoke transitions an approved record to revoked. The token value is
// retained so a later renew readmits the same credential.
func (m *Manager) Revoke(ctx context.Context, hostname string) (*Record, error) {
	return m.transition(ctx, "revoke", hostname, StateApproved, func(rec *Record) error {
		rec.State = StateRevoked
		return nil
	})
}

// Renew transitions a revoked record back to approved without regenerating
// the token.
func (m *Manager) Renew(ctx context.Context, hostname string) (*Record, error) {
	return m.transition(ctx, "renew", hostname, StateRevoked, func(rec *Record) error {
		rec.State = StateApproved
		return nil
	})
}

// Add manually creates a record that is approved immediately, bypassing the
// request/approve workflow. Fails with ErrExists if the hostname already has
// a record in any state.
func (m *Manager) Add(ctx context.Context, hostname string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.Get(ctx, hostname); err == nil {
		return nil, ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	tok, err := NewToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rec := &Record{
		Hostname:  hostname,
		Token:     tok,
		State:     StateApproved,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, err
	}

	slog.Info("Token manually created", "hostname", hostname, "token_fp", Fingerprint(tok))
	metrics.TokenTransitions.WithLabelValues("add").Inc()
	return rec, nil
}

// Delete permanently removes a record regardless of its state.
func (m *Manager) Delete(ctx context.Context, hostname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, hostname); err != nil {
		return err
	}
	slog.Info("Token deleted", "hostname", hostname)
	metrics.TokenTransitions.WithLabelValues("delete").Inc()
	return nil
}

// Get returns the record for a hostname.
func (m *Manager) Get(ctx context.Context, hostname string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Get(ctx, hostname)
}

// List returns all records.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.List(ctx)
}

// Pending returns records awaiting approval, oldest first.
func (m *Manager) Pending(ctx context.Context) ([]Record, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	pending := all[:0:0]
	for _, rec := range all {
		if rec.State == StatePending {
			pending = append(pending, rec)
		}
	}
	return pending, nil
}

// Authenticate validates a presented token for a hostname. The token value is
// only compared when the record is approved, and always via the configured
// constant-time comparison.
func (m *Manager) Authenticate(ctx context.Context, hostname, presented string) (AuthResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.Get(ctx, hostname)
	if errors.Is(err, ErrNotFound) {
		m.logAuth(hostname, presented, AuthNotFound)
		return AuthNotFound, nil
	}
	if err != nil {
		return AuthInvalid, err
	}

	var result AuthResult
	switch rec.State {
	case StateApproved:
		if m.compare(rec.Token, presented) {
			result = AuthValid
		} else {
			result = AuthInvalid
		}
	case StateRevoked:
		result = AuthRevoked
	case StatePending:
		result = AuthPending
	case StateDenied:
		result = AuthDenied
	default:
		result = AuthInvalid
	}

	m.logAuth(hostname, presented, result)
	return result, nil
}

func (m *Manager) logAuth(hostname, presented string, result AuthResult) {
	metrics.AuthAttempts.WithLabelValues(result.String()).Inc()
	if result == AuthValid {
		slog.Info("Authentication succeeded", "hostname", hostname, "token_fp", Fingerprint(presented))
		return
	}
	slog.Warn("Authentication failed", "hostname", hostname, "result", result.String(), "token_fp", Fingerprint(presented))
}

func (m *Manager) transition(ctx context.Context, op, hostname string, from State, apply func(*Record) error) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.Get(ctx, hostname)
	if err != nil {
		return nil, err
	}
	if rec.State != from {
		return nil, &TransitionError{Op: op, Hostname: hostname, State: rec.State}
	}

	if err := apply(rec); err != nil {
		return nil, err
	}
	rec.UpdatedAt = time.Now()

	if err := m.store.Put(ctx, rec); err != nil {
		return nil, err
	}

	slog.Info("Token state changed", "hostname", hostname, "op", op, "state", rec.State, "token_fp", Fingerprint(rec.Token))
	metrics.TokenTransitions.WithLabelValues(op).Inc()
	return rec, nil
}
