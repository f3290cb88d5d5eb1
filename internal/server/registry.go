package server

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/protocol"
)

const defaultResponseTimeout = 35 * time.Second

// Registry is the shared collection of live agent sessions, indexed by
// hostname. It holds at most one session per hostname: registering a second
// connection for a connected hostname closes and replaces the first.
type Registry struct {
	mu              sync.Mutex
	sessions        map[string]*Session
	responseTimeout time.Duration
}

func NewRegistry(responseTimeout time.Duration) *Registry {
	if responseTimeout <= 0 {
		responseTimeout = defaultResponseTimeout
	}
	return &Registry{
		sessions:        make(map[string]*Session),
		responseTimeout: responseTimeout,
	}
}

// Register inserts a session, superseding any existing one for the same
// hostname. The replaced session (already closed) is returned so the caller
// can log it.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	replaced := r.sessions[s.Hostname]
	if replaced != nil {
		slog.Warn("Agent already connected, superseding session",
			"hostname", s.Hostname,
			"old_session_id", replaced.ID,
			"new_session_id", s.ID)
		replaced.Close()
	}

	r.sessions[s.Hostname] = s
	metrics.ActiveSessions.Set(float64(len(r.sessions)))

	slog.Info("Agent session registered",
		"hostname", s.Hostname,
		"session_id", s.ID,
		"remote_addr", s.RemoteAddr,
		"total_sessions", len(r.sessions))
	return replaced
}

// Remove deletes a session, but only if it is still the current one for its
// hostname; a handler finishing up after being superseded must not evict its
// replacement.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[s.Hostname]
	if !ok || current != s {
		return false
	}

	delete(r.sessions, s.Hostname)
	metrics.ActiveSessions.Set(float64(len(r.sessions)))

	slog.Info("Agent session removed",
		"hostname", s.Hostname,
		"session_id", s.ID,
		"total_sessions", len(r.sessions))
	return true
}

// Get returns the live session for a hostname.
func (r *Registry) Get(hostname string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[hostname]
	return s, ok
}

// List returns a snapshot of live sessions ordered by connection time. The
// order is the basis for the operator's 1-based display indexes.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].Hostname < out[j].Hostname
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// SendCommand dispatches one command to the hostname's live session and
// blocks for its result. The session is torn down on IO errors; on timeout
// it is left intact and the eventual late result is discarded.
func (r *Registry) SendCommand(hostname, text string) (*protocol.Result, error) {
	s, ok := r.Get(hostname)
	if !ok {
		metrics.Commands.WithLabelValues(DispatchNotConnected.String()).Inc()
		return nil, &DispatchError{Code: DispatchNotConnected, Hostname: hostname}
	}

	res, err := s.execute(text, r.responseTimeout)
	if err != nil {
		var derr *DispatchError
		if errors.As(err, &derr) {
			metrics.Commands.WithLabelValues(derr.Code.String()).Inc()
			if derr.Code == DispatchIOError {
				s.Close()
				r.Remove(s)
			}
		}
		return nil, err
	}

	metrics.Commands.WithLabelValues("ok").Inc()
	return res, nil
}

// NotifyStatus pushes a TOKEN_STATUS frame to a live session, used to tell a
// connected agent its token was revoked or deleted before kicking it.
func (r *Registry) NotifyStatus(hostname string, status protocol.Status) bool {
	s, ok := r.Get(hostname)
	if !ok {
		return false
	}
	if err := s.send(protocol.TokenStatus{Status: status}); err != nil {
		slog.Warn("Failed to send status notice", "hostname", hostname, "error", err)
		return false
	}
	return true
}

// Kick closes and removes the hostname's live session.
func (r *Registry) Kick(hostname string) bool {
	s, ok := r.Get(hostname)
	if !ok {
		return false
	}
	s.Close()
	r.Remove(s)
	slog.Info("Agent session kicked", "hostname", hostname, "session_id", s.ID)
	return true
}

// CloseAll tears down every live session, used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		s.Close()
	}
	r.sessions = make(map[string]*Session)
	metrics.ActiveSessions.Set(0)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
