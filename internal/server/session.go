package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wardenhq/warden/internal/protocol"
)

// Session is the live state of one authenticated agent connection. The socket
// has exactly one reader (the connection handler's read loop); command
// issuers park on the pending slot and receive their RESULT from that loop.
type Session struct {
	ID          string
	Hostname    string
	RemoteAddr  string
	ConnectedAt time.Time

	conn  net.Conn
	codec *protocol.Codec

	writeMu sync.Mutex

	mu      sync.Mutex
	pending chan protocol.Result // non-nil while one command awaits its result

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(hostname string, conn net.Conn, codec *protocol.Codec) *Session {
	return &Session{
		ID:          uuid.New().String(),
		Hostname:    hostname,
		RemoteAddr:  conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
		conn:        conn,
		codec:       codec,
		done:        make(chan struct{}),
	}
}

// ShortID returns the display form of the session id, the first 8 characters
// of the UUID.
func (s *Session) ShortID() string {
	return s.ID[:8]
}

// Close releases the socket and wakes any command waiter. Safe to call more
// than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// send writes one frame to the agent. Writes are serialized so a command
// frame and a status notification cannot interleave.
func (s *Session) send(m protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.codec.Write(s.conn, m)
}

// execute performs one command round-trip. Only one command may be
// outstanding; a second concurrent call fails with DispatchBusy. On timeout
// the pending slot is cleared so a late RESULT is discarded by the read loop
// instead of answering the next command.
func (s *Session) execute(text string, timeout time.Duration) (*protocol.Result, error) {
	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return nil, &DispatchError{Code: DispatchBusy, Hostname: s.Hostname}
	}
	waiter := make(chan protocol.Result, 1)
	s.pending = waiter
	s.mu.Unlock()

	if err := s.send(protocol.Command{Text: text}); err != nil {
		s.clearPending(waiter)
		return nil, &DispatchError{Code: DispatchIOError, Hostname: s.Hostname, Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-waiter:
		return &res, nil
	case <-timer.C:
		s.clearPending(waiter)
		return nil, &DispatchError{Code: DispatchTimeout, Hostname: s.Hostname}
	case <-s.done:
		s.clearPending(waiter)
		return nil, &DispatchError{Code: DispatchIOError, Hostname: s.Hostname, Err: errors.New("session closed")}
	}
}

func (s *Session) clearPending(waiter chan protocol.Result) {
	s.mu.Lock()
	if s.pending == waiter {
		s.pending = nil
	}
	s.mu.Unlock()
}

// deliverResult routes a RESULT frame from the read loop to the waiting
// command, or discards it when nothing is outstanding (a late answer after a
// timeout).
func (s *Session) deliverResult(res protocol.Result) {
	s.mu.Lock()
	waiter := s.pending
	s.pending = nil
	s.mu.Unlock()

	if waiter == nil {
		slog.Warn("Discarding unsolicited result frame", "hostname", s.Hostname, "session_id", s.ID)
		return
	}
	waiter <- res
}

// readLoop is the single reader on the session socket. It detects
// disconnection and routes RESULT frames; anything else from an admitted
// agent is unexpected and logged.
func (s *Session) readLoop() error {
	for {
		msg, err := s.codec.Read(s.conn)
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case protocol.Result:
			s.deliverResult(m)
		default:
			slog.Warn("Unexpected frame from agent", "hostname", s.Hostname, "session_id", s.ID, "frame", fmt.Sprintf("%T", msg))
		}
	}
}
