package server

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/protocol"
)

// fakeAgent drives the far end of a piped session like a connected agent
// would: it reads frames and answers CMD frames through a scripted handler.
type fakeAgent struct {
	conn  net.Conn
	codec *protocol.Codec
}

func startSession(t *testing.T, r *Registry, hostname string) (*Session, *fakeAgent) {
	t.Helper()
	serverSide, agentSide := net.Pipe()
	codec := protocol.NewCodec(0)

	sess := newSession(hostname, serverSide, codec)
	r.Register(sess)
	go func() {
		_ = sess.readLoop()
		sess.Close()
		r.Remove(sess)
	}()

	t.Cleanup(func() {
		sess.Close()
		agentSide.Close()
	})
	return sess, &fakeAgent{conn: agentSide, codec: codec}
}

// respond reads one CMD frame and answers it.
func (a *fakeAgent) respond(t *testing.T, res protocol.Result) {
	t.Helper()
	msg, err := a.codec.Read(a.conn)
	require.NoError(t, err)
	_, ok := msg.(protocol.Command)
	require.True(t, ok, "expected a command frame, got %T", msg)
	require.NoError(t, a.codec.Write(a.conn, res))
}

func TestSendCommandRoundTrip(t *testing.T) {
	r := NewRegistry(time.Second)
	_, agent := startSession(t, r, "web-01")

	go agent.respond(t, protocol.Result{Stdout: "hello\n", Stderr: ""})

	res, err := r.SendCommand("web-01", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Empty(t, res.Stderr)
}

func TestSendCommandNotConnected(t *testing.T) {
	r := NewRegistry(time.Second)

	_, err := r.SendCommand("ghost", "whoami")
	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, DispatchNotConnected, derr.Code)
}

func TestSendCommandTimeoutAndLateResultDiscarded(t *testing.T) {
	r := NewRegistry(50 * time.Millisecond)
	_, agent := startSession(t, r, "web-01")

	// The agent reads the command but answers only after the deadline.
	go func() {
		msg, err := agent.codec.Read(agent.conn)
		if err != nil {
			return
		}
		if _, ok := msg.(protocol.Command); !ok {
			return
		}
		time.Sleep(150 * time.Millisecond)
		_ = agent.codec.Write(agent.conn, protocol.Result{Stdout: "stale\n"})
	}()

	_, err := r.SendCommand("web-01", "slow")
	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, DispatchTimeout, derr.Code)

	// Wait for the stale result to arrive and be discarded.
	time.Sleep(250 * time.Millisecond)

	go agent.respond(t, protocol.Result{Stdout: "fresh\n"})
	res, err := r.SendCommand("web-01", "fast")
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", res.Stdout, "a stale result must never answer a later command")
}

func TestSendCommandBusy(t *testing.T) {
	r := NewRegistry(time.Second)
	_, agent := startSession(t, r, "web-01")

	release := make(chan struct{})
	go func() {
		msg, err := agent.codec.Read(agent.conn)
		if err != nil {
			return
		}
		if _, ok := msg.(protocol.Command); !ok {
			return
		}
		<-release
		_ = agent.codec.Write(agent.conn, protocol.Result{Stdout: "done\n"})
	}()

	var wg sync.WaitGroup
	firstErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := r.SendCommand("web-01", "first")
		firstErr <- err
	}()

	// Give the first dispatch time to claim the pending slot.
	time.Sleep(50 * time.Millisecond)

	_, err := r.SendCommand("web-01", "second")
	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, DispatchBusy, derr.Code)

	close(release)
	wg.Wait()
	assert.NoError(t, <-firstErr)
}

func TestSessionIDIsFullUUID(t *testing.T) {
	r := NewRegistry(time.Second)
	sess, _ := startSession(t, r, "web-01")

	parsed, err := uuid.Parse(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, parsed.String(), sess.ID)
	assert.Equal(t, sess.ID[:8], sess.ShortID())
}

func TestRegisterSupersedesExistingSession(t *testing.T) {
	r := NewRegistry(time.Second)
	old, _ := startSession(t, r, "web-01")
	replacement, _ := startSession(t, r, "web-01")

	assert.Equal(t, 1, r.Len())

	current, ok := r.Get("web-01")
	require.True(t, ok)
	assert.Same(t, replacement, current)
	assert.True(t, old.closed(), "superseded session must be closed")

	// The superseded handler finishing up must not evict the replacement.
	assert.False(t, r.Remove(old))
	current, ok = r.Get("web-01")
	require.True(t, ok)
	assert.Same(t, replacement, current)
}

func TestListOrderedByConnectionTime(t *testing.T) {
	r := NewRegistry(time.Second)
	first, _ := startSession(t, r, "bravo")
	first.ConnectedAt = time.Now().Add(-time.Minute)
	second, _ := startSession(t, r, "alpha")
	second.ConnectedAt = time.Now()

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "bravo", list[0].Hostname)
	assert.Equal(t, "alpha", list[1].Hostname)
}

func TestNotifyStatusReachesAgent(t *testing.T) {
	r := NewRegistry(time.Second)
	_, agent := startSession(t, r, "web-01")

	got := make(chan protocol.Message, 1)
	go func() {
		msg, err := agent.codec.Read(agent.conn)
		if err == nil {
			got <- msg
		}
	}()

	require.True(t, r.NotifyStatus("web-01", protocol.StatusRevoked))

	select {
	case msg := <-got:
		status, ok := msg.(protocol.TokenStatus)
		require.True(t, ok)
		assert.Equal(t, protocol.StatusRevoked, status.Status)
	case <-time.After(time.Second):
		t.Fatal("agent never received the status notice")
	}
}

func TestKickRemovesSession(t *testing.T) {
	r := NewRegistry(time.Second)
	sess, _ := startSession(t, r, "web-01")

	require.True(t, r.Kick("web-01"))
	assert.True(t, sess.closed())
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Kick("web-01"))
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry(time.Second)
	a, _ := startSession(t, r, "web-01")
	b, _ := startSession(t, r, "web-02")

	r.CloseAll()

	assert.True(t, a.closed())
	assert.True(t, b.closed())
	assert.Equal(t, 0, r.Len())
}
