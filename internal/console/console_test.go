package console

import (
	"bytes"
	"context"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/protocol"
	"github.com/wardenhq/warden/internal/server"
	"github.com/wardenhq/warden/internal/token"
)

// memStore is an in-memory token.Store for console tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]token.Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]token.Record)}
}

func (s *memStore) Get(_ context.Context, hostname string) (*token.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[hostname]
	if !ok {
		return nil, token.ErrNotFound
	}
	return &rec, nil
}

func (s *memStore) Put(_ context.Context, rec *token.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Hostname] = *rec
	return nil
}

func (s *memStore) Delete(_ context.Context, hostname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[hostname]; !ok {
		return token.ErrNotFound
	}
	delete(s.records, hostname)
	return nil
}

func (s *memStore) List(_ context.Context) ([]token.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]token.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

func runConsole(t *testing.T, mgr *token.Manager, input string) string {
	t.Helper()
	return runConsoleWith(t, mgr, server.NewRegistry(0), input)
}

func runConsoleWith(t *testing.T, mgr *token.Manager, reg *server.Registry, input string) string {
	t.Helper()
	var out bytes.Buffer
	c := New(mgr, reg, strings.NewReader(input), &out)
	require.NoError(t, c.Run(context.Background()))
	return out.String()
}

// syncBuffer collects console output that may still be written while the
// test inspects it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// liveAgent sits on the far end of an admitted session and answers every CMD
// frame with "ran <text>".
type liveAgent struct {
	conn  net.Conn
	codec *protocol.Codec

	mu       sync.Mutex
	commands []string
}

func (a *liveAgent) serve() {
	for {
		msg, err := a.codec.Read(a.conn)
		if err != nil {
			return
		}
		cmd, ok := msg.(protocol.Command)
		if !ok {
			continue
		}
		a.mu.Lock()
		a.commands = append(a.commands, cmd.Text)
		a.mu.Unlock()
		if a.codec.Write(a.conn, protocol.Result{Stdout: "ran " + cmd.Text + "\n"}) != nil {
			return
		}
	}
}

func (a *liveAgent) received() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.commands...)
}

// connectAgent registers an agent over a piped connection through the real
// handshake and waits until its session is in the registry.
func connectAgent(t *testing.T, mgr *token.Manager, reg *server.Registry, hostname string) *liveAgent {
	t.Helper()
	rec, err := mgr.Add(context.Background(), hostname)
	require.NoError(t, err)

	codec := protocol.NewCodec(0)
	l := server.NewListener("", nil, mgr, reg, codec)
	serverSide, agentSide := net.Pipe()
	go l.ServeConn(serverSide)

	require.NoError(t, codec.Write(agentSide, protocol.Register{Hostname: hostname, Token: rec.Token}))
	msg, err := codec.Read(agentSide)
	require.NoError(t, err)
	status, ok := msg.(protocol.TokenStatus)
	require.True(t, ok, "expected a token status frame, got %T", msg)
	require.Equal(t, protocol.StatusApproved, status.Status)

	require.Eventually(t, func() bool {
		_, live := reg.Get(hostname)
		return live
	}, time.Second, 5*time.Millisecond, "session never reached the registry")

	agent := &liveAgent{conn: agentSide, codec: codec}
	go agent.serve()
	t.Cleanup(func() { agentSide.Close() })
	return agent
}

func TestConsoleApprovePendingByIndex(t *testing.T) {
	mgr := token.NewManager(newMemStore())
	_, created, err := mgr.Request(context.Background(), "web-01", "10.0.0.5")
	require.NoError(t, err)
	require.True(t, created)

	out := runConsole(t, mgr, "approve 1\nexit\n")
	assert.Contains(t, out, "Token approved for web-01")

	rec, err := mgr.Get(context.Background(), "web-01")
	require.NoError(t, err)
	assert.Equal(t, token.StateApproved, rec.State)
	assert.NotEmpty(t, rec.Token)
}

func TestConsoleDenyByHostname(t *testing.T) {
	mgr := token.NewManager(newMemStore())
	_, _, err := mgr.Request(context.Background(), "db-01", "10.0.0.6")
	require.NoError(t, err)

	out := runConsole(t, mgr, "deny db-01\nexit\n")
	assert.Contains(t, out, "Token request denied for db-01")

	rec, err := mgr.Get(context.Background(), "db-01")
	require.NoError(t, err)
	assert.Equal(t, token.StateDenied, rec.State)
}

func TestConsoleApproveUnknownRef(t *testing.T) {
	mgr := token.NewManager(newMemStore())

	out := runConsole(t, mgr, "approve 7\nexit\n")
	assert.Contains(t, out, "cannot resolve")
}

func TestConsoleAddTokenRejectsExisting(t *testing.T) {
	mgr := token.NewManager(newMemStore())
	_, err := mgr.Add(context.Background(), "cache-01")
	require.NoError(t, err)

	out := runConsole(t, mgr, "addtoken cache-01\nexit\n")
	assert.Contains(t, out, "Addtoken failed")
}

func TestConsoleDeleteRequiresConfirmation(t *testing.T) {
	mgr := token.NewManager(newMemStore())
	_, err := mgr.Add(context.Background(), "cache-01")
	require.NoError(t, err)

	out := runConsole(t, mgr, "delete cache-01\nno\nexit\n")
	assert.Contains(t, out, "Deletion cancelled")

	_, err = mgr.Get(context.Background(), "cache-01")
	assert.NoError(t, err)
}

func TestConsoleDeleteConfirmed(t *testing.T) {
	mgr := token.NewManager(newMemStore())
	_, err := mgr.Add(context.Background(), "cache-01")
	require.NoError(t, err)

	out := runConsole(t, mgr, "delete cache-01\nyes\nexit\n")
	assert.Contains(t, out, "Token deleted for cache-01")

	_, err = mgr.Get(context.Background(), "cache-01")
	assert.ErrorIs(t, err, token.ErrNotFound)
}

func TestConsoleRevokeThenRenew(t *testing.T) {
	mgr := token.NewManager(newMemStore())
	added, err := mgr.Add(context.Background(), "web-02")
	require.NoError(t, err)

	out := runConsole(t, mgr, "revoke web-02\nrenew web-02\nexit\n")
	assert.Contains(t, out, "Token revoked for web-02")
	assert.Contains(t, out, "Token renewed for web-02")

	rec, err := mgr.Get(context.Background(), "web-02")
	require.NoError(t, err)
	assert.Equal(t, token.StateApproved, rec.State)
	assert.Equal(t, added.Token, rec.Token, "renew keeps the original token value")
}

func TestConsoleUseWithNoSessions(t *testing.T) {
	mgr := token.NewManager(newMemStore())

	out := runConsole(t, mgr, "use 1\nexit\n")
	assert.Contains(t, out, "nothing to choose from")
}

func TestConsolePendingListsRequests(t *testing.T) {
	mgr := token.NewManager(newMemStore())
	_, _, err := mgr.Request(context.Background(), "web-01", "10.0.0.5")
	require.NoError(t, err)
	_, _, err = mgr.Request(context.Background(), "web-02", "10.0.0.6")
	require.NoError(t, err)

	out := runConsole(t, mgr, "pending\nexit\n")
	assert.Contains(t, out, "web-01")
	assert.Contains(t, out, "web-02")
	assert.Contains(t, out, "10.0.0.5")
}

func TestConsoleUnknownCommand(t *testing.T) {
	mgr := token.NewManager(newMemStore())

	out := runConsole(t, mgr, "frobnicate\nexit\n")
	assert.Contains(t, out, "Unknown command")
}

func TestConsolePromptShowsPendingCount(t *testing.T) {
	mgr := token.NewManager(newMemStore())
	_, _, err := mgr.Request(context.Background(), "web-01", "")
	require.NoError(t, err)

	out := runConsole(t, mgr, "exit\n")
	assert.Contains(t, out, "(1 pending)>")
}

func TestConsoleSessionPassThrough(t *testing.T) {
	mgr := token.NewManager(newMemStore())
	reg := server.NewRegistry(0)
	agent := connectAgent(t, mgr, reg, "web-01")

	out := runConsoleWith(t, mgr, reg, "use 1\nwhoami\nback\nexit\n")
	assert.Contains(t, out, "Session opened with web-01")
	assert.Contains(t, out, "ran whoami")
	assert.Contains(t, out, "Session closed")
	assert.Equal(t, []string{"whoami"}, agent.received())
}

func TestConsoleDisambiguateRunsOnAgent(t *testing.T) {
	mgr := token.NewManager(newMemStore())
	reg := server.NewRegistry(0)
	agent := connectAgent(t, mgr, reg, "web-01")

	out := runConsoleWith(t, mgr, reg, "use web-01\nlist\n1\nback\nexit\n")
	assert.Contains(t, out, "'list' is both a server command and agent text.")
	assert.Contains(t, out, "ran list")
	assert.NotContains(t, out, "Connected agents")
	assert.Equal(t, []string{"list"}, agent.received())
}

func TestConsoleDisambiguateRunsServerCommand(t *testing.T) {
	mgr := token.NewManager(newMemStore())
	reg := server.NewRegistry(0)
	agent := connectAgent(t, mgr, reg, "web-01")

	out := runConsoleWith(t, mgr, reg, "use web-01\nlist\n2\nback\nexit\n")
	assert.Contains(t, out, "Connected agents (1):")
	assert.Contains(t, out, "web-01")
	assert.Empty(t, agent.received())
}

func TestConsoleDisambiguateCancel(t *testing.T) {
	mgr := token.NewManager(newMemStore())
	reg := server.NewRegistry(0)
	agent := connectAgent(t, mgr, reg, "web-01")

	out := runConsoleWith(t, mgr, reg, "use web-01\nlist\n3\nback\nexit\n")
	assert.Contains(t, out, "[3] cancel")
	assert.NotContains(t, out, "Connected agents")
	assert.NotContains(t, out, "ran list")
	assert.Empty(t, agent.received())
}

func TestConsoleSessionOverviewShowsShortID(t *testing.T) {
	mgr := token.NewManager(newMemStore())
	reg := server.NewRegistry(0)
	connectAgent(t, mgr, reg, "web-01")

	sess, ok := reg.Get("web-01")
	require.True(t, ok)

	out := runConsoleWith(t, mgr, reg, "list\nexit\n")
	assert.Contains(t, out, "session "+sess.ShortID())
	assert.NotContains(t, out, sess.ID)
}

func TestConsolePrintsRequestNoticeWhileRunning(t *testing.T) {
	mgr := token.NewManager(newMemStore())
	out := &syncBuffer{}
	inR, inW := io.Pipe()
	t.Cleanup(func() { inW.Close() })

	c := New(mgr, server.NewRegistry(0), inR, out)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	_, err := io.WriteString(inW, "help\n")
	require.NoError(t, err)

	_, created, err := mgr.Request(context.Background(), "web-09", "10.0.0.9")
	require.NoError(t, err)
	require.True(t, created)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "New token request: web-09")
	}, 2*time.Second, 10*time.Millisecond, "request notice never printed")

	_, err = io.WriteString(inW, "pending\nexit\n")
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Contains(t, out.String(), "10.0.0.9")
}
