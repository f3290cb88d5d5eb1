// Package console implements the interactive operator surface: token
// approval workflow commands, session selection, and command pass-through to
// connected agents.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/protocol"
	"github.com/wardenhq/warden/internal/server"
	"github.com/wardenhq/warden/internal/token"
)

// ambiguous lists verbs that are valid both as server commands and as text
// to run on a connected agent. Inside a session the operator is asked which
// one was meant instead of the console guessing.
var ambiguous = map[string]bool{
	"list":     true,
	"sessions": true,
	"help":     true,
	"pending":  true,
	"tokens":   true,
}

// serverVerbs are commands that are unambiguously for the server even while
// a session is active.
var serverVerbs = []string{"use ", "approve ", "deny ", "revoke ", "addtoken ", "delete ", "renew "}

// Console runs the operator's command loop. One console exists per server
// process; while it blocks on a command round-trip or a prompt, connection
// handling continues on the listener's goroutines.
type Console struct {
	tokens   *token.Manager
	registry *server.Registry
	in       *bufio.Scanner
	out      io.Writer

	active string // hostname of the session the operator is inside, "" at top level
}

func New(tokens *token.Manager, registry *server.Registry, in io.Reader, out io.Writer) *Console {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Console{
		tokens:   tokens,
		registry: registry,
		in:       sc,
		out:      &lockedWriter{w: out},
	}
}

// lockedWriter serializes writes from the command loop and the event watcher
// so they can share one output stream.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

// Run processes operator input until `exit` at top level or end of input.
// The event watcher it starts is stopped before Run returns, so nothing
// touches the output writer afterwards.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.watchEvents(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	fmt.Fprintln(c.out, "Operator console ready. Type 'help' for commands.")

	for {
		fmt.Fprint(c.out, c.prompt())
		line, ok := c.readLine()
		if !ok {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if c.dispatch(line) {
			return nil
		}
	}
}

func (c *Console) prompt() string {
	pending, err := c.tokens.Pending(context.Background())
	suffix := "> "
	if err == nil && len(pending) > 0 {
		suffix = fmt.Sprintf(" (%d pending)> ", len(pending))
	}
	if c.active != "" {
		return "[" + c.active + "]" + suffix
	}
	return "warden" + suffix
}

func (c *Console) readLine() (string, bool) {
	if !c.in.Scan() {
		return "", false
	}
	return c.in.Text(), true
}

// watchEvents prints pending-request notifications pushed by the token
// manager so the operator sees new requests without polling. The rest of the
// console state belongs to the Run goroutine; this one only writes the notice.
func (c *Console) watchEvents(ctx context.Context) {
	events := c.tokens.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(c.out, "\n*** New token request: %s (%s) at %s\n    approve %s | deny %s | pending\n",
				ev.Hostname, orUnknown(ev.IP), ev.At.Format(time.TimeOnly), ev.Hostname, ev.Hostname)
		}
	}
}

// dispatch handles one input line; it returns true when the server should
// shut down.
func (c *Console) dispatch(line string) bool {
	switch line {
	case "exit", "quit":
		if c.active != "" {
			c.leaveSession()
			return false
		}
		slog.Info("Operator initiated shutdown")
		return true
	case "back", "q":
		if c.active != "" {
			c.leaveSession()
		} else {
			fmt.Fprintln(c.out, "No active session")
		}
		return false
	}

	if c.active != "" {
		verb := line
		if verb == "?" {
			verb = "help"
		}
		if ambiguous[verb] {
			switch c.disambiguate(verb) {
			case choiceCancel:
				return false
			case choiceClient:
				c.runRemote(line)
				return false
			}
			// choiceServer falls through to the server command switch.
			line = verb
		} else if !hasServerVerb(line) {
			c.runRemote(line)
			return false
		}
	}

	c.serverCommand(line)
	return false
}

func hasServerVerb(line string) bool {
	for _, v := range serverVerbs {
		if strings.HasPrefix(line, v) {
			return true
		}
	}
	return false
}

func (c *Console) serverCommand(line string) {
	verb, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	ctx := context.Background()

	switch verb {
	case "list", "sessions":
		c.printOverview(ctx)
	case "pending":
		c.printPending(ctx)
	case "tokens":
		c.printTokens(ctx)
	case "help", "?":
		c.printHelp()
	case "use":
		c.cmdUse(arg)
	case "approve":
		c.cmdApprove(ctx, arg)
	case "deny":
		c.cmdDeny(ctx, arg)
	case "addtoken":
		c.cmdAddToken(ctx, arg)
	case "revoke":
		c.cmdRevoke(ctx, arg)
	case "renew":
		c.cmdRenew(ctx, arg)
	case "delete":
		c.cmdDelete(ctx, arg)
	default:
		fmt.Fprintln(c.out, "Unknown command. Type 'help' for commands.")
	}
}

type choice int

const (
	choiceClient choice = iota
	choiceServer
	choiceCancel
)

// disambiguate asks whether an ambiguous verb was meant for the agent or the
// server. It blocks until the operator picks; other agents keep connecting
// in the meantime.
func (c *Console) disambiguate(verb string) choice {
	fmt.Fprintf(c.out, "'%s' is both a server command and agent text.\n", verb)
	fmt.Fprintf(c.out, "  [1] run '%s' on %s\n", verb, c.active)
	fmt.Fprintf(c.out, "  [2] run the server command\n")
	fmt.Fprintf(c.out, "  [3] cancel\n")

	for {
		fmt.Fprint(c.out, "Choice (1/2/3): ")
		line, ok := c.readLine()
		if !ok {
			return choiceCancel
		}
		switch strings.TrimSpace(line) {
		case "1":
			return choiceClient
		case "2":
			return choiceServer
		case "3":
			return choiceCancel
		}
		fmt.Fprintln(c.out, "Enter 1, 2 or 3")
	}
}

func (c *Console) leaveSession() {
	slog.Info("Session closed", "hostname", c.active)
	fmt.Fprintln(c.out, "Session closed")
	c.active = ""
}

// runRemote sends one command to the active session and prints its output.
func (c *Console) runRemote(text string) {
	res, err := c.registry.SendCommand(c.active, text)
	if err != nil {
		var derr *server.DispatchError
		if errors.As(err, &derr) {
			switch derr.Code {
			case server.DispatchNotConnected, server.DispatchIOError:
				fmt.Fprintf(c.out, "Agent %s is not connected\n", c.active)
				c.active = ""
			case server.DispatchTimeout:
				fmt.Fprintln(c.out, "Timed out waiting for the agent's response")
			case server.DispatchBusy:
				fmt.Fprintln(c.out, "A command is already outstanding on this session")
			}
			return
		}
		fmt.Fprintf(c.out, "Command failed: %v\n", err)
		return
	}

	fmt.Fprintf(c.out, "--- %s ---\n", c.active)
	if res.Stdout != "" {
		fmt.Fprint(c.out, res.Stdout)
		if !strings.HasSuffix(res.Stdout, "\n") {
			fmt.Fprintln(c.out)
		}
	}
	if res.Stderr != "" {
		fmt.Fprintln(c.out, "stderr:")
		fmt.Fprint(c.out, res.Stderr)
		if !strings.HasSuffix(res.Stderr, "\n") {
			fmt.Fprintln(c.out)
		}
	}
	fmt.Fprintln(c.out, "---")
}

func (c *Console) cmdUse(ref string) {
	if ref == "" {
		fmt.Fprintln(c.out, "Usage: use <#|hostname>")
		return
	}
	hostname, err := resolveRef(ref, sessionHostnames(c.registry))
	if err != nil {
		fmt.Fprintln(c.out, err)
		return
	}
	if c.active == hostname {
		fmt.Fprintf(c.out, "Already in session with %s\n", hostname)
		return
	}
	if c.active != "" {
		fmt.Fprintf(c.out, "Closed session with %s\n", c.active)
	}
	c.active = hostname
	slog.Info("Session opened", "hostname", hostname)
	fmt.Fprintf(c.out, "Session opened with %s\n", hostname)
}

func (c *Console) cmdApprove(ctx context.Context, ref string) {
	hostname, ok := c.resolvePending(ctx, ref, "approve")
	if !ok {
		return
	}
	rec, err := c.tokens.Approve(ctx, hostname)
	if err != nil {
		fmt.Fprintf(c.out, "Approve failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Token approved for %s (token %s...)\n", hostname, rec.Token[:16])
	fmt.Fprintln(c.out, "The agent will pick it up on its next status poll.")
}

func (c *Console) cmdDeny(ctx context.Context, ref string) {
	hostname, ok := c.resolvePending(ctx, ref, "deny")
	if !ok {
		return
	}
	if _, err := c.tokens.Deny(ctx, hostname); err != nil {
		fmt.Fprintf(c.out, "Deny failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Token request denied for %s\n", hostname)
}

func (c *Console) cmdAddToken(ctx context.Context, hostname string) {
	if hostname == "" {
		fmt.Fprintln(c.out, "Usage: addtoken <hostname>")
		return
	}
	rec, err := c.tokens.Add(ctx, hostname)
	if err != nil {
		fmt.Fprintf(c.out, "Addtoken failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Token created and approved for %s\n", hostname)
	fmt.Fprintf(c.out, "  token: %s\n", rec.Token)
	fmt.Fprintln(c.out, "  hand this to the agent; it is not shown again")
}

func (c *Console) cmdRevoke(ctx context.Context, ref string) {
	hostname, ok := c.resolveToken(ctx, ref, "revoke")
	if !ok {
		return
	}
	if _, err := c.tokens.Revoke(ctx, hostname); err != nil {
		fmt.Fprintf(c.out, "Revoke failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Token revoked for %s\n", hostname)
	c.kick(hostname, protocol.StatusRevoked)
}

func (c *Console) cmdRenew(ctx context.Context, hostname string) {
	if hostname == "" {
		fmt.Fprintln(c.out, "Usage: renew <hostname>")
		return
	}
	if _, err := c.tokens.Renew(ctx, hostname); err != nil {
		fmt.Fprintf(c.out, "Renew failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Token renewed for %s; the agent can reconnect with its existing token\n", hostname)
}

func (c *Console) cmdDelete(ctx context.Context, ref string) {
	hostname, ok := c.resolveToken(ctx, ref, "delete")
	if !ok {
		return
	}

	fmt.Fprintf(c.out, "This permanently deletes the token for %s.\n", hostname)
	fmt.Fprint(c.out, "Type 'yes' to confirm: ")
	line, _ := c.readLine()
	if strings.TrimSpace(strings.ToLower(line)) != "yes" {
		fmt.Fprintln(c.out, "Deletion cancelled")
		return
	}

	c.kick(hostname, protocol.StatusInvalid)
	if err := c.tokens.Delete(ctx, hostname); err != nil {
		fmt.Fprintf(c.out, "Delete failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Token deleted for %s; the agent must request a new one\n", hostname)
}

// kick notifies a live session of its new status and disconnects it.
func (c *Console) kick(hostname string, status protocol.Status) {
	if c.registry.NotifyStatus(hostname, status) {
		fmt.Fprintf(c.out, "Notified connected agent %s\n", hostname)
	}
	if c.registry.Kick(hostname) {
		fmt.Fprintf(c.out, "Kicked %s from the server\n", hostname)
		if c.active == hostname {
			c.active = ""
		}
	}
}

func (c *Console) resolvePending(ctx context.Context, ref, usage string) (string, bool) {
	if ref == "" {
		fmt.Fprintf(c.out, "Usage: %s <#|hostname>\n", usage)
		return "", false
	}
	pending, err := c.tokens.Pending(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return "", false
	}
	hostname, err := resolveRef(ref, recordHostnames(pending))
	if err != nil {
		fmt.Fprintln(c.out, err)
		return "", false
	}
	return hostname, true
}

func (c *Console) resolveToken(ctx context.Context, ref, usage string) (string, bool) {
	if ref == "" {
		fmt.Fprintf(c.out, "Usage: %s <#|hostname>\n", usage)
		return "", false
	}
	all, err := c.tokens.List(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return "", false
	}
	hostname, err := resolveRef(ref, recordHostnames(all))
	if err != nil {
		fmt.Fprintln(c.out, err)
		return "", false
	}
	return hostname, true
}

func (c *Console) printOverview(ctx context.Context) {
	sessions := c.registry.List()
	fmt.Fprintf(c.out, "Connected agents (%d):\n", len(sessions))
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "  none")
	}
	for i, s := range sessions {
		fmt.Fprintf(c.out, "  [%d] %-24s session %s  %s  since %s\n",
			i+1, s.Hostname, s.ShortID(), s.RemoteAddr, s.ConnectedAt.Format(time.TimeOnly))
	}

	all, err := c.tokens.List(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "Error listing tokens: %v\n", err)
		return
	}
	offline := 0
	for _, rec := range all {
		if rec.State == token.StateApproved {
			if _, live := c.registry.Get(rec.Hostname); !live {
				if offline == 0 {
					fmt.Fprintln(c.out, "Approved but offline:")
				}
				offline++
				fmt.Fprintf(c.out, "  %-24s last ip %s\n", rec.Hostname, orUnknown(rec.RequestedIP))
			}
		}
	}

	pending, _ := c.tokens.Pending(ctx)
	if len(pending) > 0 {
		fmt.Fprintf(c.out, "Pending requests (%d): use 'pending' to list, 'approve <#|hostname>' to approve\n", len(pending))
	}
}

func (c *Console) printPending(ctx context.Context) {
	pending, err := c.tokens.Pending(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	if len(pending) == 0 {
		fmt.Fprintln(c.out, "No pending token requests")
		return
	}
	fmt.Fprintln(c.out, "Pending token requests:")
	for i, rec := range pending {
		fmt.Fprintf(c.out, "  [%d] %-24s %-16s requested %s\n",
			i+1, rec.Hostname, orUnknown(rec.RequestedIP), rec.CreatedAt.Format(time.DateTime))
	}
}

func (c *Console) printTokens(ctx context.Context) {
	all, err := c.tokens.List(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	if len(all) == 0 {
		fmt.Fprintln(c.out, "No tokens in the store")
		return
	}
	fmt.Fprintln(c.out, "Tokens:")
	for i, rec := range all {
		fmt.Fprintf(c.out, "  [%d] %-24s %-9s %-16s updated %s\n",
			i+1, rec.Hostname, rec.State, orUnknown(rec.RequestedIP), rec.UpdatedAt.Format(time.DateTime))
	}
}

func (c *Console) printHelp() {
	fmt.Fprint(c.out, `Token management:
  pending                 list pending token requests
  approve <#|hostname>    approve a pending request
  deny <#|hostname>       deny a pending request
  addtoken <hostname>     manually create an approved token
  revoke <#|hostname>     revoke access (renewable)
  renew <hostname>        renew a revoked token
  delete <#|hostname>     permanently delete a token
  tokens                  list all tokens

Agents:
  list / sessions         overview of agents and tokens
  use <#|hostname>        open a session with an agent
  help                    this message
  exit                    shut down the server

Inside a session any other input runs on the agent; 'back', 'exit' or 'q'
leaves the session. Verbs that double as server commands prompt for which
side should run them.
`)
}

func sessionHostnames(r *server.Registry) []string {
	sessions := r.List()
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.Hostname
	}
	return out
}

func recordHostnames(records []token.Record) []string {
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.Hostname
	}
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
