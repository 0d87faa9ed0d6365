// Package imapserver implements the IMAP4rev1 server core: per-connection
// command dispatch with concurrency groups, the shared-mailbox Session
// machinery, and the FETCH/STORE handlers with CONDSTORE semantics.
package imapserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/orbitmail/imapd/cluster"
	"github.com/orbitmail/imapd/db"
	"github.com/orbitmail/imapd/metrics"
	"github.com/orbitmail/imapd/mlog"
	"github.com/orbitmail/imapd/store"
)

// Authenticator resolves LOGIN credentials to a user id. SASL proper is a
// collaborator outside this package.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (userID int64, err error)
}

// Server holds the collaborators one listener's connections share.
type Server struct {
	Name    string // Announced in the greeting.
	DB      *db.DB
	Blobs   store.BlobStore
	Parser  store.MessageParser
	Cluster *cluster.Client // May be nil; modseq bumps are then not broadcast.
	Auth    Authenticator
	Log     mlog.Log
}

var connIDGen atomic.Int64

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.ServeConn(nc)
	}
}

// ServeConn runs the IMAP protocol over nc until the connection ends.
func (s *Server) ServeConn(nc net.Conn) {
	cid := connIDGen.Add(1)
	c := &conn{
		cid:    cid,
		conn:   nc,
		br:     bufio.NewReader(nc),
		bw:     bufio.NewWriter(nc),
		server: s,
		state:  stateNotAuthenticated,
		log:    s.Log.With(slog.Int64("cid", cid)),
		sem:    semaphore.NewWeighted(maxGroupConcurrency),
	}
	c.serve()
}

type connState int

const (
	stateNotAuthenticated connState = iota
	stateAuthenticated
	stateSelected
	stateLogout
)

// Commands of one group may execute in parallel on a connection; this
// bounds how many at once.
const maxGroupConcurrency = 8

// cmdPhase is a command's execution state.
type cmdPhase int32

const (
	phaseUnparsed cmdPhase = iota
	phaseExecuting
	phaseFinished
	phaseRetired
)

// command is one parsed client command moving through the dispatcher.
type command struct {
	tag   string
	name  string
	group int

	phase  atomic.Int32
	tagged string // Tagged response line, set at finish.
	done   chan struct{}
}

func (cmd *command) setPhase(p cmdPhase) { cmd.phase.Store(int32(p)) }
func (cmd *command) getPhase() cmdPhase  { return cmdPhase(cmd.phase.Load()) }

type conn struct {
	cid    int64
	conn   net.Conn
	br     *bufio.Reader
	server *Server
	log    mlog.Log

	// bw and all writes to it are guarded by writeMu: parallel group
	// commands and the update flusher write concurrently.
	writeMu sync.Mutex
	bw      *bufio.Writer

	state    connState
	username string
	userID   int64

	mailbox *store.MailboxState
	session *store.Session

	// Pending untagged lines from the SessionInitialiser, flushed before
	// any tagged response.
	updatesMu sync.Mutex
	updates   []string

	// Commands in arrival order that have not been retired. Only the serve
	// goroutine appends; finishes come from command goroutines.
	queueMu sync.Mutex
	queue   []*command

	sem *semaphore.Weighted

	ncmds    int
	lastLine string

	idleNudge chan struct{} // Non-nil while IDLE is active.
}

func (c *conn) serve() {
	defer func() {
		x := recover()
		if x != nil && x != cleanClose {
			if err, ok := x.(error); !ok || !isClosed(err) {
				c.log.Error("connection panic", slog.Any("panic", x))
				debug.PrintStack()
				metrics.PanicInc("imapserver")
			}
		}
		c.waitAll()
		if c.session != nil {
			c.session.Close()
			c.session = nil
		}
		c.conn.Close()
		c.log.Debug("connection closed")
	}()

	c.log.Debug("new connection", slog.String("remote", c.conn.RemoteAddr().String()))
	c.writelinef("* OK [CAPABILITY %s] %s ready", capabilities, c.server.Name)

	for c.state != stateLogout {
		c.dispatch()
	}
	panic(cleanClose)
}

const capabilities = "IMAP4rev1 CONDSTORE ANNOTATE-EXPERIMENT-1 IDLE UNSELECT"

// commandDef declares how one command is dispatched: its handler, its
// concurrency group (0 = exclusive) and the connection states it is
// allowed in.
type commandDef struct {
	fn     func(c *conn, cmd *command, p *parser)
	group  int
	states []connState
}

// Groups: UID FETCH and FETCH get their own groups so a pipelined burst of
// fetches can overlap database work; STORE likewise. A command whose group
// differs from the commands in flight waits for them.
var commands = map[string]commandDef{
	"CAPABILITY": {(*conn).cmdCapability, 0, nil},
	"NOOP":       {(*conn).cmdNoop, 0, nil},
	"LOGOUT":     {(*conn).cmdLogout, 0, nil},
	"LOGIN":      {(*conn).cmdLogin, 0, []connState{stateNotAuthenticated}},
	"SELECT":     {(*conn).cmdSelect, 0, []connState{stateAuthenticated, stateSelected}},
	"EXAMINE":    {(*conn).cmdExamine, 0, []connState{stateAuthenticated, stateSelected}},
	"CLOSE":      {(*conn).cmdClose, 0, []connState{stateSelected}},
	"UNSELECT":   {(*conn).cmdUnselect, 0, []connState{stateSelected}},
	"EXPUNGE":    {(*conn).cmdExpunge, 0, []connState{stateSelected}},
	"IDLE":       {(*conn).cmdIdle, 0, []connState{stateAuthenticated, stateSelected}},
	"FETCH":      {(*conn).cmdFetch, 2, []connState{stateSelected}},
	"STORE":      {(*conn).cmdStore, 3, []connState{stateSelected}},
	"UID":        {(*conn).cmdUID, -1, []connState{stateSelected}}, // Group depends on subcommand.
}

// uidGroups maps UID subcommands to their dispatcher group.
var uidGroups = map[string]int{
	"FETCH": 1,
	"STORE": 3,
}

// dispatch reads one command line, parses its tag and name, and schedules
// it. The handler parses the arguments; a line containing a literal runs
// exclusively and inline, because the literal needs continuation reads from
// the connection. Otherwise execution may be handed to a goroutine when the
// command's group allows overlap.
func (c *conn) dispatch() {
	line := c.xreadline()

	cmd := &command{done: make(chan struct{})}
	c.enqueue(cmd)
	p := newParser(line, c)

	// Parse errors for tag/name are handled here: there is no handler to
	// run yet. The BAD still goes through the ordered flush.
	func() {
		defer c.xrecoverParse(cmd)
		cmd.tag = "*"
		cmd.tag = p.xtag()
		p.xspace()
		cmd.name = p.xcommand()
	}()
	if cmd.getPhase() == phaseFinished {
		c.flushFinished()
		return
	}

	def, ok := commands[cmd.name]
	if !ok {
		c.failf(cmd, "BAD unknown command %q", cmd.name)
		c.flushFinished()
		return
	}

	group := def.group
	var sub string
	if cmd.name == "UID" {
		// Peek the subcommand to pick the group; the handler re-parses.
		rest := strings.ToUpper(line[p.o:])
		for g, grp := range uidGroups {
			if strings.HasPrefix(rest, " "+g) {
				group = grp
				sub = g
				break
			}
		}
		if sub == "" {
			group = 0
		}
	}
	// Argument parsing happens in the handler; a synchronising literal
	// there needs continuation reads from the connection, which must not
	// race the next dispatch. Such commands run exclusively.
	if strings.Contains(line, "{") {
		group = 0
	}
	cmd.group = group

	if !c.stateAllowed(def) {
		c.failf(cmd, "BAD %s not allowed in this connection state", cmd.name)
		c.flushFinished()
		return
	}

	if group == 0 {
		// Exclusive command: wait for everything in flight, run inline.
		c.waitOthers(cmd)
		c.runCommand(cmd, def.fn, p)
		return
	}

	// Grouped command: wait only for in-flight commands of other groups.
	c.waitOtherGroups(cmd)
	xcheckf(c.sem.Acquire(context.Background(), 1), "acquire command slot")
	go func() {
		defer c.sem.Release(1)
		defer func() {
			// A fatal error (IO failure, protocol desync) in a parallel
			// command cannot unwind the serve goroutine; tear the
			// connection down so its reads fail instead.
			if x := recover(); x != nil {
				c.log.Debug("closing connection after error in grouped command", slog.Any("panic", x))
				c.conn.Close()
			}
		}()
		c.runCommand(cmd, def.fn, p)
	}()
}

func (c *conn) stateAllowed(def commandDef) bool {
	if def.states == nil {
		return true
	}
	for _, st := range def.states {
		if st == c.state {
			return true
		}
	}
	return false
}

func (c *conn) enqueue(cmd *command) {
	c.queueMu.Lock()
	c.queue = append(c.queue, cmd)
	c.queueMu.Unlock()
}

// waitOthers blocks until every other queued command is finished.
func (c *conn) waitOthers(cmd *command) {
	for _, other := range c.snapshot() {
		if other != cmd && other.getPhase() < phaseFinished {
			<-other.done
		}
	}
}

// waitOtherGroups blocks until in-flight commands of other groups are
// finished; same-group commands keep running.
func (c *conn) waitOtherGroups(cmd *command) {
	for _, other := range c.snapshot() {
		if other != cmd && other.group != cmd.group && other.getPhase() < phaseFinished {
			<-other.done
		}
	}
}

func (c *conn) waitAll() {
	for _, other := range c.snapshot() {
		if other.getPhase() < phaseFinished {
			select {
			case <-other.done:
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (c *conn) snapshot() []*command {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return append([]*command{}, c.queue...)
}

// runCommand executes one command's handler with the §7 error recovery:
// syntax errors become BAD, user errors NO, server errors NO with a log
// line, IO errors abort the connection.
func (c *conn) runCommand(cmd *command, fn func(c *conn, cmd *command, p *parser), p *parser) {
	start := time.Now()
	result := "ok"
	defer func() {
		defer func() {
			metrics.Command.WithLabelValues(strings.ToLower(cmd.name), result).Observe(float64(time.Since(start)) / float64(time.Second))
		}()

		x := recover()
		if x == nil {
			if cmd.getPhase() < phaseFinished {
				// Handler returned without finishing; that is a bug.
				c.failf(cmd, "NO internal error: command did not finish")
				result = "servererror"
			}
			c.flushFinished()
			return
		}
		err, ok := x.(error)
		if !ok {
			result = "panic"
			c.log.Error("command panic", slog.Any("panic", x), slog.String("cmd", cmd.name))
			metrics.PanicInc("imapserver")
			c.failf(cmd, "NO internal error")
			c.flushFinished()
			return
		}

		if isClosed(err) {
			result = "ioerror"
			c.log.Debugx("command io error", err, slog.String("cmd", cmd.name))
			c.failf(cmd, "NO connection error")
			panic(err)
		}
		var ierr imapError
		if !errors.As(err, &ierr) {
			result = "panic"
			c.log.Errorx("command panic", err, slog.String("cmd", cmd.name))
			metrics.PanicInc("imapserver")
			c.failf(cmd, "NO internal error")
			c.flushFinished()
			panic(err)
		}
		code := ""
		if ierr.code != "" {
			code = "[" + ierr.code + "] "
		}
		switch ierr.kind {
		case errSyntax:
			result = "badsyntax"
			c.log.Debugx("command syntax error", ierr.err, slog.String("cmd", cmd.name), slog.String("lastline", c.lastLine))
			c.failf(cmd, "BAD %s%s unrecognized syntax/command: %s", code, cmd.name, ierr.err)
		case errUser:
			result = "usererror"
			c.log.Debugx("command user error", ierr.err, slog.String("cmd", cmd.name))
			c.failf(cmd, "NO %s%s %s", code, cmd.name, ierr.err)
		case errServer:
			result = "servererror"
			c.log.Errorx("command server error", ierr.err, slog.String("cmd", cmd.name))
			c.failf(cmd, "NO %s%s %s", code, cmd.name, ierr.err)
		}
		c.flushFinished()
	}()

	cmd.setPhase(phaseExecuting)
	c.ncmds++
	fn(c, cmd, p)
	c.flushFinished()
}

// xrecoverParse handles syntax errors raised before the command name was
// known.
func (c *conn) xrecoverParse(cmd *command) {
	x := recover()
	if x == nil {
		return
	}
	err, ok := x.(error)
	var ierr imapError
	if ok && errors.As(err, &ierr) && ierr.kind == errSyntax {
		if c.ncmds == 0 {
			// Probably not speaking IMAP at all.
			c.writelinef("* BYE please try again speaking imap")
			panic(errIO)
		}
		cmd.tagged = fmt.Sprintf("%s BAD %s", cmd.tag, ierr.err)
		cmd.setPhase(phaseFinished)
		close(cmd.done)
		return
	}
	panic(x)
}

// finishf records the command's tagged response. Untagged responses the
// command produced have already been written; the tagged line is emitted
// by flushFinished in arrival order.
func (c *conn) finishf(cmd *command, format string, args ...any) {
	cmd.tagged = fmt.Sprintf("%s %s", cmd.tag, fmt.Sprintf(format, args...))
	cmd.setPhase(phaseFinished)
	close(cmd.done)
}

// failf is finishf for error results, safe to call from recovery.
func (c *conn) failf(cmd *command, format string, args ...any) {
	if cmd.getPhase() >= phaseFinished {
		return
	}
	c.finishf(cmd, format, args...)
}

// flushFinished writes tagged responses for finished commands from the
// head of the queue, preceded by any pending session updates, preserving
// command-arrival order. Commands whose response has been written are
// retired.
func (c *conn) flushFinished() {
	c.flushUpdates()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	for len(c.queue) > 0 && c.queue[0].getPhase() == phaseFinished {
		cmd := c.queue[0]
		c.queue = c.queue[1:]
		fmt.Fprintf(c.bw, "%s\r\n", cmd.tagged)
		cmd.setPhase(phaseRetired)
	}
	if err := c.bw.Flush(); err != nil {
		panic(fmt.Errorf("write: %s (%w)", err, errIO))
	}
}

// writelinef writes one untagged (or greeting) line immediately.
func (c *conn) writelinef(format string, args ...any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	fmt.Fprintf(c.bw, format+"\r\n", args...)
	if err := c.bw.Flush(); err != nil {
		panic(fmt.Errorf("write: %s (%w)", err, errIO))
	}
}

// respond writes one untagged response line for the client immediately,
// under the write lock. Parallel group commands may interleave
// their untagged responses; tagged order is preserved separately.
func (c *conn) respond(line string) {
	c.writelinef("%s", line)
}

// xreadline reads one CRLF-terminated line, enforcing the 30 minute
// inactivity limit.
func (c *conn) xreadline() string {
	if err := c.conn.SetReadDeadline(time.Now().Add(30 * time.Minute)); err != nil {
		c.log.Check(err, "setting read deadline")
	}
	line, err := c.br.ReadString('\n')
	if err != nil {
		panic(fmt.Errorf("read: %s (%w)", err, errIO))
	}
	if !strings.HasSuffix(line, "\r\n") {
		// Permit bare LF from sloppy clients, but not inside literals.
		line = strings.TrimSuffix(line, "\n")
	} else {
		line = strings.TrimSuffix(line, "\r\n")
	}
	c.lastLine = line
	return line
}

// xreadliteral reads size bytes of literal data, sending a continuation
// request first for synchronising literals.
func (c *conn) xreadliteral(size int64, sync bool) string {
	if size > 1024*1024 {
		xsyntaxErrorf("literal too large")
	}
	if sync {
		c.writelinef("+ ")
	}
	buf := make([]byte, size)
	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Minute)); err != nil {
		c.log.Check(err, "setting read deadline")
	}
	if _, err := io.ReadFull(c.br, buf); err != nil {
		panic(fmt.Errorf("reading literal: %s (%w)", err, errIO))
	}
	return string(buf)
}

// xcluster broadcasts one line to peer processes, if a cluster bus is
// configured.
func (c *conn) xcluster(format string, args ...any) {
	if c.server.Cluster == nil {
		return
	}
	if err := c.server.Cluster.Send(fmt.Sprintf(format, args...)); err != nil {
		c.log.Errorx("cluster broadcast", err)
	}
}

// EmitUpdates implements store.UpdateSink: it renders the session's
// pending expunges and additions as EXPUNGE/EXISTS/RECENT/FETCH lines and
// buffers them for the next flush. Called from the SessionInitialiser
// goroutine.
func (c *conn) EmitUpdates(s *store.Session) {
	var lines []string

	// Expunges first: ascending UID, recomputing the MSN per removal as
	// earlier removals shift the numbers down.
	expunged := s.Expunged()
	expunged.ForEach(func(uid store.UID) {
		msn := s.MSN(uid)
		if msn > 0 {
			lines = append(lines, fmt.Sprintf("* %d EXPUNGE", msn))
		}
		s.ClearExpunged(uid)
	})

	// Additions and changes. New UIDs change EXISTS/RECENT; changed
	// already-known UIDs get a FETCH with their current flags.
	known := s.Messages()
	moved := s.ClearUnannounced()
	newUIDs := moved.Difference(known)
	changedSet := moved.Intersection(known)

	if !newUIDs.IsEmpty() {
		lines = append(lines, fmt.Sprintf("* %d EXISTS", s.Count()))
		lines = append(lines, fmt.Sprintf("* %d RECENT", s.RecentCount()))
	}

	var changed []*store.Message
	changedSet.ForEach(func(uid store.UID) {
		changed = append(changed, &store.Message{UID: uid})
	})

	if len(changed) > 0 {
		f := store.NewFetcher(s.Mailbox(), changed, c.server.DB, c.server.Blobs, c.server.Parser)
		ctx := context.Background()
		if err := f.Fetch(ctx, store.FetchTrivia); err == nil {
			if err := f.Fetch(ctx, store.FetchFlags); err != nil {
				c.log.Debugx("fetching flags for update", err)
			}
			for _, m := range changed {
				if m.Expunged {
					continue
				}
				msn := s.MSN(m.UID)
				if msn == 0 {
					continue
				}
				flags := strings.Join(m.FlagList(s.IsRecent(m.UID)), " ")
				lines = append(lines, fmt.Sprintf("* %d FETCH (UID %d MODSEQ (%d) FLAGS (%s))", msn, m.UID, m.ModSeq, flags))
			}
		} else {
			c.log.Debugx("fetching trivia for update", err)
		}
	}

	if len(lines) == 0 {
		return
	}
	c.updatesMu.Lock()
	c.updates = append(c.updates, lines...)
	c.updatesMu.Unlock()

	// Wake IDLE so the client hears about it promptly.
	c.updatesMu.Lock()
	nudge := c.idleNudge
	c.updatesMu.Unlock()
	if nudge != nil {
		select {
		case nudge <- struct{}{}:
		default:
		}
	}
}

// flushUpdates writes buffered SessionInitialiser lines. Runs before any
// tagged response so refresh output precedes the triggering command's
// result.
func (c *conn) flushUpdates() {
	c.updatesMu.Lock()
	lines := c.updates
	c.updates = nil
	c.updatesMu.Unlock()
	for _, line := range lines {
		c.writelinef("%s", line)
	}
}

// refreshMailbox triggers a SessionInitialiser run covering the mailbox,
// typically after this connection committed a modifying transaction.
func (c *conn) refreshMailbox() {
	if c.mailbox == nil {
		return
	}
	c.mailbox.Refresh(context.Background(), store.DBInitBackend{DB: c.server.DB}, c.log)
}

// Simple commands.

func (c *conn) cmdCapability(cmd *command, p *parser) {
	p.xempty()
	c.respond("* CAPABILITY " + capabilities)
	c.finishf(cmd, "OK CAPABILITY completed")
}

func (c *conn) cmdNoop(cmd *command, p *parser) {
	p.xempty()
	c.refreshMailbox()
	c.finishf(cmd, "OK NOOP completed")
}

func (c *conn) cmdLogout(cmd *command, p *parser) {
	p.xempty()
	if c.session != nil {
		c.session.Close()
		c.session = nil
		c.mailbox = nil
	}
	c.state = stateLogout
	c.respond("* BYE logging out")
	c.finishf(cmd, "OK LOGOUT completed")
}

func (c *conn) cmdLogin(cmd *command, p *parser) {
	p.xspace()
	username := p.xastring()
	p.xspace()
	password := p.xastring()
	p.xempty()

	userID, err := c.server.Auth.Login(context.Background(), username, password)
	if err != nil {
		c.log.Infox("login failed", err, slog.String("username", username))
		xusercodeErrorf("AUTHENTICATIONFAILED", "invalid credentials")
	}
	c.username = username
	c.userID = userID
	c.state = stateAuthenticated
	c.log = c.log.With(slog.String("username", username))
	c.finishf(cmd, "OK LOGIN completed")
}

func (c *conn) cmdUID(cmd *command, p *parser) {
	p.xspace()
	sub := p.xcommand()
	switch sub {
	case "FETCH":
		c.cmdxFetch(cmd, true, p)
	case "STORE":
		c.cmdxStore(cmd, true, p)
	default:
		xsyntaxErrorf("unknown uid command %q", sub)
	}
}

func (c *conn) cmdFetch(cmd *command, p *parser) {
	c.cmdxFetch(cmd, false, p)
}

func (c *conn) cmdStore(cmd *command, p *parser) {
	c.cmdxStore(cmd, false, p)
}

// cmdIdle waits for updates until the client sends DONE.
func (c *conn) cmdIdle(cmd *command, p *parser) {
	p.xempty()
	c.writelinef("+ idling")

	nudge := make(chan struct{}, 1)
	c.updatesMu.Lock()
	c.idleNudge = nudge
	c.updatesMu.Unlock()
	defer func() {
		c.updatesMu.Lock()
		c.idleNudge = nil
		c.updatesMu.Unlock()
	}()

	lineCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if x := recover(); x != nil {
				if err, ok := x.(error); ok {
					errCh <- err
					return
				}
				errCh <- fmt.Errorf("%v", x)
			}
		}()
		lineCh <- c.xreadline()
	}()

	for {
		select {
		case line := <-lineCh:
			if !strings.EqualFold(line, "DONE") {
				xsyntaxErrorf("in IDLE, expected DONE")
			}
			c.flushUpdates()
			c.finishf(cmd, "OK IDLE done")
			return
		case err := <-errCh:
			panic(err)
		case <-nudge:
			c.flushUpdates()
		case <-time.After(time.Minute):
			c.refreshMailbox()
		}
	}
}
