//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package spiped

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/runtimex"
	"golang.org/x/sync/errgroup"
)

// ErrNoTargets is returned by [Create] when the candidate target list is
// empty: there is nothing to connect to, so construction fails before
// any task is started and sock_in is left untouched, per the
// documented "creation failures leave sock_in owned by the caller"
// contract.
var ErrNoTargets = errors.New("spiped: at least one target address is required")

// OnDeadFunc is invoked exactly once per connection, at drop, carrying
// the terminal [Reason]. It must not block for long: it runs on the
// connection's own reactor goroutine, delaying release of the
// [ConnectionState] until it returns.
type OnDeadFunc func(reason Reason)

// ConnectionState is the per-connection lifecycle engine described in
// spec.md §3–§4: it owns the accepted socket, drives the outbound
// connect, the key-agreement handshake, and the two encrypted pipes,
// and guarantees a single terminal [OnDeadFunc] call no matter which
// path the connection takes to get there.
//
// All exported methods are safe to call from any goroutine; the fields
// below are touched only by the connection's own reactor goroutine
// (started by [Create]), which is what lets spec.md's single-threaded
// cooperative scheduling model translate into lock-free Go: nothing
// outside the reactor goroutine ever reads or writes them.
type ConnectionState struct {
	role        Role
	sockIn      net.Conn
	sockOut     net.Conn
	targets     []Address
	bindAddr    *Address
	secret      []byte
	timeout     time.Duration
	noPFS       bool
	requirePFS  bool
	noKeepalive bool

	connectTask    *task
	connectTimer   *task
	handshakeTask  *task
	handshakeTimer *task
	pipeFwd        *task
	pipeRev        *task

	keyFwd, keyRev   []byte
	statFwd, statRev pipeStatus

	onDead        OnDeadFunc
	dialer        Dialer
	handshaker    Handshaker
	errClassifier ErrClassifier
	clock         Clock
	logger        SLogger
	spanID        string

	rootCtx    context.Context
	rootCancel context.CancelFunc

	events  chan any
	doneCh  chan struct{}
	dropped bool
}

// Create constructs a [*ConnectionState] and starts its reactor
// goroutine, implementing spec.md §4.1's `create` operation.
//
// Create takes ownership of sockIn and targets; it borrows secret, which
// must outlive the connection. onDead is invoked exactly once, from the
// reactor goroutine, when the connection drops.
//
// Post: a connect timer is armed and an outbound connect is started;
// if role is [RoleDecrypt], a handshake is also started on sockIn.
//
// On failure, sockIn is left open and owned by the caller, matching
// spec.md's documented construction-failure contract.
func Create(
	cfg *Config,
	sockIn net.Conn,
	targets []Address,
	bindAddr *Address,
	role Role,
	noPFS, requirePFS, noKeepalive bool,
	secret []byte,
	timeout time.Duration,
	onDead OnDeadFunc,
) (*ConnectionState, error) {
	runtimex.Assert(onDead != nil, "Create: onDead must not be nil")

	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())

	cs := &ConnectionState{
		role:          role,
		sockIn:        sockIn,
		targets:       CloneAddressList(targets),
		bindAddr:      bindAddr,
		secret:        secret,
		timeout:       timeout,
		noPFS:         noPFS,
		requirePFS:    requirePFS,
		noKeepalive:   noKeepalive,
		statFwd:       pipeRunning,
		statRev:       pipeRunning,
		onDead:        onDead,
		dialer:        cfg.Dialer,
		handshaker:    cfg.Handshaker,
		errClassifier: cfg.ErrClassifier,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		spanID:        NewSpanID(),
		rootCtx:       rootCtx,
		rootCancel:    rootCancel,
		events:        make(chan any, 8),
		doneCh:        make(chan struct{}),
	}

	cs.logger.Info("connectionCreate",
		slog.String("spanID", cs.spanID),
		slog.String("role", role.String()),
		slog.Int("targets", len(targets)),
		slog.Duration("timeout", timeout),
	)

	go cs.run()

	return cs, nil
}

// SpanID returns the UUIDv7 identifying this connection's log lines.
func (cs *ConnectionState) SpanID() string {
	return cs.spanID
}

// Drop requests an externally triggered teardown (e.g. the acceptor
// shutting down) and blocks until [OnDeadFunc] has been invoked and the
// connection has fully released its resources. Calling Drop more than
// once, or after the connection has already dropped on its own, is safe
// and returns immediately on subsequent calls.
func (cs *ConnectionState) Drop(reason Reason) {
	select {
	case cs.events <- evDrop{reason: reason}:
	case <-cs.doneCh:
		return
	}
	<-cs.doneCh
}

// Wait blocks until the connection has dropped, however it got there.
func (cs *ConnectionState) Wait() {
	<-cs.doneCh
}

// postEvent is the callback collaborators use to hand their result back
// to the reactor. It never blocks past the connection's teardown: once
// doneCh is closed, a send that cannot proceed is abandoned, and any
// event still buffered in cs.events is never read, since the reactor
// has stopped reading at that point.
func (cs *ConnectionState) postEvent(ev any) {
	select {
	case cs.events <- ev:
	case <-cs.doneCh:
	}
}

// Event types posted onto cs.events. evPipeStatus is defined in pipe.go.
type (
	evConnectDone struct {
		conn   net.Conn
		failed bool
	}
	evConnectTimeout struct{}
	evHandshakeDone  struct {
		keyFwd, keyRev []byte
	}
	evHandshakeTimeout struct{}
	evDrop             struct {
		reason Reason
	}
)

// run is the connection's single reactor goroutine: it performs the
// initial setup from spec.md §4.1's `create` postcondition and then
// serially dispatches events for the lifetime of the connection. No two
// handlers ever run concurrently, which is what allows every field
// above to be mutated without a lock.
func (cs *ConnectionState) run() {
	cs.start()

	for {
		ev := <-cs.events
		cs.handle(ev)
		if cs.dropped {
			return
		}
	}
}

// start arms the connect timer, begins the outbound connect, and — for
// [RoleDecrypt] — starts the handshake on sock_in in parallel, per
// spec.md §4.1's "rationale for the two-fronts design".
func (cs *ConnectionState) start() {
	cs.connectTimer = startTimer(cs.rootCtx, cs.timeout, func() {
		cs.postEvent(evConnectTimeout{})
	})
	cs.connectTask = startConnect(
		cs.rootCtx, cs.dialer, cs.targets, cs.bindAddr, cs.logger, cs.errClassifier, cs.clock,
		func(r connectResult) { cs.postEvent(evConnectDone{conn: r.conn, failed: r.failed}) },
	)

	if cs.role == RoleDecrypt {
		cs.startHandshakeOn(cs.sockIn)
	}
}

// startHandshakeOn arms a fresh handshake timer and begins the
// handshake task on sock, per spec.md §4.1's "Handshake start".
func (cs *ConnectionState) startHandshakeOn(sock net.Conn) {
	cs.handshakeTimer = startTimer(cs.rootCtx, cs.timeout, func() {
		cs.postEvent(evHandshakeTimeout{})
	})
	cs.handshakeTask = startHandshake(
		cs.rootCtx, cs.handshaker, sock, cs.role, cs.noPFS, cs.requirePFS, cs.secret, cs.logger,
		func(r handshakeResult) { cs.postEvent(evHandshakeDone{keyFwd: r.keyFwd, keyRev: r.keyRev}) },
	)
}

// handle dispatches one event to its handler, per the transition table
// in spec.md §4.1.
func (cs *ConnectionState) handle(ev any) {
	switch e := ev.(type) {
	case evConnectDone:
		cs.onConnectDone(e)
	case evConnectTimeout:
		cs.onConnectTimeout()
	case evHandshakeDone:
		cs.onHandshakeDone(e)
	case evHandshakeTimeout:
		cs.onHandshakeTimeout()
	case evPipeStatus:
		cs.onPipeStatus(e)
	case evDrop:
		cs.dropInternal(e.reason)
	default:
		runtimex.Assert(false, "ConnectionState.handle: unknown event type")
	}
}

func (cs *ConnectionState) onConnectDone(e evConnectDone) {
	runtimex.Assert(cs.connectTask != nil, "onConnectDone: no connect in flight")
	cs.connectTask = nil
	cs.targets = nil
	if cs.connectTimer != nil {
		cs.connectTimer.Cancel()
		cs.connectTimer = nil
	}

	if e.failed {
		cs.dropInternal(ReasonConnectFailed)
		return
	}

	cs.sockOut = e.conn
	if cs.role == RoleEncrypt {
		cs.startHandshakeOn(cs.sockOut)
	}
	if cs.keyFwd != nil && cs.keyRev != nil {
		cs.launchPipes()
	}
}

func (cs *ConnectionState) onConnectTimeout() {
	runtimex.Assert(cs.connectTimer != nil, "onConnectTimeout: no connect timer armed")
	cs.connectTimer = nil
	// targets are released by drop, not here: the in-flight connect may
	// still be reading them until connect_task is cancelled.
	cs.dropInternal(ReasonError)
}

func (cs *ConnectionState) onHandshakeDone(e evHandshakeDone) {
	runtimex.Assert(cs.handshakeTask != nil, "onHandshakeDone: no handshake in flight")
	cs.handshakeTask = nil
	if cs.handshakeTimer != nil {
		cs.handshakeTimer.Cancel()
		cs.handshakeTimer = nil
	}

	if e.keyFwd == nil && e.keyRev == nil {
		cs.dropInternal(ReasonHandshakeFailed)
		return
	}
	runtimex.Assert(e.keyFwd != nil && e.keyRev != nil, "handshake produced exactly one key")

	cs.keyFwd, cs.keyRev = e.keyFwd, e.keyRev
	if cs.sockOut != nil {
		cs.launchPipes()
	}
}

func (cs *ConnectionState) onHandshakeTimeout() {
	runtimex.Assert(cs.handshakeTimer != nil, "onHandshakeTimeout: no handshake timer armed")
	cs.handshakeTimer = nil
	cs.dropInternal(ReasonError)
}

func (cs *ConnectionState) onPipeStatus(e evPipeStatus) {
	switch e.direction {
	case pipeForward:
		cs.statFwd = e.status
	case pipeReverse:
		cs.statRev = e.status
	}

	if cs.statFwd == pipeFailed || cs.statRev == pipeFailed {
		cs.dropInternal(ReasonError)
		return
	}
	if cs.statFwd == pipeClosed && cs.statRev == pipeClosed {
		cs.dropInternal(ReasonClosed)
		return
	}
}

// launchPipes starts both pipe directions, per spec.md §4.1's "Pipe
// launch" steps: best-effort keepalive/nodelay, then forward
// (sock_in→sock_out) and reverse (sock_out→sock_in) pipes keyed and
// directioned by role.
func (cs *ConnectionState) launchPipes() {
	trySetKeepaliveNodelay(cs.sockIn, cs.noKeepalive)
	trySetKeepaliveNodelay(cs.sockOut, cs.noKeepalive)

	fwdDecrypt := cs.role == RoleDecrypt
	revDecrypt := cs.role == RoleEncrypt

	cs.statFwd = pipeRunning
	cs.statRev = pipeRunning

	cs.pipeFwd = startPipe(
		cs.rootCtx, cs.sockIn, cs.sockOut, fwdDecrypt, cs.keyFwd, pipeForward, cs.logger, cs.errClassifier,
		func(ev evPipeStatus) { cs.postEvent(ev) },
	)
	cs.pipeRev = startPipe(
		cs.rootCtx, cs.sockOut, cs.sockIn, revDecrypt, cs.keyRev, pipeReverse, cs.logger, cs.errClassifier,
		func(ev evPipeStatus) { cs.postEvent(ev) },
	)
}

// trySetKeepaliveNodelay applies spec.md §4.1's socket options, ignoring
// errors since sockIn/sockOut need not be TCP (e.g. in tests, or a UNIX
// domain socket target).
func trySetKeepaliveNodelay(conn net.Conn, noKeepalive bool) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetKeepAlive(!noKeepalive)
	_ = tc.SetNoDelay(true)
}

// dropInternal executes the fixed teardown order from spec.md §4.4. It
// must only be called from the reactor goroutine.
func (cs *ConnectionState) dropInternal(reason Reason) {
	if cs.dropped {
		return
	}
	cs.dropped = true

	// 1. Close sock_in, then sock_out if present.
	cs.sockIn.Close()
	if cs.sockOut != nil {
		cs.sockOut.Close()
	}

	// 2. Cancel connect_task.
	if cs.connectTask != nil {
		cs.connectTask.Cancel()
		cs.connectTask = nil
	}

	// 3. Release targets.
	cs.targets = nil

	// 4. Cancel handshake_task and both pipes, concurrently: each is an
	// independent goroutine, so there is no ordering dependency between
	// them and cancelling serially would only add latency to drop.
	var g errgroup.Group
	for _, t := range []*task{cs.handshakeTask, cs.pipeFwd, cs.pipeRev} {
		if t == nil {
			continue
		}
		t := t
		g.Go(func() error {
			t.Cancel()
			return nil
		})
	}
	_ = g.Wait()
	cs.handshakeTask, cs.pipeFwd, cs.pipeRev = nil, nil, nil

	// 5. Cancel timers.
	if cs.connectTimer != nil {
		cs.connectTimer.Cancel()
		cs.connectTimer = nil
	}
	if cs.handshakeTimer != nil {
		cs.handshakeTimer.Cancel()
		cs.handshakeTimer = nil
	}

	// 6. Release keys.
	cs.keyFwd, cs.keyRev = nil, nil

	cs.rootCancel()

	// 7. Invoke on_dead.
	cs.logger.Info("connectionDrop", slog.String("spanID", cs.spanID), slog.String("reason", reason.String()))
	cs.onDead(reason)

	// 8-9. Release / signal completion.
	close(cs.doneCh)
}

// startTimer schedules post to run once after d elapses, implementing
// spec.md §6's `timer_register`/`timer_cancel`. Using
// [context.WithTimeout] rather than [time.AfterFunc] sidesteps the
// race in [time.Timer.Stop] between an in-flight firing and an
// explicit stop: the goroutine below only calls post when ctx's own
// error is [context.DeadlineExceeded], never when it was cancelled by
// [task.Cancel] first, so cancellation is genuinely synchronous.
func startTimer(parent context.Context, d time.Duration, post func()) *task {
	ctx, cancel := context.WithTimeout(parent, d)
	done := make(chan struct{})

	go func() {
		defer close(done)
		<-ctx.Done()
		if ctx.Err() == context.DeadlineExceeded {
			post()
		}
	}()

	return &task{cancel: cancel, done: done}
}
