//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package spiped

import (
	"context"
	"log/slog"
	"net"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
)

// Dialer abstracts the [*net.Dialer] behavior used to reach a single
// candidate target.
//
// By depending on an abstract implementation, the connect collaborator
// below can be unit tested and can be swapped for alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// BindableDialer is implemented by a [Dialer] that also supports binding
// the local endpoint of the connection it creates. [*net.Dialer] does
// not implement it directly; [NewBoundDialer] adapts a [*net.Dialer]
// by setting the LocalAddr field of a copy.
type BindableDialer interface {
	Dialer

	// WithLocalAddr returns a [Dialer] bound to local, or the receiver
	// unchanged if local is nil.
	WithLocalAddr(local net.Addr) Dialer
}

// netDialerAdapter adapts [*net.Dialer] to [BindableDialer].
type netDialerAdapter struct {
	*net.Dialer
}

var _ BindableDialer = netDialerAdapter{}

// WithLocalAddr implements [BindableDialer].
func (d netDialerAdapter) WithLocalAddr(local net.Addr) Dialer {
	if local == nil {
		return d
	}
	clone := *d.Dialer
	clone.LocalAddr = local
	return netDialerAdapter{&clone}
}

// NewBoundDialer wraps d as a [BindableDialer]. If d is already a
// [BindableDialer] it is returned unchanged; a [*net.Dialer] is adapted
// so that [BindableDialer.WithLocalAddr] binds through LocalAddr; any
// other [Dialer] is wrapped so that [BindableDialer.WithLocalAddr] is a
// no-op, since a generic [Dialer] offers no way to bind its local endpoint.
func NewBoundDialer(d Dialer) BindableDialer {
	if bd, ok := d.(BindableDialer); ok {
		return bd
	}
	if nd, ok := d.(*net.Dialer); ok {
		return netDialerAdapter{nd}
	}
	return unbindableDialer{d}
}

// unbindableDialer adapts a plain [Dialer] to [BindableDialer] by
// ignoring WithLocalAddr, for dialers (e.g. test doubles) that have no
// notion of a local endpoint.
type unbindableDialer struct {
	Dialer
}

// WithLocalAddr implements [BindableDialer].
func (d unbindableDialer) WithLocalAddr(net.Addr) Dialer {
	return d.Dialer
}

// connectResult is what the connect collaborator posts to the reactor
// once it has either reached a target or exhausted the candidate list.
//
// conn is non-nil exactly when failed is false, mirroring the
// `cb(ctx, sock)`/`sock == -1` contract in spec.md §6.
type connectResult struct {
	conn   net.Conn
	failed bool
}

// startConnect begins dialing targets in order on its own goroutine and
// returns at once; it posts one result as soon as a dial succeeds or
// after every target has been tried and failed. It implements spec.md
// §6's `connect_bind(targets, bind_addr, cb, ctx)`.
//
// The returned [*task] must be cancelled with [task.Cancel] to guarantee
// post never fires again, per the synchronous-cancellation contract in
// spec.md §5.
func startConnect(
	parent context.Context,
	dialer Dialer,
	targets []Address,
	bindAddr *Address,
	logger SLogger,
	errClassifier ErrClassifier,
	clock Clock,
	post func(connectResult),
) *task {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		result := dialSequential(ctx, dialer, targets, bindAddr, logger, errClassifier, clock)
		select {
		case <-ctx.Done():
			return
		default:
			post(result)
		}
	}()

	return &task{cancel: cancel, done: done}
}

// dialSequential tries each of targets in turn, returning the first
// successful [net.Conn] or a failed [connectResult] once every candidate
// has been exhausted, per spec.md §4.2's connect-target-list semantics.
func dialSequential(
	ctx context.Context,
	dialer Dialer,
	targets []Address,
	bindAddr *Address,
	logger SLogger,
	errClassifier ErrClassifier,
	clock Clock,
) connectResult {
	runtimex.Assert(len(targets) > 0, "dialSequential: empty target list")

	bd := NewBoundDialer(dialer)
	var local net.Addr
	if bindAddr != nil {
		local = addressAsNetAddr(*bindAddr)
	}
	bound := bd.WithLocalAddr(local)

	for _, target := range targets {
		if ctx.Err() != nil {
			return connectResult{failed: true}
		}
		network, address := target.NetworkAddress()
		t0 := clock.Now()
		logger.Info("connectStart", slog.String("network", network), slog.String("remoteAddr", address), slog.Time("t", t0))
		conn, err := bound.DialContext(ctx, network, address)
		logger.Info(
			"connectDone",
			slog.String("network", network),
			slog.String("remoteAddr", address),
			slog.String("localAddr", safeconn.LocalAddr(conn)),
			slog.String("protocol", safeconn.Network(conn)),
			slog.Any("err", err),
			slog.String("errClass", errClassifier.Classify(err)),
			slog.Duration("elapsed", clock.Now().Sub(t0)),
		)
		if err == nil {
			return connectResult{conn: conn}
		}
	}
	return connectResult{failed: true}
}

// addressAsNetAddr renders a as a [net.Addr] suitable for [net.Dialer]'s
// LocalAddr field. Only [syscall.SOCK_STREAM]/[syscall.SOCK_DGRAM] over
// AF_INET/AF_INET6 can be bound this way; other families return nil,
// leaving the dial unbound.
func addressAsNetAddr(a Address) net.Addr {
	network, address := a.NetworkAddress()
	switch network {
	case "tcp":
		addr, err := net.ResolveTCPAddr("tcp", address)
		if err != nil {
			return nil
		}
		return addr
	case "udp":
		addr, err := net.ResolveUDPAddr("udp", address)
		if err != nil {
			return nil
		}
		return addr
	default:
		return nil
	}
}

// task wraps a goroutine's cancellation so that [task.Cancel] blocks
// until the goroutine has observed the cancellation and will not invoke
// its completion callback, per spec.md §5's synchronous-cancellation
// requirement for every outstanding handle.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel synchronously cancels the task. After Cancel returns, the
// task's completion callback is guaranteed not to fire.
func (t *task) Cancel() {
	t.cancel()
	<-t.done
}

// Wait blocks until the task's goroutine has exited, whether by normal
// completion or cancellation. It does not cancel the task.
func (t *task) Wait() {
	<-t.done
}
