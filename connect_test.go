// SPDX-License-Identifier: GPL-3.0-or-later

package spiped

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcDialer is a minimal test double implementing [Dialer] with an
// injectable function, matching the teacher's function-field mock idiom.
type funcDialer struct {
	DialContextFunc func(ctx context.Context, network, address string) (net.Conn, error)
}

var _ Dialer = &funcDialer{}

func (d *funcDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.DialContextFunc(ctx, network, address)
}

type fakeConn struct {
	net.Conn
	id string
}

func TestDialSequentialFirstTargetSucceeds(t *testing.T) {
	want := &fakeConn{id: "first"}
	dialer := &funcDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return want, nil
		},
	}
	targets := []Address{
		NewInetAddress([4]byte{127, 0, 0, 1}, 1, syscall.SOCK_STREAM),
		NewInetAddress([4]byte{127, 0, 0, 1}, 2, syscall.SOCK_STREAM),
	}
	result := dialSequential(context.Background(), dialer, targets, nil, DefaultSLogger(), DefaultErrClassifier, NewRealClock())

	require.False(t, result.failed)
	assert.Same(t, want, result.conn)
}

func TestDialSequentialFallsThroughToSecondTarget(t *testing.T) {
	want := &fakeConn{id: "second"}
	calls := 0
	dialer := &funcDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("refused")
			}
			return want, nil
		},
	}
	targets := []Address{
		NewInetAddress([4]byte{127, 0, 0, 1}, 1, syscall.SOCK_STREAM),
		NewInetAddress([4]byte{127, 0, 0, 1}, 2, syscall.SOCK_STREAM),
	}
	result := dialSequential(context.Background(), dialer, targets, nil, DefaultSLogger(), DefaultErrClassifier, NewRealClock())

	require.False(t, result.failed)
	assert.Same(t, want, result.conn)
	assert.Equal(t, 2, calls)
}

func TestDialSequentialExhaustsAllTargets(t *testing.T) {
	dialer := &funcDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("refused")
		},
	}
	targets := []Address{
		NewInetAddress([4]byte{127, 0, 0, 1}, 1, syscall.SOCK_STREAM),
		NewInetAddress([4]byte{127, 0, 0, 1}, 2, syscall.SOCK_STREAM),
	}
	result := dialSequential(context.Background(), dialer, targets, nil, DefaultSLogger(), DefaultErrClassifier, NewRealClock())

	assert.True(t, result.failed)
	assert.Nil(t, result.conn)
}

func TestStartConnectPostsSuccess(t *testing.T) {
	want := &fakeConn{id: "ok"}
	dialer := &funcDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			return want, nil
		},
	}
	targets := []Address{NewInetAddress([4]byte{127, 0, 0, 1}, 1, syscall.SOCK_STREAM)}

	resultCh := make(chan connectResult, 1)
	tk := startConnect(context.Background(), dialer, targets, nil, DefaultSLogger(), DefaultErrClassifier, NewRealClock(),
		func(r connectResult) { resultCh <- r })
	tk.Wait()

	select {
	case r := <-resultCh:
		assert.False(t, r.failed)
		assert.Same(t, want, r.conn)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connect result")
	}
}

func TestStartConnectCancelSuppressesPost(t *testing.T) {
	block := make(chan struct{})
	dialer := &funcDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			<-ctx.Done()
			close(block)
			return nil, ctx.Err()
		},
	}
	targets := []Address{NewInetAddress([4]byte{127, 0, 0, 1}, 1, syscall.SOCK_STREAM)}

	posted := false
	tk := startConnect(context.Background(), dialer, targets, nil, DefaultSLogger(), DefaultErrClassifier, NewRealClock(),
		func(r connectResult) { posted = true })
	tk.Cancel()

	select {
	case <-block:
	case <-time.After(time.Second):
		t.Fatal("dialer never observed cancellation")
	}
	assert.False(t, posted)
}

func TestNewBoundDialerWrapsNetDialer(t *testing.T) {
	bd := NewBoundDialer(&net.Dialer{})
	_, ok := bd.(netDialerAdapter)
	assert.True(t, ok)
}

func TestNewBoundDialerWrapsGenericDialer(t *testing.T) {
	bd := NewBoundDialer(&funcDialer{})
	bound := bd.WithLocalAddr(&net.TCPAddr{})
	assert.NotNil(t, bound)
}
