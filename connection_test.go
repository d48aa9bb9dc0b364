// SPDX-License-Identifier: GPL-3.0-or-later

package spiped

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dummyTargets() []Address {
	return []Address{NewInetAddress([4]byte{127, 0, 0, 1}, 9, syscall.SOCK_STREAM)}
}

// capturingOnDead records every invocation, failing the test if it is
// ever called more than once, enforcing spec.md §8's "on_dead is
// invoked exactly once" invariant.
type capturingOnDead struct {
	mu      sync.Mutex
	reasons []Reason
	doneCh  chan Reason
}

func newCapturingOnDead() *capturingOnDead {
	return &capturingOnDead{doneCh: make(chan Reason, 1)}
}

func (c *capturingOnDead) Func(t *testing.T) OnDeadFunc {
	return func(reason Reason) {
		c.mu.Lock()
		c.reasons = append(c.reasons, reason)
		n := len(c.reasons)
		c.mu.Unlock()
		if n > 1 {
			t.Errorf("onDead invoked %d times, want exactly once", n)
		}
		select {
		case c.doneCh <- reason:
		default:
		}
	}
}

func (c *capturingOnDead) waitReason(t *testing.T) Reason {
	t.Helper()
	select {
	case r := <-c.doneCh:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onDead")
		return ReasonError
	}
}

func TestCreateRejectsEmptyTargets(t *testing.T) {
	cfg := NewConfig()
	sockIn, peer := net.Pipe()
	defer peer.Close()

	onDead := newCapturingOnDead()
	cs, err := Create(cfg, sockIn, nil, nil, RoleEncrypt, false, false, false, []byte("secret"), time.Second, onDead.Func(t))

	assert.Nil(t, cs)
	assert.ErrorIs(t, err, ErrNoTargets)
	// sockIn must remain open and owned by the caller on construction failure.
	assert.NoError(t, sockIn.Close())
}

func TestConnectionEncryptHappyPath(t *testing.T) {
	clientConn, sockIn := net.Pipe()
	serverConn, sockOut := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	dialer := &funcDialer{DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
		return sockOut, nil
	}}
	cfg := NewConfig()
	cfg.Dialer = dialer
	cfg.Handshaker = stubHandshaker{keyFwd: make([]byte, 32), keyRev: make([]byte, 32)}

	onDead := newCapturingOnDead()
	cs, err := Create(cfg, sockIn, dummyTargets(), nil, RoleEncrypt, false, false, false, []byte("secret"), 5*time.Second, onDead.Func(t))
	require.NoError(t, err)
	require.NotNil(t, cs)

	clientConn.Close()
	serverConn.Close()

	reason := onDead.waitReason(t)
	assert.Equal(t, ReasonClosed, reason)
	cs.Wait()
}

func TestConnectionDecryptHandshakeFirstPipeError(t *testing.T) {
	clientConn, sockIn := net.Pipe()
	serverConn, sockOut := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	dialer := &funcDialer{DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
		return sockOut, nil
	}}
	cfg := NewConfig()
	cfg.Dialer = dialer
	cfg.Handshaker = stubHandshaker{keyFwd: make([]byte, 32), keyRev: make([]byte, 32)}

	onDead := newCapturingOnDead()
	cs, err := Create(cfg, sockIn, dummyTargets(), nil, RoleDecrypt, false, false, false, []byte("secret"), 5*time.Second, onDead.Func(t))
	require.NoError(t, err)
	require.NotNil(t, cs)

	// Forward pipe (sock_in -> sock_out) decrypts under RoleDecrypt. Feed
	// a well-formed length prefix followed by garbage ciphertext so the
	// AEAD tag check fails, producing stat_fwd = -1.
	garbage := make([]byte, 32)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(garbage)))
	go func() {
		clientConn.Write(lenBuf)
		clientConn.Write(garbage)
	}()

	reason := onDead.waitReason(t)
	assert.Equal(t, ReasonError, reason)
	cs.Wait()
}

func TestConnectionConnectTimeout(t *testing.T) {
	sockIn, peer := net.Pipe()
	defer peer.Close()

	blockingDialer := &funcDialer{DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cfg := NewConfig()
	cfg.Dialer = blockingDialer

	onDead := newCapturingOnDead()
	cs, err := Create(cfg, sockIn, dummyTargets(), nil, RoleEncrypt, false, false, false, []byte("secret"), 30*time.Millisecond, onDead.Func(t))
	require.NoError(t, err)
	require.NotNil(t, cs)

	reason := onDead.waitReason(t)
	assert.Equal(t, ReasonError, reason)
	cs.Wait()
}

func TestConnectionHandshakeFailure(t *testing.T) {
	_, sockIn := net.Pipe()
	serverConn, sockOut := net.Pipe()
	defer serverConn.Close()

	dialer := &funcDialer{DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
		return sockOut, nil
	}}
	cfg := NewConfig()
	cfg.Dialer = dialer
	cfg.Handshaker = stubHandshaker{keyFwd: nil, keyRev: nil}

	onDead := newCapturingOnDead()
	cs, err := Create(cfg, sockIn, dummyTargets(), nil, RoleEncrypt, false, false, false, []byte("secret"), 5*time.Second, onDead.Func(t))
	require.NoError(t, err)
	require.NotNil(t, cs)

	reason := onDead.waitReason(t)
	assert.Equal(t, ReasonHandshakeFailed, reason)
	cs.Wait()
}

func TestConnectionConnectExhaustsTargets(t *testing.T) {
	sockIn, peer := net.Pipe()
	defer peer.Close()

	dialer := &funcDialer{DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("refused")
	}}
	cfg := NewConfig()
	cfg.Dialer = dialer

	onDead := newCapturingOnDead()
	cs, err := Create(cfg, sockIn, dummyTargets(), nil, RoleEncrypt, false, false, false, []byte("secret"), 5*time.Second, onDead.Func(t))
	require.NoError(t, err)
	require.NotNil(t, cs)

	reason := onDead.waitReason(t)
	assert.Equal(t, ReasonConnectFailed, reason)
	cs.Wait()
}

func TestConnectionExternalDropIsIdempotent(t *testing.T) {
	sockIn, peer := net.Pipe()
	defer peer.Close()

	blockingDialer := &funcDialer{DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cfg := NewConfig()
	cfg.Dialer = blockingDialer

	onDead := newCapturingOnDead()
	cs, err := Create(cfg, sockIn, dummyTargets(), nil, RoleEncrypt, false, false, false, []byte("secret"), 5*time.Second, onDead.Func(t))
	require.NoError(t, err)

	cs.Drop(ReasonError)
	cs.Drop(ReasonClosed) // second call must be a no-op, not a second onDead invocation

	reason := onDead.waitReason(t)
	assert.Equal(t, ReasonError, reason)
}
