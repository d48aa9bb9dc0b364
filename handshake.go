//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
//

package spiped

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	handshakeNonceLen = 16
	handshakePubLen   = 32
	handshakeTagLen   = 32
	handshakeMsgLen   = handshakeNonceLen + handshakePubLen + handshakeTagLen
	sessionKeyLen     = 32
)

// handshakeInfo is the HKDF info parameter binding derived keys to this
// protocol, preventing cross-protocol key reuse.
var handshakeInfo = []byte("spiped session keys v1")

// Handshaker performs the mutually authenticated key-agreement protocol
// that the core treats as an opaque collaborator, per spec.md §6: given
// an already-connected socket and a role, it yields two non-nil
// directional session keys on success, or two nil keys on any protocol
// failure (bad MAC, version mismatch, PFS policy violation, I/O error).
//
// Implementations must be safe to cancel via ctx: once ctx is done, Perform
// must return promptly with (nil, nil) and must not touch conn afterwards.
type Handshaker interface {
	Perform(ctx context.Context, conn net.Conn, role Role, noPFS, requirePFS bool, secret []byte) (keyFwd, keyRev []byte)
}

// pskHandshaker implements [Handshaker] using a pre-shared key for
// authentication and an optional X25519 exchange for perfect forward
// secrecy, illustrating the "Supplemented features" handshake this
// domain adds beyond what spec.md's core contract requires.
type pskHandshaker struct{}

// NewPSKHandshaker returns the production [Handshaker].
func NewPSKHandshaker() Handshaker {
	return pskHandshaker{}
}

var _ Handshaker = pskHandshaker{}

// Perform implements [Handshaker].
//
// Wire shape (illustrative, not compatible with any external protocol):
// each side sends nonce(16) || ephemeral-pubkey-or-zeros(32) || HMAC-SHA256
// tag(32) computed over (nonce || pubkey) keyed by secret. Both message
// halves are exchanged concurrently to avoid a head-of-line deadlock on a
// duplex socket. If both peers offer a non-zero public key, an X25519
// shared secret is mixed into the key material; otherwise only the
// pre-shared secret is used. A deterministic, order-independent salt
// (the two nonces sorted byte-wise) lets both sides derive the same HKDF
// pseudorandom key without depending on who "goes first". Both peers
// return the two derived keys K1 and K2 as (key_fwd, key_rev) whatever
// their role: forward is the accepted-to-target flow on either peer, so
// the Encrypt peer's sealing forward pipe and the Decrypt peer's opening
// forward pipe share K1, and the reverse pipes share K2.
func (pskHandshaker) Perform(ctx context.Context, conn net.Conn, role Role, noPFS, requirePFS bool, secret []byte) (keyFwd, keyRev []byte) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	ourNonce := make([]byte, handshakeNonceLen)
	if _, err := rand.Read(ourNonce); err != nil {
		return nil, nil
	}

	var priv *ecdh.PrivateKey
	ourPub := make([]byte, handshakePubLen)
	if !noPFS {
		var err error
		priv, err = ecdh.X25519().GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil
		}
		copy(ourPub, priv.PublicKey().Bytes())
	}

	ourMsg := make([]byte, 0, handshakeMsgLen)
	ourMsg = append(ourMsg, ourNonce...)
	ourMsg = append(ourMsg, ourPub...)
	ourMsg = append(ourMsg, tagFor(secret, ourNonce, ourPub)...)

	peerMsg := make([]byte, handshakeMsgLen)
	if !exchange(conn, ourMsg, peerMsg) {
		return nil, nil
	}

	peerNonce := peerMsg[:handshakeNonceLen]
	peerPub := peerMsg[handshakeNonceLen : handshakeNonceLen+handshakePubLen]
	peerTag := peerMsg[handshakeNonceLen+handshakePubLen:]

	if !hmac.Equal(tagFor(secret, peerNonce, peerPub), peerTag) {
		return nil, nil
	}

	peerHasPFS := !isZero(peerPub)
	if requirePFS && (noPFS || !peerHasPFS) {
		return nil, nil
	}

	ikm := secret
	if !noPFS && peerHasPFS {
		peerPubKey, err := ecdh.X25519().NewPublicKey(peerPub)
		if err != nil {
			return nil, nil
		}
		shared, err := priv.ECDH(peerPubKey)
		if err != nil {
			return nil, nil
		}
		combined := make([]byte, 0, len(secret)+len(shared))
		combined = append(combined, secret...)
		combined = append(combined, shared...)
		ikm = combined
	}

	salt := sortedConcat(ourNonce, peerNonce)
	reader := hkdf.New(sha256.New, ikm, salt, handshakeInfo)

	k1 := make([]byte, sessionKeyLen)
	k2 := make([]byte, sessionKeyLen)
	if _, err := io.ReadFull(reader, k1); err != nil {
		return nil, nil
	}
	if _, err := io.ReadFull(reader, k2); err != nil {
		return nil, nil
	}

	return k1, k2
}

// tagFor computes the HMAC-SHA256 authentication tag over nonce||pub
// keyed by secret.
func tagFor(secret, nonce, pub []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(nonce)
	mac.Write(pub)
	return mac.Sum(nil)
}

// exchange writes out concurrently with reading in, returning false on
// any I/O error from either half.
func exchange(conn net.Conn, out []byte, in []byte) bool {
	var wg sync.WaitGroup
	var writeErr, readErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, writeErr = conn.Write(out)
	}()
	go func() {
		defer wg.Done()
		_, readErr = io.ReadFull(conn, in)
	}()
	wg.Wait()
	return writeErr == nil && readErr == nil
}

// isZero reports whether every byte of b is zero, the convention used
// to signal "no PFS offered" on the wire.
func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// sortedConcat returns a||b if a sorts before b lexically, else b||a,
// so both handshake participants compute the same salt regardless of
// which of them is "first".
func sortedConcat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	if bytes.Compare(a, b) <= 0 {
		out = append(out, a...)
		out = append(out, b...)
	} else {
		out = append(out, b...)
		out = append(out, a...)
	}
	return out
}

// handshakeResult is what the handshake collaborator posts to the
// reactor. Both keys are nil exactly on protocol failure, per spec.md
// §8's contract-violation boundary behavior: (non-nil, nil) or (nil,
// non-nil) never happens and would be an assertion failure in the
// reactor.
type handshakeResult struct {
	keyFwd, keyRev []byte
}

// startHandshake begins the key-agreement handshake on conn, posting its
// result once. It implements spec.md §6's
// `handshake(sock, decrypt_role, no_pfs, require_pfs, secret, cb, ctx)`.
//
// The returned [*task] must be cancelled with [task.Cancel] to guarantee
// post never fires again.
func startHandshake(
	parent context.Context,
	handshaker Handshaker,
	conn net.Conn,
	role Role,
	noPFS, requirePFS bool,
	secret []byte,
	logger SLogger,
	post func(handshakeResult),
) *task {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		logger.Info("handshakeStart", slog.String("role", role.String()), slog.Bool("noPFS", noPFS), slog.Bool("requirePFS", requirePFS))
		kf, kr := handshaker.Perform(ctx, conn, role, noPFS, requirePFS, secret)
		logger.Info("handshakeDone", slog.Bool("ok", kf != nil))
		select {
		case <-ctx.Done():
			return
		default:
			post(handshakeResult{keyFwd: kf, keyRev: kr})
		}
	}()

	return &task{cancel: cancel, done: done}
}
