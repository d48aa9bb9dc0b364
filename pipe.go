//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/fcostin/tcplb (lib/forwarder/robustforwarder.go worker/taskResult pattern)
//

package spiped

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/bassosimone/safeconn"
	"github.com/nerijus/spiped/errclass"
)

// pipeDirection distinguishes the two pipes a connection launches.
type pipeDirection int

const (
	pipeForward pipeDirection = iota
	pipeReverse
)

// String implements [fmt.Stringer].
func (d pipeDirection) String() string {
	if d == pipeForward {
		return "fwd"
	}
	return "rev"
}

// pipeStatus is the tri-valued status cell from spec.md §4.3, carried as
// an event field rather than a shared mutable integer (spec.md §9's
// "Shared mutable status cells" design note).
type pipeStatus int

const (
	pipeRunning pipeStatus = 1
	pipeClosed  pipeStatus = 0
	pipeFailed  pipeStatus = -1
)

// evPipeStatus is what a pipe posts to the reactor on every status
// transition, per spec.md §6's `pipe(...)` contract.
type evPipeStatus struct {
	direction pipeDirection
	status    pipeStatus
}

const (
	pipeMaxFrame  = 64 * 1024
	pipeLenPrefix = 4
)

// errFrameTooLarge reports a length-prefixed frame exceeding [pipeMaxFrame].
type errFrameTooLarge struct{}

func (*errFrameTooLarge) Error() string  { return "spiped: frame exceeds maximum size" }
func (*errFrameTooLarge) ErrClass() string { return errclass.EFRAMETOOLARGE }

// errAEADOpenFailed reports an authentication failure while decrypting a frame.
type errAEADOpenFailed struct{}

func (*errAEADOpenFailed) Error() string  { return "spiped: AEAD authentication failed" }
func (*errAEADOpenFailed) ErrClass() string { return errclass.EAEADOPENFAILED }

// closeWriter is implemented by connections that support half-close,
// e.g. [*net.TCPConn]. The pipe collaborator uses it to propagate a
// clean EOF without tearing down the whole socket, which remains the
// state machine's responsibility per spec.md §4.3.
type closeWriter interface {
	CloseWrite() error
}

// startPipe launches one direction of the encrypted relay, posting
// exactly one [evPipeStatus] event on termination. It implements
// spec.md §6's `pipe(src, dst, decrypt_flag, key, status_cell, cb, ctx)`.
//
// decrypt selects AEAD-open-then-forward (ciphertext arrives on src) vs
// AEAD-seal-then-forward (plaintext arrives on src); the caller derives
// this from role and direction as described in spec.md §4.1's pipe
// launch step.
func startPipe(
	parent context.Context,
	src, dst net.Conn,
	decrypt bool,
	key []byte,
	direction pipeDirection,
	logger SLogger,
	errClassifier ErrClassifier,
	post func(evPipeStatus),
) *task {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)

		// src/dst are plain net.Conn values that don't observe ctx on
		// their own: a blocked io.ReadFull/Read only returns once the
		// underlying socket is closed. Without this, Cancel would block
		// on <-t.done forever whenever the pipe is cancelled before its
		// peer closes, exactly the gap cancelwatch.go closes for the
		// teacher's dialed connections.
		stop := context.AfterFunc(ctx, func() {
			src.Close()
			dst.Close()
		})
		defer stop()

		logger.Info(
			"pipeStart",
			slog.String("direction", direction.String()),
			slog.Bool("decrypt", decrypt),
			slog.String("localAddr", safeconn.LocalAddr(src)),
			slog.String("remoteAddr", safeconn.RemoteAddr(src)),
			slog.String("protocol", safeconn.Network(src)),
		)
		err := runPipe(ctx, src, dst, decrypt, key)

		status := pipeFailed
		if err == nil || errors.Is(err, io.EOF) {
			status = pipeClosed
			if cw, ok := dst.(closeWriter); ok {
				_ = cw.CloseWrite()
			}
		}
		logger.Info(
			"pipeDone",
			slog.String("direction", direction.String()),
			slog.Int("status", int(status)),
			slog.String("localAddr", safeconn.LocalAddr(src)),
			slog.String("remoteAddr", safeconn.RemoteAddr(src)),
			slog.String("protocol", safeconn.Network(src)),
			slog.Any("err", err),
			slog.String("errClass", errClassifier.Classify(err)),
		)

		select {
		case <-ctx.Done():
			return
		default:
			post(evPipeStatus{direction: direction, status: status})
		}
	}()

	return &task{cancel: cancel, done: done}
}

// runPipe relays bytes from src to dst, encrypting or decrypting each
// length-prefixed AES-256-GCM frame, until a read/write error or a clean
// EOF terminates the loop. It returns nil or [io.EOF] for a clean
// termination and a non-nil error for anything else.
func runPipe(ctx context.Context, src, dst net.Conn, decrypt bool, key []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	var counter uint64

	if decrypt {
		return runPipeDecrypt(ctx, src, dst, gcm, nonce, &counter)
	}
	return runPipeEncrypt(ctx, src, dst, gcm, nonce, &counter)
}

func runPipeDecrypt(ctx context.Context, src, dst net.Conn, gcm cipher.AEAD, nonce []byte, counter *uint64) error {
	lenBuf := make([]byte, pipeLenPrefix)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := io.ReadFull(src, lenBuf); err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(lenBuf)
		if n > pipeMaxFrame+uint32(gcm.Overhead()) {
			return &errFrameTooLarge{}
		}
		ciphertext := make([]byte, n)
		if _, err := io.ReadFull(src, ciphertext); err != nil {
			return err
		}
		advanceNonce(nonce, counter)
		plaintext, err := gcm.Open(ciphertext[:0], nonce, ciphertext, nil)
		if err != nil {
			return &errAEADOpenFailed{}
		}
		if len(plaintext) > 0 {
			if _, err := dst.Write(plaintext); err != nil {
				return err
			}
		}
	}
}

func runPipeEncrypt(ctx context.Context, src, dst net.Conn, gcm cipher.AEAD, nonce []byte, counter *uint64) error {
	buf := make([]byte, pipeMaxFrame)
	lenBuf := make([]byte, pipeLenPrefix)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			advanceNonce(nonce, counter)
			sealed := gcm.Seal(nil, nonce, buf[:n], nil)
			binary.BigEndian.PutUint32(lenBuf, uint32(len(sealed)))
			if _, err := dst.Write(lenBuf); err != nil {
				return err
			}
			if _, err := dst.Write(sealed); err != nil {
				return err
			}
		}
		if readErr != nil {
			return readErr
		}
	}
}

// advanceNonce writes the current counter into the low 8 bytes of nonce
// (the remaining leading bytes stay zero, since a 12-byte GCM nonce only
// needs 8 bytes to exceed any realistic connection's frame count) and
// increments it for the next frame. Reusing a nonce under the same key
// would break GCM's confidentiality guarantee, so the caller must never
// call this after the counter wraps.
func advanceNonce(nonce []byte, counter *uint64) {
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], *counter)
	*counter++
}
