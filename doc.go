// SPDX-License-Identifier: GPL-3.0-or-later

// Package spiped implements the per-connection lifecycle engine of a
// symmetric, pre-shared-key encrypted TCP tunnel.
//
// # Core Abstraction
//
// [ConnectionState], constructed with [Create], owns one accepted
// socket and is responsible for establishing an outbound connection to
// a target address list, performing a mutually authenticated
// key-agreement handshake yielding two directional session keys, and
// then shuttling data between the two sockets — encrypting one
// direction and decrypting the other — until either side closes
// cleanly or any step errs or times out. Exactly one [OnDeadFunc] call
// marks the end of a connection's life, carrying the terminal [Reason].
//
// # Collaborators
//
// The state machine treats four concerns as interchangeable
// collaborators, each started and cancelled through a small task
// abstraction with synchronous cancellation guarantees:
//
//   - [Dialer]/[BindableDialer]: the outbound connect, trying each
//     candidate [Address] in order until one succeeds (see [startConnect]).
//   - [Handshaker]: the key-agreement protocol, producing [Address]-agnostic
//     directional session keys or signaling protocol failure with two nil
//     keys (see [NewPSKHandshaker]).
//   - The AEAD-framed pipe (see [startPipe]): one goroutine per direction,
//     reporting its status as an event rather than through a shared cell.
//   - A one-shot timer (see [startTimer]) driving both the connect and
//     handshake timeouts.
//
// # Concurrency model
//
// Each connection runs a single reactor goroutine that serially
// dispatches events from its collaborators; no two handlers for the
// same connection ever run concurrently, and no field on
// [ConnectionState] needs a lock as a result. Collaborators run on
// their own goroutines and communicate back only through typed events,
// mirroring the single-threaded cooperative scheduling model this
// engine is built on, rendered as Go's structured concurrency instead
// of an explicit callback table.
//
// # Observability
//
// [ConnectionState] and its collaborators log through [SLogger]
// (compatible with [log/slog]). Lifecycle transitions — connect
// start/done, handshake start/done, pipe launch, drop — are logged at
// Info; the pipe does not log individual frames, so nothing is logged
// at Debug. By default logging is disabled; set
// [Config.Logger] to a custom [*slog.Logger] to enable it.
// [ErrClassifier] turns raw errors into short categorical strings for
// structured log fields; [DefaultErrClassifier] recognizes the errno
// families common to connect/handshake/pipe failures. Use [NewSpanID]
// to correlate every log line emitted for one connection's lifetime.
//
// # Address values
//
// [Address] is an immutable resolved endpoint (family, socket type,
// opaque name bytes) with byte-wise equality, cloning, and a
// machine-local serialization format for same-host IPC.
// [NormalizeAddressString] turns a user-supplied target string into the
// canonical form a resolver expects.
//
// # Design Boundaries
//
// This package does not resolve addresses, does not accept inbound
// connections, does not load configuration, and does not handle
// signals or daemonization — see cmd/spiped for the thin wiring that
// supplies those around this engine.
package spiped
