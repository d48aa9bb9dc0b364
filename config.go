// SPDX-License-Identifier: GPL-3.0-or-later

package spiped

import "net"

// Config holds common configuration for the connection state machine.
//
// Pass this to [Create] to pre-wire dependencies that rarely vary between
// connections. Per-connection parameters (role, targets, bind address,
// timeout, PFS flags, the shared secret) are passed to [Create] directly,
// following the teacher's own split between [Config]-wired dependencies
// and call-site parameters.
//
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used to establish the outbound connection.
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// Clock sources time for the connect collaborator's log events. The
	// connect/handshake timers do not use it; see [startTimer].
	//
	// Set by [NewConfig] to [NewRealClock].
	Clock Clock

	// Logger is the [SLogger] to use when none is supplied to [Create].
	//
	// Set by [NewConfig] to [DefaultSLogger].
	Logger SLogger

	// Handshaker performs the key-agreement handshake.
	//
	// Set by [NewConfig] to [NewPSKHandshaker].
	Handshaker Handshaker
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:        &net.Dialer{},
		ErrClassifier: DefaultErrClassifier,
		Clock:         NewRealClock(),
		Logger:        DefaultSLogger(),
		Handshaker:    NewPSKHandshaker(),
	}
}
