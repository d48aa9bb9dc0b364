// SPDX-License-Identifier: GPL-3.0-or-later

package spiped

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 identifying one connection's lifetime.
//
// Attach it to a logger with [log/slog.Logger.With] so every event a
// connection emits — connect, handshake, pipe launch, drop — correlates
// under the same spanID, exactly as the teacher recommends for its own
// dial/exchange spans.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
