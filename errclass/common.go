//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/errclass.go
//

// Package errclass classifies connection and handshake errors into short,
// stable strings suitable for structured log fields and metrics labels.
package errclass

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
)

// Well-known classification strings.
//
// These are short snake_case descriptions of the errno each one stands
// for, plus the handshake/frame errors this domain adds.
const (
	EGENERIC         = "unknown_failure"
	EADDRNOTAVAIL    = "address_not_available"
	EADDRINUSE       = "address_in_use"
	ECONNABORTED     = "connection_aborted"
	ECONNREFUSED     = "connection_refused"
	ECONNRESET       = "connection_reset"
	EEOF             = "eof"
	EHOSTUNREACH     = "host_unreachable"
	EINVAL           = "invalid_argument"
	EINTR            = "interrupted"
	ENETDOWN         = "network_down"
	ENETUNREACH      = "network_unreachable"
	ENOBUFS          = "no_buffer_space"
	ENOTCONN         = "not_connected"
	EPROTONOSUPPORT  = "protocol_not_supported"
	ETIMEDOUT        = "timed_out"
	EHANDSHAKEFAILED = "handshake_failed"
	EFRAMETOOLARGE   = "frame_too_large"
	EAEADOPENFAILED  = "aead_open_failed"
)

// classifiableError is satisfied by sentinel errors defined outside this
// package (e.g. in the handshake and pipe collaborators) that want to
// carry their own classification string without this package knowing
// about their concrete type.
type classifiableError interface {
	ErrClass() string
}

// New classifies err into one of the constants above, or [EGENERIC] if
// err is non-nil and unrecognized. A nil err classifies to "".
func New(err error) string {
	if err == nil {
		return ""
	}

	var ce classifiableError
	if errors.As(err, &ce) {
		return ce.ErrClass()
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ETIMEDOUT
	}
	if errors.Is(err, io.EOF) {
		return EEOF
	}
	if errors.Is(err, net.ErrClosed) {
		return ECONNABORTED
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if cls := classifyErrno(opErr.Err); cls != "" {
			return cls
		}
	}
	if cls := classifyErrno(err); cls != "" {
		return cls
	}

	return EGENERIC
}

// classifyErrno inspects err (or its wrapped syscall.Errno, when present)
// against the platform errno table built in unix.go/windows.go.
func classifyErrno(err error) string {
	switch {
	case errors.Is(err, errEADDRNOTAVAIL):
		return EADDRNOTAVAIL
	case errors.Is(err, errEADDRINUSE):
		return EADDRINUSE
	case errors.Is(err, errECONNABORTED):
		return ECONNABORTED
	case errors.Is(err, errECONNREFUSED):
		return ECONNREFUSED
	case errors.Is(err, errECONNRESET):
		return ECONNRESET
	case errors.Is(err, errEHOSTUNREACH):
		return EHOSTUNREACH
	case errors.Is(err, errEINVAL):
		return EINVAL
	case errors.Is(err, errEINTR):
		return EINTR
	case errors.Is(err, errENETDOWN):
		return ENETDOWN
	case errors.Is(err, errENETUNREACH):
		return ENETUNREACH
	case errors.Is(err, errENOBUFS):
		return ENOBUFS
	case errors.Is(err, errENOTCONN):
		return ENOTCONN
	case errors.Is(err, errEPROTONOSUPPORT):
		return EPROTONOSUPPORT
	case errors.Is(err, errETIMEDOUT):
		return ETIMEDOUT
	default:
		return ""
	}
}
