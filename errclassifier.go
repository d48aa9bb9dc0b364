// SPDX-License-Identifier: GPL-3.0-or-later

package spiped

import "github.com/nerijus/spiped/errclass"

// ErrClassifier classifies errors into categorical strings for analysis.
//
// Implementations map errors to short, descriptive labels (e.g., "timed_out",
// "connection_reset") that facilitate systematic analysis of connection failures.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
//
// This allows using simple functions as classifiers:
//
//	cfg.ErrClassifier = ErrClassifierFunc(errclass.New)
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// DefaultErrClassifier classifies using [errclass.New], which recognizes
// the errno families the teacher's own classifier recognized plus the
// handshake and frame errors this domain adds.
var DefaultErrClassifier = ErrClassifierFunc(errclass.New)
