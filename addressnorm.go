// SPDX-License-Identifier: GPL-3.0-or-later

package spiped

import "strings"

// NormalizeAddressString rewrites a user-supplied target string into the
// canonical "host:port", "[v6]:port", or "/unix/path" form expected by a
// resolver, per spec.md §4.6.
//
// The classification is purely lexical: this function never validates
// that the result names a real or even well-formed address, it only
// decides whether a port needs appending and whether the input already
// carries IPv6 brackets.
func NormalizeAddressString(s string) string {
	if strings.HasPrefix(s, "/") {
		return s
	}

	first := strings.IndexByte(s, ':')
	if first < 0 {
		return s + ":0"
	}

	last := strings.LastIndexByte(s, ':')
	if first == last {
		return s
	}

	r := strings.LastIndexByte(s, ']')
	switch {
	case r < 0:
		return "[" + s + "]:0"
	case r == len(s)-1:
		return s + ":0"
	default:
		return s
	}
}
