// SPDX-License-Identifier: GPL-3.0-or-later

package spiped

import (
	"encoding/binary"
	"fmt"
	"net"
	"syscall"
)

// Address is an immutable resolved endpoint: an address family, a socket
// type, and the opaque address bytes (spec.md §4.5).
//
// Two Addresses are [Address.Equal] iff all three fields match byte-wise.
// The zero value is not a valid Address; construct one with
// [NewInetAddress], [NewInet6Address], [NewUnixAddress], or
// [DeserializeAddress].
type Address struct {
	family   int32
	socktype int32
	name     []byte
}

// NewInetAddress builds an [Address] for an IPv4 endpoint.
func NewInetAddress(ip [4]byte, port uint16, socktype int32) Address {
	name := make([]byte, 6)
	copy(name[:4], ip[:])
	binary.BigEndian.PutUint16(name[4:], port)
	return Address{family: syscall.AF_INET, socktype: socktype, name: name}
}

// NewInet6Address builds an [Address] for an IPv6 endpoint.
func NewInet6Address(ip [16]byte, port uint16, socktype int32) Address {
	name := make([]byte, 18)
	copy(name[:16], ip[:])
	binary.BigEndian.PutUint16(name[16:], port)
	return Address{family: syscall.AF_INET6, socktype: socktype, name: name}
}

// NewUnixAddress builds an [Address] for a UNIX domain socket path.
func NewUnixAddress(path string, socktype int32) Address {
	return Address{family: syscall.AF_UNIX, socktype: socktype, name: []byte(path)}
}

// NewAddressFromNetAddr converts a [net.Addr] (as returned by [net.Conn]
// or produced by a resolver) into an [Address]. It returns an error for
// address types it does not recognize.
func NewAddressFromNetAddr(a net.Addr, socktype int32) (Address, error) {
	switch v := a.(type) {
	case *net.TCPAddr:
		return addressFromIPPort(v.IP, v.Port, socktype)
	case *net.UDPAddr:
		return addressFromIPPort(v.IP, v.Port, socktype)
	case *net.UnixAddr:
		return NewUnixAddress(v.Name, socktype), nil
	default:
		return Address{}, fmt.Errorf("spiped: unsupported address type %T", a)
	}
}

func addressFromIPPort(ip net.IP, port int, socktype int32) (Address, error) {
	if v4 := ip.To4(); v4 != nil {
		var raw [4]byte
		copy(raw[:], v4)
		return NewInetAddress(raw, uint16(port), socktype), nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return Address{}, fmt.Errorf("spiped: invalid IP address %v", ip)
	}
	var raw [16]byte
	copy(raw[:], v6)
	return NewInet6Address(raw, uint16(port), socktype), nil
}

// Family returns the address family (e.g. [syscall.AF_INET]).
func (a Address) Family() int32 {
	return a.family
}

// SockType returns the socket type (e.g. [syscall.SOCK_STREAM]).
func (a Address) SockType() int32 {
	return a.socktype
}

// Equal reports whether a and b are byte-wise equal across family,
// socktype, and name, per spec.md §4.5.
func (a Address) Equal(b Address) bool {
	if a.family != b.family || a.socktype != b.socktype {
		return false
	}
	if len(a.name) != len(b.name) {
		return false
	}
	for i := range a.name {
		if a.name[i] != b.name[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of a, so that mutating the original's
// underlying name bytes (there should be none, since Address is meant to
// be immutable) cannot affect the clone.
func (a Address) Clone() Address {
	name := make([]byte, len(a.name))
	copy(name, a.name)
	return Address{family: a.family, socktype: a.socktype, name: name}
}

// CloneAddressList clones every element of as, preserving order.
func CloneAddressList(as []Address) []Address {
	out := make([]Address, len(as))
	for i, a := range as {
		out[i] = a.Clone()
	}
	return out
}

// Serialize encodes a in the machine-dependent local-IPC layout from
// spec.md §4.5: family (int32), socktype (int32), namelen (uint32), name
// (namelen bytes), concatenated with no padding or framing. The encoding
// uses [binary.NativeEndian], matching the "machine-dependent" wording in
// the original C source's wire comment — this layout is documented as
// being for same-host IPC only, never for network transmission.
func (a Address) Serialize() []byte {
	out := make([]byte, 4+4+4+len(a.name))
	binary.NativeEndian.PutUint32(out[0:4], uint32(a.family))
	binary.NativeEndian.PutUint32(out[4:8], uint32(a.socktype))
	binary.NativeEndian.PutUint32(out[8:12], uint32(len(a.name)))
	copy(out[12:], a.name)
	return out
}

// DeserializeAddress decodes the layout produced by [Address.Serialize].
func DeserializeAddress(b []byte) (Address, error) {
	if len(b) < 12 {
		return Address{}, fmt.Errorf("spiped: truncated address (got %d bytes, need at least 12)", len(b))
	}
	family := int32(binary.NativeEndian.Uint32(b[0:4]))
	socktype := int32(binary.NativeEndian.Uint32(b[4:8]))
	namelen := binary.NativeEndian.Uint32(b[8:12])
	if uint64(len(b)-12) != uint64(namelen) {
		return Address{}, fmt.Errorf("spiped: address namelen mismatch (header says %d, have %d)", namelen, len(b)-12)
	}
	name := make([]byte, namelen)
	copy(name, b[12:])
	return Address{family: family, socktype: socktype, name: name}, nil
}

// Pretty renders a for logs and diagnostics, per the rules in spec.md
// §4.5: "[d.d.d.d]:p" for AF_INET, "[colon-hex]:p" for AF_INET6, the
// verbatim filesystem path for AF_UNIX, and "Unknown address" otherwise.
func (a Address) Pretty() string {
	switch a.family {
	case syscall.AF_INET:
		if len(a.name) != 6 {
			return "Unknown address"
		}
		ip := net.IP(a.name[:4])
		port := binary.BigEndian.Uint16(a.name[4:])
		return fmt.Sprintf("[%s]:%d", ip.String(), port)
	case syscall.AF_INET6:
		if len(a.name) != 18 {
			return "Unknown address"
		}
		ip := net.IP(a.name[:16])
		port := binary.BigEndian.Uint16(a.name[16:])
		return fmt.Sprintf("[%s]:%d", ip.String(), port)
	case syscall.AF_UNIX:
		return string(a.name)
	default:
		return "Unknown address"
	}
}

// NetworkAddress returns the "host:port" or "/path" string suitable for
// passing to a [Dialer], and the "tcp", "udp" (for [syscall.SOCK_DGRAM])
// or "unix" network name to pass alongside it.
func (a Address) NetworkAddress() (network, address string) {
	switch a.family {
	case syscall.AF_UNIX:
		return "unix", string(a.name)
	default:
		if a.socktype == syscall.SOCK_DGRAM {
			return "udp", a.hostPort()
		}
		return "tcp", a.hostPort()
	}
}

func (a Address) hostPort() string {
	switch a.family {
	case syscall.AF_INET:
		ip := net.IP(a.name[:4])
		port := binary.BigEndian.Uint16(a.name[4:])
		return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
	case syscall.AF_INET6:
		ip := net.IP(a.name[:16])
		port := binary.BigEndian.Uint16(a.name[16:])
		return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
	default:
		return ""
	}
}
