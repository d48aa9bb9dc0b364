// SPDX-License-Identifier: GPL-3.0-or-later

package spiped

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressEqual(t *testing.T) {
	a := NewInetAddress([4]byte{127, 0, 0, 1}, 8080, syscall.SOCK_STREAM)
	b := NewInetAddress([4]byte{127, 0, 0, 1}, 8080, syscall.SOCK_STREAM)
	c := NewInetAddress([4]byte{127, 0, 0, 1}, 8081, syscall.SOCK_STREAM)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestAddressClone(t *testing.T) {
	a := NewUnixAddress("/var/run/spiped.sock", syscall.SOCK_STREAM)
	b := a.Clone()

	assert.True(t, a.Equal(b))
	b.name[0] = 'X'
	assert.False(t, a.Equal(b))
}

func TestCloneAddressList(t *testing.T) {
	in := []Address{
		NewInetAddress([4]byte{1, 2, 3, 4}, 1, syscall.SOCK_STREAM),
		NewInetAddress([4]byte{5, 6, 7, 8}, 2, syscall.SOCK_STREAM),
	}
	out := CloneAddressList(in)

	require.Len(t, out, 2)
	for i := range in {
		assert.True(t, in[i].Equal(out[i]))
	}
}

func TestAddressSerializeRoundTrip(t *testing.T) {
	cases := []Address{
		NewInetAddress([4]byte{192, 168, 1, 1}, 443, syscall.SOCK_STREAM),
		NewInet6Address([16]byte{0: 0x20, 1: 0x01, 15: 0x01}, 22, syscall.SOCK_STREAM),
		NewUnixAddress("/tmp/sock", syscall.SOCK_STREAM),
	}

	for _, want := range cases {
		got, err := DeserializeAddress(want.Serialize())
		require.NoError(t, err)
		assert.True(t, want.Equal(got))
	}
}

func TestDeserializeAddressTruncated(t *testing.T) {
	_, err := DeserializeAddress([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDeserializeAddressNamelenMismatch(t *testing.T) {
	a := NewInetAddress([4]byte{1, 1, 1, 1}, 53, syscall.SOCK_STREAM)
	raw := a.Serialize()
	raw = append(raw, 0xff)
	_, err := DeserializeAddress(raw)
	assert.Error(t, err)
}

func TestAddressPretty(t *testing.T) {
	inet := NewInetAddress([4]byte{10, 0, 0, 1}, 1234, syscall.SOCK_STREAM)
	assert.Equal(t, "[10.0.0.1]:1234", inet.Pretty())

	unix := NewUnixAddress("/run/spiped.sock", syscall.SOCK_STREAM)
	assert.Equal(t, "/run/spiped.sock", unix.Pretty())

	var zero Address
	assert.Equal(t, "Unknown address", zero.Pretty())
}

func TestAddressNetworkAddress(t *testing.T) {
	inet := NewInetAddress([4]byte{127, 0, 0, 1}, 9999, syscall.SOCK_STREAM)
	network, addr := inet.NetworkAddress()
	assert.Equal(t, "tcp", network)
	assert.Equal(t, "127.0.0.1:9999", addr)

	unix := NewUnixAddress("/tmp/x.sock", syscall.SOCK_STREAM)
	network, addr = unix.NetworkAddress()
	assert.Equal(t, "unix", network)
	assert.Equal(t, "/tmp/x.sock", addr)
}
