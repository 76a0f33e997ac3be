// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package i2p

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerotrace/zerotrace/config"
	"github.com/zerotrace/zerotrace/core/log"
)

func testLogBackend(t *testing.T) *log.Backend {
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

// fakeDestination builds a synthetic destination blob: fixed key material
// followed by a certificate of the given payload length.  It carries none of
// the trailing private key bytes a real key file would have.
func fakeDestination(certLen int) []byte {
	blob := make([]byte, destFixedLen)
	for i := range blob {
		blob[i] = byte(i)
	}
	cert := make([]byte, 3+certLen)
	cert[0] = 5 // key certificate
	binary.BigEndian.PutUint16(cert[1:3], uint16(certLen))
	blob = append(blob, cert...)
	return blob
}

func TestAddressFromDestination(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dest := fakeDestination(4)
	withTrailer := append(append([]byte{}, dest...), []byte("private key material")...)

	addr, err := AddressFromDestination(withTrailer)
	require.NoError(err)
	require.True(strings.HasSuffix(addr, ".b32.i2p"))
	// 32 hash bytes base32 encode to 52 characters.
	require.Len(addr, 52+len(".b32.i2p"))
	require.Equal(strings.ToLower(addr), addr)

	// The trailing private key bytes do not affect the address.
	addr2, err := AddressFromDestination(dest)
	require.NoError(err)
	require.Equal(addr, addr2)

	// A different certificate changes the destination and the address.
	other, err := AddressFromDestination(fakeDestination(6))
	require.NoError(err)
	require.NotEqual(addr, other)

	_, err = AddressFromDestination([]byte("way too short"))
	require.Error(err)
}

func TestManagerAddressResolution(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Configured address wins.
	m := NewManager(&config.I2P{Address: "abc.b32.i2p"}, testLogBackend(t))
	addr, err := m.LocalAddress()
	require.NoError(err)
	require.Equal("abc.b32.i2p", addr)

	// A non-overlay address is refused.
	m = NewManager(&config.I2P{Address: "example.com"}, testLogBackend(t))
	_, err = m.LocalAddress()
	require.Error(err)

	// Derived from the destination keys file.
	keysFile := filepath.Join(t.TempDir(), "zerotrace.dat")
	require.NoError(os.WriteFile(keysFile, fakeDestination(0), 0600))
	m = NewManager(&config.I2P{DestinationKeys: keysFile}, testLogBackend(t))
	addr, err = m.LocalAddress()
	require.NoError(err)
	require.True(strings.HasSuffix(addr, ".b32.i2p"))

	// Refresh drops the cache; the next query re-reads the file.
	require.NoError(os.WriteFile(keysFile, fakeDestination(8), 0600))
	m.Refresh()
	addr2, err := m.LocalAddress()
	require.NoError(err)
	require.NotEqual(addr, addr2)

	// No source at all is an error.
	m = NewManager(&config.I2P{}, testLogBackend(t))
	_, err = m.LocalAddress()
	require.Error(err)
}

func TestManagerProxyEndpoint(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m := NewManager(&config.I2P{ProxyEndpoint: "http://127.0.0.1:4444"}, testLogBackend(t))
	require.Equal("http://127.0.0.1:4444", m.ProxyEndpoint())

	m = NewManager(&config.I2P{Disable: true, ProxyEndpoint: "http://127.0.0.1:4444"}, testLogBackend(t))
	require.Empty(m.ProxyEndpoint())
	require.True(m.Disabled())
}
