// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := Default()
	require.Equal("127.0.0.1", cfg.Server.Host)
	require.Equal(8000, cfg.Server.Port)
	require.Equal("NOTICE", cfg.Logging.Level)
	require.Equal("http://127.0.0.1:4444", cfg.I2P.ProxyEndpoint)
	require.Equal(50, cfg.Debug.FetchBatch)

	require.Equal(filepath.Join(cfg.Server.DataDir, "user_keys.json"), cfg.KeysFile())
	require.Equal(filepath.Join(cfg.Server.DataDir, "zerotrace.db"), cfg.MessengerDB())
	require.Equal(filepath.Join(cfg.Server.DataDir, "kademlia.db"), cfg.DHTDB())
}

func TestLoadTOML(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg, err := Load([]byte(`
[Server]
Host = "127.0.0.1"
Port = 9000
DataDir = "/tmp/zt"

[Logging]
Level = "debug"

[I2P]
Disable = true

[DHT]
BootstrapAddr = "peer.b32.i2p"
BootstrapPort = 80
`))
	require.NoError(err)
	require.Equal(9000, cfg.Server.Port)
	require.Equal("DEBUG", cfg.Logging.Level)
	require.True(cfg.I2P.Disable)
	require.Equal("peer.b32.i2p", cfg.DHT.BootstrapAddr)
}

func TestInvalidLogLevel(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := Load([]byte(`
[Logging]
Level = "LOUD"
`))
	require.Error(err)
}
