// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNodeIDPersists(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "kademlia.db")
	s, err := OpenStorage(path)
	require.NoError(err)
	first, err := s.NodeID()
	require.NoError(err)
	again, err := s.NodeID()
	require.NoError(err)
	require.Equal(first, again)
	require.NoError(s.Close())

	s, err = OpenStorage(path)
	require.NoError(err)
	defer s.Close()
	reopened, err := s.NodeID()
	require.NoError(err)
	require.Equal(first, reopened)
}

func TestValueStore(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, err := OpenStorage(filepath.Join(t.TempDir(), "kademlia.db"))
	require.NoError(err)
	defer s.Close()

	key := RandomID()
	require.NoError(s.PutValue(key, []byte("v1"), time.Now(), false))
	got, err := s.GetValue(key)
	require.NoError(err)
	require.Equal([]byte("v1"), got)

	// Refresh overwrites, and the origin bit is sticky.
	require.NoError(s.PutValue(key, []byte("v2"), time.Now(), true))
	require.NoError(s.PutValue(key, []byte("v3"), time.Now(), false))
	values, err := s.Values()
	require.NoError(err)
	require.Len(values, 1)
	require.Equal([]byte("v3"), values[0].Value)
	require.True(values[0].Origin)

	require.NoError(s.DeleteValue(key))
	_, err = s.GetValue(key)
	require.ErrorIs(err, ErrNotFound)
}

func TestKnownNodes(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, err := OpenStorage(filepath.Join(t.TempDir(), "kademlia.db"))
	require.NoError(err)
	defer s.Close()

	fresh := NodeInfo{ID: RandomID(), Addr: "fresh.b32.i2p", Port: 80}
	stale := NodeInfo{ID: RandomID(), Addr: "stale.b32.i2p", Port: 80}
	require.NoError(s.StoreNode(fresh, time.Now()))
	require.NoError(s.StoreNode(stale, time.Now().Add(-30*24*time.Hour)))

	nodes, err := s.KnownNodes(time.Now().Add(-knownNodeMaxAge))
	require.NoError(err)
	require.Len(nodes, 1)
	require.Equal(fresh.ID, nodes[0].ID)

	require.NoError(s.DeleteNode(fresh.ID))
	nodes, err = s.KnownNodes(time.Now().Add(-knownNodeMaxAge))
	require.NoError(err)
	require.Empty(nodes)
}
