// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// idInBucketZero builds distinct IDs that all collide into bucket 0 of a
// zero self ID.
func idInBucketZero(seq int) ID {
	var id ID
	id[0] = 0x80
	id[IDLength-1] = byte(seq)
	id[IDLength-2] = byte(seq >> 8)
	return id
}

func TestBucketOverflowAndEviction(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var self ID
	table := NewTable(self)

	// Fill one bucket past k; the overflow lands in the replacement cache.
	for i := 0; i < BucketSize+4; i++ {
		n := NodeInfo{ID: idInBucketZero(i), Addr: "h", Port: 1000 + i}
		resident := table.Update(n)
		require.Equal(i < BucketSize, resident, "node %d", i)
	}
	require.Equal(BucketSize, table.Len())

	// Evicting a resident promotes a cached node.
	require.True(table.Contains(idInBucketZero(3)))
	table.Remove(idInBucketZero(3))
	require.False(table.Contains(idInBucketZero(3)))
	require.Equal(BucketSize, table.Len())
	require.True(table.Contains(idInBucketZero(BucketSize+3)))
}

func TestTableNeverHoldsSelf(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	self := RandomID()
	table := NewTable(self)
	require.False(table.Update(NodeInfo{ID: self, Addr: "h", Port: 1}))
	require.Zero(table.Len())
}

func TestClosest(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	table := NewTable(RandomID())
	for i := 0; i < 100; i++ {
		table.Update(NodeInfo{ID: RandomID(), Addr: fmt.Sprintf("h%d", i), Port: i + 1})
	}

	target := RandomID()
	closest := table.Closest(target, BucketSize)
	require.Len(closest, BucketSize)
	for i := 1; i < len(closest); i++ {
		require.True(closest[i-1].ID.Less(closest[i].ID, target) || closest[i-1].ID == closest[i].ID)
	}

	// The result really is the global minimum over the table.
	all := table.All()
	sortByDistance(all, target)
	require.Equal(all[0].ID, closest[0].ID)
}
