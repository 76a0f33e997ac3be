// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"sync"
	"time"
)

// Table is the Kademlia routing table: one k-bucket per distance prefix,
// guarded by a mutex.  Updates are short and O(k).
type Table struct {
	sync.Mutex

	self    ID
	buckets [IDBits]kBucket
}

// NewTable builds an empty routing table for the given self ID.
func NewTable(self ID) *Table {
	return &Table{self: self}
}

// Self returns the local node ID.
func (t *Table) Self() ID {
	return t.self
}

// Update records activity from node.  The local node is never inserted.
// Returns true when the node resides in a bucket afterwards.
func (t *Table) Update(node NodeInfo) bool {
	if node.ID == t.self {
		return false
	}
	t.Lock()
	defer t.Unlock()
	return t.buckets[t.self.BucketIndex(node.ID)].update(node, time.Now())
}

// Contains reports whether id is in the table.
func (t *Table) Contains(id ID) bool {
	if id == t.self {
		return false
	}
	t.Lock()
	defer t.Unlock()
	return t.buckets[t.self.BucketIndex(id)].find(id) >= 0
}

// Remove evicts id, promoting from the bucket's replacement cache.
func (t *Table) Remove(id ID) {
	t.Lock()
	defer t.Unlock()
	t.buckets[t.self.BucketIndex(id)].remove(id)
}

// Closest returns up to k nodes closest to target under the XOR metric.
func (t *Table) Closest(target ID, k int) []NodeInfo {
	t.Lock()
	nodes := make([]NodeInfo, 0, k)
	for i := range t.buckets {
		for j := range t.buckets[i].entries {
			nodes = append(nodes, t.buckets[i].entries[j].node)
		}
	}
	t.Unlock()

	sortByDistance(nodes, target)
	if len(nodes) > k {
		nodes = nodes[:k]
	}
	return nodes
}

// Len returns the number of nodes resident in buckets.
func (t *Table) Len() int {
	t.Lock()
	defer t.Unlock()
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].entries)
	}
	return n
}

// All returns every node resident in a bucket.
func (t *Table) All() []NodeInfo {
	t.Lock()
	defer t.Unlock()
	var nodes []NodeInfo
	for i := range t.buckets {
		for j := range t.buckets[i].entries {
			nodes = append(nodes, t.buckets[i].entries[j].node)
		}
	}
	return nodes
}

// StaleBuckets returns the indices of non-empty buckets untouched since
// cutoff, for the hourly refresh.
func (t *Table) StaleBuckets(cutoff time.Time) []int {
	t.Lock()
	defer t.Unlock()
	var idx []int
	for i := range t.buckets {
		if len(t.buckets[i].entries) > 0 && t.buckets[i].lastUpdated.Before(cutoff) {
			idx = append(idx, i)
		}
	}
	return idx
}

// UnseenSince returns nodes whose last recorded activity predates cutoff,
// for the liveness sweep.
func (t *Table) UnseenSince(cutoff time.Time) []NodeInfo {
	t.Lock()
	defer t.Unlock()
	var nodes []NodeInfo
	for i := range t.buckets {
		for j := range t.buckets[i].entries {
			if t.buckets[i].entries[j].lastSeen.Before(cutoff) {
				nodes = append(nodes, t.buckets[i].entries[j].node)
			}
		}
	}
	return nodes
}
