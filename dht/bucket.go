// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import "time"

// BucketSize is k, the redundancy factor.
const BucketSize = 20

// replacementCacheSize bounds the per-bucket overflow cache from which
// evicted entries are replaced.
const replacementCacheSize = 8

type bucketEntry struct {
	node     NodeInfo
	lastSeen time.Time
}

// kBucket holds up to BucketSize peers sharing a distance prefix, least
// recently seen first, plus a bounded replacement cache.
type kBucket struct {
	entries     []bucketEntry
	replacement []bucketEntry
	lastUpdated time.Time
}

func (b *kBucket) find(id ID) int {
	for i := range b.entries {
		if b.entries[i].node.ID == id {
			return i
		}
	}
	return -1
}

// update records activity from node.  Known nodes move to the tail (most
// recently seen); new nodes append when there is room and otherwise land in
// the replacement cache.  Returns true when the node resides in the bucket.
func (b *kBucket) update(node NodeInfo, now time.Time) bool {
	b.lastUpdated = now
	if i := b.find(node.ID); i >= 0 {
		e := b.entries[i]
		e.node = node
		e.lastSeen = now
		b.entries = append(append(b.entries[:i], b.entries[i+1:]...), e)
		return true
	}
	if len(b.entries) < BucketSize {
		b.entries = append(b.entries, bucketEntry{node: node, lastSeen: now})
		return true
	}

	// Full bucket: stash in the replacement cache, evicting its oldest.
	for i := range b.replacement {
		if b.replacement[i].node.ID == node.ID {
			b.replacement[i].lastSeen = now
			b.replacement[i].node = node
			return false
		}
	}
	if len(b.replacement) >= replacementCacheSize {
		b.replacement = b.replacement[1:]
	}
	b.replacement = append(b.replacement, bucketEntry{node: node, lastSeen: now})
	return false
}

// remove evicts id from the bucket, promoting the freshest replacement
// cache entry into the vacancy.
func (b *kBucket) remove(id ID) {
	i := b.find(id)
	if i < 0 {
		return
	}
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	if n := len(b.replacement); n > 0 {
		promoted := b.replacement[n-1]
		b.replacement = b.replacement[:n-1]
		b.entries = append(b.entries, promoted)
	}
}
