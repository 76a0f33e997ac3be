// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package dht implements the Kademlia directory: a self-certifying mapping
// from user identifiers to signed address records, maintained over the
// anonymity overlay.
package dht

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/bits"
	"sort"

	"github.com/katzenpost/hpqc/rand"
)

// IDLength is the node/key ID size in bytes.  IDs live in the same 256 bit
// space as SHA-256 outputs.
const IDLength = 32

// IDBits is the number of bits in an ID, and the number of k-buckets.
const IDBits = IDLength * 8

// ID is a 256 bit Kademlia identifier, compared under the XOR metric.
type ID [IDLength]byte

// RandomID returns a uniformly random ID.
func RandomID() ID {
	var id ID
	if _, err := rand.Reader.Read(id[:]); err != nil {
		panic(err)
	}
	return id
}

// KeyForIdentifier maps a user identifier onto the DHT key space.
func KeyForIdentifier(identifier string) ID {
	return ID(sha256.Sum256([]byte(identifier)))
}

// IDFromHex parses a hex encoded ID.
func IDFromHex(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != IDLength {
		return id, fmt.Errorf("dht: invalid id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

// Hex returns the lowercase hex encoding of the ID.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Distance returns the XOR distance between two IDs.
func (id ID) Distance(other ID) ID {
	var d ID
	for i := range d {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// BucketIndex returns the k-bucket index for the distance between id and
// other: the index of the highest differing bit, with 0 meaning the far
// half of the key space.  Equal IDs map to the last bucket.
func (id ID) BucketIndex(other ID) int {
	d := id.Distance(other)
	for i, b := range d {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return IDBits - 1
}

// Less reports whether id is closer to target than other.
func (id ID) Less(other, target ID) bool {
	a := id.Distance(target)
	b := other.Distance(target)
	return bytes.Compare(a[:], b[:]) < 0
}

// RandomIDInBucket returns a random ID whose distance from self falls into
// the given bucket, used by the hourly refresh to probe stale ranges.
func RandomIDInBucket(self ID, bucket int) ID {
	id := RandomID()
	// Shared prefix up to the bucket bit, that bit flipped, the tail random.
	byteIdx, bitIdx := bucket/8, uint(bucket%8)
	copy(id[:byteIdx], self[:byteIdx])
	prefixMask := byte(0xff) << (8 - bitIdx)
	flip := byte(0x80) >> bitIdx
	id[byteIdx] = (self[byteIdx] & prefixMask) | (^self[byteIdx] & flip) | (id[byteIdx] &^ prefixMask &^ flip)
	return id
}

// NodeInfo is a (node_id, address) pair as carried in RPC responses.
type NodeInfo struct {
	ID   ID
	Addr string
	Port int
}

// URL returns the node's HTTP base URL.
func (n *NodeInfo) URL() string {
	return fmt.Sprintf("http://%s:%d", n.Addr, n.Port)
}

// MarshalJSON encodes the node as the wire triple [id_hex, addr, port].
func (n NodeInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{n.ID.Hex(), n.Addr, n.Port})
}

// UnmarshalJSON decodes the wire triple form.
func (n *NodeInfo) UnmarshalJSON(b []byte) error {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var idHex string
	if err := json.Unmarshal(raw[0], &idHex); err != nil {
		return err
	}
	id, err := IDFromHex(idHex)
	if err != nil {
		return err
	}
	n.ID = id
	if err := json.Unmarshal(raw[1], &n.Addr); err != nil {
		return err
	}
	return json.Unmarshal(raw[2], &n.Port)
}

// sortByDistance sorts nodes in place by XOR distance to target.
func sortByDistance(nodes []NodeInfo, target ID) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID.Less(nodes[j].ID, target)
	})
}
