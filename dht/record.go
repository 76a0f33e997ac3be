// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/zerotrace/zerotrace/crypto"
)

// Record validity bounds.
const (
	// MaxRecordSize bounds the serialized record accepted on ingest.
	MaxRecordSize = 10 * 1024

	// MaxRecordAge is the oldest timestamp accepted on ingest; originators
	// re-publish well inside it.
	MaxRecordAge = 7 * 24 * time.Hour
)

var (
	// ErrNotFound is returned when a lookup exhausts the network without a
	// valid record.
	ErrNotFound = errors.New("dht: not found")

	// ErrStaleRecord is returned for records older than MaxRecordAge.
	ErrStaleRecord = errors.New("dht: stale record")

	// ErrOversizeRecord is returned for records above MaxRecordSize.
	ErrOversizeRecord = errors.New("dht: oversize record")

	// ErrMalformedRecord is returned for records that do not parse.
	ErrMalformedRecord = errors.New("dht: malformed record")
)

// Record is a signed directory entry mapping an identifier to its overlay
// address and public keys.  The signature covers the address string.
type Record struct {
	Identifier    string `json:"identifier"`
	KEMPublicKey  []byte `json:"kem_pk"`
	SigPublicKey  []byte `json:"sig_pk"`
	Addr          string `json:"addr"`
	Ts            int64  `json:"ts"`
	AddrSignature []byte `json:"addr_signature"`
}

// SignRecord builds a fresh record binding addr to the identity.
func SignRecord(id *crypto.Identity, addr string) *Record {
	pub := id.Public()
	return &Record{
		Identifier:    pub.Identifier,
		KEMPublicKey:  pub.KEMPublicKey,
		SigPublicKey:  pub.SigPublicKey,
		Addr:          addr,
		Ts:            time.Now().Unix(),
		AddrSignature: id.Sign([]byte(addr)),
	}
}

// Marshal serializes the record to its stored/wire form.
func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// ParseRecord deserializes and fully validates a record.  Every ingest path
// (store RPC, lookup response) goes through here; nothing unvalidated is
// stored or returned to callers.
func ParseRecord(blob []byte, now time.Time) (*Record, error) {
	if len(blob) > MaxRecordSize {
		return nil, ErrOversizeRecord
	}
	r := new(Record)
	if err := json.Unmarshal(blob, r); err != nil {
		return nil, ErrMalformedRecord
	}
	if err := r.Validate(now); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate enforces the ingest rules: identifier binding, address
// signature, freshness.
func (r *Record) Validate(now time.Time) error {
	pub := &crypto.PublicIdentity{
		Identifier:   r.Identifier,
		KEMPublicKey: r.KEMPublicKey,
		SigPublicKey: r.SigPublicKey,
	}
	if err := pub.Validate(); err != nil {
		return err
	}
	if err := crypto.VerifyPayload(r.SigPublicKey, []byte(r.Addr), r.AddrSignature); err != nil {
		return err
	}
	if now.Unix()-r.Ts > int64(MaxRecordAge/time.Second) {
		return ErrStaleRecord
	}
	return nil
}

// Public returns the record's public identity.
func (r *Record) Public() *crypto.PublicIdentity {
	return &crypto.PublicIdentity{
		Identifier:   r.Identifier,
		KEMPublicKey: r.KEMPublicKey,
		SigPublicKey: r.SigPublicKey,
	}
}
