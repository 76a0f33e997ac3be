// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zerotrace/zerotrace/crypto"
)

func newRecordIdentity(t *testing.T) *crypto.Identity {
	id, err := crypto.NewIdentity()
	require.NoError(t, err)
	t.Cleanup(id.Destroy)
	return id
}

func TestRecordSignAndValidate(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	id := newRecordIdentity(t)
	rec := SignRecord(id, "http://abc.b32.i2p")
	require.NoError(rec.Validate(time.Now()))

	blob, err := rec.Marshal()
	require.NoError(err)
	parsed, err := ParseRecord(blob, time.Now())
	require.NoError(err)
	require.Equal(rec.Identifier, parsed.Identifier)
	require.Equal(rec.Addr, parsed.Addr)
}

func TestRecordRejection(t *testing.T) {
	t.Parallel()

	id := newRecordIdentity(t)
	other := newRecordIdentity(t)

	cases := []struct {
		name   string
		mutate func(*Record)
		want   error
	}{
		{"tampered addr", func(r *Record) { r.Addr = "http://evil.b32.i2p" }, crypto.ErrInvalidSignature},
		{"tampered signature", func(r *Record) { r.AddrSignature[0] ^= 0x01 }, crypto.ErrInvalidSignature},
		{"stale", func(r *Record) { r.Ts = time.Now().Add(-8 * 24 * time.Hour).Unix() }, ErrStaleRecord},
		{"identifier mismatch", func(r *Record) { r.Identifier = other.Identifier() }, crypto.ErrIdentifierMismatch},
		{"foreign keys", func(r *Record) {
			r.KEMPublicKey = other.Public().KEMPublicKey
			r.SigPublicKey = other.Public().SigPublicKey
		}, crypto.ErrIdentifierMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := SignRecord(id, "http://abc.b32.i2p")
			tc.mutate(rec)
			require.ErrorIs(t, rec.Validate(time.Now()), tc.want)
		})
	}
}

func TestRecordOversize(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	blob := make([]byte, MaxRecordSize+1)
	_, err := ParseRecord(blob, time.Now())
	require.ErrorIs(err, ErrOversizeRecord)

	_, err = ParseRecord([]byte("not json"), time.Now())
	require.ErrorIs(err, ErrMalformedRecord)
}
