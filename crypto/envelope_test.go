// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/sha256"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"
)

func newTestIdentity(t *testing.T) *Identity {
	id, err := NewIdentity()
	require.NoError(t, err)
	t.Cleanup(id.Destroy)
	return id
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	w, err := EncryptMessage(alice, "http://alice.b32.i2p", bob.Public(), []byte("hello bob"))
	require.NoError(err)

	require.Equal(alice.Identifier(), w.CurrentNodeID)
	require.Equal(bob.Identifier(), w.RecipientID)
	require.GreaterOrEqual(w.TTL, TTLMin)
	require.LessOrEqual(w.TTL, TTLMax)
	require.GreaterOrEqual(w.MaxRetry, MaxRetryMin)
	require.LessOrEqual(w.MaxRetry, MaxRetryMax)
	require.NoError(w.Validate())

	msg, err := DecryptMessage(bob, w)
	require.NoError(err)
	require.Equal([]byte("hello bob"), msg.Msg)
	require.Equal(alice.Identifier(), msg.SenderID)
	require.Equal("http://alice.b32.i2p", msg.Addr)
	require.InDelta(time.Now().Unix(), msg.Ts, 10)
	require.NoError(msg.Sender.Validate())
}

func TestEnvelopeWireFieldNames(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	w, err := EncryptMessage(alice, "", bob.Public(), []byte("x"))
	require.NoError(err)

	blob, err := json.Marshal(w)
	require.NoError(err)
	var fields map[string]interface{}
	require.NoError(json.Unmarshal(blob, &fields))
	for _, name := range []string{
		"current_node_identifier", "recipient_identifier", "shared_secret_ciphertext",
		"message_ciphertext", "nonce", "signature", "ttl", "max_recursive_contact",
	} {
		require.Contains(fields, name)
	}
}

func TestEnvelopeMutationRejected(t *testing.T) {
	t.Parallel()

	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	mutations := []struct {
		name   string
		mutate func(*WireMessage)
	}{
		{"kem_ct", func(w *WireMessage) { w.KEMCiphertext[3] ^= 0x01 }},
		{"msg_ct", func(w *WireMessage) { w.MsgCiphertext[3] ^= 0x01 }},
		{"nonce", func(w *WireMessage) { w.Nonce[3] ^= 0x01 }},
		{"sig", func(w *WireMessage) { w.Signature[3] ^= 0x01 }},
	}
	for _, tc := range mutations {
		t.Run(tc.name, func(t *testing.T) {
			w, err := EncryptMessage(alice, "", bob.Public(), []byte("payload"))
			require.NoError(t, err)
			tc.mutate(w)
			_, err = DecryptMessage(bob, w)
			require.Error(t, err)
		})
	}
}

// A payload whose sender_id does not hash from its keys must be rejected
// even though the signature verifies.
func TestEnvelopeSenderBindingEnforced(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	inner, err := json.Marshal(&innerPayload{
		Addr:         "http://alice.b32.i2p",
		Msg:          []byte("spoof"),
		SenderID:     bob.Identifier(), // wrong: Alice's keys, Bob's identifier
		Ts:           time.Now().Unix(),
		SigPublicKey: alice.Public().SigPublicKey,
		KEMPublicKey: alice.Public().KEMPublicKey,
	})
	require.NoError(err)

	ss, kemCt, err := Encapsulate(bob.Public().KEMPublicKey)
	require.NoError(err)
	key := make([]byte, 32)
	_, err = io.ReadFull(hkdf.New(sha256.New, ss, nil, nil), key)
	require.NoError(err)
	aead, err := newGCM(key)
	require.NoError(err)
	nonce := make([]byte, aeadNonceSize)

	w := &WireMessage{
		CurrentNodeID: alice.Identifier(),
		RecipientID:   bob.Identifier(),
		KEMCiphertext: kemCt,
		MsgCiphertext: aead.Seal(nil, nonce, inner, nil),
		Nonce:         nonce,
		Signature:     alice.Sign(inner), // valid signature over the payload
		TTL:           10,
		MaxRetry:      5,
	}

	_, err = DecryptMessage(bob, w)
	require.ErrorIs(err, ErrIdentifierMismatch)
}

func TestEnvelopeNotForUs(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	alice := newTestIdentity(t)
	bob := newTestIdentity(t)
	carol := newTestIdentity(t)

	w, err := EncryptMessage(alice, "", bob.Public(), []byte("for bob"))
	require.NoError(err)
	_, err = DecryptMessage(carol, w)
	require.ErrorIs(err, ErrMalformed)
}

func TestWireValidateBounds(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	alice := newTestIdentity(t)
	bob := newTestIdentity(t)

	w, err := EncryptMessage(alice, "", bob.Public(), []byte("x"))
	require.NoError(err)
	require.NoError(w.Validate())

	cases := []func(*WireMessage){
		func(w *WireMessage) { w.TTL = TTLMax + 1 },
		func(w *WireMessage) { w.TTL = -1 },
		func(w *WireMessage) { w.MaxRetry = MaxRetryMax + 1 },
		func(w *WireMessage) { w.MaxRetry = -1 },
		func(w *WireMessage) { w.Nonce = w.Nonce[:8] },
		func(w *WireMessage) { w.Signature = w.Signature[:100] },
		func(w *WireMessage) { w.KEMCiphertext = nil },
		func(w *WireMessage) { w.RecipientID = "short" },
	}
	for i, mutate := range cases {
		dup := *w
		mutate(&dup)
		require.ErrorIs(dup.Validate(), ErrMalformed, "case %d", i)
	}
}
