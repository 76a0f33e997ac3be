// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/hkdf"

	"github.com/zerotrace/zerotrace/core/utils"
)

// TTL and retry budgets.  Values are randomized at creation and decremented
// by random amounts per hop so that a captured message does not expose its
// hop distance.
const (
	TTLMax      = 12
	TTLMin      = 8
	MaxRetryMax = 7
	MaxRetryMin = 3
)

// WireMessage is the outer envelope transmitted on /send.  Byte fields are
// standard base64 with padding on the wire, which is precisely what
// encoding/json does for []byte.
//
// The signature covers the inner payload only.  The outer fields (current
// node, recipient, TTL, retry budget) are not authenticated, so a relay can
// alter them without invalidating the message.
type WireMessage struct {
	CurrentNodeID string `json:"current_node_identifier"`
	RecipientID   string `json:"recipient_identifier"`
	KEMCiphertext []byte `json:"shared_secret_ciphertext"`
	MsgCiphertext []byte `json:"message_ciphertext"`
	Nonce         []byte `json:"nonce"`
	Signature     []byte `json:"signature"`
	TTL           int    `json:"ttl"`
	MaxRetry      int    `json:"max_recursive_contact"`
}

// Validate enforces the structural bounds of the wire format.
func (w *WireMessage) Validate() error {
	switch {
	case len(w.RecipientID) != IdentifierLength:
		return ErrMalformed
	case len(w.KEMCiphertext) != KEMCiphertextSize:
		return ErrMalformed
	case len(w.Nonce) != aeadNonceSize:
		return ErrMalformed
	case len(w.Signature) != SignatureSize:
		return ErrMalformed
	case len(w.MsgCiphertext) == 0:
		return ErrMalformed
	case w.TTL < 0 || w.TTL > TTLMax:
		return ErrMalformed
	case w.MaxRetry < 0 || w.MaxRetry > MaxRetryMax:
		return ErrMalformed
	}
	return nil
}

// innerPayload is the signed, AEAD-encrypted content.  The struct field
// order fixes the canonical on-wire key order; the exact byte sequence
// emitted here is what is signed and what is verified.
type innerPayload struct {
	Addr         string `json:"addr"`
	Msg          []byte `json:"msg"`
	SenderID     string `json:"sender_id"`
	Ts           int64  `json:"ts"`
	SigPublicKey []byte `json:"sig_pk"`
	KEMPublicKey []byte `json:"kem_pk"`
}

// DecryptedMessage is the result of opening a wire message addressed to us.
type DecryptedMessage struct {
	Msg      []byte
	SenderID string
	Addr     string
	Ts       int64
	Sender   *PublicIdentity
}

const aeadNonceSize = 12

// deriveMessageKey derives the AEAD key from a KEM shared secret:
// HKDF-SHA256 with empty salt and empty info, 32 bytes out.  The empty
// salt/info preserve wire compatibility with the source system.
func deriveMessageKey(sharedSecret []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, nil), key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptMessage builds a wire message carrying plaintext for the recipient.
// The sender's address, identifier, and public keys ride inside the sealed
// payload so the recipient can reply and verify the identifier binding.
func EncryptMessage(id *Identity, selfAddr string, recipient *PublicIdentity, plaintext []byte) (*WireMessage, error) {
	if err := recipient.Validate(); err != nil {
		return nil, err
	}

	inner, err := json.Marshal(&innerPayload{
		Addr:         selfAddr,
		Msg:          plaintext,
		SenderID:     id.Identifier(),
		Ts:           time.Now().Unix(),
		SigPublicKey: id.sigPublicBytes,
		KEMPublicKey: id.kemPublicBytes,
	})
	if err != nil {
		return nil, err
	}

	ss, kemCt, err := Encapsulate(recipient.KEMPublicKey)
	if err != nil {
		return nil, err
	}
	defer utils.ExplicitBzero(ss)

	key, err := deriveMessageKey(ss)
	if err != nil {
		return nil, err
	}
	defer utils.ExplicitBzero(key)

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aeadNonceSize)
	if _, err := rand.Reader.Read(nonce); err != nil {
		return nil, err
	}

	mrand := rand.NewMath()
	return &WireMessage{
		CurrentNodeID: id.Identifier(),
		RecipientID:   recipient.Identifier,
		KEMCiphertext: kemCt,
		MsgCiphertext: aead.Seal(nil, nonce, inner, nil),
		Nonce:         nonce,
		Signature:     id.Sign(inner),
		TTL:           TTLMin + mrand.Intn(TTLMax-TTLMin+1),
		MaxRetry:      MaxRetryMin + mrand.Intn(MaxRetryMax-MaxRetryMin+1),
	}, nil
}

// DecryptMessage opens a wire message addressed to id.  It decapsulates,
// opens the AEAD, verifies the payload signature, and enforces the sender
// identifier binding, in that order.
func DecryptMessage(id *Identity, w *WireMessage) (*DecryptedMessage, error) {
	if w.RecipientID != id.Identifier() {
		return nil, fmt.Errorf("%w: not addressed to this node", ErrMalformed)
	}

	ss, err := id.Decapsulate(w.KEMCiphertext)
	if err != nil {
		return nil, err
	}
	defer utils.ExplicitBzero(ss)

	key, err := deriveMessageKey(ss)
	if err != nil {
		return nil, err
	}
	defer utils.ExplicitBzero(key)

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(w.Nonce) != aeadNonceSize {
		return nil, ErrMalformed
	}
	innerBytes, err := aead.Open(nil, w.Nonce, w.MsgCiphertext, nil)
	if err != nil {
		return nil, ErrAEAD
	}

	inner := new(innerPayload)
	if err = json.Unmarshal(innerBytes, inner); err != nil {
		return nil, ErrMalformed
	}

	// The signature is verified over the exact AEAD-opened bytes, not a
	// re-serialization.
	if err = VerifyPayload(inner.SigPublicKey, innerBytes, w.Signature); err != nil {
		return nil, err
	}

	sender := &PublicIdentity{
		Identifier:   inner.SenderID,
		KEMPublicKey: inner.KEMPublicKey,
		SigPublicKey: inner.SigPublicKey,
	}
	if err = sender.Validate(); err != nil {
		return nil, err
	}

	return &DecryptedMessage{
		Msg:      inner.Msg,
		SenderID: inner.SenderID,
		Addr:     inner.Addr,
		Ts:       inner.Ts,
		Sender:   sender,
	}, nil
}
