// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto implements the ZeroTrace message engine: post-quantum
// identities, the password sealed keystore, and the hybrid wire envelope.
package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem512"
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"

	"github.com/zerotrace/zerotrace/core/utils"
)

var (
	kemScheme kem.Scheme  = mlkem512.Scheme()
	sigScheme sign.Scheme = mldsa44.Scheme()
)

// Key material sizes are wire binding.
const (
	KEMPublicKeySize  = 800
	KEMPrivateKeySize = 1632
	KEMCiphertextSize = 768
	SigPublicKeySize  = 1312
	SigPrivateKeySize = 2560
	SignatureSize     = 2420

	// IdentifierLength is the length of the base64url encoded identifier.
	IdentifierLength = 44
)

// Identifier derives the self-certifying identifier for a public key pair:
// base64url(SHA-256(kem_pk | sig_pk)).
func Identifier(kemPublic, sigPublic []byte) string {
	h := sha256.New()
	h.Write(kemPublic)
	h.Write(sigPublic)
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

// PublicIdentity is the public half of an identity: the two public keys and
// the identifier they certify.
type PublicIdentity struct {
	Identifier   string
	KEMPublicKey []byte
	SigPublicKey []byte
}

// Validate checks the structural bounds of the public identity and enforces
// the identifier binding invariant.  Any party receiving a claimed
// (identifier, kem_pk, sig_pk) triple MUST call this before trusting it.
func (p *PublicIdentity) Validate() error {
	if len(p.KEMPublicKey) != KEMPublicKeySize || len(p.SigPublicKey) != SigPublicKeySize {
		return ErrMalformed
	}
	if Identifier(p.KEMPublicKey, p.SigPublicKey) != p.Identifier {
		return ErrIdentifierMismatch
	}
	return nil
}

// Identity holds an unlocked key pair set.  The secret key buffers are owned
// by the Identity and are wiped by Destroy.
type Identity struct {
	identifier string

	kemPublic  kem.PublicKey
	kemPrivate kem.PrivateKey
	sigPublic  sign.PublicKey
	sigPrivate sign.PrivateKey

	kemPublicBytes []byte
	sigPublicBytes []byte

	// Raw secret key copies, retained so they can be zeroized and resealed.
	kemPrivateBytes []byte
	sigPrivateBytes []byte
}

// NewIdentity generates a fresh ML-KEM-512 + ML-DSA-44 key pair set and
// derives its identifier.
func NewIdentity() (*Identity, error) {
	kemPub, kemPriv, err := kemScheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	sigPub, sigPriv, err := sigScheme.GenerateKey()
	if err != nil {
		return nil, err
	}
	return identityFromKeys(kemPub, kemPriv, sigPub, sigPriv)
}

// identityFromRaw reconstructs an Identity from raw key material, taking
// ownership of the secret buffers.
func identityFromRaw(kemPublic, kemPrivate, sigPublic, sigPrivate []byte) (*Identity, error) {
	kemPub, err := kemScheme.UnmarshalBinaryPublicKey(kemPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
	}
	kemPriv, err := kemScheme.UnmarshalBinaryPrivateKey(kemPrivate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
	}
	sigPub, err := sigScheme.UnmarshalBinaryPublicKey(sigPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
	}
	sigPriv, err := sigScheme.UnmarshalBinaryPrivateKey(sigPrivate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
	}

	id := &Identity{
		identifier:      Identifier(kemPublic, sigPublic),
		kemPublic:       kemPub,
		kemPrivate:      kemPriv,
		sigPublic:       sigPub,
		sigPrivate:      sigPriv,
		kemPublicBytes:  append([]byte(nil), kemPublic...),
		sigPublicBytes:  append([]byte(nil), sigPublic...),
		kemPrivateBytes: kemPrivate,
		sigPrivateBytes: sigPrivate,
	}
	return id, nil
}

func identityFromKeys(kemPub kem.PublicKey, kemPriv kem.PrivateKey, sigPub sign.PublicKey, sigPriv sign.PrivateKey) (*Identity, error) {
	kemPublicBytes, err := kemPub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	sigPublicBytes, err := sigPub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	kemPrivateBytes, err := kemPriv.MarshalBinary()
	if err != nil {
		return nil, err
	}
	sigPrivateBytes, err := sigPriv.MarshalBinary()
	if err != nil {
		return nil, err
	}

	return &Identity{
		identifier:      Identifier(kemPublicBytes, sigPublicBytes),
		kemPublic:       kemPub,
		kemPrivate:      kemPriv,
		sigPublic:       sigPub,
		sigPrivate:      sigPriv,
		kemPublicBytes:  kemPublicBytes,
		sigPublicBytes:  sigPublicBytes,
		kemPrivateBytes: kemPrivateBytes,
		sigPrivateBytes: sigPrivateBytes,
	}, nil
}

// Identifier returns the self-certifying identifier.
func (id *Identity) Identifier() string {
	return id.identifier
}

// Public returns the public half of the identity.
func (id *Identity) Public() *PublicIdentity {
	return &PublicIdentity{
		Identifier:   id.identifier,
		KEMPublicKey: append([]byte(nil), id.kemPublicBytes...),
		SigPublicKey: append([]byte(nil), id.sigPublicBytes...),
	}
}

// Sign signs the given payload with the identity's ML-DSA-44 key.
func (id *Identity) Sign(payload []byte) []byte {
	return sigScheme.Sign(id.sigPrivate, payload, nil)
}

// Decapsulate recovers the shared secret from a KEM ciphertext.
func (id *Identity) Decapsulate(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != KEMCiphertextSize {
		return nil, ErrDecap
	}
	ss, err := kemScheme.Decapsulate(id.kemPrivate, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecap, err)
	}
	return ss, nil
}

// Destroy wipes the identity's secret key buffers.  The Identity must not be
// used afterwards.
func (id *Identity) Destroy() {
	utils.ExplicitBzero(id.kemPrivateBytes)
	utils.ExplicitBzero(id.sigPrivateBytes)
	id.kemPrivate = nil
	id.sigPrivate = nil
}

// VerifyPayload verifies an ML-DSA-44 signature over payload with the given
// raw public key.
func VerifyPayload(sigPublic, payload, signature []byte) error {
	if len(signature) != SignatureSize {
		return ErrInvalidSignature
	}
	pk, err := sigScheme.UnmarshalBinaryPublicKey(sigPublic)
	if err != nil {
		return ErrMalformed
	}
	if !sigScheme.Verify(pk, payload, signature, nil) {
		return ErrInvalidSignature
	}
	return nil
}

// Encapsulate generates a fresh shared secret against the given raw KEM
// public key and returns (sharedSecret, kemCiphertext).
func Encapsulate(kemPublic []byte) ([]byte, []byte, error) {
	pk, err := kemScheme.UnmarshalBinaryPublicKey(kemPublic)
	if err != nil {
		return nil, nil, ErrMalformed
	}
	ct, ss, err := kemScheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, err
	}
	return ss, ct, nil
}
