// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import "errors"

// Error kinds surfaced by the cryptographic engine.  Inbound message
// failures are never propagated to the wire; callers count them and drop.
var (
	// ErrWrongPassword is returned when the keycheck MAC does not match the
	// derived key.  The AEAD is never attempted in this case.
	ErrWrongPassword = errors.New("crypto: wrong password")

	// ErrCorruptKeystore is returned when the sealed keystore file does not
	// parse, or when the keycheck passes but the sealed secret keys fail to
	// decrypt or parse.
	ErrCorruptKeystore = errors.New("crypto: corrupt keystore")

	// ErrInvalidSignature is returned when the inner payload signature does
	// not verify under the sender's signing key.
	ErrInvalidSignature = errors.New("crypto: invalid signature")

	// ErrIdentifierMismatch is returned when a claimed identifier does not
	// equal the hash of the claimed public keys.
	ErrIdentifierMismatch = errors.New("crypto: identifier does not match public keys")

	// ErrDecap is returned on KEM decapsulation failure.
	ErrDecap = errors.New("crypto: decapsulation failure")

	// ErrAEAD is returned on an AEAD authentication failure.
	ErrAEAD = errors.New("crypto: AEAD open failure")

	// ErrMalformed is returned when a wire message or payload violates the
	// structural bounds of the wire format.
	ErrMalformed = errors.New("crypto: malformed message")
)
