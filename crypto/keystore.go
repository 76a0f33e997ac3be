// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/scrypt"

	"github.com/zerotrace/zerotrace/core/utils"
)

const (
	// DefaultKeysFile is the default sealed keystore filename.
	DefaultKeysFile = "user_keys.json"

	keystoreSaltSize  = 16
	keystoreNonceSize = 12

	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1
	kdfSize = 32
)

var keycheckInput = []byte("keycheck")

// sealedKeys is the at-rest form of an identity.
type sealedKeys struct {
	Salt         string `json:"salt"`
	Nonce        string `json:"nonce"`
	KEMPublicKey string `json:"kem_pk"`
	SigPublicKey string `json:"sig_pk"`
	EncKeys      string `json:"enc_keys"`
	Keycheck     string `json:"keycheck"`
}

func deriveKeystoreKey(password, salt []byte) ([]byte, error) {
	return scrypt.Key(password, salt, scryptN, scryptR, scryptP, kdfSize)
}

func keycheckMAC(key []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(keycheckInput)
	return m.Sum(nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(blk)
}

// SealIdentity seals id under password and atomically writes the sealed
// keystore to path.  The password buffer is wiped before return.
func SealIdentity(path string, id *Identity, password []byte) error {
	defer utils.ExplicitBzero(password)

	salt := make([]byte, keystoreSaltSize)
	if _, err := rand.Reader.Read(salt); err != nil {
		return err
	}
	nonce := make([]byte, keystoreNonceSize)
	if _, err := rand.Reader.Read(nonce); err != nil {
		return err
	}

	key, err := deriveKeystoreKey(password, salt)
	if err != nil {
		return err
	}
	defer utils.ExplicitBzero(key)

	aead, err := newGCM(key)
	if err != nil {
		return err
	}

	secrets := make([]byte, 0, KEMPrivateKeySize+SigPrivateKeySize)
	secrets = append(secrets, id.kemPrivateBytes...)
	secrets = append(secrets, id.sigPrivateBytes...)
	defer utils.ExplicitBzero(secrets)

	enc := base64.URLEncoding
	sealed := &sealedKeys{
		Salt:         enc.EncodeToString(salt),
		Nonce:        enc.EncodeToString(nonce),
		KEMPublicKey: enc.EncodeToString(id.kemPublicBytes),
		SigPublicKey: enc.EncodeToString(id.sigPublicBytes),
		EncKeys:      enc.EncodeToString(aead.Seal(nil, nonce, secrets, nil)),
		Keycheck:     enc.EncodeToString(keycheckMAC(key)),
	}

	blob, err := json.MarshalIndent(sealed, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, blob)
}

// UnsealIdentity unseals the keystore at path with password.  It fails with
// ErrWrongPassword when the keycheck MAC mismatches (without ever touching
// the AEAD) and with ErrCorruptKeystore when the sealed keys fail to open.
// The password buffer is wiped before return.
func UnsealIdentity(path string, password []byte) (*Identity, error) {
	defer utils.ExplicitBzero(password)

	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sealed := new(sealedKeys)
	if err = json.Unmarshal(blob, sealed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKeystore, err)
	}

	enc := base64.URLEncoding
	salt, err := enc.DecodeString(sealed.Salt)
	if err != nil || len(salt) != keystoreSaltSize {
		return nil, ErrCorruptKeystore
	}
	nonce, err := enc.DecodeString(sealed.Nonce)
	if err != nil || len(nonce) != keystoreNonceSize {
		return nil, ErrCorruptKeystore
	}
	keycheck, err := enc.DecodeString(sealed.Keycheck)
	if err != nil {
		return nil, ErrCorruptKeystore
	}
	kemPublic, err := enc.DecodeString(sealed.KEMPublicKey)
	if err != nil {
		return nil, ErrCorruptKeystore
	}
	sigPublic, err := enc.DecodeString(sealed.SigPublicKey)
	if err != nil {
		return nil, ErrCorruptKeystore
	}
	encKeys, err := enc.DecodeString(sealed.EncKeys)
	if err != nil {
		return nil, ErrCorruptKeystore
	}

	key, err := deriveKeystoreKey(password, salt)
	if err != nil {
		return nil, err
	}
	defer utils.ExplicitBzero(key)

	// Fast password check, done before the AEAD is ever attempted so a
	// mistyped password never exercises the ciphertext path.
	if !utils.CtCompare(keycheckMAC(key), keycheck) {
		return nil, ErrWrongPassword
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	secrets, err := aead.Open(nil, nonce, encKeys, nil)
	if err != nil {
		return nil, ErrCorruptKeystore
	}
	if len(secrets) != KEMPrivateKeySize+SigPrivateKeySize {
		utils.ExplicitBzero(secrets)
		return nil, ErrCorruptKeystore
	}

	id, err := identityFromRaw(kemPublic, secrets[:KEMPrivateKeySize], sigPublic, secrets[KEMPrivateKeySize:])
	if err != nil {
		utils.ExplicitBzero(secrets)
		return nil, err
	}
	return id, nil
}

// writeFileAtomic writes blob to path via a temporary file in the same
// directory, fsyncs, and renames it into place.
func writeFileAtomic(path string, blob []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	if _, err = f.Write(blob); err != nil {
		f.Close()
		os.Remove(tmpName)
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpName)
		return err
	}
	if err = f.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err = os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
