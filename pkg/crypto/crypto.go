// Package crypto implements the backup core's crypto kernel: master-key
// derivation from a BIP-39 mnemonic, peer identity derivation, per-blob
// key/nonce derivation, AES-256-GCM chunk encryption, and Ed25519
// signing, grounded in the teacher's identity and noiseik key-handling
// idiom but generalized to the whole core instead of session keys alone.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/WebFirstLanguage/beenet/pkg/constants"
	"github.com/WebFirstLanguage/beenet/pkg/errs"
)

// MasterKey is the root secret a mnemonic derives; every other key in the
// core is an HKDF-Expand of this value under a distinct info string.
type MasterKey [constants.MasterKeySize]byte

// EncryptedBlob is the AEAD output as produced by EncryptChunk: the nonce,
// held in its own field, and the ciphertext with the GCM tag appended.
type EncryptedBlob struct {
	Nonce      [constants.BlobNonceSize]byte
	Ciphertext []byte
}

const (
	infoPeerSigning  = "backup-core/peer-signing/v1"
	infoPeerKeyAgree = "backup-core/peer-keyagree/v1"
	infoBlobKey      = "backup-core/blob-key/v1"
	infoBlobNonce    = "backup-core/blob-nonce/v1"
)

// DeriveMaster turns a BIP-39 mnemonic into a MasterKey. The mnemonic's
// entropy, not its seed, is hashed through HKDF so a wrong passphrase
// cannot silently succeed (go-bip39 seeds always derive, passphrase or
// not; hkdf over the raw entropy avoids that ambiguity).
func DeriveMaster(mnemonic string) (MasterKey, error) {
	var mk MasterKey
	if !bip39.IsMnemonicValid(mnemonic) {
		return mk, fmt.Errorf("crypto: invalid mnemonic")
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return mk, fmt.Errorf("crypto: mnemonic entropy: %w", err)
	}
	if err := expand(entropy, "backup-core/master/v1", mk[:]); err != nil {
		return mk, err
	}
	return mk, nil
}

// NewMnemonic generates a fresh 24-word BIP-39 mnemonic for new identities.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("crypto: entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// DerivePeerSigningKey derives the Ed25519 peer-id keypair from the master
// key. This is deliberately distinct from the master key itself: leaking a
// peer-id signing key must never expose backup content.
func DerivePeerSigningKey(mk MasterKey) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	if err := expand(mk[:], infoPeerSigning, seed); err != nil {
		return nil, nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv, nil
}

// DerivePeerKeyAgreement derives the X25519 key-agreement keypair used for
// Noise-IK peer session handshakes.
func DerivePeerKeyAgreement(mk MasterKey) (pub, priv [32]byte, err error) {
	if err = expand(mk[:], infoPeerKeyAgree, priv[:]); err != nil {
		return pub, priv, err
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub, priv, nil
}

// DeriveBlobKey derives the AES-256-GCM key and nonce for a single
// content-addressed blob. Binding the derivation to contentID means every
// chunk gets an independent key/nonce pair without a counter, so
// encrypting the same plaintext twice under the same master key always
// produces the same key material (required for client-side dedup) without
// ever reusing a nonce across distinct content.
func DeriveBlobKey(mk MasterKey, contentID []byte) (key [constants.BlobKeySize]byte, nonce [constants.BlobNonceSize]byte, err error) {
	if err = expand(mk[:], infoBlobKey, key[:], contentID); err != nil {
		return key, nonce, err
	}
	if err = expand(mk[:], infoBlobNonce, nonce[:], contentID); err != nil {
		return key, nonce, err
	}
	return key, nonce, nil
}

// EncryptChunk seals plaintext with AES-256-GCM under key/nonce, using
// contentID as additional authenticated data so a ciphertext can never be
// replayed under the wrong content-id.
func EncryptChunk(key [constants.BlobKeySize]byte, nonce [constants.BlobNonceSize]byte, contentID, plaintext []byte) (*EncryptedBlob, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce[:], plaintext, contentID)
	return &EncryptedBlob{Nonce: nonce, Ciphertext: ct}, nil
}

// DecryptChunk opens a blob sealed by EncryptChunk, returning an AuthFailed
// errs.Error on tag mismatch or tamper.
func DecryptChunk(key [constants.BlobKeySize]byte, blob *EncryptedBlob, contentID []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, blob.Nonce[:], blob.Ciphertext, contentID)
	if err != nil {
		return nil, errs.NewAuthFailed("crypto: decrypt chunk", err)
	}
	return pt, nil
}

func newGCM(key [constants.BlobKeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return aead, nil
}

// Sign produces an Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks an Ed25519 signature over msg.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// expand runs HKDF-SHA256 over secret with no salt, using info with any
// extra byte slices appended to it, writing len(out) bytes into out.
func expand(secret []byte, info string, out []byte, extra ...[]byte) error {
	fullInfo := []byte(info)
	for _, e := range extra {
		fullInfo = append(fullInfo, e...)
	}
	r := hkdf.New(sha256.New, secret, nil, fullInfo)
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("crypto: hkdf expand: %w", err)
	}
	return nil
}

// RandomBytes returns n cryptographically random bytes from crypto/rand,
// for values outside the deterministic blob-key path.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: random: %w", err)
	}
	return b, nil
}
