package crypto

import (
	"bytes"
	"testing"
)

func testMaster(t *testing.T) MasterKey {
	t.Helper()
	mnemonic, err := NewMnemonic()
	if err != nil {
		t.Fatalf("NewMnemonic failed: %v", err)
	}
	mk, err := DeriveMaster(mnemonic)
	if err != nil {
		t.Fatalf("DeriveMaster failed: %v", err)
	}
	return mk
}

func TestDeriveMasterDeterministic(t *testing.T) {
	mnemonic, err := NewMnemonic()
	if err != nil {
		t.Fatalf("NewMnemonic failed: %v", err)
	}
	a, err := DeriveMaster(mnemonic)
	if err != nil {
		t.Fatalf("DeriveMaster failed: %v", err)
	}
	b, err := DeriveMaster(mnemonic)
	if err != nil {
		t.Fatalf("DeriveMaster failed: %v", err)
	}
	if a != b {
		t.Errorf("DeriveMaster is not deterministic for the same mnemonic")
	}
}

func TestDeriveMasterRejectsInvalidMnemonic(t *testing.T) {
	if _, err := DeriveMaster("not a real mnemonic at all"); err == nil {
		t.Errorf("expected error for invalid mnemonic")
	}
}

func TestDerivePeerSigningKeyDeterministic(t *testing.T) {
	mk := testMaster(t)
	pub1, priv1, err := DerivePeerSigningKey(mk)
	if err != nil {
		t.Fatalf("DerivePeerSigningKey failed: %v", err)
	}
	pub2, priv2, err := DerivePeerSigningKey(mk)
	if err != nil {
		t.Fatalf("DerivePeerSigningKey failed: %v", err)
	}
	if !bytes.Equal(pub1, pub2) || !bytes.Equal(priv1, priv2) {
		t.Errorf("DerivePeerSigningKey is not deterministic for the same master key")
	}
}

func TestDeriveBlobKeyBoundToContentID(t *testing.T) {
	mk := testMaster(t)
	idA := []byte("content-a")
	idB := []byte("content-b")

	keyA, nonceA, err := DeriveBlobKey(mk, idA)
	if err != nil {
		t.Fatalf("DeriveBlobKey failed: %v", err)
	}
	keyB, nonceB, err := DeriveBlobKey(mk, idB)
	if err != nil {
		t.Fatalf("DeriveBlobKey failed: %v", err)
	}
	if keyA == keyB {
		t.Errorf("expected distinct keys for distinct content ids")
	}
	if nonceA == nonceB {
		t.Errorf("expected distinct nonces for distinct content ids")
	}

	keyA2, nonceA2, err := DeriveBlobKey(mk, idA)
	if err != nil {
		t.Fatalf("DeriveBlobKey failed: %v", err)
	}
	if keyA != keyA2 || nonceA != nonceA2 {
		t.Errorf("expected identical key/nonce when re-deriving for the same content id")
	}
}

func TestEncryptDecryptChunkRoundTrip(t *testing.T) {
	mk := testMaster(t)
	contentID := []byte("some-content-id")
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	key, nonce, err := DeriveBlobKey(mk, contentID)
	if err != nil {
		t.Fatalf("DeriveBlobKey failed: %v", err)
	}

	blob, err := EncryptChunk(key, nonce, contentID, plaintext)
	if err != nil {
		t.Fatalf("EncryptChunk failed: %v", err)
	}

	got, err := DecryptChunk(key, blob, contentID)
	if err != nil {
		t.Fatalf("DecryptChunk failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("decrypted plaintext mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptChunkRejectsTamperedCiphertext(t *testing.T) {
	mk := testMaster(t)
	contentID := []byte("some-content-id")
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	key, nonce, err := DeriveBlobKey(mk, contentID)
	if err != nil {
		t.Fatalf("DeriveBlobKey failed: %v", err)
	}
	blob, err := EncryptChunk(key, nonce, contentID, plaintext)
	if err != nil {
		t.Fatalf("EncryptChunk failed: %v", err)
	}

	blob.Ciphertext[0] ^= 0xFF
	if _, err := DecryptChunk(key, blob, contentID); err == nil {
		t.Errorf("expected authentication failure on tampered ciphertext")
	}
}

func TestDecryptChunkRejectsWrongContentID(t *testing.T) {
	mk := testMaster(t)
	contentID := []byte("some-content-id")
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	key, nonce, err := DeriveBlobKey(mk, contentID)
	if err != nil {
		t.Fatalf("DeriveBlobKey failed: %v", err)
	}
	blob, err := EncryptChunk(key, nonce, contentID, plaintext)
	if err != nil {
		t.Fatalf("EncryptChunk failed: %v", err)
	}

	if _, err := DecryptChunk(key, blob, []byte("different-content-id")); err == nil {
		t.Errorf("expected authentication failure when content id does not match AAD")
	}
}

func TestSignVerify(t *testing.T) {
	mk := testMaster(t)
	pub, priv, err := DerivePeerSigningKey(mk)
	if err != nil {
		t.Fatalf("DerivePeerSigningKey failed: %v", err)
	}

	msg := []byte("frame body to authenticate")
	sig := Sign(priv, msg)
	if !Verify(pub, msg, sig) {
		t.Errorf("expected signature to verify")
	}

	sig[0] ^= 0xFF
	if Verify(pub, msg, sig) {
		t.Errorf("expected tampered signature to fail verification")
	}
}
