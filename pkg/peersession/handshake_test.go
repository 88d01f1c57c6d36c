package peersession

import (
	"testing"

	"github.com/WebFirstLanguage/beenet/pkg/identity"
)

func TestHelloSignVerify(t *testing.T) {
	id, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	hello := &Hello{
		Version:  1,
		PeerID:   PeerID(id.SigningPublicKey),
		Nonce:    42,
		Caps:     capabilities,
		NoiseMsg: []byte("noise-message"),
	}
	if err := hello.Sign(id.SigningPrivateKey); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := hello.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	hello.Nonce = 43
	if _, err := hello.Verify(); err == nil {
		t.Fatal("expected verification to fail after tampering with nonce")
	}
}

func TestPeerIDRoundTrip(t *testing.T) {
	id, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	pid := PeerID(id.SigningPublicKey)
	pub, err := PublicKeyFromPeerID(pid)
	if err != nil {
		t.Fatalf("PublicKeyFromPeerID: %v", err)
	}
	if !pub.Equal(id.SigningPublicKey) {
		t.Fatal("decoded public key does not match original")
	}
}

func TestReplayWindowRejectsDuplicatesAndOldSequences(t *testing.T) {
	tr := newSequenceTracker()

	if !tr.acceptRecv(1) {
		t.Fatal("expected sequence 1 to be accepted")
	}
	if tr.acceptRecv(1) {
		t.Fatal("expected duplicate sequence 1 to be rejected")
	}
	if !tr.acceptRecv(5) {
		t.Fatal("expected sequence 5 to be accepted")
	}
	if !tr.acceptRecv(3) {
		t.Fatal("expected sequence 3 (within window, unseen) to be accepted")
	}
	if tr.acceptRecv(3) {
		t.Fatal("expected duplicate sequence 3 to be rejected")
	}
	if tr.acceptRecv(0) {
		t.Fatal("expected sequence 0 to always be rejected")
	}
}
