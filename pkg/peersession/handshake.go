package peersession

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/flynn/noise"

	"github.com/WebFirstLanguage/beenet/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/beenet/pkg/constants"
	"github.com/WebFirstLanguage/beenet/pkg/errs"
	"github.com/WebFirstLanguage/beenet/pkg/identity"
)

// Hello carries one leg of the Noise-IK handshake: the sender's peer-id,
// a liveness nonce, its advertised capabilities, the raw Noise protocol
// message for this leg, and an ed25519 signature over all of it. Signing
// the Noise message itself binds the long-term peer-id to this specific
// handshake instance, standing in for the challenge/response exchange of
// a simpler scheme.
type Hello struct {
	Version  uint16   `cbor:"v"`
	PeerID   string   `cbor:"peer_id"`
	Nonce    uint64   `cbor:"nonce"`
	Caps     []string `cbor:"caps"`
	NoiseMsg []byte   `cbor:"noise_msg"`
	Proof    []byte   `cbor:"proof"`
}

// Sign signs the Hello with the sender's ed25519 peer-id key.
func (h *Hello) Sign(privateKey ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(h, "proof")
	if err != nil {
		return fmt.Errorf("peersession: encode hello for signing: %w", err)
	}
	h.Proof = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify checks the Hello's signature against the public key encoded in
// its own PeerID field and returns that key on success.
func (h *Hello) Verify() (ed25519.PublicKey, error) {
	pub, err := PublicKeyFromPeerID(h.PeerID)
	if err != nil {
		return nil, err
	}
	if len(h.Proof) == 0 {
		return nil, errs.NewUnexpectedFrame("hello has no proof")
	}
	sigData, err := cborcanon.EncodeForSigning(h, "proof")
	if err != nil {
		return nil, fmt.Errorf("peersession: encode hello for verification: %w", err)
	}
	if !ed25519.Verify(pub, sigData, h.Proof) {
		return nil, errs.NewAuthFailed("hello signature verification failed", nil)
	}
	return pub, nil
}

// Marshal encodes the Hello to canonical CBOR.
func (h *Hello) Marshal() ([]byte, error) { return cborcanon.Marshal(h) }

// Unmarshal decodes canonical CBOR into the Hello.
func (h *Hello) Unmarshal(data []byte) error { return cborcanon.Unmarshal(data, h) }

var capabilities = []string{"backup/1"}

func newCipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)
}

// Handshake drives one side of a Noise-IK exchange, authenticating the
// session against the peer's ed25519 peer-id instead of a bare static-key
// fingerprint.
type Handshake struct {
	identity    *identity.Identity
	nonce       uint64
	complete    bool
	isInitiator bool
	peerID      string
	noiseState  *noise.HandshakeState
	sendCipher  *noise.CipherState
	recvCipher  *noise.CipherState
}

func randomNonce() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	n := uint64(time.Now().UnixNano())
	for i, v := range b {
		n ^= uint64(v) << (8 * uint(i))
	}
	return n
}

// NewClientHandshake begins the initiator side, dialing a peer whose
// peer-id and Noise static key are already known (learned from the
// address book or a matchmaker Match).
func NewClientHandshake(id *identity.Identity, serverNoiseKey []byte) (*Handshake, error) {
	config := noise.Config{
		CipherSuite: newCipherSuite(),
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   true,
		StaticKeypair: noise.DHKey{
			Private: id.KeyAgreementPrivateKey[:],
			Public:  id.KeyAgreementPublicKey[:],
		},
		PeerStatic: serverNoiseKey,
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("peersession: create client handshake state: %w", err)
	}

	return &Handshake{identity: id, nonce: randomNonce(), isInitiator: true, noiseState: state}, nil
}

// NewServerHandshake begins the responder side. The initiator's static key
// is revealed during the handshake itself, per the IK pattern.
func NewServerHandshake(id *identity.Identity) (*Handshake, error) {
	config := noise.Config{
		CipherSuite: newCipherSuite(),
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   false,
		StaticKeypair: noise.DHKey{
			Private: id.KeyAgreementPrivateKey[:],
			Public:  id.KeyAgreementPublicKey[:],
		},
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("peersession: create server handshake state: %w", err)
	}

	return &Handshake{identity: id, nonce: randomNonce(), isInitiator: false, noiseState: state}, nil
}

// CreateClientHello produces the first handshake leg.
func (h *Handshake) CreateClientHello() (*Hello, error) {
	noiseMsg, _, _, err := h.noiseState.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("peersession: write noise message 1: %w", err)
	}

	hello := &Hello{
		Version:  constants.ProtocolVersion,
		PeerID:   PeerID(h.identity.SigningPublicKey),
		Nonce:    h.nonce,
		Caps:     capabilities,
		NoiseMsg: noiseMsg,
	}
	if err := hello.Sign(h.identity.SigningPrivateKey); err != nil {
		return nil, err
	}
	return hello, nil
}

// ProcessClientHello verifies the initiator's Hello, advances the Noise
// state, and returns the responder's Hello to send back.
func (h *Handshake) ProcessClientHello(clientHello *Hello) (*Hello, error) {
	if _, err := clientHello.Verify(); err != nil {
		return nil, err
	}

	if _, _, _, err := h.noiseState.ReadMessage(nil, clientHello.NoiseMsg); err != nil {
		return nil, errs.NewAuthFailed("process noise message 1", err)
	}

	noiseMsg, cs1, cs2, err := h.noiseState.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("peersession: write noise message 2: %w", err)
	}

	hello := &Hello{
		Version:  constants.ProtocolVersion,
		PeerID:   PeerID(h.identity.SigningPublicKey),
		Nonce:    randomNonce(),
		Caps:     capabilities,
		NoiseMsg: noiseMsg,
	}
	if err := hello.Sign(h.identity.SigningPrivateKey); err != nil {
		return nil, err
	}

	h.peerID = clientHello.PeerID
	h.finish(cs1, cs2)
	return hello, nil
}

// ProcessServerHello verifies the responder's Hello and completes the
// initiator side of the handshake.
func (h *Handshake) ProcessServerHello(serverHello *Hello) error {
	if _, err := serverHello.Verify(); err != nil {
		return err
	}

	_, cs1, cs2, err := h.noiseState.ReadMessage(nil, serverHello.NoiseMsg)
	if err != nil {
		return errs.NewAuthFailed("process noise message 2", err)
	}

	h.peerID = serverHello.PeerID
	h.finish(cs1, cs2)
	return nil
}

// finish records the split cipher states in send/recv order for this
// side's role: the initiator sends with cs1 and receives with cs2; the
// responder is the mirror image.
func (h *Handshake) finish(cs1, cs2 *noise.CipherState) {
	if h.isInitiator {
		h.sendCipher, h.recvCipher = cs1, cs2
	} else {
		h.sendCipher, h.recvCipher = cs2, cs1
	}
	h.complete = true
}

// IsComplete reports whether both handshake legs have been processed.
func (h *Handshake) IsComplete() bool { return h.complete }

// PeerID returns the verified peer-id of the other side, valid once the
// handshake is complete.
func (h *Handshake) PeerID() string { return h.peerID }

// Ciphers returns the send and receive AEAD cipher states for the
// completed handshake.
func (h *Handshake) Ciphers() (send, recv *noise.CipherState, err error) {
	if !h.complete {
		return nil, nil, fmt.Errorf("peersession: handshake not complete")
	}
	return h.sendCipher, h.recvCipher, nil
}
