// Package peersession implements the authenticated, framed bidirectional
// channel between two backup peers: a Noise-IK handshake binding the
// session to each side's ed25519 peer-id, followed by PUT/GET/DELETE/PING
// frame exchange over the transport abstraction. A session carries an
// incoming reservation balance (SetReservation/ReserveIncoming); the
// session does not charge incoming PUTs against it by itself.
package peersession

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// PeerID returns the wire identifier for an ed25519 public key: the data
// model defines a peer-id as the raw public key, so it is hex-encoded
// directly rather than hashed.
func PeerID(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// PublicKeyFromPeerID reverses PeerID, validating the decoded key length.
func PublicKeyFromPeerID(peerID string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(peerID)
	if err != nil {
		return nil, fmt.Errorf("peersession: invalid peer id encoding: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("peersession: peer id has wrong length: got %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
