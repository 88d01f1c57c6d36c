package negotiator

// Wire messages exchanged with the matchmaker over an authenticated
// WebSocket, per the external JSON protocol: a nonce challenge/response
// handshake, storage request/match, snapshot publication, and peer
// lookup. Every message carries a "type" discriminator so a single
// connection can multiplex all five exchanges.

type envelope struct {
	Type string `json:"type"`
}

type nonceMsg struct {
	Type  string `json:"type"`
	Nonce []byte `json:"nonce"`
}

type registerMsg struct {
	Type               string `json:"type"`
	PubKey             string `json:"pubkey"`
	SigOverServerNonce []byte `json:"sig_over_server_nonce"`
}

type registeredMsg struct {
	Type string `json:"type"`
}

type authFailedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type requestStorageMsg struct {
	Type  string `json:"type"`
	Bytes int64  `json:"bytes"`
}

type matchMsg struct {
	Type     string `json:"type"`
	PeerID   string `json:"peer_id"`
	Addr     string `json:"addr"`
	NoiseKey []byte `json:"noise_key"`
	Bytes    int64  `json:"bytes"`
}

type publishSnapshotMsg struct {
	Type       string `json:"type"`
	SnapshotID string `json:"snapshot_id"`
	Hash       string `json:"snapshot_hash"`
	Timestamp  int64  `json:"timestamp"`
	Sig        []byte `json:"sig"`
}

type okMsg struct {
	Type string `json:"type"`
}

type rejectMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type listSnapshotsMsg struct {
	Type string `json:"type"`
}

// SnapshotInfo is one entry in a ListSnapshots reply.
type SnapshotInfo struct {
	ID        string `json:"id"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"ts"`
}

type snapshotsMsg struct {
	Type      string         `json:"type"`
	Snapshots []SnapshotInfo `json:"snapshots"`
}

type locatePeerMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
}

type addrMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
	Addr   string `json:"addr"`
}

type notFoundMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
}

const (
	msgNonce           = "nonce"
	msgRegister        = "register"
	msgRegistered      = "registered"
	msgAuthFailed      = "auth_failed"
	msgRequestStorage  = "request_storage"
	msgMatch           = "match"
	msgPublishSnapshot = "publish_snapshot"
	msgOk              = "ok"
	msgReject          = "reject"
	msgListSnapshots   = "list_snapshots"
	msgSnapshots       = "snapshots"
	msgLocatePeer      = "locate_peer"
	msgAddr            = "addr"
	msgNotFound        = "not_found"
)
