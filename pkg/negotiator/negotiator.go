// Package negotiator implements the matchmaker client: the storage
// request/match exchange, snapshot publication, and peer lookup, carried
// as JSON over an authenticated WebSocket, with partial grants
// automatically re-requested and a TTL-expiring reservation cache so a
// reconnecting negotiator doesn't re-request live matches.
package negotiator

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/WebFirstLanguage/beenet/pkg/constants"
	"github.com/WebFirstLanguage/beenet/pkg/errs"
	"github.com/WebFirstLanguage/beenet/pkg/identity"
	"github.com/WebFirstLanguage/beenet/pkg/log"
)

var negotiatorLog = log.Component("negotiator")

// Reservation is a granted storage allowance on a remote peer, handed to
// the Transport Scheduler.
type Reservation struct {
	PeerID       string
	Addr         string
	NoiseKey     []byte
	BytesGranted int64
}

type cachedReservation struct {
	Reservation
	expiresAt time.Time
}

// Config holds the Negotiator's connection and timeout settings.
type Config struct {
	ServerURL      string
	RequestTimeout time.Duration
}

// DefaultConfig returns the spec's suggested request timeout.
func DefaultConfig(serverURL string) Config {
	return Config{ServerURL: serverURL, RequestTimeout: constants.NegotiatorRequestTimeout}
}

// Negotiator is the matchmaker client for one identity's connection.
type Negotiator struct {
	conn     *websocket.Conn
	identity *identity.Identity
	cfg      Config

	reservations chan Reservation

	wantMu    sync.Mutex
	want      int64
	requested time.Time

	cacheMu sync.Mutex
	cache   map[string]cachedReservation

	replyMu      sync.Mutex
	snapshotCh   chan error
	snapshotsCh  chan []SnapshotInfo
	locateCh     chan *string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Connect dials the matchmaker, completes the nonce/signature
// registration handshake, and starts the background read loop.
func Connect(ctx context.Context, id *identity.Identity, cfg Config) (*Negotiator, error) {
	conn, _, err := websocket.Dial(ctx, cfg.ServerURL, nil)
	if err != nil {
		return nil, errs.NewServerUnreachable(fmt.Sprintf("dial matchmaker %s", cfg.ServerURL), err)
	}

	var nonce nonceMsg
	if err := wsjson.Read(ctx, conn, &nonce); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, errs.NewServerUnreachable("read matchmaker nonce", err)
	}

	sig := ed25519.Sign(id.SigningPrivateKey, nonce.Nonce)
	reg := registerMsg{
		Type:               msgRegister,
		PubKey:             hex.EncodeToString(id.SigningPublicKey),
		SigOverServerNonce: sig,
	}
	if err := wsjson.Write(ctx, conn, reg); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, errs.NewServerUnreachable("send matchmaker registration", err)
	}

	var reply envelope
	raw, err := readRaw(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, errs.NewServerUnreachable("read matchmaker registration reply", err)
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("negotiator: decode registration reply: %w", err)
	}
	if reply.Type == msgAuthFailed {
		var failed authFailedMsg
		json.Unmarshal(raw, &failed)
		conn.Close(websocket.StatusPolicyViolation, "auth failed")
		return nil, errs.NewAuthFailed("matchmaker rejected registration: "+failed.Reason, nil)
	}
	if reply.Type != msgRegistered {
		conn.Close(websocket.StatusProtocolError, "unexpected reply")
		return nil, fmt.Errorf("negotiator: unexpected registration reply type %q", reply.Type)
	}

	nctx, cancel := context.WithCancel(ctx)
	n := &Negotiator{
		conn:         conn,
		identity:     id,
		cfg:          cfg,
		reservations: make(chan Reservation, 16),
		cache:        make(map[string]cachedReservation),
		snapshotCh:   make(chan error, 1),
		snapshotsCh:  make(chan []SnapshotInfo, 1),
		locateCh:     make(chan *string, 1),
		ctx:          nctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	go n.readLoop()
	go n.sweepLoop()

	negotiatorLog.WithField("server", cfg.ServerURL).Info("registered with matchmaker")
	return n, nil
}

// Reservations returns the channel of newly granted reservations, to be
// drained by whatever hands them to the Scheduler.
func (n *Negotiator) Reservations() <-chan Reservation { return n.reservations }

// CachedReservation returns a still-live reservation for peerID without
// hitting the network, or false if none is cached.
func (n *Negotiator) CachedReservation(peerID string) (Reservation, bool) {
	n.cacheMu.Lock()
	defer n.cacheMu.Unlock()
	entry, ok := n.cache[peerID]
	if !ok || time.Now().After(entry.expiresAt) {
		return Reservation{}, false
	}
	return entry.Reservation, true
}

// RequestStorage asks the matchmaker for bytesWanted of remote storage.
// Matches arrive asynchronously on Reservations(); a partial grant
// automatically triggers a follow-up request for the remainder.
func (n *Negotiator) RequestStorage(ctx context.Context, bytesWanted int64) error {
	n.wantMu.Lock()
	n.want += bytesWanted
	n.requested = time.Now()
	n.wantMu.Unlock()
	return n.sendRequestStorage(ctx, bytesWanted)
}

func (n *Negotiator) sendRequestStorage(ctx context.Context, bytesWanted int64) error {
	msg := requestStorageMsg{Type: msgRequestStorage, Bytes: bytesWanted}
	if err := wsjson.Write(ctx, n.conn, msg); err != nil {
		return errs.NewServerUnreachable("send storage request", err)
	}
	return nil
}

// PublishSnapshot announces a completed snapshot to the matchmaker.
func (n *Negotiator) PublishSnapshot(ctx context.Context, snapshotID, hash string, ts time.Time, sig []byte) error {
	n.replyMu.Lock()
	defer n.replyMu.Unlock()

	msg := publishSnapshotMsg{Type: msgPublishSnapshot, SnapshotID: snapshotID, Hash: hash, Timestamp: ts.Unix(), Sig: sig}
	if err := wsjson.Write(ctx, n.conn, msg); err != nil {
		return errs.NewServerUnreachable("send publish snapshot", err)
	}

	select {
	case err := <-n.snapshotCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListSnapshots asks the matchmaker for every published snapshot this
// identity owns.
func (n *Negotiator) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	n.replyMu.Lock()
	defer n.replyMu.Unlock()

	if err := wsjson.Write(ctx, n.conn, listSnapshotsMsg{Type: msgListSnapshots}); err != nil {
		return nil, errs.NewServerUnreachable("send list snapshots", err)
	}

	select {
	case snapshots := <-n.snapshotsCh:
		return snapshots, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LocatePeer asks the matchmaker for a peer's current address.
func (n *Negotiator) LocatePeer(ctx context.Context, peerID string) (string, bool, error) {
	n.replyMu.Lock()
	defer n.replyMu.Unlock()

	if err := wsjson.Write(ctx, n.conn, locatePeerMsg{Type: msgLocatePeer, PeerID: peerID}); err != nil {
		return "", false, errs.NewServerUnreachable("send locate peer", err)
	}

	select {
	case addr := <-n.locateCh:
		if addr == nil {
			return "", false, nil
		}
		return *addr, true, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// Close tears down the matchmaker connection.
func (n *Negotiator) Close() error {
	n.cancel()
	<-n.done
	return n.conn.Close(websocket.StatusNormalClosure, "closing")
}

func (n *Negotiator) readLoop() {
	defer close(n.done)
	defer close(n.reservations)

	for {
		raw, err := readRaw(n.ctx, n.conn)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			negotiatorLog.WithField("error", err.Error()).Warn("matchmaker connection lost")
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		switch env.Type {
		case msgMatch:
			var m matchMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				continue
			}
			n.handleMatch(m)
		case msgOk:
			select {
			case n.snapshotCh <- nil:
			default:
			}
		case msgReject:
			var r rejectMsg
			json.Unmarshal(raw, &r)
			select {
			case n.snapshotCh <- errs.NewServerRejected(r.Reason):
			default:
			}
		case msgSnapshots:
			var s snapshotsMsg
			if err := json.Unmarshal(raw, &s); err != nil {
				continue
			}
			select {
			case n.snapshotsCh <- s.Snapshots:
			default:
			}
		case msgAddr:
			var a addrMsg
			if err := json.Unmarshal(raw, &a); err != nil {
				continue
			}
			addr := a.Addr
			select {
			case n.locateCh <- &addr:
			default:
			}
		case msgNotFound:
			select {
			case n.locateCh <- nil:
			default:
			}
		}
	}
}

func (n *Negotiator) handleMatch(m matchMsg) {
	n.wantMu.Lock()
	applied := m.Bytes
	if applied > n.want {
		applied = n.want
	}
	n.want -= applied
	remaining := n.want
	if remaining > 0 {
		n.requested = time.Now()
	}
	n.wantMu.Unlock()

	reservation := Reservation{PeerID: m.PeerID, Addr: m.Addr, NoiseKey: m.NoiseKey, BytesGranted: m.Bytes}

	n.cacheMu.Lock()
	n.cache[m.PeerID] = cachedReservation{Reservation: reservation, expiresAt: time.Now().Add(n.cfg.RequestTimeout)}
	n.cacheMu.Unlock()

	select {
	case n.reservations <- reservation:
	case <-n.ctx.Done():
		return
	}

	if remaining > 0 {
		negotiatorLog.WithField("bytes", remaining).Info("partial grant, requesting remainder")
		if err := n.sendRequestStorage(n.ctx, remaining); err != nil {
			negotiatorLog.WithField("error", err.Error()).Warn("failed to request remainder")
		}
	}
}

// sweepLoop reissues requests that have gone unmatched past the request
// timeout, mirroring the refresh-ticker idiom the matchmaker client's
// cousin DHT presence code used for its own periodic republish.
func (n *Negotiator) sweepLoop() {
	ticker := time.NewTicker(n.cfg.RequestTimeout / 10)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.wantMu.Lock()
			want := n.want
			expired := want > 0 && time.Since(n.requested) >= n.cfg.RequestTimeout
			if expired {
				n.requested = time.Now()
			}
			n.wantMu.Unlock()

			if expired {
				negotiatorLog.WithField("bytes", want).Warn("storage request unmatched, reissuing")
				if err := n.sendRequestStorage(n.ctx, want); err != nil {
					negotiatorLog.WithField("error", err.Error()).Warn("failed to reissue storage request")
				}
			}

			n.sweepCache()
		}
	}
}

func (n *Negotiator) sweepCache() {
	n.cacheMu.Lock()
	defer n.cacheMu.Unlock()
	now := time.Now()
	for peerID, entry := range n.cache {
		if now.After(entry.expiresAt) {
			delete(n.cache, peerID)
		}
	}
}

func readRaw(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	_, data, err := conn.Read(ctx)
	return data, err
}
