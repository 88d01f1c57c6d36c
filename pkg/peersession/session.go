package peersession

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flynn/noise"

	"github.com/WebFirstLanguage/beenet/pkg/constants"
	"github.com/WebFirstLanguage/beenet/pkg/errs"
	"github.com/WebFirstLanguage/beenet/pkg/identity"
	"github.com/WebFirstLanguage/beenet/pkg/log"
	"github.com/WebFirstLanguage/beenet/pkg/transport"
	"github.com/WebFirstLanguage/beenet/pkg/wire"
)

var sessionLog = log.Component("peersession")

// Reservation is the byte allowance negotiated with a peer in each
// direction: how much this side may PUT to the peer, and how much the
// peer may PUT to us.
type Reservation struct {
	OutgoingBytes int64
	IncomingBytes int64
}

// Session is one authenticated, framed bidirectional channel to a remote
// peer: a completed Noise-IK handshake plus the cipher states it produced,
// layered under the PUT/GET/DELETE/PING frame set.
type Session struct {
	conn       transport.Conn
	identity   *identity.Identity
	peerID     string
	peerPub    ed25519.PublicKey
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	seq        *sequenceTracker

	sendMu sync.Mutex
	recvMu sync.Mutex

	reservation  Reservation
	incomingUsed int64 // atomic

	closed int32 // atomic
}

// Dial performs the client side of a handshake against a peer whose
// peer-id and Noise static key are already known, then returns an
// authenticated session ready to exchange frames.
func Dial(ctx context.Context, tr transport.Transport, addr string, tlsConfig *tls.Config, id *identity.Identity, serverNoiseKey []byte) (*Session, error) {
	conn, err := tr.Dial(ctx, addr, tlsConfig)
	if err != nil {
		return nil, errs.NewPeerUnreachable(fmt.Sprintf("dial %s", addr), err)
	}

	hs, err := NewClientHandshake(id, serverNoiseKey)
	if err != nil {
		conn.Close()
		return nil, err
	}

	clientHello, err := hs.CreateClientHello()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(constants.HandshakeTimeout))
	}

	data, err := clientHello.Marshal()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := wire.WriteBytes(conn, data); err != nil {
		conn.Close()
		return nil, err
	}

	respData, err := wire.ReadBytes(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	var serverHello Hello
	if err := serverHello.Unmarshal(respData); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peersession: unmarshal server hello: %w", err)
	}
	if err := hs.ProcessServerHello(&serverHello); err != nil {
		conn.Close()
		return nil, err
	}

	return newSession(conn, id, hs)
}

// Accept performs the server side of a handshake over an already-accepted
// connection.
func Accept(ctx context.Context, conn transport.Conn, id *identity.Identity) (*Session, error) {
	hs, err := NewServerHandshake(id)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(constants.HandshakeTimeout))
	}

	reqData, err := wire.ReadBytes(conn)
	if err != nil {
		return nil, err
	}
	var clientHello Hello
	if err := clientHello.Unmarshal(reqData); err != nil {
		return nil, fmt.Errorf("peersession: unmarshal client hello: %w", err)
	}

	serverHello, err := hs.ProcessClientHello(&clientHello)
	if err != nil {
		return nil, err
	}

	respData, err := serverHello.Marshal()
	if err != nil {
		return nil, err
	}
	if err := wire.WriteBytes(conn, respData); err != nil {
		return nil, err
	}

	return newSession(conn, id, hs)
}

func newSession(conn transport.Conn, id *identity.Identity, hs *Handshake) (*Session, error) {
	send, recv, err := hs.Ciphers()
	if err != nil {
		conn.Close()
		return nil, err
	}
	peerPub, err := PublicKeyFromPeerID(hs.PeerID())
	if err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetDeadline(time.Time{})
	s := &Session{
		conn:       conn,
		identity:   id,
		peerID:     hs.PeerID(),
		peerPub:    peerPub,
		sendCipher: send,
		recvCipher: recv,
		seq:        newSequenceTracker(),
	}
	sessionLog.WithField("peer_id", s.peerID).Info("peer session established")
	return s, nil
}

// PeerID returns the verified peer-id of the remote side.
func (s *Session) PeerID() string { return s.peerID }

// SetReservation records the byte allowance negotiated with this peer.
func (s *Session) SetReservation(r Reservation) { s.reservation = r }

// RemainingIncoming reports how many more bytes the peer may PUT to us
// before this session starts rejecting.
func (s *Session) RemainingIncoming() int64 {
	return s.reservation.IncomingBytes - atomic.LoadInt64(&s.incomingUsed)
}

// ReserveIncoming charges length bytes against the peer's incoming
// allowance, returning false (and charging nothing) if it would overdraw
// the balance. Used when a PUT_BEGIN announces its length.
func (s *Session) ReserveIncoming(length int64) bool {
	for {
		used := atomic.LoadInt64(&s.incomingUsed)
		if used+length > s.reservation.IncomingBytes {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.incomingUsed, used, used+length) {
			return true
		}
	}
}

// Send signs, encrypts, and writes one frame. Concurrent callers are
// serialized: both the signature sequence counter and the Noise cipher's
// internal nonce require strict send ordering.
func (s *Session) Send(tag uint16, body interface{}) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	frame := wire.NewBaseFrame(tag, PeerID(s.identity.SigningPublicKey), s.seq.nextSend(), body)
	if err := frame.Sign(s.identity.SigningPrivateKey); err != nil {
		return err
	}
	plain, err := frame.Marshal()
	if err != nil {
		return fmt.Errorf("wire: marshal frame: %w", err)
	}
	ciphertext := s.sendCipher.Encrypt(nil, nil, plain)
	return wire.WriteBytes(s.conn, ciphertext)
}

// Recv reads, decrypts, and verifies the next frame, rejecting anything
// that fails signature verification, protocol validation, or the replay
// window.
func (s *Session) Recv(ctx context.Context) (*wire.BaseFrame, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetReadDeadline(deadline)
	} else {
		s.conn.SetReadDeadline(time.Now().Add(constants.FrameReadIdle))
	}

	ciphertext, err := wire.ReadBytes(s.conn)
	if err != nil {
		return nil, err
	}
	plain, err := s.recvCipher.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, errs.NewAuthFailed("decrypt frame", err)
	}

	var frame wire.BaseFrame
	if err := frame.Unmarshal(plain); err != nil {
		return nil, fmt.Errorf("wire: unmarshal frame: %w", err)
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	if frame.From != s.peerID {
		return nil, errs.NewUnexpectedFrame("frame sender does not match session peer")
	}
	if err := frame.Verify(s.peerPub); err != nil {
		return nil, err
	}
	if !s.seq.acceptRecv(frame.Seq) {
		return nil, errs.NewUnexpectedFrame("replayed or out-of-window sequence number")
	}
	return &frame, nil
}

// Close closes the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	return s.conn.Close()
}
