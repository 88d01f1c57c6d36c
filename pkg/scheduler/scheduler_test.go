package scheduler

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/WebFirstLanguage/beenet/pkg/constants"
	"github.com/WebFirstLanguage/beenet/pkg/errs"
	"github.com/WebFirstLanguage/beenet/pkg/identity"
	"github.com/WebFirstLanguage/beenet/pkg/peersession"
	"github.com/WebFirstLanguage/beenet/pkg/transport"
	"github.com/WebFirstLanguage/beenet/pkg/wire"
)

type pipeConn struct{ net.Conn }

func (pipeConn) ConnectionState() tls.ConnectionState { return tls.ConnectionState{} }

var _ transport.Conn = pipeConn{}

// fakeProvider hands out a single pre-established session per peer id,
// built in-process over a net.Pipe with a real Noise handshake.
type fakeProvider struct {
	sessions map[string]*peersession.Session
}

func (p *fakeProvider) GetSession(ctx context.Context, peerID string) (*peersession.Session, error) {
	sess, ok := p.sessions[peerID]
	if !ok {
		return nil, errs.NewPeerUnreachable("no session for peer", nil)
	}
	return sess, nil
}

// storingPeer serves PUT and GET requests against an in-memory map,
// standing in for the real host-side responder in pkg/agent/hostserver.go.
func storingPeer(t *testing.T, sess *peersession.Session, store map[string][]byte, reject bool) {
	t.Helper()
	go func() {
		for {
			frame, err := sess.Recv(context.Background())
			if err != nil {
				return
			}
			switch frame.Tag {
			case constants.TagPutBegin:
				var begin wire.PutBeginBody
				_ = wire.DecodeBody(frame.Body, &begin)
				buf := make([]byte, 0, begin.Length)
				var packID string
				var hash []byte
				for uint64(len(buf)) < begin.Length {
					dataFrame, err := sess.Recv(context.Background())
					if err != nil {
						return
					}
					if dataFrame.Tag == constants.TagPutEnd {
						var end wire.PutEndBody
						_ = wire.DecodeBody(dataFrame.Body, &end)
						packID = end.ContentID
						hash = end.Hash
						break
					}
					var chunk wire.PutDataBody
					_ = wire.DecodeBody(dataFrame.Body, &chunk)
					buf = append(buf, chunk.Data...)
				}
				if packID == "" {
					endFrame, err := sess.Recv(context.Background())
					if err != nil {
						return
					}
					var end wire.PutEndBody
					_ = wire.DecodeBody(endFrame.Body, &end)
					packID = end.ContentID
					hash = end.Hash
				}
				if reject {
					sess.Send(constants.TagPutReject, &wire.PutRejectBody{ContentID: packID, Reason: "no reservation"})
					continue
				}
				store[packID] = buf
				sess.Send(constants.TagPutAck, &wire.PutAckBody{ContentID: packID, Hash: hash})
			case constants.TagGet:
				var get wire.GetBody
				_ = wire.DecodeBody(frame.Body, &get)
				data, ok := store[get.ContentID]
				if !ok {
					sess.Send(constants.TagGetNotFound, &wire.GetNotFoundBody{ContentID: get.ContentID})
					continue
				}
				sess.Send(constants.TagGetStart, &wire.GetStartBody{ContentID: get.ContentID, Length: uint64(len(data))})
				sess.Send(constants.TagGetData, &wire.GetDataBody{ContentID: get.ContentID, Offset: 0, Data: data})
				sess.Send(constants.TagGetEnd, &wire.GetEndBody{ContentID: get.ContentID})
			}
		}
	}()
}

func handshakePair(t *testing.T) (*peersession.Session, *peersession.Session) {
	t.Helper()

	clientID, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity (client): %v", err)
	}
	serverID, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity (server): %v", err)
	}

	a, b := net.Pipe()
	serverCh := make(chan *peersession.Session, 1)
	errCh := make(chan error, 1)
	go func() {
		s, err := peersession.Accept(context.Background(), pipeConn{b}, serverID)
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- s
	}()

	clientSess, err := peersession.Dial(context.Background(), stubTransport{conn: pipeConn{a}}, "", nil, clientID, serverID.KeyAgreementPublicKey[:])
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("Accept failed: %v", err)
	case serverSess := <-serverCh:
		return clientSess, serverSess
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server handshake")
	}
	return nil, nil
}

// stubTransport hands back a pre-established net.Pipe half, letting tests
// drive peersession.Dial without a real listener.
type stubTransport struct{ conn transport.Conn }

func (s stubTransport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Conn, error) {
	return s.conn, nil
}
func (s stubTransport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Listener, error) {
	return nil, errs.NewConfigInvalid("stubTransport does not listen", nil)
}
func (s stubTransport) Name() string     { return "stub" }
func (s stubTransport) DefaultPort() int { return 0 }

func TestSchedulerPlacesPackAndGatesOnAck(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Close()
	defer server.Close()

	client.SetReservation(peersession.Reservation{OutgoingBytes: 1 << 20})
	server.SetReservation(peersession.Reservation{IncomingBytes: 1 << 20})

	backing := make(map[string][]byte)
	storingPeer(t, server, backing, false)

	provider := &fakeProvider{sessions: map[string]*peersession.Session{server.PeerID(): client}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched := New(ctx, provider, DefaultConfig())

	data := []byte("pack contents for placement test")
	sched.Submit(PutJob{PackID: "pack-1", PeerID: server.PeerID(), Data: data})

	result := <-sched.Results()
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if string(backing["pack-1"]) != string(data) {
		t.Fatal("stored pack bytes do not match")
	}
}

func TestSchedulerSurfacesRejection(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Close()
	defer server.Close()

	client.SetReservation(peersession.Reservation{OutgoingBytes: 1 << 20})
	backing := make(map[string][]byte)
	storingPeer(t, server, backing, true)

	provider := &fakeProvider{sessions: map[string]*peersession.Session{server.PeerID(): client}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched := New(ctx, provider, DefaultConfig())

	sched.Submit(PutJob{PackID: "pack-2", PeerID: server.PeerID(), Data: []byte("rejected")})

	result := <-sched.Results()
	if result.Err == nil {
		t.Fatal("expected rejection to surface as an error after exhausting retries")
	}
}

func TestSchedulerRoundTripsGet(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Close()
	defer server.Close()

	data := []byte("fetchable pack bytes")
	backing := map[string][]byte{"pack-3": data}
	storingPeer(t, server, backing, false)

	provider := &fakeProvider{sessions: map[string]*peersession.Session{server.PeerID(): client}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched := New(ctx, provider, DefaultConfig())

	sched.SubmitGet(GetJob{PackID: "pack-3", PeerID: server.PeerID()})

	result := <-sched.Results()
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if string(result.Data) != string(data) {
		t.Fatalf("got %q, want %q", result.Data, data)
	}
}
