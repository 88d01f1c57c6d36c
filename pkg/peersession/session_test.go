package peersession

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/WebFirstLanguage/beenet/pkg/constants"
	"github.com/WebFirstLanguage/beenet/pkg/identity"
	"github.com/WebFirstLanguage/beenet/pkg/transport"
	"github.com/WebFirstLanguage/beenet/pkg/wire"
)

// pipeConn adapts a net.Conn (from net.Pipe) to the transport.Conn
// interface for tests, which need no real TLS.
type pipeConn struct{ net.Conn }

func (pipeConn) ConnectionState() tls.ConnectionState { return tls.ConnectionState{} }

var _ transport.Conn = pipeConn{}

func handshakePair(t *testing.T) (*Session, *Session) {
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
	serverCh := make(chan *Session, 1)
	errCh := make(chan error, 1)
	go func() {
		s, err := Accept(context.Background(), pipeConn{b}, serverID)
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- s
	}()

	clientHS, err := NewClientHandshake(clientID, serverID.KeyAgreementPublicKey[:])
	if err != nil {
		t.Fatalf("NewClientHandshake: %v", err)
	}
	clientHello, err := clientHS.CreateClientHello()
	if err != nil {
		t.Fatalf("CreateClientHello: %v", err)
	}
	data, err := clientHello.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := wire.WriteBytes(pipeConn{a}, data); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	respData, err := wire.ReadBytes(pipeConn{a})
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	var serverHello Hello
	if err := serverHello.Unmarshal(respData); err != nil {
		t.Fatalf("Unmarshal server hello: %v", err)
	}
	if err := clientHS.ProcessServerHello(&serverHello); err != nil {
		t.Fatalf("ProcessServerHello: %v", err)
	}

	clientSession, err := newSession(pipeConn{a}, clientID, clientHS)
	if err != nil {
		t.Fatalf("newSession (client): %v", err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("Accept failed: %v", err)
	case serverSession := <-serverCh:
		return clientSession, serverSession
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server handshake")
	}
	return nil, nil
}

func TestHandshakeEstablishesMatchingPeerIDs(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Close()
	defer server.Close()

	if client.PeerID() == "" || server.PeerID() == "" {
		t.Fatal("expected both sides to resolve a peer id")
	}
}

func TestSendRecvRoundTrip(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		frame, err := server.Recv(context.Background())
		if err != nil {
			t.Errorf("server Recv: %v", err)
			return
		}
		if !frame.IsTag(constants.TagPing) {
			t.Errorf("expected ping tag, got %d", frame.Tag)
		}
	}()

	if err := client.Send(constants.TagPing, &wire.PingBody{Token: []byte("hi")}); err != nil {
		t.Fatalf("client Send: %v", err)
	}
	<-done
}

func TestReserveIncomingRejectsOverBudget(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Close()
	defer server.Close()

	server.SetReservation(Reservation{IncomingBytes: 100})
	if !server.ReserveIncoming(60) {
		t.Fatal("expected 60-byte reservation to succeed")
	}
	if server.ReserveIncoming(60) {
		t.Fatal("expected second 60-byte reservation to overdraw the 100-byte budget")
	}
}
