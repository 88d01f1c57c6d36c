package negotiator

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/WebFirstLanguage/beenet/pkg/identity"
)

// fakeMatchmaker serves the nonce/register handshake and then pushes a
// single Match reply to whatever RequestStorage it receives, standing in
// for a real matchmaker server during tests.
func fakeMatchmaker(t *testing.T, grantedBytes int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx := r.Context()

		nonce := []byte("test-nonce-0123456789")
		if err := wsjson.Write(ctx, conn, nonceMsg{Type: msgNonce, Nonce: nonce}); err != nil {
			return
		}

		var reg registerMsg
		if err := wsjson.Read(ctx, conn, &reg); err != nil {
			return
		}
		pub, err := hex.DecodeString(reg.PubKey)
		if err != nil || !ed25519.Verify(pub, nonce, reg.SigOverServerNonce) {
			wsjson.Write(ctx, conn, authFailedMsg{Type: msgAuthFailed, Reason: "bad signature"})
			return
		}
		if err := wsjson.Write(ctx, conn, registeredMsg{Type: msgRegistered}); err != nil {
			return
		}

		var req requestStorageMsg
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		wsjson.Write(ctx, conn, matchMsg{Type: msgMatch, PeerID: "peer-1", Addr: "127.0.0.1:9000", Bytes: grantedBytes})

		for {
			var env envelope
			if err := wsjson.Read(ctx, conn, &env); err != nil {
				return
			}
			if env.Type == msgRequestStorage {
				wsjson.Write(ctx, conn, matchMsg{Type: msgMatch, PeerID: "peer-2", Addr: "127.0.0.1:9001", Bytes: grantedBytes})
			}
		}
	})
	return httptest.NewServer(mux)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestNegotiatorRegistersAndReceivesMatch(t *testing.T) {
	server := fakeMatchmaker(t, 100)
	defer server.Close()

	id, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := Connect(ctx, id, DefaultConfig(wsURL(server)))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer n.Close()

	if err := n.RequestStorage(ctx, 100); err != nil {
		t.Fatalf("RequestStorage: %v", err)
	}

	select {
	case r := <-n.Reservations():
		if r.PeerID != "peer-1" || r.BytesGranted != 100 {
			t.Fatalf("unexpected reservation: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reservation")
	}

	if cached, ok := n.CachedReservation("peer-1"); !ok || cached.BytesGranted != 100 {
		t.Fatalf("expected cached reservation for peer-1, got %+v ok=%v", cached, ok)
	}
}

func TestNegotiatorReRequestsPartialGrant(t *testing.T) {
	server := fakeMatchmaker(t, 40)
	defer server.Close()

	id, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := Connect(ctx, id, DefaultConfig(wsURL(server)))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer n.Close()

	if err := n.RequestStorage(ctx, 100); err != nil {
		t.Fatalf("RequestStorage: %v", err)
	}

	seen := map[string]int64{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-n.Reservations():
			seen[r.PeerID] = r.BytesGranted
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for reservation %d", i)
		}
	}
	if seen["peer-1"] != 40 || seen["peer-2"] != 40 {
		t.Fatalf("expected two 40-byte grants from partial-grant re-request, got %+v", seen)
	}
}
