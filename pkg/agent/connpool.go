package agent

import (
	"context"
	"sync"

	"github.com/WebFirstLanguage/beenet/pkg/errs"
	"github.com/WebFirstLanguage/beenet/pkg/identity"
	"github.com/WebFirstLanguage/beenet/pkg/peersession"
	"github.com/WebFirstLanguage/beenet/pkg/store"
	"github.com/WebFirstLanguage/beenet/pkg/transport"
	"github.com/WebFirstLanguage/beenet/pkg/transport/quic"
	"github.com/WebFirstLanguage/beenet/pkg/transport/tcp"
)

// connPool implements scheduler.SessionProvider: it dials a peer's known
// address book entry on demand and keeps the session alive for reuse,
// redialing whenever the cached session has gone away. A peer's Noise
// static key travels with the address book entry (store.Peer.NoiseKey),
// learned from the matchmaker's Match message or from accepting an
// inbound session from that peer earlier.
type connPool struct {
	identity *identity.Identity
	store    *store.Store
	tr       transport.Transport

	mu       sync.Mutex
	sessions map[string]*peersession.Session
}

func newConnPool(id *identity.Identity, st *store.Store, preferQUIC bool) *connPool {
	var tr transport.Transport
	if preferQUIC {
		tr = quic.New()
	} else {
		tr = tcp.New()
	}
	return &connPool{identity: id, store: st, tr: tr, sessions: make(map[string]*peersession.Session)}
}

// GetSession implements scheduler.SessionProvider.
func (p *connPool) GetSession(ctx context.Context, peerID string) (*peersession.Session, error) {
	p.mu.Lock()
	if sess, ok := p.sessions[peerID]; ok {
		p.mu.Unlock()
		return sess, nil
	}
	p.mu.Unlock()

	peer, err := p.store.GetPeer(peerID)
	if err != nil {
		return nil, errs.NewPeerUnreachable("no address book entry for peer "+peerID, err)
	}
	if peer.Address == "" || len(peer.NoiseKey) == 0 {
		return nil, errs.NewPeerUnreachable("incomplete address book entry for peer "+peerID, nil)
	}

	sess, err := peersession.Dial(ctx, p.tr, peer.Address, dialTLSConfig(), p.identity, peer.NoiseKey)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.sessions[peerID] = sess
	p.mu.Unlock()
	return sess, nil
}

// drop discards a cached session, forcing the next GetSession call to
// redial, used once a session is observed to have failed.
func (p *connPool) drop(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, peerID)
}

// closeAll tears down every pooled session, called from Agent.Stop.
func (p *connPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sess := range p.sessions {
		sess.Close()
		delete(p.sessions, id)
	}
}
