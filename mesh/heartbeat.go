package mesh

import (
	"time"

	"github.com/google/uuid"

	"github.com/netflixpp/meshnode/pkg/logger"
	"github.com/netflixpp/meshnode/pkg/protocol"
	"github.com/netflixpp/meshnode/pkg/registry"
)

// ping sends a PING with a fresh nonce; the matching PONG yields a latency
// sample.
func (n *Node) ping(s *session) {
	peerID := s.id()
	nonce := uuid.NewString()

	n.pingLock.Lock()
	n.pings[nonce] = pingRecord{peerID: peerID, sent: time.Now()}
	n.pingLock.Unlock()

	if err := s.conn.Send(protocol.Ping{Nonce: nonce}); err != nil {
		n.pingLock.Lock()
		delete(n.pings, nonce)
		n.pingLock.Unlock()
		logger.Sugar.Debugf("[MeshNode] ping failed: peer=%s err=%v", peerID, err)
	}
}

func (n *Node) onPong(peerID string, m protocol.Pong) {
	n.pingLock.Lock()
	rec, ok := n.pings[m.Nonce]
	if ok {
		delete(n.pings, m.Nonce)
	}
	n.pingLock.Unlock()
	if !ok || rec.peerID != peerID {
		return
	}

	rtt := time.Since(rec.sent)
	if rtt <= 0 {
		rtt = time.Microsecond
	}
	n.registry.Update(registry.PeerUpdate{ID: peerID, LatencySample: rtt})
	logger.Sugar.Debugf("[MeshNode] PONG: peer=%s rtt=%s", peerID, rtt)
}

// prunePings forgets pings older than maxAge.
func (n *Node) prunePings(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	n.pingLock.Lock()
	defer n.pingLock.Unlock()
	for nonce, rec := range n.pings {
		if rec.sent.Before(cutoff) {
			delete(n.pings, nonce)
		}
	}
}
