package mesh

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netflixpp/meshnode/pkg/core"
	"github.com/netflixpp/meshnode/pkg/logger"
	"github.com/netflixpp/meshnode/pkg/protocol"
	"github.com/netflixpp/meshnode/pkg/registry"
	"github.com/netflixpp/meshnode/pkg/transfer"
	"github.com/netflixpp/meshnode/pkg/transport"
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateHandshaking
	stateConnected
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateHandshaking:
		return "handshaking"
	case stateConnected:
		return "connected"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var errDuplicate = fmt.Errorf("%w: duplicate connection", core.ErrConnectionClosed)

// session is the engine's view of one connection.
type session struct {
	conn     transport.Node
	outbound bool

	mu        sync.Mutex
	state     sessionState
	peerID    string
	duplicate bool
	helloSent time.Time
	timer     *time.Timer

	ready     chan struct{}
	readyOnce sync.Once
}

func (s *session) id() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

func (s *session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) snapshot() (string, sessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID, s.state, s.duplicate
}

func (s *session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *session) stopTimer() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
}

// sessionFor returns the session bound to conn, creating it on first use.
// Dial and the transport's OnPeer race to create it.
func (n *Node) sessionFor(conn transport.Node, outbound bool) *session {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.sessions[conn]; ok {
		return s
	}
	s := &session{conn: conn, outbound: outbound, state: stateConnecting, ready: make(chan struct{})}
	n.sessions[conn] = s
	return s
}

func (n *Node) lookup(conn transport.Node) *session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[conn]
}

func (n *Node) identity() protocol.Identity {
	return protocol.Identity{
		DeviceName:  n.cfg.Node.Name,
		NodeID:      n.cfg.Node.ID,
		DeviceClass: n.deviceClass.String(),
		ListenPort:  n.listenPort,
	}
}

// OnPeer starts the handshake: the dialer sends HELLO, the acceptor waits
// for one. Either side gives up after the handshake timeout.
func (n *Node) OnPeer(conn transport.Node, outbound bool) error {
	if !n.Running() {
		return core.ErrNodeNotRunning
	}
	if !outbound && n.sessionCount() >= n.cfg.Peers.Max {
		logger.Sugar.Warnf("[MeshNode] rejecting connection: remote=%s limit=%d", conn.Addr(), n.cfg.Peers.Max)
		_ = conn.Send(protocol.Goodbye{})
		return fmt.Errorf("%w: %d connections", core.ErrPeerLimit, n.cfg.Peers.Max)
	}

	s := n.sessionFor(conn, outbound)
	s.mu.Lock()
	s.state = stateHandshaking
	s.timer = time.AfterFunc(n.cfg.Timeouts.Handshake, func() { n.handshakeExpired(s) })
	s.mu.Unlock()

	if outbound {
		s.mu.Lock()
		s.helloSent = time.Now()
		s.mu.Unlock()
		if err := conn.Send(protocol.Hello{Identity: n.identity()}); err != nil {
			return err
		}
		logger.Sugar.Debugf("[MeshNode] HELLO sent: remote=%s", conn.Addr())
	}
	return nil
}

func (n *Node) handshakeExpired(s *session) {
	if s.currentState() != stateHandshaking {
		return
	}
	n.metrics.HandshakeTimeout()
	logger.Sugar.Warnf("[MeshNode] handshake timed out: remote=%s after=%s", s.conn.Addr(), n.cfg.Timeouts.Handshake)
	s.conn.CloseWithError(fmt.Errorf("%w: %s after %s", core.ErrHandshakeTimeout, s.conn.Addr(), n.cfg.Timeouts.Handshake))
}

// OnMessage dispatches one parsed line. Content messages are ignored until
// the session is connected.
func (n *Node) OnMessage(conn transport.Node, msg protocol.Message) error {
	s := n.lookup(conn)
	if s == nil {
		return fmt.Errorf("%w: no session for %s", core.ErrInvalidState, conn.Addr())
	}
	peerID, state, _ := s.snapshot()
	if peerID != "" {
		n.registry.Touch(peerID)
	}

	switch m := msg.(type) {
	case protocol.Hello:
		if s.outbound || state != stateHandshaking {
			logger.Sugar.Warnf("[MeshNode] unexpected HELLO: remote=%s state=%s", conn.Addr(), state)
			return nil
		}
		return n.acceptHello(s, m)
	case protocol.Welcome:
		if !s.outbound || state != stateHandshaking {
			logger.Sugar.Warnf("[MeshNode] unexpected WELCOME: remote=%s state=%s", conn.Addr(), state)
			return nil
		}
		return n.completeDial(s, m)
	case protocol.Goodbye:
		logger.Sugar.Infof("[MeshNode] GOODBYE received: remote=%s peer=%s state=%s", conn.Addr(), peerID, state)
		return fmt.Errorf("%w: peer %s said goodbye", core.ErrConnectionClosed, conn.Addr())
	case protocol.Ping:
		return conn.Send(protocol.Pong{Nonce: m.Nonce})
	case protocol.Pong:
		n.onPong(peerID, m)
		return nil
	}

	if state != stateConnected {
		logger.Sugar.Debugf("[MeshNode] dropping %s before handshake: remote=%s", msg.Type(), conn.Addr())
		return nil
	}

	switch m := msg.(type) {
	case protocol.Announce:
		n.onAnnounce(peerID, m)
	case protocol.RequestChunk:
		n.serveChunk(s, peerID, m)
	case protocol.ChunkData:
		n.deliver(peerID, m)
	}
	return nil
}

func (n *Node) acceptHello(s *session, m protocol.Hello) error {
	peerID := n.resolvePeerID(m.Identity)
	if peerID == n.ID() {
		_ = s.conn.Send(protocol.Goodbye{})
		return fmt.Errorf("%w: refusing connection to self", core.ErrInvalidState)
	}

	if !n.claim(s, peerID) {
		_ = s.conn.Send(protocol.Welcome{Identity: n.identity()})
		_ = s.conn.Send(protocol.Goodbye{})
		return errDuplicate
	}

	n.registry.Upsert(registry.PeerUpdate{
		ID:          peerID,
		Address:     peerAddress(s.conn.Addr(), m.ListenPort),
		DisplayName: m.DeviceName,
		DeviceClass: registry.ParseDeviceClass(m.DeviceClass),
		State:       registry.StatePtr(registry.StateHandshaking),
	})
	if err := s.conn.Send(protocol.Welcome{Identity: n.identity()}); err != nil {
		return err
	}
	n.established(s, peerID, 0)
	return nil
}

func (n *Node) completeDial(s *session, m protocol.Welcome) error {
	s.mu.Lock()
	rtt := time.Since(s.helloSent)
	s.mu.Unlock()

	peerID := n.resolvePeerID(m.Identity)
	if peerID == n.ID() {
		_ = s.conn.Send(protocol.Goodbye{})
		return fmt.Errorf("%w: dialed self", core.ErrInvalidState)
	}
	if !n.claim(s, peerID) {
		_ = s.conn.Send(protocol.Goodbye{})
		return errDuplicate
	}

	n.registry.Upsert(registry.PeerUpdate{
		ID:          peerID,
		Address:     peerAddress(s.conn.Addr(), m.ListenPort),
		DisplayName: m.DeviceName,
		DeviceClass: registry.ParseDeviceClass(m.DeviceClass),
		State:       registry.StatePtr(registry.StateHandshaking),
	})
	n.established(s, peerID, rtt)
	return nil
}

// established finishes either side of the handshake.
func (n *Node) established(s *session, peerID string, rtt time.Duration) {
	s.stopTimer()
	p := n.registry.Upsert(registry.PeerUpdate{
		ID:            peerID,
		State:         registry.StatePtr(registry.StateConnected),
		LatencySample: rtt,
	})
	s.setState(stateConnected)
	s.markReady()
	n.metrics.SetConnectedPeers(len(n.connectedSessions()))

	logger.Sugar.Infof("[MeshNode] Peer connected: id=%s name=%s addr=%s outbound=%t",
		peerID, p.DisplayName, p.Address, s.outbound)

	if ids := n.store.Contents(); len(ids) > 0 {
		if err := s.conn.Send(protocol.Announce{ContentIDs: ids}); err != nil {
			logger.Sugar.Warnf("[MeshNode] initial announce failed: peer=%s err=%v", peerID, err)
		}
	}
	n.events.publish(Event{Type: PeerDiscovered, Peer: p})
}

// resolvePeerID falls back to a local id for peers that do not send one.
func (n *Node) resolvePeerID(id protocol.Identity) string {
	if id.NodeID != "" {
		return id.NodeID
	}
	return uuid.NewString()
}

// claim binds peerID to s. When another session already owns the peer, the
// connection opened by the node with the smaller id wins; between two
// connections in the same direction the newer wins. It returns false when s
// lost and must close.
func (n *Node) claim(s *session, peerID string) bool {
	n.mu.Lock()
	existing := n.byPeer[peerID]

	s.mu.Lock()
	s.peerID = peerID
	s.mu.Unlock()

	if existing == nil || existing == s {
		n.byPeer[peerID] = s
		n.mu.Unlock()
		return true
	}

	keepNew := true
	if existing.outbound != s.outbound {
		if s.outbound {
			keepNew = n.ID() < peerID
		} else {
			keepNew = peerID < n.ID()
		}
	}

	loser := existing
	if keepNew {
		n.byPeer[peerID] = s
	} else {
		loser = s
	}
	loser.mu.Lock()
	loser.duplicate = true
	loser.mu.Unlock()
	n.mu.Unlock()

	logger.Sugar.Infof("[MeshNode] duplicate connection: peer=%s keep_outbound=%t", peerID, keepNew == s.outbound)
	if loser == existing {
		loser.markReady()
		_ = loser.conn.Send(protocol.Goodbye{})
		_ = loser.conn.Close()
		return true
	}
	s.markReady()
	return false
}

// OnClose tears down the session. Only the session that owns the peer
// removes it from the registry and fails its transfers.
func (n *Node) OnClose(conn transport.Node, err error) {
	n.mu.Lock()
	s := n.sessions[conn]
	delete(n.sessions, conn)
	owner := false
	if s != nil && s.peerID != "" && n.byPeer[s.peerID] == s {
		delete(n.byPeer, s.peerID)
		owner = true
	}
	n.mu.Unlock()
	if s == nil {
		return
	}

	s.setState(stateClosing)
	s.stopTimer()
	s.markReady()

	peerID := s.id()
	reason := "connection closed"
	if err != nil {
		reason = err.Error()
	}
	if !owner {
		logger.Sugar.Debugf("[MeshNode] connection closed: remote=%s peer=%s reason=%s", conn.Addr(), peerID, reason)
		s.setState(stateClosed)
		return
	}

	n.failPending(peerID)
	failed := n.tracker.FailPeer(peerID, reason)
	p, ok := n.registry.Remove(peerID)
	if !ok {
		p = registry.PeerNode{ID: peerID}
	}
	p.State = registry.StateDisconnected
	n.metrics.SetConnectedPeers(len(n.connectedSessions()))
	s.setState(stateClosed)

	level := logger.Sugar.Infof
	if err != nil && !errors.Is(err, core.ErrConnectionClosed) {
		level = logger.Sugar.Warnf
	}
	level("[MeshNode] Peer disconnected: id=%s failed_transfers=%d reason=%s", peerID, len(failed), reason)
	n.events.publish(Event{Type: PeerLost, Peer: p, Reason: reason})
}

func (n *Node) onAnnounce(peerID string, m protocol.Announce) {
	p, ok := n.registry.Update(registry.PeerUpdate{ID: peerID, Capabilities: m.ContentIDs})
	if !ok {
		return
	}
	logger.Sugar.Debugf("[MeshNode] ANNOUNCE: peer=%s content=%v", peerID, m.ContentIDs)
	n.events.publish(Event{Type: ContentAvailable, Peer: p, ContentIDs: append([]string(nil), m.ContentIDs...)})
}

// serveChunk answers REQUEST_CHUNK from the local store. Unknown content or
// chunks get no reply; the requester times out.
func (n *Node) serveChunk(s *session, peerID string, m protocol.RequestChunk) {
	manifest, err := n.store.Manifest(m.ContentID)
	if err != nil {
		logger.Sugar.Warnf("[MeshNode] cannot serve: peer=%s content=%s index=%d err=%v", peerID, m.ContentID, m.Index, err)
		return
	}
	c, err := n.store.Chunk(m.ContentID, m.Index)
	if err != nil {
		logger.Sugar.Warnf("[MeshNode] cannot serve: peer=%s content=%s index=%d err=%v", peerID, m.ContentID, m.Index, err)
		return
	}

	tr, ok := n.tracker.FindActive(m.ContentID, peerID, transfer.Upload)
	if !ok {
		tr, err = n.tracker.BeginUpload(m.ContentID, peerID, manifest.TotalBytes, manifest.ChunkSize)
		if err != nil {
			logger.Sugar.Errorf("[MeshNode] begin upload failed: peer=%s content=%s err=%v", peerID, m.ContentID, err)
			return
		}
	}
	if err := n.tracker.StartChunk(tr.ID, m.Index); err != nil {
		logger.Sugar.Warnf("[MeshNode] start chunk failed: transfer=%s index=%d err=%v", tr.ID, m.Index, err)
	}

	reply := protocol.ChunkData{ContentID: c.ContentID, Index: c.Index, Payload: c.Payload, Checksum: c.Checksum}
	if err := s.conn.Send(reply); err != nil {
		_ = n.tracker.FailChunk(tr.ID, m.Index, err.Error())
		logger.Sugar.Warnf("[MeshNode] send chunk failed: peer=%s content=%s index=%d err=%v", peerID, m.ContentID, m.Index, err)
		return
	}

	size := len(c.Payload)
	if _, err := n.tracker.RecordChunkProgress(tr.ID, m.Index, int64(size)); err != nil {
		logger.Sugar.Warnf("[MeshNode] upload progress failed: transfer=%s index=%d err=%v", tr.ID, m.Index, err)
	}
	n.registry.Update(registry.PeerUpdate{ID: peerID, BytesSent: int64(size)})
	n.metrics.ChunkServed(size)
	logger.Sugar.Debugf("[MeshNode] served chunk: peer=%s content=%s index=%d bytes=%d", peerID, m.ContentID, m.Index, size)
}

// peerAddress combines the remote host with the peer's advertised listen
// port, keeping the connection's own port when none was advertised.
func peerAddress(remote string, listenPort int) registry.Address {
	host, portStr, err := net.SplitHostPort(remote)
	if err != nil {
		return registry.Address{Host: remote}
	}
	port, _ := strconv.Atoi(portStr)
	if listenPort > 0 {
		port = listenPort
	}
	return registry.Address{Host: host, Port: port}
}
