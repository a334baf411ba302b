// Package mesh runs a LAN mesh node: it accepts and dials peer connections,
// drives the handshake, serves and fetches chunks, and keeps the peer
// registry and transfer tracker current.
package mesh

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/netflixpp/meshnode/pkg/chunk"
	"github.com/netflixpp/meshnode/pkg/config"
	"github.com/netflixpp/meshnode/pkg/core"
	"github.com/netflixpp/meshnode/pkg/logger"
	"github.com/netflixpp/meshnode/pkg/monitor"
	"github.com/netflixpp/meshnode/pkg/protocol"
	"github.com/netflixpp/meshnode/pkg/quality"
	"github.com/netflixpp/meshnode/pkg/registry"
	"github.com/netflixpp/meshnode/pkg/storage"
	"github.com/netflixpp/meshnode/pkg/transfer"
	"github.com/netflixpp/meshnode/pkg/transport"
	"github.com/netflixpp/meshnode/pkg/transport/tcp"
)

// Node is one mesh participant.
type Node struct {
	cfg         config.Config
	deviceClass registry.DeviceClass

	transport transport.Transport
	registry  *registry.Registry
	tracker   *transfer.Tracker
	policy    *quality.Policy
	store     storage.Store
	metrics   *monitor.Metrics
	events    *bus
	dialer    *dialer

	mu       sync.Mutex
	sessions map[transport.Node]*session
	byPeer   map[string]*session

	pendingLock sync.Mutex
	pending     map[string]chan protocol.ChunkData

	pingLock sync.Mutex
	pings    map[string]pingRecord

	running    atomic.Bool
	stopped    bool
	lifecycle  sync.Mutex
	cancel     context.CancelFunc
	group      *errgroup.Group
	startedAt  time.Time
	listenPort int
}

type pingRecord struct {
	peerID string
	sent   time.Time
}

// Option configures a Node.
type Option func(*Node)

// WithStore replaces the store selected by storage.dir.
func WithStore(s storage.Store) Option {
	return func(n *Node) { n.store = s }
}

// WithMetrics shares a metrics instance, for example with a /metrics handler.
func WithMetrics(m *monitor.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithTransport replaces the TCP transport.
func WithTransport(t transport.Transport) Option {
	return func(n *Node) { n.transport = t }
}

// New validates cfg and builds a stopped Node.
func New(cfg config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:         cfg,
		deviceClass: registry.ParseDeviceClass(cfg.Node.DeviceClass),
		registry:    registry.New(registry.WithStaleAfter(cfg.Registry.StaleAfter)),
		events:      newBus(),
		sessions:    make(map[transport.Node]*session),
		byPeer:      make(map[string]*session),
		pending:     make(map[string]chan protocol.ChunkData),
		pings:       make(map[string]pingRecord),
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.metrics == nil {
		n.metrics = monitor.New()
	}
	if n.store == nil {
		if cfg.Storage.Dir != "" {
			dir, err := storage.NewDirStore(cfg.Storage.Dir)
			if err != nil {
				return nil, err
			}
			n.store = dir
		} else {
			n.store = storage.NewMemoryStore()
		}
	}
	if n.transport == nil {
		n.transport = tcp.NewTCPTransport(cfg.Listen.Addr, tcp.Options{
			MaxParseFailures: cfg.Protocol.MaxParseFailures,
			MaxLineBytes:     cfg.Protocol.MaxLineBytes,
			DialTimeout:      cfg.Timeouts.Dial,
			OnParseError: func(remote string, err error) {
				n.metrics.ParseError()
			},
		})
	}
	n.transport.SetHandler(n)

	n.tracker = transfer.NewTracker(transfer.WithObserver(n.onTransferChange))
	n.policy = quality.NewPolicy(n.registry, n.Running)
	n.dialer = newDialer(n.connect)

	logger.Sugar.Infof("[MeshNode] Initialized: id=%s name=%s device=%s listen=%s",
		cfg.Node.ID, cfg.Node.Name, n.deviceClass, cfg.Listen.Addr)
	return n, nil
}

func (n *Node) ID() string { return n.cfg.Node.ID }

func (n *Node) Name() string { return n.cfg.Node.Name }

func (n *Node) Config() config.Config { return n.cfg }

func (n *Node) Metrics() *monitor.Metrics { return n.metrics }

func (n *Node) Registry() *registry.Registry { return n.registry }

func (n *Node) Tracker() *transfer.Tracker { return n.tracker }

func (n *Node) Store() storage.Store { return n.store }

func (n *Node) Running() bool { return n.running.Load() }

// Addr is the bound listen address once started.
func (n *Node) Addr() string { return n.transport.Addr() }

// Start listens for peers and launches the background loops: heartbeat,
// inactivity sweep, seed dialing and, when enabled, mDNS discovery.
func (n *Node) Start(ctx context.Context) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()
	if n.running.Load() {
		return fmt.Errorf("%w: node already running", core.ErrInvalidState)
	}
	if n.stopped {
		return fmt.Errorf("%w: a stopped node cannot be restarted", core.ErrInvalidState)
	}

	if err := n.transport.ListenAndAccept(); err != nil {
		return err
	}
	if _, portStr, err := net.SplitHostPort(n.transport.Addr()); err == nil {
		n.listenPort, _ = strconv.Atoi(portStr)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	n.cancel = cancel
	n.group = g
	n.startedAt = time.Now()
	n.running.Store(true)

	g.Go(func() error { n.heartbeatLoop(gctx); return nil })
	g.Go(func() error { n.sweepLoop(gctx); return nil })
	g.Go(func() error { n.dialer.resetLoop(gctx); return nil })
	for _, seed := range n.cfg.Peers.Seeds {
		seed := seed
		g.Go(func() error {
			if _, err := n.dialer.dial(gctx, seed); err != nil {
				logger.Sugar.Warnf("[MeshNode] seed dial failed: addr=%s err=%v", seed, err)
			}
			return nil
		})
	}
	if n.cfg.Discovery.Enabled {
		g.Go(func() error { n.discoveryLoop(gctx); return nil })
	}

	logger.Sugar.Infof("[MeshNode] Started: id=%s addr=%s", n.ID(), n.Addr())
	return nil
}

// Stop says GOODBYE to every peer, closes all connections and waits for the
// background loops.
func (n *Node) Stop() error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()
	if !n.running.Swap(false) {
		return nil
	}
	n.stopped = true

	for _, s := range n.allSessions() {
		_ = s.conn.Send(protocol.Goodbye{})
	}
	n.cancel()

	var err error
	err = multierr.Append(err, n.transport.Close())
	err = multierr.Append(err, n.group.Wait())
	n.events.close()

	logger.Sugar.Infof("[MeshNode] Stopped: id=%s", n.ID())
	return err
}

// Connect dials addr and waits for the handshake. Dialing goes through the
// per-address circuit breaker.
func (n *Node) Connect(ctx context.Context, addr string) (registry.PeerNode, error) {
	return n.dialer.dial(ctx, addr)
}

// connect is the unprotected dial used by the dialer.
func (n *Node) connect(ctx context.Context, addr string) (registry.PeerNode, error) {
	if !n.Running() {
		return registry.PeerNode{}, core.ErrNodeNotRunning
	}
	if n.sessionCount() >= n.cfg.Peers.Max {
		return registry.PeerNode{}, fmt.Errorf("%w: %d connections", core.ErrPeerLimit, n.cfg.Peers.Max)
	}

	conn, err := n.transport.Dial(ctx, addr)
	if err != nil {
		return registry.PeerNode{}, err
	}
	s := n.sessionFor(conn, true)
	defer n.forgetIfClosed(conn, s)

	select {
	case <-s.ready:
	case <-conn.Done():
	case <-ctx.Done():
		conn.CloseWithError(ctx.Err())
		return registry.PeerNode{}, ctx.Err()
	}

	peerID, state, duplicate := s.snapshot()
	if state == stateConnected || duplicate {
		if p, ok := n.registry.Get(peerID); ok {
			return p, nil
		}
	}
	<-conn.Done()
	if err := conn.Err(); err != nil {
		return registry.PeerNode{}, err
	}
	return registry.PeerNode{}, fmt.Errorf("%w: %s closed during handshake", core.ErrConnectionClosed, addr)
}

// Disconnect sends GOODBYE to peerID and closes its connection.
func (n *Node) Disconnect(peerID string) error {
	s := n.peerSession(peerID)
	if s == nil {
		return fmt.Errorf("%w: peer %s", core.ErrNotFound, peerID)
	}
	_ = s.conn.Send(protocol.Goodbye{})
	return s.conn.Close()
}

// Publish splits data into chunks, stores them and announces contentID to
// every connected peer.
func (n *Node) Publish(contentID string, data []byte) (chunk.Manifest, error) {
	if err := protocol.ValidContentID(contentID); err != nil {
		return chunk.Manifest{}, fmt.Errorf("%w: %v", core.ErrConfiguration, err)
	}
	chunks, err := chunk.Split(contentID, data, n.cfg.Chunk.Size)
	if err != nil {
		return chunk.Manifest{}, err
	}
	m := chunk.NewManifest(contentID, n.cfg.Chunk.Size, chunks)
	if err := n.store.Put(m, chunks); err != nil {
		return chunk.Manifest{}, err
	}
	logger.Sugar.Infof("[MeshNode] Published content: id=%s bytes=%d chunks=%d", contentID, len(data), len(chunks))

	n.Announce(contentID)
	return m, nil
}

// Announce advertises contentIDs, or the whole store when none are given, to
// every connected peer.
func (n *Node) Announce(contentIDs ...string) {
	if len(contentIDs) == 0 {
		contentIDs = n.store.Contents()
	}
	if len(contentIDs) == 0 {
		return
	}
	msg := protocol.Announce{ContentIDs: contentIDs}
	for _, s := range n.connectedSessions() {
		if err := s.conn.Send(msg); err != nil {
			logger.Sugar.Warnf("[MeshNode] announce failed: peer=%s err=%v", s.id(), err)
		}
	}
}

// Peers returns every known peer.
func (n *Node) Peers() []registry.PeerNode { return n.registry.List() }

// Transfers returns every transfer, oldest first.
func (n *Node) Transfers() []transfer.Transfer { return n.tracker.List() }

// ActiveTransfers returns pending and in-progress transfers without waiting
// on in-flight mutation.
func (n *Node) ActiveTransfers() []transfer.Transfer { return n.tracker.ListActive() }

// Stats aggregates registry and tracker state.
type Stats struct {
	registry.Stats `yaml:",inline"`

	NodeID          string        `json:"node_id" yaml:"node_id"`
	Running         bool          `json:"running" yaml:"running"`
	Uptime          time.Duration `json:"uptime" yaml:"uptime"`
	ActiveTransfers int           `json:"active_transfers" yaml:"active_transfers"`
	LocalContent    int           `json:"local_content" yaml:"local_content"`
}

func (n *Node) Stats() Stats {
	st := Stats{
		Stats:           n.registry.Stats(),
		NodeID:          n.ID(),
		Running:         n.Running(),
		ActiveTransfers: len(n.tracker.ListActive()),
		LocalContent:    len(n.store.Contents()),
	}
	if st.Running {
		st.Uptime = time.Since(n.startedAt).Round(time.Second)
	}
	return st
}

func (n *Node) ShouldUseMesh(contentID string, userPrefersMesh bool) bool {
	return n.policy.ShouldUseMesh(contentID, userPrefersMesh)
}

func (n *Node) SelectBestPeer(contentID string) (registry.PeerNode, bool) {
	return n.policy.SelectBestPeer(contentID)
}

func (n *Node) MeshURL(contentID string) (string, bool) {
	return n.policy.MeshURL(contentID)
}

func (n *Node) PeerCount(contentID string) int {
	return n.policy.PeerCount(contentID)
}

// Subscribe returns a stream of engine events and a cancel function. Events
// queue without bound per subscriber; the channel closes on cancel or Stop.
func (n *Node) Subscribe() (<-chan Event, func()) {
	return n.events.subscribe()
}

func (n *Node) onTransferChange(t transfer.Transfer) {
	n.metrics.SetActiveTransfers(len(n.tracker.ListActive()))
	if t.State.Final() {
		n.metrics.RecordTransfer(t.Direction.String(), t.State.String(), t.BytesTransferred, t.UpdatedAt.Sub(t.StartedAt))
	}
	n.events.publish(Event{Type: TransferUpdate, Transfer: t})
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Heartbeat.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n.prunePings(2 * n.cfg.Heartbeat.Interval)
		for _, s := range n.connectedSessions() {
			n.ping(s)
		}
	}
}

func (n *Node) sweepLoop(ctx context.Context) {
	interval := n.cfg.Registry.InactiveAfter / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, p := range n.registry.SweepInactive(n.cfg.Registry.InactiveAfter) {
			logger.Sugar.Infof("[MeshNode] Peer inactive, dropping: id=%s last_seen=%s", p.ID, p.LastSeenAt.Format(time.RFC3339))
			if s := n.peerSession(p.ID); s != nil {
				s.conn.CloseWithError(fmt.Errorf("%w: peer %s inactive", core.ErrTransport, p.ID))
			}
		}
	}
}

// forgetIfClosed drops a session that Connect recreated after the
// transport already reported the connection closed.
func (n *Node) forgetIfClosed(conn transport.Node, s *session) {
	select {
	case <-conn.Done():
	default:
		return
	}
	n.mu.Lock()
	if n.sessions[conn] == s {
		delete(n.sessions, conn)
	}
	n.mu.Unlock()
}

func (n *Node) sessionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}

func (n *Node) allSessions() []*session {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*session, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s)
	}
	return out
}

func (n *Node) connectedSessions() []*session {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*session, 0, len(n.byPeer))
	for _, s := range n.byPeer {
		if s.currentState() == stateConnected {
			out = append(out, s)
		}
	}
	return out
}

func (n *Node) peerSession(peerID string) *session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.byPeer[peerID]
}
