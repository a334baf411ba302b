package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/netflixpp/meshnode/pkg/core"
	"github.com/netflixpp/meshnode/pkg/logger"
	"github.com/netflixpp/meshnode/pkg/protocol"
	"github.com/netflixpp/meshnode/pkg/transport"
)

const (
	DefaultMaxParseFailures = 5
	DefaultMaxLineBytes     = 32 << 20
	DefaultDialTimeout      = 5 * time.Second
	DefaultWriteTimeout     = 30 * time.Second
)

// Options tunes a TCPTransport. Zero values select the defaults.
type Options struct {
	// MaxParseFailures consecutive malformed lines close the connection.
	MaxParseFailures int
	MaxLineBytes     int
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	// OnParseError observes every dropped line.
	OnParseError func(remote string, err error)
}

func (o Options) withDefaults() Options {
	if o.MaxParseFailures <= 0 {
		o.MaxParseFailures = DefaultMaxParseFailures
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = DefaultMaxLineBytes
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// TCPNode implements transport.Node. Only its writer goroutine touches the
// socket for writing; Send appends to an unbounded queue.
type TCPNode struct {
	conn         net.Conn
	outbound     bool
	writeTimeout time.Duration

	mu    sync.Mutex
	queue []string
	err   error

	wake      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	writerEnd chan struct{}
	done      chan struct{}
}

func NewTCPNode(conn net.Conn, outbound bool, writeTimeout time.Duration) *TCPNode {
	n := &TCPNode{
		conn:         conn,
		outbound:     outbound,
		writeTimeout: writeTimeout,
		wake:         make(chan struct{}, 1),
		closing:      make(chan struct{}),
		writerEnd:    make(chan struct{}),
		done:         make(chan struct{}),
	}
	go n.writeLoop()
	return n
}

func (n *TCPNode) Send(msg protocol.Message) error {
	line, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	n.mu.Lock()
	select {
	case <-n.closing:
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrConnectionClosed, n.Addr())
	default:
	}
	n.queue = append(n.queue, line)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close flushes queued messages and closes the connection.
func (n *TCPNode) Close() error {
	n.CloseWithError(nil)
	return nil
}

func (n *TCPNode) CloseWithError(err error) {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.err = err
		close(n.closing)
		n.mu.Unlock()
	})
}

func (n *TCPNode) Addr() string {
	return n.conn.RemoteAddr().String()
}

func (n *TCPNode) Outbound() bool {
	return n.outbound
}

func (n *TCPNode) Done() <-chan struct{} {
	return n.done
}

// Err returns the close cause, nil for a local graceful close.
func (n *TCPNode) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

func (n *TCPNode) isClosing() bool {
	select {
	case <-n.closing:
		return true
	default:
		return false
	}
}

func (n *TCPNode) writeLoop() {
	defer close(n.writerEnd)
	w := bufio.NewWriter(n.conn)
	for {
		select {
		case <-n.wake:
			if err := n.flush(w); err != nil {
				n.CloseWithError(fmt.Errorf("%w: write to %s: %v", core.ErrTransport, n.Addr(), err))
				_ = n.conn.Close()
				return
			}
		case <-n.closing:
			if err := n.flush(w); err != nil {
				logger.Sugar.Debugf("[TCPTransport] flush on close failed: remote=%s err=%v", n.Addr(), err)
			}
			_ = n.conn.Close()
			return
		}
	}
}

func (n *TCPNode) flush(w *bufio.Writer) error {
	n.mu.Lock()
	pending := n.queue
	n.queue = nil
	n.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	if err := n.conn.SetWriteDeadline(time.Now().Add(n.writeTimeout)); err != nil {
		return err
	}
	for _, line := range pending {
		if err := writeFrame(w, line); err != nil {
			return err
		}
	}
	return w.Flush()
}

// TCPTransport implements transport.Transport
type TCPTransport struct {
	listenAddr string
	opts       Options

	mu       sync.Mutex
	listener net.Listener
	handler  transport.Handler
	nodes    map[*TCPNode]struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup
}

func NewTCPTransport(addr string, opts Options) *TCPTransport {
	return &TCPTransport{
		listenAddr: addr,
		opts:       opts.withDefaults(),
		nodes:      make(map[*TCPNode]struct{}),
	}
}

func (t *TCPTransport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *TCPTransport) getHandler() transport.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *TCPTransport) ListenAndAccept() error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", core.ErrTransport, t.listenAddr, err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

func (t *TCPTransport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[TCPTransport] accept error: listen=%s err=%v", t.listenAddr, err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		node := NewTCPNode(conn, false, t.opts.WriteTimeout)
		if !t.track(node) {
			node.CloseWithError(fmt.Errorf("%w: transport closed", core.ErrConnectionClosed))
			<-node.writerEnd
			continue
		}
		go t.handleConn(node)
	}
}

func (t *TCPTransport) Dial(ctx context.Context, addr string) (transport.Node, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("%w: transport closed", core.ErrConnectionClosed)
	}
	d := net.Dialer{Timeout: t.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", core.ErrTransport, addr, err)
	}

	node := NewTCPNode(conn, true, t.opts.WriteTimeout)
	if !t.track(node) {
		node.CloseWithError(fmt.Errorf("%w: transport closed", core.ErrConnectionClosed))
		<-node.writerEnd
		return nil, fmt.Errorf("%w: transport closed", core.ErrConnectionClosed)
	}
	go t.handleConn(node)
	return node, nil
}

func (t *TCPTransport) track(n *TCPNode) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return false
	}
	t.nodes[n] = struct{}{}
	t.wg.Add(1)
	return true
}

func (t *TCPTransport) handleConn(node *TCPNode) {
	defer t.wg.Done()
	h := t.getHandler()

	if h != nil {
		if err := h.OnPeer(node, node.outbound); err != nil {
			node.CloseWithError(err)
		}
	}
	if !node.isClosing() {
		t.readLoop(node, h)
	}

	<-node.writerEnd
	// The reader may still hold the socket if the writer closed first.
	_ = node.conn.Close()

	t.mu.Lock()
	delete(t.nodes, node)
	t.mu.Unlock()

	if h != nil {
		h.OnClose(node, node.Err())
	}
	close(node.done)
}

func (t *TCPTransport) readLoop(node *TCPNode, h transport.Handler) {
	remote := node.Addr()
	scanner := newLineScanner(node.conn, t.opts.MaxLineBytes)
	failures := 0

	for scanner.Scan() {
		line := scanner.Text()
		msg, err := protocol.Parse(line)
		if err != nil {
			failures++
			logger.Sugar.Warnf("[TCPTransport] dropped line: remote=%s consecutive=%d err=%v", remote, failures, err)
			if t.opts.OnParseError != nil {
				t.opts.OnParseError(remote, err)
			}
			if failures >= t.opts.MaxParseFailures {
				node.CloseWithError(fmt.Errorf("%w: %d consecutive malformed lines from %s",
					core.ErrProtocolParse, failures, remote))
				return
			}
			continue
		}
		failures = 0

		if h == nil {
			continue
		}
		if err := h.OnMessage(node, msg); err != nil {
			node.CloseWithError(err)
			return
		}
		if node.isClosing() {
			return
		}
	}

	if node.isClosing() {
		return
	}
	err := scanner.Err()
	switch {
	case err == nil || errors.Is(err, io.EOF):
		node.CloseWithError(fmt.Errorf("%w: %s hung up", core.ErrConnectionClosed, remote))
	case errors.Is(err, bufio.ErrTooLong):
		node.CloseWithError(fmt.Errorf("%w: line from %s exceeds %d bytes",
			core.ErrProtocolParse, remote, t.opts.MaxLineBytes))
	default:
		node.CloseWithError(fmt.Errorf("%w: read from %s: %v", core.ErrTransport, remote, err))
	}
}

// Close stops accepting, closes every live connection and waits for their
// handlers to finish.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed.Swap(true) {
		t.mu.Unlock()
		return nil
	}
	ln := t.listener
	nodes := make([]*TCPNode, 0, len(t.nodes))
	for n := range t.nodes {
		nodes = append(nodes, n)
	}
	t.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	for _, n := range nodes {
		err = multierr.Append(err, n.Close())
	}
	t.wg.Wait()
	return err
}

// Addr returns the bound address once listening, which resolves ":0".
func (t *TCPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.listenAddr
}
