package tcp

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netflixpp/meshnode/pkg/core"
	"github.com/netflixpp/meshnode/pkg/protocol"
	"github.com/netflixpp/meshnode/pkg/transport"
)

type recorder struct {
	mu       sync.Mutex
	peers    []transport.Node
	messages []protocol.Message
	closed   chan error
	gotMsg   chan protocol.Message
	onPeer   func(transport.Node, bool) error
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan error, 8), gotMsg: make(chan protocol.Message, 64)}
}

func (r *recorder) OnPeer(n transport.Node, outbound bool) error {
	r.mu.Lock()
	r.peers = append(r.peers, n)
	r.mu.Unlock()
	if r.onPeer != nil {
		return r.onPeer(n, outbound)
	}
	return nil
}

func (r *recorder) OnMessage(_ transport.Node, msg protocol.Message) error {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	r.gotMsg <- msg
	return nil
}

func (r *recorder) OnClose(_ transport.Node, err error) {
	r.closed <- err
}

func listen(t *testing.T, h transport.Handler, opts Options) *TCPTransport {
	t.Helper()
	tr := NewTCPTransport("127.0.0.1:0", opts)
	tr.SetHandler(h)
	require.NoError(t, tr.ListenAndAccept())
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func waitMsg(t *testing.T, r *recorder) protocol.Message {
	t.Helper()
	select {
	case m := <-r.gotMsg:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func waitClose(t *testing.T, r *recorder) error {
	t.Helper()
	select {
	case err := <-r.closed:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for close")
		return nil
	}
}

func TestMessagesArriveInOrder(t *testing.T) {
	server := newRecorder()
	srv := listen(t, server, Options{})

	client := NewTCPTransport("127.0.0.1:0", Options{})
	client.SetHandler(newRecorder())
	t.Cleanup(func() { _ = client.Close() })

	node, err := client.Dial(context.Background(), srv.Addr())
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, node.Send(protocol.RequestChunk{ContentID: "m", Index: i}))
	}
	for i := 0; i < 50; i++ {
		msg := waitMsg(t, server)
		assert.Equal(t, protocol.RequestChunk{ContentID: "m", Index: i}, msg)
	}
}

func TestConcurrentSendersNeverInterleaveLines(t *testing.T) {
	server := newRecorder()
	srv := listen(t, server, Options{})

	client := NewTCPTransport("127.0.0.1:0", Options{})
	t.Cleanup(func() { _ = client.Close() })
	node, err := client.Dial(context.Background(), srv.Addr())
	require.NoError(t, err)

	payload := []byte(strings.Repeat("x", 64*1024))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_ = node.Send(protocol.ChunkData{ContentID: "m", Index: g*10 + i, Payload: payload})
			}
		}(g)
	}
	wg.Wait()

	for i := 0; i < 40; i++ {
		msg := waitMsg(t, server)
		data, ok := msg.(protocol.ChunkData)
		require.True(t, ok)
		assert.Equal(t, payload, data.Payload)
	}
}

func TestMalformedLinesCloseAfterThreshold(t *testing.T) {
	server := newRecorder()
	srv := listen(t, server, Options{MaxParseFailures: 5})

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	w := bufio.NewWriter(conn)

	// A good line between bad ones resets the count.
	for _, line := range []string{"junk", "REQUEST_CHUNK|m|x", "NOPE|1", "GOODBYE", "a", "b", "c", "d"} {
		_, _ = w.WriteString(line + "\n")
	}
	require.NoError(t, w.Flush())

	msg := waitMsg(t, server)
	assert.Equal(t, protocol.Goodbye{}, msg)
	select {
	case err := <-server.closed:
		t.Fatalf("closed early: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	_, _ = w.WriteString("e\n")
	require.NoError(t, w.Flush())
	err = waitClose(t, server)
	assert.ErrorIs(t, err, core.ErrProtocolParse)
}

func TestOversizedLineClosesConnection(t *testing.T) {
	server := newRecorder()
	srv := listen(t, server, Options{MaxLineBytes: 1024})

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(strings.Repeat("A", 4096) + "\n"))
	require.NoError(t, err)

	assert.ErrorIs(t, waitClose(t, server), core.ErrProtocolParse)
}

func TestRemoteHangupReportsClose(t *testing.T) {
	server := newRecorder()
	srv := listen(t, server, Options{})

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	_, err = conn.Write([]byte("HELLO|phone\n"))
	require.NoError(t, err)
	waitMsg(t, server)
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, waitClose(t, server), core.ErrConnectionClosed)
}

func TestOnPeerErrorRejectsConnection(t *testing.T) {
	server := newRecorder()
	server.onPeer = func(n transport.Node, outbound bool) error {
		assert.False(t, outbound)
		_ = n.Send(protocol.Goodbye{})
		return core.ErrPeerLimit
	}
	srv := listen(t, server, Options{})

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "GOODBYE\n", line)
	assert.ErrorIs(t, waitClose(t, server), core.ErrPeerLimit)
}

func TestSendAfterCloseFails(t *testing.T) {
	srv := listen(t, newRecorder(), Options{})
	client := NewTCPTransport("127.0.0.1:0", Options{})
	t.Cleanup(func() { _ = client.Close() })

	node, err := client.Dial(context.Background(), srv.Addr())
	require.NoError(t, err)
	require.NoError(t, node.Close())

	select {
	case <-node.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("node never finished")
	}
	assert.ErrorIs(t, node.Send(protocol.Goodbye{}), core.ErrConnectionClosed)
	assert.NoError(t, node.Err())
}

func TestDialFailureIsTransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := NewTCPTransport("127.0.0.1:0", Options{DialTimeout: time.Second})
	_, err = client.Dial(context.Background(), addr)
	assert.ErrorIs(t, err, core.ErrTransport)
}

func TestCloseWaitsForConnections(t *testing.T) {
	server := newRecorder()
	srv := listen(t, server, Options{})
	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("PING|1\n"))
	require.NoError(t, err)
	waitMsg(t, server)

	require.NoError(t, srv.Close())
	select {
	case <-server.closed:
	default:
		t.Fatal("OnClose must have run before Close returned")
	}
}
