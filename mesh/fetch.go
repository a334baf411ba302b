package mesh

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/netflixpp/meshnode/pkg/chunk"
	"github.com/netflixpp/meshnode/pkg/core"
	"github.com/netflixpp/meshnode/pkg/logger"
	"github.com/netflixpp/meshnode/pkg/protocol"
	"github.com/netflixpp/meshnode/pkg/registry"
	"github.com/netflixpp/meshnode/pkg/transfer"
)

func pendingKey(peerID, contentID string, index int) string {
	return peerID + "|" + contentID + "|" + strconv.Itoa(index)
}

// RequestChunk asks peerID for one chunk of contentID and waits for it.
// transferID names the Download transfer that sizes and records the chunk.
func (n *Node) RequestChunk(ctx context.Context, peerID, contentID string, index int, transferID string) (chunk.Chunk, error) {
	return n.requestChunk(ctx, peerID, contentID, index, transferID, "")
}

// requestChunk is RequestChunk with an optional expected checksum taken from
// a manifest.
func (n *Node) requestChunk(ctx context.Context, peerID, contentID string, index int, transferID, want string) (chunk.Chunk, error) {
	if !n.Running() {
		return chunk.Chunk{}, core.ErrNodeNotRunning
	}
	s := n.peerSession(peerID)
	if s == nil || s.currentState() != stateConnected {
		return chunk.Chunk{}, fmt.Errorf("%w: peer %s is not connected", core.ErrNotFound, peerID)
	}
	tr, ok := n.tracker.Get(transferID)
	if !ok {
		return chunk.Chunk{}, fmt.Errorf("%w: transfer %s", core.ErrNotFound, transferID)
	}
	if tr.Direction != transfer.Download || tr.ContentID != contentID || tr.PeerID != peerID {
		return chunk.Chunk{}, fmt.Errorf("%w: transfer %s does not download %s from %s",
			core.ErrInvalidState, transferID, contentID, peerID)
	}
	expected := chunk.SizeAt(tr.TotalBytes, tr.ChunkSize, index)
	if index < 0 || index >= tr.TotalChunks {
		return chunk.Chunk{}, fmt.Errorf("%w: chunk index %d out of range [0,%d)", core.ErrInvalidState, index, tr.TotalChunks)
	}

	key := pendingKey(peerID, contentID, index)
	reply := make(chan protocol.ChunkData, 1)
	n.pendingLock.Lock()
	if _, busy := n.pending[key]; busy {
		n.pendingLock.Unlock()
		return chunk.Chunk{}, fmt.Errorf("%w: chunk %d of %s already requested from %s", core.ErrInvalidState, index, contentID, peerID)
	}
	n.pending[key] = reply
	n.pendingLock.Unlock()
	defer n.dropPending(key, reply)

	if err := n.tracker.StartChunk(transferID, index); err != nil {
		return chunk.Chunk{}, err
	}
	started := time.Now()
	if err := s.conn.Send(protocol.RequestChunk{ContentID: contentID, Index: index}); err != nil {
		_ = n.tracker.FailChunk(transferID, index, err.Error())
		return chunk.Chunk{}, err
	}

	timer := time.NewTimer(n.cfg.Timeouts.ChunkRequest)
	defer timer.Stop()

	var data protocol.ChunkData
	select {
	case d, ok := <-reply:
		if !ok {
			_ = n.tracker.FailChunk(transferID, index, "peer disconnected")
			return chunk.Chunk{}, fmt.Errorf("%w: peer %s disconnected before chunk %d", core.ErrConnectionClosed, peerID, index)
		}
		data = d
	case <-timer.C:
		_ = n.tracker.FailChunk(transferID, index, "timed out")
		logger.Sugar.Warnf("[MeshNode] chunk request timed out: peer=%s content=%s index=%d after=%s",
			peerID, contentID, index, n.cfg.Timeouts.ChunkRequest)
		return chunk.Chunk{}, fmt.Errorf("%w: chunk %d of %s from %s after %s",
			core.ErrChunkTimeout, index, contentID, peerID, n.cfg.Timeouts.ChunkRequest)
	case <-ctx.Done():
		_ = n.tracker.FailChunk(transferID, index, ctx.Err().Error())
		return chunk.Chunk{}, ctx.Err()
	}

	c := chunk.Chunk{
		ContentID: contentID,
		Index:     index,
		Total:     tr.TotalChunks,
		Size:      expected,
		Checksum:  chunk.Hash(data.Payload),
		Payload:   data.Payload,
	}
	if err := n.checkChunk(c, data.Checksum, want); err != nil {
		n.metrics.ChecksumFailure()
		_ = n.tracker.FailChunk(transferID, index, err.Error())
		logger.Sugar.Warnf("[MeshNode] rejected chunk: peer=%s err=%v", peerID, err)
		return chunk.Chunk{}, err
	}

	size := len(data.Payload)
	elapsed := time.Since(started).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-3
	}
	n.registry.Update(registry.PeerUpdate{
		ID:              peerID,
		BytesReceived:   int64(size),
		BandwidthSample: float64(size) / elapsed,
	})
	n.metrics.ChunkFetched(size)
	if _, err := n.tracker.RecordChunkProgress(transferID, index, int64(size)); err != nil {
		return chunk.Chunk{}, err
	}
	return c, nil
}

func (n *Node) checkChunk(c chunk.Chunk, wire, want string) error {
	if len(c.Payload) != c.Size {
		return fmt.Errorf("%w: content=%s chunk=%d expected %d bytes, got %d",
			core.ErrChunkIntegrity, c.ContentID, c.Index, c.Size, len(c.Payload))
	}
	if wire != "" && wire != c.Checksum {
		return fmt.Errorf("%w: content=%s chunk=%d checksum %s does not match payload %s",
			core.ErrChunkIntegrity, c.ContentID, c.Index, wire, c.Checksum)
	}
	if want != "" && want != c.Checksum {
		return fmt.Errorf("%w: content=%s chunk=%d checksum %s does not match manifest %s",
			core.ErrChunkIntegrity, c.ContentID, c.Index, c.Checksum, want)
	}
	return nil
}

// deliver hands CHUNK_DATA to the waiting request. Unsolicited chunks are
// dropped.
func (n *Node) deliver(peerID string, m protocol.ChunkData) {
	key := pendingKey(peerID, m.ContentID, m.Index)
	n.pendingLock.Lock()
	reply, ok := n.pending[key]
	if ok {
		delete(n.pending, key)
	}
	n.pendingLock.Unlock()
	if !ok {
		logger.Sugar.Debugf("[MeshNode] unsolicited chunk: peer=%s content=%s index=%d", peerID, m.ContentID, m.Index)
		return
	}
	reply <- m
}

func (n *Node) dropPending(key string, reply chan protocol.ChunkData) {
	n.pendingLock.Lock()
	defer n.pendingLock.Unlock()
	if n.pending[key] == reply {
		delete(n.pending, key)
	}
}

// failPending wakes every request waiting on peerID.
func (n *Node) failPending(peerID string) {
	prefix := peerID + "|"
	n.pendingLock.Lock()
	defer n.pendingLock.Unlock()
	for key, reply := range n.pending {
		if strings.HasPrefix(key, prefix) {
			delete(n.pending, key)
			close(reply)
		}
	}
}

// FetchRequest describes a whole-content download.
type FetchRequest struct {
	ContentID string
	// PeerID selects the source. Empty picks the best peer for ContentID.
	PeerID string
	// TotalBytes and ChunkSize size the transfer when Manifest is nil.
	TotalBytes int64
	ChunkSize  int
	// Manifest, when set, sizes the transfer and pins every chunk checksum.
	Manifest *chunk.Manifest
	// Keep stores the fetched content locally and announces it.
	Keep bool
}

// Fetch downloads every chunk of a content item from one peer, up to
// fetch.parallelism requests at a time, and returns the merged bytes with
// the final transfer snapshot.
func (n *Node) Fetch(ctx context.Context, req FetchRequest) ([]byte, transfer.Transfer, error) {
	if !n.Running() {
		return nil, transfer.Transfer{}, core.ErrNodeNotRunning
	}
	if err := protocol.ValidContentID(req.ContentID); err != nil {
		return nil, transfer.Transfer{}, fmt.Errorf("%w: %v", core.ErrConfiguration, err)
	}

	totalBytes, chunkSize := req.TotalBytes, req.ChunkSize
	var checksums []string
	if req.Manifest != nil {
		if req.Manifest.ContentID != req.ContentID {
			return nil, transfer.Transfer{}, fmt.Errorf("%w: manifest is for %s, not %s",
				core.ErrConfiguration, req.Manifest.ContentID, req.ContentID)
		}
		totalBytes, chunkSize = req.Manifest.TotalBytes, req.Manifest.ChunkSize
		checksums = req.Manifest.Checksums
	}
	if chunkSize == 0 {
		chunkSize = n.cfg.Chunk.Size
	}

	peerID := req.PeerID
	if peerID == "" {
		best, ok := n.SelectBestPeer(req.ContentID)
		if !ok {
			return nil, transfer.Transfer{}, fmt.Errorf("%w: no peer carries %s", core.ErrNotFound, req.ContentID)
		}
		peerID = best.ID
	}

	tr, err := n.tracker.BeginDownload(req.ContentID, peerID, totalBytes, chunkSize)
	if err != nil {
		return nil, transfer.Transfer{}, err
	}
	logger.Sugar.Infof("[MeshNode] Fetching: content=%s peer=%s bytes=%d chunks=%d transfer=%s",
		req.ContentID, peerID, totalBytes, tr.TotalChunks, tr.ID)

	if tr.TotalChunks == 0 {
		done, err := n.tracker.Complete(tr.ID)
		return []byte{}, done, err
	}

	chunks := make([]chunk.Chunk, tr.TotalChunks)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.cfg.Fetch.Parallelism)
	for i := 0; i < tr.TotalChunks; i++ {
		i := i
		want := ""
		if i < len(checksums) {
			want = checksums[i]
		}
		g.Go(func() error {
			c, err := n.requestChunk(gctx, peerID, req.ContentID, i, tr.ID, want)
			if err != nil {
				return err
			}
			chunks[i] = c
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil, n.cancelTransfer(tr.ID), err
		}
		return nil, n.failTransfer(tr.ID, err), err
	}

	data, err := chunk.Merge(chunks)
	if err != nil {
		return nil, n.failTransfer(tr.ID, err), err
	}

	if req.Keep {
		m := chunk.NewManifest(req.ContentID, chunkSize, chunks)
		if err := n.store.Put(m, chunks); err != nil {
			logger.Sugar.Errorf("[MeshNode] failed to keep fetched content: content=%s err=%v", req.ContentID, err)
		} else {
			n.Announce(req.ContentID)
		}
	}

	final, _ := n.tracker.Get(tr.ID)
	logger.Sugar.Infof("[MeshNode] Fetch complete: content=%s peer=%s bytes=%d state=%s",
		req.ContentID, peerID, len(data), final.State)
	return data, final, nil
}

// failTransfer fails id unless it already reached a final state, for example
// through the peer disconnecting.
func (n *Node) failTransfer(id string, cause error) transfer.Transfer {
	if tr, err := n.tracker.Fail(id, cause.Error()); err == nil {
		return tr
	}
	tr, _ := n.tracker.Get(id)
	return tr
}

// cancelTransfer is failTransfer for a Fetch abandoned by its caller.
func (n *Node) cancelTransfer(id string) transfer.Transfer {
	if tr, err := n.tracker.Cancel(id); err == nil {
		logger.Sugar.Infof("[MeshNode] Fetch cancelled: transfer=%s", id)
		return tr
	}
	tr, _ := n.tracker.Get(id)
	return tr
}
