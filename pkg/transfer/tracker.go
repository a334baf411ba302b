// Package transfer tracks in-flight chunk exchanges with peers and rolls them
// up into per-content transfers.
package transfer

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/netflixpp/meshnode/pkg/chunk"
	"github.com/netflixpp/meshnode/pkg/core"
)

// rateAlpha weighs the newest throughput sample.
const rateAlpha = 0.3

// Tracker owns every Transfer. Mutations are serialised; ListActive reads a
// published snapshot and never waits for in-flight mutations.
type Tracker struct {
	mu        sync.Mutex
	transfers map[string]*Transfer
	lastBeat  map[string]time.Time
	active    atomic.Pointer[[]Transfer]
	now       func() time.Time
	onChange  func(Transfer)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithObserver registers a callback invoked after every state or progress
// change. It runs outside the tracker lock.
func WithObserver(fn func(Transfer)) Option {
	return func(t *Tracker) { t.onChange = fn }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		transfers: make(map[string]*Transfer),
		lastBeat:  make(map[string]time.Time),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	empty := []Transfer{}
	t.active.Store(&empty)
	return t
}

// BeginDownload registers a new Download transfer for contentID from peerID.
func (t *Tracker) BeginDownload(contentID, peerID string, totalBytes int64, chunkSize int) (Transfer, error) {
	return t.begin(contentID, peerID, Download, totalBytes, chunkSize)
}

// BeginUpload registers a new Upload transfer for contentID to peerID.
func (t *Tracker) BeginUpload(contentID, peerID string, totalBytes int64, chunkSize int) (Transfer, error) {
	return t.begin(contentID, peerID, Upload, totalBytes, chunkSize)
}

func (t *Tracker) begin(contentID, peerID string, dir Direction, totalBytes int64, chunkSize int) (Transfer, error) {
	if totalBytes < 0 {
		return Transfer{}, fmt.Errorf("%w: negative total bytes %d", core.ErrInvalidState, totalBytes)
	}
	if chunkSize <= 0 {
		return Transfer{}, fmt.Errorf("%w: chunk size must be positive, got %d", core.ErrInvalidState, chunkSize)
	}

	now := t.now()
	total := chunk.Count(totalBytes, chunkSize)
	tr := &Transfer{
		ID:          uuid.NewString(),
		ContentID:   contentID,
		PeerID:      peerID,
		Direction:   dir,
		ChunkIndex:  -1,
		TotalChunks: total,
		ChunkSize:   chunkSize,
		TotalBytes:  totalBytes,
		StartedAt:   now,
		UpdatedAt:   now,
		State:       Pending,
		Chunks:      make([]ChunkState, total),
	}

	t.mu.Lock()
	t.transfers[tr.ID] = tr
	t.lastBeat[tr.ID] = now
	snap := tr.clone()
	t.publishLocked()
	t.mu.Unlock()

	t.notify(snap)
	return snap, nil
}

// StartChunk marks a chunk as requested or being served.
func (t *Tracker) StartChunk(id string, index int) error {
	return t.mutate(id, func(tr *Transfer) error {
		if err := checkIndex(tr, index); err != nil {
			return err
		}
		if tr.Chunks[index] != ChunkCompleted {
			tr.Chunks[index] = ChunkActive
		}
		tr.ChunkIndex = index
		if tr.State == Pending {
			tr.State = InProgress
		}
		return nil
	})
}

// RecordChunkProgress adds chunkBytes for the chunk at index. A chunk already
// completed is not counted twice. Reaching TotalBytes completes the transfer.
func (t *Tracker) RecordChunkProgress(id string, index int, chunkBytes int64) (Transfer, error) {
	var out Transfer
	err := t.mutate(id, func(tr *Transfer) error {
		if err := checkIndex(tr, index); err != nil {
			return err
		}
		if chunkBytes < 0 {
			return fmt.Errorf("%w: negative progress %d", core.ErrInvalidState, chunkBytes)
		}
		if tr.Chunks[index] == ChunkCompleted {
			out = tr.clone()
			return nil
		}
		if tr.BytesTransferred+chunkBytes > tr.TotalBytes {
			return fmt.Errorf("%w: transfer %s would exceed %d bytes", core.ErrInvalidState, tr.ID, tr.TotalBytes)
		}

		now := t.now()
		elapsed := now.Sub(t.lastBeat[tr.ID]).Seconds()
		if elapsed <= 0 {
			elapsed = 1e-3
		}
		sample := float64(chunkBytes) / elapsed
		if tr.Rate == 0 {
			tr.Rate = sample
		} else {
			tr.Rate = rateAlpha*sample + (1-rateAlpha)*tr.Rate
		}
		t.lastBeat[tr.ID] = now

		tr.BytesTransferred += chunkBytes
		tr.Chunks[index] = ChunkCompleted
		tr.ChunkIndex = index
		tr.State = InProgress
		if tr.BytesTransferred == tr.TotalBytes {
			tr.State = Completed
		}
		out = tr.clone()
		return nil
	})
	return out, err
}

// FailChunk records a failed chunk sub-step. The transfer itself stays
// active so the caller may retry the chunk.
func (t *Tracker) FailChunk(id string, index int, reason string) error {
	return t.mutate(id, func(tr *Transfer) error {
		if err := checkIndex(tr, index); err != nil {
			return err
		}
		if tr.Chunks[index] != ChunkCompleted {
			tr.Chunks[index] = ChunkFailed
		}
		tr.Reason = reason
		return nil
	})
}

// Complete finalizes a transfer as Completed.
func (t *Tracker) Complete(id string) (Transfer, error) {
	return t.finish(id, Completed, "")
}

// Fail finalizes a transfer as Failed.
func (t *Tracker) Fail(id, reason string) (Transfer, error) {
	return t.finish(id, Failed, reason)
}

// Cancel finalizes a transfer as Cancelled.
func (t *Tracker) Cancel(id string) (Transfer, error) {
	return t.finish(id, Cancelled, "cancelled")
}

func (t *Tracker) finish(id string, state State, reason string) (Transfer, error) {
	var out Transfer
	err := t.mutate(id, func(tr *Transfer) error {
		tr.State = state
		if reason != "" {
			tr.Reason = reason
		}
		out = tr.clone()
		return nil
	})
	return out, err
}

// FailPeer fails every non-final transfer attributed to peerID.
func (t *Tracker) FailPeer(peerID, reason string) []Transfer {
	t.mu.Lock()
	now := t.now()
	var failed []Transfer
	for _, tr := range t.transfers {
		if tr.PeerID != peerID || tr.State.Final() {
			continue
		}
		tr.State = Failed
		tr.Reason = reason
		tr.UpdatedAt = now
		failed = append(failed, tr.clone())
	}
	if len(failed) > 0 {
		t.publishLocked()
	}
	t.mu.Unlock()

	for _, tr := range failed {
		t.notify(tr)
	}
	return failed
}

// FindActive returns the non-final transfer for contentID with peerID in dir.
func (t *Tracker) FindActive(contentID, peerID string, dir Direction) (Transfer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tr := range t.transfers {
		if tr.ContentID == contentID && tr.PeerID == peerID && tr.Direction == dir && !tr.State.Final() {
			return tr.clone(), true
		}
	}
	return Transfer{}, false
}

func (t *Tracker) Get(id string) (Transfer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	return tr.clone(), true
}

// List returns every transfer, oldest first.
func (t *Tracker) List() []Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Transfer, 0, len(t.transfers))
	for _, tr := range t.transfers {
		out = append(out, tr.clone())
	}
	sortTransfers(out)
	return out
}

// ListActive returns the most recently published snapshot of Pending and
// InProgress transfers.
func (t *Tracker) ListActive() []Transfer {
	snap := *t.active.Load()
	out := make([]Transfer, len(snap))
	for i := range snap {
		out[i] = snap[i].clone()
	}
	return out
}

func (t *Tracker) mutate(id string, fn func(*Transfer) error) error {
	t.mu.Lock()
	tr, ok := t.transfers[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: transfer %s", core.ErrNotFound, id)
	}
	if tr.State.Final() {
		state := tr.State
		t.mu.Unlock()
		return fmt.Errorf("%w: transfer %s is %s", core.ErrInvalidState, id, state)
	}
	if err := fn(tr); err != nil {
		t.mu.Unlock()
		return err
	}
	tr.UpdatedAt = t.now()
	snap := tr.clone()
	t.publishLocked()
	t.mu.Unlock()

	t.notify(snap)
	return nil
}

func (t *Tracker) publishLocked() {
	active := make([]Transfer, 0, len(t.transfers))
	for _, tr := range t.transfers {
		if !tr.State.Final() {
			active = append(active, tr.clone())
		}
	}
	sortTransfers(active)
	t.active.Store(&active)
}

func (t *Tracker) notify(tr Transfer) {
	if t.onChange != nil {
		t.onChange(tr)
	}
}

func checkIndex(tr *Transfer, index int) error {
	if index < 0 || index >= len(tr.Chunks) {
		return fmt.Errorf("%w: chunk index %d out of range [0,%d) for transfer %s",
			core.ErrInvalidState, index, len(tr.Chunks), tr.ID)
	}
	return nil
}

func sortTransfers(ts []Transfer) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].StartedAt.Equal(ts[j].StartedAt) {
			return ts[i].StartedAt.Before(ts[j].StartedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}
