package transfer

import (
	"time"
)

// Direction of a transfer relative to the local node.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// State of a transfer. Completed, Failed and Cancelled are final.
type State int

const (
	Pending State = iota
	InProgress
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Final reports whether no further transitions are allowed.
func (s State) Final() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// ChunkState represents the current state of one chunk within a transfer.
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkActive
	ChunkCompleted
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkActive:
		return "active"
	case ChunkCompleted:
		return "completed"
	case ChunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Icon returns an icon representation of the chunk state
func (s ChunkState) Icon() string {
	switch s {
	case ChunkPending:
		return "⏳"
	case ChunkActive:
		return "↓"
	case ChunkCompleted:
		return "✓"
	case ChunkFailed:
		return "✗"
	default:
		return "?"
	}
}

// Transfer is a snapshot of one content exchange with a peer. It aggregates
// the chunk-level progress for that content.
type Transfer struct {
	ID               string
	ContentID        string
	PeerID           string
	Direction        Direction
	ChunkIndex       int
	TotalChunks      int
	ChunkSize        int
	BytesTransferred int64
	TotalBytes       int64
	StartedAt        time.Time
	UpdatedAt        time.Time
	Rate             float64 // bytes/sec, smoothed
	State            State
	Reason           string
	Chunks           []ChunkState
}

// ETA returns the estimated time remaining. The second result is false when
// no rate has been measured yet, meaning the remaining time is unknown.
func (t Transfer) ETA() (time.Duration, bool) {
	if t.Rate <= 0 {
		return 0, false
	}
	remaining := float64(t.TotalBytes - t.BytesTransferred)
	if remaining <= 0 {
		return 0, true
	}
	return time.Duration(remaining / t.Rate * float64(time.Second)), true
}

// Progress returns the completion percentage (0-100).
func (t Transfer) Progress() float64 {
	if t.TotalBytes == 0 {
		if t.State == Completed {
			return 100
		}
		return 0
	}
	return float64(t.BytesTransferred) / float64(t.TotalBytes) * 100
}

// CompletedChunks counts chunks in ChunkCompleted.
func (t Transfer) CompletedChunks() int {
	n := 0
	for _, c := range t.Chunks {
		if c == ChunkCompleted {
			n++
		}
	}
	return n
}

func (t *Transfer) clone() Transfer {
	c := *t
	c.Chunks = append([]ChunkState(nil), t.Chunks...)
	return c
}
