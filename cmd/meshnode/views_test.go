package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netflixpp/meshnode/pkg/registry"
	"github.com/netflixpp/meshnode/pkg/transfer"
)

func TestPeersView(t *testing.T) {
	peers := []registry.PeerNode{
		{
			ID:                "peer-a",
			DisplayName:       "living-room-tv",
			Address:           registry.Address{Host: "192.168.1.20", Port: 8088},
			DeviceClass:       registry.DeviceTV,
			State:             registry.StateConnected,
			Capabilities:      map[string]struct{}{"movie-2": {}, "movie-1": {}},
			LatencySamples:    []time.Duration{20 * time.Millisecond, 40 * time.Millisecond},
			BandwidthEstimate: 12_000_000,
		},
		{ID: "peer-b", State: registry.StateHandshaking},
	}

	view := newPeersView(peers)
	require.Len(t, view, 2)

	a := view[0]
	assert.Equal(t, "192.168.1.20:8088", a.Address)
	assert.Equal(t, "tv", a.Device)
	assert.Equal(t, "connected", a.State)
	assert.Equal(t, "30ms", a.Latency)
	assert.Equal(t, "excellent", a.Quality)
	assert.Equal(t, []string{"movie-1", "movie-2"}, a.Content)

	b := view[1]
	assert.Equal(t, "-", b.Latency)
	assert.Equal(t, "unknown", b.Quality)
	assert.Equal(t, "", b.Address)

	rows := view.Rows()
	require.Len(t, rows, 2)
	assert.Len(t, rows[0], len(view.Headers()))
	assert.Equal(t, "movie-1,movie-2", rows[0][8])
	assert.Equal(t, "12000000 B/s", rows[0][6])
}

func TestTransfersView(t *testing.T) {
	ts := []transfer.Transfer{{
		ID:               "t1",
		ContentID:        "movie-1",
		PeerID:           "peer-a",
		Direction:        transfer.Download,
		State:            transfer.InProgress,
		TotalChunks:      4,
		TotalBytes:       400,
		BytesTransferred: 100,
		Chunks:           []transfer.ChunkState{transfer.ChunkCompleted, transfer.ChunkActive, transfer.ChunkPending, transfer.ChunkPending},
	}}

	view := newTransfersView(ts)
	require.Len(t, view, 1)
	assert.Equal(t, "download", view[0].Direction)
	assert.Equal(t, "in_progress", view[0].State)
	assert.Equal(t, "1/4", view[0].Chunks)
	assert.Equal(t, "100/400", view[0].Bytes)
	assert.InDelta(t, 25.0, view[0].Progress, 0.001)

	rows := view.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "25.0%", rows[0][7])
}
