package mesh

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netflixpp/meshnode/pkg/transfer"
)

func sampleTransfer(state transfer.State) transfer.Transfer {
	start := time.Now().Add(-90 * time.Second)
	return transfer.Transfer{
		ID:               "t-1",
		ContentID:        "movie",
		PeerID:           "0123456789abcdef",
		Direction:        transfer.Download,
		TotalChunks:      3,
		ChunkSize:        4,
		TotalBytes:       10,
		BytesTransferred: 8,
		Rate:             2048,
		State:            state,
		StartedAt:        start,
		UpdatedAt:        start.Add(90 * time.Second),
		Chunks:           []transfer.ChunkState{transfer.ChunkCompleted, transfer.ChunkCompleted, transfer.ChunkFailed},
	}
}

func TestProgressLine(t *testing.T) {
	line := progressLine("movie", sampleTransfer(transfer.InProgress), 10)
	assert.Contains(t, line, "80.0%")
	assert.Contains(t, line, "2/3 chunks")
	assert.Contains(t, line, "2.0 KB/s")
	assert.Contains(t, line, "peer 01234567")
	assert.Contains(t, line, "1 failed")
}

func TestFinalLine(t *testing.T) {
	done := sampleTransfer(transfer.Completed)
	assert.Contains(t, finalLine("movie", done, 10), "Completed in 1m30s")

	failed := sampleTransfer(transfer.Failed)
	failed.Reason = "peer left"
	line := finalLine("movie", failed, 10)
	assert.Contains(t, line, "Transfer failed")
	assert.Contains(t, line, "peer left")
}

func TestRendererStops(t *testing.T) {
	var out bytes.Buffer
	tr := sampleTransfer(transfer.Completed)
	pr := NewProgressRenderer("movie", func() (transfer.Transfer, bool) { return tr, true }, &out)
	pr.SetRefreshRate(5 * time.Millisecond)

	go pr.Start()
	time.Sleep(20 * time.Millisecond)
	pr.StopAndWait()
	assert.Contains(t, out.String(), "Completed in")
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "512.0 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "3.0 MB", formatBytes(3*1024*1024))

	assert.Equal(t, "∞", formatETA(0))
	assert.Equal(t, "<1s", formatETA(500*time.Millisecond))
	assert.Equal(t, "45s", formatETA(45*time.Second))
	assert.Equal(t, "2h5m", formatDuration(2*time.Hour+5*time.Minute))
}

func TestLatestDownloadIgnoresEarlierTransfers(t *testing.T) {
	n, err := New(testConfig("alpha"))
	require.NoError(t, err)

	old, err := n.Tracker().BeginDownload("movie", "peer-a", 8, 4)
	require.NoError(t, err)
	_, err = n.Tracker().Fail(old.ID, "peer left")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	source := n.LatestDownload("movie")
	_, ok := source()
	assert.False(t, ok, "a download from before the renderer must not be shown")

	_, err = n.Tracker().BeginUpload("movie", "peer-b", 8, 4)
	require.NoError(t, err)
	fresh, err := n.Tracker().BeginDownload("movie", "peer-b", 8, 4)
	require.NoError(t, err)

	got, ok := source()
	require.True(t, ok)
	assert.Equal(t, fresh.ID, got.ID)
}
