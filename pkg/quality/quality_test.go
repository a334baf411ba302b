package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netflixpp/meshnode/pkg/registry"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		latencyMs float64
		bandwidth float64
		want      Quality
	}{
		{"excellent", 40, 12_000_000, Excellent},
		{"excellent latency gated by bandwidth", 40, 3_000_000, Fair},
		{"excellent latency, 6MB/s", 40, 6_000_000, Good},
		{"poor", 500, 1_000_000, Poor},
		{"good", 80, 6_000_000, Good},
		{"fair", 150, 2_500_000, Fair},
		{"boundary latency is exclusive", 50, 20_000_000, Good},
		{"boundary bandwidth is exclusive", 10, 10_000_000, Good},
		{"fast but far", 250, 50_000_000, Poor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.latencyMs, tt.bandwidth))
		})
	}
}

func TestClassifyPeerWithoutSamplesIsUnknown(t *testing.T) {
	assert.Equal(t, Unknown, ClassifyPeer(registry.PeerNode{}))
	assert.Equal(t, Unknown, ClassifyPeer(registry.PeerNode{BandwidthEstimate: 1}))
	assert.Equal(t, Excellent, ClassifyPeer(registry.PeerNode{
		BandwidthEstimate: 11_000_000,
		LatencySamples:    []time.Duration{10 * time.Millisecond, 30 * time.Millisecond},
	}))
}

func TestShouldUseMesh(t *testing.T) {
	reg := registry.New()
	running := true
	p := NewPolicy(reg, func() bool { return running })

	assert.False(t, p.ShouldUseMesh("x", true), "no peer carries x")

	reg.Upsert(registry.PeerUpdate{ID: "a", State: registry.StatePtr(registry.StateConnected)})
	assert.False(t, p.ShouldUseMesh("x", true))

	reg.Upsert(registry.PeerUpdate{ID: "a", Capabilities: []string{"x"}})
	assert.True(t, p.ShouldUseMesh("x", true))
	assert.False(t, p.ShouldUseMesh("x", false), "user preference gates mesh")

	running = false
	assert.False(t, p.ShouldUseMesh("x", true), "stopped engine never uses mesh")
}

func TestSelectBestPeer(t *testing.T) {
	reg := registry.New()
	p := NewPolicy(reg, nil)

	_, ok := p.SelectBestPeer("m")
	assert.False(t, ok)

	reg.Upsert(registry.PeerUpdate{ID: "slow", State: registry.StatePtr(registry.StateConnected),
		BandwidthEstimate: registry.Float64Ptr(1_000_000), Capabilities: []string{"m"}})
	reg.Upsert(registry.PeerUpdate{ID: "fast", State: registry.StatePtr(registry.StateConnected),
		BandwidthEstimate: registry.Float64Ptr(20_000_000), Capabilities: []string{"m"}})

	best, ok := p.SelectBestPeer("m")
	require.True(t, ok)
	assert.Equal(t, "fast", best.ID)
	assert.Equal(t, 2, p.PeerCount("m"))

	url, ok := p.MeshURL("m")
	require.True(t, ok)
	assert.Equal(t, "mesh://m", url)
	_, ok = p.MeshURL("absent")
	assert.False(t, ok)
}
