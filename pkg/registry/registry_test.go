package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func connected(id string, bw float64, latency time.Duration, content ...string) PeerUpdate {
	return PeerUpdate{
		ID:                id,
		State:             StatePtr(StateConnected),
		BandwidthEstimate: Float64Ptr(bw),
		LatencySample:     latency,
		Capabilities:      content,
	}
}

func TestUpsertSameIDKeepsOneEntryWithLatestBandwidth(t *testing.T) {
	r := New()
	r.Upsert(connected("p1", 1_000_000, 0))
	r.Upsert(connected("p1", 7_000_000, 0))

	peers := r.List()
	require.Len(t, peers, 1)
	assert.Equal(t, 7_000_000.0, peers[0].BandwidthEstimate)
}

func TestUpsertMergesFields(t *testing.T) {
	r := New()
	r.Upsert(PeerUpdate{
		ID:          "p1",
		DisplayName: "Living Room TV",
		DeviceClass: DeviceTV,
		Address:     Address{Host: "10.0.0.2", Port: 8088},
		State:       StatePtr(StateHandshaking),
	})
	r.Upsert(PeerUpdate{ID: "p1", Capabilities: []string{"a", "b"}, BytesReceived: 10})
	p := r.Upsert(PeerUpdate{ID: "p1", Capabilities: []string{"b", "c"}, BytesReceived: 5})

	assert.Equal(t, "Living Room TV", p.DisplayName)
	assert.Equal(t, DeviceTV, p.DeviceClass)
	assert.Equal(t, "10.0.0.2:8088", p.Address.String())
	assert.Equal(t, StateHandshaking, p.State)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, p.ContentIDs())
	assert.Equal(t, int64(15), p.BytesReceived)
}

func TestUpsertStateNeverMovesBackwards(t *testing.T) {
	r := New()
	r.Upsert(PeerUpdate{ID: "p1", State: StatePtr(StateConnected)})
	p := r.Upsert(PeerUpdate{ID: "p1", State: StatePtr(StateHandshaking)})
	assert.Equal(t, StateConnected, p.State)
	assert.False(t, p.ConnectedAt.IsZero())
}

func TestUpdateNeverCreates(t *testing.T) {
	r := New()
	_, ok := r.Update(PeerUpdate{ID: "p1", BytesReceived: 4})
	assert.False(t, ok)
	assert.Empty(t, r.List())

	r.Upsert(PeerUpdate{ID: "p1", State: StatePtr(StateConnected)})
	p, ok := r.Update(PeerUpdate{ID: "p1", BytesReceived: 4, Capabilities: []string{"a"}})
	require.True(t, ok)
	assert.Equal(t, int64(4), p.BytesReceived)
	assert.True(t, p.Has("a"))

	r.Remove("p1")
	_, ok = r.Update(PeerUpdate{ID: "p1", BytesSent: 1})
	assert.False(t, ok)
	_, ok = r.Get("p1")
	assert.False(t, ok)
}

func TestUpsertAdvancesLastSeen(t *testing.T) {
	clock := newFakeClock()
	r := New(WithClock(clock.Now))
	first := r.Upsert(PeerUpdate{ID: "p1"})
	clock.Advance(time.Second)
	second := r.Upsert(PeerUpdate{ID: "p1"})
	assert.True(t, second.LastSeenAt.After(first.LastSeenAt))
}

func TestBandwidthSampleEWMA(t *testing.T) {
	r := New()
	r.Upsert(PeerUpdate{ID: "p1", BandwidthSample: 100})
	p := r.Upsert(PeerUpdate{ID: "p1", BandwidthSample: 200})
	assert.InDelta(t, 130.0, p.BandwidthEstimate, 1e-9)
}

func TestLatencyRingIsBounded(t *testing.T) {
	r := New()
	var p PeerNode
	for i := 1; i <= latencyWindow+5; i++ {
		p = r.Upsert(PeerUpdate{ID: "p1", LatencySample: time.Duration(i) * time.Millisecond})
	}
	require.Len(t, p.LatencySamples, latencyWindow)
	assert.Equal(t, 6*time.Millisecond, p.LatencySamples[0])
}

func TestListActiveExcludesStalePeers(t *testing.T) {
	clock := newFakeClock()
	r := New(WithClock(clock.Now))
	r.Upsert(connected("old", 1, 0))
	clock.Advance(31 * time.Second)
	r.Upsert(connected("fresh", 1, 0))
	r.Upsert(PeerUpdate{ID: "handshaking", State: StatePtr(StateHandshaking)})

	active := r.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].ID)

	p, ok := r.Get("old")
	require.True(t, ok)
	assert.Equal(t, StateConnected, p.State)
}

func TestGetUnknownAndFindByContentEmpty(t *testing.T) {
	r := New()
	_, ok := r.Get("nobody")
	assert.False(t, ok)
	assert.Empty(t, r.FindByContent("x"))
	assert.Empty(t, r.FindByContent(""))
}

func TestSnapshotsAreIsolated(t *testing.T) {
	r := New()
	p := r.Upsert(connected("p1", 1, time.Millisecond, "a"))
	p.Capabilities["injected"] = struct{}{}
	p.LatencySamples[0] = time.Hour

	again, _ := r.Get("p1")
	assert.False(t, again.Has("injected"))
	assert.Equal(t, time.Millisecond, again.LatencySamples[0])
}

func TestFindByContentOrdering(t *testing.T) {
	r := New()
	r.Upsert(connected("slow", 2_000_000, 5*time.Millisecond, "m"))
	r.Upsert(connected("fast-laggy", 10_000_000, 80*time.Millisecond, "m"))
	r.Upsert(connected("fast-snappy", 9_500_000, 10*time.Millisecond, "m"))
	r.Upsert(connected("mid", 5_000_000, 1*time.Millisecond, "m"))
	r.Upsert(connected("other", 50_000_000, 1*time.Millisecond, "n"))

	got := r.FindByContent("m")
	ids := make([]string, len(got))
	for i, p := range got {
		ids[i] = p.ID
	}
	assert.Equal(t, []string{"fast-snappy", "fast-laggy", "mid", "slow"}, ids)
}

func TestFindByContentSkipsInactive(t *testing.T) {
	clock := newFakeClock()
	r := New(WithClock(clock.Now))
	r.Upsert(connected("stale", 100, 0, "m"))
	clock.Advance(time.Minute)
	r.Upsert(connected("live", 1, 0, "m"))

	got := r.FindByContent("m")
	require.Len(t, got, 1)
	assert.Equal(t, "live", got[0].ID)
}

func TestRemoveAndSweep(t *testing.T) {
	clock := newFakeClock()
	r := New(WithClock(clock.Now))
	r.Upsert(connected("a", 1, 0))
	r.Upsert(connected("b", 1, 0))

	gone, ok := r.Remove("a")
	require.True(t, ok)
	assert.Equal(t, StateDisconnected, gone.State)
	_, ok = r.Remove("a")
	assert.False(t, ok)

	clock.Advance(2 * time.Minute)
	r.Upsert(connected("c", 1, 0))
	swept := r.SweepInactive(time.Minute)
	require.Len(t, swept, 1)
	assert.Equal(t, "b", swept[0].ID)
	assert.Len(t, r.List(), 1)
}

func TestStats(t *testing.T) {
	r := New()
	r.Upsert(PeerUpdate{ID: "a", State: StatePtr(StateConnected), BandwidthEstimate: Float64Ptr(100),
		LatencySample: 10 * time.Millisecond, Capabilities: []string{"x", "y"}, BytesSent: 5})
	r.Upsert(PeerUpdate{ID: "b", State: StatePtr(StateConnected), BandwidthEstimate: Float64Ptr(50),
		LatencySample: 30 * time.Millisecond, Capabilities: []string{"y", "z"}, BytesReceived: 7})
	r.Upsert(PeerUpdate{ID: "c", State: StatePtr(StateHandshaking)})

	s := r.Stats()
	assert.Equal(t, 3, s.TotalPeers)
	assert.Equal(t, 2, s.ActivePeers)
	assert.Equal(t, int64(5), s.BytesSent)
	assert.Equal(t, int64(7), s.BytesReceived)
	assert.Equal(t, 150.0, s.TotalBandwidth)
	assert.Equal(t, 20*time.Millisecond, s.AverageLatency)
	assert.Equal(t, 3, s.AvailableContent)
}

func TestConcurrentUpserts(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Upsert(PeerUpdate{ID: fmt.Sprintf("p%d", j%10), Capabilities: []string{fmt.Sprint(i)}, BytesSent: 1})
				_ = r.ListActive()
			}
		}(i)
	}
	wg.Wait()

	var sent int64
	for _, p := range r.List() {
		sent += p.BytesSent
		assert.Len(t, p.Capabilities, 8)
	}
	assert.Equal(t, int64(800), sent)
}
