// Package registry is the in-memory table of known mesh peers.
package registry

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultStaleAfter is how long a peer may stay silent and still count as active.
	DefaultStaleAfter = 30 * time.Second
	// bandwidthAlpha weighs the newest bandwidth sample in the EWMA.
	bandwidthAlpha = 0.3
	// nearTopBandwidth is the fraction of the best bandwidth within which
	// latency decides the order.
	nearTopBandwidth = 0.9
)

// Registry holds PeerNodes keyed by id. All methods are safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	peers      map[string]*PeerNode
	staleAfter time.Duration
	now        func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		peers:      make(map[string]*PeerNode),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert inserts a peer or merges u into the existing entry, always advancing
// LastSeenAt. It returns the resulting snapshot.
func (r *Registry) Upsert(u PeerUpdate) PeerNode {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	p, ok := r.peers[u.ID]
	if !ok {
		p = &PeerNode{
			ID:           u.ID,
			Capabilities: make(map[string]struct{}),
			State:        StateConnecting,
		}
		r.peers[u.ID] = p
	}
	r.merge(p, u, now)
	return p.clone()
}

// Update merges u into an existing entry like Upsert but never creates one.
// It reports false when u.ID is unknown, for example after Remove.
func (r *Registry) Update(u PeerUpdate) (PeerNode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[u.ID]
	if !ok {
		return PeerNode{}, false
	}
	r.merge(p, u, r.now())
	return p.clone(), true
}

func (r *Registry) merge(p *PeerNode, u PeerUpdate, now time.Time) {
	if u.Address.Host != "" {
		p.Address = u.Address
	}
	if u.DisplayName != "" {
		p.DisplayName = u.DisplayName
	}
	if u.DeviceClass != DeviceUnknown {
		p.DeviceClass = u.DeviceClass
	}
	if u.State != nil && *u.State > p.State {
		p.State = *u.State
		if p.State == StateConnected {
			p.ConnectedAt = now
		}
	}
	for _, id := range u.Capabilities {
		if id != "" {
			p.Capabilities[id] = struct{}{}
		}
	}
	if u.LatencySample > 0 {
		p.LatencySamples = append(p.LatencySamples, u.LatencySample)
		if len(p.LatencySamples) > latencyWindow {
			p.LatencySamples = p.LatencySamples[len(p.LatencySamples)-latencyWindow:]
		}
	}
	if u.BandwidthEstimate != nil {
		p.BandwidthEstimate = *u.BandwidthEstimate
	}
	if u.BandwidthSample > 0 {
		if p.BandwidthEstimate == 0 {
			p.BandwidthEstimate = u.BandwidthSample
		} else {
			p.BandwidthEstimate = bandwidthAlpha*u.BandwidthSample + (1-bandwidthAlpha)*p.BandwidthEstimate
		}
	}
	p.BytesSent += u.BytesSent
	p.BytesReceived += u.BytesReceived
	if u.LinkScore != nil {
		v := *u.LinkScore
		p.LinkScore = &v
	}
	p.LastSeenAt = now
}

// Touch advances LastSeenAt for an existing peer.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.LastSeenAt = r.now()
	}
}

func (r *Registry) Get(id string) (PeerNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return PeerNode{}, false
	}
	return p.clone(), true
}

// Remove deletes a peer and returns its final snapshot marked Disconnected.
func (r *Registry) Remove(id string) (PeerNode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return PeerNode{}, false
	}
	delete(r.peers, id)
	snap := p.clone()
	snap.State = StateDisconnected
	return snap, true
}

// List returns every known peer ordered by id.
func (r *Registry) List() []PeerNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerNode, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) isActive(p *PeerNode, now time.Time) bool {
	return p.State == StateConnected && now.Sub(p.LastSeenAt) < r.staleAfter
}

// ListActive returns connected peers heard from within the staleness window.
func (r *Registry) ListActive() []PeerNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	out := make([]PeerNode, 0, len(r.peers))
	for _, p := range r.peers {
		if r.isActive(p, now) {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByContent returns active peers holding contentID, best first: highest
// bandwidth, except that peers within 10% of the top bandwidth are ordered by
// lower latency so near-equal peers do not flap.
func (r *Registry) FindByContent(contentID string) []PeerNode {
	r.mu.RLock()
	now := r.now()
	var out []PeerNode
	for _, p := range r.peers {
		if r.isActive(p, now) && p.Has(contentID) {
			out = append(out, p.clone())
		}
	}
	r.mu.RUnlock()

	if len(out) < 2 {
		return out
	}

	top := 0.0
	for _, p := range out {
		if p.BandwidthEstimate > top {
			top = p.BandwidthEstimate
		}
	}
	nearTop := func(p PeerNode) bool { return p.BandwidthEstimate >= top*nearTopBandwidth }
	latency := func(p PeerNode) time.Duration {
		l, ok := p.Latency()
		if !ok {
			return time.Duration(1<<63 - 1)
		}
		return l
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		an, bn := nearTop(a), nearTop(b)
		switch {
		case an && bn:
			if la, lb := latency(a), latency(b); la != lb {
				return la < lb
			}
			if a.BandwidthEstimate != b.BandwidthEstimate {
				return a.BandwidthEstimate > b.BandwidthEstimate
			}
		case an != bn:
			return an
		default:
			if a.BandwidthEstimate != b.BandwidthEstimate {
				return a.BandwidthEstimate > b.BandwidthEstimate
			}
			if la, lb := latency(a), latency(b); la != lb {
				return la < lb
			}
		}
		return a.ID < b.ID
	})
	return out
}

// SweepInactive removes peers silent for longer than maxIdle and returns them.
func (r *Registry) SweepInactive(maxIdle time.Duration) []PeerNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var removed []PeerNode
	for id, p := range r.peers {
		if now.Sub(p.LastSeenAt) > maxIdle {
			snap := p.clone()
			snap.State = StateDisconnected
			removed = append(removed, snap)
			delete(r.peers, id)
		}
	}
	return removed
}

// Stats aggregates bandwidth and data accounting across peers.
type Stats struct {
	TotalPeers       int
	ActivePeers      int
	BytesSent        int64
	BytesReceived    int64
	TotalBandwidth   float64
	AverageLatency   time.Duration
	AvailableContent int
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	s := Stats{TotalPeers: len(r.peers)}
	content := make(map[string]struct{})
	var latSum time.Duration
	latCount := 0
	for _, p := range r.peers {
		s.BytesSent += p.BytesSent
		s.BytesReceived += p.BytesReceived
		if !r.isActive(p, now) {
			continue
		}
		s.ActivePeers++
		s.TotalBandwidth += p.BandwidthEstimate
		for id := range p.Capabilities {
			content[id] = struct{}{}
		}
		if l, ok := p.Latency(); ok {
			latSum += l
			latCount++
		}
	}
	if latCount > 0 {
		s.AverageLatency = latSum / time.Duration(latCount)
	}
	s.AvailableContent = len(content)
	return s
}
