package quality

import (
	"github.com/netflixpp/meshnode/pkg/registry"
)

// MeshScheme prefixes playback URLs served from the mesh.
const MeshScheme = "mesh://"

// Source is the registry view the policy needs.
type Source interface {
	FindByContent(contentID string) []registry.PeerNode
}

// Policy answers mesh-vs-direct questions from registry state. It performs no
// I/O.
type Policy struct {
	peers   Source
	running func() bool
}

// NewPolicy builds a Policy. running reports whether the mesh engine is up;
// nil means always running.
func NewPolicy(peers Source, running func() bool) *Policy {
	if running == nil {
		running = func() bool { return true }
	}
	return &Policy{peers: peers, running: running}
}

// ShouldUseMesh is true when the engine runs, an active peer carries
// contentID, and the user prefers mesh delivery.
func (p *Policy) ShouldUseMesh(contentID string, userPrefersMesh bool) bool {
	if !userPrefersMesh || !p.running() {
		return false
	}
	return len(p.peers.FindByContent(contentID)) > 0
}

// SelectBestPeer returns the preferred peer for contentID. Callers fall back
// to direct delivery when ok is false.
func (p *Policy) SelectBestPeer(contentID string) (registry.PeerNode, bool) {
	if !p.running() {
		return registry.PeerNode{}, false
	}
	peers := p.peers.FindByContent(contentID)
	if len(peers) == 0 {
		return registry.PeerNode{}, false
	}
	return peers[0], true
}

// PeerCount is the number of active peers carrying contentID.
func (p *Policy) PeerCount(contentID string) int {
	if !p.running() {
		return 0
	}
	return len(p.peers.FindByContent(contentID))
}

// MeshURL returns the mesh playback URL for contentID when it is reachable.
func (p *Policy) MeshURL(contentID string) (string, bool) {
	if p.PeerCount(contentID) == 0 {
		return "", false
	}
	return MeshScheme + contentID, true
}
