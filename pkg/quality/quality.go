// Package quality classifies peer links and decides between mesh and direct
// delivery.
package quality

import (
	"github.com/netflixpp/meshnode/pkg/registry"
)

// Quality is a coarse link classification.
type Quality int

const (
	Unknown Quality = iota
	Poor
	Fair
	Good
	Excellent
)

func (q Quality) String() string {
	switch q {
	case Excellent:
		return "excellent"
	case Good:
		return "good"
	case Fair:
		return "fair"
	case Poor:
		return "poor"
	default:
		return "unknown"
	}
}

const megabyte = 1_000_000

type tier struct {
	quality      Quality
	maxLatencyMs float64
	minBandwidth float64
}

// tiers are evaluated in order, first match wins. Both the latency and the
// bandwidth bound must hold.
var tiers = []tier{
	{Excellent, 50, 10 * megabyte},
	{Good, 100, 5 * megabyte},
	{Fair, 200, 2 * megabyte},
}

// Classify rates a link from latency in milliseconds and bandwidth in bytes
// per second.
func Classify(latencyMs, bandwidthBps float64) Quality {
	for _, t := range tiers {
		if latencyMs < t.maxLatencyMs && bandwidthBps > t.minBandwidth {
			return t.quality
		}
	}
	return Poor
}

// ClassifyPeer rates a registry snapshot, returning Unknown until both a
// latency sample and a bandwidth estimate exist.
func ClassifyPeer(p registry.PeerNode) Quality {
	latency, ok := p.Latency()
	if !ok || p.BandwidthEstimate <= 0 {
		return Unknown
	}
	return Classify(float64(latency.Microseconds())/1000, p.BandwidthEstimate)
}
