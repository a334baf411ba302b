package registry

import (
	"fmt"
	"strings"
	"time"
)

// DeviceClass is the kind of device a peer declares at handshake.
type DeviceClass int

const (
	DeviceUnknown DeviceClass = iota
	DeviceMobile
	DeviceTablet
	DeviceTV
	DeviceDesktop
)

func (d DeviceClass) String() string {
	switch d {
	case DeviceMobile:
		return "mobile"
	case DeviceTablet:
		return "tablet"
	case DeviceTV:
		return "tv"
	case DeviceDesktop:
		return "desktop"
	default:
		return "unknown"
	}
}

// ParseDeviceClass maps a wire token to a DeviceClass. Unrecognised values
// become DeviceUnknown.
func ParseDeviceClass(s string) DeviceClass {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mobile":
		return DeviceMobile
	case "tablet":
		return DeviceTablet
	case "tv":
		return DeviceTV
	case "desktop":
		return DeviceDesktop
	default:
		return DeviceUnknown
	}
}

// ConnectionState of a peer. States only move forward.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateHandshaking
	StateConnected
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Address is a peer's reachable endpoint.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	if a.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// latencyWindow is the number of round-trip samples kept per peer.
const latencyWindow = 16

// PeerNode is a snapshot of a remote participant. Values returned by the
// Registry are copies and safe to keep.
type PeerNode struct {
	ID                string
	Address           Address
	DisplayName       string
	DeviceClass       DeviceClass
	Capabilities      map[string]struct{}
	State             ConnectionState
	LastSeenAt        time.Time
	ConnectedAt       time.Time
	LatencySamples    []time.Duration
	BandwidthEstimate float64 // bytes/sec
	BytesSent         int64
	BytesReceived     int64
	LinkScore         *int
}

// Has reports whether the peer declared contentID.
func (p PeerNode) Has(contentID string) bool {
	_, ok := p.Capabilities[contentID]
	return ok
}

// ContentIDs returns the declared content ids in no particular order.
func (p PeerNode) ContentIDs() []string {
	ids := make([]string, 0, len(p.Capabilities))
	for id := range p.Capabilities {
		ids = append(ids, id)
	}
	return ids
}

// Latency returns the mean of the recorded samples and whether any exist.
func (p PeerNode) Latency() (time.Duration, bool) {
	if len(p.LatencySamples) == 0 {
		return 0, false
	}
	var sum time.Duration
	for _, s := range p.LatencySamples {
		sum += s
	}
	return sum / time.Duration(len(p.LatencySamples)), true
}

func (p PeerNode) clone() PeerNode {
	c := p
	c.Capabilities = make(map[string]struct{}, len(p.Capabilities))
	for id := range p.Capabilities {
		c.Capabilities[id] = struct{}{}
	}
	c.LatencySamples = append([]time.Duration(nil), p.LatencySamples...)
	if p.LinkScore != nil {
		v := *p.LinkScore
		c.LinkScore = &v
	}
	return c
}

// PeerUpdate carries the fields to merge into a registry entry. Zero values
// leave the existing field untouched.
type PeerUpdate struct {
	ID            string
	Address       Address
	DisplayName   string
	DeviceClass   DeviceClass
	State         *ConnectionState
	Capabilities  []string
	LatencySample time.Duration
	// BandwidthEstimate replaces the current estimate when set.
	BandwidthEstimate *float64
	// BandwidthSample is folded into the EWMA estimate when positive.
	BandwidthSample float64
	BytesSent       int64
	BytesReceived   int64
	LinkScore       *int
}

// StatePtr is a convenience for building PeerUpdate values.
func StatePtr(s ConnectionState) *ConnectionState { return &s }

// Float64Ptr is a convenience for building PeerUpdate values.
func Float64Ptr(v float64) *float64 { return &v }
