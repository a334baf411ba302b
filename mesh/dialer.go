package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sony/gobreaker"

	"github.com/netflixpp/meshnode/pkg/core"
	"github.com/netflixpp/meshnode/pkg/discovery"
	"github.com/netflixpp/meshnode/pkg/logger"
	"github.com/netflixpp/meshnode/pkg/registry"
)

const (
	breakerFailures = 3
	breakerCooldown = 30 * time.Second
	seenCapacity    = 4096
	seenFalsePos    = 0.001
	seenResetEvery  = 5 * time.Minute
)

// dialer guards outbound connections with one circuit breaker per address
// and remembers which discovered services were already dialed.
type dialer struct {
	connect func(ctx context.Context, addr string) (registry.PeerNode, error)

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	seenLock sync.Mutex
	seen     *bloom.BloomFilter
}

func newDialer(connect func(ctx context.Context, addr string) (registry.PeerNode, error)) *dialer {
	return &dialer{
		connect:  connect,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		seen:     bloom.NewWithEstimates(seenCapacity, seenFalsePos),
	}
}

func (d *dialer) breaker(addr string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[addr]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        addr,
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Sugar.Infof("[Dialer] breaker state change: addr=%s from=%s to=%s", name, from, to)
		},
		// Local refusals say nothing about the remote address.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, core.ErrPeerLimit) ||
				errors.Is(err, core.ErrNodeNotRunning) ||
				errors.Is(err, context.Canceled)
		},
	})
	d.breakers[addr] = cb
	return cb
}

func (d *dialer) dial(ctx context.Context, addr string) (registry.PeerNode, error) {
	res, err := d.breaker(addr).Execute(func() (interface{}, error) {
		return d.connect(ctx, addr)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return registry.PeerNode{}, fmt.Errorf("%w: dial %s: %v", core.ErrTransport, addr, err)
		}
		return registry.PeerNode{}, err
	}
	return res.(registry.PeerNode), nil
}

// firstSighting reports whether key has not been seen since the last reset.
func (d *dialer) firstSighting(key string) bool {
	d.seenLock.Lock()
	defer d.seenLock.Unlock()
	return !d.seen.TestAndAddString(key)
}

// resetLoop periodically forgets sightings so peers that left and came back
// are dialed again.
func (d *dialer) resetLoop(ctx context.Context) {
	ticker := time.NewTicker(seenResetEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.seenLock.Lock()
			d.seen.ClearAll()
			d.seenLock.Unlock()
		}
	}
}

// discoveryLoop advertises this node over mDNS and dials every new peer the
// resolver reports.
func (n *Node) discoveryLoop(ctx context.Context) {
	adv := discovery.NewAdvertiser(n.cfg.Discovery.Service)
	err := adv.Start(discovery.Announcement{
		NodeID:      n.ID(),
		Name:        n.Name(),
		DeviceClass: n.deviceClass.String(),
		Port:        n.listenPort,
	})
	if err != nil {
		logger.Sugar.Warnf("[Discovery] advertise failed: err=%v", err)
	} else {
		defer adv.Stop()
	}

	resolver, err := discovery.NewResolver(n.cfg.Discovery.Service)
	if err != nil {
		logger.Sugar.Warnf("[Discovery] resolver unavailable: err=%v", err)
		<-ctx.Done()
		return
	}
	found, err := resolver.Browse(ctx)
	if err != nil {
		logger.Sugar.Warnf("[Discovery] browse failed: err=%v", err)
		<-ctx.Done()
		return
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	for info := range found {
		id := info.NodeID()
		if id == n.ID() || (id != "" && n.peerSession(id) != nil) {
			continue
		}
		for _, addr := range info.Addrs() {
			if !n.dialer.firstSighting(id + "@" + addr) {
				continue
			}
			wg.Add(1)
			go func(addr string) {
				defer wg.Done()
				p, err := n.dialer.dial(ctx, addr)
				if err != nil {
					logger.Sugar.Debugf("[Discovery] dial failed: addr=%s err=%v", addr, err)
					return
				}
				logger.Sugar.Infof("[Discovery] connected to discovered peer: id=%s name=%s addr=%s", p.ID, p.DisplayName, addr)
			}(addr)
			break
		}
	}
}
