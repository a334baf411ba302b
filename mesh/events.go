package mesh

import (
	"sync"
	"time"

	"github.com/netflixpp/meshnode/pkg/registry"
	"github.com/netflixpp/meshnode/pkg/transfer"
)

type EventType int

const (
	PeerDiscovered EventType = iota
	PeerLost
	ContentAvailable
	TransferUpdate
)

func (t EventType) String() string {
	switch t {
	case PeerDiscovered:
		return "peer-discovered"
	case PeerLost:
		return "peer-lost"
	case ContentAvailable:
		return "content-available"
	case TransferUpdate:
		return "transfer-update"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers. Only the fields relevant to Type are set.
type Event struct {
	Type       EventType
	At         time.Time
	Peer       registry.PeerNode
	ContentIDs []string
	Transfer   transfer.Transfer
	Reason     string
}

// bus fans events out to subscribers. Each subscriber has its own unbounded
// queue so a slow reader never stalls the engine.
type bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
	done  chan struct{}
	out   chan Event
	once  sync.Once
}

func newBus() *bus {
	return &bus{subs: make(map[int]*subscriber)}
}

// subscribe returns the event channel and a function that ends the
// subscription. The channel is closed once the subscription ends.
func (b *bus) subscribe() (<-chan Event, func()) {
	s := &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan Event),
	}
	go s.pump()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop()
		return s.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	return s.out, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.stop()
	}
}

func (b *bus) publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.push(e)
	}
}

func (b *bus) close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
