package msg

import (
	"sync"

	"github.com/curiositech/port-daddy/internal/daemon/kerr"
	"github.com/curiositech/port-daddy/internal/metrics"
)

// Subscriber is one live stream attached to a channel. Messages arrive
// on C(); Done() closes when the broker evicts the subscriber as a slow
// consumer or the daemon shuts down.
type Subscriber struct {
	Channel string
	addr    string
	ch      chan Message
	done    chan struct{}
	once    sync.Once
}

// C returns the message delivery channel.
func (s *Subscriber) C() <-chan Message {
	return s.ch
}

// Done returns a channel closed when the subscriber is evicted.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) signalClose() {
	s.once.Do(func() { close(s.done) })
}

// Broker tracks live subscribers and fans published messages out to
// them. The critical sections cover only add, remove and snapshot;
// delivery happens outside the lock.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscriber]struct{} // channel -> subscriber set
	byAddr map[string]int                      // source addr -> stream count

	queueLen   int // per-subscriber high-water mark
	maxPerAddr int // concurrent streams per source addr
}

// NewBroker creates a broker with the given per-subscriber queue bound
// and per-source stream cap.
func NewBroker(queueLen, maxPerAddr int) *Broker {
	return &Broker{
		subs:       make(map[string]map[*Subscriber]struct{}),
		byAddr:     make(map[string]int),
		queueLen:   queueLen,
		maxPerAddr: maxPerAddr,
	}
}

// Subscribe attaches a new subscriber to the channel. addr identifies
// the source for the per-source stream cap; an empty addr (internal
// subscribers, e.g. long-poll) is uncapped.
func (b *Broker) Subscribe(channel, addr string) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if addr != "" && b.maxPerAddr > 0 && b.byAddr[addr] >= b.maxPerAddr {
		return nil, kerr.New(kerr.Capacity, "TOO_MANY_STREAMS", "source %s already has %d streams", addr, b.byAddr[addr])
	}

	s := &Subscriber{
		Channel: channel,
		addr:    addr,
		ch:      make(chan Message, b.queueLen),
		done:    make(chan struct{}),
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*Subscriber]struct{})
	}
	b.subs[channel][s] = struct{}{}
	if addr != "" {
		b.byAddr[addr]++
	}
	metrics.SubscribersActive.Inc()
	return s, nil
}

// Unsubscribe detaches a subscriber. Safe to call multiple times.
func (b *Broker) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	removed := b.removeLocked(s)
	b.mu.Unlock()
	if removed {
		s.signalClose()
	}
}

func (b *Broker) removeLocked(s *Subscriber) bool {
	set, ok := b.subs[s.Channel]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.Channel)
	}
	if s.addr != "" {
		b.byAddr[s.addr]--
		if b.byAddr[s.addr] <= 0 {
			delete(b.byAddr, s.addr)
		}
	}
	metrics.SubscribersActive.Dec()
	return true
}

// Publish delivers the message to every subscriber of its channel. A
// subscriber whose queue is full is marked slow, disconnected and its
// outstanding queue dropped. Callers serialize Publish per channel to
// preserve delivery order (the messaging service holds its publish
// mutex across commit and fan-out).
func (b *Broker) Publish(m Message) {
	b.mu.Lock()
	snapshot := make([]*Subscriber, 0, len(b.subs[m.Channel]))
	for s := range b.subs[m.Channel] {
		snapshot = append(snapshot, s)
	}
	b.mu.Unlock()

	var slow []*Subscriber
	for _, s := range snapshot {
		select {
		case s.ch <- m:
		default:
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		b.evict(s)
	}
}

// evict disconnects a slow consumer.
func (b *Broker) evict(s *Subscriber) {
	b.mu.Lock()
	removed := b.removeLocked(s)
	b.mu.Unlock()
	if removed {
		metrics.SubscribersEvicted.Inc()
		s.signalClose()
	}
}

// CloseAll evicts every subscriber. Used at daemon shutdown.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	var all []*Subscriber
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[*Subscriber]struct{})
	b.byAddr = make(map[string]int)
	for range all {
		metrics.SubscribersActive.Dec()
	}
	b.mu.Unlock()

	for _, s := range all {
		s.signalClose()
	}
}

// SubscriberCount returns the number of live subscribers on a channel.
func (b *Broker) SubscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}
