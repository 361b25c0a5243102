package flowbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryConnection routes messages between listeners within a single
// process. It satisfies Connection.
//
// Publications are serialized: each publish snapshots the topic's listener
// list, stamps a strictly monotonic timestamp, and enqueues to every match
// before the next publish proceeds. That gives per-topic FIFO per listener,
// a single global publication order for multi-topic listeners, and the
// guarantee that a listener installed during dispatch does not see the
// message being dispatched. Delivery itself runs on each listener's own
// goroutine and is independent per listener.
type InMemoryConnection struct {
	mu        sync.RWMutex
	listeners map[string][]*Listener

	pubMu sync.Mutex
	last  time.Time
}

// NewInMemoryConnection creates an empty in-process bus.
func NewInMemoryConnection() *InMemoryConnection {
	return &InMemoryConnection{
		listeners: make(map[string][]*Listener),
	}
}

// Subscribe installs a listener on every topic in the subscription and starts
// its dispatch goroutine.
func (c *InMemoryConnection) Subscribe(sub Subscription) *Listener {
	hint := sub.BacklogHint
	if hint <= 0 {
		hint = defaultBacklogHint
	}
	l := &Listener{
		id:      uuid.New(),
		sub:     sub,
		pending: make([]delivery, 0, hint),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	for _, topic := range sub.Topics {
		c.listeners[topic] = append(c.listeners[topic], l)
	}
	c.mu.Unlock()

	go l.run()
	return l
}

// Publish stamps msg and enqueues it for every current listener of its topic
// whose correlation matches. Returns the number of each-mode deliveries
// enqueued; join-mode listeners buffer silently and count zero.
func (c *InMemoryConnection) Publish(msg Message) int {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	msg.PublishedAt = c.stamp()

	c.mu.RLock()
	snapshot := append([]*Listener(nil), c.listeners[msg.Topic]...)
	c.mu.RUnlock()

	n := 0
	for _, l := range snapshot {
		if !l.matches(msg) {
			continue
		}
		if l.sub.Mode == ModeJoin {
			l.buffer(msg)
			continue
		}
		if l.enqueue(delivery{msg: msg}) {
			n++
		}
	}
	return n
}

// Disconnect removes the listener from every topic it is attached to and
// stops its dispatch. Buffered join messages are discarded. Topics left with
// no listeners disappear from the map.
func (c *InMemoryConnection) Disconnect(l *Listener) {
	if l == nil {
		return
	}

	c.mu.Lock()
	for _, topic := range l.sub.Topics {
		remaining := c.listeners[topic][:0]
		for _, other := range c.listeners[topic] {
			if other != l {
				remaining = append(remaining, other)
			}
		}
		if len(remaining) == 0 {
			delete(c.listeners, topic)
		} else {
			c.listeners[topic] = remaining
		}
	}
	c.mu.Unlock()

	l.close()
}

// Flush releases a join listener's accumulated messages as one batch on its
// dispatch goroutine. Returns false if there was nothing to deliver.
func (c *InMemoryConnection) Flush(l *Listener) bool {
	if l == nil || l.sub.Mode != ModeJoin {
		return false
	}
	batch := l.takeBatch()
	if batch == nil {
		return false
	}
	return l.enqueue(delivery{batch: batch, join: true})
}

// Listeners returns a copy of the current per-topic listener map.
func (c *InMemoryConnection) Listeners() map[string][]*Listener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]*Listener, len(c.listeners))
	for topic, ls := range c.listeners {
		out[topic] = append([]*Listener(nil), ls...)
	}
	return out
}

// stamp returns a strictly increasing timestamp. Callers hold pubMu.
func (c *InMemoryConnection) stamp() time.Time {
	now := time.Now()
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}
