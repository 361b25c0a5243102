package flowbus

import (
	"sync"

	"github.com/google/uuid"
)

// defaultBacklogHint is the initial delivery backlog capacity used when a
// Subscription does not set one.
const defaultBacklogHint = 64

// Subscription describes a listener to install on a Connection. Exactly one
// of OnMessage (ModeEach) or OnBatch (ModeJoin) must be set, matching Mode.
type Subscription struct {
	// Topics the listener receives. Most listeners watch a single topic; the
	// engine's stream tap watches every topic its graph touches through one
	// subscription so deliveries keep global publication order.
	Topics []string

	// CorrelationID filters deliveries to a single run.
	CorrelationID uuid.UUID

	// Mode selects immediate (each) or accumulated (join) delivery.
	Mode SubscribeMode

	// OnMessage receives each matching message. Called from the listener's
	// dispatch goroutine, one message at a time, in publication order.
	OnMessage func(Message)

	// OnBatch receives the accumulated messages of a join listener, at most
	// once, when the connection is asked to flush it.
	OnBatch func([]Message)

	// OnPending, if set, is called synchronously inside Publish or Flush
	// immediately before a delivery is enqueued, before the dispatch
	// goroutine can observe it. Engines use it to account for in-flight
	// work without a window between enqueue and bookkeeping.
	OnPending func()

	// BacklogHint sizes the initial delivery backlog. The backlog grows on
	// demand — total growth per run is bounded by the engine's step budget.
	BacklogHint int
}

// Connection is the bus: it routes published messages to the current
// listeners of their topic and correlation. Any transport must satisfy this
// contract; InMemoryConnection is the in-process implementation.
type Connection interface {
	// Subscribe installs a listener and starts its delivery. The listener
	// does not receive messages whose dispatch began before it was installed.
	Subscribe(sub Subscription) *Listener

	// Publish stamps the message and enqueues it for every matching listener.
	// It returns the number of immediate (each-mode) deliveries enqueued;
	// join-mode buffering is not counted. Delivery is asynchronous — the
	// caller must not assume it has completed on return. A publication with
	// no matching listener is silently dropped.
	Publish(msg Message) int

	// Disconnect removes the listener and discards anything still queued or
	// buffered for it. Safe to call more than once.
	Disconnect(l *Listener)

	// Flush releases a join listener: its buffered messages are delivered as
	// one ordered batch. Returns false if the listener already fired, has an
	// empty buffer, or is disconnected.
	Flush(l *Listener) bool

	// Listeners returns a snapshot of the current per-topic listener map.
	// Topics with no listeners are absent, so an idle connection reports an
	// empty map.
	Listeners() map[string][]*Listener
}

// delivery is one unit of work on a listener backlog: a single message for
// each-mode, or the accumulated batch for a flushed join.
type delivery struct {
	msg   Message
	batch []Message
	join  bool
}

// Listener is a bus-side handle for one active subscription. Each listener
// owns a backlog drained by a dedicated goroutine, so one slow listener
// never blocks another's delivery — or the publisher's.
type Listener struct {
	id   uuid.UUID
	sub  Subscription
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	pending []delivery
	buf     []Message // join mode accumulation
	fired   bool
	closed  bool
}

// ID returns the listener's unique id.
func (l *Listener) ID() uuid.UUID {
	return l.id
}

// Topics returns the topics the listener is attached to.
func (l *Listener) Topics() []string {
	return l.sub.Topics
}

// Mode returns the listener's delivery mode.
func (l *Listener) Mode() SubscribeMode {
	return l.sub.Mode
}

// CorrelationID returns the run the listener was installed for.
func (l *Listener) CorrelationID() uuid.UUID {
	return l.sub.CorrelationID
}

// matches reports whether the listener should see msg.
func (l *Listener) matches(msg Message) bool {
	return l.sub.CorrelationID == msg.CorrelationID
}

// enqueue appends a delivery to the backlog and pokes the dispatch
// goroutine. Returns false if the listener is disconnected, in which case
// the delivery is silently dropped. OnPending fires under the backlog lock,
// so it always precedes the dispatch of the delivery it announces.
func (l *Listener) enqueue(d delivery) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	if l.sub.OnPending != nil {
		l.sub.OnPending()
	}
	l.pending = append(l.pending, d)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// next pops the oldest pending delivery.
func (l *Listener) next() (delivery, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.pending) == 0 {
		return delivery{}, false
	}
	d := l.pending[0]
	l.pending = l.pending[1:]
	return d, true
}

// buffer appends a message to a join listener's accumulation. No-op once the
// listener has fired or been disconnected.
func (l *Listener) buffer(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired || l.closed {
		return
	}
	l.buf = append(l.buf, msg)
}

// takeBatch claims the join buffer for flushing. Returns nil if there is
// nothing to deliver or the listener already fired.
func (l *Listener) takeBatch() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired || l.closed || len(l.buf) == 0 {
		return nil
	}
	l.fired = true
	batch := l.buf
	l.buf = nil
	return batch
}

// close stops dispatch and discards queued and buffered state. A publish
// racing with disconnect sees the closed flag and drops.
func (l *Listener) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.pending = nil
	l.buf = nil
	close(l.done)
}

// run is the dispatch loop: drain the backlog, then sleep until the next
// wake. Deliveries left behind at disconnect are dropped.
func (l *Listener) run() {
	for {
		for {
			d, ok := l.next()
			if !ok {
				break
			}
			if d.join {
				l.sub.OnBatch(d.batch)
			} else {
				l.sub.OnMessage(d.msg)
			}
		}
		select {
		case <-l.wake:
		case <-l.done:
			return
		}
	}
}
