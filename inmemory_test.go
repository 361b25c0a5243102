package flowbus

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return Message{}
	}
}

func TestConnectionDeliversToMatchingListener(t *testing.T) {
	conn := NewInMemoryConnection()
	corr := uuid.New()

	got := make(chan Message, 1)
	l := conn.Subscribe(Subscription{
		Topics:        []string{"t"},
		CorrelationID: corr,
		Mode:          ModeEach,
		OnMessage:     func(m Message) { got <- m },
	})
	defer conn.Disconnect(l)

	n := conn.Publish(Message{Topic: "t", Value: 7, CorrelationID: corr})
	require.Equal(t, 1, n)

	msg := recvMessage(t, got)
	assert.Equal(t, "t", msg.Topic)
	assert.Equal(t, 7, msg.Value)
	assert.Equal(t, corr, msg.CorrelationID)
	assert.False(t, msg.PublishedAt.IsZero())
}

func TestConnectionFiltersByCorrelation(t *testing.T) {
	conn := NewInMemoryConnection()
	corrA := uuid.New()
	corrB := uuid.New()

	gotA := make(chan Message, 1)
	gotB := make(chan Message, 1)
	la := conn.Subscribe(Subscription{
		Topics: []string{"t"}, CorrelationID: corrA, Mode: ModeEach,
		OnMessage: func(m Message) { gotA <- m },
	})
	lb := conn.Subscribe(Subscription{
		Topics: []string{"t"}, CorrelationID: corrB, Mode: ModeEach,
		OnMessage: func(m Message) { gotB <- m },
	})
	defer conn.Disconnect(la)
	defer conn.Disconnect(lb)

	n := conn.Publish(Message{Topic: "t", Value: 1, CorrelationID: corrA})
	require.Equal(t, 1, n)

	msg := recvMessage(t, gotA)
	assert.Equal(t, corrA, msg.CorrelationID)

	select {
	case <-gotB:
		t.Fatal("listener received a message for a foreign correlation")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectionDropsWithoutListeners(t *testing.T) {
	conn := NewInMemoryConnection()

	// No listener, no queueing for future subscribers.
	n := conn.Publish(Message{Topic: "t", Value: 1, CorrelationID: uuid.New()})
	require.Equal(t, 0, n)
	require.Empty(t, conn.Listeners())
}

func TestConnectionListenerInstalledDuringDispatchMissesMessage(t *testing.T) {
	conn := NewInMemoryConnection()
	corr := uuid.New()

	late := make(chan Message, 2)
	var lateListener *Listener
	installed := make(chan struct{})

	first := conn.Subscribe(Subscription{
		Topics: []string{"t"}, CorrelationID: corr, Mode: ModeEach,
		OnMessage: func(m Message) {
			if lateListener == nil {
				lateListener = conn.Subscribe(Subscription{
					Topics: []string{"t"}, CorrelationID: corr, Mode: ModeEach,
					OnMessage: func(m Message) { late <- m },
				})
				close(installed)
			}
		},
	})
	defer conn.Disconnect(first)

	conn.Publish(Message{Topic: "t", Value: 1, CorrelationID: corr})
	<-installed
	defer conn.Disconnect(lateListener)

	conn.Publish(Message{Topic: "t", Value: 2, CorrelationID: corr})

	// The listener installed during dispatch of value 1 sees only value 2.
	msg := recvMessage(t, late)
	assert.Equal(t, 2, msg.Value)
	select {
	case m := <-late:
		t.Fatalf("unexpected extra delivery: %v", m.Value)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectionOrderPreservedPerListener(t *testing.T) {
	conn := NewInMemoryConnection()
	corr := uuid.New()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	l := conn.Subscribe(Subscription{
		Topics: []string{"t"}, CorrelationID: corr, Mode: ModeEach,
		OnMessage: func(m Message) {
			mu.Lock()
			got = append(got, m.Value.(int))
			full := len(got) == 100
			mu.Unlock()
			if full {
				close(done)
			}
		},
	})
	defer conn.Disconnect(l)

	for i := 0; i < 100; i++ {
		conn.Publish(Message{Topic: "t", Value: i, CorrelationID: corr})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestConnectionStampsAreStrictlyMonotonic(t *testing.T) {
	conn := NewInMemoryConnection()
	corr := uuid.New()

	stamps := make(chan time.Time, 200)
	l := conn.Subscribe(Subscription{
		Topics: []string{"t"}, CorrelationID: corr, Mode: ModeEach,
		OnMessage: func(m Message) { stamps <- m.PublishedAt },
	})
	defer conn.Disconnect(l)

	for i := 0; i < 200; i++ {
		conn.Publish(Message{Topic: "t", Value: i, CorrelationID: corr})
	}

	var prev time.Time
	for i := 0; i < 200; i++ {
		ts := <-stamps
		require.True(t, ts.After(prev), "stamp %d not after its predecessor", i)
		prev = ts
	}
}

func TestConnectionSlowListenerDoesNotBlockOthers(t *testing.T) {
	conn := NewInMemoryConnection()
	corr := uuid.New()

	release := make(chan struct{})
	slowGot := make(chan Message, 2)
	fastGot := make(chan Message, 2)

	slow := conn.Subscribe(Subscription{
		Topics: []string{"t"}, CorrelationID: corr, Mode: ModeEach,
		OnMessage: func(m Message) {
			<-release
			slowGot <- m
		},
	})
	fast := conn.Subscribe(Subscription{
		Topics: []string{"t"}, CorrelationID: corr, Mode: ModeEach,
		OnMessage: func(m Message) { fastGot <- m },
	})
	defer conn.Disconnect(slow)
	defer conn.Disconnect(fast)

	conn.Publish(Message{Topic: "t", Value: 1, CorrelationID: corr})

	// The fast listener gets its delivery while the slow one is stuck.
	msg := recvMessage(t, fastGot)
	assert.Equal(t, 1, msg.Value)

	close(release)
	msg = recvMessage(t, slowGot)
	assert.Equal(t, 1, msg.Value)
}

func TestConnectionJoinBuffersUntilFlush(t *testing.T) {
	conn := NewInMemoryConnection()
	corr := uuid.New()

	batches := make(chan []Message, 2)
	l := conn.Subscribe(Subscription{
		Topics: []string{"t"}, CorrelationID: corr, Mode: ModeJoin,
		OnBatch: func(b []Message) { batches <- b },
	})
	defer conn.Disconnect(l)

	for i := 0; i < 3; i++ {
		// Join buffering is not an immediate delivery.
		n := conn.Publish(Message{Topic: "t", Value: i, CorrelationID: corr})
		require.Equal(t, 0, n)
	}

	select {
	case <-batches:
		t.Fatal("join fired before flush")
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, conn.Flush(l))

	var batch []Message
	select {
	case batch = <-batches:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for join batch")
	}
	require.Len(t, batch, 3)
	for i, m := range batch {
		assert.Equal(t, i, m.Value)
	}

	// At most once per run.
	require.False(t, conn.Flush(l))
}

func TestConnectionFlushEmptyJoinIsNoop(t *testing.T) {
	conn := NewInMemoryConnection()
	l := conn.Subscribe(Subscription{
		Topics: []string{"t"}, CorrelationID: uuid.New(), Mode: ModeJoin,
		OnBatch: func([]Message) { t.Error("empty join must not fire") },
	})
	defer conn.Disconnect(l)

	require.False(t, conn.Flush(l))
	time.Sleep(20 * time.Millisecond)
}

func TestConnectionDisconnectDiscardsJoinBuffer(t *testing.T) {
	conn := NewInMemoryConnection()
	corr := uuid.New()

	l := conn.Subscribe(Subscription{
		Topics: []string{"t"}, CorrelationID: corr, Mode: ModeJoin,
		OnBatch: func([]Message) { t.Error("disconnected join must not fire") },
	})
	conn.Publish(Message{Topic: "t", Value: 1, CorrelationID: corr})

	conn.Disconnect(l)
	require.False(t, conn.Flush(l))
	require.Empty(t, conn.Listeners())
	time.Sleep(20 * time.Millisecond)
}

func TestConnectionListenersSnapshot(t *testing.T) {
	conn := NewInMemoryConnection()
	corr := uuid.New()

	require.Empty(t, conn.Listeners())

	l := conn.Subscribe(Subscription{
		Topics: []string{"a", "b"}, CorrelationID: corr, Mode: ModeEach,
		OnMessage: func(Message) {},
	})

	snapshot := conn.Listeners()
	require.Len(t, snapshot, 2)
	require.Len(t, snapshot["a"], 1)
	require.Len(t, snapshot["b"], 1)
	assert.Equal(t, l.ID(), snapshot["a"][0].ID())
	assert.Equal(t, ModeEach, snapshot["a"][0].Mode())
	assert.Equal(t, corr, snapshot["a"][0].CorrelationID())

	// Disconnect twice is safe and topics vanish with their last listener.
	conn.Disconnect(l)
	conn.Disconnect(l)
	require.Empty(t, conn.Listeners())
}
