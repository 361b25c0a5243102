// Package flowbus is a small dataflow runtime built around a topic-based
// publish/subscribe bus. Users declare processes — each consuming messages
// from a topic, applying a transform, and publishing the results to other
// topics — and a PubSub engine wires them together over a Connection, drives
// a single input to completion, and returns the first value published to the
// output topic.
//
// The reserved topics TopicIn and TopicOut bound every run: the engine
// publishes the input to "__in__" and intercepts the first "__out__"
// publication as the result. Concurrent runs on the same connection are
// isolated by correlation id.
package flowbus

import (
	"time"

	"github.com/google/uuid"
)

// Reserved topic names. They are identified by name and resolved per
// connection — two engines on different connections share nothing.
const (
	topicIn  = "__in__"
	topicOut = "__out__"
)

// Message is the unit of transport on a Connection. Messages are ephemeral:
// they exist only long enough to be dispatched to the listeners matching
// their topic and correlation id.
//
// CorrelationID identifies one engine run; CorrelationValue is the original
// input that started that run. Both are copied unchanged from the triggering
// "__in__" message onto every downstream message of the same run.
// PublishedAt is stamped by the connection and is strictly monotonic.
type Message struct {
	Topic            string    `json:"topic"`
	Value            any       `json:"value"`
	PublishedAt      time.Time `json:"published_at"`
	CorrelationID    uuid.UUID `json:"correlation_id"`
	CorrelationValue any       `json:"correlation_value"`
}
