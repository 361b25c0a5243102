package flowbus

import (
	"context"
	"iter"
)

// Stream runs input like Invoke but yields every message observed on the bus
// for the run, in publication order, starting with the initial TopicIn
// message. The sequence ends after the first TopicOut message or at
// quiescence. Breaking out of the iteration tears the run down exactly like
// a completed Invoke — listeners never outlive the consumer.
//
// A transform failure surfaces as the final yielded element, with a zero
// Message and the run's error.
func (e *PubSub) Stream(ctx context.Context, input any) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		r := e.start(ctx, input, true)
		defer r.teardown()

		// The control loop mirrors await: it settles quiescence and join
		// release while the consumer paces the tap. It never closes the
		// stream channel — the tap may be mid-send — it just signals done
		// and lets the consumer drain whatever is already buffered.
		streamDone := make(chan struct{})
		go func() {
			defer close(streamDone)
			for {
				select {
				case <-r.outSeen:
					return
				case <-r.failed:
					return
				case <-r.ctx.Done():
					return
				case <-r.quiesce:
					if r.activity.Load() != 0 {
						continue
					}
					if !r.releaseNextJoin() {
						return
					}
				}
			}
		}()

		r.publish(topicIn, input)

		for {
			select {
			case msg := <-r.stream:
				if !yield(msg, nil) {
					return
				}
			case <-streamDone:
				for {
					select {
					case msg := <-r.stream:
						if !yield(msg, nil) {
							return
						}
					default:
						if err := r.err(); err != nil {
							yield(Message{}, err)
						} else if err := r.ctx.Err(); err != nil {
							yield(Message{}, err)
						}
						return
					}
				}
			}
		}
	}
}
