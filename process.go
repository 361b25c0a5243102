package flowbus

import "context"

// Transform is a user-supplied step: any value in, any value out. Transforms
// run on engine workers and may block, including by invoking another engine
// on the same connection. The context carries the run's correlation state and
// is cancelled when the run is torn down.
type Transform func(ctx context.Context, v any) (any, error)

// SubscribeMode selects how a listener receives messages.
type SubscribeMode int

const (
	// ModeEach delivers every matching message immediately, in publication order.
	ModeEach SubscribeMode = iota

	// ModeJoin accumulates matching messages and delivers the ordered list
	// once, when the engine releases the join.
	ModeJoin
)

// String returns the mode name for logs.
func (m SubscribeMode) String() string {
	if m == ModeJoin {
		return "join"
	}
	return "each"
}

type stepKind int

const (
	stepTransform stepKind = iota
	stepPublish
	stepPublishEach
)

type step struct {
	kind  stepKind
	fn    Transform
	topic Topic
}

// Process is a declarative subscriber → transform → publisher pipeline.
// Build one by starting from a topic (Subscribe or Join) and chaining steps:
//
//	one := flowbus.NewTopic("one")
//	proc := flowbus.TopicIn.Subscribe().Then(addOne).Publish(one)
//
// Publish steps pass the value through unchanged, so a pipeline can fan out
// to several topics in sequence. The engine treats every transform as opaque.
type Process struct {
	source Topic
	mode   SubscribeMode
	steps  []step
}

// Then appends a transform step.
func (p *Process) Then(fn Transform) *Process {
	p.steps = append(p.steps, step{kind: stepTransform, fn: fn})
	return p
}

// Pipe appends a mapping step: each field transform is evaluated against the
// same step input and the result is the map of field values. Shorthand for
// Then(Fields(fields)).
func (p *Process) Pipe(fields map[string]Transform) *Process {
	return p.Then(Fields(fields))
}

// Publish appends a step that publishes the current value to t and passes it
// through unchanged.
func (p *Process) Publish(t Topic) *Process {
	p.steps = append(p.steps, step{kind: stepPublish, topic: t})
	return p
}

// PublishEach appends a step that treats the current value as a list and
// publishes one message per element, passing the list through unchanged.
func (p *Process) PublishEach(t Topic) *Process {
	p.steps = append(p.steps, step{kind: stepPublishEach, topic: t})
	return p
}

// Source returns the topic this process subscribes to.
func (p *Process) Source() Topic {
	return p.source
}

// Mode returns the subscription mode (each or join).
func (p *Process) Mode() SubscribeMode {
	return p.mode
}

// Invoke runs the transform steps against input and returns the final value.
// Publish steps are no-ops here — standalone invocation exercises only the
// transforms, which is how pipelines are unit-tested.
func (p *Process) Invoke(ctx context.Context, input any) (any, error) {
	v := input
	for _, s := range p.steps {
		if s.kind != stepTransform {
			continue
		}
		out, err := s.fn(ctx, v)
		if err != nil {
			return nil, err
		}
		v = out
	}
	return v, nil
}

// sinkTopics returns the topics this process publishes to, in step order.
func (p *Process) sinkTopics() []string {
	var out []string
	for _, s := range p.steps {
		if s.kind == stepPublish || s.kind == stepPublishEach {
			out = append(out, s.topic.name)
		}
	}
	return out
}

// Fields builds a transform returning a map: every field transform is
// evaluated against the same input value. Combine with Topic.Current to keep
// the run's original input alongside computed fields.
func Fields(fields map[string]Transform) Transform {
	return func(ctx context.Context, v any) (any, error) {
		out := make(map[string]any, len(fields))
		for name, fn := range fields {
			fv, err := fn(ctx, v)
			if err != nil {
				return nil, err
			}
			out[name] = fv
		}
		return out, nil
	}
}
