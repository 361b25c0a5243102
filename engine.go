package flowbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Defaults for engine options.
const (
	// DefaultMaxWorkers is the engine-wide cap on concurrently executing
	// transforms.
	DefaultMaxWorkers = 16

	// DefaultStepLimit is the per-run budget of deliveries and publications.
	// A process cycle burns through it and fails the run with ErrStepLimit.
	DefaultStepLimit = 10_000
)

// Options configure a PubSub engine.
type Options struct {
	// MaxWorkers caps concurrently executing transforms. Zero uses
	// DefaultMaxWorkers. The cap is per engine, so a nested engine never
	// competes with its caller for slots.
	MaxWorkers int

	// StepLimit is the per-run budget of deliveries and publications.
	// Zero uses DefaultStepLimit. The budget also bounds how far any
	// listener backlog can grow within a run.
	StepLimit int

	// BacklogHint sizes each listener's initial delivery backlog. Zero uses
	// the connection default.
	BacklogHint int
}

// PubSub owns a set of processes and a connection and drives them: Invoke
// runs one input to completion, Batch runs several concurrently, Stream
// exposes every message of a run, and Map nests this engine inside another.
//
// Each run attaches one listener per process plus an internal listener on
// TopicOut, all filtered by a fresh correlation id, and removes every one of
// them before returning — on success, failure, and early termination alike.
type PubSub struct {
	conn      Connection
	processes []*Process
	workers   *semaphore.Weighted
	stepLimit int64
	backlog   int
	topics    []string                   // every topic the graph touches
	reach     map[string]map[string]bool // static topic reachability
}

// New creates an engine with default options.
func New(conn Connection, processes ...*Process) *PubSub {
	return NewWithOptions(Options{}, conn, processes...)
}

// NewWithOptions creates an engine with explicit options.
func NewWithOptions(opts Options, conn Connection, processes ...*Process) *PubSub {
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = DefaultMaxWorkers
	}
	stepLimit := opts.StepLimit
	if stepLimit <= 0 {
		stepLimit = DefaultStepLimit
	}
	backlog := opts.BacklogHint
	if backlog <= 0 {
		backlog = defaultBacklogHint
	}

	e := &PubSub{
		conn:      conn,
		processes: processes,
		workers:   semaphore.NewWeighted(int64(workers)),
		stepLimit: int64(stepLimit),
		backlog:   backlog,
	}
	e.topics = graphTopics(processes)
	e.reach = topicReach(processes)
	return e
}

// Invoke publishes input to TopicIn under a fresh correlation id and returns
// the first value published to TopicOut for that run. If the run reaches
// quiescence without an output, Invoke returns (nil, nil). On the first
// output the run is short-circuited: listeners are torn down immediately and
// anything still-running transforms publish afterwards is dropped by the
// connection.
func (e *PubSub) Invoke(ctx context.Context, input any) (any, error) {
	r := e.start(ctx, input, false)
	defer r.teardown()
	r.publish(topicIn, input)
	return r.await()
}

// Batch runs one invocation per input, concurrently, each under its own
// correlation id so runs never cross-contaminate. Results are ordered by
// input index. A failed input leaves nil at its index; the returned error
// joins every per-input error, and sibling runs are unaffected.
func (e *PubSub) Batch(ctx context.Context, inputs []any) ([]any, error) {
	results := make([]any, len(inputs))
	errs := make([]error, len(inputs))

	var g errgroup.Group
	for i, input := range inputs {
		g.Go(func() error {
			results[i], errs[i] = e.Invoke(ctx, input)
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// Map returns a transform that invokes this engine once per element of a
// list-valued message and yields the list of results, ordered by element.
// Use it as a step inside another engine — runs are isolated by correlation
// id even though both engines share a connection.
func (e *PubSub) Map() Transform {
	return func(ctx context.Context, v any) (any, error) {
		items, ok := valuesOf(v)
		if !ok {
			return nil, fmt.Errorf("map: value %T is not a list", v)
		}
		results, err := e.Batch(ctx, items)
		if err != nil {
			return nil, err
		}
		return results, nil
	}
}

// Transform returns this engine as a single pipeline step: one invocation
// per incoming value.
func (e *PubSub) Transform() Transform {
	return func(ctx context.Context, v any) (any, error) {
		return e.Invoke(ctx, v)
	}
}

// Processes returns the number of processes the engine drives.
func (e *PubSub) Processes() int {
	return len(e.processes)
}

// Connection returns the bus the engine runs on.
func (e *PubSub) Connection() Connection {
	return e.conn
}

// runContext carries per-run state to transforms via their context.
type runContext struct {
	correlationValue any
}

type runContextKey struct{}

func withRunContext(ctx context.Context, rc runContext) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

func runContextFrom(ctx context.Context) (runContext, bool) {
	rc, ok := ctx.Value(runContextKey{}).(runContext)
	return rc, ok
}

// joiner tracks one join-mode listener awaiting release.
type joiner struct {
	topic    string
	listener *Listener
	released bool
}

// run is one engine activation: its listeners, its activity bookkeeping, and
// its single-slot result.
type run struct {
	engine    *PubSub
	id        uuid.UUID
	corrValue any

	ctx    context.Context
	cancel context.CancelFunc

	// activity counts outstanding deliveries plus in-flight pipeline work.
	// Every enqueued delivery increments it via OnPending before dispatch
	// can see it and decrements it when its callback finishes, after the
	// callback's own publications registered theirs — so the gauge reaches
	// zero exactly at quiescence. Each transition to zero pokes the quiesce
	// channel.
	activity atomic.Int64
	quiesce  chan struct{}

	steps atomic.Int64

	listeners []*Listener
	joiners   []*joiner

	resultOnce sync.Once
	result     any
	resultCh   chan struct{}

	errOnce sync.Once
	runErr  error
	failed  chan struct{}

	// stream state, nil unless the run was started with a tap.
	stream  chan Message
	outSeen chan struct{}

	done         chan struct{}
	teardownOnce sync.Once
}

// start attaches every listener for a fresh run. The input is published by
// the caller after start returns, so nothing can arrive before the full
// listener set is in place.
func (e *PubSub) start(ctx context.Context, input any, withTap bool) *run {
	r := &run{
		engine:    e,
		id:        uuid.New(),
		corrValue: input,
		quiesce:   make(chan struct{}, 1),
		resultCh:  make(chan struct{}),
		failed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(withRunContext(ctx, runContext{correlationValue: input}))

	for _, p := range e.processes {
		sub := Subscription{
			Topics:        []string{p.source.name},
			CorrelationID: r.id,
			Mode:          p.mode,
			BacklogHint:   e.backlog,
			OnPending:     func() { r.add(1) },
		}
		if p.mode == ModeJoin {
			sub.OnBatch = func(batch []Message) { r.deliverBatch(p, batch) }
		} else {
			sub.OnMessage = func(msg Message) { r.deliver(p, msg) }
		}
		l := e.conn.Subscribe(sub)
		r.listeners = append(r.listeners, l)
		if p.mode == ModeJoin {
			r.joiners = append(r.joiners, &joiner{topic: p.source.name, listener: l})
		}
	}
	orderJoiners(r.joiners, e.reach)

	r.listeners = append(r.listeners, e.conn.Subscribe(Subscription{
		Topics:        []string{topicOut},
		CorrelationID: r.id,
		Mode:          ModeEach,
		BacklogHint:   e.backlog,
		OnPending:     func() { r.add(1) },
		OnMessage: func(msg Message) {
			r.setResult(msg.Value)
			r.add(-1)
		},
	}))

	if withTap {
		r.stream = make(chan Message, e.backlog)
		r.outSeen = make(chan struct{})
		var outDone bool
		r.listeners = append(r.listeners, e.conn.Subscribe(Subscription{
			Topics:        e.topics,
			CorrelationID: r.id,
			Mode:          ModeEach,
			BacklogHint:   e.backlog,
			OnPending:     func() { r.add(1) },
			OnMessage: func(msg Message) {
				defer r.add(-1)
				if outDone {
					return
				}
				select {
				case r.stream <- msg:
				case <-r.done:
					return
				}
				if msg.Topic == topicOut {
					outDone = true
					close(r.outSeen)
				}
			},
		}))
	}

	return r
}

// add adjusts the activity gauge and pokes the quiesce channel on every
// transition to zero. The loop re-checks the gauge before acting, so a stale
// poke is harmless.
func (r *run) add(delta int64) {
	if r.activity.Add(delta) == 0 {
		select {
		case r.quiesce <- struct{}{}:
		default:
		}
	}
}

func (r *run) setResult(v any) {
	r.resultOnce.Do(func() {
		r.result = v
		close(r.resultCh)
	})
}

func (r *run) fail(err error) {
	r.errOnce.Do(func() {
		r.runErr = err
		close(r.failed)
	})
}

func (r *run) err() error {
	select {
	case <-r.failed:
		return r.runErr
	default:
		return nil
	}
}

// publish sends one value downstream under the run's correlation. Each
// enqueued delivery registers itself on the gauge via OnPending before it
// can dispatch; the guard token around the call keeps the gauge from hitting
// zero while a publication is mid-flight with no deliveries registered yet.
func (r *run) publish(topic string, value any) {
	if r.steps.Add(1) > r.engine.stepLimit {
		slog.Warn("flowbus: run exceeded step budget",
			"topic", topic, "correlation_id", r.id, "limit", r.engine.stepLimit)
		r.fail(fmt.Errorf("publish to %q: %w", topic, ErrStepLimit))
		return
	}
	r.add(1)
	r.engine.conn.Publish(Message{
		Topic:            topic,
		Value:            value,
		CorrelationID:    r.id,
		CorrelationValue: r.corrValue,
	})
	r.add(-1)
}

// deliver runs one process pipeline for a single message.
func (r *run) deliver(p *Process, msg Message) {
	defer r.add(-1)
	r.runPipeline(p, msg.Value)
}

// deliverBatch runs one join-mode process pipeline for the released batch.
func (r *run) deliverBatch(p *Process, batch []Message) {
	defer r.add(-1)
	values := make([]any, len(batch))
	for i, m := range batch {
		values[i] = m.Value
	}
	r.runPipeline(p, values)
}

// runPipeline executes a process's steps on a worker slot: transforms feed
// the next step, publish steps emit and pass through. Failures and panics
// abort the run; the run's other listeners are torn down by the caller that
// started it.
func (r *run) runPipeline(p *Process, v any) {
	if r.steps.Add(1) > r.engine.stepLimit {
		slog.Warn("flowbus: run exceeded step budget",
			"topic", p.source.name, "correlation_id", r.id, "limit", r.engine.stepLimit)
		r.fail(fmt.Errorf("deliver to %q: %w", p.source.name, ErrStepLimit))
		return
	}
	if err := r.engine.workers.Acquire(r.ctx, 1); err != nil {
		// Run torn down while queued for a worker.
		return
	}
	defer r.engine.workers.Release(1)

	defer func() {
		if rec := recover(); rec != nil {
			r.fail(&TransformError{Topic: p.source.name, Err: fmt.Errorf("panic: %v", rec)})
		}
	}()

	for _, s := range p.steps {
		if r.err() != nil {
			return
		}
		switch s.kind {
		case stepTransform:
			out, err := s.fn(r.ctx, v)
			if err != nil {
				r.fail(&TransformError{Topic: p.source.name, Err: err})
				return
			}
			v = out
		case stepPublish:
			r.publish(s.topic.name, v)
		case stepPublishEach:
			items, ok := valuesOf(v)
			if !ok {
				r.fail(&TransformError{
					Topic: p.source.name,
					Err:   fmt.Errorf("publish each to %q: value %T is not a list", s.topic.name, v),
				})
				return
			}
			for _, item := range items {
				r.publish(s.topic.name, item)
			}
		}
	}
}

// await drives the run to completion: first output, failure, cancellation, or
// quiescence. At quiescence, pending joins are released one at a time,
// upstream topics first; each release may create new work, so the loop keeps
// going until the gauge settles with no joins left.
func (r *run) await() (any, error) {
	for {
		select {
		case <-r.resultCh:
			return r.result, nil
		case <-r.failed:
			return nil, r.runErr
		case <-r.ctx.Done():
			return nil, r.ctx.Err()
		case <-r.quiesce:
			if r.activity.Load() != 0 {
				continue
			}
			if !r.releaseNextJoin() {
				return nil, nil
			}
		}
	}
}

// releaseNextJoin flushes the next pending join listener, if any. Returns
// false when no joins remain. The flushed batch registers itself via
// OnPending; an empty join buffer never fires, and dropping the guard token
// re-pokes the quiesce channel so the loop moves on to the next joiner.
func (r *run) releaseNextJoin() bool {
	j := nextJoiner(r.joiners)
	if j == nil {
		return false
	}
	j.released = true
	r.add(1)
	r.engine.conn.Flush(j.listener)
	r.add(-1)
	return true
}

// teardown removes every listener installed for the run and cancels the
// transform context. In-flight transforms finish naturally; whatever they
// publish afterwards finds no matching listener and is dropped.
func (r *run) teardown() {
	r.teardownOnce.Do(func() {
		r.cancel()
		for _, l := range r.listeners {
			r.engine.conn.Disconnect(l)
		}
		close(r.done)
	})
}

// graphTopics collects every topic a process set touches, the reserved
// topics included. The stream tap subscribes to all of them at once.
func graphTopics(processes []*Process) []string {
	seen := map[string]bool{topicIn: true, topicOut: true}
	out := []string{topicIn, topicOut}
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, p := range processes {
		add(p.source.name)
		for _, sink := range p.sinkTopics() {
			add(sink)
		}
	}
	return out
}

// topicReach computes transitive reachability over the static process graph:
// reach[a][b] means a publication to a can eventually cause one to b.
func topicReach(processes []*Process) map[string]map[string]bool {
	edges := make(map[string][]string)
	for _, p := range processes {
		edges[p.source.name] = append(edges[p.source.name], p.sinkTopics()...)
	}

	reach := make(map[string]map[string]bool, len(edges))
	for from := range edges {
		seen := make(map[string]bool)
		queue := append([]string(nil), edges[from]...)
		for len(queue) > 0 {
			next := queue[0]
			queue = queue[1:]
			if seen[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, edges[next]...)
		}
		reach[from] = seen
	}
	return reach
}

// orderJoiners arranges join listeners upstream-first so a released join
// feeding another join's topic fires before it.
func orderJoiners(joiners []*joiner, reach map[string]map[string]bool) {
	ordered := make([]*joiner, 0, len(joiners))
	remaining := append([]*joiner(nil), joiners...)
	for len(remaining) > 0 {
		pick := 0
		for i, j := range remaining {
			hasUpstream := false
			for k, other := range remaining {
				if k == i {
					continue
				}
				if reach[other.topic][j.topic] && !reach[j.topic][other.topic] {
					hasUpstream = true
					break
				}
			}
			if !hasUpstream {
				pick = i
				break
			}
		}
		ordered = append(ordered, remaining[pick])
		remaining = append(remaining[:pick], remaining[pick+1:]...)
	}
	copy(joiners, ordered)
}

// nextJoiner returns the first unreleased joiner in dependency order.
func nextJoiner(joiners []*joiner) *joiner {
	for _, j := range joiners {
		if !j.released {
			return j
		}
	}
	return nil
}
