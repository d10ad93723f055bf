package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type names a platform event.
type Type string

const (
	DeployRequested   Type = "deploy-requested"
	ApplicationReady  Type = "application-ready"
	ApplicationDown   Type = "application-down"
	DeploymentUpdated Type = "deployment-updated"
)

// StatusUnreachable marks an ApplicationDown raised by the proxy rather than
// the supervisor.
const StatusUnreachable = "unreachable"

// Event is a notification exchanged between platform components.
type Event struct {
	Type         Type
	Application  string
	Repository   string
	CommitRef    string
	DeploymentID string
	Port         int
	Status       string
	Message      string
	At           time.Time
}

// Handler processes one event. Handlers of the same subscriber never run concurrently.
type Handler func(context.Context, Event)

// Bus fans events out to subscribers. Every subscriber owns an unbounded FIFO
// drained by a single goroutine, so each sees events in publish order.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscriber
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

type delivery struct {
	event Event
	done  *sync.WaitGroup
}

type subscriber struct {
	name   string
	types  map[Type]struct{}
	handle Handler

	mu     sync.Mutex
	queue  []delivery
	signal chan struct{}
}

// NewBus constructs a running Bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{ctx: ctx, cancel: cancel, log: logger.With("component", "events")}
}

// Subscribe registers handler for the listed event types (all types when none given).
func (b *Bus) Subscribe(name string, handler Handler, types ...Type) {
	sub := &subscriber{
		name:   name,
		handle: handler,
		signal: make(chan struct{}, 1),
	}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.serve(sub)
}

// Publish queues ev for every interested subscriber. The returned channel is
// closed once all of them have handled it.
func (b *Bus) Publish(ev Event) <-chan struct{} {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	done := make(chan struct{})
	var pending sync.WaitGroup

	b.mu.Lock()
	for _, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		pending.Add(1)
		sub.push(delivery{event: ev, done: &pending})
	}
	b.mu.Unlock()

	go func() {
		pending.Wait()
		close(done)
	}()
	return done
}

// Close stops delivery. Events still queued are released without being handled.
func (b *Bus) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *Bus) serve(sub *subscriber) {
	defer b.wg.Done()
	for {
		d, ok := sub.pop()
		if !ok {
			select {
			case <-sub.signal:
				continue
			case <-b.ctx.Done():
				sub.drain()
				return
			}
		}
		b.dispatch(sub, d)
	}
}

func (b *Bus) dispatch(sub *subscriber, d delivery) {
	defer d.done.Done()
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "subscriber", sub.name, "type", d.event.Type, "panic", r)
		}
	}()
	sub.handle(b.ctx, d.event)
}

func (s *subscriber) wants(t Type) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

func (s *subscriber) push(d delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return delivery{}, false
	}
	d := s.queue[0]
	s.queue[0] = delivery{}
	s.queue = s.queue[1:]
	return d, true
}

func (s *subscriber) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.queue {
		d.done.Done()
	}
	s.queue = nil
}
