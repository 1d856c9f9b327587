package gateway

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Event is one inbound dispatch, timestamped on receipt.
type Event struct {
	Conn       string          `json:"conn"`
	Kind       string          `json:"kind"`
	Seq        int64           `json:"seq"`
	ReceivedAt time.Time       `json:"received_at"`
	Data       json.RawMessage `json:"data"`
}

// Router fans events out to subscribers in the order they are published.
// Subscriptions never drop events and see only events published after they
// were opened.
type Router struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

// Subscription is an active event subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription. Events already queued are discarded.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func NewRouter() *Router {
	return &Router{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers for the given event kinds; no kinds means every kind.
func (r *Router) Subscribe(kinds ...string) *Subscription {
	sub := newSubscriber(kinds)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(sub.out)
		return &Subscription{Events: sub.out}
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()
	go sub.pump()
	return &Subscription{
		Events: sub.out,
		cancel: func() { r.remove(sub) },
	}
}

// Publish delivers ev to every matching subscriber.
func (r *Router) Publish(ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sub := range r.subs {
		if sub.wants(ev.Kind) {
			sub.enqueue(ev)
		}
	}
}

// Close ends every subscription. Later subscriptions are closed immediately.
func (r *Router) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[*subscriber]struct{})
	r.closed = true
	r.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
}

func (r *Router) remove(sub *subscriber) {
	r.mu.Lock()
	delete(r.subs, sub)
	r.mu.Unlock()
	sub.close()
}

type subscriber struct {
	kinds  map[string]bool
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	done   chan struct{}
	out    chan Event
	once   sync.Once
}

func newSubscriber(kinds []string) *subscriber {
	s := &subscriber{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[strings.ToUpper(strings.TrimSpace(k))] = true
		}
	}
	return s
}

func (s *subscriber) wants(kind string) bool {
	return s.kinds == nil || s.kinds[kind]
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// pump moves queued events to the consumer channel, so a slow consumer
// delays only itself.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
	})
}
