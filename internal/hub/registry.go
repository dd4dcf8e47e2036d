package hub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"memechat/internal/metrics"
)

// Subscription is the cancellation handle of a live view.
type Subscription struct {
	topic  string
	key    string
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
	remove func()
}

// Cancel stops delivery and releases the subscription. It is safe to call
// more than once and from any goroutine. A delivery already running when
// Cancel is called may still complete.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		s.remove()
		metrics.ActiveSubscriptions.WithLabelValues(s.topic).Dec()
	})
}

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Topic names the registry the subscription belongs to.
func (s *Subscription) Topic() string { return s.topic }

// subscriber holds at most one undelivered snapshot. A newer snapshot
// replaces an older one, so memory stays bounded however slow the handler.
type subscriber[T any] struct {
	owner   string
	handler func(T)
	handle  *Subscription

	mu      sync.Mutex
	pending T
	ready   bool
	version uint64
	signal  chan struct{}
}

func (s *subscriber[T]) offer(version uint64, value T) {
	s.mu.Lock()
	if version <= s.version {
		s.mu.Unlock()
		return
	}
	s.pending, s.ready, s.version = value, true, version
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) take() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.pending, s.ready
	var zero T
	s.pending, s.ready = zero, false
	return v, ok
}

// Registry indexes subscriptions of one topic by key (a room id or a user id).
type Registry[T any] struct {
	topic   string
	logger  zerolog.Logger
	version atomic.Uint64

	mu   sync.RWMutex
	subs map[string]map[*subscriber[T]]struct{}
}

func NewRegistry[T any](topic string, logger zerolog.Logger) *Registry[T] {
	return &Registry[T]{
		topic:  topic,
		logger: logger.With().Str("topic", topic).Logger(),
		subs:   make(map[string]map[*subscriber[T]]struct{}),
	}
}

// Subscribe registers handler under key, then delivers the snapshot returned
// by load. Registration happens before load so no write is missed; versions
// keep the initial snapshot from overwriting a fresher one.
func (r *Registry[T]) Subscribe(ctx context.Context, key, owner string, handler func(T), load func(context.Context) (T, error)) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	s := &subscriber[T]{
		owner:   owner,
		handler: handler,
		signal:  make(chan struct{}, 1),
	}
	s.handle = &Subscription{
		topic:  r.topic,
		key:    key,
		cancel: cancel,
		done:   make(chan struct{}),
		remove: func() { r.remove(key, s) },
	}

	r.mu.Lock()
	if r.subs[key] == nil {
		r.subs[key] = make(map[*subscriber[T]]struct{})
	}
	r.subs[key][s] = struct{}{}
	r.mu.Unlock()
	metrics.ActiveSubscriptions.WithLabelValues(r.topic).Inc()

	go r.deliver(subCtx, s)
	context.AfterFunc(subCtx, s.handle.Cancel)

	version := r.Version()
	initial, err := load(subCtx)
	if err != nil {
		s.handle.Cancel()
		return nil, err
	}
	s.offer(version, initial)
	return s.handle, nil
}

func (r *Registry[T]) deliver(ctx context.Context, s *subscriber[T]) {
	defer close(s.handle.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.signal:
		}
		v, ok := s.take()
		if !ok || ctx.Err() != nil {
			continue
		}
		r.call(s, v)
	}
}

func (r *Registry[T]) call(s *subscriber[T], v T) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("key", s.handle.key).Msg("subscription handler panicked")
		}
	}()
	s.handler(v)
	metrics.Deliveries.WithLabelValues(r.topic).Inc()
}

func (r *Registry[T]) remove(key string, s *subscriber[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs[key], s)
	if len(r.subs[key]) == 0 {
		delete(r.subs, key)
	}
}

// Version reserves a snapshot version. Take it before querying the store.
func (r *Registry[T]) Version() uint64 {
	return r.version.Add(1)
}

// Has reports whether key has any live subscriber.
func (r *Registry[T]) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[key]) > 0
}

// Len returns the number of live subscriptions under key.
func (r *Registry[T]) Len(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[key])
}

// Publish offers value to every subscriber of key.
func (r *Registry[T]) Publish(key string, version uint64, value T) {
	for _, s := range r.snapshot(key) {
		s.offer(version, value)
	}
}

// Evict cancels the subscriptions of key held by owner.
func (r *Registry[T]) Evict(key, owner string) int {
	n := 0
	for _, s := range r.snapshot(key) {
		if s.owner == owner {
			s.handle.Cancel()
			n++
		}
	}
	return n
}

func (r *Registry[T]) snapshot(key string) []*subscriber[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*subscriber[T], 0, len(r.subs[key]))
	for s := range r.subs[key] {
		out = append(out, s)
	}
	return out
}
