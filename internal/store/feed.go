package store

import (
	"context"
	"sync"

	"memechat/internal/models"
)

// Feed fans committed events out to watchers. Publish never blocks: each
// watcher owns a queue drained by its own goroutine, so a slow consumer
// cannot stall writers holding the store lock.
type Feed struct {
	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

type watcher struct {
	mu     sync.Mutex
	queue  []models.Event
	signal chan struct{}
}

func NewFeed() *Feed {
	return &Feed{watchers: make(map[*watcher]struct{})}
}

// Publish appends events to every watcher in order.
func (f *Feed) Publish(events ...models.Event) {
	if len(events) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for w := range f.watchers {
		w.mu.Lock()
		w.queue = append(w.queue, events...)
		w.mu.Unlock()
		select {
		case w.signal <- struct{}{}:
		default:
		}
	}
}

// Watch returns a channel of events published after the call. The channel
// is closed once ctx is done.
func (f *Feed) Watch(ctx context.Context) <-chan models.Event {
	w := &watcher{signal: make(chan struct{}, 1)}
	f.mu.Lock()
	f.watchers[w] = struct{}{}
	f.mu.Unlock()

	out := make(chan models.Event)
	go func() {
		defer func() {
			f.mu.Lock()
			delete(f.watchers, w)
			f.mu.Unlock()
			close(out)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.signal:
			}
			w.mu.Lock()
			batch := w.queue
			w.queue = nil
			w.mu.Unlock()
			for _, ev := range batch {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Watchers reports the number of live watchers.
func (f *Feed) Watchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}
