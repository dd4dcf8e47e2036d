package store

import (
	"context"
	"testing"
	"time"

	"memechat/internal/models"
)

func TestFeed_PublishWithoutWatchersDoesNotBlock(t *testing.T) {
	f := NewFeed()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			f.Publish(models.Event{Kind: models.EventRoomUpdated})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
}

func TestFeed_SlowWatcherKeepsOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := NewFeed()
	events := f.Watch(ctx)

	// Publish everything before reading so the watcher queue has to buffer.
	for i := 0; i < 100; i++ {
		f.Publish(models.Event{Kind: models.EventMessageCreated, Timestamp: time.Unix(int64(i), 0)})
	}
	for i := 0; i < 100; i++ {
		select {
		case ev := <-events:
			if ev.Timestamp.Unix() != int64(i) {
				t.Fatalf("event %d arrived out of order (ts %d)", i, ev.Timestamp.Unix())
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out at event %d", i)
		}
	}
}

func TestFeed_WatchClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := NewFeed()
	events := f.Watch(ctx)
	if f.Watchers() != 1 {
		t.Fatalf("watchers = %d, want 1", f.Watchers())
	}
	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("unexpected event after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	deadline := time.Now().Add(time.Second)
	for f.Watchers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.Watchers() != 0 {
		t.Errorf("watchers = %d after cancel, want 0", f.Watchers())
	}
}
