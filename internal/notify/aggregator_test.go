package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"memechat/internal/models"
	"memechat/internal/store"
)

// flakyStore fails read-marker writes for the rooms listed in failRooms.
type flakyStore struct {
	store.Store
	failRooms map[string]bool
}

func (f *flakyStore) SetReadMarker(ctx context.Context, roomID, userID string, at time.Time) (bool, error) {
	if f.failRooms[roomID] {
		return false, fmt.Errorf("%w: injected", models.ErrStoreUnavailable)
	}
	return f.Store.SetReadMarker(ctx, roomID, userID, at)
}

// lateMessageStore lands one message from sender right after the first
// read marker write, then gives the feed time to deliver it.
type lateMessageStore struct {
	store.Store
	sender string
	once   sync.Once
}

func (l *lateMessageStore) SetReadMarker(ctx context.Context, roomID, userID string, at time.Time) (bool, error) {
	moved, err := l.Store.SetReadMarker(ctx, roomID, userID, at)
	if err != nil {
		return moved, err
	}
	l.once.Do(func() {
		// Step past the marker's microsecond so the message counts as unread.
		time.Sleep(time.Millisecond)
		_, err = l.Store.AppendMessage(ctx, &models.Message{RoomID: roomID, SenderID: l.sender, Body: models.TextBody{Text: "late"}})
		time.Sleep(50 * time.Millisecond)
	})
	return moved, err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type alertsRecorder struct {
	mu   sync.Mutex
	last *models.Alerts
	n    int
}

func (r *alertsRecorder) handle(a *models.Alerts) {
	r.mu.Lock()
	r.last = a
	r.n++
	r.mu.Unlock()
}

func (r *alertsRecorder) get() *models.Alerts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func startAggregator(t *testing.T, st store.Store) *Aggregator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	agg := NewAggregator(st, NewMemoryCache(time.Minute), zerolog.Nop())
	if err := agg.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return agg
}

func directRoom(t *testing.T, st store.Store, a, b string) *models.Room {
	t.Helper()
	key := models.DirectKey(a, b)
	room, _, err := st.GetOrCreateDirectRoom(context.Background(), &models.Room{
		ID:           store.DirectRoomID(key),
		Type:         models.RoomDirect,
		Participants: []string{a, b},
		CreatedBy:    a,
		DirectKey:    key,
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func send(t *testing.T, st store.Store, roomID, sender string) {
	t.Helper()
	_, err := st.AppendMessage(context.Background(), &models.Message{RoomID: roomID, SenderID: sender, Body: models.TextBody{Text: "hi"}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestAggregator_UnreadCountExcludesOwnMessages(t *testing.T) {
	st := store.NewMemoryStore()
	agg := startAggregator(t, st)
	ctx := context.Background()
	r1 := directRoom(t, st, "u1", "u2")
	r2 := directRoom(t, st, "u1", "u3")

	send(t, st, r1.ID, "u2")
	send(t, st, r1.ID, "u2")
	send(t, st, r2.ID, "u3")
	send(t, st, r2.ID, "u1")

	waitFor(t, "unread count", func() bool {
		n, err := agg.UnreadCount(ctx, "u1")
		return err == nil && n == 3
	})
	alerts, err := agg.Alerts(ctx, "u1")
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if alerts.UnreadByRoom[r1.ID] != 2 || alerts.UnreadByRoom[r2.ID] != 1 || !alerts.HasNew {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestAggregator_SubscribeAlertsFollowsMessagesAndReads(t *testing.T) {
	st := store.NewMemoryStore()
	agg := startAggregator(t, st)
	ctx := context.Background()
	room := directRoom(t, st, "u1", "u2")

	var rec alertsRecorder
	sub, err := agg.SubscribeAlerts(ctx, "u2", rec.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()
	waitFor(t, "initial badge", func() bool { a := rec.get(); return a != nil && a.UnreadMessages == 0 })

	send(t, st, room.ID, "u1")
	waitFor(t, "badge increment", func() bool { a := rec.get(); return a != nil && a.UnreadMessages == 1 })

	latest, _ := st.GetRoom(ctx, room.ID)
	if _, err := st.SetReadMarker(ctx, room.ID, "u2", latest.LastActivity); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	waitFor(t, "badge cleared", func() bool { a := rec.get(); return a != nil && a.UnreadMessages == 0 })
}

func TestAggregator_MarkAllRead(t *testing.T) {
	st := store.NewMemoryStore()
	agg := startAggregator(t, st)
	ctx := context.Background()
	r1 := directRoom(t, st, "u1", "u2")
	r2 := directRoom(t, st, "u1", "u3")
	send(t, st, r1.ID, "u2")
	send(t, st, r2.ID, "u3")

	cleared, err := agg.MarkAllRead(ctx, "u1")
	if err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	if cleared.UnreadMessages != 0 {
		t.Errorf("returned alerts = %+v, want zero unread", cleared)
	}
	counts, _ := st.UnreadCounts(ctx, "u1")
	for room, n := range counts {
		if n != 0 {
			t.Errorf("room %s still has %d unread in the store", room, n)
		}
	}
	if n, _ := agg.UnreadCount(ctx, "u1"); n != 0 {
		t.Errorf("UnreadCount = %d, want 0", n)
	}
}

func TestAggregator_MarkAllReadKeepsMessageArrivingDuringWrites(t *testing.T) {
	mem := store.NewMemoryStore()
	room := directRoom(t, mem, "u1", "u2")
	late := &lateMessageStore{Store: mem, sender: "u2"}
	agg := startAggregator(t, late)
	ctx := context.Background()

	send(t, mem, room.ID, "u2")
	waitFor(t, "unread", func() bool { n, _ := agg.UnreadCount(ctx, "u1"); return n == 1 })

	if _, err := agg.MarkAllRead(ctx, "u1"); err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	counts, err := mem.UnreadCounts(ctx, "u1")
	if err != nil || counts[room.ID] != 1 {
		t.Fatalf("store unread = %v, %v; want the late message unread", counts, err)
	}
	// No waiting: a cached zero would show up here.
	if n, err := agg.UnreadCount(ctx, "u1"); err != nil || n != 1 {
		t.Errorf("UnreadCount = %d, %v; want 1", n, err)
	}
}

func TestAggregator_MarkAllReadReconcilesOnFailure(t *testing.T) {
	mem := store.NewMemoryStore()
	r1 := directRoom(t, mem, "u1", "u2")
	r2 := directRoom(t, mem, "u1", "u3")
	flaky := &flakyStore{Store: mem, failRooms: map[string]bool{r2.ID: true}}
	agg := startAggregator(t, flaky)
	ctx := context.Background()

	send(t, mem, r1.ID, "u2")
	send(t, mem, r2.ID, "u3")
	send(t, mem, r2.ID, "u3")
	waitFor(t, "unread", func() bool { n, _ := agg.UnreadCount(ctx, "u1"); return n == 3 })

	var rec alertsRecorder
	sub, err := agg.SubscribeAlerts(ctx, "u1", rec.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	_, err = agg.MarkAllRead(ctx, "u1")
	if !errors.Is(err, models.ErrStoreUnavailable) {
		t.Fatalf("MarkAllRead = %v, want ErrStoreUnavailable", err)
	}

	// The failed room keeps its badge; the room that was written is cleared.
	waitFor(t, "reconciled badge", func() bool {
		a := rec.get()
		return a != nil && a.UnreadByRoom[r2.ID] == 2 && a.UnreadByRoom[r1.ID] == 0
	})
	if n, _ := agg.UnreadCount(ctx, "u1"); n != 2 {
		t.Errorf("UnreadCount after partial failure = %d, want 2", n)
	}
}

func TestAggregator_NotificationsAndNewFlag(t *testing.T) {
	st := store.NewMemoryStore()
	agg := startAggregator(t, st)
	ctx := context.Background()

	var rec alertsRecorder
	sub, err := agg.SubscribeAlerts(ctx, "u2", rec.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	_, err = st.CreateRoom(ctx, &models.Room{
		ID:           "g1",
		Type:         models.RoomGroup,
		Participants: []string{"u1", "u2"},
		Admins:       []string{"u1"},
		Name:         "Squad",
		CreatedBy:    "u1",
	}, &store.RoomChange{Notifications: []*models.Notification{
		{RecipientID: "u2", ActorID: "u1", Kind: models.NotifyAddedToRoom, Text: "added"},
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, "new notification", func() bool { a := rec.get(); return a != nil && a.NewNotifications == 1 && a.HasNew })

	notes, err := agg.Notifications(ctx, "u2", 10)
	if err != nil || len(notes) != 1 || notes[0].Kind != models.NotifyAddedToRoom {
		t.Fatalf("Notifications = %+v, %v", notes, err)
	}

	if n, err := agg.MarkNotificationsRead(ctx, "u2"); err != nil || n != 1 {
		t.Fatalf("MarkNotificationsRead = %d, %v", n, err)
	}
	waitFor(t, "notification read", func() bool { a := rec.get(); return a != nil && a.NewNotifications == 0 && !a.HasNew })
}
