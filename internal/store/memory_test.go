package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"memechat/internal/models"
)

func directRoom(a, b string) *models.Room {
	key := models.DirectKey(a, b)
	return &models.Room{
		ID:           DirectRoomID(key),
		Type:         models.RoomDirect,
		Participants: []string{a, b},
		CreatedBy:    a,
		DirectKey:    key,
	}
}

func groupRoom(id, creator string, members ...string) *models.Room {
	return &models.Room{
		ID:           id,
		Type:         models.RoomGroup,
		Participants: append([]string{creator}, members...),
		Admins:       []string{creator},
		Name:         "group " + id,
		CreatedBy:    creator,
	}
}

func textMessage(room, sender, text string) *models.Message {
	return &models.Message{RoomID: room, SenderID: sender, SenderName: sender, Body: models.TextBody{Text: text}}
}

// frozenClock returns the same instant forever, which forces the store to
// break timestamp ties itself.
func frozenClock() func() time.Time {
	t := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestMemoryStore_DirectRoomDedup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, created, err := s.GetOrCreateDirectRoom(ctx, directRoom("u1", "u2"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("first call should create the room")
	}

	second, created, err := s.GetOrCreateDirectRoom(ctx, directRoom("u2", "u1"))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Error("second call should reuse the room")
	}
	if first.ID != second.ID {
		t.Errorf("got ids %s and %s, want the same room", first.ID, second.ID)
	}
}

func TestMemoryStore_DirectRoomDedupConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const callers = 32
	ids := make([]string, callers)
	var created int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			room, isNew, err := s.GetOrCreateDirectRoom(ctx, directRoom(a, b))
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			ids[i] = room.ID
			if isNew {
				created++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("created %d rooms, want 1", created)
	}
	for i, id := range ids {
		if id != ids[0] {
			t.Errorf("caller %d got room %s, want %s", i, id, ids[0])
		}
	}
	rooms, _ := s.ListUserRooms(ctx, "alice")
	if len(rooms) != 1 {
		t.Errorf("alice has %d rooms, want 1", len(rooms))
	}
}

func TestMemoryStore_TimestampsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithClock(frozenClock()))

	room, _, err := s.GetOrCreateDirectRoom(ctx, directRoom("u1", "u2"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var last time.Time
	for i := 0; i < 5; i++ {
		msg, err := s.AppendMessage(ctx, textMessage(room.ID, "u1", "hi"))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if !msg.Timestamp.After(last) {
			t.Fatalf("message %d timestamp %v not after %v", i, msg.Timestamp, last)
		}
		if msg.ID == "" {
			t.Fatal("message id was not assigned")
		}
		last = msg.Timestamp
	}

	got, err := s.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastActivity.Equal(last) {
		t.Errorf("LastActivity = %v, want %v", got.LastActivity, last)
	}
	if got.LastMessage == nil || got.LastMessage.Text != "hi" {
		t.Errorf("LastMessage = %+v, want preview of the last message", got.LastMessage)
	}
}

func TestMemoryStore_AppendRequiresMembership(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room, _, _ := s.GetOrCreateDirectRoom(ctx, directRoom("u1", "u2"))

	_, err := s.AppendMessage(ctx, textMessage(room.ID, "u3", "let me in"))
	if !errors.Is(err, models.ErrNotAMember) {
		t.Errorf("got %v, want ErrNotAMember", err)
	}

	_, err = s.AppendMessage(ctx, textMessage("missing", "u1", "hi"))
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ListMessagesMostRecentAscending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(WithClock(frozenClock()))
	room, _, _ := s.GetOrCreateDirectRoom(ctx, directRoom("u1", "u2"))

	for _, text := range []string{"a", "b", "c", "d"} {
		if _, err := s.AppendMessage(ctx, textMessage(room.ID, "u1", text)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := s.ListMessages(ctx, room.ID, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text() != "c" || msgs[1].Text() != "d" {
		t.Errorf("got %v, want [c d]", texts(msgs))
	}
}

func texts(msgs []*models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text()
	}
	return out
}

func TestMemoryStore_UnreadCounts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room, _, _ := s.GetOrCreateDirectRoom(ctx, directRoom("u1", "u2"))

	for i := 0; i < 3; i++ {
		if _, err := s.AppendMessage(ctx, textMessage(room.ID, "u1", "ping")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := s.AppendMessage(ctx, textMessage(room.ID, "u2", "pong")); err != nil {
		t.Fatalf("append: %v", err)
	}

	counts, _ := s.UnreadCounts(ctx, "u2")
	if counts[room.ID] != 3 {
		t.Errorf("u2 unread = %d, want 3 (own messages excluded)", counts[room.ID])
	}
	counts, _ = s.UnreadCounts(ctx, "u1")
	if counts[room.ID] != 1 {
		t.Errorf("u1 unread = %d, want 1", counts[room.ID])
	}

	latest, _ := s.GetRoom(ctx, room.ID)
	moved, err := s.SetReadMarker(ctx, room.ID, "u2", latest.LastActivity)
	if err != nil || !moved {
		t.Fatalf("SetReadMarker = %v, %v", moved, err)
	}
	counts, _ = s.UnreadCounts(ctx, "u2")
	if counts[room.ID] != 0 {
		t.Errorf("u2 unread after read = %d, want 0", counts[room.ID])
	}
}

func TestMemoryStore_ReadMarkerOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room, _, _ := s.GetOrCreateDirectRoom(ctx, directRoom("u1", "u2"))

	at := time.Now().Add(time.Hour)
	if moved, _ := s.SetReadMarker(ctx, room.ID, "u1", at); !moved {
		t.Fatal("marker should move forward")
	}
	if moved, _ := s.SetReadMarker(ctx, room.ID, "u1", at.Add(-time.Minute)); moved {
		t.Error("marker moved backwards")
	}
	got, _ := s.ReadMarker(ctx, room.ID, "u1")
	if !got.Equal(at.UTC().Truncate(time.Microsecond)) {
		t.Errorf("marker = %v, want %v", got, at)
	}
}

func TestMemoryStore_JoinSeedsReadMarker(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room, err := s.CreateRoom(ctx, groupRoom("g1", "u1", "u2"), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 2; i++ {
		s.AppendMessage(ctx, textMessage(room.ID, "u1", "before"))
	}

	_, err = s.UpdateRoom(ctx, room.ID, func(r *models.Room) (*RoomChange, error) {
		r.AddParticipant("u3")
		return &RoomChange{}, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	counts, _ := s.UnreadCounts(ctx, "u3")
	if n, ok := counts[room.ID]; !ok || n != 0 {
		t.Errorf("u3 unread = %d (present %v), want 0 for history before join", n, ok)
	}
}

func TestMemoryStore_UpdateRoomValidates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room, _ := s.CreateRoom(ctx, groupRoom("g1", "u1", "u2"), nil)

	_, err := s.UpdateRoom(ctx, room.ID, func(r *models.Room) (*RoomChange, error) {
		r.RemoveAdmin("u1")
		return &RoomChange{}, nil
	})
	if !errors.Is(err, models.ErrInvariantViolation) {
		t.Fatalf("got %v, want ErrInvariantViolation", err)
	}
	got, _ := s.GetRoom(ctx, room.ID)
	if !got.IsAdmin("u1") {
		t.Error("rejected update leaked into the stored room")
	}

	unchanged, err := s.UpdateRoom(ctx, room.ID, func(r *models.Room) (*RoomChange, error) {
		r.Name = "ignored"
		return nil, nil
	})
	if err != nil {
		t.Fatalf("nil change: %v", err)
	}
	if unchanged.Name != room.Name {
		t.Errorf("nil change renamed room to %q", unchanged.Name)
	}
}

func TestMemoryStore_RemovedUserLosesRoom(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room, _ := s.CreateRoom(ctx, groupRoom("g1", "u1", "u2", "u3"), nil)

	_, err := s.UpdateRoom(ctx, room.ID, func(r *models.Room) (*RoomChange, error) {
		r.RemoveParticipant("u3")
		return &RoomChange{}, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	rooms, _ := s.ListUserRooms(ctx, "u3")
	if len(rooms) != 0 {
		t.Errorf("u3 still lists %d rooms", len(rooms))
	}
}

func TestMemoryStore_Notifications(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	change := &RoomChange{Notifications: []*models.Notification{
		{RecipientID: "u2", ActorID: "u1", Kind: models.NotifyAddedToRoom, Text: "added"},
	}}
	if _, err := s.CreateRoom(ctx, groupRoom("g1", "u1", "u2"), change); err != nil {
		t.Fatalf("create: %v", err)
	}

	notes, _ := s.ListNotifications(ctx, "u2", 10)
	if len(notes) != 1 || notes[0].RoomID != "g1" || notes[0].ID == "" {
		t.Fatalf("notifications = %+v", notes)
	}
	if n, _ := s.CountUnreadNotifications(ctx, "u2"); n != 1 {
		t.Errorf("unread notifications = %d, want 1", n)
	}
	if n, _ := s.MarkNotificationsRead(ctx, "u2"); n != 1 {
		t.Errorf("marked %d, want 1", n)
	}
	if n, _ := s.CountUnreadNotifications(ctx, "u2"); n != 0 {
		t.Errorf("unread notifications after mark = %d, want 0", n)
	}
}

func TestMemoryStore_WatchEmitsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore()
	events, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	room, _, _ := s.GetOrCreateDirectRoom(ctx, directRoom("u1", "u2"))
	msg, _ := s.AppendMessage(ctx, textMessage(room.ID, "u1", "hi"))

	want := []models.EventKind{models.EventRoomCreated, models.EventMessageCreated}
	for i, kind := range want {
		select {
		case ev := <-events:
			if ev.Kind != kind {
				t.Fatalf("event %d kind = %s, want %s", i, ev.Kind, kind)
			}
			if ev.RoomID != room.ID {
				t.Errorf("event %d room = %s, want %s", i, ev.RoomID, room.ID)
			}
			if kind == models.EventMessageCreated && (ev.MessageID != msg.ID || ev.ActorID != "u1") {
				t.Errorf("message event = %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}
