package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"memechat/internal/models"
	"memechat/internal/store"
)

func startHub(t *testing.T) (*Hub, *store.MemoryStore) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	st := store.NewMemoryStore()
	h := New(st, 50, zerolog.Nop())
	if err := h.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return h, st
}

func createGroup(t *testing.T, st *store.MemoryStore, id, creator string, members ...string) *models.Room {
	t.Helper()
	room, err := st.CreateRoom(context.Background(), &models.Room{
		ID:           id,
		Type:         models.RoomGroup,
		Participants: append([]string{creator}, members...),
		Admins:       []string{creator},
		Name:         "group",
		CreatedBy:    creator,
	}, nil)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func send(t *testing.T, st *store.MemoryStore, roomID, sender, text string) *models.Message {
	t.Helper()
	msg, err := st.AppendMessage(context.Background(), &models.Message{RoomID: roomID, SenderID: sender, Body: models.TextBody{Text: text}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return msg
}

func TestHub_FanOutToEverySubscriber(t *testing.T) {
	h, st := startHub(t)
	room := createGroup(t, st, "g1", "u1", "u2", "u3")
	ctx := context.Background()

	recs := make([]*recorder[[]*models.Message], 3)
	for i, u := range []string{"u1", "u2", "u3"} {
		recs[i] = &recorder[[]*models.Message]{}
		sub, err := h.SubscribeRoomMessages(ctx, room.ID, u, recs[i].handle)
		if err != nil {
			t.Fatalf("subscribe %s: %v", u, err)
		}
		defer sub.Cancel()
	}
	if n := h.Subscribers(room.ID); n != 3 {
		t.Errorf("subscribers = %d, want 3", n)
	}

	msg := send(t, st, room.ID, "u1", "hello")
	for _, rec := range recs {
		waitFor(t, "message delivery", func() bool {
			msgs, _ := rec.last()
			return len(msgs) == 1 && msgs[0].ID == msg.ID
		})
	}
}

func TestHub_OrderWithinRoom(t *testing.T) {
	h, st := startHub(t)
	room := createGroup(t, st, "g1", "u1", "u2")
	var rec recorder[[]*models.Message]
	sub, err := h.SubscribeRoomMessages(context.Background(), room.ID, "u2", rec.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	for _, text := range []string{"a", "b", "c"} {
		send(t, st, room.ID, "u1", text)
	}
	waitFor(t, "three messages", func() bool { msgs, _ := rec.last(); return len(msgs) == 3 })

	// Each delivered snapshot must be a prefix-extension of the previous one.
	prev := -1
	for _, snap := range rec.values() {
		if len(snap) < prev {
			t.Fatalf("snapshot shrank from %d to %d", prev, len(snap))
		}
		prev = len(snap)
	}
	msgs, _ := rec.last()
	for i, want := range []string{"a", "b", "c"} {
		if msgs[i].Text() != want {
			t.Errorf("message %d = %q, want %q", i, msgs[i].Text(), want)
		}
	}
}

func TestHub_NoDeliveryAfterUnsubscribe(t *testing.T) {
	h, st := startHub(t)
	room := createGroup(t, st, "g1", "u1", "u2")
	var rec recorder[[]*models.Message]
	sub, _ := h.SubscribeRoomMessages(context.Background(), room.ID, "u2", rec.handle)
	waitFor(t, "initial snapshot", func() bool { _, ok := rec.last(); return ok })

	sub.Cancel()
	<-sub.Done()
	before := len(rec.values())
	send(t, st, room.ID, "u1", "too late")
	time.Sleep(50 * time.Millisecond)
	if got := len(rec.values()); got != before {
		t.Errorf("handler fired %d times after unsubscribe", got-before)
	}
}

func TestHub_SubscribeRequiresMembership(t *testing.T) {
	h, st := startHub(t)
	room := createGroup(t, st, "g1", "u1", "u2")

	_, err := h.SubscribeRoomMessages(context.Background(), room.ID, "u9", func([]*models.Message) {})
	if !errors.Is(err, models.ErrNotAMember) {
		t.Errorf("messages: got %v, want ErrNotAMember", err)
	}
	_, err = h.SubscribeRoom(context.Background(), room.ID, "u9", func(*models.Room) {})
	if !errors.Is(err, models.ErrNotAMember) {
		t.Errorf("room: got %v, want ErrNotAMember", err)
	}
	_, err = h.SubscribeRoom(context.Background(), "missing", "u1", func(*models.Room) {})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing room: got %v, want ErrNotFound", err)
	}
}

func TestHub_UserRoomsFollowActivityAndMembership(t *testing.T) {
	h, st := startHub(t)
	ctx := context.Background()
	var rec recorder[[]*models.Room]
	sub, err := h.SubscribeUserRooms(ctx, "u2", rec.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()
	if !h.Watching("u2") {
		t.Error("Watching(u2) = false")
	}
	waitFor(t, "empty list", func() bool { rooms, ok := rec.last(); return ok && len(rooms) == 0 })

	room := createGroup(t, st, "g1", "u1", "u2")
	waitFor(t, "room added", func() bool { rooms, _ := rec.last(); return len(rooms) == 1 })

	send(t, st, room.ID, "u1", "news")
	waitFor(t, "last message", func() bool {
		rooms, _ := rec.last()
		return len(rooms) == 1 && rooms[0].LastMessage != nil && rooms[0].LastMessage.Text == "news"
	})

	_, err = st.UpdateRoom(ctx, room.ID, func(r *models.Room) (*store.RoomChange, error) {
		r.RemoveParticipant("u2")
		return &store.RoomChange{}, nil
	})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, "room removed", func() bool { rooms, _ := rec.last(); return len(rooms) == 0 })
}

func TestHub_RoomMetadataAndEviction(t *testing.T) {
	h, st := startHub(t)
	ctx := context.Background()
	room := createGroup(t, st, "g1", "u1", "u2")

	var rec recorder[*models.Room]
	roomSub, err := h.SubscribeRoom(ctx, room.ID, "u2", rec.handle)
	if err != nil {
		t.Fatalf("subscribe room: %v", err)
	}
	msgSub, err := h.SubscribeRoomMessages(ctx, room.ID, "u2", func([]*models.Message) {})
	if err != nil {
		t.Fatalf("subscribe messages: %v", err)
	}

	_, err = st.UpdateRoom(ctx, room.ID, func(r *models.Room) (*store.RoomChange, error) {
		r.Name = "renamed"
		return &store.RoomChange{}, nil
	})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	waitFor(t, "rename", func() bool { r, _ := rec.last(); return r != nil && r.Name == "renamed" })

	_, err = st.UpdateRoom(ctx, room.ID, func(r *models.Room) (*store.RoomChange, error) {
		r.RemoveParticipant("u2")
		return &store.RoomChange{}, nil
	})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	for _, sub := range []*Subscription{roomSub, msgSub} {
		select {
		case <-sub.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("%s subscription of removed user still live", sub.Topic())
		}
	}
	if n := h.Subscribers(room.ID); n != 0 {
		t.Errorf("subscribers = %d after eviction, want 0", n)
	}
}
