// Package store persists rooms, messages, read markers and notifications,
// and publishes a change feed of every committed write.
package store

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"memechat/internal/models"
)

// Store is the persistence contract of the chat core. Every mutation of a
// room document is atomic; writes that touch the same room are serialized.
type Store interface {
	Ping(ctx context.Context) error
	Close()

	GetRoom(ctx context.Context, id string) (*models.Room, error)
	ListUserRooms(ctx context.Context, userID string) ([]*models.Room, error)
	CreateRoom(ctx context.Context, room *models.Room, change *RoomChange) (*models.Room, error)
	// GetOrCreateDirectRoom inserts room unless a room with the same
	// DirectKey exists, in which case the existing room is returned.
	GetOrCreateDirectRoom(ctx context.Context, room *models.Room) (*models.Room, bool, error)
	// UpdateRoom runs fn against the current room document inside the
	// store's atomic section. fn returning a nil change leaves the room as is.
	UpdateRoom(ctx context.Context, id string, fn MutateFunc) (*models.Room, error)

	// AppendMessage stores msg, assigning its ID and timestamp. It fails
	// with ErrNotAMember when the sender is not a participant at write time.
	AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	// ListMessages returns the most recent limit messages in ascending order.
	ListMessages(ctx context.Context, roomID string, limit int) ([]*models.Message, error)

	// SetReadMarker moves the marker forward; it reports false when the
	// stored marker was already at or past at.
	SetReadMarker(ctx context.Context, roomID, userID string, at time.Time) (bool, error)
	ReadMarker(ctx context.Context, roomID, userID string) (time.Time, error)
	// UnreadCounts maps every room of userID to the number of messages
	// from other senders newer than the user's read marker.
	UnreadCounts(ctx context.Context, userID string) (map[string]int, error)

	ListNotifications(ctx context.Context, userID string, limit int) ([]*models.Notification, error)
	CountUnreadNotifications(ctx context.Context, userID string) (int, error)
	MarkNotificationsRead(ctx context.Context, userID string) (int, error)

	// Watch streams change events until ctx is done.
	Watch(ctx context.Context) (<-chan models.Event, error)
}

// RoomChange is written in the same atomic step as a room mutation.
type RoomChange struct {
	Messages      []*models.Message
	Notifications []*models.Notification
}

type MutateFunc func(room *models.Room) (*RoomChange, error)

// Timestamps are kept at microsecond precision to match Postgres.
const tick = time.Microsecond

// nextTimestamp returns a server time strictly after last.
func nextTimestamp(now, last time.Time) time.Time {
	ts := now.UTC().Truncate(tick)
	if !ts.After(last) {
		ts = last.Add(tick)
	}
	return ts
}

// plan is the resolved effect of a room write: stamped messages and
// notifications, read markers to seed, and events to publish.
type plan struct {
	at      time.Time
	joined  []string
	removed []string
	events  []models.Event
}

// prepare stamps change onto after and derives the feed events. before is
// nil for a freshly created room.
func prepare(before, after *models.Room, change *RoomChange, now time.Time) plan {
	var last time.Time
	var prev []string
	if before != nil {
		last = before.LastActivity
		prev = before.Participants
	}
	p := plan{at: nextTimestamp(now, last)}
	for _, u := range after.Participants {
		if !slices.Contains(prev, u) {
			p.joined = append(p.joined, u)
		}
	}
	for _, u := range prev {
		if !after.IsParticipant(u) {
			p.removed = append(p.removed, u)
		}
	}
	users := append(slices.Clone(after.Participants), p.removed...)

	kind := models.EventRoomUpdated
	switch {
	case before == nil:
		kind = models.EventRoomCreated
	case len(p.joined) > 0 || len(p.removed) > 0 || !slices.Equal(before.Admins, after.Admins):
		kind = models.EventMembershipChanged
	}

	ts := p.at
	after.LastActivity = ts
	if change != nil {
		for i, msg := range change.Messages {
			if i > 0 {
				ts = ts.Add(tick)
			}
			stampMessage(msg, after.ID, ts)
			after.LastMessage = msg.Preview()
			after.LastActivity = ts
		}
	}
	p.events = append(p.events, models.Event{
		Kind:      kind,
		RoomID:    after.ID,
		Users:     users,
		Removed:   slices.Clone(p.removed),
		Timestamp: p.at,
	})
	if change == nil {
		return p
	}
	for _, msg := range change.Messages {
		p.events = append(p.events, models.Event{
			Kind:      models.EventMessageCreated,
			RoomID:    after.ID,
			ActorID:   msg.SenderID,
			MessageID: msg.ID,
			Users:     slices.Clone(after.Participants),
			Timestamp: msg.Timestamp,
		})
	}
	for _, n := range change.Notifications {
		if n.ID == "" {
			n.ID = uuid.New().String()
		}
		n.RoomID = after.ID
		n.CreatedAt = p.at
		p.events = append(p.events, models.Event{
			Kind:      models.EventNotificationCreated,
			RoomID:    after.ID,
			ActorID:   n.ActorID,
			Users:     []string{n.RecipientID},
			Timestamp: p.at,
		})
	}
	return p
}

func stampMessage(msg *models.Message, roomID string, ts time.Time) {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	msg.RoomID = roomID
	msg.Timestamp = ts
}

func messageEvent(room *models.Room, msg *models.Message) models.Event {
	return models.Event{
		Kind:      models.EventMessageCreated,
		RoomID:    room.ID,
		ActorID:   msg.SenderID,
		MessageID: msg.ID,
		Users:     slices.Clone(room.Participants),
		Timestamp: msg.Timestamp,
	}
}

func readEvent(roomID, userID string, at time.Time) models.Event {
	return models.Event{
		Kind:      models.EventReadStateUpdated,
		RoomID:    roomID,
		ActorID:   userID,
		Users:     []string{userID},
		Timestamp: at,
	}
}

// DirectRoomID derives a stable room id from the canonical pair key so
// concurrent creators agree on the id before either insert lands.
func DirectRoomID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("direct:"+key)).String()
}
