package models

import "time"

type MembershipAction string

const (
	ActionCreate   MembershipAction = "create"
	ActionAdd      MembershipAction = "add"
	ActionRemove   MembershipAction = "remove"
	ActionLeave    MembershipAction = "leave"
	ActionPromote  MembershipAction = "promote"
	ActionDemote   MembershipAction = "demote"
	ActionMetadata MembershipAction = "metadata"
)

// MembershipEvent describes one membership or metadata change of a room.
type MembershipEvent struct {
	RoomID    string           `json:"room_id"`
	ActorID   string           `json:"actor_id"`
	TargetID  string           `json:"target_id,omitempty"`
	Action    MembershipAction `json:"action"`
	Timestamp time.Time        `json:"timestamp"`
}

// Body renders the change as the system message posted in the room.
func (e MembershipEvent) Body(text string) SystemBody {
	return SystemBody{Action: e.Action, ActorID: e.ActorID, TargetID: e.TargetID, Text: text}
}

type EventKind string

const (
	EventMessageCreated      EventKind = "message.created"
	EventRoomCreated         EventKind = "room.created"
	EventRoomUpdated         EventKind = "room.updated"
	EventMembershipChanged   EventKind = "membership.changed"
	EventReadStateUpdated    EventKind = "readstate.updated"
	EventNotificationCreated EventKind = "notification.created"
)

// Event is one entry of the store change feed. Users lists every user whose
// view is affected: current participants plus anyone just removed. Removed
// repeats the users who left in this write.
type Event struct {
	Kind      EventKind `json:"kind"`
	RoomID    string    `json:"room_id,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Users     []string  `json:"users,omitempty"`
	Removed   []string  `json:"removed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomScoped reports whether the event's Users are the room's participants
// (plus Removed), so they can be rebuilt from the room document.
func (e Event) RoomScoped() bool {
	switch e.Kind {
	case EventMessageCreated, EventRoomCreated, EventRoomUpdated, EventMembershipChanged:
		return e.RoomID != ""
	}
	return false
}

// ReadState is a user's read marker in one room. Messages from others
// newer than LastReadAt are unread.
type ReadState struct {
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	LastReadAt time.Time `json:"last_read_at"`
}
