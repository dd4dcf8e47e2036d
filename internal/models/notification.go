package models

import "time"

type NotificationKind string

const (
	NotifyAddedToRoom     NotificationKind = "room_added"
	NotifyRemovedFromRoom NotificationKind = "room_removed"
	NotifyPromoted        NotificationKind = "room_promoted"
	NotifyDemoted         NotificationKind = "room_demoted"
)

// Notification is an alert entry separate from unread message counts.
type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipient_id"`
	RoomID      string           `json:"room_id"`
	ActorID     string           `json:"actor_id"`
	Kind        NotificationKind `json:"kind"`
	Text        string           `json:"text"`
	Read        bool             `json:"read"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Alerts is the derived badge state for one user.
type Alerts struct {
	UserID           string         `json:"user_id"`
	UnreadMessages   int            `json:"unread_messages"`
	UnreadByRoom     map[string]int `json:"unread_by_room"`
	NewNotifications int            `json:"new_notifications"`
	HasNew           bool           `json:"has_new"`
}

// Total recomputes the derived totals from UnreadByRoom.
func (a *Alerts) Total() {
	a.UnreadMessages = 0
	for _, n := range a.UnreadByRoom {
		a.UnreadMessages += n
	}
	a.HasNew = a.UnreadMessages > 0 || a.NewNotifications > 0
}
