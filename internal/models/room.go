package models

import (
	"fmt"
	"slices"
	"time"
)

type RoomType string

const (
	RoomDirect RoomType = "direct"
	RoomGroup  RoomType = "group"
)

// Room is a chat conversation container. Direct rooms derive their display
// name and avatar from the other participant, so Name and Avatar stay empty.
type Room struct {
	ID           string          `json:"id"`
	Type         RoomType        `json:"type"`
	Participants []string        `json:"participants"`
	Admins       []string        `json:"admins,omitempty"`
	Name         string          `json:"name,omitempty"`
	Description  string          `json:"description,omitempty"`
	Avatar       string          `json:"avatar,omitempty"`
	CreatedBy    string          `json:"created_by"`
	DirectKey    string          `json:"-"`
	Archived     bool            `json:"archived,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`
	LastMessage  *MessagePreview `json:"last_message,omitempty"`
}

// MessagePreview is the denormalized last message kept on the room for
// list rendering. It is refreshed on every send and may lag a profile rename.
type MessagePreview struct {
	ID         string      `json:"id"`
	Type       MessageType `json:"type"`
	Text       string      `json:"text"`
	SenderID   string      `json:"sender_id"`
	SenderName string      `json:"sender_name"`
	Timestamp  time.Time   `json:"timestamp"`
}

type CreateDirectRoomRequest struct {
	RecipientID string `json:"recipient_id"`
}

type CreateGroupRoomRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Avatar      string   `json:"avatar"`
	MemberIDs   []string `json:"member_ids"`
}

type UpdateGroupRequest struct {
	Name   *string `json:"name"`
	Avatar *string `json:"avatar"`
}

type AddMembersRequest struct {
	UserIDs []string `json:"user_ids"`
}

type RoomResponse struct {
	Room  *Room `json:"room"`
	IsNew bool  `json:"is_new"`
}

// MemberResult reports the outcome of one target in a batch add.
type MemberResult struct {
	UserID string `json:"user_id"`
	Added  bool   `json:"added"`
	Error  string `json:"error,omitempty"`
	Err    error  `json:"-"`
}

// DirectKey returns the canonical identifier for the unordered pair {a, b}.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

func (r *Room) IsParticipant(userID string) bool {
	return slices.Contains(r.Participants, userID)
}

func (r *Room) IsAdmin(userID string) bool {
	return slices.Contains(r.Admins, userID)
}

// OtherParticipant returns the counterpart of userID in a direct room.
func (r *Room) OtherParticipant(userID string) string {
	for _, p := range r.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

func (r *Room) AddParticipant(userID string) {
	if !r.IsParticipant(userID) {
		r.Participants = append(r.Participants, userID)
	}
}

// RemoveParticipant drops userID from participants and admins.
func (r *Room) RemoveParticipant(userID string) {
	r.Participants = slices.DeleteFunc(r.Participants, func(p string) bool { return p == userID })
	r.RemoveAdmin(userID)
}

func (r *Room) AddAdmin(userID string) {
	if !r.IsAdmin(userID) {
		r.Admins = append(r.Admins, userID)
	}
}

func (r *Room) RemoveAdmin(userID string) {
	r.Admins = slices.DeleteFunc(r.Admins, func(a string) bool { return a == userID })
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *Room) Clone() *Room {
	c := *r
	c.Participants = slices.Clone(r.Participants)
	c.Admins = slices.Clone(r.Admins)
	if r.LastMessage != nil {
		lm := *r.LastMessage
		c.LastMessage = &lm
	}
	return &c
}

// Validate checks the structural invariants every stored room must satisfy.
func (r *Room) Validate() error {
	for _, a := range r.Admins {
		if !r.IsParticipant(a) {
			return fmt.Errorf("%w: admin %s is not a participant", ErrInvariantViolation, a)
		}
	}
	switch r.Type {
	case RoomDirect:
		if len(r.Participants) != 2 || r.Participants[0] == r.Participants[1] {
			return fmt.Errorf("%w: direct room needs two distinct participants", ErrInvariantViolation)
		}
		if len(r.Admins) != 0 {
			return fmt.Errorf("%w: direct room has admins", ErrInvariantViolation)
		}
	case RoomGroup:
		if r.Archived {
			return nil
		}
		if len(r.Participants) == 0 || len(r.Admins) == 0 {
			return fmt.Errorf("%w: group needs a participant and an admin", ErrInvariantViolation)
		}
		if r.IsParticipant(r.CreatedBy) && !r.IsAdmin(r.CreatedBy) {
			return fmt.Errorf("%w: creator lost admin role", ErrInvariantViolation)
		}
	default:
		return fmt.Errorf("%w: unknown room type %q", ErrInvalidInput, r.Type)
	}
	return nil
}
