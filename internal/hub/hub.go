// Package hub turns store change events into pushed snapshots for every
// live subscription, indexed by room id and by user id.
package hub

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"memechat/internal/metrics"
	"memechat/internal/models"
	"memechat/internal/store"
	"memechat/internal/utils"
)

const (
	TopicRoomMessages = "room_messages"
	TopicUserRooms    = "user_rooms"
	TopicRoom         = "room"
)

type Hub struct {
	store  store.Store
	logger zerolog.Logger
	window int

	roomMessages *Registry[[]*models.Message]
	userRooms    *Registry[[]*models.Room]
	rooms        *Registry[*models.Room]
}

// New creates a hub pushing at most window messages per room snapshot.
func New(st store.Store, window int, logger zerolog.Logger) *Hub {
	logger = logger.With().Str("component", "hub").Logger()
	return &Hub{
		store:        st,
		logger:       logger,
		window:       window,
		roomMessages: NewRegistry[[]*models.Message](TopicRoomMessages, logger),
		userRooms:    NewRegistry[[]*models.Room](TopicUserRooms, logger),
		rooms:        NewRegistry[*models.Room](TopicRoom, logger),
	}
}

// Start begins consuming the change feed. It returns once the feed is
// attached; dispatch continues until ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	events, err := h.store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("hub: watch: %w", err)
	}
	go func() {
		for ev := range events {
			metrics.FeedEvents.WithLabelValues("hub", string(ev.Kind)).Inc()
			h.dispatch(ctx, ev)
		}
		h.logger.Info().Msg("change feed closed")
	}()
	return nil
}

func (h *Hub) dispatch(ctx context.Context, ev models.Event) {
	switch ev.Kind {
	case models.EventMessageCreated:
		h.refreshMessages(ctx, ev.RoomID)
		h.refreshUserRooms(ctx, ev.Users)
	case models.EventRoomCreated, models.EventRoomUpdated, models.EventMembershipChanged:
		h.refreshRoom(ctx, ev)
		h.refreshUserRooms(ctx, ev.Users)
	}
}

func (h *Hub) refreshMessages(ctx context.Context, roomID string) {
	if !h.roomMessages.Has(roomID) {
		return
	}
	version := h.roomMessages.Version()
	msgs, err := utils.ReadWithRetry(ctx, func() ([]*models.Message, error) {
		return h.store.ListMessages(ctx, roomID, h.window)
	})
	if err != nil {
		h.logger.Error().Err(err).Str("room", roomID).Msg("refresh messages")
		return
	}
	h.roomMessages.Publish(roomID, version, msgs)
}

func (h *Hub) refreshRoom(ctx context.Context, ev models.Event) {
	if !h.rooms.Has(ev.RoomID) && !h.roomMessages.Has(ev.RoomID) {
		return
	}
	version := h.rooms.Version()
	room, err := utils.ReadWithRetry(ctx, func() (*models.Room, error) {
		return h.store.GetRoom(ctx, ev.RoomID)
	})
	if err != nil {
		h.logger.Error().Err(err).Str("room", ev.RoomID).Msg("refresh room")
		return
	}
	// Users no longer in the room lose their live views of it.
	for _, u := range ev.Users {
		if !room.IsParticipant(u) {
			h.roomMessages.Evict(room.ID, u)
			h.rooms.Evict(room.ID, u)
		}
	}
	h.rooms.Publish(room.ID, version, room)
}

func (h *Hub) refreshUserRooms(ctx context.Context, users []string) {
	for _, u := range users {
		if !h.userRooms.Has(u) {
			continue
		}
		version := h.userRooms.Version()
		rooms, err := utils.ReadWithRetry(ctx, func() ([]*models.Room, error) {
			return h.store.ListUserRooms(ctx, u)
		})
		if err != nil {
			h.logger.Error().Err(err).Str("user", u).Msg("refresh user rooms")
			continue
		}
		h.userRooms.Publish(u, version, rooms)
	}
}

// requireMember loads roomID and checks that userID belongs to it.
func (h *Hub) requireMember(ctx context.Context, roomID, userID string) error {
	room, err := utils.ReadWithRetry(ctx, func() (*models.Room, error) {
		return h.store.GetRoom(ctx, roomID)
	})
	if err != nil {
		return err
	}
	if !room.IsParticipant(userID) {
		return fmt.Errorf("%w: %s in room %s", models.ErrNotAMember, userID, roomID)
	}
	return nil
}

// SubscribeRoomMessages calls handler with the most recent messages of roomID
// now and after every insert, until the subscription is cancelled or ctx ends.
func (h *Hub) SubscribeRoomMessages(ctx context.Context, roomID, viewerID string, handler func([]*models.Message)) (*Subscription, error) {
	if err := h.requireMember(ctx, roomID, viewerID); err != nil {
		return nil, err
	}
	return h.roomMessages.Subscribe(ctx, roomID, viewerID, handler, func(ctx context.Context) ([]*models.Message, error) {
		return utils.ReadWithRetry(ctx, func() ([]*models.Message, error) {
			return h.store.ListMessages(ctx, roomID, h.window)
		})
	})
}

// SubscribeUserRooms calls handler with userID's rooms, most recently active
// first, and again whenever one of them changes or membership changes.
func (h *Hub) SubscribeUserRooms(ctx context.Context, userID string, handler func([]*models.Room)) (*Subscription, error) {
	return h.userRooms.Subscribe(ctx, userID, userID, handler, func(ctx context.Context) ([]*models.Room, error) {
		return utils.ReadWithRetry(ctx, func() ([]*models.Room, error) {
			return h.store.ListUserRooms(ctx, userID)
		})
	})
}

// SubscribeRoom delivers the room document on every metadata or membership change.
func (h *Hub) SubscribeRoom(ctx context.Context, roomID, viewerID string, handler func(*models.Room)) (*Subscription, error) {
	if err := h.requireMember(ctx, roomID, viewerID); err != nil {
		return nil, err
	}
	return h.rooms.Subscribe(ctx, roomID, viewerID, handler, func(ctx context.Context) (*models.Room, error) {
		return utils.ReadWithRetry(ctx, func() (*models.Room, error) {
			return h.store.GetRoom(ctx, roomID)
		})
	})
}

// Subscribers reports live subscription counts for a room, used by health output.
func (h *Hub) Subscribers(roomID string) int {
	return h.roomMessages.Len(roomID) + h.rooms.Len(roomID)
}

// Watching reports whether userID has a live room list.
func (h *Hub) Watching(userID string) bool {
	return h.userRooms.Has(userID)
}
