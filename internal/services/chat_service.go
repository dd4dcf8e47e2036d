package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"memechat/internal/metrics"
	"memechat/internal/models"
	"memechat/internal/store"
	"memechat/internal/utils"
)

const (
	DefaultHistory = 50
	MaxHistory     = 200
)

// ProfileResolver turns a user id into a display profile. The chat core
// uses it only to denormalize names into messages, never to authorize.
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, userID string) (*models.Profile, error)
}

// ChatService implements room lifecycle, membership and messaging. Every
// permission check runs inside the store's atomic update so it sees the
// room as it is at write time, not as the caller last read it.
type ChatService struct {
	store    store.Store
	profiles ProfileResolver
	logger   zerolog.Logger
	now      func() time.Time
}

func NewChatService(st store.Store, profiles ProfileResolver, logger zerolog.Logger) *ChatService {
	return &ChatService{
		store:    st,
		profiles: profiles,
		logger:   logger.With().Str("component", "chat").Logger(),
		now:      time.Now,
	}
}

func (s *ChatService) displayName(ctx context.Context, userID string) string {
	if s.profiles == nil {
		return userID
	}
	p, err := s.profiles.ResolveProfile(ctx, userID)
	if err != nil || p == nil || p.Nickname == "" {
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			s.logger.Warn().Err(err).Str("user", userID).Msg("resolve profile")
		}
		return userID
	}
	return p.Nickname
}

// GetOrCreateDirectRoom returns the direct room of the unordered pair,
// creating it on first use. Both participants racing to create it get the
// same room: the id is derived from the pair and the store enforces
// uniqueness of the pair key.
func (s *ChatService) GetOrCreateDirectRoom(ctx context.Context, userA, userB string) (*models.RoomResponse, error) {
	if userA == "" || userB == "" {
		return nil, fmt.Errorf("%w: both participants are required", models.ErrInvalidInput)
	}
	if userA == userB {
		return nil, fmt.Errorf("%w: cannot open a direct room with yourself", models.ErrInvalidInput)
	}
	key := models.DirectKey(userA, userB)
	room, created, err := s.store.GetOrCreateDirectRoom(ctx, &models.Room{
		ID:           store.DirectRoomID(key),
		Type:         models.RoomDirect,
		Participants: []string{userA, userB},
		CreatedBy:    userA,
		DirectKey:    key,
	})
	if err != nil {
		return nil, err
	}
	if created {
		metrics.RoomsCreated.WithLabelValues(string(models.RoomDirect)).Inc()
	}
	return &models.RoomResponse{Room: room, IsNew: created}, nil
}

// CreateGroupRoom creates a named group with creator as its only admin.
func (s *ChatService) CreateGroupRoom(ctx context.Context, creatorID string, req models.CreateGroupRoomRequest) (*models.Room, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: group name is required", models.ErrInvalidInput)
	}
	if creatorID == "" {
		return nil, fmt.Errorf("%w: creator is required", models.ErrInvalidInput)
	}
	var members []string
	for _, id := range req.MemberIDs {
		if id != "" && id != creatorID && !slices.Contains(members, id) {
			members = append(members, id)
		}
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: a group needs at least one other member", models.ErrInvalidInput)
	}

	creatorName := s.displayName(ctx, creatorID)
	room := &models.Room{
		ID:           uuid.New().String(),
		Type:         models.RoomGroup,
		Participants: append([]string{creatorID}, members...),
		Admins:       []string{creatorID},
		Name:         name,
		Description:  strings.TrimSpace(req.Description),
		Avatar:       req.Avatar,
		CreatedBy:    creatorID,
	}
	ev := models.MembershipEvent{ActorID: creatorID, Action: models.ActionCreate}
	change := &store.RoomChange{
		Messages: []*models.Message{systemMessage(creatorID, creatorName,
			ev.Body(fmt.Sprintf("%s created the group %q", creatorName, name)))},
	}
	for _, m := range members {
		change.Notifications = append(change.Notifications, &models.Notification{
			RecipientID: m,
			ActorID:     creatorID,
			Kind:        models.NotifyAddedToRoom,
			Text:        fmt.Sprintf("%s added you to %s", creatorName, name),
		})
	}

	created, err := s.store.CreateRoom(ctx, room, change)
	if err != nil {
		return nil, err
	}
	metrics.RoomsCreated.WithLabelValues(string(models.RoomGroup)).Inc()
	s.logger.Info().Str("room", created.ID).Str("creator", creatorID).Int("members", len(created.Participants)).Msg("group created")
	s.recordMembership(ev, created, len(change.Messages))
	return created, nil
}

func systemMessage(actorID, actorName string, body models.SystemBody) *models.Message {
	return &models.Message{SenderID: actorID, SenderName: actorName, Body: body}
}

// recordMembership accounts for a committed lifecycle write that posted
// systemMessages system messages into room.
func (s *ChatService) recordMembership(ev models.MembershipEvent, room *models.Room, systemMessages int) {
	ev.RoomID = room.ID
	ev.Timestamp = room.LastActivity
	metrics.MembershipChanges.WithLabelValues(string(ev.Action)).Inc()
	metrics.MessagesSent.WithLabelValues(string(models.MessageSystem)).Add(float64(systemMessages))
	s.logger.Debug().
		Str("room", ev.RoomID).
		Str("actor", ev.ActorID).
		Str("target", ev.TargetID).
		Str("action", string(ev.Action)).
		Time("at", ev.Timestamp).
		Msg("membership changed")
}

func requireGroup(room *models.Room) error {
	if room.Type != models.RoomGroup {
		return fmt.Errorf("%w: room %s is not a group", models.ErrInvalidInput, room.ID)
	}
	if room.Archived {
		return fmt.Errorf("%w: group %s is archived", models.ErrInvalidInput, room.ID)
	}
	return nil
}

func requireAdmin(room *models.Room, actorID string) error {
	if !room.IsAdmin(actorID) {
		return fmt.Errorf("%w: %s is not an admin of %s", models.ErrPermissionDenied, actorID, room.ID)
	}
	return nil
}

// AddMember adds newMemberID to a group. Only admins may add. The
// already-a-member check is repeated against the locked room so two admins
// adding the same user concurrently produce one add and one ErrAlreadyMember.
func (s *ChatService) AddMember(ctx context.Context, roomID, actorID, newMemberID string) (*models.Room, error) {
	if newMemberID == "" {
		return nil, fmt.Errorf("%w: member id is required", models.ErrInvalidInput)
	}
	actorName := s.displayName(ctx, actorID)
	targetName := s.displayName(ctx, newMemberID)
	ev := models.MembershipEvent{ActorID: actorID, TargetID: newMemberID, Action: models.ActionAdd}

	room, err := s.store.UpdateRoom(ctx, roomID, func(room *models.Room) (*store.RoomChange, error) {
		if err := requireGroup(room); err != nil {
			return nil, err
		}
		if err := requireAdmin(room, actorID); err != nil {
			return nil, err
		}
		if room.IsParticipant(newMemberID) {
			return nil, fmt.Errorf("%w: %s", models.ErrAlreadyMember, newMemberID)
		}
		if newMemberID == room.CreatedBy {
			return nil, fmt.Errorf("%w: the creator left %s and cannot rejoin", models.ErrInvariantViolation, room.ID)
		}
		room.AddParticipant(newMemberID)
		return &store.RoomChange{
			Messages: []*models.Message{systemMessage(actorID, actorName,
				ev.Body(fmt.Sprintf("%s added %s", actorName, targetName)))},
			Notifications: []*models.Notification{{
				RecipientID: newMemberID,
				ActorID:     actorID,
				Kind:        models.NotifyAddedToRoom,
				Text:        fmt.Sprintf("%s added you to %s", actorName, room.Name),
			}},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.recordMembership(ev, room, 1)
	return room, nil
}

// AddMembers adds each target in its own write. Target-level failures
// (already a member, creator rejoin) are reported per target and do not stop
// the batch; failures that concern the actor or the room abort it.
func (s *ChatService) AddMembers(ctx context.Context, roomID, actorID string, userIDs []string) ([]models.MemberResult, error) {
	if len(userIDs) == 0 {
		return nil, fmt.Errorf("%w: no members given", models.ErrInvalidInput)
	}
	results := make([]models.MemberResult, 0, len(userIDs))
	for _, id := range userIDs {
		_, err := s.AddMember(ctx, roomID, actorID, id)
		res := models.MemberResult{UserID: id, Added: err == nil, Err: err}
		if err != nil {
			res.Error = err.Error()
		}
		switch {
		case err == nil,
			errors.Is(err, models.ErrAlreadyMember),
			errors.Is(err, models.ErrInvariantViolation),
			errors.Is(err, models.ErrInvalidInput) && id == "":
			results = append(results, res)
		default:
			return results, err
		}
	}
	return results, nil
}

// RemoveMember removes targetID from a group. Leaving (actor == target) is
// always allowed for a member; removing someone else takes an admin and
// never succeeds against the creator. The sole admin cannot leave while
// others remain; the last participant leaving archives the group.
func (s *ChatService) RemoveMember(ctx context.Context, roomID, actorID, targetID string) (*models.Room, error) {
	self := actorID == targetID
	actorName := s.displayName(ctx, actorID)
	targetName := actorName
	if !self {
		targetName = s.displayName(ctx, targetID)
	}

	ev := models.MembershipEvent{ActorID: actorID, TargetID: targetID, Action: models.ActionRemove}
	if self {
		ev.Action = models.ActionLeave
	}

	room, err := s.store.UpdateRoom(ctx, roomID, func(room *models.Room) (*store.RoomChange, error) {
		if err := requireGroup(room); err != nil {
			return nil, err
		}
		if !self {
			if err := requireAdmin(room, actorID); err != nil {
				return nil, err
			}
		}
		if !room.IsParticipant(targetID) {
			return nil, fmt.Errorf("%w: %s in room %s", models.ErrNotAMember, targetID, room.ID)
		}
		if !self && targetID == room.CreatedBy {
			return nil, fmt.Errorf("%w: the creator can only leave on their own", models.ErrInvariantViolation)
		}

		room.RemoveParticipant(targetID)
		if len(room.Participants) == 0 {
			room.Archived = true
		} else if len(room.Admins) == 0 {
			return nil, fmt.Errorf("%w: promote another admin before leaving", models.ErrInvariantViolation)
		}

		text := fmt.Sprintf("%s left the group", actorName)
		if !self {
			text = fmt.Sprintf("%s removed %s", actorName, targetName)
		}
		change := &store.RoomChange{
			Messages: []*models.Message{systemMessage(actorID, actorName, ev.Body(text))},
		}
		if !self {
			change.Notifications = []*models.Notification{{
				RecipientID: targetID,
				ActorID:     actorID,
				Kind:        models.NotifyRemovedFromRoom,
				Text:        fmt.Sprintf("%s removed you from %s", actorName, room.Name),
			}}
		}
		return change, nil
	})
	if err != nil {
		return nil, err
	}
	s.recordMembership(ev, room, 1)
	return room, nil
}

// PromoteToAdmin grants the admin role. Promoting an admin is a no-op.
func (s *ChatService) PromoteToAdmin(ctx context.Context, roomID, actorID, targetID string) (*models.Room, error) {
	actorName := s.displayName(ctx, actorID)
	targetName := s.displayName(ctx, targetID)
	ev := models.MembershipEvent{ActorID: actorID, TargetID: targetID, Action: models.ActionPromote}

	changed := false
	room, err := s.store.UpdateRoom(ctx, roomID, func(room *models.Room) (*store.RoomChange, error) {
		if err := requireGroup(room); err != nil {
			return nil, err
		}
		if err := requireAdmin(room, actorID); err != nil {
			return nil, err
		}
		if !room.IsParticipant(targetID) {
			return nil, fmt.Errorf("%w: %s in room %s", models.ErrNotAMember, targetID, room.ID)
		}
		if room.IsAdmin(targetID) {
			return nil, nil
		}
		room.AddAdmin(targetID)
		changed = true
		return &store.RoomChange{
			Messages: []*models.Message{systemMessage(actorID, actorName,
				ev.Body(fmt.Sprintf("%s made %s an admin", actorName, targetName)))},
			Notifications: []*models.Notification{{
				RecipientID: targetID,
				ActorID:     actorID,
				Kind:        models.NotifyPromoted,
				Text:        fmt.Sprintf("%s made you an admin of %s", actorName, room.Name),
			}},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.recordMembership(ev, room, 1)
	}
	return room, nil
}

// DemoteFromAdmin revokes the admin role. The creator is never demoted and
// the last admin cannot be demoted.
func (s *ChatService) DemoteFromAdmin(ctx context.Context, roomID, actorID, targetID string) (*models.Room, error) {
	actorName := s.displayName(ctx, actorID)
	targetName := s.displayName(ctx, targetID)
	ev := models.MembershipEvent{ActorID: actorID, TargetID: targetID, Action: models.ActionDemote}

	changed := false
	room, err := s.store.UpdateRoom(ctx, roomID, func(room *models.Room) (*store.RoomChange, error) {
		if err := requireGroup(room); err != nil {
			return nil, err
		}
		if err := requireAdmin(room, actorID); err != nil {
			return nil, err
		}
		if !room.IsParticipant(targetID) {
			return nil, fmt.Errorf("%w: %s in room %s", models.ErrNotAMember, targetID, room.ID)
		}
		if targetID == room.CreatedBy {
			return nil, fmt.Errorf("%w: the creator cannot be demoted", models.ErrInvariantViolation)
		}
		if !room.IsAdmin(targetID) {
			return nil, nil
		}
		if len(room.Admins) == 1 {
			return nil, fmt.Errorf("%w: a group must keep at least one admin", models.ErrInvariantViolation)
		}
		room.RemoveAdmin(targetID)
		changed = true
		change := &store.RoomChange{
			Messages: []*models.Message{systemMessage(actorID, actorName,
				ev.Body(fmt.Sprintf("%s removed %s as admin", actorName, targetName)))},
		}
		if actorID != targetID {
			change.Notifications = []*models.Notification{{
				RecipientID: targetID,
				ActorID:     actorID,
				Kind:        models.NotifyDemoted,
				Text:        fmt.Sprintf("%s removed your admin role in %s", actorName, room.Name),
			}}
		}
		return change, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.recordMembership(ev, room, 1)
	}
	return room, nil
}

// UpdateGroupMetadata changes name and/or avatar. Any participant may do
// it, admin or not.
func (s *ChatService) UpdateGroupMetadata(ctx context.Context, roomID, actorID string, req models.UpdateGroupRequest) (*models.Room, error) {
	if req.Name == nil && req.Avatar == nil {
		return nil, fmt.Errorf("%w: nothing to update", models.ErrInvalidInput)
	}
	var name string
	if req.Name != nil {
		name = strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: group name cannot be empty", models.ErrInvalidInput)
		}
	}
	actorName := s.displayName(ctx, actorID)
	ev := models.MembershipEvent{ActorID: actorID, Action: models.ActionMetadata}

	posted := 0
	room, err := s.store.UpdateRoom(ctx, roomID, func(room *models.Room) (*store.RoomChange, error) {
		if err := requireGroup(room); err != nil {
			return nil, err
		}
		if !room.IsParticipant(actorID) {
			return nil, fmt.Errorf("%w: %s in room %s", models.ErrNotAMember, actorID, room.ID)
		}
		change := &store.RoomChange{}
		if req.Name != nil && name != room.Name {
			room.Name = name
			change.Messages = append(change.Messages, systemMessage(actorID, actorName,
				ev.Body(fmt.Sprintf("%s renamed the group to %q", actorName, name))))
		}
		if req.Avatar != nil && *req.Avatar != room.Avatar {
			room.Avatar = *req.Avatar
			change.Messages = append(change.Messages, systemMessage(actorID, actorName,
				ev.Body(fmt.Sprintf("%s changed the group photo", actorName))))
		}
		if len(change.Messages) == 0 {
			return nil, nil
		}
		posted = len(change.Messages)
		return change, nil
	})
	if err != nil {
		return nil, err
	}
	if posted > 0 {
		s.recordMembership(ev, room, posted)
	}
	return room, nil
}

// SendMessage stores a text message. senderName is denormalized as given.
func (s *ChatService) SendMessage(ctx context.Context, roomID, senderID, senderName, text string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: message text is required", models.ErrInvalidInput)
	}
	return s.send(ctx, &models.Message{RoomID: roomID, SenderID: senderID, SenderName: senderName, Body: models.TextBody{Text: text}})
}

// SendSharedContentMessage stores a message carrying a reference to a post.
func (s *ChatService) SendSharedContentMessage(ctx context.Context, roomID, senderID, senderName string, ref models.ContentRef) (*models.Message, error) {
	if ref.ID == "" {
		return nil, fmt.Errorf("%w: shared content needs an id", models.ErrInvalidInput)
	}
	return s.send(ctx, &models.Message{RoomID: roomID, SenderID: senderID, SenderName: senderName, Body: models.SharedContentBody{Content: ref}})
}

func (s *ChatService) send(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg.SenderName == "" {
		msg.SenderName = s.displayName(ctx, msg.SenderID)
	}
	stored, err := s.store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	metrics.MessagesSent.WithLabelValues(string(stored.Type())).Inc()
	return stored, nil
}

// GetRoom returns a room the viewer belongs to.
func (s *ChatService) GetRoom(ctx context.Context, roomID, viewerID string) (*models.Room, error) {
	room, err := utils.ReadWithRetry(ctx, func() (*models.Room, error) {
		return s.store.GetRoom(ctx, roomID)
	})
	if err != nil {
		return nil, err
	}
	if !room.IsParticipant(viewerID) {
		return nil, fmt.Errorf("%w: %s in room %s", models.ErrNotAMember, viewerID, roomID)
	}
	return room, nil
}

// GetUserRooms lists the rooms of userID, most recently active first.
func (s *ChatService) GetUserRooms(ctx context.Context, userID string) ([]*models.Room, error) {
	return utils.ReadWithRetry(ctx, func() ([]*models.Room, error) {
		return s.store.ListUserRooms(ctx, userID)
	})
}

// GetMessages returns the most recent limit messages, oldest first.
func (s *ChatService) GetMessages(ctx context.Context, roomID, viewerID string, limit int) ([]*models.Message, error) {
	if _, err := s.GetRoom(ctx, roomID, viewerID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistory
	}
	limit = min(limit, MaxHistory)
	return utils.ReadWithRetry(ctx, func() ([]*models.Message, error) {
		return s.store.ListMessages(ctx, roomID, limit)
	})
}

// ReadState returns userID's read marker in roomID. A zero LastReadAt means
// the user has no marker there yet.
func (s *ChatService) ReadState(ctx context.Context, roomID, userID string) (*models.ReadState, error) {
	if _, err := s.GetRoom(ctx, roomID, userID); err != nil {
		return nil, err
	}
	at, err := utils.ReadWithRetry(ctx, func() (time.Time, error) {
		return s.store.ReadMarker(ctx, roomID, userID)
	})
	if err != nil {
		return nil, err
	}
	return &models.ReadState{RoomID: roomID, UserID: userID, LastReadAt: at}, nil
}

// MarkRead moves userID's read marker in roomID to now. It reports whether
// anything changed; with nothing unread it writes nothing.
func (s *ChatService) MarkRead(ctx context.Context, roomID, userID string) (bool, error) {
	room, err := s.GetRoom(ctx, roomID, userID)
	if err != nil {
		return false, err
	}
	counts, err := utils.ReadWithRetry(ctx, func() (map[string]int, error) {
		return s.store.UnreadCounts(ctx, userID)
	})
	if err != nil {
		return false, err
	}
	if counts[roomID] == 0 {
		return false, nil
	}
	at := s.now()
	if room.LastActivity.After(at) {
		at = room.LastActivity
	}
	return s.store.SetReadMarker(ctx, roomID, userID, at)
}
