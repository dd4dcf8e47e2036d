package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"memechat/internal/models"
)

type readKey struct {
	room string
	user string
}

// MemoryStore keeps everything in process. One mutex stands in for the
// per-document atomicity a database gives the Postgres store.
type MemoryStore struct {
	mu            sync.RWMutex
	now           func() time.Time
	rooms         map[string]*models.Room
	direct        map[string]string
	userRooms     map[string]map[string]struct{}
	messages      map[string][]*models.Message
	reads         map[readKey]time.Time
	notifications map[string][]*models.Notification
	feed          *Feed
}

type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for server timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:           time.Now,
		rooms:         make(map[string]*models.Room),
		direct:        make(map[string]string),
		userRooms:     make(map[string]map[string]struct{}),
		messages:      make(map[string][]*models.Message),
		reads:         make(map[readKey]time.Time),
		notifications: make(map[string][]*models.Notification),
		feed:          NewFeed(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func (s *MemoryStore) GetRoom(_ context.Context, id string) (*models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: room %s", models.ErrNotFound, id)
	}
	return room.Clone(), nil
}

func (s *MemoryStore) ListUserRooms(_ context.Context, userID string) ([]*models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]*models.Room, 0, len(s.userRooms[userID]))
	for id := range s.userRooms[userID] {
		rooms = append(rooms, s.rooms[id].Clone())
	}
	sortByActivity(rooms)
	return rooms, nil
}

func (s *MemoryStore) CreateRoom(_ context.Context, room *models.Room, change *RoomChange) (*models.Room, error) {
	if err := room.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rooms[room.ID]; exists {
		return nil, fmt.Errorf("%w: room %s already exists", models.ErrInvalidInput, room.ID)
	}
	room = room.Clone()
	p := prepare(nil, room, change, s.now())
	room.CreatedAt = p.at
	s.commit(room, change, p)
	return room.Clone(), nil
}

func (s *MemoryStore) GetOrCreateDirectRoom(_ context.Context, room *models.Room) (*models.Room, bool, error) {
	if err := room.Validate(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.direct[room.DirectKey]; ok {
		return s.rooms[id].Clone(), false, nil
	}
	room = room.Clone()
	p := prepare(nil, room, nil, s.now())
	room.CreatedAt = p.at
	s.direct[room.DirectKey] = room.ID
	s.commit(room, nil, p)
	return room.Clone(), true, nil
}

func (s *MemoryStore) UpdateRoom(_ context.Context, id string, fn MutateFunc) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: room %s", models.ErrNotFound, id)
	}
	room := current.Clone()
	change, err := fn(room)
	if err != nil {
		return nil, err
	}
	if change == nil {
		return current.Clone(), nil
	}
	if err := room.Validate(); err != nil {
		return nil, err
	}
	p := prepare(current, room, change, s.now())
	s.commit(room, change, p)
	return room.Clone(), nil
}

// commit installs room and its side effects. Callers hold s.mu.
func (s *MemoryStore) commit(room *models.Room, change *RoomChange, p plan) {
	s.rooms[room.ID] = room
	for _, u := range p.joined {
		if s.userRooms[u] == nil {
			s.userRooms[u] = make(map[string]struct{})
		}
		s.userRooms[u][room.ID] = struct{}{}
		s.reads[readKey{room.ID, u}] = p.at
	}
	for _, u := range p.removed {
		delete(s.userRooms[u], room.ID)
	}
	if change != nil {
		s.messages[room.ID] = append(s.messages[room.ID], change.Messages...)
		for _, n := range change.Notifications {
			stored := *n
			s.notifications[n.RecipientID] = append(s.notifications[n.RecipientID], &stored)
		}
	}
	s.feed.Publish(p.events...)
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[msg.RoomID]
	if !ok {
		return nil, fmt.Errorf("%w: room %s", models.ErrNotFound, msg.RoomID)
	}
	if !room.IsParticipant(msg.SenderID) {
		return nil, fmt.Errorf("%w: %s in room %s", models.ErrNotAMember, msg.SenderID, room.ID)
	}
	stored := *msg
	stampMessage(&stored, room.ID, nextTimestamp(s.now(), room.LastActivity))
	room = room.Clone()
	room.LastActivity = stored.Timestamp
	room.LastMessage = stored.Preview()
	s.rooms[room.ID] = room
	s.messages[room.ID] = append(s.messages[room.ID], &stored)
	s.feed.Publish(messageEvent(room, &stored))
	out := stored
	return &out, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, roomID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.rooms[roomID]; !ok {
		return nil, fmt.Errorf("%w: room %s", models.ErrNotFound, roomID)
	}
	msgs := s.messages[roomID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), nil
}

func (s *MemoryStore) SetReadMarker(_ context.Context, roomID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return false, fmt.Errorf("%w: room %s", models.ErrNotFound, roomID)
	}
	at = at.UTC().Truncate(tick)
	key := readKey{roomID, userID}
	if prev, ok := s.reads[key]; ok && !at.After(prev) {
		return false, nil
	}
	s.reads[key] = at
	s.feed.Publish(readEvent(roomID, userID, at))
	return true, nil
}

func (s *MemoryStore) ReadMarker(_ context.Context, roomID, userID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads[readKey{roomID, userID}], nil
}

func (s *MemoryStore) UnreadCounts(_ context.Context, userID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int, len(s.userRooms[userID]))
	for roomID := range s.userRooms[userID] {
		marker := s.reads[readKey{roomID, userID}]
		n := 0
		msgs := s.messages[roomID]
		for i := len(msgs) - 1; i >= 0 && msgs[i].Timestamp.After(marker); i-- {
			if msgs[i].SenderID != userID {
				n++
			}
		}
		counts[roomID] = n
	}
	return counts, nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, userID string, limit int) ([]*models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.notifications[userID]
	out := make([]*models.Notification, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		n := *all[i]
		out = append(out, &n)
	}
	return out, nil
}

func (s *MemoryStore) CountUnreadNotifications(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, notif := range s.notifications[userID] {
		if !notif.Read {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkNotificationsRead(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, notif := range s.notifications[userID] {
		if !notif.Read {
			notif.Read = true
			n++
		}
	}
	if n > 0 {
		s.feed.Publish(readEvent("", userID, nextTimestamp(s.now(), time.Time{})))
	}
	return n, nil
}

func (s *MemoryStore) Watch(ctx context.Context) (<-chan models.Event, error) {
	return s.feed.Watch(ctx), nil
}

func sortByActivity(rooms []*models.Room) {
	slices.SortFunc(rooms, func(a, b *models.Room) int {
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
