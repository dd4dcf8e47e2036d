package handlers

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"memechat/internal/hub"
	"memechat/internal/metrics"
	"memechat/internal/models"
	"memechat/internal/utils"
)

// ConnManager tracks open websocket sessions per user for presence and
// direct pushes. Room fan-out goes through hub subscriptions instead.
type ConnManager struct {
	mu       sync.RWMutex
	sessions map[string]*session
	byUser   map[string]map[string]*session
}

func NewConnManager() *ConnManager {
	return &ConnManager{
		sessions: make(map[string]*session),
		byUser:   make(map[string]map[string]*session),
	}
}

// RegisterConnection stores a new session.
// Returns true if this is the first connection for this user (user just came online)
func (m *ConnManager) RegisterConnection(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.connID] = s
	conns, wasOnline := m.byUser[s.userID]
	if !wasOnline {
		conns = make(map[string]*session)
		m.byUser[s.userID] = conns
		metrics.OnlineUsers.Inc()
	}
	conns[s.connID] = s
	return !wasOnline
}

// UnregisterConnection removes a session.
// Returns true if this was the last connection for the user (user is now offline)
func (m *ConnManager) UnregisterConnection(connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[connID]
	if !ok {
		return false
	}
	delete(m.sessions, connID)
	conns := m.byUser[s.userID]
	delete(conns, connID)
	if len(conns) > 0 {
		return false
	}
	delete(m.byUser, s.userID)
	metrics.OnlineUsers.Dec()
	return true
}

// IsUserOnline checks if any active connection belongs to the given user
func (m *ConnManager) IsUserOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

// CountUserConnections returns the number of active connections for a user
func (m *ConnManager) CountUserConnections(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

func (m *ConnManager) OnlineCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser)
}

// SendToUser sends a message to all connections of a specific user
func (m *ConnManager) SendToUser(userID string, message interface{}) {
	m.mu.RLock()
	targets := make([]*session, 0, len(m.byUser[userID]))
	for _, s := range m.byUser[userID] {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		s.send(message)
	}
}

type trackedSub struct {
	room string
	sub  *hub.Subscription
}

// session is one websocket connection and the subscriptions it owns.
// Cancelling ctx releases every subscription of the session.
type session struct {
	connID   string
	userID   string
	username string
	conn     utils.JSONWriter
	deps     Deps
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]trackedSub
}

func subKey(topic, room string) string {
	return topic + "/" + room
}

// send serializes writes: fiber's websocket connection is not safe for
// concurrent writers and subscription handlers run on their own goroutines.
func (s *session) send(payload interface{}) {
	if s.ctx.Err() != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := utils.SendJSON(s.conn, payload); err != nil {
		utils.LogError(s.logger, err, "SendJSON")
		s.cancel()
	}
}

func (s *session) sendError(topic, room, msg string) {
	s.send(models.WSMessage{Event: "error", Topic: topic, Room: room, Error: msg})
}

func (s *session) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[key]
	return ok
}

// track records sub and tells the client when the hub ends it on its own,
// for instance after the user is removed from the room.
func (s *session) track(key, room string, sub *hub.Subscription) {
	s.mu.Lock()
	s.subs[key] = trackedSub{room: room, sub: sub}
	s.mu.Unlock()

	go func() {
		<-sub.Done()
		s.mu.Lock()
		cur, ok := s.subs[key]
		owned := ok && cur.sub == sub
		if owned {
			delete(s.subs, key)
		}
		s.mu.Unlock()
		if owned && s.ctx.Err() == nil {
			s.send(models.WSMessage{Event: "unsubscribed", Topic: sub.Topic(), Room: room})
		}
	}()
}

func (s *session) untrack(key string) {
	s.mu.Lock()
	t, ok := s.subs[key]
	delete(s.subs, key)
	s.mu.Unlock()
	if ok {
		t.sub.Cancel()
	}
}

// close cancels all subscriptions of the session.
func (s *session) close() {
	s.cancel()
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]trackedSub)
	s.mu.Unlock()
	for _, t := range subs {
		t.sub.Cancel()
	}
}
