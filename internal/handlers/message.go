package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"memechat/internal/hub"
	"memechat/internal/models"
	"memechat/internal/notify"
	"memechat/internal/services"
	"memechat/internal/utils"
)

func GetMessagesHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		msgs, err := chat.GetMessages(c.UserContext(), c.Params("id"), currentUser(c), c.QueryInt("limit", services.DefaultHistory))
		if err != nil {
			return respondError(c, err)
		}
		if msgs == nil {
			msgs = []*models.Message{}
		}
		return c.JSON(msgs)
	}
}

// SendMessageHandler accepts either text or a shared content reference.
func SendMessageHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.SendMessageRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
		}
		msg, err := sendRequest(c.UserContext(), chat, c.Params("id"), currentUser(c), currentUsername(c), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(msg)
	}
}

// sendRequest stores req as userID's message. An empty username falls back
// to the sender's profile name.
func sendRequest(ctx context.Context, chat *services.ChatService, roomID, userID, username string, req models.SendMessageRequest) (*models.Message, error) {
	if req.SharedContent != nil {
		return chat.SendSharedContentMessage(ctx, roomID, userID, username, *req.SharedContent)
	}
	return chat.SendMessage(ctx, roomID, userID, username, req.Text)
}

func ReadStateHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		state, err := chat.ReadState(c.UserContext(), c.Params("id"), currentUser(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(state)
	}
}

func MarkReadHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		changed, err := chat.MarkRead(c.UserContext(), c.Params("id"), currentUser(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"updated": changed})
	}
}

// HandleMessage dispatches one client frame of a websocket session.
func HandleMessage(s *session, msgType int, msg []byte) {
	if msgType != websocket.TextMessage {
		return
	}

	var wsMsg models.WSMessage
	if err := utils.SafeJSONParse(msg, &wsMsg); err != nil {
		s.sendError("", "", "malformed message")
		return
	}

	switch wsMsg.Event {
	case "subscribe":
		handleSubscribe(s, &wsMsg)
	case "unsubscribe":
		handleUnsubscribe(s, &wsMsg)
	case "chat":
		handleChat(s, &wsMsg)
	case "seen":
		handleSeen(s, &wsMsg)
	case "ping":
		s.send(models.WSMessage{Event: "pong", Timestamp: time.Now().UnixMilli()})
	default:
		s.sendError(wsMsg.Topic, wsMsg.Room, "unknown event "+wsMsg.Event)
	}
}

func handleSubscribe(s *session, msg *models.WSMessage) {
	key := subKey(msg.Topic, msg.Room)
	if s.has(key) {
		s.send(models.WSMessage{Event: "subscribed", Topic: msg.Topic, Room: msg.Room})
		return
	}

	var (
		sub *hub.Subscription
		err error
	)
	ctx := s.ctx
	switch msg.Topic {
	case hub.TopicRoomMessages:
		sub, err = s.deps.Hub.SubscribeRoomMessages(ctx, msg.Room, s.userID, func(msgs []*models.Message) {
			s.send(models.WSMessage{Event: "messages", Topic: hub.TopicRoomMessages, Room: msg.Room, Data: msgs})
		})
	case hub.TopicRoom:
		sub, err = s.deps.Hub.SubscribeRoom(ctx, msg.Room, s.userID, func(room *models.Room) {
			s.send(models.WSMessage{Event: "room", Topic: hub.TopicRoom, Room: msg.Room, Data: room})
		})
	case hub.TopicUserRooms:
		sub, err = s.deps.Hub.SubscribeUserRooms(ctx, s.userID, func(rooms []*models.Room) {
			s.send(models.WSMessage{Event: "rooms", Topic: hub.TopicUserRooms, Data: rooms})
		})
	case notify.TopicAlerts:
		sub, err = s.deps.Alerts.SubscribeAlerts(ctx, s.userID, func(alerts *models.Alerts) {
			s.send(models.WSMessage{Event: "alerts", Topic: notify.TopicAlerts, Data: alerts})
		})
	default:
		err = errors.New("unknown topic")
	}
	if err != nil {
		s.sendError(msg.Topic, msg.Room, err.Error())
		return
	}
	s.track(key, msg.Room, sub)
	s.send(models.WSMessage{Event: "subscribed", Topic: msg.Topic, Room: msg.Room})
}

func handleUnsubscribe(s *session, msg *models.WSMessage) {
	s.untrack(subKey(msg.Topic, msg.Room))
	s.send(models.WSMessage{Event: "unsubscribed", Topic: msg.Topic, Room: msg.Room})
}

// handleChat stores a message. Delivery back to this and every other
// session happens through room subscriptions once the write is committed.
func handleChat(s *session, msg *models.WSMessage) {
	req := models.SendMessageRequest{Text: msg.Text, SharedContent: msg.Content}
	stored, err := sendRequest(s.ctx, s.deps.Chat, msg.Room, s.userID, s.username, req)
	if err != nil {
		s.sendError("", msg.Room, err.Error())
		return
	}
	s.send(models.WSMessage{Event: "sent", Room: msg.Room, Data: stored, Timestamp: stored.Timestamp.UnixMilli()})
}

func handleSeen(s *session, msg *models.WSMessage) {
	changed, err := s.deps.Chat.MarkRead(s.ctx, msg.Room, s.userID)
	if err != nil {
		s.sendError("", msg.Room, err.Error())
		return
	}
	if changed {
		// Let the user's other sessions drop their unread marks for this room.
		s.deps.Conns.SendToUser(s.userID, models.WSMessage{Event: "seen", Room: msg.Room, Timestamp: time.Now().UnixMilli()})
	}
}
