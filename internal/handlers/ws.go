package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"memechat/internal/models"
)

// WebSocketHandler handles the websocket connection
func WebSocketHandler(d Deps) fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		// Retrieve user info from locals (set by middleware)
		userID, _ := c.Locals("user_id").(string)
		username, _ := c.Locals("username").(string)

		// Generate a unique ID for this connection
		connID := uuid.New().String()

		ctx, cancel := context.WithCancel(context.Background())
		s := &session{
			connID:   connID,
			userID:   userID,
			username: username,
			conn:     c,
			deps:     d,
			logger:   d.Logger.With().Str("conn", connID).Str("user", userID).Logger(),
			ctx:      ctx,
			cancel:   cancel,
			subs:     make(map[string]trackedSub),
		}

		if d.Conns.RegisterConnection(s) {
			s.logger.Info().Msg("user online")
		}

		defer func() {
			s.close()
			if d.Conns.UnregisterConnection(connID) {
				s.logger.Info().Msg("user offline")
			}
			c.Close()
		}()

		// Send welcome message
		s.send(models.WSMessage{Event: "connected", Text: "Welcome to the chat server"})

		for {
			msgType, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Warn().Err(err).Msg("websocket closed unexpectedly")
				}
				break
			}
			if ctx.Err() != nil {
				break
			}

			HandleMessage(s, msgType, msg)
		}
	})
}

// WSUpgradeMiddleware upgrades the connection to WebSocket
func WSUpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}
