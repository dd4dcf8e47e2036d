package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"memechat/internal/hub"
	"memechat/internal/models"
	"memechat/internal/notify"
	"memechat/internal/services"
)

// UserDirectory is the account surface the HTTP layer needs.
type UserDirectory interface {
	Register(ctx context.Context, req models.RegisterRequest) (*models.User, error)
	Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error)
	GetProfile(ctx context.Context, userID string) (*models.User, error)
	UpdateProfile(ctx context.Context, userID string, req models.UpdateProfileRequest) (*models.User, error)
}

type Deps struct {
	Chat   *services.ChatService
	Hub    *hub.Hub
	Alerts *notify.Aggregator
	Tokens *services.Tokens
	Users  UserDirectory
	Conns  *ConnManager
	Logger zerolog.Logger
}

// Register mounts the API, the websocket endpoint and health checks on app.
func Register(app *fiber.App, d Deps) {
	api := app.Group("/api")

	// Public Routes
	if d.Users != nil {
		api.Post("/register", RegisterHandler(d.Users))
		api.Post("/login", LoginHandler(d.Users))
	}
	api.Post("/refresh", RefreshHandler(d.Tokens))

	// Protected Routes
	protected := api.Group("/", AuthMiddleware(d.Tokens))

	if d.Users != nil {
		protected.Get("/profile", GetProfileHandler(d.Users))
		protected.Put("/profile", UpdateProfileHandler(d.Users))
		protected.Get("/users/:id", GetUserHandler(d.Users, d.Conns))
	}

	// Chat Routes
	protected.Post("/rooms/direct", CreateDirectRoomHandler(d.Chat))
	protected.Post("/rooms/group", CreateGroupRoomHandler(d.Chat))
	protected.Get("/rooms", ListRoomsHandler(d.Chat))
	protected.Get("/rooms/:id", GetRoomHandler(d.Chat))
	protected.Patch("/rooms/:id", UpdateRoomHandler(d.Chat))
	protected.Post("/rooms/:id/members", AddMembersHandler(d.Chat))
	protected.Delete("/rooms/:id/members/:uid", RemoveMemberHandler(d.Chat))
	protected.Post("/rooms/:id/admins/:uid", PromoteHandler(d.Chat))
	protected.Delete("/rooms/:id/admins/:uid", DemoteHandler(d.Chat))
	protected.Get("/rooms/:id/messages", GetMessagesHandler(d.Chat))
	protected.Post("/rooms/:id/messages", SendMessageHandler(d.Chat))
	protected.Get("/rooms/:id/read", ReadStateHandler(d.Chat))
	protected.Post("/rooms/:id/read", MarkReadHandler(d.Chat))

	// Alerts
	protected.Get("/alerts", GetAlertsHandler(d.Alerts))
	protected.Post("/alerts/read-all", MarkAllReadHandler(d.Alerts))
	protected.Get("/notifications", ListNotificationsHandler(d.Alerts))
	protected.Post("/notifications/read", MarkNotificationsReadHandler(d.Alerts))

	// Health Check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "online_users": d.Conns.OnlineCount()})
	})

	// WebSocket Route
	// Note: Middleware order matters. WSUpgradeMiddleware checks if it's a
	// WS request, AuthMiddleware checks the token.
	app.Use("/ws", WSUpgradeMiddleware)
	app.Use("/ws", AuthMiddleware(d.Tokens))
	app.Get("/ws", WebSocketHandler(d))
}
