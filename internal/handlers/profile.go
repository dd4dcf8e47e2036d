package handlers

import (
	"github.com/gofiber/fiber/v2"

	"memechat/internal/models"
	"memechat/internal/services"
)

func RegisterHandler(users UserDirectory) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.RegisterRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
		}
		user, err := users.Register(c.UserContext(), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(user)
	}
}

func LoginHandler(users UserDirectory) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.LoginRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
		}
		res, err := users.Login(c.UserContext(), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(res)
	}
}

// RefreshHandler trades a refresh token for a new access token.
func RefreshHandler(tokens *services.Tokens) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := c.BodyParser(&body); err != nil || body.RefreshToken == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Refresh token required"})
		}

		claims, err := tokens.ValidateRefreshToken(body.RefreshToken)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid refresh token"})
		}
		userID, _ := claims["user_id"].(string)
		username, _ := claims["username"].(string)
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid refresh token"})
		}

		token, err := tokens.GenerateJWT(userID, username)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(models.AuthResponse{Token: token, RefreshToken: body.RefreshToken, Username: username, UserID: userID})
	}
}

// GetProfileHandler returns the authenticated user's profile
func GetProfileHandler(users UserDirectory) fiber.Handler {
	return func(c *fiber.Ctx) error {
		u, err := users.GetProfile(c.UserContext(), currentUser(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(u)
	}
}

// UpdateProfileHandler updates nickname and avatar for the authenticated user
func UpdateProfileHandler(users UserDirectory) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.UpdateProfileRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
		}
		updated, err := users.UpdateProfile(c.UserContext(), currentUser(c), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(updated)
	}
}

// GetUserHandler returns another user's public profile and presence.
func GetUserHandler(users UserDirectory, conns *ConnManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		u, err := users.GetProfile(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{
			"id":       u.ID,
			"username": u.Username,
			"nickname": u.Nickname,
			"avatar":   u.Avatar,
			"online":   conns.IsUserOnline(u.ID),
		})
	}
}
