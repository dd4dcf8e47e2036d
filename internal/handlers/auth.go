package handlers

import (
	"github.com/gofiber/fiber/v2"

	"memechat/internal/services"
)

// AuthMiddleware verifies the access token and stores the caller's identity
// in locals. Every chat mutation takes this id as its explicit actor.
func AuthMiddleware(tokens *services.Tokens) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Get token from query param `access_token` or Authorization header
		token := c.Query("access_token")
		if token == "" {
			authHeader := c.Get("Authorization")
			if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
				token = authHeader[7:]
			}
		}

		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "Missing token")
		}

		claims, err := tokens.ValidateToken(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid token")
		}

		uid, ok := claims["user_id"].(string)
		if !ok || uid == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid token claims")
		}
		c.Locals("user_id", uid)

		if u, ok := claims["username"].(string); ok {
			c.Locals("username", u)
		}

		return c.Next()
	}
}

func currentUser(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}

func currentUsername(c *fiber.Ctx) string {
	name, _ := c.Locals("username").(string)
	return name
}
