package handlers

import (
	"github.com/gofiber/fiber/v2"

	"memechat/internal/models"
	"memechat/internal/services"
)

func CreateDirectRoomHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.CreateDirectRoomRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
		}
		if req.RecipientID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Recipient ID required"})
		}

		res, err := chat.GetOrCreateDirectRoom(c.UserContext(), currentUser(c), req.RecipientID)
		if err != nil {
			return respondError(c, err)
		}
		status := fiber.StatusOK
		if res.IsNew {
			status = fiber.StatusCreated
		}
		return c.Status(status).JSON(res)
	}
}

func CreateGroupRoomHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.CreateGroupRoomRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
		}
		room, err := chat.CreateGroupRoom(c.UserContext(), currentUser(c), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(room)
	}
}

func ListRoomsHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rooms, err := chat.GetUserRooms(c.UserContext(), currentUser(c))
		if err != nil {
			return respondError(c, err)
		}
		if rooms == nil {
			rooms = []*models.Room{}
		}
		return c.JSON(rooms)
	}
}

func GetRoomHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		room, err := chat.GetRoom(c.UserContext(), c.Params("id"), currentUser(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(room)
	}
}

func UpdateRoomHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.UpdateGroupRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
		}
		room, err := chat.UpdateGroupMetadata(c.UserContext(), c.Params("id"), currentUser(c), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(room)
	}
}

// AddMembersHandler reports each target separately; an already-present
// member does not fail the request.
func AddMembersHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.AddMembersRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
		}
		results, err := chat.AddMembers(c.UserContext(), c.Params("id"), currentUser(c), req.UserIDs)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"results": results})
	}
}

func RemoveMemberHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		room, err := chat.RemoveMember(c.UserContext(), c.Params("id"), currentUser(c), c.Params("uid"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(room)
	}
}

func PromoteHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		room, err := chat.PromoteToAdmin(c.UserContext(), c.Params("id"), currentUser(c), c.Params("uid"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(room)
	}
}

func DemoteHandler(chat *services.ChatService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		room, err := chat.DemoteFromAdmin(c.UserContext(), c.Params("id"), currentUser(c), c.Params("uid"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(room)
	}
}
