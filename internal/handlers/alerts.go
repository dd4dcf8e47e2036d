package handlers

import (
	"github.com/gofiber/fiber/v2"

	"memechat/internal/models"
	"memechat/internal/notify"
)

func GetAlertsHandler(agg *notify.Aggregator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		alerts, err := agg.Alerts(c.UserContext(), currentUser(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(alerts)
	}
}

// MarkAllReadHandler clears every unread badge of the caller. On partial
// failure the error is returned and subscribers see the reconciled state.
func MarkAllReadHandler(agg *notify.Aggregator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		alerts, err := agg.MarkAllRead(c.UserContext(), currentUser(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(alerts)
	}
}

func ListNotificationsHandler(agg *notify.Aggregator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", 50)
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		notes, err := agg.Notifications(c.UserContext(), currentUser(c), limit)
		if err != nil {
			return respondError(c, err)
		}
		if notes == nil {
			notes = []*models.Notification{}
		}
		return c.JSON(notes)
	}
}

func MarkNotificationsReadHandler(agg *notify.Aggregator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		n, err := agg.MarkNotificationsRead(c.UserContext(), currentUser(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"updated": n})
	}
}
