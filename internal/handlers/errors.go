package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"memechat/internal/models"
	"memechat/internal/services"
)

// statusFor maps chat error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotAMember), errors.Is(err, models.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrAlreadyMember), errors.Is(err, models.ErrInvariantViolation),
		errors.Is(err, services.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, services.ErrInvalidCredentials), errors.Is(err, services.ErrInvalidToken):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// errorCode is the stable machine-readable name of an error kind.
func errorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, models.ErrNotAMember):
		return "not_a_member"
	case errors.Is(err, models.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, models.ErrAlreadyMember):
		return "already_member"
	case errors.Is(err, models.ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}

func respondError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return c.Status(status).JSON(fiber.Map{"error": msg, "code": errorCode(err)})
}
