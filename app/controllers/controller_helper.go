package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CourseFox/internal/pkg/checkout"
	"github.com/ManuelReschke/CourseFox/internal/pkg/ledger"
	"github.com/ManuelReschke/CourseFox/internal/pkg/provider"
	"github.com/ManuelReschke/CourseFox/internal/pkg/security"
)

// errorResponse writes the JSON error body used by every endpoint.
func errorResponse(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error":   code,
		"message": message,
	})
}

// respondError maps domain errors onto HTTP status codes. Storage and other
// unexpected failures are 500 and safe to retry.
func respondError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, checkout.ErrInvalidInput),
		errors.Is(err, provider.ErrInvalidPayer),
		errors.Is(err, provider.ErrInvalidAmount),
		errors.Is(err, provider.ErrUnknownProvider):
		return errorResponse(c, fiber.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, security.ErrUnauthenticated):
		return errorResponse(c, fiber.StatusUnauthorized, "unauthorized", "authentication failed")
	case errors.Is(err, checkout.ErrUserNotFound),
		errors.Is(err, checkout.ErrCourseNotFound),
		errors.Is(err, ledger.ErrPaymentNotFound),
		errors.Is(err, provider.ErrTransactionNotFound):
		return errorResponse(c, fiber.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, checkout.ErrAlreadyEnrolled):
		return errorResponse(c, fiber.StatusConflict, "already_enrolled", err.Error())
	case errors.Is(err, checkout.ErrCourseNotPurchasable), errors.Is(err, provider.ErrCurrencyMismatch):
		return errorResponse(c, fiber.StatusUnprocessableEntity, "not_for_sale", err.Error())
	case errors.Is(err, provider.ErrProviderUnavailable):
		c.Set(fiber.HeaderRetryAfter, "5")
		return errorResponse(c, fiber.StatusServiceUnavailable, "provider_unavailable", "payment provider is unavailable, please retry")
	case errors.Is(err, provider.ErrNotConfigured):
		log.Errorf("[HTTP] %s %s: %v", c.Method(), c.Path(), err)
		return errorResponse(c, fiber.StatusServiceUnavailable, "provider_unavailable", "payment provider is not available")
	default:
		log.Errorf("[HTTP] %s %s failed: %v", c.Method(), c.Path(), err)
		return errorResponse(c, fiber.StatusInternalServerError, "internal_server_error", "please retry later")
	}
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
