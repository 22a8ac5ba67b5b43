package middleware

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
)

// KeyUserID is the Locals key RequireUser stores the authenticated user id under.
const KeyUserID = "user_id"

// RequireUser authenticates "Authorization: Bearer <jwt>" (HS256, user_id
// claim) and stores the user id in Locals. Tokens are issued by the user
// directory; this service only verifies them.
func RequireUser(secret string) fiber.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())

	return func(c *fiber.Ctx) error {
		if len(key) == 0 {
			log.Error("[Auth] JWT_SECRET is not configured")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "authentication is not configured"})
		}

		auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
			return unauthorized(c, "missing bearer token")
		}

		token, err := parser.Parse(strings.TrimSpace(auth[7:]), func(token *jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil || !token.Valid {
			return unauthorized(c, "invalid or expired token")
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return unauthorized(c, "invalid token claims")
		}
		userID, err := userIDFromClaims(claims)
		if err != nil {
			return unauthorized(c, err.Error())
		}

		c.Locals(KeyUserID, userID)
		return c.Next()
	}
}

// RequireUserFromEnv reads JWT_SECRET.
func RequireUserFromEnv() fiber.Handler {
	return RequireUser(env.GetEnv("JWT_SECRET", ""))
}

// UserID returns the id stored by RequireUser, or 0.
func UserID(c *fiber.Ctx) uint {
	if id, ok := c.Locals(KeyUserID).(uint); ok {
		return id
	}
	return 0
}

func userIDFromClaims(claims jwt.MapClaims) (uint, error) {
	var raw interface{} = claims["user_id"]
	if raw == nil {
		raw = claims["sub"]
	}
	switch v := raw.(type) {
	case float64:
		if v > 0 && v == float64(uint(v)) {
			return uint(v), nil
		}
	case string:
		if id, err := strconv.ParseUint(v, 10, 64); err == nil && id > 0 {
			return uint(id), nil
		}
	}
	return 0, fmt.Errorf("token has no user id")
}

func unauthorized(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": message})
}
