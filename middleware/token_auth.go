// middleware/token_auth.go
package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"halite-tournament/logger"
)

// TokenAuth guards admin routes (result uploads, dispatch, bot edits) with
// a static API token sent as "Authorization: Bearer <token>" or
// "Authorization: Token <token>".
func TokenAuth(expectedToken string) fiber.Handler {
	if expectedToken == "" {
		logger.Fatal("[AUTH] UPLOAD_TOKEN is not set, admin routes cannot authenticate")
	}
	expected := []byte(expectedToken)

	return func(c *fiber.Ctx) error {
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			logger.Warn("[AUTH] missing Authorization header", "path", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication credentials were not provided.",
			})
		}

		token := authHeader
		if scheme, rest, ok := strings.Cut(authHeader, " "); ok &&
			(strings.EqualFold(scheme, "Bearer") || strings.EqualFold(scheme, "Token")) {
			token = strings.TrimSpace(rest)
		}

		if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			logger.Warn("[AUTH] invalid token", "path", c.Path(), "ip", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid token.",
			})
		}

		return c.Next()
	}
}
