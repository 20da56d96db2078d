package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"halite-tournament/logger"
)

// RequestLogger logs one line per HTTP request.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		logger.Info("HTTP request",
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"latency", time.Since(start),
			"ip", c.IP(),
		)
		return err
	}
}
