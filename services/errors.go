package services

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"halite-tournament/logger"
	"halite-tournament/models"
)

var (
	ErrTooFewPlayers         = errors.New("too few players (minimum 2)")
	ErrTooManyPlayers        = errors.New("too many players (maximum 6)")
	ErrWorkflowFailedToStart = errors.New("match workflow failed to start")
	ErrWorkflowRunNotFound   = errors.New("match workflow run not found")
	ErrBotNotFound           = errors.New("bot not found")
	ErrMatchNotFound         = errors.New("match not found")
	ErrPartiallyIngested     = errors.New("match is partially ingested")
	ErrNoSeedCandidates      = errors.New("no bot is eligible to seed a match")
	ErrInvalidDockerImage    = models.ErrInvalidDockerImage
)

// ValidationError is a user-correctable problem with an upload, reported
// against the field that caused it.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// respondError turns a service error into the HTTP answer. Anything that is
// not a known domain error is logged and answered with fallback.
func respondError(c *fiber.Ctx, tag string, err error, fallback string) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": ve.Message, "field": ve.Field})
	case errors.Is(err, ErrInvalidDockerImage):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error(), "field": "docker_image"})
	case errors.Is(err, ErrBotNotFound), errors.Is(err, ErrMatchNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrPartiallyIngested):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrTooFewPlayers):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "Too few players. Minimum 2."})
	case errors.Is(err, ErrTooManyPlayers):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "Too many players. Maximum 6."})
	case errors.Is(err, ErrNoSeedCandidates):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrWorkflowFailedToStart), errors.Is(err, ErrWorkflowRunNotFound):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}

	logger.Error(tag+" request failed", "path", c.Path(), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": fallback})
}
