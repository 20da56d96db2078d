// services/users.go
package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"halite-tournament/logger"
	"halite-tournament/models"
)

// CreateUser creates a user and the bot that belongs to it.
func (s *BotService) CreateUser(ctx context.Context, username string, isNPC bool) (*models.Bot, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, invalid("username", "This field is required.")
	}

	user := models.NewUser(username, isNPC)
	bot := models.NewBot(user)

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var taken int64
		if err := tx.Model(&models.User{}).Where("username = ?", username).Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return invalid("username", "%q is already taken", username)
		}
		if err := tx.Create(user).Error; err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		if err := tx.Create(bot).Error; err != nil {
			return fmt.Errorf("failed to create bot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("[BOTS] user created", "username", username, "npc", isNPC)
	return bot, nil
}

// RegisterUser creates a user (and its bot) from {"username", "is_npc"}.
func (s *BotService) RegisterUser(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		IsNPC    bool   `json:"is_npc"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	bot, err := s.CreateUser(c.UserContext(), req.Username, req.IsNPC)
	if err != nil {
		return respondError(c, "[BOTS]", err, "failed to create user")
	}
	return c.Status(fiber.StatusCreated).JSON(bot)
}
