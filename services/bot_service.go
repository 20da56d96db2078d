package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"halite-tournament/logger"
	"halite-tournament/models"
)

// BotService manages bots outside of matches: images, enablement and the
// leaderboard.
type BotService struct {
	DB *gorm.DB
}

func NewBotService(db *gorm.DB) *BotService {
	return &BotService{DB: db}
}

// LeaderboardEntry is one enabled bot on the ladder.
type LeaderboardEntry struct {
	Rank        int     `json:"rank"`
	Name        string  `json:"name"`
	DockerImage string  `json:"docker_image"`
	Mu          float64 `json:"mu"`
	Sigma       float64 `json:"sigma"`
	Score       float64 `json:"score"`
	MatchCount  int     `json:"match_count"`
	IsNPC       bool    `json:"is_npc"`
}

// Leaderboard lists enabled bots by score (mu - 3*sigma), best first. Equal
// scores share a rank.
func (s *BotService) Leaderboard(ctx context.Context) ([]LeaderboardEntry, error) {
	var rows []LeaderboardEntry
	err := s.DB.WithContext(ctx).
		Table("bots").
		Select("bots.name, bots.docker_image, bots.mu, bots.sigma, users.is_npc, COUNT(match_results.id) AS match_count").
		Joins("JOIN users ON users.id = bots.user_id").
		Joins("LEFT JOIN match_results ON match_results.bot_id = bots.id AND match_results.docker_image = bots.docker_image").
		Where("bots.enabled = ?", true).
		Group("bots.id, bots.name, bots.docker_image, bots.mu, bots.sigma, users.is_npc").
		Order("bots.mu - 3 * bots.sigma DESC, bots.name").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load leaderboard: %w", err)
	}

	for i := range rows {
		rows[i].Score = rows[i].Mu - 3*rows[i].Sigma
		if i > 0 && rows[i].Score == rows[i-1].Score {
			rows[i].Rank = rows[i-1].Rank
		} else {
			rows[i].Rank = i + 1
		}
	}
	return rows, nil
}

// UpdateDockerImage points a bot at a new image. A changed reference resets
// sigma. An empty ref clears the image, which takes the bot out of
// matchmaking.
func (s *BotService) UpdateDockerImage(ctx context.Context, name, ref string) (*models.Bot, error) {
	ref = strings.TrimSpace(ref)
	if ref != "" {
		normalized, err := models.NormalizeDockerImage(ref)
		if err != nil {
			return nil, err
		}
		ref = normalized
	}

	var bot models.Bot
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockBot(tx, name, &bot); err != nil {
			return err
		}
		if !bot.SetDockerImage(ref) {
			return nil
		}
		return tx.Model(&bot).Updates(map[string]interface{}{
			"docker_image": bot.DockerImage,
			"sigma":        bot.Sigma,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	logger.Info("[BOTS] image updated", "bot", name, "image", bot.DockerImage)
	return &bot, nil
}

// SetEnabled enables or soft-disables a bot.
func (s *BotService) SetEnabled(ctx context.Context, name string, enabled bool) (*models.Bot, error) {
	var bot models.Bot
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockBot(tx, name, &bot); err != nil {
			return err
		}
		bot.Enabled = enabled
		return tx.Model(&bot).Update("enabled", enabled).Error
	})
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

func lockBot(tx *gorm.DB, name string, bot *models.Bot) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", name).First(bot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrBotNotFound, name)
	}
	return err
}

// GetLeaderboard returns the ladder.
func (s *BotService) GetLeaderboard(c *fiber.Ctx) error {
	entries, err := s.Leaderboard(c.UserContext())
	if err != nil {
		return respondError(c, "[BOTS]", err, "failed to fetch leaderboard")
	}
	return c.JSON(entries)
}

// UpdateBotImage handles {"docker_image": "..."}.
func (s *BotService) UpdateBotImage(c *fiber.Ctx) error {
	var req struct {
		DockerImage *string `json:"docker_image"`
	}
	if err := c.BodyParser(&req); err != nil || req.DockerImage == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "docker_image is required", "field": "docker_image"})
	}

	bot, err := s.UpdateDockerImage(c.UserContext(), c.Params("name"), *req.DockerImage)
	if err != nil {
		return respondError(c, "[BOTS]", err, "failed to update bot")
	}
	return c.JSON(bot)
}

// SetBotEnabled handles {"enabled": bool}.
func (s *BotService) SetBotEnabled(c *fiber.Ctx) error {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.BodyParser(&req); err != nil || req.Enabled == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "enabled is required", "field": "enabled"})
	}

	bot, err := s.SetEnabled(c.UserContext(), c.Params("name"), *req.Enabled)
	if err != nil {
		return respondError(c, "[BOTS]", err, "failed to update bot")
	}
	return c.JSON(bot)
}
