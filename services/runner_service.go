package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"halite-tournament/logger"
	"halite-tournament/models"
)

// MatchPlayer is one entry of the workflow's "bots" input.
type MatchPlayer struct {
	Name        string `json:"name"`
	DockerImage string `json:"docker-image"`
}

// WorkflowAPI is the slice of the GitHub API the runner needs.
type WorkflowAPI interface {
	Dispatch(ctx context.Context, inputs map[string]string) error
	ListDispatchRuns(ctx context.Context) ([]WorkflowRun, error)
}

// RunnerService asks the match workflow to play a match and records the
// run it started.
type RunnerService struct {
	DB          *gorm.DB
	Workflows   WorkflowAPI
	Matchmaking *MatchmakingService

	PollInterval    time.Duration
	PollMaxInterval time.Duration
	PollTimeout     time.Duration
	ClockSkew       time.Duration // runs created this long before dispatch still count

	now func() time.Time
}

func NewRunnerService(db *gorm.DB, workflows WorkflowAPI, mm *MatchmakingService) *RunnerService {
	return &RunnerService{
		DB:              db,
		Workflows:       workflows,
		Matchmaking:     mm,
		PollInterval:    3 * time.Second,
		PollMaxInterval: 15 * time.Second,
		PollTimeout:     time.Minute,
		ClockSkew:       time.Minute,
		now:             time.Now,
	}
}

var errRunNotVisible = errors.New("workflow run not visible yet")

// StartMatch dispatches a match between players and waits until its run
// shows up. The returned match has only its uuid and run id set.
func (s *RunnerService) StartMatch(ctx context.Context, players []MatchPlayer) (*models.Match, error) {
	if len(players) < 2 {
		return nil, ErrTooFewPlayers
	}
	if len(players) > 6 {
		return nil, ErrTooManyPlayers
	}
	for i, p := range players {
		if p.DockerImage == "" {
			return nil, invalid(fmt.Sprintf("bots[%d]", i), "bot %q has no docker image", p.Name)
		}
	}

	key := uuid.NewString()
	dimension := s.Matchmaking.MapSize()
	bots, err := json.Marshal(players)
	if err != nil {
		return nil, err
	}

	start := s.now().Add(-s.ClockSkew)
	logger.Info("[RUNNER] dispatching match", "match", key, "map_size", dimension, "players", len(players))

	if err := s.Workflows.Dispatch(ctx, map[string]string{
		"id":       key,
		"map-size": fmt.Sprintf("%d %d", dimension, dimension),
		"bots":     string(bots),
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkflowFailedToStart, err)
	}

	run, err := s.findRun(ctx, key, start)
	if err != nil {
		return nil, err
	}

	row := models.NewMatch(key, run.ID)
	if err := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "uuid"}}, DoNothing: true}).
		Create(row).Error; err != nil {
		return nil, fmt.Errorf("failed to save match %s: %w", key, err)
	}
	var match models.Match
	if err := s.DB.WithContext(ctx).Where("uuid = ?", key).First(&match).Error; err != nil {
		return nil, fmt.Errorf("failed to reload match %s: %w", key, err)
	}

	logger.Info("[RUNNER] match started", "match", key, "run_id", run.ID)
	return &match, nil
}

// RunSeededMatch plans a match around seedName (or a chosen seed when
// empty) and starts it.
func (s *RunnerService) RunSeededMatch(ctx context.Context, seedName string, players int) (*models.Match, error) {
	planned, err := s.Matchmaking.PlanMatch(ctx, seedName, players)
	if err != nil {
		return nil, err
	}
	return s.StartMatch(ctx, planned)
}

// findRun polls the newest dispatch runs for the one titled key. The wait
// is capped by PollTimeout no matter how slow GitHub answers.
func (s *RunnerService) findRun(ctx context.Context, key string, start time.Time) (*WorkflowRun, error) {
	pollCtx, cancel := context.WithTimeout(ctx, s.PollTimeout)
	defer cancel()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.PollInterval
	exp.MaxInterval = s.PollMaxInterval
	exp.MaxElapsedTime = s.PollTimeout
	exp.Reset()

	var found *WorkflowRun
	err := backoff.RetryNotify(func() error {
		runs, err := s.Workflows.ListDispatchRuns(pollCtx)
		if err != nil {
			return err
		}
		for i := range runs {
			// newest first
			if runs[i].CreatedAt.Before(start) {
				break
			}
			if runs[i].DisplayTitle == key {
				found = &runs[i]
				return nil
			}
		}
		return errRunNotVisible
	}, backoff.WithContext(exp, pollCtx), func(err error, wait time.Duration) {
		logger.Debug("[RUNNER] run not found yet", "match", key, "wait", wait, "error", err)
	})

	if found != nil {
		return found, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w: no run titled %s after %s (last error: %v)", ErrWorkflowRunNotFound, key, s.PollTimeout, err)
}

type createMatchRequest struct {
	Bots    []string `json:"bots"`
	SeedBot string   `json:"seed_bot"`
	Players int      `json:"players"`
}

// CreateMatch starts a match between the named bots, or around seed_bot
// when no list is given.
func (s *RunnerService) CreateMatch(c *fiber.Ctx) error {
	var req createMatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	ctx := c.UserContext()
	var (
		match *models.Match
		err   error
	)
	if len(req.Bots) > 0 {
		var players []MatchPlayer
		if players, err = s.playersByName(ctx, req.Bots); err == nil {
			match, err = s.StartMatch(ctx, players)
		}
	} else {
		match, err = s.RunSeededMatch(ctx, req.SeedBot, req.Players)
	}
	if err != nil {
		return respondError(c, "[RUNNER]", err, "failed to start match")
	}
	return c.Status(fiber.StatusCreated).JSON(match)
}

// playersByName keeps the requested order.
func (s *RunnerService) playersByName(ctx context.Context, names []string) ([]MatchPlayer, error) {
	var bots []models.Bot
	if err := s.DB.WithContext(ctx).Where("name IN ?", names).Find(&bots).Error; err != nil {
		return nil, err
	}
	byName := make(map[string]models.Bot, len(bots))
	for _, b := range bots {
		byName[b.Name] = b
	}

	players := make([]MatchPlayer, 0, len(names))
	seen := make(map[string]bool, len(names))
	for i, n := range names {
		if seen[n] {
			return nil, invalid(fmt.Sprintf("bots[%d]", i), "bot %q is listed twice", n)
		}
		seen[n] = true
		b, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrBotNotFound, n)
		}
		players = append(players, MatchPlayer{Name: b.Name, DockerImage: b.DockerImage})
	}
	return players, nil
}
