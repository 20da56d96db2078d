package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"halite-tournament/database"
	"halite-tournament/logger"
	"halite-tournament/models"
	"halite-tournament/rating"
)

// ArtifactStore persists compressed replays and error logs.
type ArtifactStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	URL(key string) string
}

// MatchService records match results and the rating changes they imply.
type MatchService struct {
	DB              *gorm.DB
	Store           ArtifactStore
	Rating          *rating.Engine
	Retry           database.RetryPolicy
	ArchiveMaxBytes int64
}

func NewMatchService(db *gorm.DB, store ArtifactStore, retry database.RetryPolicy, archiveMaxBytes int64) *MatchService {
	return &MatchService{
		DB:              db,
		Store:           store,
		Rating:          rating.New(),
		Retry:           retry,
		ArchiveMaxBytes: archiveMaxBytes,
	}
}

// IngestArchive parses a result archive and records it: the match row, one
// result per bot and the bots' new ratings, all in one transaction.
// Ingesting an already recorded match changes nothing.
func (s *MatchService) IngestArchive(ctx context.Context, name string, r io.Reader) (*models.Match, error) {
	archive, err := ParseMatchArchive(name, r, s.ArchiveMaxBytes)
	if err != nil {
		return nil, err
	}

	// A recorded match keeps the artifacts its rows point to.
	recorded, err := s.recordedMatch(ctx, archive)
	if err != nil {
		return nil, err
	}
	if recorded != nil {
		logger.Info("[INGEST] match already recorded", "match", archive.ID)
		return recorded, nil
	}

	// Keys are deterministic, so a retried upload overwrites instead of leaking.
	for _, a := range archive.Artifacts() {
		if err := s.Store.Put(ctx, a.Key, a.Data, "application/gzip"); err != nil {
			return nil, fmt.Errorf("failed to store %s: %w", a.Key, err)
		}
	}

	var match *models.Match
	var created int
	err = s.Retry.Do(ctx, func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			match, created, err = s.record(tx, archive)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	if created == 0 {
		logger.Info("[INGEST] match already recorded", "match", archive.ID)
	} else {
		logger.Info("[INGEST] match recorded", "match", archive.ID, "run_id", archive.RunID, "results", created)
	}
	return match, nil
}

// recordedMatch returns the match when it already holds a result for every
// bot in a, and nil otherwise. record repeats the check under the locks.
func (s *MatchService) recordedMatch(ctx context.Context, a *MatchArchive) (*models.Match, error) {
	var match models.Match
	err := s.DB.WithContext(ctx).Where("uuid = ?", a.ID).First(&match).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up match %s: %w", a.ID, err)
	}
	if !match.Ingested() {
		return nil, nil
	}

	names := a.BotNames()
	var count int64
	if err := s.DB.WithContext(ctx).
		Model(&models.MatchResult{}).
		Joins("JOIN bots ON bots.id = match_results.bot_id").
		Where("match_results.match_id = ? AND bots.name IN ?", match.ID, names).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to read existing results: %w", err)
	}
	if count != int64(len(names)) {
		return nil, nil
	}
	return &match, nil
}

// record runs inside the ingestion transaction and returns the number of
// result rows it created.
func (s *MatchService) record(tx *gorm.DB, a *MatchArchive) (*models.Match, int, error) {
	match, err := upsertMatch(tx, a)
	if err != nil {
		return nil, 0, err
	}

	bots, err := lockBots(tx, a.BotNames())
	if err != nil {
		return nil, 0, err
	}

	var recorded []string
	if err := tx.Model(&models.MatchResult{}).
		Where("match_id = ?", match.ID).
		Pluck("bot_id", &recorded).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to read existing results: %w", err)
	}
	done := make(map[string]bool, len(recorded))
	for _, id := range recorded {
		done[id] = true
	}
	already := 0
	for _, b := range bots {
		if done[b.ID] {
			already++
		}
	}
	switch {
	case already == len(bots):
		return match, 0, nil
	case already > 0:
		// Re-rating only the missing bots would feed them priors that
		// already include this match for the others.
		return nil, 0, fmt.Errorf("%w: %s has %d of %d results", ErrPartiallyIngested, a.ID, already, len(bots))
	}

	// Priors are read under the row locks.
	priors := make([]rating.Rating, len(a.Results))
	ranks := make([]int, len(a.Results))
	for i, r := range a.Results {
		b := bots[r.BotName]
		priors[i] = rating.Rating{Mu: b.Mu, Sigma: b.Sigma}
		ranks[i] = r.Rank
	}
	posteriors, err := s.Rating.Rate(priors, ranks)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to rate match %s: %w", a.ID, err)
	}

	created := 0
	for i, r := range a.Results {
		bot := bots[r.BotName]
		result := &models.MatchResult{
			ID:             uuid.NewString(),
			BotID:          bot.ID,
			MatchID:        match.ID,
			DockerImage:    r.DockerImage,
			Rank:           r.Rank,
			Mu:             posteriors[i].Mu,
			Sigma:          posteriors[i].Sigma,
			LastFrameAlive: r.LastFrameAlive,
		}
		if r.ErrorLog != nil {
			result.ErrorLog = &r.ErrorLog.Key
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(result)
		if res.Error != nil {
			return nil, 0, fmt.Errorf("failed to save result for %s: %w", r.BotName, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		created++

		bot.ApplyRating(posteriors[i].Mu, posteriors[i].Sigma)
		if err := tx.Model(bot).Updates(map[string]interface{}{
			"mu":    bot.Mu,
			"sigma": bot.Sigma,
		}).Error; err != nil {
			return nil, 0, fmt.Errorf("failed to update rating of %s: %w", r.BotName, err)
		}
	}

	return match, created, nil
}

// upsertMatch creates the match or fills in the details of the row a
// dispatch created earlier under the same uuid.
func upsertMatch(tx *gorm.DB, a *MatchArchive) (*models.Match, error) {
	date, seed, width, height, replay := a.Date, a.Seed, a.Width, a.Height, a.Replay.Key

	row := models.NewMatch(a.ID, a.RunID)
	row.Date = &date
	row.Seed = &seed
	row.Width = &width
	row.Height = &height
	row.Replay = &replay

	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uuid"}},
		DoUpdates: clause.AssignmentColumns([]string{"run_id", "date", "seed", "width", "height", "replay", "updated_at"}),
	}).Create(row).Error; err != nil {
		return nil, fmt.Errorf("failed to save match %s: %w", a.ID, err)
	}

	var match models.Match
	if err := tx.Where("uuid = ?", a.ID).First(&match).Error; err != nil {
		return nil, fmt.Errorf("failed to reload match %s: %w", a.ID, err)
	}
	return &match, nil
}

// lockBots takes row locks on the named bots in name order, so concurrent
// ingestions over overlapping bots queue up instead of deadlocking.
func lockBots(tx *gorm.DB, names []string) (map[string]*models.Bot, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	var rows []models.Bot
	if err := lockBotsQuery(tx, sorted).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to lock bots: %w", err)
	}

	bots := make(map[string]*models.Bot, len(rows))
	for i := range rows {
		bots[rows[i].Name] = &rows[i]
	}

	var unknown []string
	for _, n := range sorted {
		if bots[n] == nil {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrBotNotFound, strings.Join(unknown, ", "))
	}
	return bots, nil
}

// lockBotsQuery selects the named bots FOR UPDATE in name order. names must
// already be sorted.
func lockBotsQuery(tx *gorm.DB, names []string) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("name IN ?", names).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "name"}})
}

// FindMatch loads a match with its results, best rank first.
func (s *MatchService) FindMatch(ctx context.Context, key string) (*models.Match, error) {
	var match models.Match
	err := s.DB.WithContext(ctx).
		Preload("Results", func(db *gorm.DB) *gorm.DB { return db.Order("rank") }).
		Preload("Results.Bot").
		Where("uuid = ?", key).
		First(&match).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMatchNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return &match, nil
}

// UploadMatchResult accepts a multipart "result" file holding a .tar.xz
// result archive.
func (s *MatchService) UploadMatchResult(c *fiber.Ctx) error {
	fh, err := c.FormFile("result")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Request missing 'result' file.", "field": "result"})
	}
	if !strings.HasSuffix(fh.Filename, ArchiveSuffix) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "File has a bad extension.", "field": "result"})
	}

	f, err := fh.Open()
	if err != nil {
		return respondError(c, "[INGEST]", err, "Failed to process the file.")
	}
	defer f.Close()

	if _, err := s.IngestArchive(c.UserContext(), fh.Filename, f); err != nil {
		return respondError(c, "[INGEST]", err, "Failed to process the file.")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// GetMatch returns one match by uuid with artifact URLs.
func (s *MatchService) GetMatch(c *fiber.Ctx) error {
	match, err := s.FindMatch(c.UserContext(), c.Params("uuid"))
	if err != nil {
		return respondError(c, "[MATCH]", err, "failed to fetch match")
	}

	resp := fiber.Map{"match": match}
	if match.Replay != nil {
		resp["replay_url"] = s.Store.URL(*match.Replay)
	}
	logs := fiber.Map{}
	for _, r := range match.Results {
		if r.ErrorLog != nil && r.Bot != nil {
			logs[r.Bot.Name] = s.Store.URL(*r.ErrorLog)
		}
	}
	if len(logs) > 0 {
		resp["error_log_urls"] = logs
	}
	return c.JSON(resp)
}
