package services

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halite-tournament/models"
)

func TestCreateUser(t *testing.T) {
	db := newTestDB(t)
	svc := NewBotService(db)

	bot, err := svc.CreateUser(context.Background(), " alpha ", false)
	require.NoError(t, err)
	assert.Equal(t, "alpha", bot.Name)
	assert.Equal(t, models.DefaultMu, bot.Mu)
	assert.Equal(t, models.DefaultSigma, bot.Sigma)
	assert.True(t, bot.Enabled)
	assert.Empty(t, bot.DockerImage)

	var user models.User
	require.NoError(t, db.First(&user, "id = ?", bot.UserID).Error)
	assert.Equal(t, "alpha", user.Username)

	_, err = svc.CreateUser(context.Background(), "alpha", true)
	requireValidationError(t, err, "username")

	_, err = svc.CreateUser(context.Background(), "  ", false)
	requireValidationError(t, err, "username")

	assert.Equal(t, int64(1), countRows(t, db, &models.Bot{}))
}

func TestUpdateDockerImage(t *testing.T) {
	db := newTestDB(t)
	svc := NewBotService(db)
	createBot(t, db, "alpha", 31, 2)
	ctx := context.Background()

	bot, err := svc.UpdateDockerImage(ctx, "alpha", "halite/alpha:v2")
	require.NoError(t, err)
	assert.Equal(t, "docker.io/halite/alpha:v2", bot.DockerImage)
	assert.Equal(t, models.DefaultSigma, bot.Sigma, "a new build is untested")
	assert.Equal(t, 31.0, bot.Mu, "mu is kept")

	stored := reloadBot(t, db, "alpha")
	assert.Equal(t, "docker.io/halite/alpha:v2", stored.DockerImage)
	assert.Equal(t, models.DefaultSigma, stored.Sigma)

	// same reference: nothing changes
	require.NoError(t, db.Model(&stored).Update("sigma", 1.5).Error)
	bot, err = svc.UpdateDockerImage(ctx, "alpha", "docker.io/halite/alpha:v2")
	require.NoError(t, err)
	assert.Equal(t, 1.5, bot.Sigma)

	digest := "ghcr.io/halite/alpha@sha256:" + strings.Repeat("a", 64)
	bot, err = svc.UpdateDockerImage(ctx, "alpha", digest)
	require.NoError(t, err)
	assert.Equal(t, digest, bot.DockerImage)
	assert.Equal(t, models.DefaultSigma, bot.Sigma)

	_, err = svc.UpdateDockerImage(ctx, "alpha", "halite/alpha")
	assert.ErrorIs(t, err, ErrInvalidDockerImage)
	_, err = svc.UpdateDockerImage(ctx, "alpha", "Halite/Alpha:v1")
	assert.ErrorIs(t, err, ErrInvalidDockerImage)
	_, err = svc.UpdateDockerImage(ctx, "ghost", "halite/ghost:v1")
	assert.ErrorIs(t, err, ErrBotNotFound)

	bot, err = svc.UpdateDockerImage(ctx, "alpha", "")
	require.NoError(t, err)
	assert.Empty(t, bot.DockerImage)
}

func TestSetEnabled(t *testing.T) {
	db := newTestDB(t)
	svc := NewBotService(db)
	createBot(t, db, "alpha", 25, 5)

	bot, err := svc.SetEnabled(context.Background(), "alpha", false)
	require.NoError(t, err)
	assert.False(t, bot.Enabled)
	assert.False(t, reloadBot(t, db, "alpha").Enabled)

	_, err = svc.SetEnabled(context.Background(), "ghost", false)
	assert.ErrorIs(t, err, ErrBotNotFound)
}

func TestLeaderboard(t *testing.T) {
	db := newTestDB(t)
	svc := NewBotService(db)
	alpha := createBot(t, db, "alpha", 30, 1)
	createBot(t, db, "beta", 25, 25.0/3)
	createBot(t, db, "gamma", 30, 1)
	off := createBot(t, db, "off", 50, 1)
	require.NoError(t, db.Model(off).Update("enabled", false).Error)

	m := models.NewMatch(testMatchID, 1)
	require.NoError(t, db.Create(m).Error)
	require.NoError(t, db.Create(&models.MatchResult{ID: uuid.NewString(), BotID: alpha.ID, MatchID: m.ID, DockerImage: alpha.DockerImage, Rank: 1, Mu: 30, Sigma: 1}).Error)
	old := models.NewMatch(otherMatchID, 2)
	require.NoError(t, db.Create(old).Error)
	require.NoError(t, db.Create(&models.MatchResult{ID: uuid.NewString(), BotID: alpha.ID, MatchID: old.ID, DockerImage: "docker.io/halite/alpha:v0", Rank: 1, Mu: 29, Sigma: 1}).Error)

	entries, err := svc.Leaderboard(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "alpha", entries[0].Name)
	assert.Equal(t, 1, entries[0].Rank)
	assert.Equal(t, 27.0, entries[0].Score)
	assert.Equal(t, 1, entries[0].MatchCount, "only results on the current image count")

	assert.Equal(t, "gamma", entries[1].Name)
	assert.Equal(t, 1, entries[1].Rank, "equal scores share a rank")

	assert.Equal(t, "beta", entries[2].Name)
	assert.Equal(t, 3, entries[2].Rank)
	assert.InDelta(t, 0.0, entries[2].Score, 1e-9)
}

func TestBotHandlers(t *testing.T) {
	db := newTestDB(t)
	svc := NewBotService(db)

	app := fiber.New()
	app.Get("/api/bots", svc.GetLeaderboard)
	app.Post("/api/users", svc.RegisterUser)
	app.Put("/api/bots/:name/image", svc.UpdateBotImage)
	app.Patch("/api/bots/:name/enabled", svc.SetBotEnabled)

	send := func(method, path, body string) (int, map[string]interface{}) {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		if resp.StatusCode == fiber.StatusOK && method == "GET" {
			return resp.StatusCode, nil
		}
		return resp.StatusCode, decodeJSON(t, resp.Body)
	}

	code, out := send("POST", "/api/users", `{"username":"alpha"}`)
	require.Equal(t, fiber.StatusCreated, code)
	assert.Equal(t, "alpha", out["name"])

	code, out = send("PUT", "/api/bots/alpha/image", `{"docker_image":"halite/alpha:v1"}`)
	require.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "docker.io/halite/alpha:v1", out["docker_image"])

	code, out = send("PUT", "/api/bots/alpha/image", `{"docker_image":"halite/alpha"}`)
	assert.Equal(t, fiber.StatusBadRequest, code)
	assert.Equal(t, "docker_image", out["field"])

	code, _ = send("PUT", "/api/bots/alpha/image", `{}`)
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, _ = send("PUT", "/api/bots/ghost/image", `{"docker_image":"halite/ghost:v1"}`)
	assert.Equal(t, fiber.StatusNotFound, code)

	code, out = send("PATCH", "/api/bots/alpha/enabled", `{"enabled":false}`)
	require.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, false, out["enabled"])

	code, _ = send("GET", "/api/bots", "")
	assert.Equal(t, fiber.StatusOK, code)
}
