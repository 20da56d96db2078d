package handlers

import (
	"github.com/gofiber/fiber/v2"

	"halite-tournament/services"
)

func SetupMatchRoutes(app *fiber.App, auth fiber.Handler, matchService *services.MatchService, runnerService *services.RunnerService) {
	api := app.Group("/api")

	// 🔓 Public
	api.Get("/matches/:uuid", matchService.GetMatch)

	// 🔐 Token only: the match workflow uploads results, admins dispatch
	api.Post("/match-results", auth, matchService.UploadMatchResult)
	if runnerService != nil {
		api.Post("/matches", auth, runnerService.CreateMatch)
	}
}
