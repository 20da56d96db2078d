package handlers

import (
	"github.com/gofiber/fiber/v2"

	"halite-tournament/services"
)

func SetupBotRoutes(app *fiber.App, auth fiber.Handler, botService *services.BotService) {
	api := app.Group("/api")

	api.Get("/bots", botService.GetLeaderboard)

	api.Post("/users", auth, botService.RegisterUser)
	api.Put("/bots/:name/image", auth, botService.UpdateBotImage)
	api.Patch("/bots/:name/enabled", auth, botService.SetBotEnabled)
}
