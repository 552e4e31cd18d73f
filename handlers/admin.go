package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"sea-battle-system/middleware"
	"sea-battle-system/services"
)

// SetupAdminRoutes wires the operator-only recovery surface. Everything here
// sits behind the admin token middleware; gameplay clients have no path to
// these overrides.
func SetupAdminRoutes(app *fiber.App, readiness *services.ReadinessService, battle *services.BattleService) {
	admin := app.Group("/admin", middleware.AdminAuthMiddleware())

	admin.Post("/games/:id/force-start", forceStart(readiness))
	admin.Post("/games/:id/reset", resetMatch(battle))
	admin.Get("/games/:id/scoreboard", scoreboard(battle))
}

func adminError(c *fiber.Ctx, err error) error {
	var iv *services.InvariantViolationError
	switch {
	case errors.Is(err, services.ErrGameNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &iv):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": iv.Error(), "code": "invariant_violation"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
}

func forceStart(readiness *services.ReadinessService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := readiness.ForceStart(c.Context(), c.Params("id")); err != nil {
			return adminError(c, err)
		}
		return c.JSON(fiber.Map{"message": "game force-started"})
	}
}

func resetMatch(battle *services.BattleService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := battle.ResetMatch(c.Context(), c.Params("id")); err != nil {
			return adminError(c, err)
		}
		return c.JSON(fiber.Map{"message": "match reset to waiting"})
	}
}

func scoreboard(battle *services.BattleService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		scores, err := battle.Scoreboard(c.Context(), c.Params("id"))
		if err != nil {
			return adminError(c, err)
		}
		return c.JSON(fiber.Map{"scores": scores})
	}
}
