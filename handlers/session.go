package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"sea-battle-system/board"
	"sea-battle-system/services"
	"sea-battle-system/store"
)

// SetupSessionRoutes wires the gameplay surface. These are the UI-facing
// operations; none of them can reach the administrative overrides.
func SetupSessionRoutes(app *fiber.App, sessions *services.SessionService) {
	app.Post("/teams/join", joinTeam(sessions))
	app.Delete("/teams/:letter/session", leave(sessions))
	app.Get("/teams/:letter/state", snapshot(sessions))
	app.Get("/teams/:letter/events", streamEvents(sessions))
	app.Post("/teams/:letter/ships", placeShip(sessions))
	app.Post("/teams/:letter/ready", declareReady(sessions))
	app.Delete("/teams/:letter/ready", retractReady(sessions))
	app.Post("/teams/:letter/fire", fireShot(sessions))
}

// gameplayError maps coordinator errors onto HTTP statuses. Expected
// gameplay conditions are 4xx with a machine-readable code; transient store
// trouble is 503 so the client retries.
func gameplayError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, board.ErrPlacementInvalid):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error(), "code": "placement_invalid"})
	case errors.Is(err, board.ErrShotOutOfBounds):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error(), "code": "shot_out_of_bounds"})
	case errors.Is(err, board.ErrDuplicateShot):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error(), "code": "duplicate_shot"})
	case errors.Is(err, services.ErrNotYourTurn):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error(), "code": "not_your_turn"})
	case errors.Is(err, services.ErrGameNotStarted), errors.Is(err, services.ErrGameAlreadyStarted), errors.Is(err, services.ErrGameCompleted):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error(), "code": "wrong_phase"})
	case errors.Is(err, services.ErrGameNotFound), errors.Is(err, services.ErrTeamNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, store.ErrUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "shared store unavailable, retry shortly"})
	default:
		log.Printf("❌ [HTTP] %s %s: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}

func joinTeam(sessions *services.SessionService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req struct {
			Letter string `json:"letter"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
		}

		sess, err := sessions.Join(c.Context(), req.Letter)
		if err != nil {
			return gameplayError(c, err)
		}
		return c.JSON(fiber.Map{
			"team_id": sess.Team.ID,
			"letter":  sess.Team.Letter,
			"game_id": sess.GameID,
		})
	}
}

func leave(sessions *services.SessionService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sessions.Leave(c.Params("letter"))
		return c.JSON(fiber.Map{"message": "session closed"})
	}
}

func snapshot(sessions *services.SessionService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		snap, err := sessions.Snapshot(c.Context(), c.Params("letter"))
		if err != nil {
			return gameplayError(c, err)
		}
		return c.JSON(snap)
	}
}

func placeShip(sessions *services.SessionService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req struct {
			ShipID   string `json:"ship_id"`
			X        int    `json:"x"`
			Y        int    `json:"y"`
			Vertical bool   `json:"vertical"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
		}

		if err := sessions.PlaceShip(c.Context(), c.Params("letter"), req.ShipID, req.X, req.Y, req.Vertical); err != nil {
			return gameplayError(c, err)
		}
		return c.JSON(fiber.Map{"message": "ship placed"})
	}
}

func declareReady(sessions *services.SessionService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := sessions.DeclareReady(c.Context(), c.Params("letter")); err != nil {
			return gameplayError(c, err)
		}
		return c.JSON(fiber.Map{"message": "ready declared"})
	}
}

func retractReady(sessions *services.SessionService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := sessions.RetractReady(c.Context(), c.Params("letter")); err != nil {
			return gameplayError(c, err)
		}
		return c.JSON(fiber.Map{"message": "ready retracted"})
	}
}

func fireShot(sessions *services.SessionService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req struct {
			X int `json:"x"`
			Y int `json:"y"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
		}

		res, err := sessions.FireShot(c.Context(), c.Params("letter"), req.X, req.Y)
		if err != nil {
			return gameplayError(c, err)
		}
		return c.JSON(res)
	}
}

// streamEvents streams GameStateChanged notifications over SSE so the UI can
// re-render. Events carry no payload beyond the game id; the client
// re-fetches the snapshot, which keeps opponent ship positions server-side.
func streamEvents(sessions *services.SessionService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		letter := c.Params("letter")
		sess, ok := sessions.Get(letter)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no active session for team " + letter})
		}

		// SSE headers
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("X-Accel-Buffering", "no") // nginx

		events, cancel := sess.Subscribe()

		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			defer cancel()

			keepalive := time.NewTicker(15 * time.Second)
			defer keepalive.Stop()

			// Initial keepalive (comment event)
			w.WriteString(":\n\n")
			if err := w.Flush(); err != nil {
				return
			}

			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					payload, _ := json.Marshal(ev)
					fmt.Fprintf(w, "event: game_state_changed\ndata: %s\n\n", payload)
					if err := w.Flush(); err != nil {
						// Client disconnected
						return
					}
				case <-keepalive.C:
					w.WriteString(":\n\n")
					if err := w.Flush(); err != nil {
						return
					}
				case <-c.Context().Done():
					return
				}
			}
		})

		return nil
	}
}
