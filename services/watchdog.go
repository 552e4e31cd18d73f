package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"sea-battle-system/board"
	"sea-battle-system/models"
	"sea-battle-system/store"
)

// StartStuckMatchWatchdog scans periodically for games stuck in waiting:
// two placement-complete participants, yet no start after stuckAfter. The
// escalation is a log line pointing the operator at the force-start
// endpoint; the watchdog never force-starts anything itself.
func (s *ReadinessService) StartStuckMatchWatchdog(interval, stuckAfter time.Duration) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Printf("[Watchdog] ❌ failed to create scheduler: %v", err)
		return
	}
	sched.Start()

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			s.scanStuckMatches(ctx, stuckAfter)
		}),
	)
	if err != nil {
		log.Printf("[Watchdog] ❌ failed to schedule stuck-match scan: %v", err)
	}
}

func (s *ReadinessService) scanStuckMatches(ctx context.Context, stuckAfter time.Duration) {
	waiting, err := s.Store.QueryGames(ctx, store.Filter{
		Where:   map[string]any{"status": models.GameStatusWaiting},
		OrderBy: "created_at ASC",
	})
	if err != nil {
		log.Printf("[Watchdog] ⚠️ scan failed: %v", err)
		return
	}

	cutoff := time.Now().UTC().Add(-stuckAfter)
	for _, g := range waiting {
		if g.UpdatedAt.After(cutoff) {
			continue
		}
		view, err := s.snapshot(ctx, g.ID)
		if err != nil {
			log.Printf("[Watchdog] ⚠️ could not inspect game %s: %v", g.ID, err)
			continue
		}
		if len(view.Participants) != 2 {
			continue
		}
		complete := true
		for _, p := range view.Participants {
			if !board.PlacementComplete(view.Boards[p.TeamID]) {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}
		log.Printf("🚨 [Watchdog] game %s stuck in waiting since %s with both fleets placed, operator force-start available (POST /admin/games/%s/force-start)",
			g.ID, g.UpdatedAt.Format(time.RFC3339), g.ID)
	}
}
