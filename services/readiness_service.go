package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"sea-battle-system/board"
	"sea-battle-system/models"
	"sea-battle-system/store"
)

// ReadinessService runs the rendezvous that gates the waiting→in_progress
// transition: both participants present, both fleets fully placed, both
// is_ready flags set, observed in one coherent read and re-verified before
// commit. The transition itself is idempotent, so whichever client observes
// the condition first performs it and the other's attempt is a no-op.
type ReadinessService struct {
	Store store.Store

	// Bounded retry policy for write-verification of the own ready flag.
	RetryAttempts int
	RetryBackoff  time.Duration
}

func NewReadinessService(st store.Store) *ReadinessService {
	return &ReadinessService{
		Store:         st,
		RetryAttempts: 3,
		RetryBackoff:  200 * time.Millisecond,
	}
}

// rendezvousView is one close-together read of everything the rendezvous
// depends on. Boards that fail validation decode as empty (not
// placement-complete) and are reported in Violations for the reconciler.
type rendezvousView struct {
	Game         models.Game
	Participants []models.GameParticipant
	Teams        map[string]models.Team  // by team id
	Boards       map[string]board.State  // by team id
	Violations   []string
}

func (v rendezvousView) bothReady() bool {
	if len(v.Participants) != 2 {
		return false
	}
	for _, p := range v.Participants {
		if !board.PlacementComplete(v.Boards[p.TeamID]) {
			return false
		}
		t, ok := v.Teams[p.TeamID]
		if !ok || !t.IsReady {
			return false
		}
	}
	return true
}

// firstTeamID picks the opening turn deterministically: the lower letter.
func (v rendezvousView) firstTeamID() string {
	first := ""
	letter := ""
	for _, p := range v.Participants {
		t := v.Teams[p.TeamID]
		if first == "" || t.Letter < letter {
			first = p.TeamID
			letter = t.Letter
		}
	}
	return first
}

func (s *ReadinessService) snapshot(ctx context.Context, gameID string) (rendezvousView, error) {
	view := rendezvousView{
		Teams:  make(map[string]models.Team),
		Boards: make(map[string]board.State),
	}

	games, err := s.Store.QueryGames(ctx, store.Filter{Where: map[string]any{"id": gameID}, Limit: 1})
	if err != nil {
		return view, err
	}
	if len(games) == 0 {
		return view, ErrGameNotFound
	}
	view.Game = games[0]

	view.Participants, err = s.Store.QueryParticipants(ctx, store.Filter{
		Where:   map[string]any{"game_id": gameID},
		OrderBy: "created_at ASC",
	})
	if err != nil {
		return view, err
	}

	for _, p := range view.Participants {
		teams, err := s.Store.QueryTeams(ctx, store.Filter{Where: map[string]any{"id": p.TeamID}, Limit: 1})
		if err != nil {
			return view, err
		}
		if len(teams) > 0 {
			view.Teams[p.TeamID] = teams[0]
		} else {
			view.Violations = append(view.Violations, fmt.Sprintf("participant %s references missing team %s", p.ID, p.TeamID))
		}

		b, err := board.Decode(p.BoardJSON)
		if err != nil {
			view.Violations = append(view.Violations, fmt.Sprintf("participant %s board: %v", p.ID, err))
			b = board.Empty()
		}
		view.Boards[p.TeamID] = b
	}
	return view, nil
}

// TryStart transitions the game to in_progress when the rendezvous condition
// holds. Returns true only when this call performed the transition. Calling
// it on an already started or completed game is a no-op, not an error.
func (s *ReadinessService) TryStart(ctx context.Context, gameID string) (bool, error) {
	view, err := s.snapshot(ctx, gameID)
	if err != nil {
		return false, err
	}
	if view.Game.Status != models.GameStatusWaiting || !view.bothReady() {
		return false, nil
	}

	// The store gives no isolation between the reads above, so re-verify the
	// whole condition immediately before committing.
	view, err = s.snapshot(ctx, gameID)
	if err != nil {
		return false, err
	}
	if view.Game.Status != models.GameStatusWaiting || !view.bothReady() {
		return false, nil
	}

	patch := store.Patch{
		"status":          models.GameStatusInProgress,
		"current_team_id": view.firstTeamID(),
	}
	if err := s.Store.UpsertGame(ctx, gameID, patch); err != nil {
		return false, err
	}
	log.Printf("✅ [Rendezvous] game %s started, first turn %s", gameID, view.firstTeamID())
	return true, nil
}

// DeclareReady sets the team's ready flag with write-verification. The flag
// being visible to the writer does not mean it is visible to the partner's
// client yet, so the reconciler re-asserts it via ReassertReady until it
// reads back true.
func (s *ReadinessService) DeclareReady(ctx context.Context, teamID string) error {
	return s.ReassertReady(ctx, teamID)
}

// ReassertReady writes is_ready=true and confirms the write took effect,
// retrying a bounded number of times with a short fixed backoff.
func (s *ReadinessService) ReassertReady(ctx context.Context, teamID string) error {
	var lastErr error
	for attempt := 1; attempt <= s.RetryAttempts; attempt++ {
		if err := s.Store.UpsertTeam(ctx, teamID, store.Patch{"is_ready": true}); err != nil {
			lastErr = err
		} else {
			rows, err := s.Store.QueryTeams(ctx, store.Filter{Where: map[string]any{"id": teamID}, Limit: 1})
			if err != nil {
				lastErr = err
			} else if len(rows) > 0 && rows[0].IsReady {
				return nil
			} else {
				lastErr = fmt.Errorf("ready flag for team %s not visible yet", teamID)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.RetryBackoff):
		}
	}
	return fmt.Errorf("could not assert readiness for team %s after %d attempts: %w", teamID, s.RetryAttempts, lastErr)
}

// RetractReady clears the ready flag. Only valid before the game is
// in_progress.
func (s *ReadinessService) RetractReady(ctx context.Context, teamID string) error {
	recent, err := s.Store.QueryParticipants(ctx, store.Filter{
		Where:   map[string]any{"team_id": teamID},
		OrderBy: "created_at DESC",
		Limit:   1,
	})
	if err != nil {
		return err
	}
	if len(recent) > 0 {
		games, err := s.Store.QueryGames(ctx, store.Filter{Where: map[string]any{"id": recent[0].GameID}, Limit: 1})
		if err != nil {
			return err
		}
		if len(games) > 0 && games[0].Status != models.GameStatusWaiting {
			return fmt.Errorf("cannot retract readiness: %w", ErrGameAlreadyStarted)
		}
	}
	return s.Store.UpsertTeam(ctx, teamID, store.Patch{"is_ready": false})
}

// ForceStart is the administrative recovery path for a stuck rendezvous: it
// bypasses the is_ready flags but still demands two placement-complete
// participants. Never invoked automatically.
func (s *ReadinessService) ForceStart(ctx context.Context, gameID string) error {
	view, err := s.snapshot(ctx, gameID)
	if err != nil {
		return err
	}
	if view.Game.Status != models.GameStatusWaiting {
		return nil
	}
	if len(view.Participants) != 2 {
		return &InvariantViolationError{GameID: gameID, Reason: fmt.Sprintf("force start needs 2 participants, found %d", len(view.Participants))}
	}
	for _, p := range view.Participants {
		if !board.PlacementComplete(view.Boards[p.TeamID]) {
			return &InvariantViolationError{GameID: gameID, Reason: fmt.Sprintf("team %s has incomplete placement", p.TeamID)}
		}
	}

	patch := store.Patch{
		"status":          models.GameStatusInProgress,
		"current_team_id": view.firstTeamID(),
	}
	if err := s.Store.UpsertGame(ctx, gameID, patch); err != nil {
		return err
	}
	log.Printf("⚠️ [Rendezvous] game %s FORCE-started by operator", gameID)
	return nil
}
