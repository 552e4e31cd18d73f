package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"sea-battle-system/board"
	"sea-battle-system/models"
	"sea-battle-system/store"
)

// BattleService applies shots and computes sinking and victory. Incoming
// hits live on the target's own participant row: each board carries the
// ledger of shots received against it.
type BattleService struct {
	Store store.Store
}

func NewBattleService(st store.Store) *BattleService {
	return &BattleService{Store: st}
}

// ShotResult is what the UI needs after a shot resolves.
type ShotResult struct {
	IsHit          bool   `json:"is_hit"`
	ShipsSunk      int    `json:"ships_sunk"` // opponent ships the attacker has now sunk
	FleetDestroyed bool   `json:"fleet_destroyed"`
	WinnerTeamID   string `json:"winner_team_id,omitempty"`
}

// SideScore is the derived tally for one side. Never stored, always
// recomputed from the two boards.
type SideScore struct {
	TeamID     string `json:"team_id"`
	HitsLanded int    `json:"hits_landed"`
	HitsTaken  int    `json:"hits_taken"`
	ShipsSunk  int    `json:"ships_sunk"` // opponent ships this side has sunk
	ShipsLost  int    `json:"ships_lost"`
}

// FireShot applies the attacker's shot at (x,y) to the opponent's board,
// persists the grown hit ledger, and completes the game when the opponent's
// fleet is destroyed. Re-firing at a cell returns board.ErrDuplicateShot
// with no state change.
func (s *BattleService) FireShot(ctx context.Context, gameID, attackerTeamID string, x, y int) (ShotResult, error) {
	games, err := s.Store.QueryGames(ctx, store.Filter{Where: map[string]any{"id": gameID}, Limit: 1})
	if err != nil {
		return ShotResult{}, err
	}
	if len(games) == 0 {
		return ShotResult{}, ErrGameNotFound
	}
	game := games[0]

	switch game.Status {
	case models.GameStatusWaiting:
		return ShotResult{}, ErrGameNotStarted
	case models.GameStatusCompleted:
		return ShotResult{}, ErrGameCompleted
	}
	if game.CurrentTeamID != nil && *game.CurrentTeamID != attackerTeamID {
		return ShotResult{}, ErrNotYourTurn
	}

	opponent, err := s.opponentOf(ctx, gameID, attackerTeamID)
	if err != nil {
		return ShotResult{}, err
	}

	oppBoard, err := board.Decode(opponent.BoardJSON)
	if err != nil {
		return ShotResult{}, &InvariantViolationError{GameID: gameID, Reason: err.Error()}
	}

	newBoard, hit, err := board.ApplyShot(oppBoard, x, y)
	if err != nil {
		return ShotResult{}, err
	}

	raw, err := board.Encode(newBoard)
	if err != nil {
		return ShotResult{}, err
	}
	if err := s.Store.UpsertParticipant(ctx, opponent.ID, store.Patch{"board_state": raw}); err != nil {
		return ShotResult{}, err
	}

	res := ShotResult{IsHit: hit.IsHit, ShipsSunk: board.CountSunk(newBoard)}

	if board.IsFleetDestroyed(newBoard) {
		res.FleetDestroyed = true
		res.WinnerTeamID = attackerTeamID
		if err := s.completeGame(ctx, gameID, attackerTeamID); err != nil {
			return res, err
		}
		return res, nil
	}

	// Pass the turn.
	if err := s.Store.UpsertGame(ctx, gameID, store.Patch{"current_team_id": opponent.TeamID}); err != nil {
		return res, err
	}
	return res, nil
}

// opponentOf resolves the other of exactly two participant rows.
func (s *BattleService) opponentOf(ctx context.Context, gameID, teamID string) (models.GameParticipant, error) {
	parts, err := s.Store.QueryParticipants(ctx, store.Filter{
		Where:   map[string]any{"game_id": gameID},
		OrderBy: "created_at ASC",
	})
	if err != nil {
		return models.GameParticipant{}, err
	}
	if len(parts) != 2 {
		return models.GameParticipant{}, &InvariantViolationError{
			GameID: gameID,
			Reason: fmt.Sprintf("expected 2 participants, found %d", len(parts)),
		}
	}
	var opponent models.GameParticipant
	attackerFound := false
	for _, p := range parts {
		if p.TeamID == teamID {
			attackerFound = true
		} else {
			opponent = p
		}
	}
	if !attackerFound {
		return models.GameParticipant{}, fmt.Errorf("team %s is not a participant of game %s: %w", teamID, gameID, ErrTeamNotFound)
	}
	if opponent.ID == "" {
		return models.GameParticipant{}, &InvariantViolationError{
			GameID: gameID,
			Reason: fmt.Sprintf("no opponent row for team %s", teamID),
		}
	}
	return opponent, nil
}

// completeGame records the winner at most effectively once. Re-recording the
// same winner is harmless; a different winner is ErrStaleWinner and the
// existing record stands.
func (s *BattleService) completeGame(ctx context.Context, gameID, winnerTeamID string) error {
	games, err := s.Store.QueryGames(ctx, store.Filter{Where: map[string]any{"id": gameID}, Limit: 1})
	if err != nil {
		return err
	}
	if len(games) == 0 {
		return ErrGameNotFound
	}
	game := games[0]

	if game.Status == models.GameStatusCompleted {
		if game.WinnerTeamID != nil && *game.WinnerTeamID != winnerTeamID {
			return fmt.Errorf("%w: game %s has winner %s, refusing %s", ErrStaleWinner, gameID, *game.WinnerTeamID, winnerTeamID)
		}
		return nil
	}

	patch := store.Patch{
		"status":          models.GameStatusCompleted,
		"winner_team_id":  winnerTeamID,
		"current_team_id": nil,
	}
	if err := s.Store.UpsertGame(ctx, gameID, patch); err != nil {
		return err
	}
	log.Printf("🏁 [Battle] game %s completed, winner %s", gameID, winnerTeamID)
	return nil
}

// CompleteIfDestroyed is the reconciler's repair hook: if a board in an
// in_progress game is already fully sunk but the game never got its
// completion write (partial write, crashed client), finish it now.
func (s *BattleService) CompleteIfDestroyed(ctx context.Context, gameID string) error {
	games, err := s.Store.QueryGames(ctx, store.Filter{Where: map[string]any{"id": gameID}, Limit: 1})
	if err != nil {
		return err
	}
	if len(games) == 0 || games[0].Status != models.GameStatusInProgress {
		return nil
	}

	parts, err := s.Store.QueryParticipants(ctx, store.Filter{Where: map[string]any{"game_id": gameID}})
	if err != nil {
		return err
	}
	if len(parts) != 2 {
		return &InvariantViolationError{GameID: gameID, Reason: fmt.Sprintf("in_progress game has %d participants", len(parts))}
	}

	destroyed := -1
	for i, p := range parts {
		b, err := board.Decode(p.BoardJSON)
		if err != nil {
			return &InvariantViolationError{GameID: gameID, Reason: err.Error()}
		}
		if board.IsFleetDestroyed(b) {
			if destroyed >= 0 {
				return &InvariantViolationError{GameID: gameID, Reason: "both fleets destroyed"}
			}
			destroyed = i
		}
	}
	if destroyed < 0 {
		return nil
	}

	winner := parts[1-destroyed].TeamID
	return s.completeGame(ctx, gameID, winner)
}

// Scoreboard derives both sides' tallies from the two boards.
func (s *BattleService) Scoreboard(ctx context.Context, gameID string) ([]SideScore, error) {
	parts, err := s.Store.QueryParticipants(ctx, store.Filter{
		Where:   map[string]any{"game_id": gameID},
		OrderBy: "created_at ASC",
	})
	if err != nil {
		return nil, err
	}
	if len(parts) != 2 {
		return nil, &InvariantViolationError{GameID: gameID, Reason: fmt.Sprintf("expected 2 participants, found %d", len(parts))}
	}

	boards := make([]board.State, 2)
	for i, p := range parts {
		b, err := board.Decode(p.BoardJSON)
		if err != nil {
			return nil, &InvariantViolationError{GameID: gameID, Reason: err.Error()}
		}
		boards[i] = b
	}

	scores := make([]SideScore, 2)
	for i, p := range parts {
		own, opp := boards[i], boards[1-i]
		scores[i] = SideScore{
			TeamID:     p.TeamID,
			HitsLanded: board.HitsTaken(opp),
			HitsTaken:  board.HitsTaken(own),
			ShipsSunk:  board.CountSunk(opp),
			ShipsLost:  board.CountSunk(own),
		}
	}
	return scores, nil
}

// ResetMatch returns the game to waiting: boards emptied, hit ledgers
// cleared, ready flags dropped, winner cleared. Administrative only.
func (s *BattleService) ResetMatch(ctx context.Context, gameID string) error {
	games, err := s.Store.QueryGames(ctx, store.Filter{Where: map[string]any{"id": gameID}, Limit: 1})
	if err != nil {
		return err
	}
	if len(games) == 0 {
		return ErrGameNotFound
	}

	parts, err := s.Store.QueryParticipants(ctx, store.Filter{Where: map[string]any{"game_id": gameID}})
	if err != nil {
		return err
	}

	empty, err := board.Encode(board.Empty())
	if err != nil {
		return err
	}
	for _, p := range parts {
		if err := s.Store.UpsertParticipant(ctx, p.ID, store.Patch{"board_state": empty}); err != nil {
			return err
		}
		if err := s.Store.UpsertTeam(ctx, p.TeamID, store.Patch{"is_ready": false}); err != nil {
			return err
		}
	}

	patch := store.Patch{
		"status":          models.GameStatusWaiting,
		"winner_team_id":  nil,
		"current_team_id": nil,
	}
	if err := s.Store.UpsertGame(ctx, gameID, patch); err != nil {
		return err
	}
	log.Printf("🔄 [Battle] game %s reset to waiting", gameID)
	return nil
}

// IsExpectedShotError reports whether err is a locally-recoverable gameplay
// error (invalid placement, duplicate shot, out of turn) as opposed to a
// store failure.
func IsExpectedShotError(err error) bool {
	return errors.Is(err, board.ErrDuplicateShot) ||
		errors.Is(err, board.ErrShotOutOfBounds) ||
		errors.Is(err, board.ErrPlacementInvalid) ||
		errors.Is(err, ErrNotYourTurn)
}
