package services

import (
	"context"
	"log"

	"github.com/google/uuid"

	"sea-battle-system/board"
	"sea-battle-system/models"
	"sea-battle-system/store"
)

// MatchmakingService pairs two teams into a game and ensures each team has
// exactly one participant row in it. Every operation here is safe to call
// redundantly and concurrently from both teams' clients: duplicate creates
// are resolved by preferring the oldest matching row, and participant rows
// are upserted by (game_id, team_id).
type MatchmakingService struct {
	Store store.Store
}

func NewMatchmakingService(st store.Store) *MatchmakingService {
	return &MatchmakingService{Store: st}
}

// FindOrCreateGame resolves the game this team plays in:
//  1. an existing participant row with a live game wins (idempotent re-entry),
//  2. else join a waiting game that has exactly one foreign participant,
//  3. else join a waiting game with zero participants,
//  4. else create a fresh waiting game,
//
// and finally upsert this team's participant row in the chosen game.
func (s *MatchmakingService) FindOrCreateGame(ctx context.Context, teamID string) (string, error) {
	recent, err := s.Store.QueryParticipants(ctx, store.Filter{
		Where:   map[string]any{"team_id": teamID},
		OrderBy: "created_at DESC",
		Limit:   1,
	})
	if err != nil {
		return "", err
	}
	if len(recent) > 0 && recent[0].GameID != "" {
		games, err := s.Store.QueryGames(ctx, store.Filter{
			Where: map[string]any{"id": recent[0].GameID},
			Limit: 1,
		})
		if err != nil {
			return "", err
		}
		if len(games) > 0 {
			return games[0].ID, nil
		}
		// Stale row: its game is gone. Fall through and re-home it below.
		log.Printf("[Matchmaking] ⚠️ participant %s points at missing game %s, re-homing", recent[0].ID, recent[0].GameID)
	}

	gameID, err := s.pickWaitingGame(ctx, teamID)
	if err != nil {
		return "", err
	}
	if gameID == "" {
		gameID = uuid.NewString()
		if err := s.Store.UpsertGame(ctx, gameID, store.Patch{"status": models.GameStatusWaiting}); err != nil {
			return "", err
		}
		log.Printf("[Matchmaking] created game %s for team %s", gameID, teamID)
	}

	if _, err := s.EnsureParticipant(ctx, gameID, teamID); err != nil {
		return "", err
	}
	return gameID, nil
}

// pickWaitingGame scans waiting games oldest-first, preferring one whose
// single participant is this team's deterministic partner (A↔B, C↔D, …) or
// this team itself (half-joined re-entry), then one with no participants.
// Returns "" when no waiting game fits.
func (s *MatchmakingService) pickWaitingGame(ctx context.Context, teamID string) (string, error) {
	partnerID, err := s.partnerTeamID(ctx, teamID)
	if err != nil {
		return "", err
	}

	waiting, err := s.Store.QueryGames(ctx, store.Filter{
		Where:   map[string]any{"status": models.GameStatusWaiting},
		OrderBy: "created_at ASC",
	})
	if err != nil {
		return "", err
	}

	empty := ""
	for _, g := range waiting {
		parts, err := s.Store.QueryParticipants(ctx, store.Filter{Where: map[string]any{"game_id": g.ID}})
		if err != nil {
			return "", err
		}
		switch len(parts) {
		case 1:
			if parts[0].TeamID == teamID || (partnerID != "" && parts[0].TeamID == partnerID) {
				return g.ID, nil
			}
		case 0:
			if empty == "" {
				empty = g.ID
			}
		}
	}
	return empty, nil
}

// partnerTeamID resolves the paired team's id, or "" if the partner has not
// joined yet.
func (s *MatchmakingService) partnerTeamID(ctx context.Context, teamID string) (string, error) {
	own, err := s.Store.QueryTeams(ctx, store.Filter{Where: map[string]any{"id": teamID}, Limit: 1})
	if err != nil {
		return "", err
	}
	if len(own) == 0 {
		return "", nil
	}
	partner, err := s.Store.QueryTeams(ctx, store.Filter{
		Where:   map[string]any{"letter": own[0].PartnerLetter()},
		OrderBy: "created_at ASC",
		Limit:   1,
	})
	if err != nil {
		return "", err
	}
	if len(partner) == 0 {
		return "", nil
	}
	return partner[0].ID, nil
}

// EnsureParticipant upserts the (game, team) participant row. An existing row
// is left untouched (oldest preferred when a create race produced two); a
// stale row from a vanished game is re-homed onto this game with a fresh
// board; otherwise a new row with an empty board is created.
func (s *MatchmakingService) EnsureParticipant(ctx context.Context, gameID, teamID string) (models.GameParticipant, error) {
	rows, err := s.Store.QueryParticipants(ctx, store.Filter{
		Where:   map[string]any{"game_id": gameID, "team_id": teamID},
		OrderBy: "created_at ASC",
		Limit:   1,
	})
	if err != nil {
		return models.GameParticipant{}, err
	}
	if len(rows) > 0 {
		return rows[0], nil
	}

	emptyBoard, err := board.Encode(board.Empty())
	if err != nil {
		return models.GameParticipant{}, err
	}

	// Re-home a stale row rather than leaving it orphaned.
	stale, err := s.Store.QueryParticipants(ctx, store.Filter{
		Where:   map[string]any{"team_id": teamID},
		OrderBy: "created_at DESC",
		Limit:   1,
	})
	if err != nil {
		return models.GameParticipant{}, err
	}
	id := uuid.NewString()
	if len(stale) > 0 {
		games, err := s.Store.QueryGames(ctx, store.Filter{Where: map[string]any{"id": stale[0].GameID}, Limit: 1})
		if err != nil {
			return models.GameParticipant{}, err
		}
		if len(games) == 0 {
			id = stale[0].ID
		}
	}

	patch := store.Patch{"game_id": gameID, "team_id": teamID, "board_state": emptyBoard}
	if err := s.Store.UpsertParticipant(ctx, id, patch); err != nil {
		return models.GameParticipant{}, err
	}

	// Prefer the oldest row if both clients raced the create.
	rows, err = s.Store.QueryParticipants(ctx, store.Filter{
		Where:   map[string]any{"game_id": gameID, "team_id": teamID},
		OrderBy: "created_at ASC",
		Limit:   1,
	})
	if err != nil {
		return models.GameParticipant{}, err
	}
	if len(rows) == 0 {
		return models.GameParticipant{}, store.ErrUnavailable
	}
	return rows[0], nil
}
