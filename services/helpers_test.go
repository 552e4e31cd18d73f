package services

import (
	"context"
	"testing"

	"sea-battle-system/board"
	"sea-battle-system/models"
	"sea-battle-system/store"
)

// completeBoard returns an encoded board with the full fleet at fixed cells.
func completeBoard(t *testing.T) string {
	t.Helper()
	s := board.Empty()
	var err error
	if s, err = board.ApplyPlacement(s, "patrol-1", 0, 0, 2, true); err != nil {
		t.Fatalf("place patrol-1: %v", err)
	}
	if s, err = board.ApplyPlacement(s, "patrol-2", 4, 0, 2, true); err != nil {
		t.Fatalf("place patrol-2: %v", err)
	}
	if s, err = board.ApplyPlacement(s, "cruiser", 2, 2, 3, true); err != nil {
		t.Fatalf("place cruiser: %v", err)
	}
	raw, err := board.Encode(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

// seedMatch joins teams A and B into one game with fully placed boards.
// Neither team has declared ready.
func seedMatch(t *testing.T, st *store.MemoryStore) (a, b models.Team, gameID string) {
	t.Helper()
	ctx := context.Background()
	teams := NewTeamService(st)
	mm := NewMatchmakingService(st)

	a, err := teams.JoinTeam(ctx, "A")
	if err != nil {
		t.Fatalf("join A: %v", err)
	}
	b, err = teams.JoinTeam(ctx, "B")
	if err != nil {
		t.Fatalf("join B: %v", err)
	}

	gameID, err = mm.FindOrCreateGame(ctx, a.ID)
	if err != nil {
		t.Fatalf("matchmaking A: %v", err)
	}
	if gb, err := mm.FindOrCreateGame(ctx, b.ID); err != nil || gb != gameID {
		t.Fatalf("matchmaking B: game %s err %v", gb, err)
	}

	raw := completeBoard(t)
	parts, err := st.QueryParticipants(ctx, store.Filter{Where: map[string]any{"game_id": gameID}})
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	for _, p := range parts {
		if err := st.UpsertParticipant(ctx, p.ID, store.Patch{"board_state": raw}); err != nil {
			t.Fatalf("seed board: %v", err)
		}
	}
	return a, b, gameID
}

func gameStatus(t *testing.T, st *store.MemoryStore, gameID string) models.Game {
	t.Helper()
	rows, err := st.QueryGames(context.Background(), store.Filter{Where: map[string]any{"id": gameID}, Limit: 1})
	if err != nil {
		t.Fatalf("query game: %v", err)
	}
	if len(rows) == 0 {
		t.Fatalf("game %s missing", gameID)
	}
	return rows[0]
}
