package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch <-chan ChangeEvent, within time.Duration) ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(within):
		t.Fatalf("timed out waiting for change event")
		return ChangeEvent{} // unreachable
	}
}

func recvNoEvent(t *testing.T, ch <-chan ChangeEvent, within time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("expected no event within %v, got %+v", within, ev)
		}
	case <-time.After(within):
	}
}

func TestUpsertCreatesThenPatches(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.UpsertTeam(ctx, "t1", Patch{"letter": "A"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.UpsertTeam(ctx, "t1", Patch{"is_ready": true}); err != nil {
		t.Fatalf("patch: %v", err)
	}

	rows, err := s.QueryTeams(ctx, Filter{Where: map[string]any{"id": "t1"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(rows))
	}
	if rows[0].Letter != "A" || !rows[0].IsReady {
		t.Fatalf("patch lost data: %+v", rows[0])
	}
}

func TestQueryOrderAndLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"g1", "g2", "g3"} {
		if err := s.UpsertGame(ctx, id, Patch{"status": "waiting"}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
		time.Sleep(2 * time.Millisecond) // distinct created_at
	}

	rows, err := s.QueryGames(ctx, Filter{
		Where:   map[string]any{"status": "waiting"},
		OrderBy: "created_at ASC",
		Limit:   1,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "g1" {
		t.Fatalf("oldest-first limit 1 should return g1, got %+v", rows)
	}

	rows, err = s.QueryGames(ctx, Filter{OrderBy: "created_at DESC", Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "g3" {
		t.Fatalf("newest-first limit 1 should return g3, got %+v", rows)
	}
}

func TestNilPointerColumnsInFilterAndPatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.UpsertGame(ctx, "g1", Patch{"status": "in_progress", "current_team_id": "t1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.UpsertGame(ctx, "g1", Patch{"current_team_id": nil}); err != nil {
		t.Fatalf("clear: %v", err)
	}

	rows, err := s.QueryGames(ctx, Filter{Where: map[string]any{"id": "g1"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rows[0].CurrentTeamID != nil {
		t.Fatalf("current_team_id not cleared: %v", *rows[0].CurrentTeamID)
	}
}

func TestSubscribeDeliversAndFiltersTables(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, stop := s.Subscribe(ctx, TableGames)
	defer stop()

	if err := s.UpsertTeam(ctx, "t1", Patch{"letter": "A"}); err != nil {
		t.Fatalf("team write: %v", err)
	}
	if err := s.UpsertGame(ctx, "g1", Patch{"status": "waiting"}); err != nil {
		t.Fatalf("game write: %v", err)
	}

	ev := recvEvent(t, events, time.Second)
	if ev.Table != TableGames || ev.RowID != "g1" || ev.Kind != EventInsert {
		t.Fatalf("unexpected event: %+v", ev)
	}
	recvNoEvent(t, events, 50*time.Millisecond)
}

func TestDuplicateAndDroppedDelivery(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, stop := s.Subscribe(ctx)
	defer stop()

	s.DuplicateEvents = true
	if err := s.UpsertGame(ctx, "g1", Patch{"status": "waiting"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	first := recvEvent(t, events, time.Second)
	second := recvEvent(t, events, time.Second)
	if first != second {
		t.Fatalf("duplicate delivery should repeat the event: %+v vs %+v", first, second)
	}

	s.DuplicateEvents = false
	s.DropEvents = true
	if err := s.UpsertGame(ctx, "g1", Patch{"status": "in_progress"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	recvNoEvent(t, events, 50*time.Millisecond)
}

func TestFailNextWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.FailNextWrites(1)
	err := s.UpsertTeam(ctx, "t1", Patch{"letter": "A"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := s.UpsertTeam(ctx, "t1", Patch{"letter": "A"}); err != nil {
		t.Fatalf("write after failure window: %v", err)
	}
	if s.Writes() != 1 {
		t.Fatalf("failed write must not count, Writes = %d", s.Writes())
	}
}

func TestDeleteParticipantsEmitsDeleteEvents(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.UpsertParticipant(ctx, "p1", Patch{"game_id": "g1", "team_id": "t1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	events, stop := s.Subscribe(ctx, TableParticipants)
	defer stop()

	if err := s.DeleteParticipants(ctx, Filter{Where: map[string]any{"game_id": "g1"}}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ev := recvEvent(t, events, time.Second)
	if ev.Kind != EventDelete || ev.RowID != "p1" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	rows, err := s.QueryParticipants(ctx, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("participants not deleted: %d rows remain", len(rows))
	}
}
