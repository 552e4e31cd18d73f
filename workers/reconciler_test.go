package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"sea-battle-system/models"
	"sea-battle-system/store"
)

// hookCounts records how often each repair hook fired. The loop goroutine
// calls the hooks, so all access goes through the mutex.
type hookCounts struct {
	mu       sync.Mutex
	reassert int
	ensure   int
	tryStart int
	complete int
	onChange int
}

func (h *hookCounts) snapshot() (reassert, ensure, tryStart, complete, onChange int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reassert, h.ensure, h.tryStart, h.complete, h.onChange
}

// seedMatchRows writes a waiting game with two teams and two participant rows.
func seedMatchRows(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	if err := st.UpsertTeam(ctx, "team-a", store.Patch{"letter": "A", "is_ready": false}); err != nil {
		t.Fatalf("seed team A: %v", err)
	}
	if err := st.UpsertTeam(ctx, "team-b", store.Patch{"letter": "B", "is_ready": false}); err != nil {
		t.Fatalf("seed team B: %v", err)
	}
	if err := st.UpsertGame(ctx, "game-1", store.Patch{"status": models.GameStatusWaiting}); err != nil {
		t.Fatalf("seed game: %v", err)
	}
	if err := st.UpsertParticipant(ctx, "part-a", store.Patch{"game_id": "game-1", "team_id": "team-a", "board_state": ""}); err != nil {
		t.Fatalf("seed participant A: %v", err)
	}
	if err := st.UpsertParticipant(ctx, "part-b", store.Patch{"game_id": "game-1", "team_id": "team-b", "board_state": ""}); err != nil {
		t.Fatalf("seed participant B: %v", err)
	}
}

// stubConfig builds a config for team A whose hooks only count calls. Tests
// that need a hook to actually repair state override the relevant field.
func stubConfig(st *store.MemoryStore, counts *hookCounts, readyIntent bool) ReconcilerConfig {
	return ReconcilerConfig{
		Store:       st,
		TeamID:      "team-a",
		GameID:      "game-1",
		ReadyIntent: func() bool { return readyIntent },
		ReassertReady: func(ctx context.Context) error {
			counts.mu.Lock()
			counts.reassert++
			counts.mu.Unlock()
			return nil
		},
		TryStart: func(ctx context.Context, gameID string) (bool, error) {
			counts.mu.Lock()
			counts.tryStart++
			counts.mu.Unlock()
			return false, nil
		},
		EnsureParticipant: func(ctx context.Context, gameID, teamID string) error {
			counts.mu.Lock()
			counts.ensure++
			counts.mu.Unlock()
			return nil
		},
		CompleteIfDestroyed: func(ctx context.Context, gameID string) error {
			counts.mu.Lock()
			counts.complete++
			counts.mu.Unlock()
			return nil
		},
		OnChange: func(gameID string) {
			counts.mu.Lock()
			counts.onChange++
			counts.mu.Unlock()
		},
		Debounce: 20 * time.Millisecond,
		Interval: 40 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestReconcilerInitialPass(t *testing.T) {
	st := store.NewMemoryStore()
	seedMatchRows(t, st)

	counts := &hookCounts{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	NewReconciler(stubConfig(st, counts, false)).Start(ctx)

	// A freshly started loop passes once without waiting for any trigger,
	// and the first observation always counts as a change.
	waitFor(t, time.Second, func() bool {
		_, _, tryStart, _, onChange := counts.snapshot()
		return tryStart >= 1 && onChange >= 1
	}, "initial pass")
}

func TestReconcilerReassertsLostReadyFlag(t *testing.T) {
	st := store.NewMemoryStore()
	seedMatchRows(t, st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// B's flag is already visible; A's write was lost.
	if err := st.UpsertTeam(ctx, "team-b", store.Patch{"is_ready": true}); err != nil {
		t.Fatalf("seed B ready: %v", err)
	}

	counts := &hookCounts{}
	cfg := stubConfig(st, counts, true)
	cfg.ReassertReady = func(ctx context.Context) error {
		counts.mu.Lock()
		counts.reassert++
		counts.mu.Unlock()
		return st.UpsertTeam(ctx, "team-a", store.Patch{"is_ready": true})
	}
	cfg.TryStart = func(ctx context.Context, gameID string) (bool, error) {
		teams, err := st.QueryTeams(ctx, store.Filter{})
		if err != nil {
			return false, err
		}
		for _, tm := range teams {
			if !tm.IsReady {
				return false, nil
			}
		}
		cur := "team-a"
		err = st.UpsertGame(ctx, gameID, store.Patch{
			"status":          models.GameStatusInProgress,
			"current_team_id": cur,
		})
		return err == nil, err
	}

	NewReconciler(cfg).Start(ctx)

	// The loop re-asserts A's flag and then the rendezvous completes, all
	// without any UI action.
	waitFor(t, 2*time.Second, func() bool {
		games, err := st.QueryGames(ctx, store.Filter{Where: map[string]any{"id": "game-1"}})
		return err == nil && len(games) == 1 && games[0].Status == models.GameStatusInProgress
	}, "rendezvous after flag repair")

	reassert, _, _, _, _ := counts.snapshot()
	if reassert == 0 {
		t.Fatalf("lost ready flag was never re-asserted")
	}
}

func TestReconcilerNoReassertWithoutIntent(t *testing.T) {
	st := store.NewMemoryStore()
	seedMatchRows(t, st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counts := &hookCounts{}
	NewReconciler(stubConfig(st, counts, false)).Start(ctx)

	waitFor(t, time.Second, func() bool {
		_, _, tryStart, _, _ := counts.snapshot()
		return tryStart >= 2
	}, "a couple of passes")

	// A false flag with no local intent just means "not declared yet".
	reassert, _, _, _, _ := counts.snapshot()
	if reassert != 0 {
		t.Fatalf("re-asserted readiness %d times without local intent", reassert)
	}
}

func TestReconcilerRecreatesMissingParticipant(t *testing.T) {
	st := store.NewMemoryStore()
	seedMatchRows(t, st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.DeleteParticipants(ctx, store.Filter{Where: map[string]any{"team_id": "team-a"}}); err != nil {
		t.Fatalf("drop A's row: %v", err)
	}

	counts := &hookCounts{}
	cfg := stubConfig(st, counts, false)
	cfg.EnsureParticipant = func(ctx context.Context, gameID, teamID string) error {
		counts.mu.Lock()
		counts.ensure++
		counts.mu.Unlock()
		if gameID != "game-1" || teamID != "team-a" {
			t.Errorf("repair targeted (%s,%s)", gameID, teamID)
		}
		return st.UpsertParticipant(ctx, "part-a", store.Patch{"game_id": gameID, "team_id": teamID, "board_state": ""})
	}

	NewReconciler(cfg).Start(ctx)

	waitFor(t, 2*time.Second, func() bool {
		parts, err := st.QueryParticipants(ctx, store.Filter{Where: map[string]any{"game_id": "game-1"}})
		return err == nil && len(parts) == 2
	}, "participant row recreated")
}

func TestReconcilerConvergesWithDroppedNotifications(t *testing.T) {
	st := store.NewMemoryStore()
	st.DropEvents = true
	seedMatchRows(t, st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counts := &hookCounts{}
	NewReconciler(stubConfig(st, counts, false)).Start(ctx)

	waitFor(t, time.Second, func() bool {
		_, _, _, _, onChange := counts.snapshot()
		return onChange >= 1
	}, "initial pass")
	_, _, _, _, before := counts.snapshot()

	// No notification will ever arrive for this write; only the periodic
	// backstop can observe it.
	if err := st.UpsertTeam(ctx, "team-b", store.Patch{"is_ready": true}); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, _, _, _, onChange := counts.snapshot()
		return onChange > before
	}, "periodic pass to notice the change")
}

func TestReconcilerPeriodicDedupByStateHash(t *testing.T) {
	st := store.NewMemoryStore()
	st.DropEvents = true
	seedMatchRows(t, st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counts := &hookCounts{}
	NewReconciler(stubConfig(st, counts, false)).Start(ctx)

	waitFor(t, time.Second, func() bool {
		_, _, tryStart, _, _ := counts.snapshot()
		return tryStart >= 1
	}, "initial pass")
	_, _, passesBefore, _, _ := counts.snapshot()
	writesBefore := st.Writes()

	// Several ticker intervals over unchanged state: the digest matches
	// the previous pass, so nothing repairs and nothing re-renders.
	time.Sleep(250 * time.Millisecond)

	_, _, passesAfter, _, onChange := counts.snapshot()
	if passesAfter != passesBefore {
		t.Fatalf("unchanged state still repaired: %d extra passes", passesAfter-passesBefore)
	}
	if onChange != 1 {
		t.Fatalf("OnChange fired %d times over stable state", onChange)
	}
	if st.Writes() != writesBefore {
		t.Fatalf("idle loop issued %d writes", st.Writes()-writesBefore)
	}
}

func TestReconcilerCoalescesNotificationBursts(t *testing.T) {
	st := store.NewMemoryStore()
	st.DuplicateEvents = true // at-least-once delivery, doubled
	seedMatchRows(t, st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counts := &hookCounts{}
	cfg := stubConfig(st, counts, false)
	cfg.Debounce = 60 * time.Millisecond
	cfg.Interval = 5 * time.Second // keep the ticker out of this test

	NewReconciler(cfg).Start(ctx)
	waitFor(t, time.Second, func() bool {
		_, _, tryStart, _, _ := counts.snapshot()
		return tryStart >= 1
	}, "initial pass")

	// A burst of writes, each published twice: one debounced pass total.
	for i := 0; i < 5; i++ {
		ready := i%2 == 0
		if err := st.UpsertTeam(ctx, "team-b", store.Patch{"is_ready": ready}); err != nil {
			t.Fatalf("burst write %d: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		_, _, tryStart, _, _ := counts.snapshot()
		return tryStart >= 2
	}, "debounced pass after the burst")
	time.Sleep(150 * time.Millisecond)

	_, _, tryStart, _, _ := counts.snapshot()
	if tryStart > 3 {
		t.Fatalf("burst of 10 notifications ran %d passes, want the burst coalesced", tryStart-1)
	}
}

func TestReconcilerRetriesFailedRepair(t *testing.T) {
	st := store.NewMemoryStore()
	st.DropEvents = true
	seedMatchRows(t, st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.UpsertTeam(ctx, "team-b", store.Patch{"is_ready": true}); err != nil {
		t.Fatalf("seed B ready: %v", err)
	}

	counts := &hookCounts{}
	cfg := stubConfig(st, counts, true)
	cfg.ReassertReady = func(ctx context.Context) error {
		counts.mu.Lock()
		counts.reassert++
		counts.mu.Unlock()
		return st.UpsertTeam(ctx, "team-a", store.Patch{"is_ready": true})
	}

	// The first corrective write hits a transient store failure. Nothing
	// else touches the store afterwards, so only a retried repair can ever
	// land the flag.
	st.FailNextWrites(1)
	NewReconciler(cfg).Start(ctx)

	waitFor(t, 2*time.Second, func() bool {
		teams, err := st.QueryTeams(ctx, store.Filter{Where: map[string]any{"id": "team-a"}})
		return err == nil && len(teams) == 1 && teams[0].IsReady
	}, "re-assert to be retried after the failed write")

	reassert, _, _, _, _ := counts.snapshot()
	if reassert < 2 {
		t.Fatalf("flag landed after %d attempts, expected a retry", reassert)
	}
}

func TestReconcilerKickTriggersImmediatePass(t *testing.T) {
	st := store.NewMemoryStore()
	st.DropEvents = true
	seedMatchRows(t, st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counts := &hookCounts{}
	cfg := stubConfig(st, counts, false)
	cfg.Interval = 5 * time.Second

	r := NewReconciler(cfg)
	r.Start(ctx)
	waitFor(t, time.Second, func() bool {
		_, _, _, _, onChange := counts.snapshot()
		return onChange >= 1
	}, "initial pass")

	if err := st.UpsertTeam(ctx, "team-b", store.Patch{"is_ready": true}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	r.Kick()

	waitFor(t, time.Second, func() bool {
		_, _, _, _, onChange := counts.snapshot()
		return onChange >= 2
	}, "kicked pass to observe the write")
}

func TestReconcilerCompletionRepairWhileInProgress(t *testing.T) {
	st := store.NewMemoryStore()
	seedMatchRows(t, st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.UpsertGame(ctx, "game-1", store.Patch{
		"status":          models.GameStatusInProgress,
		"current_team_id": "team-a",
	}); err != nil {
		t.Fatalf("start game: %v", err)
	}

	counts := &hookCounts{}
	NewReconciler(stubConfig(st, counts, false)).Start(ctx)

	// Every pass over an in_progress game checks for a missed completion.
	waitFor(t, time.Second, func() bool {
		_, _, _, complete, _ := counts.snapshot()
		return complete >= 1
	}, "completion check")

	_, _, tryStart, _, _ := counts.snapshot()
	if tryStart != 0 {
		t.Fatalf("rendezvous attempted on an in_progress game %d times", tryStart)
	}
}
