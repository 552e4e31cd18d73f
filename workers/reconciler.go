package workers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"sea-battle-system/models"
	"sea-battle-system/store"
)

// ReconcilerConfig wires one team's reconciliation loop to the coordinator.
// The repair hooks come from the services layer so a pass issues exactly the
// same idempotent writes a UI-triggered action would.
type ReconcilerConfig struct {
	Store  store.Store
	TeamID string
	GameID string

	// ReadyIntent reports whether this client locally declared readiness.
	// The loop re-asserts the store flag only while intent is true; a flag
	// that reads false without local intent just means "not declared yet".
	ReadyIntent func() bool

	ReassertReady       func(ctx context.Context) error
	TryStart            func(ctx context.Context, gameID string) (bool, error)
	EnsureParticipant   func(ctx context.Context, gameID, teamID string) error
	CompleteIfDestroyed func(ctx context.Context, gameID string) error

	// OnChange fires when a pass observes shared state different from the
	// previous pass (the UI's re-render signal).
	OnChange func(gameID string)

	Debounce time.Duration // coalesce window for change notifications
	Interval time.Duration // periodic backstop for missed notifications
}

// Reconciler runs one client's read-compute-repair loop for an active match.
//
// Two trigger sources feed one idempotent pass: store change notifications
// (debounced, since delivery is at-least-once and bursty) and a periodic
// ticker (backstop for dropped notifications, deduped against a hash of the
// last-seen state so unchanged state issues no writes). A single consumer
// goroutine executes passes, which is the in-flight guard: triggers arriving
// mid-pass coalesce into at most one pending kick.
type Reconciler struct {
	cfg  ReconcilerConfig
	kick chan struct{}

	// lastHash is owned by the loop goroutine.
	lastHash string
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 300 * time.Millisecond
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Reconciler{
		cfg:  cfg,
		kick: make(chan struct{}, 1),
	}
}

// Kick schedules a pass as soon as the loop is free. Safe from any goroutine;
// redundant kicks coalesce.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Start launches the loop. It runs until ctx is done; cancelling ctx is the
// teardown (match end or team logout).
func (r *Reconciler) Start(ctx context.Context) {
	events, cancelSub := r.cfg.Store.Subscribe(ctx,
		store.TableTeams, store.TableGames, store.TableParticipants)

	go r.debounceEvents(ctx, events)
	go r.loop(ctx, cancelSub)
}

// debounceEvents turns the raw notification stream into kicks, coalescing
// bursts within the debounce window.
func (r *Reconciler) debounceEvents(ctx context.Context, events <-chan store.ChangeEvent) {
	timer := time.NewTimer(r.cfg.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(r.cfg.Debounce)
			armed = true
		case <-timer.C:
			armed = false
			r.Kick()
		}
	}
}

func (r *Reconciler) loop(ctx context.Context, cancelSub func()) {
	defer cancelSub()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// Initial pass so a freshly joined client converges without waiting for
	// a notification.
	r.runPass(ctx, false)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Reconciler] team %s loop stopped", r.cfg.TeamID)
			return
		case <-r.kick:
			r.runPass(ctx, false)
		case <-ticker.C:
			r.runPass(ctx, true)
		}
	}
}

// passView is one close-together read of everything a pass looks at.
type passView struct {
	gameFound bool
	game      models.Game
	parts     []models.GameParticipant
	teams     map[string]models.Team
}

func (r *Reconciler) runPass(ctx context.Context, periodic bool) {
	view, hash, err := r.observe(ctx)
	if err != nil {
		// Transient store trouble: log and let the next scheduled pass retry.
		log.Printf("[Reconciler] ⚠️ team %s pass skipped: %v", r.cfg.TeamID, err)
		return
	}

	if periodic && hash == r.lastHash {
		return
	}
	changed := hash != r.lastHash

	if r.repair(ctx, view) {
		r.lastHash = hash
	} else {
		// A corrective write failed; clear the digest so the next periodic
		// pass re-runs the repair even if no row changes in the meantime.
		r.lastHash = ""
	}

	if changed && r.cfg.OnChange != nil {
		r.cfg.OnChange(r.cfg.GameID)
	}
}

func (r *Reconciler) observe(ctx context.Context) (passView, string, error) {
	view := passView{teams: make(map[string]models.Team)}

	games, err := r.cfg.Store.QueryGames(ctx, store.Filter{Where: map[string]any{"id": r.cfg.GameID}, Limit: 1})
	if err != nil {
		return view, "", err
	}
	if len(games) > 0 {
		view.gameFound = true
		view.game = games[0]
	}

	view.parts, err = r.cfg.Store.QueryParticipants(ctx, store.Filter{
		Where:   map[string]any{"game_id": r.cfg.GameID},
		OrderBy: "created_at ASC",
	})
	if err != nil {
		return view, "", err
	}

	teamIDs := map[string]bool{r.cfg.TeamID: true}
	for _, p := range view.parts {
		teamIDs[p.TeamID] = true
	}
	for id := range teamIDs {
		teams, err := r.cfg.Store.QueryTeams(ctx, store.Filter{Where: map[string]any{"id": id}, Limit: 1})
		if err != nil {
			return view, "", err
		}
		if len(teams) > 0 {
			view.teams[id] = teams[0]
		}
	}

	return view, fingerprint(view), nil
}

// fingerprint hashes the observed rows into a stable digest. Unchanged state
// between periodic passes hashes identically and triggers no work.
func fingerprint(view passView) string {
	lines := make([]string, 0, 1+len(view.parts)+len(view.teams))
	if view.gameFound {
		cur, win := "", ""
		if view.game.CurrentTeamID != nil {
			cur = *view.game.CurrentTeamID
		}
		if view.game.WinnerTeamID != nil {
			win = *view.game.WinnerTeamID
		}
		lines = append(lines, fmt.Sprintf("game|%s|%s|%s|%s", view.game.ID, view.game.Status, cur, win))
	}
	for _, p := range view.parts {
		lines = append(lines, fmt.Sprintf("part|%s|%s|%s", p.ID, p.TeamID, p.BoardJSON))
	}
	for _, t := range view.teams {
		lines = append(lines, fmt.Sprintf("team|%s|%s|%t", t.ID, t.Letter, t.IsReady))
	}
	sort.Strings(lines)

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// repair computes the "should be" state and issues the minimal corrective
// writes. Every repair is idempotent and safe from either client; errors are
// logged, and the return value reports whether every attempted write
// succeeded so the caller can schedule a retry for the ones that did not.
func (r *Reconciler) repair(ctx context.Context, view passView) bool {
	if !view.gameFound {
		log.Printf("[Reconciler] ⚠️ team %s: game %s missing from store", r.cfg.TeamID, r.cfg.GameID)
		return true
	}
	ok := true

	ownRow := false
	for _, p := range view.parts {
		if p.TeamID == r.cfg.TeamID {
			ownRow = true
			break
		}
	}
	if !ownRow && view.game.Status != models.GameStatusCompleted {
		log.Printf("[Reconciler] 🔧 team %s: recreating missing participant row in game %s", r.cfg.TeamID, r.cfg.GameID)
		if err := r.cfg.EnsureParticipant(ctx, r.cfg.GameID, r.cfg.TeamID); err != nil {
			log.Printf("[Reconciler] ⚠️ participant repair failed: %v", err)
			ok = false
		}
	}

	if view.game.Status == models.GameStatusWaiting {
		own, present := view.teams[r.cfg.TeamID]
		if r.cfg.ReadyIntent != nil && r.cfg.ReadyIntent() && present && !own.IsReady {
			// Our declared readiness never became visible: re-assert before
			// concluding the other side is the one not ready.
			log.Printf("[Reconciler] 🔧 team %s: re-asserting lost ready flag", r.cfg.TeamID)
			if err := r.cfg.ReassertReady(ctx); err != nil {
				log.Printf("[Reconciler] ⚠️ ready re-assert failed: %v", err)
				ok = false
			}
		}

		if started, err := r.cfg.TryStart(ctx, r.cfg.GameID); err != nil {
			log.Printf("[Reconciler] ⚠️ start attempt failed: %v", err)
			ok = false
		} else if started {
			log.Printf("[Reconciler] ✅ team %s: rendezvous complete, game %s started", r.cfg.TeamID, r.cfg.GameID)
		}
	}

	if view.game.Status == models.GameStatusInProgress {
		if len(view.parts) != 2 {
			log.Printf("[Reconciler] 🚨 invariant violation: game %s in_progress with %d participants", r.cfg.GameID, len(view.parts))
		}
		if err := r.cfg.CompleteIfDestroyed(ctx, r.cfg.GameID); err != nil {
			log.Printf("[Reconciler] ⚠️ completion repair failed: %v", err)
			ok = false
		}
	}
	return ok
}
