package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"sea-battle-system/board"
	"sea-battle-system/models"
	"sea-battle-system/store"
	"sea-battle-system/workers"
)

// GameStateChanged tells the UI to re-render.
type GameStateChanged struct {
	GameID string `json:"game_id"`
}

// Session is one team's live participation in a match: its reconciliation
// loop, its locally declared ready intent, and the fan-out of state-changed
// events to UI subscribers. All of this is per-session instance state, torn
// down on Leave.
type Session struct {
	Team   models.Team
	GameID string

	mu          sync.Mutex
	readyIntent bool
	subscribers map[int]*subscriber
	nextSub     int

	cancel     context.CancelFunc
	reconciler *workers.Reconciler
}

// subscriber owns one event channel. shut is the only place the channel is
// closed, so the per-listener cancel and session teardown can both call it
// in any order.
type subscriber struct {
	ch   chan GameStateChanged
	once sync.Once
}

func (sub *subscriber) shut() {
	sub.once.Do(func() { close(sub.ch) })
}

// ReadyIntent reports whether this client has declared readiness locally.
func (s *Session) ReadyIntent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyIntent
}

func (s *Session) setReadyIntent(v bool) {
	s.mu.Lock()
	s.readyIntent = v
	s.mu.Unlock()
}

// Subscribe registers a UI listener for state-changed events.
func (s *Session) Subscribe() (<-chan GameStateChanged, func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	sub := &subscriber{ch: make(chan GameStateChanged, 8)}
	s.subscribers[id] = sub
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
		sub.shut()
	}
	return sub.ch, cancel
}

// broadcast fans one event out, dropping it for slow subscribers. The SSE
// layer re-reads the snapshot anyway, so a dropped event only delays a
// render until the next one.
func (s *Session) broadcast(gameID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscribers {
		select {
		case sub.ch <- GameStateChanged{GameID: gameID}:
		default:
		}
	}
}

func (s *Session) teardown() {
	s.cancel()
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for id, sub := range s.subscribers {
		subs = append(subs, sub)
		delete(s.subscribers, id)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.shut()
	}
}

// SessionService is the coordinator facade the HTTP layer talks to. It owns
// one Session per joined team letter and wires each session's reconciler to
// the matchmaking, readiness, and battle services.
type SessionService struct {
	Store       store.Store
	Teams       *TeamService
	Matchmaking *MatchmakingService
	Readiness   *ReadinessService
	Battle      *BattleService

	PlacementRules board.Rules
	Debounce       time.Duration
	Interval       time.Duration

	mu       sync.Mutex
	sessions map[string]*Session // by team letter
}

func NewSessionService(st store.Store, teams *TeamService, mm *MatchmakingService, rd *ReadinessService, bt *BattleService) *SessionService {
	return &SessionService{
		Store:       st,
		Teams:       teams,
		Matchmaking: mm,
		Readiness:   rd,
		Battle:      bt,
		sessions:    make(map[string]*Session),
	}
}

// Join logs a team in by letter (idempotent join-or-create), resolves its
// game, and starts the session's reconciliation loop.
func (s *SessionService) Join(ctx context.Context, letter string) (*Session, error) {
	s.mu.Lock()
	if sess, ok := s.sessions[letter]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	team, err := s.Teams.JoinTeam(ctx, letter)
	if err != nil {
		return nil, err
	}
	gameID, err := s.Matchmaking.FindOrCreateGame(ctx, team.ID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[letter]; ok {
		return sess, nil
	}

	// The session outlives the join request.
	sctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		Team:        team,
		GameID:      gameID,
		subscribers: make(map[int]*subscriber),
		cancel:      cancel,
	}

	sess.reconciler = workers.NewReconciler(workers.ReconcilerConfig{
		Store:       s.Store,
		TeamID:      team.ID,
		GameID:      gameID,
		ReadyIntent: sess.ReadyIntent,
		ReassertReady: func(ctx context.Context) error {
			return s.Readiness.ReassertReady(ctx, team.ID)
		},
		TryStart: s.Readiness.TryStart,
		EnsureParticipant: func(ctx context.Context, gameID, teamID string) error {
			_, err := s.Matchmaking.EnsureParticipant(ctx, gameID, teamID)
			return err
		},
		CompleteIfDestroyed: s.Battle.CompleteIfDestroyed,
		OnChange:            sess.broadcast,
		Debounce:            s.Debounce,
		Interval:            s.Interval,
	})
	sess.reconciler.Start(sctx)

	s.sessions[letter] = sess
	log.Printf("✅ [Session] team %s joined game %s", letter, gameID)
	return sess, nil
}

// Get returns the live session for a letter, if any.
func (s *SessionService) Get(letter string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[letter]
	return sess, ok
}

// Leave tears a session down: reconciler stopped, subscribers closed.
func (s *SessionService) Leave(letter string) {
	s.mu.Lock()
	sess, ok := s.sessions[letter]
	delete(s.sessions, letter)
	s.mu.Unlock()
	if ok {
		sess.teardown()
		log.Printf("👋 [Session] team %s left", letter)
	}
}

func (s *SessionService) session(letter string) (*Session, error) {
	sess, ok := s.Get(letter)
	if !ok {
		return nil, fmt.Errorf("team %s has no active session: %w", letter, ErrTeamNotFound)
	}
	return sess, nil
}

// PlaceShip records one ship placement on the team's own board. Only valid
// while the game is still waiting.
func (s *SessionService) PlaceShip(ctx context.Context, letter, shipID string, x, y int, vertical bool) error {
	sess, err := s.session(letter)
	if err != nil {
		return err
	}

	games, err := s.Store.QueryGames(ctx, store.Filter{Where: map[string]any{"id": sess.GameID}, Limit: 1})
	if err != nil {
		return err
	}
	if len(games) == 0 {
		return ErrGameNotFound
	}
	if games[0].Status != models.GameStatusWaiting {
		return ErrGameAlreadyStarted
	}

	length, err := board.ShipLength(shipID)
	if err != nil {
		return err
	}

	part, err := s.Matchmaking.EnsureParticipant(ctx, sess.GameID, sess.Team.ID)
	if err != nil {
		return err
	}
	b, err := board.Decode(part.BoardJSON)
	if err != nil {
		// Malformed own board: start over from empty rather than trusting it.
		log.Printf("[Session] ⚠️ team %s own board malformed, resetting: %v", letter, err)
		b = board.Empty()
	}

	b, err = board.ApplyPlacementWithRules(b, shipID, x, y, length, vertical, s.PlacementRules)
	if err != nil {
		return err
	}
	raw, err := board.Encode(b)
	if err != nil {
		return err
	}
	if err := s.Store.UpsertParticipant(ctx, part.ID, store.Patch{"board_state": raw}); err != nil {
		return err
	}

	sess.reconciler.Kick()
	return nil
}

// DeclareReady records local ready intent and asserts the store flag; the
// reconciler keeps re-asserting if the write gets lost.
func (s *SessionService) DeclareReady(ctx context.Context, letter string) error {
	sess, err := s.session(letter)
	if err != nil {
		return err
	}

	part, err := s.Matchmaking.EnsureParticipant(ctx, sess.GameID, sess.Team.ID)
	if err != nil {
		return err
	}
	b, err := board.Decode(part.BoardJSON)
	if err != nil || !board.PlacementComplete(b) {
		return fmt.Errorf("%w: place all %d ships before declaring ready", board.ErrPlacementInvalid, len(board.FleetLengths))
	}

	sess.setReadyIntent(true)
	if err := s.Readiness.DeclareReady(ctx, sess.Team.ID); err != nil {
		return err
	}
	sess.reconciler.Kick()
	return nil
}

// RetractReady clears local intent and the store flag. Pre-in_progress only.
func (s *SessionService) RetractReady(ctx context.Context, letter string) error {
	sess, err := s.session(letter)
	if err != nil {
		return err
	}
	if err := s.Readiness.RetractReady(ctx, sess.Team.ID); err != nil {
		return err
	}
	sess.setReadyIntent(false)
	sess.reconciler.Kick()
	return nil
}

// FireShot relays a shot into the battle resolver.
func (s *SessionService) FireShot(ctx context.Context, letter string, x, y int) (ShotResult, error) {
	sess, err := s.session(letter)
	if err != nil {
		return ShotResult{}, err
	}
	res, err := s.Battle.FireShot(ctx, sess.GameID, sess.Team.ID, x, y)
	if err != nil {
		return res, err
	}
	sess.reconciler.Kick()
	return res, nil
}

// OpponentView is the opponent's side as the UI may see it: readiness, the
// shots fired against it, and sunk count. Never ship positions.
type OpponentView struct {
	TeamLetter        string      `json:"team_letter,omitempty"`
	Ready             bool        `json:"ready"`
	PlacementComplete bool        `json:"placement_complete"`
	Hits              []board.Hit `json:"hits"`
	ShipsSunk         int         `json:"ships_sunk"`
}

// GameSnapshot is the full UI view for one team.
type GameSnapshot struct {
	GameID       string       `json:"game_id"`
	Status       string       `json:"status"`
	YourTurn     bool         `json:"your_turn"`
	WinnerTeamID string       `json:"winner_team_id,omitempty"`
	OwnBoard     board.State  `json:"own_board"`
	OwnReady     bool         `json:"own_ready"`
	Opponent     *OpponentView `json:"opponent,omitempty"`
	Scores       []SideScore  `json:"scores,omitempty"`
}

// Snapshot assembles the team's current view of the match.
func (s *SessionService) Snapshot(ctx context.Context, letter string) (GameSnapshot, error) {
	sess, err := s.session(letter)
	if err != nil {
		return GameSnapshot{}, err
	}

	games, err := s.Store.QueryGames(ctx, store.Filter{Where: map[string]any{"id": sess.GameID}, Limit: 1})
	if err != nil {
		return GameSnapshot{}, err
	}
	if len(games) == 0 {
		return GameSnapshot{}, ErrGameNotFound
	}
	game := games[0]

	snap := GameSnapshot{
		GameID:   game.ID,
		Status:   game.Status,
		YourTurn: game.CurrentTeamID != nil && *game.CurrentTeamID == sess.Team.ID,
	}
	if game.WinnerTeamID != nil {
		snap.WinnerTeamID = *game.WinnerTeamID
	}

	parts, err := s.Store.QueryParticipants(ctx, store.Filter{
		Where:   map[string]any{"game_id": sess.GameID},
		OrderBy: "created_at ASC",
	})
	if err != nil {
		return GameSnapshot{}, err
	}

	for _, p := range parts {
		b, err := board.Decode(p.BoardJSON)
		if err != nil {
			log.Printf("[Session] ⚠️ game %s participant %s board malformed: %v", game.ID, p.ID, err)
			b = board.Empty()
		}
		team, err := s.Teams.GetTeam(ctx, p.TeamID)
		if err != nil && !errors.Is(err, ErrTeamNotFound) {
			return GameSnapshot{}, err
		}

		if p.TeamID == sess.Team.ID {
			snap.OwnBoard = b
			snap.OwnReady = team.IsReady
		} else {
			snap.Opponent = &OpponentView{
				TeamLetter:        team.Letter,
				Ready:             team.IsReady,
				PlacementComplete: board.PlacementComplete(b),
				Hits:              b.Hits,
				ShipsSunk:         board.CountSunk(b),
			}
		}
	}

	if len(parts) == 2 {
		if scores, err := s.Battle.Scoreboard(ctx, sess.GameID); err == nil {
			snap.Scores = scores
		}
	}
	return snap, nil
}
