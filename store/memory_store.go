package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"sea-battle-system/models"
)

// MemoryStore is an in-process Store with the same observable semantics as
// the real backend: last-write-wins patches, no isolation between calls, and
// best-effort change delivery. It doubles as the test harness: the knobs
// below let tests inject duplicated or dropped notifications and transient
// write failures.
type MemoryStore struct {
	mu           sync.Mutex
	teams        map[string]models.Team
	games        map[string]models.Game
	participants map[string]models.GameParticipant

	subs    map[int]*subscriber
	nextSub int

	writes     int
	failWrites int

	// DuplicateEvents delivers every change event twice (at-least-once means
	// consumers must tolerate this).
	DuplicateEvents bool
	// DropEvents silently drops all change events, leaving only the periodic
	// reconciliation backstop.
	DropEvents bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		teams:        make(map[string]models.Team),
		games:        make(map[string]models.Game),
		participants: make(map[string]models.GameParticipant),
		subs:         make(map[int]*subscriber),
	}
}

// Writes returns the number of successful mutations issued so far. Tests use
// it to assert that reconciliation passes over unchanged state stay silent.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// FailNextWrites makes the next n mutations fail with ErrUnavailable.
func (s *MemoryStore) FailNextWrites(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = n
}

func norm(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case *string:
		if x == nil {
			return nil
		}
		return *x
	default:
		return v
	}
}

func matches(where map[string]any, get func(col string) (any, bool)) bool {
	for col, want := range where {
		have, ok := get(col)
		if !ok {
			return false
		}
		if norm(have) != norm(want) {
			return false
		}
	}
	return true
}

func teamColumn(t models.Team, col string) (any, bool) {
	switch col {
	case "id":
		return t.ID, true
	case "letter":
		return t.Letter, true
	case "is_ready":
		return t.IsReady, true
	}
	return nil, false
}

func gameColumn(g models.Game, col string) (any, bool) {
	switch col {
	case "id":
		return g.ID, true
	case "status":
		return g.Status, true
	case "current_team_id":
		return g.CurrentTeamID, true
	case "winner_team_id":
		return g.WinnerTeamID, true
	}
	return nil, false
}

func participantColumn(p models.GameParticipant, col string) (any, bool) {
	switch col {
	case "id":
		return p.ID, true
	case "game_id":
		return p.GameID, true
	case "team_id":
		return p.TeamID, true
	case "board_state":
		return p.BoardJSON, true
	}
	return nil, false
}

// orderAndTrim sorts rows by the filter's OrderBy column (created_at or
// updated_at) and applies the limit. stamps must return the row's timestamps.
func orderAndTrim[T any](rows []T, f Filter, stamps func(T) models.Timestamps) []T {
	if f.OrderBy != "" {
		fields := strings.Fields(f.OrderBy)
		col := fields[0]
		desc := len(fields) > 1 && strings.EqualFold(fields[1], "DESC")
		key := func(t T) time.Time {
			ts := stamps(t)
			if col == "updated_at" {
				return ts.UpdatedAt
			}
			return ts.CreatedAt
		}
		sort.SliceStable(rows, func(i, j int) bool {
			if desc {
				return key(rows[i]).After(key(rows[j]))
			}
			return key(rows[i]).Before(key(rows[j]))
		})
	}
	if f.Limit > 0 && len(rows) > f.Limit {
		rows = rows[:f.Limit]
	}
	return rows
}

func (s *MemoryStore) QueryTeams(_ context.Context, f Filter) ([]models.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []models.Team
	for _, t := range s.teams {
		if matches(f.Where, func(col string) (any, bool) { return teamColumn(t, col) }) {
			rows = append(rows, t)
		}
	}
	return orderAndTrim(rows, f, func(t models.Team) models.Timestamps { return t.Timestamps }), nil
}

func (s *MemoryStore) QueryGames(_ context.Context, f Filter) ([]models.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []models.Game
	for _, g := range s.games {
		if matches(f.Where, func(col string) (any, bool) { return gameColumn(g, col) }) {
			rows = append(rows, g)
		}
	}
	return orderAndTrim(rows, f, func(g models.Game) models.Timestamps { return g.Timestamps }), nil
}

func (s *MemoryStore) QueryParticipants(_ context.Context, f Filter) ([]models.GameParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []models.GameParticipant
	for _, p := range s.participants {
		if matches(f.Where, func(col string) (any, bool) { return participantColumn(p, col) }) {
			rows = append(rows, p)
		}
	}
	return orderAndTrim(rows, f, func(p models.GameParticipant) models.Timestamps { return p.Timestamps }), nil
}

func strPtr(v any) *string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return &x
	case *string:
		return x
	}
	return nil
}

func (s *MemoryStore) beginWrite(table Table, id string) error {
	if s.failWrites > 0 {
		s.failWrites--
		return fmt.Errorf("%w: injected failure on %s %s", ErrUnavailable, table, id)
	}
	s.writes++
	return nil
}

func (s *MemoryStore) UpsertTeam(_ context.Context, id string, patch Patch) error {
	s.mu.Lock()
	if err := s.beginWrite(TableTeams, id); err != nil {
		s.mu.Unlock()
		return err
	}
	now := time.Now().UTC()
	t, existed := s.teams[id]
	if !existed {
		t = models.Team{ID: id}
		t.CreatedAt = now
	}
	for col, v := range patch {
		switch col {
		case "letter":
			t.Letter = v.(string)
		case "is_ready":
			t.IsReady = v.(bool)
		}
	}
	t.UpdatedAt = now
	s.teams[id] = t
	s.mu.Unlock()

	s.publish(ChangeEvent{Table: TableTeams, Kind: upsertKind(existed), RowID: id})
	return nil
}

func (s *MemoryStore) UpsertGame(_ context.Context, id string, patch Patch) error {
	s.mu.Lock()
	if err := s.beginWrite(TableGames, id); err != nil {
		s.mu.Unlock()
		return err
	}
	now := time.Now().UTC()
	g, existed := s.games[id]
	if !existed {
		g = models.Game{ID: id, Status: models.GameStatusWaiting}
		g.CreatedAt = now
	}
	for col, v := range patch {
		switch col {
		case "status":
			g.Status = v.(string)
		case "current_team_id":
			g.CurrentTeamID = strPtr(v)
		case "winner_team_id":
			g.WinnerTeamID = strPtr(v)
		}
	}
	g.UpdatedAt = now
	s.games[id] = g
	s.mu.Unlock()

	s.publish(ChangeEvent{Table: TableGames, Kind: upsertKind(existed), RowID: id})
	return nil
}

func (s *MemoryStore) UpsertParticipant(_ context.Context, id string, patch Patch) error {
	s.mu.Lock()
	if err := s.beginWrite(TableParticipants, id); err != nil {
		s.mu.Unlock()
		return err
	}
	now := time.Now().UTC()
	p, existed := s.participants[id]
	if !existed {
		p = models.GameParticipant{ID: id}
		p.CreatedAt = now
	}
	for col, v := range patch {
		switch col {
		case "game_id":
			p.GameID = v.(string)
		case "team_id":
			p.TeamID = v.(string)
		case "board_state":
			p.BoardJSON = v.(string)
		}
	}
	p.UpdatedAt = now
	s.participants[id] = p
	s.mu.Unlock()

	s.publish(ChangeEvent{Table: TableParticipants, Kind: upsertKind(existed), RowID: id})
	return nil
}

func upsertKind(existed bool) EventKind {
	if existed {
		return EventUpdate
	}
	return EventInsert
}

func (s *MemoryStore) DeleteGames(_ context.Context, f Filter) error {
	s.mu.Lock()
	var removed []string
	for id, g := range s.games {
		if matches(f.Where, func(col string) (any, bool) { return gameColumn(g, col) }) {
			delete(s.games, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		s.writes++
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.publish(ChangeEvent{Table: TableGames, Kind: EventDelete, RowID: id})
	}
	return nil
}

func (s *MemoryStore) DeleteParticipants(_ context.Context, f Filter) error {
	s.mu.Lock()
	var removed []string
	for id, p := range s.participants {
		if matches(f.Where, func(col string) (any, bool) { return participantColumn(p, col) }) {
			delete(s.participants, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		s.writes++
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.publish(ChangeEvent{Table: TableParticipants, Kind: EventDelete, RowID: id})
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, tables ...Table) (<-chan ChangeEvent, func()) {
	sub := &subscriber{
		ch:     make(chan ChangeEvent, 64),
		tables: make(map[Table]bool, len(tables)),
	}
	for _, t := range tables {
		sub.tables[t] = true
	}

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(sub.ch)
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return sub.ch, cancel
}

func (s *MemoryStore) publish(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DropEvents {
		return
	}
	n := 1
	if s.DuplicateEvents {
		n = 2
	}
	for _, sub := range s.subs {
		if len(sub.tables) > 0 && !sub.tables[ev.Table] {
			continue
		}
		for i := 0; i < n; i++ {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}
