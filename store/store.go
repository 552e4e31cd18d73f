package store

import (
	"context"
	"errors"

	"sea-battle-system/models"
)

// ErrUnavailable wraps transient store failures. Callers retry with backoff
// or defer to the next reconciliation pass rather than escalating.
var ErrUnavailable = errors.New("store unavailable")

type Table string

const (
	TableTeams        Table = "teams"
	TableGames        Table = "games"
	TableParticipants Table = "game_participants"
)

type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// ChangeEvent is one best-effort change notification. Delivery is
// at-least-once and unordered, and may silently drop under load. Consumers
// must never depend on seeing every event.
type ChangeEvent struct {
	Table Table     `json:"table"`
	Kind  EventKind `json:"kind"`
	RowID string    `json:"row_id"`
}

// Filter selects rows for Query/Delete. Where keys are column names matched
// by equality. There is no transactional isolation across calls.
type Filter struct {
	Where   map[string]any
	OrderBy string // e.g. "created_at ASC"
	Limit   int    // 0 = no limit
}

// Patch is a partial last-write-wins update keyed by column name. The store
// offers no compare-and-swap; every write must be idempotent or convergent.
type Patch map[string]any

// Store is the minimal contract the coordinator has against the shared state
// store. Upserts are keyed by row ID: the patch is applied to an existing
// row, or a new row is created from it.
type Store interface {
	QueryTeams(ctx context.Context, f Filter) ([]models.Team, error)
	QueryGames(ctx context.Context, f Filter) ([]models.Game, error)
	QueryParticipants(ctx context.Context, f Filter) ([]models.GameParticipant, error)

	UpsertTeam(ctx context.Context, id string, patch Patch) error
	UpsertGame(ctx context.Context, id string, patch Patch) error
	UpsertParticipant(ctx context.Context, id string, patch Patch) error

	DeleteGames(ctx context.Context, f Filter) error
	DeleteParticipants(ctx context.Context, f Filter) error

	// Subscribe streams change events for the given tables until the context
	// is done or the returned cancel func is called.
	Subscribe(ctx context.Context, tables ...Table) (<-chan ChangeEvent, func())
}
