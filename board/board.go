package board

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrPlacementInvalid = errors.New("invalid ship placement")
var ErrDuplicateShot = errors.New("cell already fired at")
var ErrShotOutOfBounds = errors.New("shot outside the grid")
var ErrMalformedBoard = errors.New("malformed board state")

// GridSize is the side length of the square grid.
const GridSize = 5

// FleetLengths is the fixed fleet: two 2-cell ships and one 3-cell ship.
var FleetLengths = []int{2, 2, 3}

// ShipLengths maps the fleet's ship IDs to their lengths.
var ShipLengths = map[string]int{
	"patrol-1": 2,
	"patrol-2": 2,
	"cruiser":  3,
}

// ShipLength resolves a ship ID to its declared length.
func ShipLength(shipID string) (int, error) {
	l, ok := ShipLengths[shipID]
	if !ok {
		return 0, fmt.Errorf("%w: unknown ship %q", ErrPlacementInvalid, shipID)
	}
	return l, nil
}

type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Ship struct {
	ID        string     `json:"id"`
	Positions []Position `json:"positions"`
}

// Hit is one entry of the append-only hit ledger. A given (x,y) appears at
// most once per board.
type Hit struct {
	X     int  `json:"x"`
	Y     int  `json:"y"`
	IsHit bool `json:"isHit"`
}

// State is the ship layout and hit ledger for one participant.
type State struct {
	Ships []Ship `json:"ships"`
	Hits  []Hit  `json:"hits"`
}

// Rules holds optional stronger placement rules.
type Rules struct {
	// ForbidAdjacent additionally rejects placements touching an existing
	// ship (including diagonals).
	ForbidAdjacent bool
}

// Empty returns a board with no ships placed and no hits recorded.
func Empty() State {
	return State{Ships: []Ship{}, Hits: []Hit{}}
}

func inBounds(x, y int) bool {
	return x >= 0 && x < GridSize && y >= 0 && y < GridSize
}

// run enumerates the cells a ship of the given length would occupy starting
// at (x,y) in the given orientation.
func run(x, y, length int, vertical bool) []Position {
	cells := make([]Position, 0, length)
	for i := 0; i < length; i++ {
		if vertical {
			cells = append(cells, Position{X: x, Y: y + i})
		} else {
			cells = append(cells, Position{X: x + i, Y: y})
		}
	}
	return cells
}

func occupied(s State) map[Position]bool {
	occ := make(map[Position]bool)
	for _, ship := range s.Ships {
		for _, p := range ship.Positions {
			occ[p] = true
		}
	}
	return occ
}

// CanPlace reports whether a ship of the given length fits at (x,y) in the
// given orientation: fully on the grid and not overlapping any placed ship.
func CanPlace(s State, x, y, length int, vertical bool) bool {
	return CanPlaceWithRules(s, x, y, length, vertical, Rules{})
}

// CanPlaceWithRules is CanPlace with optional stronger placement rules.
func CanPlaceWithRules(s State, x, y, length int, vertical bool, rules Rules) bool {
	occ := occupied(s)
	for _, p := range run(x, y, length, vertical) {
		if !inBounds(p.X, p.Y) {
			return false
		}
		if occ[p] {
			return false
		}
		if rules.ForbidAdjacent {
			for dx := -1; dx <= 1; dx++ {
				for dy := -1; dy <= 1; dy++ {
					if occ[Position{X: p.X + dx, Y: p.Y + dy}] {
						return false
					}
				}
			}
		}
	}
	return true
}

// ApplyPlacement returns a new state with the ship's positions recorded, or
// ErrPlacementInvalid if the run is out of bounds or overlaps. Re-placing an
// existing ship ID moves it (its old cells are freed first).
func ApplyPlacement(s State, shipID string, x, y, length int, vertical bool) (State, error) {
	return ApplyPlacementWithRules(s, shipID, x, y, length, vertical, Rules{})
}

func ApplyPlacementWithRules(s State, shipID string, x, y, length int, vertical bool, rules Rules) (State, error) {
	base := State{Ships: make([]Ship, 0, len(s.Ships)), Hits: s.Hits}
	for _, ship := range s.Ships {
		if ship.ID != shipID {
			base.Ships = append(base.Ships, ship)
		}
	}

	if !CanPlaceWithRules(base, x, y, length, vertical, rules) {
		return s, ErrPlacementInvalid
	}

	base.Ships = append(base.Ships, Ship{ID: shipID, Positions: run(x, y, length, vertical)})
	return base, nil
}

// ApplyShot appends a shot at (x,y) to the ledger. It returns
// ErrShotOutOfBounds for a cell off the grid and ErrDuplicateShot if the
// cell was already fired at. IsHit is true iff the cell belongs to any ship
// on this board.
func ApplyShot(s State, x, y int) (State, Hit, error) {
	if !inBounds(x, y) {
		return s, Hit{}, fmt.Errorf("%w: (%d,%d)", ErrShotOutOfBounds, x, y)
	}
	for _, h := range s.Hits {
		if h.X == x && h.Y == y {
			return s, Hit{}, ErrDuplicateShot
		}
	}

	hit := Hit{X: x, Y: y, IsHit: occupied(s)[Position{X: x, Y: y}]}
	next := State{Ships: s.Ships, Hits: make([]Hit, len(s.Hits), len(s.Hits)+1)}
	copy(next.Hits, s.Hits)
	next.Hits = append(next.Hits, hit)
	return next, hit, nil
}

// CountSunk returns the number of ships whose every position is covered by a
// recorded hit with IsHit=true.
func CountSunk(s State) int {
	landed := make(map[Position]bool)
	for _, h := range s.Hits {
		if h.IsHit {
			landed[Position{X: h.X, Y: h.Y}] = true
		}
	}

	sunk := 0
	for _, ship := range s.Ships {
		if len(ship.Positions) == 0 {
			continue
		}
		all := true
		for _, p := range ship.Positions {
			if !landed[p] {
				all = false
				break
			}
		}
		if all {
			sunk++
		}
	}
	return sunk
}

// IsFleetDestroyed reports whether every placed ship is sunk. A board with no
// ships is never destroyed.
func IsFleetDestroyed(s State) bool {
	return len(s.Ships) > 0 && CountSunk(s) == len(s.Ships)
}

// PlacementComplete reports whether the full fleet has been placed.
func PlacementComplete(s State) bool {
	return len(s.Ships) == len(FleetLengths)
}

// HitsTaken returns how many shots against this board landed on a ship.
func HitsTaken(s State) int {
	n := 0
	for _, h := range s.Hits {
		if h.IsHit {
			n++
		}
	}
	return n
}

// Encode serializes a board state for the schemaless store column.
func Encode(s State) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode board: %w", err)
	}
	return string(raw), nil
}

// Decode parses and validates a board state read from the store. An empty
// column decodes to an empty board. Anything that fails validation is
// reported as ErrMalformedBoard; callers must treat such rows as invariant
// violations to repair, never trust them as-is.
func Decode(raw string) (State, error) {
	if raw == "" {
		return Empty(), nil
	}

	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Empty(), fmt.Errorf("%w: %v", ErrMalformedBoard, err)
	}
	if s.Ships == nil {
		s.Ships = []Ship{}
	}
	if s.Hits == nil {
		s.Hits = []Hit{}
	}
	if err := Validate(s); err != nil {
		return Empty(), err
	}
	return s, nil
}

// Validate checks the structural invariants of a board state: at most a full
// fleet with the declared lengths, all positions on the grid, no two ships
// sharing a cell, no duplicate (x,y) in the hit ledger.
func Validate(s State) error {
	if len(s.Ships) > len(FleetLengths) {
		return fmt.Errorf("%w: %d ships placed, fleet is %d", ErrMalformedBoard, len(s.Ships), len(FleetLengths))
	}

	// Each ship length must match one remaining slot of the declared fleet.
	remaining := make(map[int]int)
	for _, l := range FleetLengths {
		remaining[l]++
	}
	seen := make(map[Position]bool)
	for _, ship := range s.Ships {
		l := len(ship.Positions)
		if remaining[l] == 0 {
			return fmt.Errorf("%w: ship %q has unexpected length %d", ErrMalformedBoard, ship.ID, l)
		}
		remaining[l]--
		for _, p := range ship.Positions {
			if !inBounds(p.X, p.Y) {
				return fmt.Errorf("%w: ship %q off grid at (%d,%d)", ErrMalformedBoard, ship.ID, p.X, p.Y)
			}
			if seen[p] {
				return fmt.Errorf("%w: two ships share cell (%d,%d)", ErrMalformedBoard, p.X, p.Y)
			}
			seen[p] = true
		}
	}

	cells := make(map[Position]bool)
	for _, h := range s.Hits {
		p := Position{X: h.X, Y: h.Y}
		if !inBounds(h.X, h.Y) {
			return fmt.Errorf("%w: hit off grid at (%d,%d)", ErrMalformedBoard, h.X, h.Y)
		}
		if cells[p] {
			return fmt.Errorf("%w: duplicate hit at (%d,%d)", ErrMalformedBoard, h.X, h.Y)
		}
		cells[p] = true
	}
	return nil
}
