package models

const (
	GameStatusWaiting    = "waiting"
	GameStatusInProgress = "in_progress"
	GameStatusCompleted  = "completed"
)

// Game is one match between two paired teams.
//
// Status is monotonic forward (waiting → in_progress → completed); the only
// backward transition is an explicit administrative reset to waiting, which
// also clears WinnerTeamID.
type Game struct {
	ID            string  `json:"id" gorm:"primaryKey;type:uuid"`
	Status        string  `json:"status" gorm:"default:'waiting';check:status IN ('waiting','in_progress','completed')"`
	CurrentTeamID *string `json:"current_team_id,omitempty" gorm:"index"`
	WinnerTeamID  *string `json:"winner_team_id,omitempty"`

	Timestamps
}

// GameParticipant is a team's private state (fleet + incoming hits) within a
// specific game. Exactly one row per (game, team) pair; a game that is
// in_progress or completed must have exactly two.
//
// BoardJSON is a schemaless text column. It is never trusted as-is: callers
// decode and validate it into board.State on every read, and malformed rows
// surface as invariant violations subject to repair.
type GameParticipant struct {
	ID        string `json:"id" gorm:"primaryKey;type:uuid"`
	GameID    string `json:"game_id" gorm:"not null;uniqueIndex:idx_game_team,priority:1"`
	TeamID    string `json:"team_id" gorm:"index;not null;uniqueIndex:idx_game_team,priority:2"`
	BoardJSON string `json:"board_state" gorm:"column:board_state;type:text"`

	Timestamps
}
