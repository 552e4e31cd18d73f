package services

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"sea-battle-system/models"
	"sea-battle-system/store"
)

// TeamService handles team login by letter.
type TeamService struct {
	Store store.Store
}

func NewTeamService(st store.Store) *TeamService {
	return &TeamService{Store: st}
}

// JoinTeam returns the team for the given letter, creating it on first join.
// Rejoining an existing letter returns the existing row. Both clients may
// race the first create; the duplicate is resolved by always preferring the
// oldest matching row, so redundant calls converge on the same team.
func (s *TeamService) JoinTeam(ctx context.Context, letter string) (models.Team, error) {
	if !models.ValidTeamLetter(letter) {
		return models.Team{}, fmt.Errorf("invalid team letter %q: must be a single uppercase A-Z", letter)
	}

	byLetter := store.Filter{
		Where:   map[string]any{"letter": letter},
		OrderBy: "created_at ASC",
		Limit:   1,
	}

	existing, err := s.Store.QueryTeams(ctx, byLetter)
	if err != nil {
		return models.Team{}, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	id := uuid.NewString()
	patch := store.Patch{"letter": letter, "is_ready": false}
	if err := s.Store.UpsertTeam(ctx, id, patch); err != nil {
		return models.Team{}, err
	}
	log.Printf("✅ Team %s joined (id=%s)", letter, id)

	// Re-read preferring the oldest row in case the partner's client created
	// the same letter concurrently.
	rows, err := s.Store.QueryTeams(ctx, byLetter)
	if err != nil {
		return models.Team{}, err
	}
	if len(rows) == 0 {
		return models.Team{}, fmt.Errorf("team %s not visible after create: %w", letter, store.ErrUnavailable)
	}
	return rows[0], nil
}

// GetTeam fetches one team by id.
func (s *TeamService) GetTeam(ctx context.Context, teamID string) (models.Team, error) {
	rows, err := s.Store.QueryTeams(ctx, store.Filter{Where: map[string]any{"id": teamID}, Limit: 1})
	if err != nil {
		return models.Team{}, err
	}
	if len(rows) == 0 {
		return models.Team{}, ErrTeamNotFound
	}
	return rows[0], nil
}

// GetTeamByLetter fetches the oldest team row for a letter.
func (s *TeamService) GetTeamByLetter(ctx context.Context, letter string) (models.Team, error) {
	rows, err := s.Store.QueryTeams(ctx, store.Filter{
		Where:   map[string]any{"letter": letter},
		OrderBy: "created_at ASC",
		Limit:   1,
	})
	if err != nil {
		return models.Team{}, err
	}
	if len(rows) == 0 {
		return models.Team{}, ErrTeamNotFound
	}
	return rows[0], nil
}
