package preference

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/team"
	"github.com/carelink/carelink/internal/platform/apperr"
)

// Service resolves the session user's team scope and patient flags.
type Service struct {
	repo   Repository
	store  *team.Store
	logger zerolog.Logger
}

func NewService(repo Repository, store *team.Store, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		store:  store,
		logger: logger.With().Str("component", "preference").Str("user_id", store.Self().UserID).Logger(),
	}
}

func (s *Service) self() string { return s.store.Self().UserID }

// DefaultTeamScope is the first medical team by name, else the private team.
func DefaultTeamScope(teams []team.Team) string {
	var medical []team.Team
	for _, t := range teams {
		if t.IsMedical() {
			medical = append(medical, t)
		}
	}
	if len(medical) == 0 {
		return team.PrivateTeamID
	}
	team.SortByName(medical)
	return medical[0].ID
}

func selectable(t team.Team) bool { return t.IsMedical() || t.IsPrivate() }

// ResolveTeamScope returns the persisted team scope when it is still
// available, otherwise the default, which is then persisted.
func (s *Service) ResolveTeamScope(ctx context.Context) (team.Team, error) {
	prefs, err := s.repo.Get(ctx, s.self())
	if err != nil {
		return team.Team{}, err
	}
	if prefs.SelectedTeamID != "" {
		if t, err := s.store.Team(prefs.SelectedTeamID); err == nil && selectable(t) {
			return t, nil
		}
	}

	id := DefaultTeamScope(s.store.Teams())
	if id != prefs.SelectedTeamID {
		if err := s.repo.SetSelectedTeam(ctx, s.self(), id); err != nil {
			s.logger.Error().Err(err).Str("team_id", id).Msg("persisting default team scope failed")
		} else if prefs.SelectedTeamID != "" {
			s.logger.Info().Str("previous", prefs.SelectedTeamID).Str("team_id", id).Msg("team scope reset")
		}
	}
	return s.store.Team(id)
}

// SelectTeamScope persists teamID as the scope.
func (s *Service) SelectTeamScope(ctx context.Context, teamID string) (team.Team, error) {
	t, err := s.store.Team(teamID)
	if err != nil {
		return team.Team{}, err
	}
	if !selectable(t) {
		return team.Team{}, fmt.Errorf("%w: team %s cannot be used as a scope", apperr.ErrValidation, teamID)
	}
	if err := s.repo.SetSelectedTeam(ctx, s.self(), teamID); err != nil {
		return team.Team{}, err
	}
	return t, nil
}

// Flagged returns the flagged patient ids.
func (s *Service) Flagged(ctx context.Context) ([]string, error) {
	prefs, err := s.repo.Get(ctx, s.self())
	if err != nil {
		return nil, err
	}
	return prefs.FlaggedPatients, nil
}

// SetFlag flags or unflags a patient visible to the session user and
// returns the updated flag list.
func (s *Service) SetFlag(ctx context.Context, patientID string, flagged bool) ([]string, error) {
	if !s.visible(patientID) {
		return nil, fmt.Errorf("%w: patient %s", apperr.ErrNotFound, patientID)
	}
	if err := s.repo.SetFlag(ctx, s.self(), patientID, flagged); err != nil {
		return nil, err
	}
	return s.Flagged(ctx)
}

func (s *Service) visible(patientID string) bool {
	for _, t := range s.store.Teams() {
		if m, ok := t.Member(patientID); ok && m.Role == team.RolePatient {
			return true
		}
	}
	return false
}
