package invitation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/team"
	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/inflight"
)

type Service struct {
	repo   Repository
	self   team.User
	guard  inflight.Guard
	logger zerolog.Logger
}

func NewService(repo Repository, self team.User, guard inflight.Guard, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		self:   self,
		guard:  guard,
		logger: logger.With().Str("component", "invitation").Str("user_id", self.UserID).Logger(),
	}
}

// List returns the session user's pending invitations.
func (s *Service) List(ctx context.Context) ([]Invitation, error) {
	invs, err := s.repo.List(ctx, s.self.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: list invitations: %w", apperr.ErrRemote, err)
	}
	return invs, nil
}

// Accept answers yes to invitation id. Memberships and enrollments it
// creates become visible after the next team refresh.
func (s *Service) Accept(ctx context.Context, id string) (Invitation, error) {
	return s.answer(ctx, id, true)
}

// Decline answers no to invitation id.
func (s *Service) Decline(ctx context.Context, id string) (Invitation, error) {
	return s.answer(ctx, id, false)
}

func (s *Service) answer(ctx context.Context, id string, accept bool) (Invitation, error) {
	release, err := s.guard.Acquire(ctx, inflight.InvitationKey(id))
	if err != nil {
		return Invitation{}, err
	}
	defer release()

	inv, err := s.find(ctx, id)
	if err != nil {
		return Invitation{}, err
	}
	if !addressedTo(inv.Type, s.self.Role) {
		return Invitation{}, fmt.Errorf("%w: a %s cannot answer a %s", apperr.ErrAuthorization, s.self.Role, inv.Type)
	}

	op, call := "decline", s.repo.Decline
	if accept {
		op, call = "accept", s.repo.Accept
	}
	if err := call(ctx, s.self.UserID, inv); err != nil {
		s.logger.Error().Err(err).Str("invitation_id", id).Str("op", op).Msg("answering invitation failed")
		return Invitation{}, fmt.Errorf("%w: %s invitation: %w", apperr.ErrRemote, op, err)
	}
	s.logger.Info().Str("invitation_id", id).Str("type", string(inv.Type)).Str("team_id", inv.TeamID).Str("op", op).Msg("invitation answered")
	return inv, nil
}

func (s *Service) find(ctx context.Context, id string) (Invitation, error) {
	invs, err := s.List(ctx)
	if err != nil {
		return Invitation{}, err
	}
	for _, inv := range invs {
		if inv.ID == id {
			return inv, nil
		}
	}
	return Invitation{}, fmt.Errorf("%w: invitation %s", apperr.ErrNotFound, id)
}

// addressedTo reports whether an account with role may answer t.
func addressedTo(t Type, role team.UserRole) bool {
	switch t {
	case TypeMedicalTeam:
		return role == team.UserRoleHCP
	case TypeMedicalTeamPatient, TypeMonitoring:
		return role == team.UserRolePatient
	case TypeDirect:
		return role == team.UserRoleHCP || role == team.UserRoleCaregiver
	default:
		return false
	}
}
