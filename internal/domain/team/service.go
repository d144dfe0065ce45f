package team

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/inflight"
	"github.com/carelink/carelink/internal/platform/validate"
)

// Service runs the membership workflows of one session user. Every
// mutation is authorized against the store, guarded per team, sent to the
// remote service and then applied locally.
type Service struct {
	store  *Store
	repo   Repository
	guard  inflight.Guard
	logger zerolog.Logger
}

func NewService(store *Store, repo Repository, guard inflight.Guard, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		repo:   repo,
		guard:  guard,
		logger: logger.With().Str("component", "team_service").Str("user_id", store.Self().UserID).Logger(),
	}
}

// LeaveResult tells the UI which success message applies.
type LeaveResult struct {
	TeamID  string `json:"teamId"`
	Deleted bool   `json:"deleted"`
}

func (s *Service) self() string { return s.store.Self().UserID }

func remote(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", apperr.ErrRemote, op, err)
}

// CreateTeam creates a medical team whose sole admin is the session user.
func (s *Service) CreateTeam(ctx context.Context, d Draft) (Team, error) {
	if err := validate.Struct(d); err != nil {
		return Team{}, err
	}
	if s.store.Self().Role != UserRoleHCP {
		return Team{}, fmt.Errorf("%w: only healthcare professionals create teams", apperr.ErrAuthorization)
	}
	release, err := s.guard.Acquire(ctx, "create-team:"+s.self())
	if err != nil {
		return Team{}, err
	}
	defer release()

	created, err := s.repo.CreateTeam(ctx, d)
	if err != nil {
		return Team{}, remote("create team", err)
	}
	created.Type = TypeMedical
	if len(created.Members) == 0 {
		created.Members = []Member{{
			TeamID:           created.ID,
			UserID:           s.self(),
			Role:             RoleAdmin,
			InvitationStatus: InvitationAccepted,
			User:             s.store.Self(),
		}}
	}
	if err := s.store.Upsert(created); err != nil {
		return Team{}, err
	}
	s.logger.Info().Str("team_id", created.ID).Msg("team created")
	return s.store.Team(created.ID)
}

// EditTeam replaces the editable fields of a team. Admin only.
func (s *Service) EditTeam(ctx context.Context, teamID string, d Draft) (Team, error) {
	t, err := s.store.Team(teamID)
	if err != nil {
		return Team{}, err
	}
	if t.IsPrivate() {
		return Team{}, fmt.Errorf("%w: the private team cannot be edited", apperr.ErrAuthorization)
	}
	if !IsUserAdministrator(t, s.self()) {
		return Team{}, fmt.Errorf("%w: only administrators edit team %s", apperr.ErrAuthorization, teamID)
	}
	if err := validate.Struct(d); err != nil {
		return Team{}, err
	}
	release, err := s.guard.Acquire(ctx, inflight.TeamKey(teamID))
	if err != nil {
		return Team{}, err
	}
	defer release()

	if err := s.repo.EditTeam(ctx, teamID, d); err != nil {
		return Team{}, remote("edit team", err)
	}
	err = s.store.Update(teamID, func(t *Team) error {
		t.Name = d.Name
		addr := *d.Address
		t.Address = &addr
		t.Phone = d.Phone
		t.Email = d.Email
		t.RemotePatientMonitoring = d.RemotePatientMonitoring
		return nil
	})
	if err != nil {
		return Team{}, err
	}
	s.logger.Info().Str("team_id", teamID).Msg("team edited")
	return s.store.Team(teamID)
}

// LeaveDecision previews what leaving teamID would do.
func (s *Service) LeaveDecision(teamID string) (LeaveDecision, error) {
	t, err := s.store.Team(teamID)
	if err != nil {
		return LeaveDecision{}, err
	}
	return DecideLeave(t, s.self())
}

// LeaveTeam removes the session user from a team, deleting the team when
// they are its last professional. A sole admin of a populated team is
// refused without any remote call.
func (s *Service) LeaveTeam(ctx context.Context, teamID string) (LeaveResult, error) {
	decision, err := s.LeaveDecision(teamID)
	if err != nil {
		return LeaveResult{}, err
	}
	if decision.Outcome == LeaveRefusedOnlyAdmin {
		s.logger.Warn().Str("team_id", teamID).Msg("sole administrator tried to leave")
		return LeaveResult{}, fmt.Errorf("%w: you are the only administrator of this team, promote another member first", apperr.ErrAuthorization)
	}

	release, err := s.guard.Acquire(ctx, inflight.TeamKey(teamID))
	if err != nil {
		return LeaveResult{}, err
	}
	defer release()

	res := LeaveResult{TeamID: teamID}
	if decision.Outcome == LeaveDeletesTeam {
		if err := s.repo.DeleteTeam(ctx, teamID); err != nil {
			return LeaveResult{}, remote("delete team", err)
		}
		res.Deleted = true
	} else if err := s.repo.LeaveTeam(ctx, teamID); err != nil {
		return LeaveResult{}, remote("leave team", err)
	}

	if err := s.store.Remove(teamID); err != nil {
		return LeaveResult{}, err
	}
	s.logger.Info().Str("team_id", teamID).Bool("deleted", res.Deleted).Msg("left team")
	return res, nil
}

// DeleteTeam removes a team for every member. Admin only.
func (s *Service) DeleteTeam(ctx context.Context, teamID string) error {
	t, err := s.store.Team(teamID)
	if err != nil {
		return err
	}
	if t.IsPrivate() {
		return fmt.Errorf("%w: the private team cannot be deleted", apperr.ErrAuthorization)
	}
	if !IsUserAdministrator(t, s.self()) {
		return fmt.Errorf("%w: only administrators delete team %s", apperr.ErrAuthorization, teamID)
	}
	release, err := s.guard.Acquire(ctx, inflight.TeamKey(teamID))
	if err != nil {
		return err
	}
	defer release()

	if err := s.repo.DeleteTeam(ctx, teamID); err != nil {
		return remote("delete team", err)
	}
	if err := s.store.Remove(teamID); err != nil {
		return err
	}
	s.logger.Info().Str("team_id", teamID).Msg("team deleted")
	return nil
}

// InviteMember sends a membership invitation to email. The new member is
// pending until the invitee accepts.
func (s *Service) InviteMember(ctx context.Context, teamID, email string, role Role) (Member, error) {
	email = strings.TrimSpace(email)
	if err := validate.Var("email", email, "required,email"); err != nil {
		return Member{}, err
	}
	if !role.Valid() {
		return Member{}, fmt.Errorf("%w: unknown role %q", apperr.ErrValidation, role)
	}
	t, err := s.store.Team(teamID)
	if err != nil {
		return Member{}, err
	}
	if t.IsPrivate() {
		return Member{}, fmt.Errorf("%w: direct shares are managed by the patient", apperr.ErrAuthorization)
	}
	if !CanManageMember(t, s.self(), role) {
		return Member{}, fmt.Errorf("%w: not allowed to invite a %s to team %s", apperr.ErrAuthorization, role, teamID)
	}
	for _, m := range t.Members {
		if !m.MatchesEmail(email) {
			continue
		}
		if m.InvitationStatus == InvitationPending {
			return Member{}, fmt.Errorf("%w: an invitation is already pending for %s", apperr.ErrConflict, email)
		}
		return Member{}, fmt.Errorf("%w: %s is already a member of this team", apperr.ErrConflict, email)
	}

	release, err := s.guard.Acquire(ctx, inflight.TeamKey(teamID))
	if err != nil {
		return Member{}, err
	}
	defer release()

	m, err := s.repo.InviteMember(ctx, teamID, email, role)
	if err != nil {
		return Member{}, remote("invite member", err)
	}
	m.TeamID = teamID
	if m.InvitationStatus == "" {
		m.InvitationStatus = InvitationPending
	}
	if m.Email == "" {
		m.Email = email
	}
	if m.UserID != "" {
		err = s.store.Update(teamID, func(t *Team) error {
			t.Members = append(t.Members, m)
			return nil
		})
		if err != nil {
			return Member{}, err
		}
	}
	s.logger.Info().Str("team_id", teamID).Str("role", string(role)).Msg("member invited")
	return m, nil
}

// ChangeMemberRole promotes or demotes a professional. Admin only; the sole
// admin cannot demote themselves.
func (s *Service) ChangeMemberRole(ctx context.Context, teamID, userID string, role Role) error {
	if !role.IsHCP() {
		return fmt.Errorf("%w: role %q cannot be assigned", apperr.ErrValidation, role)
	}
	t, err := s.store.Team(teamID)
	if err != nil {
		return err
	}
	if !IsUserAdministrator(t, s.self()) {
		return fmt.Errorf("%w: only administrators change roles in team %s", apperr.ErrAuthorization, teamID)
	}
	target, ok := t.Member(userID)
	if !ok {
		return fmt.Errorf("%w: member %s in team %s", apperr.ErrNotFound, userID, teamID)
	}
	if !target.IsHCP() {
		return fmt.Errorf("%w: patients have no team role", apperr.ErrValidation)
	}
	if target.Role == role {
		return fmt.Errorf("%w: member already has role %s", apperr.ErrConflict, role)
	}
	if userID == s.self() && role != RoleAdmin && IsUserTheOnlyAdministrator(t, userID) {
		return fmt.Errorf("%w: the only administrator cannot step down", apperr.ErrAuthorization)
	}

	release, err := s.guard.Acquire(ctx, inflight.TeamKey(teamID))
	if err != nil {
		return err
	}
	defer release()

	if err := s.repo.ChangeMemberRole(ctx, teamID, userID, role); err != nil {
		return remote("change member role", err)
	}
	err = s.store.Update(teamID, func(t *Team) error {
		for i := range t.Members {
			if t.Members[i].UserID == userID {
				t.Members[i].Role = role
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("team_id", teamID).Str("member_id", userID).Str("role", string(role)).Msg("member role changed")
	return nil
}

// RemoveMember removes someone else from the team, cancelling a pending
// invitation when the member never accepted.
func (s *Service) RemoveMember(ctx context.Context, teamID, userID string) error {
	t, err := s.store.Team(teamID)
	if err != nil {
		return err
	}
	if userID == s.self() {
		return fmt.Errorf("%w: use leave to remove yourself", apperr.ErrValidation)
	}
	target, ok := t.Member(userID)
	if !ok {
		return fmt.Errorf("%w: member %s in team %s", apperr.ErrNotFound, userID, teamID)
	}
	if t.IsPrivate() {
		return fmt.Errorf("%w: direct shares are managed by the patient", apperr.ErrAuthorization)
	}
	if !CanManageMember(t, s.self(), target.Role) {
		return fmt.Errorf("%w: not allowed to remove this member", apperr.ErrAuthorization)
	}

	release, err := s.guard.Acquire(ctx, inflight.TeamKey(teamID))
	if err != nil {
		return err
	}
	defer release()

	if err := s.repo.RemoveMember(ctx, teamID, userID); err != nil {
		return remote("remove member", err)
	}
	err = s.store.Update(teamID, func(t *Team) error {
		kept := t.Members[:0]
		for _, m := range t.Members {
			if m.UserID != userID {
				kept = append(kept, m)
			}
		}
		t.Members = kept
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("team_id", teamID).Str("member_id", userID).Msg("member removed")
	return nil
}

// UpdateTeamAlerts sets the default alert parameters of a remote-monitoring
// team. Admin only.
func (s *Service) UpdateTeamAlerts(ctx context.Context, teamID string, params AlertsParameters) (Team, error) {
	t, err := s.store.Team(teamID)
	if err != nil {
		return Team{}, err
	}
	if !IsUserAdministrator(t, s.self()) {
		return Team{}, fmt.Errorf("%w: only administrators configure alerts", apperr.ErrAuthorization)
	}
	if !t.RemotePatientMonitoring {
		return Team{}, fmt.Errorf("%w: team %s does not offer remote monitoring", apperr.ErrValidation, teamID)
	}
	if err := validate.Struct(params); err != nil {
		return Team{}, err
	}

	release, err := s.guard.Acquire(ctx, inflight.TeamKey(teamID))
	if err != nil {
		return Team{}, err
	}
	defer release()

	if err := s.repo.UpdateTeamAlerts(ctx, teamID, params); err != nil {
		return Team{}, remote("update team alerts", err)
	}
	err = s.store.Update(teamID, func(t *Team) error {
		p := params
		t.MonitoringAlertsParameters = &p
		return nil
	})
	if err != nil {
		return Team{}, err
	}
	return s.store.Team(teamID)
}
