// Package registry is the session façade over the team store and the
// workflows built on it. Each authenticated principal owns one Registry;
// Sessions manages their lifecycle and Handler exposes them over HTTP.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/invitation"
	"github.com/carelink/carelink/internal/domain/monitoring"
	"github.com/carelink/carelink/internal/domain/patient"
	"github.com/carelink/carelink/internal/domain/preference"
	"github.com/carelink/carelink/internal/domain/team"
	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/inflight"
	"github.com/carelink/carelink/internal/platform/validate"
	"github.com/carelink/carelink/pkg/pagination"
)

// EventSink receives the store events of every session.
type EventSink interface {
	Publish(userID string, e team.Event)
}

// Options tunes every Registry built by Sessions.
type Options struct {
	MaxAge        time.Duration
	RenewalWindow time.Duration
	Now           func() time.Time
	Events        EventSink
}

type Registry struct {
	self   team.User
	store  *team.Store
	logger zerolog.Logger

	teams       *team.Service
	monitoring  *monitoring.Service
	patients    *patient.Aggregator
	invitations *invitation.Service
	prefs       *preference.Service
}

// New wires the services of one session around a fresh store.
func New(self team.User, col Collaborators, prefs preference.Repository, guard inflight.Guard, logger zerolog.Logger, opts Options) *Registry {
	var storeOpts []team.StoreOption
	var monOpts []monitoring.Option
	var aggOpts []patient.Option
	if opts.MaxAge > 0 {
		storeOpts = append(storeOpts, team.WithMaxAge(opts.MaxAge))
	}
	if opts.RenewalWindow > 0 {
		aggOpts = append(aggOpts, patient.WithRenewalWindow(opts.RenewalWindow))
	}
	if opts.Now != nil {
		storeOpts = append(storeOpts, team.WithClock(opts.Now))
		monOpts = append(monOpts, monitoring.WithClock(opts.Now))
		aggOpts = append(aggOpts, patient.WithClock(opts.Now))
	}

	store := team.NewStore(col.Teams, self, logger, storeOpts...)
	return &Registry{
		self:        self,
		store:       store,
		logger:      logger.With().Str("component", "registry").Str("user_id", self.UserID).Logger(),
		teams:       team.NewService(store, col.Teams, guard, logger),
		monitoring:  monitoring.NewService(store, col.Notifier, col.Updater, col.Files, guard, logger, monOpts...),
		patients:    patient.NewAggregator(store, col.MedicalData, logger, aggOpts...),
		invitations: invitation.NewService(col.Invitations, self, guard, logger),
		prefs:       preference.NewService(prefs, store, logger),
	}
}

func (r *Registry) Self() team.User { return r.self }

// Store exposes the underlying store, for subscribers.
func (r *Registry) Store() *team.Store { return r.store }

// Close drops the store's subscribers.
func (r *Registry) Close() { r.store.Close() }

// Refresh reloads the store.
func (r *Registry) Refresh(ctx context.Context, force bool) error {
	return r.store.Refresh(ctx, force)
}

// load makes sure the store was filled at least once. A failed refresh over
// a previously filled store is logged and the cached content served.
func (r *Registry) load(ctx context.Context) error {
	err := r.store.Refresh(ctx, false)
	if err == nil {
		return nil
	}
	if r.store.RefreshedAt().IsZero() {
		return err
	}
	r.logger.Warn().Err(err).Msg("serving cached teams")
	return nil
}

// settle forces a refresh after a successful mutation so remote side
// effects become visible. Its failure does not fail the mutation.
func (r *Registry) settle(ctx context.Context) {
	if err := r.store.Refresh(ctx, true); err != nil {
		r.logger.Warn().Err(err).Msg("refresh after mutation failed")
	}
}

// resync forces a refresh when a command failed on an entity the store got
// wrong: unknown locally, or already gone remotely. The error is returned as
// is; the caller retries against the refreshed store.
func (r *Registry) resync(ctx context.Context, err error) error {
	if errors.Is(err, apperr.ErrNotFound) {
		if rerr := r.store.Refresh(ctx, true); rerr != nil {
			r.logger.Warn().Err(rerr).Msg("refresh after not found failed")
		}
	}
	return err
}

// ---------------------------------------------------------------------------
// Teams
// ---------------------------------------------------------------------------

func (r *Registry) Teams(ctx context.Context) ([]team.Team, error) {
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	return r.store.Teams(), nil
}

// Team returns one team. An unknown id forces a refresh before giving up,
// since another session may just have created it.
func (r *Registry) Team(ctx context.Context, id string) (team.Team, error) {
	if err := r.load(ctx); err != nil {
		return team.Team{}, err
	}
	t, err := r.store.Team(id)
	if errors.Is(err, apperr.ErrNotFound) {
		if rerr := r.store.Refresh(ctx, true); rerr == nil {
			return r.store.Team(id)
		}
	}
	return t, err
}

func (r *Registry) CreateTeam(ctx context.Context, d team.Draft) (team.Team, error) {
	if err := r.load(ctx); err != nil {
		return team.Team{}, err
	}
	t, err := r.teams.CreateTeam(ctx, d)
	if err != nil {
		return team.Team{}, r.resync(ctx, err)
	}
	r.settle(ctx)
	return r.currentOr(t), nil
}

func (r *Registry) EditTeam(ctx context.Context, id string, d team.Draft) (team.Team, error) {
	if err := r.load(ctx); err != nil {
		return team.Team{}, err
	}
	t, err := r.teams.EditTeam(ctx, id, d)
	if err != nil {
		return team.Team{}, r.resync(ctx, err)
	}
	r.settle(ctx)
	return r.currentOr(t), nil
}

// currentOr returns the refreshed copy of t when the store still has it.
func (r *Registry) currentOr(t team.Team) team.Team {
	if cur, err := r.store.Team(t.ID); err == nil {
		return cur
	}
	return t
}

func (r *Registry) DeleteTeam(ctx context.Context, id string) error {
	if err := r.load(ctx); err != nil {
		return err
	}
	if err := r.teams.DeleteTeam(ctx, id); err != nil {
		return r.resync(ctx, err)
	}
	r.settle(ctx)
	return nil
}

func (r *Registry) LeaveDecision(ctx context.Context, id string) (team.LeaveDecision, error) {
	if err := r.load(ctx); err != nil {
		return team.LeaveDecision{}, err
	}
	return r.teams.LeaveDecision(id)
}

func (r *Registry) LeaveTeam(ctx context.Context, id string) (team.LeaveResult, error) {
	if err := r.load(ctx); err != nil {
		return team.LeaveResult{}, err
	}
	res, err := r.teams.LeaveTeam(ctx, id)
	if err != nil {
		return team.LeaveResult{}, r.resync(ctx, err)
	}
	r.settle(ctx)
	return res, nil
}

func (r *Registry) InviteMember(ctx context.Context, teamID, email string, role team.Role) (team.Member, error) {
	if err := r.load(ctx); err != nil {
		return team.Member{}, err
	}
	m, err := r.teams.InviteMember(ctx, teamID, email, role)
	if err != nil {
		return team.Member{}, r.resync(ctx, err)
	}
	r.settle(ctx)
	return m, nil
}

func (r *Registry) ChangeMemberRole(ctx context.Context, teamID, userID string, role team.Role) error {
	if err := r.load(ctx); err != nil {
		return err
	}
	if err := r.teams.ChangeMemberRole(ctx, teamID, userID, role); err != nil {
		return r.resync(ctx, err)
	}
	r.settle(ctx)
	return nil
}

func (r *Registry) RemoveMember(ctx context.Context, teamID, userID string) error {
	if err := r.load(ctx); err != nil {
		return err
	}
	if err := r.teams.RemoveMember(ctx, teamID, userID); err != nil {
		return r.resync(ctx, err)
	}
	r.settle(ctx)
	return nil
}

func (r *Registry) UpdateTeamAlerts(ctx context.Context, teamID string, params team.AlertsParameters) (team.Team, error) {
	if err := r.load(ctx); err != nil {
		return team.Team{}, err
	}
	t, err := r.teams.UpdateTeamAlerts(ctx, teamID, params)
	if err != nil {
		return team.Team{}, r.resync(ctx, err)
	}
	r.settle(ctx)
	return r.currentOr(t), nil
}

// ---------------------------------------------------------------------------
// Monitoring
// ---------------------------------------------------------------------------

// afterMonitoring refreshes after a command that changed something. An
// inconsistent result is left alone: the marker must stay visible until the
// user retries.
func (r *Registry) afterMonitoring(ctx context.Context, res monitoring.Result, err error) (monitoring.Result, error) {
	switch {
	case res.Inconsistent:
	case err != nil:
		err = r.resync(ctx, err)
	case res.Changed:
		r.settle(ctx)
	}
	return res, err
}

func (r *Registry) InviteMonitoring(ctx context.Context, patientID string, rx monitoring.Prescription) (monitoring.Result, error) {
	if err := r.load(ctx); err != nil {
		return monitoring.Result{}, err
	}
	res, err := r.monitoring.Invite(ctx, patientID, rx, r.self.FullName())
	return r.afterMonitoring(ctx, res, err)
}

func (r *Registry) RenewMonitoring(ctx context.Context, patientID string, rx monitoring.Prescription) (monitoring.Result, error) {
	if err := r.load(ctx); err != nil {
		return monitoring.Result{}, err
	}
	res, err := r.monitoring.Renew(ctx, patientID, rx)
	return r.afterMonitoring(ctx, res, err)
}

func (r *Registry) CancelMonitoringInvite(ctx context.Context, teamID, patientID string) (monitoring.Result, error) {
	if err := r.load(ctx); err != nil {
		return monitoring.Result{}, err
	}
	res, err := r.monitoring.CancelInvite(ctx, teamID, patientID)
	return r.afterMonitoring(ctx, res, err)
}

func (r *Registry) RemoveMonitoring(ctx context.Context, teamID, patientID string) (monitoring.Result, error) {
	if err := r.load(ctx); err != nil {
		return monitoring.Result{}, err
	}
	res, err := r.monitoring.Remove(ctx, teamID, patientID)
	return r.afterMonitoring(ctx, res, err)
}

// ---------------------------------------------------------------------------
// Patients
// ---------------------------------------------------------------------------

// PatientPage is one page of a filtered patient list.
type PatientPage struct {
	Patients []patient.Patient
	Total    int
}

func (r *Registry) patientList(ctx context.Context, scope string) ([]patient.Patient, error) {
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	flagged, err := r.prefs.Flagged(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("reading flagged patients failed")
	}
	return r.patients.Patients(ctx, scope, flagged)
}

func (r *Registry) Patients(ctx context.Context, scope string, q patient.Query, p pagination.Params) (PatientPage, error) {
	all, err := r.patientList(ctx, scope)
	if err != nil {
		return PatientPage{}, err
	}
	filtered, err := r.patients.Filter(all, q, scope)
	if err != nil {
		return PatientPage{}, err
	}
	return PatientPage{Patients: pagination.Slice(filtered, p), Total: len(filtered)}, nil
}

func (r *Registry) PatientStats(ctx context.Context, scope string) (patient.FilterStats, error) {
	all, err := r.patientList(ctx, scope)
	if err != nil {
		return patient.FilterStats{}, err
	}
	return r.patients.Stats(all, scope), nil
}

func (r *Registry) Patient(ctx context.Context, id string) (patient.Patient, error) {
	if err := r.load(ctx); err != nil {
		return patient.Patient{}, err
	}
	flagged, err := r.prefs.Flagged(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("reading flagged patients failed")
	}
	return r.patients.Patient(ctx, id, flagged)
}

func (r *Registry) SetFlag(ctx context.Context, patientID string, flagged bool) ([]string, error) {
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	return r.prefs.SetFlag(ctx, patientID, flagged)
}

// ---------------------------------------------------------------------------
// Invitations & preferences
// ---------------------------------------------------------------------------

func (r *Registry) Invitations(ctx context.Context) ([]invitation.Invitation, error) {
	return r.invitations.List(ctx)
}

func (r *Registry) AcceptInvitation(ctx context.Context, id string) (invitation.Invitation, error) {
	inv, err := r.invitations.Accept(ctx, id)
	if err != nil {
		return invitation.Invitation{}, r.resync(ctx, err)
	}
	r.settle(ctx)
	return inv, nil
}

func (r *Registry) DeclineInvitation(ctx context.Context, id string) (invitation.Invitation, error) {
	inv, err := r.invitations.Decline(ctx, id)
	if err != nil {
		return invitation.Invitation{}, r.resync(ctx, err)
	}
	r.settle(ctx)
	return inv, nil
}

func (r *Registry) TeamScope(ctx context.Context) (team.Team, error) {
	if err := r.load(ctx); err != nil {
		return team.Team{}, err
	}
	return r.prefs.ResolveTeamScope(ctx)
}

func (r *Registry) SelectTeamScope(ctx context.Context, teamID string) (team.Team, error) {
	if err := validate.Var("teamId", teamID, "required"); err != nil {
		return team.Team{}, err
	}
	if err := r.load(ctx); err != nil {
		return team.Team{}, err
	}
	return r.prefs.SelectTeamScope(ctx, teamID)
}
