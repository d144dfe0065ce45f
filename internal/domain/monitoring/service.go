package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/team"
	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/inflight"
	"github.com/carelink/carelink/internal/platform/validate"
)

// Service drives the enrollment state machine of patients within teams:
//
//	None --invite--> Pending --accept--> Accepted/Enabled
//	Pending --cancel--> None
//	Pending|Accepted|Enabled --renew--> Enabled
//	Accepted|Enabled --remove--> None
type Service struct {
	store    *team.Store
	notifier Notifier
	updater  Updater
	files    PrescriptionUploader
	guard    inflight.Guard
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store *team.Store, notifier Notifier, updater Updater, files PrescriptionUploader, guard inflight.Guard, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		notifier: notifier,
		updater:  updater,
		files:    files,
		guard:    guard,
		logger:   logger.With().Str("component", "monitoring").Str("user_id", store.Self().UserID).Logger(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Invite enrolls a patient: None -> Pending. physician may be empty.
func (s *Service) Invite(ctx context.Context, patientID string, rx Prescription, physician string) (Result, error) {
	if err := validate.Struct(rx); err != nil {
		return Result{}, err
	}
	release, err := s.guard.Acquire(ctx, inflight.MonitoringKey(rx.TeamID, patientID))
	if err != nil {
		return Result{}, err
	}
	defer release()

	t, patient, err := s.load(rx.TeamID, patientID, true)
	if err != nil {
		return Result{}, err
	}
	switch phaseOf(patient) {
	case team.MonitoringNone:
	case team.MonitoringPending:
		return Result{}, fmt.Errorf("%w: an invitation is already pending for this patient", apperr.ErrConflict)
	default:
		return Result{}, fmt.Errorf("%w: patient is already monitored by this team, renew instead", apperr.ErrConflict)
	}

	end := s.now().AddDate(0, rx.NumberOfMonths, 0)
	next := team.Monitoring{Phase: team.MonitoringPending, End: &end, Parameters: carryParameters(patient, t)}
	return s.run(ctx, rx, patientID, next, "invite", func() error {
		return s.notifier.InviteRemoteMonitoring(ctx, rx.TeamID, patientID, end, physician)
	})
}

// Renew extends an enrollment: Pending|Accepted|Enabled -> Enabled. Alert
// parameters are kept as they are.
func (s *Service) Renew(ctx context.Context, patientID string, rx Prescription) (Result, error) {
	if err := validate.Struct(rx); err != nil {
		return Result{}, err
	}
	release, err := s.guard.Acquire(ctx, inflight.MonitoringKey(rx.TeamID, patientID))
	if err != nil {
		return Result{}, err
	}
	defer release()

	_, patient, err := s.load(rx.TeamID, patientID, true)
	if err != nil {
		return Result{}, err
	}
	if phaseOf(patient) == team.MonitoringNone {
		return Result{}, fmt.Errorf("%w: patient is not enrolled, invite instead", apperr.ErrConflict)
	}

	end := s.now().AddDate(0, rx.NumberOfMonths, 0)
	next := team.Monitoring{Phase: team.MonitoringEnabled, End: &end, Parameters: patient.Monitoring.Clone().Parameters}
	return s.run(ctx, rx, patientID, next, "renew", func() error {
		return s.updater.UpdatePatientMonitoring(ctx, rx.TeamID, patientID, next)
	})
}

// run executes the invite/renew saga: local assignment, remote call (undone
// locally on failure), change notification, prescription upload.
func (s *Service) run(ctx context.Context, rx Prescription, patientID string, next team.Monitoring, op string, call func() error) (Result, error) {
	log := s.logger.With().Str("team_id", rx.TeamID).Str("patient_id", patientID).Str("op", op).Logger()

	prev, err := s.store.SetPatientMonitoring(rx.TeamID, patientID, &next)
	if err != nil {
		return Result{}, err
	}
	if err := call(); err != nil {
		if _, rbErr := s.store.SetPatientMonitoring(rx.TeamID, patientID, prev); rbErr != nil {
			log.Error().Err(rbErr).Msg("restoring local monitoring failed")
		}
		log.Error().Err(err).Msg("remote monitoring call failed")
		return Result{}, fmt.Errorf("%w: %s monitoring: %w", apperr.ErrRemote, op, err)
	}
	s.store.Publish(team.Event{Kind: team.EventMonitoringChanged, TeamID: rx.TeamID, PatientID: patientID})

	res := Result{TeamID: rx.TeamID, PatientID: patientID, Monitoring: next, Changed: true}
	if err := s.files.UploadPrescription(ctx, rx.TeamID, patientID, rx.MemberID, rx.NumberOfMonths, *rx.File); err != nil {
		next.InconsistentStep = StepPrescriptionUpload
		if _, setErr := s.store.SetPatientMonitoring(rx.TeamID, patientID, &next); setErr != nil {
			log.Error().Err(setErr).Msg("marking monitoring inconsistent failed")
		}
		s.store.Publish(team.Event{Kind: team.EventMonitoringChanged, TeamID: rx.TeamID, PatientID: patientID})
		log.Error().Err(err).Msg("prescription upload failed after enrollment changed")

		res.Monitoring = next
		res.Inconsistent = true
		res.FailedStep = StepPrescriptionUpload
		return res, fmt.Errorf("%w: upload prescription: %w", apperr.ErrRemote, err)
	}
	log.Info().Str("phase", next.Phase.String()).Msg("monitoring updated")
	return res, nil
}

// CancelInvite withdraws a pending invitation: Pending -> None. Cancelling
// when nothing is pending does nothing and issues no remote call.
func (s *Service) CancelInvite(ctx context.Context, teamID, patientID string) (Result, error) {
	if _, patient, err := s.load(teamID, patientID, false); err != nil {
		return Result{}, err
	} else if phaseOf(patient) == team.MonitoringNone {
		return unchanged(teamID, patientID, patient), nil
	}

	release, err := s.guard.Acquire(ctx, inflight.MonitoringKey(teamID, patientID))
	if err != nil {
		return Result{}, err
	}
	defer release()

	// Reload under the guard: a concurrent cancel may have finished first.
	_, patient, err := s.load(teamID, patientID, false)
	if err != nil {
		return Result{}, err
	}
	switch phaseOf(patient) {
	case team.MonitoringNone:
		return unchanged(teamID, patientID, patient), nil
	case team.MonitoringPending:
	default:
		return Result{}, fmt.Errorf("%w: invitation already accepted, remove the monitoring instead", apperr.ErrConflict)
	}

	if err := s.notifier.CancelRemoteMonitoringInvite(ctx, teamID, patientID); err != nil {
		s.logger.Error().Err(err).Str("team_id", teamID).Str("patient_id", patientID).Msg("cancel monitoring invite failed")
		return Result{}, fmt.Errorf("%w: cancel monitoring invite: %w", apperr.ErrRemote, err)
	}
	return s.clear(teamID, patientID, patient, "monitoring invite cancelled")
}

// Remove ends an accepted enrollment: Accepted|Enabled -> None.
func (s *Service) Remove(ctx context.Context, teamID, patientID string) (Result, error) {
	release, err := s.guard.Acquire(ctx, inflight.MonitoringKey(teamID, patientID))
	if err != nil {
		return Result{}, err
	}
	defer release()

	_, patient, err := s.load(teamID, patientID, false)
	if err != nil {
		return Result{}, err
	}
	switch phaseOf(patient) {
	case team.MonitoringAccepted, team.MonitoringEnabled:
	case team.MonitoringPending:
		return Result{}, fmt.Errorf("%w: invitation still pending, cancel it instead", apperr.ErrConflict)
	default:
		return Result{}, fmt.Errorf("%w: patient is not monitored by this team", apperr.ErrConflict)
	}

	if err := s.updater.UpdatePatientMonitoring(ctx, teamID, patientID, cleared(patient)); err != nil {
		s.logger.Error().Err(err).Str("team_id", teamID).Str("patient_id", patientID).Msg("remove monitoring failed")
		return Result{}, fmt.Errorf("%w: remove monitoring: %w", apperr.ErrRemote, err)
	}
	return s.clear(teamID, patientID, patient, "monitoring removed")
}

func (s *Service) clear(teamID, patientID string, patient team.Member, msg string) (Result, error) {
	next := cleared(patient)
	if _, err := s.store.SetPatientMonitoring(teamID, patientID, &next); err != nil {
		return Result{}, err
	}
	s.store.Publish(team.Event{Kind: team.EventMonitoringChanged, TeamID: teamID, PatientID: patientID})
	s.logger.Info().Str("team_id", teamID).Str("patient_id", patientID).Msg(msg)
	return Result{TeamID: teamID, PatientID: patientID, Monitoring: next, Changed: true}, nil
}

func unchanged(teamID, patientID string, patient team.Member) Result {
	return Result{TeamID: teamID, PatientID: patientID, Monitoring: cleared(patient)}
}

// load checks that the session user is an accepted professional of the team
// and that patientID is one of its patients.
func (s *Service) load(teamID, patientID string, enrolling bool) (team.Team, team.Member, error) {
	t, err := s.store.Team(teamID)
	if err != nil {
		return team.Team{}, team.Member{}, err
	}
	if !t.IsMedical() {
		return team.Team{}, team.Member{}, fmt.Errorf("%w: remote monitoring needs a medical team", apperr.ErrValidation)
	}
	if enrolling && !t.RemotePatientMonitoring {
		return team.Team{}, team.Member{}, fmt.Errorf("%w: team %s does not offer remote monitoring", apperr.ErrValidation, teamID)
	}
	self := s.store.Self().UserID
	if !team.IsAcceptedHCP(t, self) {
		s.logger.Warn().Str("team_id", teamID).Msg("monitoring change refused")
		return team.Team{}, team.Member{}, fmt.Errorf("%w: only accepted professionals of the team manage monitoring", apperr.ErrAuthorization)
	}
	m, ok := t.Member(patientID)
	if !ok {
		return team.Team{}, team.Member{}, fmt.Errorf("%w: patient %s in team %s", apperr.ErrNotFound, patientID, teamID)
	}
	if m.Role != team.RolePatient {
		return team.Team{}, team.Member{}, fmt.Errorf("%w: user %s is not a patient", apperr.ErrValidation, patientID)
	}
	return t, m, nil
}

func phaseOf(m team.Member) team.MonitoringPhase {
	if m.Monitoring == nil {
		return team.MonitoringNone
	}
	return m.Monitoring.Phase
}

// cleared is the None state; alert parameters survive so a later invite
// starts from them.
func cleared(m team.Member) team.Monitoring {
	out := team.Monitoring{Phase: team.MonitoringNone}
	if m.Monitoring != nil {
		out.Parameters = m.Monitoring.Clone().Parameters
	}
	return out
}

func carryParameters(m team.Member, t team.Team) *team.AlertsParameters {
	if m.Monitoring != nil && m.Monitoring.Parameters != nil {
		return m.Monitoring.Clone().Parameters
	}
	if t.MonitoringAlertsParameters != nil {
		p := *t.MonitoringAlertsParameters
		return &p
	}
	return nil
}
