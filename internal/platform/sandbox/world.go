// Package sandbox is an in-memory rendition of the Team, Notification,
// Medical Files and Medical Data services. A World holds the shared state;
// a View is one user's authenticated access to it, satisfying the same
// interfaces as the HTTP clients.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/carelink/internal/domain/invitation"
	"github.com/carelink/carelink/internal/domain/monitoring"
	"github.com/carelink/carelink/internal/domain/patient"
	"github.com/carelink/carelink/internal/domain/team"
	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/blobstore"
)

// The errors carry the class the HTTP services answer with, as
// remote.StatusError does for a real response.
var (
	ErrUnknownUser       = fmt.Errorf("sandbox: unknown user: %w", apperr.ErrNotFound)
	ErrUnknownTeam       = fmt.Errorf("sandbox: unknown team: %w", apperr.ErrNotFound)
	ErrUnknownMember     = fmt.Errorf("sandbox: unknown member: %w", apperr.ErrNotFound)
	ErrUnknownInvitation = fmt.Errorf("sandbox: unknown invitation: %w", apperr.ErrNotFound)
	ErrAlreadyMember     = fmt.Errorf("sandbox: already a member: %w", apperr.ErrConflict)
	ErrForbidden         = fmt.Errorf("sandbox: forbidden: %w", apperr.ErrAuthorization)
)

type World struct {
	mu          sync.Mutex
	users       map[string]team.User
	teams       map[string]*team.Team
	shares      map[string][]string // viewer -> patients sharing directly
	invitations map[string]*invitation.Invitation
	alarms      map[string]patient.Alarms
	failures    map[string]error
	blobs       *blobstore.InMemoryBlobStore
	now         func() time.Time
	newCode     func() string
}

func NewWorld() *World {
	w := &World{
		users:       make(map[string]team.User),
		teams:       make(map[string]*team.Team),
		shares:      make(map[string][]string),
		invitations: make(map[string]*invitation.Invitation),
		alarms:      make(map[string]patient.Alarms),
		failures:    make(map[string]error),
		blobs:       blobstore.NewInMemoryBlobStore(),
		now:         time.Now,
	}
	var n int
	w.newCode = func() string { n++; return fmt.Sprintf("%09d", 100000000+n) }
	return w
}

// Blobs exposes the prescription store.
func (w *World) Blobs() *blobstore.InMemoryBlobStore {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.blobs
}

// Fail makes every call of op fail with err until Fail(op, nil).
func (w *World) Fail(op string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		delete(w.failures, op)
		return
	}
	w.failures[op] = err
}

func (w *World) injected(op string) error {
	return w.failures[op]
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func (w *World) AddUser(u team.User) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.users[u.UserID] = u
}

func (w *World) User(id string) (team.User, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	u, ok := w.users[id]
	return u, ok
}

// Users lists every account ordered by id.
func (w *World) Users() []team.User {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]team.User, 0, len(w.users))
	for _, u := range w.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// AddTeam stores t as is. Member user records are resolved on read.
func (w *World) AddTeam(t team.Team) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := t.Clone()
	for i := range c.Members {
		c.Members[i].TeamID = c.ID
	}
	w.teams[c.ID] = &c
}

// Share records a direct share from patientID to viewerID.
func (w *World) Share(patientID, viewerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range w.shares[viewerID] {
		if id == patientID {
			return
		}
	}
	w.shares[viewerID] = append(w.shares[viewerID], patientID)
}

func (w *World) SetAlarms(patientID string, a patient.Alarms) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.alarms[patientID] = a
}

// Team returns the remote view of a team.
func (w *World) Team(id string) (team.Team, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.teams[id]
	if !ok {
		return team.Team{}, false
	}
	return w.render(t), true
}

// Reset drops all state.
func (w *World) Reset() {
	w.mu.Lock()
	w.users = make(map[string]team.User)
	w.teams = make(map[string]*team.Team)
	w.shares = make(map[string][]string)
	w.invitations = make(map[string]*invitation.Invitation)
	w.alarms = make(map[string]patient.Alarms)
	w.failures = make(map[string]error)
	w.blobs = blobstore.NewInMemoryBlobStore()
	w.mu.Unlock()
}

// render clones t and joins the user records. Caller holds mu.
func (w *World) render(t *team.Team) team.Team {
	out := t.Clone()
	for i := range out.Members {
		if u, ok := w.users[out.Members[i].UserID]; ok {
			out.Members[i].User = u
		}
	}
	return out
}

func (w *World) userByEmail(email string) (team.User, bool) {
	for _, u := range w.users {
		if strings.EqualFold(u.Username, strings.TrimSpace(email)) {
			return u, true
		}
	}
	return team.User{}, false
}

func (w *World) member(teamID, userID string) (*team.Team, *team.Member, error) {
	t, ok := w.teams[teamID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTeam, teamID)
	}
	for i := range t.Members {
		if t.Members[i].UserID == userID {
			return t, &t.Members[i], nil
		}
	}
	return t, nil, fmt.Errorf("%w: %s in %s", ErrUnknownMember, userID, teamID)
}

func removeMember(t *team.Team, userID string) {
	kept := t.Members[:0]
	for _, m := range t.Members {
		if m.UserID != userID {
			kept = append(kept, m)
		}
	}
	t.Members = kept
}

// dropInvitations deletes the invitations matching fn. Caller holds mu.
func (w *World) dropInvitations(fn func(inv *invitation.Invitation) bool) {
	for id, inv := range w.invitations {
		if fn(inv) {
			delete(w.invitations, id)
		}
	}
}

// ---------------------------------------------------------------------------
// View
// ---------------------------------------------------------------------------

// View is the world as seen by one signed-in user.
type View struct {
	w      *World
	userID string
}

// As returns the view of userID.
func (w *World) As(userID string) *View {
	return &View{w: w, userID: userID}
}

var (
	_ team.Repository                 = (*View)(nil)
	_ invitation.Repository           = (*View)(nil)
	_ monitoring.Notifier             = (*View)(nil)
	_ monitoring.Updater              = (*View)(nil)
	_ monitoring.PrescriptionUploader = (*View)(nil)
	_ patient.MedicalDataSource       = (*View)(nil)
)

// begin locks the world and applies injected failures.
func (v *View) begin(op string) error {
	v.w.mu.Lock()
	if err := v.w.injected(op); err != nil {
		v.w.mu.Unlock()
		return err
	}
	if _, ok := v.w.users[v.userID]; !ok {
		v.w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownUser, v.userID)
	}
	return nil
}

func (v *View) end() { v.w.mu.Unlock() }

func (v *View) requireAdmin(t *team.Team) error {
	if !team.IsUserAdministrator(*t, v.userID) {
		return fmt.Errorf("%w: %s is not an administrator of %s", ErrForbidden, v.userID, t.ID)
	}
	return nil
}

func (v *View) ListTeams(_ context.Context) ([]team.Team, error) {
	if err := v.begin("ListTeams"); err != nil {
		return nil, err
	}
	defer v.end()

	var out []team.Team
	for _, t := range v.w.teams {
		if _, ok := t.Member(v.userID); ok {
			out = append(out, v.w.render(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *View) ListPatientShares(_ context.Context) ([]team.Member, error) {
	if err := v.begin("ListPatientShares"); err != nil {
		return nil, err
	}
	defer v.end()

	var out []team.Member
	for _, pid := range v.w.shares[v.userID] {
		out = append(out, team.Member{
			TeamID:           team.PrivateTeamID,
			UserID:           pid,
			Role:             team.RolePatient,
			InvitationStatus: team.InvitationAccepted,
			User:             v.w.users[pid],
		})
	}
	return out, nil
}

func (v *View) CreateTeam(_ context.Context, d team.Draft) (team.Team, error) {
	if err := v.begin("CreateTeam"); err != nil {
		return team.Team{}, err
	}
	defer v.end()

	t := &team.Team{
		ID:   uuid.New().String(),
		Code: v.w.newCode(),
		Type: team.TypeMedical,
		Members: []team.Member{{
			UserID:           v.userID,
			Role:             team.RoleAdmin,
			InvitationStatus: team.InvitationAccepted,
		}},
	}
	applyDraft(t, d)
	t.Members[0].TeamID = t.ID
	v.w.teams[t.ID] = t
	return v.w.render(t), nil
}

func applyDraft(t *team.Team, d team.Draft) {
	t.Name = d.Name
	if d.Address != nil {
		a := *d.Address
		t.Address = &a
	}
	t.Phone = d.Phone
	t.Email = d.Email
	t.RemotePatientMonitoring = d.RemotePatientMonitoring
}

func (v *View) EditTeam(_ context.Context, teamID string, d team.Draft) error {
	if err := v.begin("EditTeam"); err != nil {
		return err
	}
	defer v.end()

	t, ok := v.w.teams[teamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTeam, teamID)
	}
	if err := v.requireAdmin(t); err != nil {
		return err
	}
	applyDraft(t, d)
	return nil
}

// InviteMember adds a pending membership when the address belongs to a known
// account, and always records an invitation for that address.
func (v *View) InviteMember(_ context.Context, teamID, email string, role team.Role) (team.Member, error) {
	if err := v.begin("InviteMember"); err != nil {
		return team.Member{}, err
	}
	defer v.end()

	t, ok := v.w.teams[teamID]
	if !ok {
		return team.Member{}, fmt.Errorf("%w: %s", ErrUnknownTeam, teamID)
	}
	m := team.Member{TeamID: teamID, Role: role, InvitationStatus: team.InvitationPending, Email: email}
	if u, ok := v.w.userByEmail(email); ok {
		if _, dup := t.Member(u.UserID); dup {
			return team.Member{}, fmt.Errorf("%w: %s", ErrAlreadyMember, email)
		}
		m.UserID = u.UserID
		m.User = u
		t.Members = append(t.Members, m)
	}

	typ := invitation.TypeMedicalTeam
	if role == team.RolePatient {
		typ = invitation.TypeMedicalTeamPatient
	}
	inv := &invitation.Invitation{
		ID:       uuid.New().String(),
		Type:     typ,
		Creator:  v.w.users[v.userID],
		TeamID:   teamID,
		TeamName: t.Name,
		Email:    email,
		Role:     role,
		Created:  v.w.now().UTC(),
	}
	v.w.invitations[inv.ID] = inv
	return m, nil
}

func (v *View) ChangeMemberRole(_ context.Context, teamID, userID string, role team.Role) error {
	if err := v.begin("ChangeMemberRole"); err != nil {
		return err
	}
	defer v.end()

	t, m, err := v.w.member(teamID, userID)
	if err != nil {
		return err
	}
	if err := v.requireAdmin(t); err != nil {
		return err
	}
	m.Role = role
	return nil
}

func (v *View) RemoveMember(_ context.Context, teamID, userID string) error {
	if err := v.begin("RemoveMember"); err != nil {
		return err
	}
	defer v.end()

	t, m, err := v.w.member(teamID, userID)
	if err != nil {
		return err
	}
	if !team.CanManageMember(*t, v.userID, m.Role) {
		return fmt.Errorf("%w: %s cannot remove %s", ErrForbidden, v.userID, userID)
	}
	email := m.Email
	if email == "" {
		email = v.w.users[userID].Username
	}
	removeMember(t, userID)
	v.w.dropInvitations(func(inv *invitation.Invitation) bool {
		return inv.TeamID == teamID && strings.EqualFold(inv.Email, email)
	})
	return nil
}

// LeaveTeam removes the caller; a team left without professionals is
// deleted.
func (v *View) LeaveTeam(_ context.Context, teamID string) error {
	if err := v.begin("LeaveTeam"); err != nil {
		return err
	}
	defer v.end()

	t, _, err := v.w.member(teamID, v.userID)
	if err != nil {
		return err
	}
	removeMember(t, v.userID)
	if team.NumMedicalMembers(*t) == 0 {
		v.w.deleteTeam(teamID)
	}
	return nil
}

func (v *View) DeleteTeam(_ context.Context, teamID string) error {
	if err := v.begin("DeleteTeam"); err != nil {
		return err
	}
	defer v.end()

	t, ok := v.w.teams[teamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTeam, teamID)
	}
	// The last professional may delete the team on leaving.
	if err := v.requireAdmin(t); err != nil && !(team.IsAcceptedHCP(*t, v.userID) && team.TeamHasOnlyOneMember(*t)) {
		return err
	}
	v.w.deleteTeam(teamID)
	return nil
}

func (w *World) deleteTeam(teamID string) {
	delete(w.teams, teamID)
	w.dropInvitations(func(inv *invitation.Invitation) bool { return inv.TeamID == teamID })
}

func (v *View) UpdateTeamAlerts(_ context.Context, teamID string, params team.AlertsParameters) error {
	if err := v.begin("UpdateTeamAlerts"); err != nil {
		return err
	}
	defer v.end()

	t, ok := v.w.teams[teamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTeam, teamID)
	}
	if err := v.requireAdmin(t); err != nil {
		return err
	}
	t.MonitoringAlertsParameters = &params
	return nil
}

func (v *View) UpdatePatientMonitoring(_ context.Context, teamID, patientID string, m team.Monitoring) error {
	if err := v.begin("UpdatePatientMonitoring"); err != nil {
		return err
	}
	defer v.end()

	t, member, err := v.w.member(teamID, patientID)
	if err != nil {
		return err
	}
	if !team.IsAcceptedHCP(*t, v.userID) {
		return fmt.Errorf("%w: %s cannot edit monitoring in %s", ErrForbidden, v.userID, teamID)
	}
	mon := m.Clone()
	mon.InconsistentStep = ""
	member.Monitoring = &mon
	return nil
}

// ---------------------------------------------------------------------------
// Notification service
// ---------------------------------------------------------------------------

func (v *View) List(_ context.Context, userID string) ([]invitation.Invitation, error) {
	if err := v.begin("ListInvitations"); err != nil {
		return nil, err
	}
	defer v.end()

	u := v.w.users[userID]
	var out []invitation.Invitation
	for _, inv := range v.w.invitations {
		if u.Username != "" && strings.EqualFold(inv.Email, u.Username) {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}

func (v *View) Accept(_ context.Context, userID string, inv invitation.Invitation) error {
	if err := v.begin("AcceptInvitation"); err != nil {
		return err
	}
	defer v.end()

	if _, ok := v.w.invitations[inv.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInvitation, inv.ID)
	}
	switch inv.Type {
	case invitation.TypeMedicalTeam, invitation.TypeMedicalTeamPatient:
		_, m, err := v.w.member(inv.TeamID, userID)
		if err != nil {
			return err
		}
		m.InvitationStatus = team.InvitationAccepted
	case invitation.TypeMonitoring:
		_, m, err := v.w.member(inv.TeamID, userID)
		if err != nil {
			return err
		}
		mon := team.Monitoring{Phase: team.MonitoringEnabled}
		if m.Monitoring != nil {
			mon = m.Monitoring.Clone()
			mon.Phase = team.MonitoringEnabled
		}
		m.Monitoring = &mon
	case invitation.TypeDirect:
		v.w.shares[userID] = appendUnique(v.w.shares[userID], inv.Creator.UserID)
	}
	delete(v.w.invitations, inv.ID)
	return nil
}

func (v *View) Decline(_ context.Context, userID string, inv invitation.Invitation) error {
	if err := v.begin("DeclineInvitation"); err != nil {
		return err
	}
	defer v.end()

	if _, ok := v.w.invitations[inv.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInvitation, inv.ID)
	}
	switch inv.Type {
	case invitation.TypeMedicalTeam, invitation.TypeMedicalTeamPatient:
		if t, ok := v.w.teams[inv.TeamID]; ok {
			removeMember(t, userID)
		}
	case invitation.TypeMonitoring:
		if _, m, err := v.w.member(inv.TeamID, userID); err == nil && m.Monitoring != nil {
			m.Monitoring = &team.Monitoring{Parameters: m.Monitoring.Clone().Parameters}
		}
	}
	delete(v.w.invitations, inv.ID)
	return nil
}

func appendUnique(ids []string, id string) []string {
	for _, x := range ids {
		if x == id {
			return ids
		}
	}
	return append(ids, id)
}

// InviteRemoteMonitoring sets the patient's monitoring to pending and sends
// them a monitoring invitation.
func (v *View) InviteRemoteMonitoring(_ context.Context, teamID, patientID string, end time.Time, _ string) error {
	if err := v.begin("InviteRemoteMonitoring"); err != nil {
		return err
	}
	defer v.end()

	t, m, err := v.w.member(teamID, patientID)
	if err != nil {
		return err
	}
	if !team.IsAcceptedHCP(*t, v.userID) {
		return fmt.Errorf("%w: %s cannot invite in %s", ErrForbidden, v.userID, teamID)
	}
	mon := team.Monitoring{Phase: team.MonitoringPending, End: &end, Parameters: t.MonitoringAlertsParameters}
	if m.Monitoring != nil && m.Monitoring.Parameters != nil {
		mon.Parameters = m.Monitoring.Parameters
	}
	mon = mon.Clone()
	m.Monitoring = &mon

	email := m.Email
	if u, ok := v.w.users[patientID]; ok && u.Username != "" {
		email = u.Username
	}
	inv := &invitation.Invitation{
		ID:       uuid.New().String(),
		Type:     invitation.TypeMonitoring,
		Creator:  v.w.users[v.userID],
		TeamID:   teamID,
		TeamName: t.Name,
		Email:    email,
		Role:     team.RolePatient,
		Created:  v.w.now().UTC(),
	}
	v.w.invitations[inv.ID] = inv
	return nil
}

func (v *View) CancelRemoteMonitoringInvite(_ context.Context, teamID, patientID string) error {
	if err := v.begin("CancelRemoteMonitoringInvite"); err != nil {
		return err
	}
	defer v.end()

	_, m, err := v.w.member(teamID, patientID)
	if err != nil {
		return err
	}
	if m.Monitoring != nil {
		m.Monitoring = &team.Monitoring{Parameters: m.Monitoring.Clone().Parameters}
	}
	v.w.dropInvitations(func(inv *invitation.Invitation) bool {
		return inv.Type == invitation.TypeMonitoring && inv.TeamID == teamID &&
			strings.EqualFold(inv.Email, v.w.users[patientID].Username)
	})
	return nil
}

// ---------------------------------------------------------------------------
// Medical Files & Medical Data
// ---------------------------------------------------------------------------

func (v *View) UploadPrescription(ctx context.Context, teamID, patientID, memberID string, months int, f monitoring.File) error {
	if err := v.begin("UploadPrescription"); err != nil {
		return err
	}
	files := blobstore.NewStoreUploader(v.w.blobs)
	v.end()
	return files.UploadPrescription(ctx, teamID, patientID, memberID, months, f)
}

func (v *View) Alarms(_ context.Context, patientIDs []string) (map[string]patient.Alarms, error) {
	if err := v.begin("Alarms"); err != nil {
		return nil, err
	}
	defer v.end()

	out := make(map[string]patient.Alarms, len(patientIDs))
	for _, id := range patientIDs {
		if a, ok := v.w.alarms[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}
