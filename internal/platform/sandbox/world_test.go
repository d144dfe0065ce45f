package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carelink/carelink/internal/domain/invitation"
	"github.com/carelink/carelink/internal/domain/monitoring"
	"github.com/carelink/carelink/internal/domain/team"
	"github.com/carelink/carelink/internal/platform/apperr"
)

var (
	admin = team.User{UserID: "u-admin", Username: "admin@clinic.fr", Role: team.UserRoleHCP, FirstName: "Ada"}
	nurse = team.User{UserID: "u-nurse", Username: "nurse@clinic.fr", Role: team.UserRoleHCP, FirstName: "Nina"}
	paul  = team.User{UserID: "p-1", Username: "paul@mail.fr", Role: team.UserRolePatient, FirstName: "Paul"}
)

func newWorld(t *testing.T) *World {
	t.Helper()
	w := NewWorld()
	for _, u := range []team.User{admin, nurse, paul} {
		w.AddUser(u)
	}
	w.AddTeam(team.Team{
		ID: "t1", Name: "Diabetology", Code: "123456789", Type: team.TypeMedical,
		RemotePatientMonitoring:    true,
		MonitoringAlertsParameters: &team.AlertsParameters{BgUnit: "mg/dL", LowBg: 70, HighBg: 180, VeryLowBg: 54, ReportingPeriod: 7},
		Members: []team.Member{
			{UserID: admin.UserID, Role: team.RoleAdmin, InvitationStatus: team.InvitationAccepted},
			{UserID: paul.UserID, Role: team.RolePatient, InvitationStatus: team.InvitationAccepted},
		},
	})
	return w
}

func TestView_ListTeamsJoinsUsers(t *testing.T) {
	w := newWorld(t)
	teams, err := w.As(admin.UserID).ListTeams(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(teams) != 1 || teams[0].Members[1].User.FirstName != "Paul" {
		t.Fatalf("unexpected teams %+v", teams)
	}
	if teams, _ := w.As(nurse.UserID).ListTeams(context.Background()); len(teams) != 0 {
		t.Errorf("non-member must not see the team, got %d", len(teams))
	}
}

func TestView_UnknownUser(t *testing.T) {
	w := newWorld(t)
	if _, err := w.As("ghost").ListTeams(context.Background()); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("expected ErrUnknownUser, got %v", err)
	}
}

func TestView_InviteAcceptDecline(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)

	m, err := w.As(admin.UserID).InviteMember(ctx, "t1", "NURSE@clinic.fr", team.RoleMember)
	if err != nil {
		t.Fatal(err)
	}
	if m.UserID != nurse.UserID || m.InvitationStatus != team.InvitationPending {
		t.Fatalf("unexpected member %+v", m)
	}
	if _, err := w.As(admin.UserID).InviteMember(ctx, "t1", "nurse@clinic.fr", team.RoleMember); !errors.Is(err, ErrAlreadyMember) {
		t.Errorf("expected ErrAlreadyMember, got %v", err)
	}

	invs, err := w.As(nurse.UserID).List(ctx, nurse.UserID)
	if err != nil || len(invs) != 1 {
		t.Fatalf("expected one invitation, got %v %v", invs, err)
	}
	if invs[0].Type != invitation.TypeMedicalTeam || invs[0].TeamName != "Diabetology" {
		t.Errorf("unexpected invitation %+v", invs[0])
	}

	if err := w.As(nurse.UserID).Accept(ctx, nurse.UserID, invs[0]); err != nil {
		t.Fatal(err)
	}
	tm, _ := w.Team("t1")
	if got, _ := tm.Member(nurse.UserID); got.InvitationStatus != team.InvitationAccepted {
		t.Errorf("expected accepted membership, got %s", got.InvitationStatus)
	}
	if err := w.As(nurse.UserID).Accept(ctx, nurse.UserID, invs[0]); !errors.Is(err, ErrUnknownInvitation) {
		t.Errorf("answered invitation must be gone, got %v", err)
	}

	// A declined invitation removes the pending membership.
	if _, err := w.As(admin.UserID).InviteMember(ctx, "t1", "paul@mail.fr", team.RolePatient); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("expected ErrAlreadyMember for patient, got %v", err)
	}
	w.AddUser(team.User{UserID: "p-2", Username: "zoe@mail.fr", Role: team.UserRolePatient})
	if _, err := w.As(admin.UserID).InviteMember(ctx, "t1", "zoe@mail.fr", team.RolePatient); err != nil {
		t.Fatal(err)
	}
	invs, _ = w.As("p-2").List(ctx, "p-2")
	if len(invs) != 1 || invs[0].Type != invitation.TypeMedicalTeamPatient {
		t.Fatalf("unexpected invitations %+v", invs)
	}
	if err := w.As("p-2").Decline(ctx, "p-2", invs[0]); err != nil {
		t.Fatal(err)
	}
	tm, _ = w.Team("t1")
	if _, ok := tm.Member("p-2"); ok {
		t.Error("declined patient must not stay a member")
	}
}

func TestView_InviteUnknownAddress(t *testing.T) {
	w := newWorld(t)
	m, err := w.As(admin.UserID).InviteMember(context.Background(), "t1", "new@clinic.fr", team.RoleViewer)
	if err != nil {
		t.Fatal(err)
	}
	if m.UserID != "" {
		t.Errorf("unknown address must not produce a user id, got %q", m.UserID)
	}
	tm, _ := w.Team("t1")
	if len(tm.Members) != 2 {
		t.Errorf("expected no new membership, got %d members", len(tm.Members))
	}
}

func TestView_MonitoringLifecycle(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	hcp := w.As(admin.UserID)
	end := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	if err := hcp.InviteRemoteMonitoring(ctx, "t1", paul.UserID, end, "Dr Ada"); err != nil {
		t.Fatal(err)
	}
	tm, _ := w.Team("t1")
	m, _ := tm.Member(paul.UserID)
	if m.Monitoring == nil || m.Monitoring.Phase != team.MonitoringPending || !m.Monitoring.End.Equal(end) {
		t.Fatalf("expected pending monitoring, got %+v", m.Monitoring)
	}
	if m.Monitoring.Parameters == nil || m.Monitoring.Parameters.LowBg != 70 {
		t.Errorf("expected team parameters to be carried, got %+v", m.Monitoring.Parameters)
	}

	invs, _ := w.As(paul.UserID).List(ctx, paul.UserID)
	if len(invs) != 1 || invs[0].Type != invitation.TypeMonitoring {
		t.Fatalf("expected a monitoring invitation, got %+v", invs)
	}
	if err := w.As(paul.UserID).Accept(ctx, paul.UserID, invs[0]); err != nil {
		t.Fatal(err)
	}
	tm, _ = w.Team("t1")
	m, _ = tm.Member(paul.UserID)
	if m.Monitoring.Phase != team.MonitoringEnabled || m.Monitoring.End == nil {
		t.Errorf("expected enabled monitoring keeping its end date, got %+v", m.Monitoring)
	}
}

func TestView_CancelMonitoringInvite(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	hcp := w.As(admin.UserID)

	if err := hcp.InviteRemoteMonitoring(ctx, "t1", paul.UserID, time.Now(), ""); err != nil {
		t.Fatal(err)
	}
	if err := hcp.CancelRemoteMonitoringInvite(ctx, "t1", paul.UserID); err != nil {
		t.Fatal(err)
	}
	tm, _ := w.Team("t1")
	m, _ := tm.Member(paul.UserID)
	if m.Monitoring.Phase != team.MonitoringNone || m.Monitoring.Parameters == nil {
		t.Errorf("expected cleared monitoring keeping parameters, got %+v", m.Monitoring)
	}
	if invs, _ := w.As(paul.UserID).List(ctx, paul.UserID); len(invs) != 0 {
		t.Errorf("expected invitation withdrawn, got %d", len(invs))
	}
}

func TestView_LeaveLastProfessionalDeletesTeam(t *testing.T) {
	w := newWorld(t)
	if err := w.As(admin.UserID).LeaveTeam(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := w.Team("t1"); ok {
		t.Error("team without professionals must be deleted")
	}
}

func TestView_AdminOnly(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.AddTeam(team.Team{ID: "t2", Type: team.TypeMedical, Members: []team.Member{
		{UserID: admin.UserID, Role: team.RoleAdmin, InvitationStatus: team.InvitationAccepted},
		{UserID: nurse.UserID, Role: team.RoleViewer, InvitationStatus: team.InvitationAccepted},
	}})

	if err := w.As(nurse.UserID).DeleteTeam(ctx, "t2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if err := w.As(nurse.UserID).ChangeMemberRole(ctx, "t2", nurse.UserID, team.RoleAdmin); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if err := w.As(admin.UserID).ChangeMemberRole(ctx, "t2", nurse.UserID, team.RoleMember); err != nil {
		t.Fatal(err)
	}
}

func TestView_ErrorsCarryServiceClasses(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.AddTeam(team.Team{ID: "t2", Type: team.TypeMedical, Members: []team.Member{
		{UserID: admin.UserID, Role: team.RoleAdmin, InvitationStatus: team.InvitationAccepted},
		{UserID: nurse.UserID, Role: team.RoleViewer, InvitationStatus: team.InvitationAccepted},
	}})

	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"unknown team", w.As(admin.UserID).EditTeam(ctx, "nope", team.Draft{Name: "X"}), apperr.KindNotFound},
		{"forbidden", w.As(nurse.UserID).DeleteTeam(ctx, "t2"), apperr.KindAuthorization},
		{"unknown member", w.As(admin.UserID).RemoveMember(ctx, "t2", "ghost"), apperr.KindNotFound},
	}
	for _, tt := range tests {
		if got := apperr.KindOf(tt.err); got != tt.want {
			t.Errorf("%s: expected %s, got %s (%v)", tt.name, tt.want, got, tt.err)
		}
	}
}

func TestView_DirectShares(t *testing.T) {
	w := newWorld(t)
	w.Share(paul.UserID, nurse.UserID)
	w.Share(paul.UserID, nurse.UserID)

	shares, err := w.As(nurse.UserID).ListPatientShares(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(shares) != 1 || shares[0].UserID != paul.UserID || shares[0].Role != team.RolePatient {
		t.Fatalf("unexpected shares %+v", shares)
	}
}

func TestWorld_FailInjection(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	boom := errors.New("upload refused")
	w.Fail("UploadPrescription", boom)

	f := monitoring.File{Name: "rx.pdf", ContentType: "application/pdf", Data: []byte("%PDF")}
	if err := w.As(admin.UserID).UploadPrescription(ctx, "t1", paul.UserID, admin.UserID, 3, f); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	w.Fail("UploadPrescription", nil)
	if err := w.As(admin.UserID).UploadPrescription(ctx, "t1", paul.UserID, admin.UserID, 3, f); err != nil {
		t.Fatal(err)
	}
	if list, _ := w.Blobs().ListByPatient(ctx, "t1", paul.UserID); len(list) != 1 {
		t.Errorf("expected one stored prescription, got %d", len(list))
	}
}
