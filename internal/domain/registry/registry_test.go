package registry_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/monitoring"
	"github.com/carelink/carelink/internal/domain/preference"
	"github.com/carelink/carelink/internal/domain/registry"
	"github.com/carelink/carelink/internal/domain/team"
	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/inflight"
)

// countingTeams counts the store refreshes reaching the Team API.
type countingTeams struct {
	team.Repository
	lists atomic.Int32
}

func (c *countingTeams) ListTeams(ctx context.Context) ([]team.Team, error) {
	c.lists.Add(1)
	return c.Repository.ListTeams(ctx)
}

func newRegistry(t *testing.T, e *env) (*registry.Registry, *countingTeams) {
	t.Helper()
	col, err := registry.SandboxBackend{World: e.world}.Collaborators(auth.Principal{UserID: admin.UserID}, nil)
	if err != nil {
		t.Fatal(err)
	}
	teams := &countingTeams{Repository: col.Teams}
	col.Teams = teams
	r := registry.New(admin, col, preference.NewMemoryRepo(), inflight.NewLocalGuard(), zerolog.Nop(),
		registry.Options{MaxAge: time.Hour})
	if err := r.Refresh(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	teams.lists.Store(0)
	return r, teams
}

func TestRegistry_CancelWithoutInviteSkipsNetwork(t *testing.T) {
	e := newEnv(t)
	r, teams := newRegistry(t, e)
	e.world.Fail("CancelRemoteMonitoringInvite", errors.New("must not be called"))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := r.CancelMonitoringInvite(ctx, "t1", paul.UserID)
		if err != nil {
			t.Fatalf("cancel %d: %v", i, err)
		}
		if res.Changed {
			t.Errorf("cancel %d: nothing to cancel, got %+v", i, res)
		}
	}
	if n := teams.lists.Load(); n != 0 {
		t.Errorf("expected no team refresh, got %d", n)
	}
}

func TestRegistry_SecondCancelSkipsRefresh(t *testing.T) {
	e := newEnv(t)
	r, teams := newRegistry(t, e)
	ctx := context.Background()

	rx := monitoring.Prescription{
		TeamID:         "t1",
		MemberID:       admin.UserID,
		File:           &monitoring.File{Name: "rx.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")},
		NumberOfMonths: 3,
	}
	if _, err := r.InviteMonitoring(ctx, paul.UserID, rx); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if _, err := r.CancelMonitoringInvite(ctx, "t1", paul.UserID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	afterFirst := teams.lists.Load()
	if afterFirst != 2 {
		t.Errorf("expected one refresh per effective command, got %d", afterFirst)
	}

	if _, err := r.CancelMonitoringInvite(ctx, "t1", paul.UserID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if n := teams.lists.Load(); n != afterFirst {
		t.Errorf("second cancel refreshed the store: %d -> %d", afterFirst, n)
	}
}

func TestRegistry_NotFoundForcesRefresh(t *testing.T) {
	e := newEnv(t)
	r, teams := newRegistry(t, e)
	ctx := context.Background()

	// Created by another session after this one loaded.
	e.world.AddTeam(team.Team{
		ID: "t9", Name: "Pediatrics", Code: "987654321", Type: team.TypeMedical,
		Members: []team.Member{{UserID: admin.UserID, Role: team.RoleAdmin, InvitationStatus: team.InvitationAccepted}},
	})

	_, err := r.InviteMember(ctx, "t9", nurse.Username, team.RoleMember)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if n := teams.lists.Load(); n != 1 {
		t.Fatalf("expected one forced refresh, got %d", n)
	}

	if _, err := r.InviteMember(ctx, "t9", nurse.Username, team.RoleMember); err != nil {
		t.Fatalf("retry after refresh: %v", err)
	}
}

func TestRegistry_ConflictDoesNotRefresh(t *testing.T) {
	e := newEnv(t)
	r, teams := newRegistry(t, e)

	_, err := r.RemoveMonitoring(context.Background(), "t1", paul.UserID)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if n := teams.lists.Load(); n != 0 {
		t.Errorf("expected no refresh, got %d", n)
	}
}

func TestRegistry_RemoteNotFoundDropsStaleTeam(t *testing.T) {
	e := newEnv(t)
	r, teams := newRegistry(t, e)
	ctx := context.Background()

	// Another session deletes the team; this store still has it.
	if err := e.world.As(admin.UserID).DeleteTeam(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	draft := team.Draft{Name: "Renamed", Address: &team.Address{Line1: "1 rue A", ZipCode: "75001", City: "Paris", Country: "FR"}}
	_, err := r.EditTeam(ctx, "t1", draft)
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found from the team service, got %v", err)
	}
	if n := teams.lists.Load(); n != 1 {
		t.Errorf("expected one forced refresh, got %d", n)
	}
	for _, tm := range r.Store().Teams() {
		if tm.ID == "t1" {
			t.Error("deleted team still in the store")
		}
	}
}
