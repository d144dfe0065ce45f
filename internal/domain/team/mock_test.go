package team

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/inflight"
)

// -- Mock Repository --

type mockTeamRepo struct {
	mu      sync.Mutex
	teams   []Team
	shares  []Member
	listErr error
	failOn  map[string]error
	calls   []string
	created Team
	invited Member
}

func newMockTeamRepo(teams ...Team) *mockTeamRepo {
	return &mockTeamRepo{teams: teams, failOn: map[string]error{}}
}

func (m *mockTeamRepo) record(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op)
	return m.failOn[op]
}

func (m *mockTeamRepo) called(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (m *mockTeamRepo) ListTeams(context.Context) ([]Team, error) {
	if err := m.record("ListTeams"); err != nil {
		return nil, err
	}
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]Team, len(m.teams))
	for i, t := range m.teams {
		out[i] = t.Clone()
	}
	return out, nil
}

func (m *mockTeamRepo) ListPatientShares(context.Context) ([]Member, error) {
	if err := m.record("ListPatientShares"); err != nil {
		return nil, err
	}
	return append([]Member(nil), m.shares...), nil
}

func (m *mockTeamRepo) CreateTeam(_ context.Context, d Draft) (Team, error) {
	if err := m.record("CreateTeam"); err != nil {
		return Team{}, err
	}
	t := m.created
	t.Name = d.Name
	t.Address = d.Address
	return t, nil
}

func (m *mockTeamRepo) EditTeam(context.Context, string, Draft) error { return m.record("EditTeam") }

func (m *mockTeamRepo) InviteMember(_ context.Context, teamID, email string, role Role) (Member, error) {
	if err := m.record("InviteMember"); err != nil {
		return Member{}, err
	}
	inv := m.invited
	inv.Role = role
	return inv, nil
}

func (m *mockTeamRepo) ChangeMemberRole(context.Context, string, string, Role) error {
	return m.record("ChangeMemberRole")
}
func (m *mockTeamRepo) RemoveMember(context.Context, string, string) error {
	return m.record("RemoveMember")
}
func (m *mockTeamRepo) LeaveTeam(context.Context, string) error  { return m.record("LeaveTeam") }
func (m *mockTeamRepo) DeleteTeam(context.Context, string) error { return m.record("DeleteTeam") }
func (m *mockTeamRepo) UpdateTeamAlerts(context.Context, string, AlertsParameters) error {
	return m.record("UpdateTeamAlerts")
}
func (m *mockTeamRepo) UpdatePatientMonitoring(context.Context, string, string, Monitoring) error {
	return m.record("UpdatePatientMonitoring")
}

var errBoom = errors.New("boom")

// -- Fixtures --

var (
	hcpAlice = User{UserID: "u-alice", Username: "alice@example.com", Role: UserRoleHCP, FirstName: "Alice", LastName: "Martin"}
	hcpBob   = User{UserID: "u-bob", Username: "bob@example.com", Role: UserRoleHCP, FirstName: "Bob", LastName: "Durand"}
	patPaul  = User{UserID: "p-paul", Username: "paul@example.com", Role: UserRolePatient, FirstName: "Paul"}
)

func member(teamID string, u User, role Role) Member {
	return Member{TeamID: teamID, UserID: u.UserID, Role: role, InvitationStatus: InvitationAccepted, User: u}
}

func medicalTeam(id, name string, members ...Member) Team {
	return Team{ID: id, Name: name, Code: "code-" + id, Type: TypeMedical, Members: members}
}

func newTestStore(self User, repo *mockTeamRepo) *Store {
	return NewStore(repo, self, zerolog.Nop())
}

func newTestService(self User, repo *mockTeamRepo) (*Service, *Store) {
	store := newTestStore(self, repo)
	if err := store.Refresh(context.Background(), true); err != nil {
		panic(err)
	}
	return NewService(store, repo, inflight.NewLocalGuard(), zerolog.Nop()), store
}
