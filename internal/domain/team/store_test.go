package team

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/apperr"
)

func TestStore_NewHoldsOnlyPrivateTeam(t *testing.T) {
	s := newTestStore(hcpAlice, newMockTeamRepo())
	teams := s.Teams()
	if len(teams) != 1 || teams[0].ID != PrivateTeamID || teams[0].Code != PrivateCode {
		t.Fatalf("expected only the private team, got %+v", teams)
	}
}

func TestStore_RefreshMergesUsersAndKeepsPrivateLast(t *testing.T) {
	alicePartial := member("t1", User{UserID: hcpAlice.UserID, FirstName: "Alice"}, RoleAdmin)
	aliceOther := member("t2", User{UserID: hcpAlice.UserID, LastName: "Martin", Role: UserRoleHCP}, RoleMember)
	repo := newMockTeamRepo(
		medicalTeam("t1", "Beta", alicePartial, member("t1", patPaul, RolePatient)),
		medicalTeam("t2", "alpha", aliceOther),
		medicalTeam("t1", "Beta duplicate"),
		Team{ID: "rogue", Name: "rogue", Code: PrivateCode},
	)
	repo.shares = []Member{
		{UserID: patPaul.UserID, Role: RolePatient, InvitationStatus: InvitationAccepted, User: patPaul},
		{UserID: patPaul.UserID, Role: RolePatient, InvitationStatus: InvitationAccepted},
	}
	s := newTestStore(User{UserID: "u-self", Role: UserRoleHCP}, repo)

	var events []EventKind
	s.Subscribe(func(e Event) { events = append(events, e.Kind) })

	if err := s.Refresh(context.Background(), true); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	teams := s.Teams()
	if len(teams) != 3 {
		t.Fatalf("expected 3 teams, got %d", len(teams))
	}
	if teams[len(teams)-1].ID != PrivateTeamID {
		t.Error("private team must be last")
	}
	privates := 0
	for _, tm := range teams {
		if tm.Code == PrivateCode {
			privates++
		}
	}
	if privates != 1 {
		t.Errorf("expected exactly one private team, got %d", privates)
	}

	u, ok := s.User(hcpAlice.UserID)
	if !ok || u.FirstName != "Alice" || u.LastName != "Martin" {
		t.Errorf("expected merged user, got %+v", u)
	}
	m, err := s.Member("t1", hcpAlice.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if m.User.FullName() != "Alice Martin" {
		t.Errorf("member not joined with merged user: %+v", m.User)
	}

	priv := s.PrivateTeam()
	if len(priv.Members) != 1 || priv.Members[0].TeamID != PrivateTeamID {
		t.Errorf("expected one deduplicated share, got %+v", priv.Members)
	}

	medical := s.MedicalTeams()
	if len(medical) != 2 || medical[0].Name != "alpha" {
		t.Errorf("medical teams not sorted by name: %+v", medical)
	}
	if len(events) != 1 || events[0] != EventRefreshed {
		t.Errorf("expected one refreshed event, got %v", events)
	}
}

func TestStore_RefreshFailureKeepsCachedTeams(t *testing.T) {
	repo := newMockTeamRepo(medicalTeam("t1", "A", member("t1", hcpAlice, RoleAdmin)))
	s := newTestStore(hcpAlice, repo)
	if err := s.Refresh(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	first := s.RefreshedAt()

	repo.listErr = errBoom
	err := s.Refresh(context.Background(), true)
	if !errors.Is(err, apperr.ErrRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if _, err := s.Team("t1"); err != nil {
		t.Errorf("cached team lost: %v", err)
	}
	if !s.RefreshedAt().Equal(first) || s.LastError() == nil {
		t.Error("failed refresh must keep timestamp and record the error")
	}

	repo.listErr = nil
	if err := s.Refresh(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if s.LastError() != nil {
		t.Error("successful refresh clears the error")
	}
}

func TestStore_RefreshHonoursMaxAge(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	repo := newMockTeamRepo()
	s := NewStore(repo, hcpAlice, zerolog.Nop(), WithMaxAge(time.Minute), WithClock(func() time.Time { return now }))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Refresh(ctx, false); err != nil {
			t.Fatal(err)
		}
	}
	if n := repo.called("ListTeams"); n != 1 {
		t.Errorf("expected one fetch while fresh, got %d", n)
	}
	now = now.Add(2 * time.Minute)
	_ = s.Refresh(ctx, false)
	_ = s.Refresh(ctx, true)
	if n := repo.called("ListTeams"); n != 3 {
		t.Errorf("expected stale and forced refreshes to fetch, got %d", n)
	}
}

type blockingRepo struct {
	*mockTeamRepo
	gate  chan struct{}
	count atomic.Int32
}

func (b *blockingRepo) ListTeams(ctx context.Context) ([]Team, error) {
	b.count.Add(1)
	<-b.gate
	return b.mockTeamRepo.ListTeams(ctx)
}

func TestStore_ConcurrentRefreshesShareOneFetch(t *testing.T) {
	repo := &blockingRepo{mockTeamRepo: newMockTeamRepo(), gate: make(chan struct{})}
	s := NewStore(repo, hcpAlice, zerolog.Nop())

	var wg sync.WaitGroup
	started := make(chan struct{})
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-started
			_ = s.Refresh(context.Background(), false)
		}()
	}
	close(started)
	// Let the callers pile up behind the first fetch.
	for repo.count.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(repo.gate)
	wg.Wait()

	if n := repo.count.Load(); n >= 5 {
		t.Errorf("expected coalesced fetches, got %d", n)
	}
}

// holdFirstRepo blocks the first ListTeams after it read the teams.
type holdFirstRepo struct {
	*mockTeamRepo
	entered chan struct{}
	gate    chan struct{}
	calls   atomic.Int32
}

func (h *holdFirstRepo) ListTeams(ctx context.Context) ([]Team, error) {
	teams, err := h.mockTeamRepo.ListTeams(ctx)
	if h.calls.Add(1) == 1 {
		close(h.entered)
		<-h.gate
	}
	return teams, err
}

func TestStore_ForcedRefreshSkipsFetchInFlight(t *testing.T) {
	repo := &holdFirstRepo{
		mockTeamRepo: newMockTeamRepo(medicalTeam("t1", "Old", member("t1", hcpAlice, RoleAdmin))),
		entered:      make(chan struct{}),
		gate:         make(chan struct{}),
	}
	s := NewStore(repo, hcpAlice, zerolog.Nop())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- s.Refresh(ctx, false) }()
	<-repo.entered

	// The remote side changes after the first fetch read it.
	repo.mu.Lock()
	repo.teams[0].Name = "New"
	repo.mu.Unlock()

	if err := s.Refresh(ctx, true); err != nil {
		t.Fatalf("forced refresh: %v", err)
	}
	if tm, err := s.Team("t1"); err != nil || tm.Name != "New" {
		t.Fatalf("forced refresh must fetch again, got %+v %v", tm, err)
	}

	close(repo.gate)
	if err := <-done; err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if tm, _ := s.Team("t1"); tm.Name != "New" {
		t.Errorf("outdated fetch overwrote newer state: name=%q", tm.Name)
	}
	if n := repo.calls.Load(); n != 2 {
		t.Errorf("expected two fetches, got %d", n)
	}
}

func TestStore_ReadsAreSnapshots(t *testing.T) {
	repo := newMockTeamRepo(medicalTeam("t1", "A", member("t1", hcpAlice, RoleAdmin), member("t1", patPaul, RolePatient)))
	s := newTestStore(hcpAlice, repo)
	if err := s.Refresh(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	snap, _ := s.Team("t1")
	snap.Name = "mutated"
	snap.Members[0].Role = RoleViewer

	again, _ := s.Team("t1")
	if again.Name != "A" || again.Members[0].Role != RoleAdmin {
		t.Error("mutating a snapshot changed the store")
	}
}

func TestStore_PrivateTeamIsProtected(t *testing.T) {
	s := newTestStore(hcpAlice, newMockTeamRepo())
	if err := s.Remove(PrivateTeamID); !errors.Is(err, apperr.ErrAuthorization) {
		t.Errorf("expected authorization error, got %v", err)
	}
	if err := s.Upsert(Team{ID: "x", Code: PrivateCode}); !errors.Is(err, apperr.ErrAuthorization) {
		t.Errorf("expected authorization error, got %v", err)
	}
	if err := s.Remove("missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestStore_UpsertKeepsPrivateLast(t *testing.T) {
	s := newTestStore(hcpAlice, newMockTeamRepo())
	if err := s.Upsert(medicalTeam("t9", "New", member("t9", hcpAlice, RoleAdmin))); err != nil {
		t.Fatal(err)
	}
	teams := s.Teams()
	if len(teams) != 2 || teams[0].ID != "t9" || teams[1].ID != PrivateTeamID {
		t.Errorf("unexpected order %+v", teams)
	}
	m, _ := s.Member("t9", hcpAlice.UserID)
	if m.User.FirstName != "Alice" {
		t.Errorf("member not joined: %+v", m.User)
	}
}

func TestStore_SetPatientMonitoring(t *testing.T) {
	repo := newMockTeamRepo(medicalTeam("t1", "A", member("t1", hcpAlice, RoleAdmin), member("t1", patPaul, RolePatient)))
	s := newTestStore(hcpAlice, repo)
	_ = s.Refresh(context.Background(), true)

	var published int
	s.Subscribe(func(Event) { published++ })

	prev, err := s.SetPatientMonitoring("t1", patPaul.UserID, &Monitoring{Phase: MonitoringPending})
	if err != nil || prev != nil {
		t.Fatalf("got prev=%v err=%v", prev, err)
	}
	prev, err = s.SetPatientMonitoring("t1", patPaul.UserID, nil)
	if err != nil || prev == nil || prev.Phase != MonitoringPending {
		t.Fatalf("expected previous pending monitoring, got %v %v", prev, err)
	}
	if published != 0 {
		t.Error("SetPatientMonitoring must not publish")
	}
	if _, err := s.SetPatientMonitoring("t1", hcpAlice.UserID, &Monitoring{}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for HCP target, got %v", err)
	}
	if _, err := s.SetPatientMonitoring("t1", "ghost", &Monitoring{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestStore_SubscribeAndClose(t *testing.T) {
	s := newTestStore(hcpAlice, newMockTeamRepo())
	var got []Event
	unsub := s.Subscribe(func(e Event) { got = append(got, e) })
	s.Publish(Event{Kind: EventMonitoringChanged, TeamID: "t1", PatientID: "p"})
	unsub()
	s.Publish(Event{Kind: EventTeamChanged})
	if len(got) != 1 || got[0].PatientID != "p" {
		t.Errorf("unexpected events %+v", got)
	}

	s.Subscribe(func(e Event) { got = append(got, e) })
	s.Close()
	s.Publish(Event{Kind: EventTeamChanged})
	if len(got) != 1 {
		t.Error("Close must drop subscribers")
	}
}
