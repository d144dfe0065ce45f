package team

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/carelink/carelink/internal/platform/apperr"
)

// DefaultMaxAge is how long a successful refresh satisfies non-forced reads.
const DefaultMaxAge = 5 * time.Minute

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) StoreOption {
	return func(s *Store) { s.maxAge = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Store is the session's registry of teams. It is the single writer of team
// and member state; every read returns a deep copy.
type Store struct {
	repo   Repository
	self   User
	logger zerolog.Logger
	maxAge time.Duration
	now    func() time.Time

	group singleflight.Group

	mu          sync.RWMutex
	order       []string
	teams       map[string]*Team
	users       map[string]User
	refreshedAt time.Time
	lastErr     error
	// started numbers each load; installed is the newest one applied.
	started   uint64
	installed uint64

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// NewStore returns a store holding only the private team until the first
// Refresh.
func NewStore(repo Repository, self User, logger zerolog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		repo:   repo,
		self:   self,
		logger: logger.With().Str("component", "team_store").Str("user_id", self.UserID).Logger(),
		maxAge: DefaultMaxAge,
		now:    time.Now,
		teams:  map[string]*Team{PrivateTeamID: newPrivateTeam()},
		order:  []string{PrivateTeamID},
		users:  map[string]User{self.UserID: self},
		subs:   make(map[int]func(Event)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Self returns the session user.
func (s *Store) Self() User { return s.self }

// ---------------------------------------------------------------------------
// Refresh
// ---------------------------------------------------------------------------

// Refresh reloads teams and direct shares from the remote service. Without
// force, a refresh younger than the max age is reused and concurrent callers
// share one fetch. A forced refresh never joins a fetch already in flight,
// which may have read remote state from before the caller's mutation. On
// failure the previous content stays readable.
func (s *Store) Refresh(ctx context.Context, force bool) error {
	if !force && s.fresh() {
		return nil
	}
	if force {
		s.group.Forget("refresh")
	}
	_, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		return nil, s.load(ctx)
	})
	return err
}

func (s *Store) fresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.refreshedAt.IsZero() && s.now().Sub(s.refreshedAt) < s.maxAge
}

func (s *Store) load(ctx context.Context) error {
	s.mu.Lock()
	s.started++
	gen := s.started
	s.mu.Unlock()

	remote, err := s.repo.ListTeams(ctx)
	if err != nil {
		return s.fail(gen, fmt.Errorf("%w: list teams: %w", apperr.ErrRemote, err))
	}
	shares, err := s.repo.ListPatientShares(ctx)
	if err != nil {
		return s.fail(gen, fmt.Errorf("%w: list patient shares: %w", apperr.ErrRemote, err))
	}

	users := map[string]User{s.self.UserID: s.self}
	teams := make(map[string]*Team, len(remote)+1)
	order := make([]string, 0, len(remote)+1)

	for _, rt := range remote {
		if rt.IsPrivate() || rt.ID == PrivateTeamID {
			s.logger.Warn().Str("team_id", rt.ID).Msg("ignoring remote team using the private code")
			continue
		}
		if _, dup := teams[rt.ID]; dup {
			continue
		}
		t := rt.Clone()
		t.Members = collectMembers(t.ID, t.Members, users)
		teams[t.ID] = &t
		order = append(order, t.ID)
	}

	private := newPrivateTeam()
	private.Members = collectMembers(PrivateTeamID, shares, users)
	teams[PrivateTeamID] = private
	order = append(order, PrivateTeamID)

	// Explicit join: every membership sees the merged account record.
	for _, t := range teams {
		for i := range t.Members {
			t.Members[i].User = users[t.Members[i].UserID]
		}
	}

	s.mu.Lock()
	if gen < s.installed {
		s.mu.Unlock()
		s.logger.Debug().Uint64("generation", gen).Msg("dropping outdated refresh")
		return nil
	}
	s.installed = gen
	s.teams = teams
	s.order = order
	s.users = users
	s.refreshedAt = s.now()
	s.lastErr = nil
	s.mu.Unlock()

	s.logger.Debug().Int("teams", len(order)).Int("users", len(users)).Msg("teams refreshed")
	s.Publish(Event{Kind: EventRefreshed})
	return nil
}

func (s *Store) fail(gen uint64, err error) error {
	s.mu.Lock()
	if gen >= s.installed {
		s.lastErr = err
	}
	s.mu.Unlock()
	s.logger.Error().Err(err).Msg("team refresh failed, keeping cached teams")
	return err
}

// collectMembers drops duplicate (team, user) pairs and merges each member's
// user record into the identity map.
func collectMembers(teamID string, in []Member, users map[string]User) []Member {
	out := make([]Member, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, m := range in {
		if m.UserID == "" || seen[m.UserID] {
			continue
		}
		seen[m.UserID] = true
		m = m.clone()
		m.TeamID = teamID
		if m.User.UserID == "" {
			m.User.UserID = m.UserID
		}
		users[m.UserID] = users[m.UserID].merge(m.User)
		out = append(out, m)
	}
	return out
}

// RefreshedAt is the time of the last successful refresh (zero if none).
func (s *Store) RefreshedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshedAt
}

// LastError is the error of the last failed refresh, cleared on success.
func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func (s *Store) Team(id string) (Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[id]
	if !ok {
		return Team{}, fmt.Errorf("%w: team %s", apperr.ErrNotFound, id)
	}
	return t.Clone(), nil
}

// Teams returns every team in fetch order, the private team last.
func (s *Store) Teams() []Team {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Team, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.teams[id].Clone())
	}
	return out
}

// MedicalTeams returns the medical teams sorted by name.
func (s *Store) MedicalTeams() []Team {
	return s.filterSorted(func(t *Team) bool { return t.IsMedical() })
}

// RemoteMonitoringTeams returns the medical teams with monitoring enabled at
// team level.
func (s *Store) RemoteMonitoringTeams() []Team {
	return s.filterSorted(func(t *Team) bool { return t.IsMedical() && t.RemotePatientMonitoring })
}

func (s *Store) PrivateTeam() Team {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.teams[PrivateTeamID].Clone()
}

func (s *Store) filterSorted(keep func(*Team) bool) []Team {
	s.mu.RLock()
	var out []Team
	for _, id := range s.order {
		if t := s.teams[id]; keep(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()
	SortByName(out)
	return out
}

// SortByName orders teams by name, case-insensitively, then by id.
func SortByName(teams []Team) {
	sort.SliceStable(teams, func(i, j int) bool {
		a, b := strings.ToLower(teams[i].Name), strings.ToLower(teams[j].Name)
		if a != b {
			return a < b
		}
		return teams[i].ID < teams[j].ID
	})
}

// Member returns one membership.
func (s *Store) Member(teamID, userID string) (Member, error) {
	t, err := s.Team(teamID)
	if err != nil {
		return Member{}, err
	}
	m, ok := t.Member(userID)
	if !ok {
		return Member{}, fmt.Errorf("%w: member %s in team %s", apperr.ErrNotFound, userID, teamID)
	}
	return m, nil
}

// User returns the merged account record for id.
func (s *Store) User(id string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// ---------------------------------------------------------------------------
// Local mutations
// ---------------------------------------------------------------------------

// Upsert inserts or replaces a non-private team, for example right after it
// was created remotely.
func (s *Store) Upsert(t Team) error {
	if t.IsPrivate() || t.ID == PrivateTeamID {
		return fmt.Errorf("%w: the private team is managed by the store", apperr.ErrAuthorization)
	}
	c := t.Clone()
	s.mu.Lock()
	c.Members = collectMembers(c.ID, c.Members, s.users)
	for i := range c.Members {
		c.Members[i].User = s.users[c.Members[i].UserID]
	}
	if _, exists := s.teams[c.ID]; !exists {
		// Keep the private team last.
		n := len(s.order)
		s.order = append(s.order[:n-1:n-1], c.ID, PrivateTeamID)
	}
	s.teams[c.ID] = &c
	s.mu.Unlock()

	s.Publish(Event{Kind: EventTeamChanged, TeamID: c.ID})
	return nil
}

// Remove drops a team. The private team cannot be removed.
func (s *Store) Remove(teamID string) error {
	if teamID == PrivateTeamID {
		return fmt.Errorf("%w: the private team cannot be removed", apperr.ErrAuthorization)
	}
	s.mu.Lock()
	if _, ok := s.teams[teamID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: team %s", apperr.ErrNotFound, teamID)
	}
	delete(s.teams, teamID)
	for i, id := range s.order {
		if id == teamID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.Publish(Event{Kind: EventTeamRemoved, TeamID: teamID})
	return nil
}

// Update applies fn to the stored team under the write lock.
func (s *Store) Update(teamID string, fn func(t *Team) error) error {
	s.mu.Lock()
	t, ok := s.teams[teamID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: team %s", apperr.ErrNotFound, teamID)
	}
	work := t.Clone()
	if err := fn(&work); err != nil {
		s.mu.Unlock()
		return err
	}
	for i := range work.Members {
		m := &work.Members[i]
		m.TeamID = teamID
		if m.User.UserID != "" {
			s.users[m.UserID] = s.users[m.UserID].merge(m.User)
		}
		m.User = s.users[m.UserID]
	}
	s.teams[teamID] = &work
	s.mu.Unlock()

	s.Publish(Event{Kind: EventTeamChanged, TeamID: teamID})
	return nil
}

// SetPatientMonitoring replaces a patient's enrollment in one team and
// returns the previous value (nil when there was none). It does not publish;
// callers announce the change once their workflow step is done.
func (s *Store) SetPatientMonitoring(teamID, patientID string, m *Monitoring) (*Monitoring, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[teamID]
	if !ok {
		return nil, fmt.Errorf("%w: team %s", apperr.ErrNotFound, teamID)
	}
	for i := range t.Members {
		mem := &t.Members[i]
		if mem.UserID != patientID {
			continue
		}
		if mem.Role != RolePatient {
			return nil, fmt.Errorf("%w: user %s is not a patient of team %s", apperr.ErrValidation, patientID, teamID)
		}
		prev := mem.Monitoring
		if m == nil {
			mem.Monitoring = nil
		} else {
			c := m.Clone()
			mem.Monitoring = &c
		}
		return prev, nil
	}
	return nil, fmt.Errorf("%w: patient %s in team %s", apperr.ErrNotFound, patientID, teamID)
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Subscribe registers fn for every Event. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Publish delivers e to every subscriber, outside any store lock.
func (s *Store) Publish(e Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

// Close drops every subscriber. The store stays readable.
func (s *Store) Close() {
	s.subMu.Lock()
	s.subs = make(map[int]func(Event))
	s.subMu.Unlock()
}
