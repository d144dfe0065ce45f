package preference

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRepo struct {
	mu    sync.Mutex
	prefs map[string]*Preferences
	now   func() time.Time
}

// NewMemoryRepo keeps preferences in process, for sandbox runs and
// deployments without a database.
func NewMemoryRepo() Repository {
	return &memoryRepo{prefs: make(map[string]*Preferences), now: time.Now}
}

func (r *memoryRepo) entry(userID string) *Preferences {
	p, ok := r.prefs[userID]
	if !ok {
		p = &Preferences{UserID: userID}
		r.prefs[userID] = p
	}
	return p
}

func (r *memoryRepo) Get(_ context.Context, userID string) (Preferences, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prefs[userID]
	if !ok {
		return Preferences{UserID: userID, FlaggedPatients: []string{}}, nil
	}
	out := *p
	out.FlaggedPatients = append([]string{}, p.FlaggedPatients...)
	return out, nil
}

func (r *memoryRepo) SetSelectedTeam(_ context.Context, userID, teamID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.entry(userID)
	p.SelectedTeamID = teamID
	p.UpdatedAt = r.now()
	return nil
}

func (r *memoryRepo) SetFlag(_ context.Context, userID, patientID string, flagged bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.entry(userID)
	kept := p.FlaggedPatients[:0]
	for _, id := range p.FlaggedPatients {
		if id != patientID {
			kept = append(kept, id)
		}
	}
	if flagged {
		kept = append(kept, patientID)
		sort.Strings(kept)
	}
	p.FlaggedPatients = kept
	p.UpdatedAt = r.now()
	return nil
}
