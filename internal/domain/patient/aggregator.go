package patient

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/team"
	"github.com/carelink/carelink/internal/platform/apperr"
)

// DefaultRenewalWindow is how long before the end of an enrollment a
// patient shows up as awaiting renewal.
const DefaultRenewalWindow = 14 * 24 * time.Hour

type Option func(*Aggregator)

func WithRenewalWindow(d time.Duration) Option {
	return func(a *Aggregator) { a.window = d }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// Aggregator derives patient views from the team store. It never writes.
type Aggregator struct {
	store  *team.Store
	data   MedicalDataSource
	logger zerolog.Logger
	window time.Duration
	now    func() time.Time
}

func NewAggregator(store *team.Store, data MedicalDataSource, logger zerolog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:  store,
		data:   data,
		logger: logger.With().Str("component", "patient_aggregator").Logger(),
		window: DefaultRenewalWindow,
		now:    time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Patients lists the patients visible to the session user. A non-empty
// scope restricts the list to one team and reads monitoring and invitation
// status from that team.
func (a *Aggregator) Patients(ctx context.Context, scope string, flagged []string) ([]Patient, error) {
	teams := a.store.Teams()
	if scope != "" {
		found := false
		for _, t := range teams {
			if t.ID == scope {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: team %s", apperr.ErrNotFound, scope)
		}
	}

	self := a.store.Self().UserID
	byID := make(map[string]*Patient)
	var order []string
	for _, t := range teams {
		for _, m := range t.Members {
			if m.Role != team.RolePatient || m.UserID == self {
				continue
			}
			p, ok := byID[m.UserID]
			if !ok {
				p = &Patient{UserID: m.UserID, Profile: m.User}
				byID[m.UserID] = p
				order = append(order, m.UserID)
			}
			pt := PatientTeam{
				TeamID:           t.ID,
				TeamName:         t.Name,
				Code:             t.Code,
				Private:          t.IsPrivate(),
				InvitationStatus: m.InvitationStatus,
				Monitoring:       m.Monitoring,
			}
			p.Teams = append(p.Teams, pt)
		}
	}

	flags := make(map[string]bool, len(flagged))
	for _, id := range flagged {
		flags[id] = true
	}

	out := make([]Patient, 0, len(order))
	for _, id := range order {
		p := byID[id]
		if scope != "" && p.membership(scope) == nil {
			continue
		}
		p.Flagged = flags[id]
		p.Monitoring = p.pickMonitoring(scope)
		out = append(out, *p)
	}

	a.attachAlarms(ctx, out)
	return out, nil
}

// Patient returns one patient across every team.
func (a *Aggregator) Patient(ctx context.Context, id string, flagged []string) (Patient, error) {
	all, err := a.Patients(ctx, "", flagged)
	if err != nil {
		return Patient{}, err
	}
	for _, p := range all {
		if p.UserID == id {
			return p, nil
		}
	}
	return Patient{}, fmt.Errorf("%w: patient %s", apperr.ErrNotFound, id)
}

// attachAlarms degrades to empty alarms when medical data is unavailable.
func (a *Aggregator) attachAlarms(ctx context.Context, patients []Patient) {
	if a.data == nil || len(patients) == 0 {
		return
	}
	ids := make([]string, len(patients))
	for i, p := range patients {
		ids[i] = p.UserID
	}
	alarms, err := a.data.Alarms(ctx, ids)
	if err != nil {
		a.logger.Error().Err(err).Int("patients", len(ids)).Msg("medical data unavailable, alarms left empty")
		return
	}
	for i := range patients {
		patients[i].Alarms = alarms[patients[i].UserID]
	}
}

func (p *Patient) membership(teamID string) *PatientTeam {
	for i := range p.Teams {
		if p.Teams[i].TeamID == teamID {
			return &p.Teams[i]
		}
	}
	return nil
}

// pickMonitoring returns the scoped team's enrollment, or the most advanced
// enrollment across teams when unscoped.
func (p *Patient) pickMonitoring(scope string) *team.Monitoring {
	if scope != "" {
		if pt := p.membership(scope); pt != nil {
			return pt.Monitoring
		}
		return nil
	}
	var best *team.Monitoring
	for _, pt := range p.Teams {
		if pt.Monitoring == nil || pt.Monitoring.Phase == team.MonitoringNone {
			continue
		}
		if best == nil || pt.Monitoring.Phase > best.Phase {
			best = pt.Monitoring
		}
	}
	return best
}

// IsPending is true when the patient has not accepted any team invitation,
// or, within a scope, has not accepted that team's.
func (p Patient) IsPending(scope string) bool {
	if scope != "" {
		pt := p.membership(scope)
		return pt != nil && pt.InvitationStatus == team.InvitationPending
	}
	for _, pt := range p.Teams {
		if pt.InvitationStatus == team.InvitationAccepted {
			return false
		}
	}
	return len(p.Teams) > 0
}

// IsPrivateOnly is true when the patient only shares data directly.
func (p Patient) IsPrivateOnly() bool {
	for _, pt := range p.Teams {
		if !pt.Private {
			return false
		}
	}
	return len(p.Teams) > 0
}

func (p Patient) IsRemoteMonitored() bool {
	return p.Monitoring != nil && p.Monitoring.Enabled()
}

// NeedsRenewal is true when the enrollment ends within window, or already
// ended.
func (p Patient) NeedsRenewal(now time.Time, window time.Duration) bool {
	m := p.Monitoring
	if m == nil || m.Phase == team.MonitoringNone || m.End == nil {
		return false
	}
	return m.End.Sub(now) <= window
}

// Matches reports whether p belongs to filter f.
func (a *Aggregator) Matches(p Patient, f FilterType, scope string) bool {
	switch f {
	case FilterAll, "":
		return true
	case FilterFlagged:
		return p.Flagged
	case FilterPending:
		return p.IsPending(scope)
	case FilterPrivate:
		return p.IsPrivateOnly()
	case FilterRemoteMonitored:
		return p.IsRemoteMonitored()
	case FilterRenew:
		return p.NeedsRenewal(a.now(), a.window)
	case FilterOutOfRange:
		return p.Alarms.TimeSpentAwayFromTargetActive
	case FilterSevereHypoglycemia:
		return p.Alarms.FrequencyOfSevereHypoglycemiaActive
	case FilterDataNotTransferred:
		return p.Alarms.NonDataTransmissionActive
	case FilterUnreadMessages:
		return p.Alarms.UnreadMessages > 0
	default:
		return false
	}
}

// Stats counts the patients per filter.
func (a *Aggregator) Stats(patients []Patient, scope string) FilterStats {
	var s FilterStats
	for _, p := range patients {
		s.All++
		if a.Matches(p, FilterFlagged, scope) {
			s.Flagged++
		}
		if a.Matches(p, FilterPending, scope) {
			s.Pending++
		}
		if a.Matches(p, FilterPrivate, scope) {
			s.Private++
		}
		if a.Matches(p, FilterRemoteMonitored, scope) {
			s.RemoteMonitored++
		}
		if a.Matches(p, FilterRenew, scope) {
			s.Renew++
		}
		if a.Matches(p, FilterOutOfRange, scope) {
			s.OutOfRange++
		}
		if a.Matches(p, FilterSevereHypoglycemia, scope) {
			s.SevereHypoglycemia++
		}
		if a.Matches(p, FilterDataNotTransferred, scope) {
			s.DataNotTransferred++
		}
		if a.Matches(p, FilterUnreadMessages, scope) {
			s.UnreadMessages++
		}
	}
	return s
}

// Filter applies q to patients and returns a new, ordered slice.
func (a *Aggregator) Filter(patients []Patient, q Query, scope string) ([]Patient, error) {
	if q.Filter != "" && !q.Filter.Valid() {
		return nil, fmt.Errorf("%w: unknown filter %q", apperr.ErrValidation, q.Filter)
	}
	if q.Sort != "" && q.Sort != SortByName && q.Sort != SortByFlag {
		return nil, fmt.Errorf("%w: unknown sort %q", apperr.ErrValidation, q.Sort)
	}
	search := strings.ToLower(strings.TrimSpace(q.Search))

	out := make([]Patient, 0, len(patients))
	for _, p := range patients {
		if !a.Matches(p, q.Filter, scope) {
			continue
		}
		if search != "" && !matchesSearch(p, search) {
			continue
		}
		out = append(out, p)
	}

	less := byName
	if q.Sort == SortByFlag {
		less = func(x, y Patient) bool {
			if x.Flagged != y.Flagged {
				return x.Flagged
			}
			return byName(x, y)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.Desc {
			return less(out[j], out[i])
		}
		return less(out[i], out[j])
	})
	return out, nil
}

func matchesSearch(p Patient, search string) bool {
	return strings.Contains(strings.ToLower(p.Profile.FullName()), search) ||
		strings.Contains(strings.ToLower(p.Profile.Username), search)
}

func byName(x, y Patient) bool {
	a, b := strings.ToLower(x.Profile.FullName()), strings.ToLower(y.Profile.FullName())
	if a != b {
		return a < b
	}
	return x.UserID < y.UserID
}
