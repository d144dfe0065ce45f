package team

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type classifies a team.
type Type string

const (
	TypeMedical   Type = "medical"
	TypePrivate   Type = "private"
	TypeCaregiver Type = "caregiver"
)

// PrivateCode identifies the synthetic per-session team holding direct
// shares. It is never persisted remotely.
const (
	PrivateCode   = "private"
	PrivateTeamID = "private"
)

// Role is a member's role inside one team.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleMember  Role = "member"
	RoleViewer  Role = "viewer"
	RolePatient Role = "patient"
)

// IsHCP reports whether the role belongs to a healthcare professional.
func (r Role) IsHCP() bool {
	return r == RoleAdmin || r == RoleMember || r == RoleViewer
}

func (r Role) Valid() bool {
	return r.IsHCP() || r == RolePatient
}

// InvitationStatus tracks a membership invitation.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
)

// UserRole is the platform-wide role of an account.
type UserRole string

const (
	UserRoleHCP       UserRole = "hcp"
	UserRolePatient   UserRole = "patient"
	UserRoleCaregiver UserRole = "caregiver"
)

// User is an account as seen through team memberships. The store keeps one
// User per id and joins it into members on read.
type User struct {
	UserID    string   `json:"userId"`
	Username  string   `json:"username,omitempty"`
	Role      UserRole `json:"role,omitempty"`
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
}

// FullName returns "First Last", falling back to the username.
func (u User) FullName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// merge fills the empty fields of u from o.
func (u User) merge(o User) User {
	if u.UserID == "" {
		u.UserID = o.UserID
	}
	if u.Username == "" {
		u.Username = o.Username
	}
	if u.Role == "" {
		u.Role = o.Role
	}
	if u.FirstName == "" {
		u.FirstName = o.FirstName
	}
	if u.LastName == "" {
		u.LastName = o.LastName
	}
	return u
}

type Address struct {
	Line1   string `json:"line1" validate:"notblank"`
	Line2   string `json:"line2,omitempty"`
	ZipCode string `json:"zipCode" validate:"notblank"`
	City    string `json:"city" validate:"notblank"`
	Country string `json:"country" validate:"notblank"`
}

// AlertsParameters configures the remote-monitoring alerts of a team or of a
// single enrolled patient.
type AlertsParameters struct {
	BgUnit              string  `json:"bgUnit" validate:"required,oneof=mg/dL mmol/L"`
	LowBg               float64 `json:"lowBg" validate:"gt=0"`
	HighBg              float64 `json:"highBg" validate:"gtfield=LowBg"`
	VeryLowBg           float64 `json:"veryLowBg" validate:"gt=0,ltfield=LowBg"`
	OutOfRangeThreshold int     `json:"outOfRangeThreshold" validate:"min=0,max=100"`
	HypoThreshold       int     `json:"hypoThreshold" validate:"min=0,max=100"`
	NonDataTxThreshold  int     `json:"nonDataTxThreshold" validate:"min=0,max=100"`
	ReportingPeriod     int     `json:"reportingPeriod" validate:"gt=0"`
}

// ---------------------------------------------------------------------------
// Monitoring
// ---------------------------------------------------------------------------

// MonitoringPhase is the single source of truth for a patient's enrollment.
// The wire fields enabled/status are derived from it.
type MonitoringPhase int

const (
	MonitoringNone MonitoringPhase = iota
	MonitoringPending
	MonitoringAccepted
	MonitoringEnabled
)

func (p MonitoringPhase) String() string {
	switch p {
	case MonitoringPending:
		return "pending"
	case MonitoringAccepted:
		return "accepted"
	case MonitoringEnabled:
		return "enabled"
	default:
		return "none"
	}
}

// MonitoringStatus is the wire status of an enrollment.
type MonitoringStatus string

const (
	MonitoringStatusPending  MonitoringStatus = "pending"
	MonitoringStatusAccepted MonitoringStatus = "accepted"
)

// Monitoring is one patient's enrollment within one team.
type Monitoring struct {
	Phase      MonitoringPhase
	End        *time.Time
	Parameters *AlertsParameters
	// InconsistentStep names the workflow step that failed after the remote
	// state already changed. Empty when local and remote agree.
	InconsistentStep string
}

func (m Monitoring) Enabled() bool { return m.Phase == MonitoringEnabled }

// Status is empty for MonitoringNone.
func (m Monitoring) Status() MonitoringStatus {
	switch m.Phase {
	case MonitoringPending:
		return MonitoringStatusPending
	case MonitoringAccepted, MonitoringEnabled:
		return MonitoringStatusAccepted
	default:
		return ""
	}
}

func (m Monitoring) Clone() Monitoring {
	out := m
	if m.End != nil {
		end := *m.End
		out.End = &end
	}
	if m.Parameters != nil {
		p := *m.Parameters
		out.Parameters = &p
	}
	return out
}

type monitoringWire struct {
	Enabled          bool              `json:"enabled"`
	Status           MonitoringStatus  `json:"status,omitempty"`
	MonitoringEnd    *time.Time        `json:"monitoringEnd,omitempty"`
	Parameters       *AlertsParameters `json:"parameters,omitempty"`
	InconsistentStep string            `json:"inconsistentStep,omitempty"`
}

func (m Monitoring) MarshalJSON() ([]byte, error) {
	return json.Marshal(monitoringWire{
		Enabled:          m.Enabled(),
		Status:           m.Status(),
		MonitoringEnd:    m.End,
		Parameters:       m.Parameters,
		InconsistentStep: m.InconsistentStep,
	})
}

// UnmarshalJSON accepts the two-field wire encoding. enabled=true always
// decodes to MonitoringEnabled; a remote record claiming enabled with a
// pending status has no other representable meaning.
func (m *Monitoring) UnmarshalJSON(data []byte) error {
	var w monitoringWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	phase := MonitoringNone
	switch {
	case w.Enabled:
		phase = MonitoringEnabled
	case w.Status == MonitoringStatusPending:
		phase = MonitoringPending
	case w.Status == MonitoringStatusAccepted:
		phase = MonitoringAccepted
	case w.Status != "":
		return fmt.Errorf("unknown monitoring status %q", w.Status)
	}
	*m = Monitoring{Phase: phase, End: w.MonitoringEnd, Parameters: w.Parameters, InconsistentStep: w.InconsistentStep}
	return nil
}

// ---------------------------------------------------------------------------
// Team & Member
// ---------------------------------------------------------------------------

// Member is one (team, user) membership.
type Member struct {
	TeamID           string           `json:"teamId"`
	UserID           string           `json:"userId"`
	Role             Role             `json:"role"`
	InvitationStatus InvitationStatus `json:"invitationStatus"`
	// Email is set for invitations sent to an address.
	Email      string      `json:"email,omitempty"`
	User       User        `json:"user"`
	Monitoring *Monitoring `json:"monitoring,omitempty"`
}

func (m Member) IsHCP() bool { return m.Role.IsHCP() }

// MatchesEmail compares case-insensitively against the invitation address
// and the account username.
func (m Member) MatchesEmail(email string) bool {
	email = strings.TrimSpace(email)
	return (m.Email != "" && strings.EqualFold(m.Email, email)) ||
		(m.User.Username != "" && strings.EqualFold(m.User.Username, email))
}

func (m Member) clone() Member {
	out := m
	if m.Monitoring != nil {
		mon := m.Monitoring.Clone()
		out.Monitoring = &mon
	}
	return out
}

type Team struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Code    string   `json:"code"`
	Type    Type     `json:"type"`
	Address *Address `json:"address,omitempty"`
	Phone   string   `json:"phone,omitempty"`
	Email   string   `json:"email,omitempty"`
	// RemotePatientMonitoring is the team-level switch enabling enrollment.
	RemotePatientMonitoring    bool              `json:"remotePatientMonitoring"`
	MonitoringAlertsParameters *AlertsParameters `json:"monitoringAlertsParameters,omitempty"`
	Members                    []Member          `json:"members"`
}

func (t Team) IsPrivate() bool { return t.Code == PrivateCode || t.Type == TypePrivate }
func (t Team) IsMedical() bool { return t.Type == TypeMedical }

// Member looks up a membership by user id.
func (t Team) Member(userID string) (Member, bool) {
	for _, m := range t.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

// Patients returns the patient memberships.
func (t Team) Patients() []Member {
	var out []Member
	for _, m := range t.Members {
		if m.Role == RolePatient {
			out = append(out, m)
		}
	}
	return out
}

// Clone returns a deep copy; snapshots handed out by the store never alias
// its internal state.
func (t Team) Clone() Team {
	out := t
	if t.Address != nil {
		a := *t.Address
		out.Address = &a
	}
	if t.MonitoringAlertsParameters != nil {
		p := *t.MonitoringAlertsParameters
		out.MonitoringAlertsParameters = &p
	}
	if t.Members != nil {
		out.Members = make([]Member, len(t.Members))
		for i, m := range t.Members {
			out.Members[i] = m.clone()
		}
	}
	return out
}

// Draft carries the editable fields of a medical team.
type Draft struct {
	Name                    string   `json:"name" validate:"notblank"`
	Address                 *Address `json:"address" validate:"required"`
	Phone                   string   `json:"phone,omitempty"`
	Email                   string   `json:"email,omitempty" validate:"omitempty,email"`
	RemotePatientMonitoring bool     `json:"remotePatientMonitoring"`
}

func newPrivateTeam() *Team {
	return &Team{
		ID:      PrivateTeamID,
		Name:    "private",
		Code:    PrivateCode,
		Type:    TypePrivate,
		Members: []Member{},
	}
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

type EventKind string

const (
	EventRefreshed         EventKind = "refreshed"
	EventTeamChanged       EventKind = "team-changed"
	EventTeamRemoved       EventKind = "team-removed"
	EventMonitoringChanged EventKind = "monitoring-changed"
)

// Event tells dependents that store content changed.
type Event struct {
	Kind      EventKind
	TeamID    string
	PatientID string
}
