package team

import (
	"fmt"

	"github.com/carelink/carelink/internal/platform/apperr"
)

// IsUserAdministrator reports whether userID holds the admin role in t.
func IsUserAdministrator(t Team, userID string) bool {
	m, ok := t.Member(userID)
	return ok && m.Role == RoleAdmin
}

// IsUserTheOnlyAdministrator is true iff exactly one member is admin and it
// is userID.
func IsUserTheOnlyAdministrator(t Team, userID string) bool {
	var admins []string
	for _, m := range t.Members {
		if m.Role == RoleAdmin {
			admins = append(admins, m.UserID)
		}
	}
	return len(admins) == 1 && admins[0] == userID
}

// NumMedicalMembers counts the HCP (non-patient) members.
func NumMedicalMembers(t Team) int {
	n := 0
	for _, m := range t.Members {
		if m.IsHCP() {
			n++
		}
	}
	return n
}

// TeamHasOnlyOneMember is true iff exactly one HCP member remains.
func TeamHasOnlyOneMember(t Team) bool {
	return NumMedicalMembers(t) == 1
}

// IsAcceptedHCP reports whether userID is an HCP who accepted the invitation.
func IsAcceptedHCP(t Team, userID string) bool {
	m, ok := t.Member(userID)
	return ok && m.IsHCP() && m.InvitationStatus == InvitationAccepted
}

// CanManageMember reports whether actorID may invite or remove a member with
// the given role. Patients are managed by any accepted HCP of the team,
// professionals only by admins.
func CanManageMember(t Team, actorID string, target Role) bool {
	if target == RolePatient {
		return IsAcceptedHCP(t, actorID)
	}
	return IsUserAdministrator(t, actorID)
}

// LeaveOutcome is what happens when a user asks to leave a team.
type LeaveOutcome int

const (
	// LeaveAllowed removes the membership only.
	LeaveAllowed LeaveOutcome = iota
	// LeaveDeletesTeam: the last HCP leaves, so the team goes with them.
	LeaveDeletesTeam
	// LeaveRefusedOnlyAdmin: the sole admin must promote someone first.
	LeaveRefusedOnlyAdmin
)

func (o LeaveOutcome) String() string {
	switch o {
	case LeaveDeletesTeam:
		return "delete-team"
	case LeaveRefusedOnlyAdmin:
		return "only-admin"
	default:
		return "leave"
	}
}

// LeaveDecision is shown to the user before confirmation.
type LeaveDecision struct {
	Outcome LeaveOutcome `json:"outcome"`
	// ShowConsequences asks the UI to warn about losing administrative
	// capabilities. Patients only lose visibility and get no notice.
	ShowConsequences bool `json:"showConsequences"`
}

func (o LeaveOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// DecideLeave evaluates the three-way leave rule for userID in t.
func DecideLeave(t Team, userID string) (LeaveDecision, error) {
	if t.IsPrivate() {
		return LeaveDecision{}, fmt.Errorf("%w: the private team cannot be left", apperr.ErrAuthorization)
	}
	m, ok := t.Member(userID)
	if !ok {
		return LeaveDecision{}, fmt.Errorf("%w: user %s is not a member of team %s", apperr.ErrNotFound, userID, t.ID)
	}
	switch {
	case m.IsHCP() && TeamHasOnlyOneMember(t):
		return LeaveDecision{Outcome: LeaveDeletesTeam, ShowConsequences: true}, nil
	case IsUserTheOnlyAdministrator(t, userID):
		return LeaveDecision{Outcome: LeaveRefusedOnlyAdmin}, nil
	default:
		return LeaveDecision{Outcome: LeaveAllowed, ShowConsequences: m.IsHCP()}, nil
	}
}
