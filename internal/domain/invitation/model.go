package invitation

import (
	"context"
	"time"

	"github.com/carelink/carelink/internal/domain/team"
)

// Type is the kind of notification behind an invitation.
type Type string

const (
	TypeMedicalTeam        Type = "medical_team_invitation"
	TypeMedicalTeamPatient Type = "medical_team_patient_invitation"
	TypeMonitoring         Type = "medical_team_monitoring_invitation"
	TypeDirect             Type = "direct_invitation"
)

// Invitation is a pending request addressed to the session user.
type Invitation struct {
	ID       string    `json:"id"`
	Type     Type      `json:"type"`
	Creator  team.User `json:"creator"`
	TeamID   string    `json:"teamId,omitempty"`
	TeamName string    `json:"teamName,omitempty"`
	Email    string    `json:"email"`
	Role     team.Role `json:"role,omitempty"`
	Created  time.Time `json:"created"`
}

// Repository is the invitation part of the Notification API.
type Repository interface {
	List(ctx context.Context, userID string) ([]Invitation, error)
	Accept(ctx context.Context, userID string, inv Invitation) error
	Decline(ctx context.Context, userID string, inv Invitation) error
}
