package team

import (
	"context"
)

// Repository is the remote Team service. Implementations live in
// internal/platform/teamapi (HTTP) and internal/platform/sandbox (memory).
type Repository interface {
	ListTeams(ctx context.Context) ([]Team, error)
	// ListPatientShares returns the caller's direct (non-team) shares; they
	// become the members of the private team.
	ListPatientShares(ctx context.Context) ([]Member, error)
	CreateTeam(ctx context.Context, d Draft) (Team, error)
	EditTeam(ctx context.Context, teamID string, d Draft) error
	InviteMember(ctx context.Context, teamID, email string, role Role) (Member, error)
	ChangeMemberRole(ctx context.Context, teamID, userID string, role Role) error
	RemoveMember(ctx context.Context, teamID, userID string) error
	LeaveTeam(ctx context.Context, teamID string) error
	DeleteTeam(ctx context.Context, teamID string) error
	UpdateTeamAlerts(ctx context.Context, teamID string, params AlertsParameters) error
	UpdatePatientMonitoring(ctx context.Context, teamID, patientID string, m Monitoring) error
}
