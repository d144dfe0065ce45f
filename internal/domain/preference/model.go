package preference

import (
	"context"
	"time"
)

// Preferences is the per-user state kept across sessions.
type Preferences struct {
	UserID          string    `json:"userId"`
	SelectedTeamID  string    `json:"selectedTeamId,omitempty"`
	FlaggedPatients []string  `json:"flaggedPatients"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Repository stores preferences. Get returns empty preferences for an unknown
// user.
type Repository interface {
	Get(ctx context.Context, userID string) (Preferences, error)
	SetSelectedTeam(ctx context.Context, userID, teamID string) error
	SetFlag(ctx context.Context, userID, patientID string, flagged bool) error
}
