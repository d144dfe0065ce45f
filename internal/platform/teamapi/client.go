// Package teamapi is the HTTP client of the remote Team service. It
// implements team.Repository and monitoring.Updater.
package teamapi

import (
	"context"
	"net/http"

	"github.com/carelink/carelink/internal/domain/team"
	"github.com/carelink/carelink/internal/platform/remote"
)

type Client struct {
	rc *remote.Client
}

// New builds a client calling baseURL with the principal's token.
func New(baseURL string, token func() string, opts ...remote.Option) (*Client, error) {
	rc, err := remote.New("team-api", baseURL, token, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{rc: rc}, nil
}

func (c *Client) ListTeams(ctx context.Context) ([]team.Team, error) {
	var out []team.Team
	if err := c.rc.JSON(ctx, http.MethodGet, "/teams", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListPatientShares(ctx context.Context) ([]team.Member, error) {
	var out []team.Member
	if err := c.rc.JSON(ctx, http.MethodGet, "/shares/patients", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateTeam(ctx context.Context, d team.Draft) (team.Team, error) {
	var out team.Team
	err := c.rc.JSON(ctx, http.MethodPost, "/teams", nil, d, &out)
	return out, err
}

func (c *Client) EditTeam(ctx context.Context, teamID string, d team.Draft) error {
	return c.rc.JSON(ctx, http.MethodPut, remote.Path("teams", teamID), nil, d, nil)
}

type inviteRequest struct {
	Email string    `json:"email"`
	Role  team.Role `json:"role"`
}

func (c *Client) InviteMember(ctx context.Context, teamID, email string, role team.Role) (team.Member, error) {
	var out team.Member
	err := c.rc.JSON(ctx, http.MethodPost, remote.Path("teams", teamID, "members"), nil, inviteRequest{Email: email, Role: role}, &out)
	return out, err
}

type roleRequest struct {
	Role team.Role `json:"role"`
}

func (c *Client) ChangeMemberRole(ctx context.Context, teamID, userID string, role team.Role) error {
	return c.rc.JSON(ctx, http.MethodPut, remote.Path("teams", teamID, "members", userID), nil, roleRequest{Role: role}, nil)
}

func (c *Client) RemoveMember(ctx context.Context, teamID, userID string) error {
	return c.rc.JSON(ctx, http.MethodDelete, remote.Path("teams", teamID, "members", userID), nil, nil, nil)
}

func (c *Client) LeaveTeam(ctx context.Context, teamID string) error {
	return c.rc.JSON(ctx, http.MethodPost, remote.Path("teams", teamID, "leave"), nil, nil, nil)
}

func (c *Client) DeleteTeam(ctx context.Context, teamID string) error {
	return c.rc.JSON(ctx, http.MethodDelete, remote.Path("teams", teamID), nil, nil, nil)
}

func (c *Client) UpdateTeamAlerts(ctx context.Context, teamID string, params team.AlertsParameters) error {
	return c.rc.JSON(ctx, http.MethodPut, remote.Path("teams", teamID, "alerts"), nil, params, nil)
}

// UpdatePatientMonitoring sends the full monitoring record, including the
// derived enabled/status fields.
func (c *Client) UpdatePatientMonitoring(ctx context.Context, teamID, patientID string, m team.Monitoring) error {
	return c.rc.JSON(ctx, http.MethodPut, remote.Path("teams", teamID, "patients", patientID, "monitoring"), nil, m, nil)
}
