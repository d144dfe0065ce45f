// Package notification is the HTTP client of the remote Notification
// service: pending invitations and remote-monitoring invitations.
package notification

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/carelink/carelink/internal/domain/invitation"
	"github.com/carelink/carelink/internal/platform/remote"
)

// Client implements invitation.Repository and monitoring.Notifier.
type Client struct {
	rc *remote.Client
}

func New(baseURL string, token func() string, opts ...remote.Option) (*Client, error) {
	rc, err := remote.New("notification-api", baseURL, token, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{rc: rc}, nil
}

// List returns the invitations addressed to userID.
func (c *Client) List(ctx context.Context, userID string) ([]invitation.Invitation, error) {
	var out []invitation.Invitation
	q := url.Values{"userId": {userID}}
	if err := c.rc.JSON(ctx, http.MethodGet, "/notifications", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// answerRequest echoes the invitation so the service can route it without
// a second lookup.
type answerRequest struct {
	UserID string          `json:"userId"`
	Type   invitation.Type `json:"type"`
	TeamID string          `json:"teamId,omitempty"`
	Email  string          `json:"email"`
}

func (c *Client) Accept(ctx context.Context, userID string, inv invitation.Invitation) error {
	return c.answer(ctx, "accept", userID, inv)
}

func (c *Client) Decline(ctx context.Context, userID string, inv invitation.Invitation) error {
	return c.answer(ctx, "decline", userID, inv)
}

func (c *Client) answer(ctx context.Context, verb, userID string, inv invitation.Invitation) error {
	body := answerRequest{UserID: userID, Type: inv.Type, TeamID: inv.TeamID, Email: inv.Email}
	return c.rc.JSON(ctx, http.MethodPost, remote.Path("notifications", inv.ID, verb), nil, body, nil)
}

type monitoringInviteRequest struct {
	MonitoringEnd time.Time `json:"monitoringEnd"`
	Physician     string    `json:"physician,omitempty"`
}

// InviteRemoteMonitoring asks the patient to join remote monitoring until end.
func (c *Client) InviteRemoteMonitoring(ctx context.Context, teamID, patientID string, end time.Time, physician string) error {
	return c.rc.JSON(ctx, http.MethodPost, monitoringPath(teamID, patientID), nil,
		monitoringInviteRequest{MonitoringEnd: end.UTC(), Physician: physician}, nil)
}

func (c *Client) CancelRemoteMonitoringInvite(ctx context.Context, teamID, patientID string) error {
	return c.rc.JSON(ctx, http.MethodDelete, monitoringPath(teamID, patientID), nil, nil, nil)
}

func monitoringPath(teamID, patientID string) string {
	return remote.Path("teams", teamID, "patients", patientID, "monitoring", "invite")
}
