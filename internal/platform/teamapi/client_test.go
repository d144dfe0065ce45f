package teamapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/carelink/carelink/internal/domain/team"
	"github.com/carelink/carelink/internal/platform/remote"
)

type recorded struct {
	method string
	path   string
	body   string
}

func newTestClient(t *testing.T, status int, reply string) (*Client, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		calls = append(calls, recorded{method: r.Method, path: r.URL.EscapedPath(), body: string(b)})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, func() string { return "tok" })
	if err != nil {
		t.Fatal(err)
	}
	return c, &calls
}

func TestListTeams_DecodesMonitoring(t *testing.T) {
	reply := `[{"id":"t1","name":"Cardio","code":"123","type":"medical","remotePatientMonitoring":true,
		"members":[{"teamId":"t1","userId":"p1","role":"patient","invitationStatus":"accepted",
		"monitoring":{"enabled":false,"status":"pending","monitoringEnd":"2026-03-01T00:00:00Z"}}]}]`
	c, calls := newTestClient(t, http.StatusOK, reply)

	teams, err := c.ListTeams(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(teams) != 1 || len(teams[0].Members) != 1 {
		t.Fatalf("unexpected teams %+v", teams)
	}
	mon := teams[0].Members[0].Monitoring
	if mon == nil || mon.Phase != team.MonitoringPending {
		t.Fatalf("expected pending monitoring, got %+v", mon)
	}
	if (*calls)[0].path != "/teams" {
		t.Errorf("unexpected path %s", (*calls)[0].path)
	}
}

func TestRequests(t *testing.T) {
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		call   func(c *Client) error
		method string
		path   string
		body   map[string]interface{}
	}{
		{
			name:   "invite member",
			call:   func(c *Client) error { _, err := c.InviteMember(context.Background(), "t1", "a@b.c", team.RoleViewer); return err },
			method: http.MethodPost,
			path:   "/teams/t1/members",
			body:   map[string]interface{}{"email": "a@b.c", "role": "viewer"},
		},
		{
			name:   "change role",
			call:   func(c *Client) error { return c.ChangeMemberRole(context.Background(), "t1", "u 2", team.RoleAdmin) },
			method: http.MethodPut,
			path:   "/teams/t1/members/u%202",
			body:   map[string]interface{}{"role": "admin"},
		},
		{
			name:   "remove member",
			call:   func(c *Client) error { return c.RemoveMember(context.Background(), "t1", "u2") },
			method: http.MethodDelete,
			path:   "/teams/t1/members/u2",
		},
		{
			name:   "leave",
			call:   func(c *Client) error { return c.LeaveTeam(context.Background(), "t1") },
			method: http.MethodPost,
			path:   "/teams/t1/leave",
		},
		{
			name:   "delete",
			call:   func(c *Client) error { return c.DeleteTeam(context.Background(), "t1") },
			method: http.MethodDelete,
			path:   "/teams/t1",
		},
		{
			name: "monitoring",
			call: func(c *Client) error {
				return c.UpdatePatientMonitoring(context.Background(), "t1", "p1", team.Monitoring{Phase: team.MonitoringEnabled, End: &end})
			},
			method: http.MethodPut,
			path:   "/teams/t1/patients/p1/monitoring",
			body:   map[string]interface{}{"enabled": true, "status": "accepted", "monitoringEnd": "2026-04-01T00:00:00Z"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, calls := newTestClient(t, http.StatusOK, `{}`)
			if err := tt.call(c); err != nil {
				t.Fatal(err)
			}
			got := (*calls)[0]
			if got.method != tt.method || got.path != tt.path {
				t.Errorf("expected %s %s, got %s %s", tt.method, tt.path, got.method, got.path)
			}
			if tt.body == nil {
				return
			}
			var body map[string]interface{}
			if err := json.Unmarshal([]byte(got.body), &body); err != nil {
				t.Fatalf("body %q: %v", got.body, err)
			}
			for k, v := range tt.body {
				if body[k] != v {
					t.Errorf("body[%s]: expected %v, got %v", k, v, body[k])
				}
			}
		})
	}
}

func TestRemoteFailure(t *testing.T) {
	c, _ := newTestClient(t, http.StatusConflict, `{"error":"already member"}`)
	_, err := c.InviteMember(context.Background(), "t1", "a@b.c", team.RoleMember)
	if !remote.IsStatus(err, http.StatusConflict) {
		t.Fatalf("expected status 409, got %v", err)
	}
}
