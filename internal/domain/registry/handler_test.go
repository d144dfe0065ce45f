package registry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/preference"
	"github.com/carelink/carelink/internal/domain/registry"
	"github.com/carelink/carelink/internal/domain/team"
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/inflight"
	"github.com/carelink/carelink/internal/platform/sandbox"
)

var (
	admin = team.User{UserID: "u-admin", Username: "admin@clinic.fr", Role: team.UserRoleHCP, FirstName: "Ada", LastName: "Martin"}
	nurse = team.User{UserID: "u-nurse", Username: "nurse@clinic.fr", Role: team.UserRoleHCP, FirstName: "Nina"}
	paul  = team.User{UserID: "p-1", Username: "paul@mail.fr", Role: team.UserRolePatient, FirstName: "Paul", LastName: "Durand"}
)

type env struct {
	world    *sandbox.World
	sessions *registry.Sessions
	echo     *echo.Echo
}

func newEnv(t *testing.T) *env {
	t.Helper()
	w := sandbox.NewWorld()
	for _, u := range []team.User{admin, nurse, paul} {
		w.AddUser(u)
	}
	w.AddTeam(team.Team{
		ID: "t1", Name: "Diabetology", Code: "123456789", Type: team.TypeMedical,
		RemotePatientMonitoring:    true,
		MonitoringAlertsParameters: &team.AlertsParameters{BgUnit: "mg/dL", LowBg: 70, HighBg: 180, VeryLowBg: 54, ReportingPeriod: 7},
		Members: []team.Member{
			{UserID: admin.UserID, Role: team.RoleAdmin, InvitationStatus: team.InvitationAccepted},
			{UserID: paul.UserID, Role: team.RolePatient, InvitationStatus: team.InvitationAccepted},
		},
	})

	logger := zerolog.Nop()
	sessions := registry.NewSessions(
		registry.SandboxBackend{World: w},
		preference.NewMemoryRepo(),
		inflight.NewLocalGuard(),
		logger,
		registry.Options{MaxAge: time.Nanosecond},
	)
	e := echo.New()
	e.HTTPErrorHandler = registry.ErrorHandler(logger)
	api := e.Group("/api/v1", auth.DevAuthMiddleware("", registry.PrincipalFromSandbox(w), nil))
	registry.NewHandler(sessions, logger).RegisterRoutes(api)
	return &env{world: w, sessions: sessions, echo: e}
}

func (e *env) do(t *testing.T, user, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/api/v1"+path, body)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	req.Header.Set(auth.DevUserHeader, user)
	rec := httptest.NewRecorder()
	e.echo.ServeHTTP(rec, req)
	return rec
}

func (e *env) doJSON(t *testing.T, user, method, path string, in interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			t.Fatal(err)
		}
		body = bytes.NewReader(b)
	}
	return e.do(t, user, method, path, body, echo.MIMEApplicationJSON)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

type errBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, kind string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	var body errBody
	decode(t, rec, &body)
	if body.Kind != kind {
		t.Errorf("expected kind %q, got %q (%s)", kind, body.Kind, body.Error)
	}
}

// prescriptionForm builds the multipart body of an invite or renew.
func prescriptionForm(t *testing.T, withFile bool) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("numberOfMonths", "3")
	_ = mw.WriteField("memberId", admin.UserID)
	if withFile {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="prescription"; filename="rx.pdf"`)
		h.Set("Content-Type", "application/pdf")
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = part.Write([]byte("%PDF-1.4 prescription"))
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestSession_StartAndEnd(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, admin.UserID, http.MethodPost, "/session", nil, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		User  team.User   `json:"user"`
		Teams []team.Team `json:"teams"`
	}
	decode(t, rec, &body)
	if body.User.UserID != admin.UserID {
		t.Errorf("unexpected user %+v", body.User)
	}
	if !strings.Contains(rec.Body.String(), "Diabetology") {
		t.Errorf("expected the team in %s", rec.Body.String())
	}
	if e.sessions.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", e.sessions.Len())
	}

	rec = e.do(t, admin.UserID, http.MethodDelete, "/session", nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if e.sessions.Len() != 0 {
		t.Errorf("expected no session, got %d", e.sessions.Len())
	}
}

func TestSession_UnknownUser(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "ghost", http.MethodGet, "/teams", nil, "")
	expectError(t, rec, http.StatusUnauthorized, "authorization")
}

func TestSession_StartFailsWhenTeamsUnavailable(t *testing.T) {
	e := newEnv(t)
	e.world.Fail("ListTeams", errors.New("team api down"))
	rec := e.do(t, admin.UserID, http.MethodPost, "/session", nil, "")
	expectError(t, rec, http.StatusBadGateway, "remote")
	if e.sessions.Len() != 0 {
		t.Errorf("failed start must not keep a session")
	}
}

func TestTeams_GetAndNotFound(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, admin.UserID, http.MethodGet, "/teams/t1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got team.Team
	decode(t, rec, &got)
	if got.Name != "Diabetology" || len(got.Members) != 2 {
		t.Errorf("unexpected team %+v", got)
	}

	rec = e.do(t, admin.UserID, http.MethodGet, "/teams/nope", nil, "")
	expectError(t, rec, http.StatusNotFound, "not_found")
}

func TestTeams_CreateVisibleInList(t *testing.T) {
	e := newEnv(t)

	draft := team.Draft{
		Name:    "Endocrinology",
		Address: &team.Address{Line1: "1 rue de la Paix", ZipCode: "75002", City: "Paris", Country: "FR"},
	}
	rec := e.doJSON(t, admin.UserID, http.MethodPost, "/teams", draft)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created team.Team
	decode(t, rec, &created)
	if created.ID == "" || !team.IsUserAdministrator(created, admin.UserID) {
		t.Fatalf("creator must administer the team, got %+v", created)
	}

	rec = e.do(t, admin.UserID, http.MethodGet, "/teams", nil, "")
	if !strings.Contains(rec.Body.String(), "Endocrinology") {
		t.Errorf("expected new team in %s", rec.Body.String())
	}
}

func TestTeams_CreateRequiresAddress(t *testing.T) {
	e := newEnv(t)
	rec := e.doJSON(t, admin.UserID, http.MethodPost, "/teams", team.Draft{Name: "No address"})
	expectError(t, rec, http.StatusBadRequest, "validation")
}

func TestTeams_PatientCannotCreate(t *testing.T) {
	e := newEnv(t)
	rec := e.doJSON(t, paul.UserID, http.MethodPost, "/teams", team.Draft{Name: "x"})
	expectError(t, rec, http.StatusForbidden, "authorization")
}

func TestTeams_InviteMemberAndAccept(t *testing.T) {
	e := newEnv(t)

	rec := e.doJSON(t, admin.UserID, http.MethodPost, "/teams/t1/members",
		map[string]string{"email": nurse.Username, "role": "member"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, nurse.UserID, http.MethodGet, "/invitations", nil, "")
	var invs []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	decode(t, rec, &invs)
	if len(invs) != 1 || invs[0].Type != "medical_team_invitation" {
		t.Fatalf("unexpected invitations %+v", invs)
	}

	rec = e.do(t, nurse.UserID, http.MethodPost, "/invitations/"+invs[0].ID+"/accept", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	tm, _ := e.world.Team("t1")
	if m, ok := tm.Member(nurse.UserID); !ok || m.InvitationStatus != team.InvitationAccepted {
		t.Errorf("expected accepted membership, got %+v", m)
	}
}

func TestTeams_LeaveDecisionOnlyAdmin(t *testing.T) {
	e := newEnv(t)
	e.world.AddTeam(team.Team{
		ID: "t2", Name: "Pediatrics", Code: "987654321", Type: team.TypeMedical,
		Members: []team.Member{
			{UserID: admin.UserID, Role: team.RoleAdmin, InvitationStatus: team.InvitationAccepted},
			{UserID: nurse.UserID, Role: team.RoleMember, InvitationStatus: team.InvitationAccepted},
		},
	})

	rec := e.do(t, admin.UserID, http.MethodGet, "/teams/t2/leave", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var d struct {
		Outcome string `json:"outcome"`
	}
	decode(t, rec, &d)
	if d.Outcome != "only-admin" {
		t.Errorf("expected only-admin, got %q", d.Outcome)
	}

	rec = e.do(t, nurse.UserID, http.MethodPost, "/teams/t2/leave", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	tm, _ := e.world.Team("t2")
	if _, ok := tm.Member(nurse.UserID); ok {
		t.Error("nurse should have left")
	}
}

func TestMonitoring_InviteThenPatientAccepts(t *testing.T) {
	e := newEnv(t)

	body, ct := prescriptionForm(t, true)
	rec := e.do(t, admin.UserID, http.MethodPost, "/teams/t1/patients/p-1/monitoring/invite", body, ct)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var res struct {
		Monitoring struct {
			Status  string `json:"status"`
			Enabled bool   `json:"enabled"`
		} `json:"monitoring"`
	}
	decode(t, rec, &res)
	if res.Monitoring.Status != "pending" || res.Monitoring.Enabled {
		t.Fatalf("expected pending enrollment, got %+v", res.Monitoring)
	}
	if blobs, _ := e.world.Blobs().ListByPatient(context.Background(), "t1", "p-1"); len(blobs) != 1 {
		t.Errorf("expected one stored prescription, got %d", len(blobs))
	}

	rec = e.do(t, paul.UserID, http.MethodGet, "/invitations", nil, "")
	var invs []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	decode(t, rec, &invs)
	if len(invs) != 1 || invs[0].Type != "medical_team_monitoring_invitation" {
		t.Fatalf("unexpected invitations %+v", invs)
	}
	rec = e.do(t, paul.UserID, http.MethodPost, "/invitations/"+invs[0].ID+"/accept", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, admin.UserID, http.MethodGet, "/patients?filter=remote-monitored", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Total int `json:"total"`
	}
	decode(t, rec, &page)
	if page.Total != 1 {
		t.Errorf("expected one monitored patient, got %d", page.Total)
	}

	// A second invite is refused once enrolled.
	body, ct = prescriptionForm(t, true)
	rec = e.do(t, admin.UserID, http.MethodPost, "/teams/t1/patients/p-1/monitoring/invite", body, ct)
	expectError(t, rec, http.StatusConflict, "conflict")
}

func TestMonitoring_MissingPrescriptionFile(t *testing.T) {
	e := newEnv(t)
	body, ct := prescriptionForm(t, false)
	rec := e.do(t, admin.UserID, http.MethodPost, "/teams/t1/patients/p-1/monitoring/invite", body, ct)
	expectError(t, rec, http.StatusBadRequest, "validation")

	tm, _ := e.world.Team("t1")
	if m, _ := tm.Member(paul.UserID); m.Monitoring != nil && m.Monitoring.Phase != team.MonitoringNone {
		t.Errorf("no remote change expected, got %+v", m.Monitoring)
	}
}

func TestMonitoring_UploadFailureIsInconsistent(t *testing.T) {
	e := newEnv(t)
	e.world.Fail("UploadPrescription", errors.New("disk full"))

	body, ct := prescriptionForm(t, true)
	rec := e.do(t, admin.UserID, http.MethodPost, "/teams/t1/patients/p-1/monitoring/invite", body, ct)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Kind   string `json:"kind"`
		Result struct {
			Inconsistent bool   `json:"inconsistent"`
			FailedStep   string `json:"failedStep"`
		} `json:"result"`
	}
	decode(t, rec, &resp)
	if resp.Kind != "remote" || !resp.Result.Inconsistent || resp.Result.FailedStep != "prescription-upload" {
		t.Errorf("unexpected response %+v", resp)
	}

	tm, _ := e.world.Team("t1")
	if m, _ := tm.Member(paul.UserID); m.Monitoring == nil || m.Monitoring.Phase != team.MonitoringPending {
		t.Errorf("remote invitation must stand, got %+v", m.Monitoring)
	}
}

func TestMonitoring_CancelWithoutInviteIsNoop(t *testing.T) {
	e := newEnv(t)
	e.world.Fail("CancelRemoteMonitoringInvite", errors.New("must not be called"))
	rec := e.do(t, admin.UserID, http.MethodDelete, "/teams/t1/patients/p-1/monitoring/invite", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMonitoring_RemovePendingIsConflict(t *testing.T) {
	e := newEnv(t)
	body, ct := prescriptionForm(t, true)
	if rec := e.do(t, admin.UserID, http.MethodPost, "/teams/t1/patients/p-1/monitoring/invite", body, ct); rec.Code != http.StatusCreated {
		t.Fatalf("invite: %d %s", rec.Code, rec.Body.String())
	}
	rec := e.do(t, admin.UserID, http.MethodDelete, "/teams/t1/patients/p-1/monitoring", nil, "")
	expectError(t, rec, http.StatusConflict, "conflict")

	rec = e.do(t, admin.UserID, http.MethodDelete, "/teams/t1/patients/p-1/monitoring/invite", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	tm, _ := e.world.Team("t1")
	if m, _ := tm.Member(paul.UserID); m.Monitoring != nil && m.Monitoring.Phase != team.MonitoringNone {
		t.Errorf("expected cleared monitoring, got %+v", m.Monitoring)
	}
}

func TestPatients_FlagFeedsStats(t *testing.T) {
	e := newEnv(t)

	rec := e.doJSON(t, admin.UserID, http.MethodPut, "/patients/p-1/flag", map[string]bool{"flagged": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var flags struct {
		FlaggedPatients []string `json:"flaggedPatients"`
	}
	decode(t, rec, &flags)
	if len(flags.FlaggedPatients) != 1 || flags.FlaggedPatients[0] != "p-1" {
		t.Fatalf("unexpected flags %+v", flags)
	}

	rec = e.do(t, admin.UserID, http.MethodGet, "/patients/stats?teamId=t1", nil, "")
	var stats struct {
		All     int `json:"all"`
		Flagged int `json:"flagged"`
	}
	decode(t, rec, &stats)
	if stats.All != 1 || stats.Flagged != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	rec = e.doJSON(t, admin.UserID, http.MethodPut, "/patients/nobody/flag", map[string]bool{"flagged": true})
	expectError(t, rec, http.StatusNotFound, "not_found")
}

func TestPatients_UnknownFilter(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, admin.UserID, http.MethodGet, "/patients?filter=bogus", nil, "")
	expectError(t, rec, http.StatusBadRequest, "validation")
}

func TestPatients_Get(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, admin.UserID, http.MethodGet, "/patients/p-1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var p struct {
		UserID string `json:"userId"`
	}
	decode(t, rec, &p)
	if p.UserID != paul.UserID {
		t.Errorf("unexpected patient %+v", p)
	}
}

func TestPreferences_TeamScope(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, admin.UserID, http.MethodGet, "/preferences/team-scope", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var scope team.Team
	decode(t, rec, &scope)
	if scope.ID != "t1" {
		t.Errorf("expected the medical team as default scope, got %q", scope.ID)
	}

	rec = e.doJSON(t, admin.UserID, http.MethodPut, "/preferences/team-scope", map[string]string{"teamId": "nope"})
	expectError(t, rec, http.StatusNotFound, "not_found")

	rec = e.doJSON(t, admin.UserID, http.MethodPut, "/preferences/team-scope", map[string]string{"teamId": ""})
	expectError(t, rec, http.StatusBadRequest, "validation")
}

type recordingSink struct {
	mu     sync.Mutex
	events map[string][]team.Event
}

func (s *recordingSink) Publish(userID string, e team.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = map[string][]team.Event{}
	}
	s.events[userID] = append(s.events[userID], e)
}

func (s *recordingSink) count(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events[userID])
}

func TestSessions_ForwardEventsUntilEnd(t *testing.T) {
	e := newEnv(t)
	sink := &recordingSink{}
	sessions := registry.NewSessions(registry.SandboxBackend{World: e.world}, preference.NewMemoryRepo(),
		inflight.NewLocalGuard(), zerolog.Nop(), registry.Options{Events: sink})

	p, _ := registry.PrincipalFromSandbox(e.world)(admin.UserID)
	r, err := sessions.Start(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if sink.count(admin.UserID) != 1 || sink.events[admin.UserID][0].Kind != team.EventRefreshed {
		t.Fatalf("expected one refresh event, got %+v", sink.events)
	}

	again, err := sessions.Get(context.Background(), p)
	if err != nil || again != r {
		t.Fatalf("expected the same registry, got %p vs %p (%v)", again, r, err)
	}

	sessions.End(admin.UserID)
	if err := r.Refresh(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if sink.count(admin.UserID) != 1 {
		t.Errorf("ended session must not forward events, got %d", sink.count(admin.UserID))
	}
}
