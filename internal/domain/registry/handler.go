package registry

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/monitoring"
	"github.com/carelink/carelink/internal/domain/patient"
	"github.com/carelink/carelink/internal/domain/team"
	"github.com/carelink/carelink/internal/platform/apperr"
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/blobstore"
	"github.com/carelink/carelink/pkg/pagination"
)

const registryKey = "registry"

// EventStream serves the live store events of userID on c.
type EventStream interface {
	Serve(c echo.Context, userID string) error
}

type Handler struct {
	sessions *Sessions
	events   EventStream
	logger   zerolog.Logger
}

func NewHandler(sessions *Sessions, logger zerolog.Logger) *Handler {
	return &Handler{sessions: sessions, logger: logger.With().Str("component", "registry-http").Logger()}
}

// WithEvents exposes GET /events on the routes registered afterwards.
func (h *Handler) WithEvents(stream EventStream) *Handler {
	h.events = stream
	return h
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/session", h.StartSession)
	api.DELETE("/session", h.EndSession)

	s := api.Group("", h.requireSession)
	s.GET("/teams", h.ListTeams)
	s.GET("/teams/:id", h.GetTeam)
	s.GET("/teams/:id/leave", h.LeaveDecision)
	s.POST("/teams/:id/leave", h.LeaveTeam)
	s.GET("/invitations", h.ListInvitations)
	s.POST("/invitations/:id/accept", h.AcceptInvitation)
	s.POST("/invitations/:id/decline", h.DeclineInvitation)
	if h.events != nil {
		s.GET("/events", h.StreamEvents)
	}

	hcp := s.Group("", auth.RequireRole(string(team.UserRoleHCP)))
	hcp.POST("/teams", h.CreateTeam)
	hcp.PUT("/teams/:id", h.EditTeam)
	hcp.DELETE("/teams/:id", h.DeleteTeam)
	hcp.POST("/teams/:id/members", h.InviteMember)
	hcp.PUT("/teams/:id/members/:userId", h.ChangeMemberRole)
	hcp.DELETE("/teams/:id/members/:userId", h.RemoveMember)
	hcp.PUT("/teams/:id/alerts", h.UpdateTeamAlerts)

	hcp.POST("/teams/:id/patients/:patientId/monitoring/invite", h.InviteMonitoring)
	hcp.POST("/teams/:id/patients/:patientId/monitoring/renew", h.RenewMonitoring)
	hcp.DELETE("/teams/:id/patients/:patientId/monitoring/invite", h.CancelMonitoringInvite)
	hcp.DELETE("/teams/:id/patients/:patientId/monitoring", h.RemoveMonitoring)

	hcp.GET("/patients", h.ListPatients)
	hcp.GET("/patients/stats", h.PatientStats)
	hcp.GET("/patients/:id", h.GetPatient)
	hcp.PUT("/patients/:id/flag", h.FlagPatient)

	hcp.GET("/preferences/team-scope", h.GetTeamScope)
	hcp.PUT("/preferences/team-scope", h.SelectTeamScope)
}

func principal(c echo.Context) (auth.Principal, error) {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return auth.Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	return p, nil
}

// requireSession resolves the caller's Registry, opening a session on first
// use.
func (h *Handler) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := principal(c)
		if err != nil {
			return err
		}
		r, err := h.sessions.Get(c.Request().Context(), p)
		if err != nil {
			return err
		}
		c.Set(registryKey, r)
		return next(c)
	}
}

func reg(c echo.Context) *Registry {
	return c.Get(registryKey).(*Registry)
}

// -- session --

type sessionResponse struct {
	User  team.User   `json:"user"`
	Teams []team.Team `json:"teams"`
}

func (h *Handler) StartSession(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	r, err := h.sessions.Start(c.Request().Context(), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sessionResponse{User: r.Self(), Teams: r.Store().Teams()})
}

func (h *Handler) EndSession(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	h.sessions.End(p.UserID)
	return c.NoContent(http.StatusNoContent)
}

// StreamEvents upgrades to a WebSocket carrying the session's store events.
func (h *Handler) StreamEvents(c echo.Context) error {
	return h.events.Serve(c, reg(c).Self().UserID)
}

// -- teams --

func (h *Handler) ListTeams(c echo.Context) error {
	teams, err := reg(c).Teams(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, teams)
}

func (h *Handler) GetTeam(c echo.Context) error {
	t, err := reg(c).Team(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) CreateTeam(c echo.Context) error {
	var d team.Draft
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := reg(c).CreateTeam(c.Request().Context(), d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) EditTeam(c echo.Context) error {
	var d team.Draft
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := reg(c).EditTeam(c.Request().Context(), c.Param("id"), d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) DeleteTeam(c echo.Context) error {
	if err := reg(c).DeleteTeam(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) LeaveDecision(c echo.Context) error {
	d, err := reg(c).LeaveDecision(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) LeaveTeam(c echo.Context) error {
	res, err := reg(c).LeaveTeam(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type inviteMemberRequest struct {
	Email string    `json:"email"`
	Role  team.Role `json:"role"`
}

func (h *Handler) InviteMember(c echo.Context) error {
	var req inviteMemberRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := reg(c).InviteMember(c.Request().Context(), c.Param("id"), req.Email, req.Role)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, m)
}

type changeRoleRequest struct {
	Role team.Role `json:"role"`
}

func (h *Handler) ChangeMemberRole(c echo.Context) error {
	var req changeRoleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := reg(c).ChangeMemberRole(c.Request().Context(), c.Param("id"), c.Param("userId"), req.Role); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RemoveMember(c echo.Context) error {
	if err := reg(c).RemoveMember(c.Request().Context(), c.Param("id"), c.Param("userId")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) UpdateTeamAlerts(c echo.Context) error {
	var params team.AlertsParameters
	if err := c.Bind(&params); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := reg(c).UpdateTeamAlerts(c.Request().Context(), c.Param("id"), params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

// -- monitoring --

// prescription reads the multipart form: file "prescription", plus
// numberOfMonths and memberId fields. Missing parts are left zero and
// rejected by the workflow's validation.
func prescription(c echo.Context) (monitoring.Prescription, error) {
	rx := monitoring.Prescription{
		TeamID:   c.Param("id"),
		MemberID: c.FormValue("memberId"),
	}
	if v := c.FormValue("numberOfMonths"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return rx, fmt.Errorf("%w: numberOfMonths must be a number", apperr.ErrValidation)
		}
		rx.NumberOfMonths = n
	}

	fh, err := c.FormFile("prescription")
	if errors.Is(err, http.ErrMissingFile) {
		return rx, nil
	}
	if err != nil {
		return rx, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if fh.Size > blobstore.MaxFileSize {
		return rx, fmt.Errorf("%w: %v", apperr.ErrValidation, blobstore.ErrFileTooLarge)
	}
	f, err := fh.Open()
	if err != nil {
		return rx, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, blobstore.MaxFileSize+1))
	if err != nil {
		return rx, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(data) > blobstore.MaxFileSize {
		return rx, fmt.Errorf("%w: %v", apperr.ErrValidation, blobstore.ErrFileTooLarge)
	}

	ct := fh.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		ct = http.DetectContentType(data)
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	rx.File = &monitoring.File{Name: fh.Filename, ContentType: ct, Data: data}
	return rx, nil
}

type monitoringError struct {
	Error  string            `json:"error"`
	Kind   apperr.Kind       `json:"kind"`
	Result monitoring.Result `json:"result"`
}

// monitoringResponse answers an inconsistent result with 502 and the
// enrollment as it now stands.
func monitoringResponse(c echo.Context, status int, res monitoring.Result, err error) error {
	if err != nil {
		if res.Inconsistent {
			return c.JSON(http.StatusBadGateway, monitoringError{Error: err.Error(), Kind: apperr.KindRemote, Result: res})
		}
		return err
	}
	return c.JSON(status, res)
}

func (h *Handler) InviteMonitoring(c echo.Context) error {
	rx, err := prescription(c)
	if err != nil {
		return err
	}
	res, err := reg(c).InviteMonitoring(c.Request().Context(), c.Param("patientId"), rx)
	return monitoringResponse(c, http.StatusCreated, res, err)
}

func (h *Handler) RenewMonitoring(c echo.Context) error {
	rx, err := prescription(c)
	if err != nil {
		return err
	}
	res, err := reg(c).RenewMonitoring(c.Request().Context(), c.Param("patientId"), rx)
	return monitoringResponse(c, http.StatusOK, res, err)
}

func (h *Handler) CancelMonitoringInvite(c echo.Context) error {
	res, err := reg(c).CancelMonitoringInvite(c.Request().Context(), c.Param("id"), c.Param("patientId"))
	return monitoringResponse(c, http.StatusOK, res, err)
}

func (h *Handler) RemoveMonitoring(c echo.Context) error {
	res, err := reg(c).RemoveMonitoring(c.Request().Context(), c.Param("id"), c.Param("patientId"))
	return monitoringResponse(c, http.StatusOK, res, err)
}

// -- patients --

func patientQuery(c echo.Context) patient.Query {
	desc, _ := strconv.ParseBool(c.QueryParam("desc"))
	return patient.Query{
		Filter: patient.FilterType(c.QueryParam("filter")),
		Search: c.QueryParam("search"),
		Sort:   patient.SortField(c.QueryParam("sort")),
		Desc:   desc,
	}
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	page, err := reg(c).Patients(c.Request().Context(), c.QueryParam("teamId"), patientQuery(c), pg)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(page.Patients, page.Total, pg))
}

func (h *Handler) PatientStats(c echo.Context) error {
	stats, err := reg(c).PatientStats(c.Request().Context(), c.QueryParam("teamId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := reg(c).Patient(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

type flagRequest struct {
	Flagged bool `json:"flagged"`
}

type flagResponse struct {
	FlaggedPatients []string `json:"flaggedPatients"`
}

func (h *Handler) FlagPatient(c echo.Context) error {
	var req flagRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ids, err := reg(c).SetFlag(c.Request().Context(), c.Param("id"), req.Flagged)
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, flagResponse{FlaggedPatients: ids})
}

// -- invitations --

func (h *Handler) ListInvitations(c echo.Context) error {
	invs, err := reg(c).Invitations(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, invs)
}

func (h *Handler) AcceptInvitation(c echo.Context) error {
	inv, err := reg(c).AcceptInvitation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) DeclineInvitation(c echo.Context) error {
	inv, err := reg(c).DeclineInvitation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inv)
}

// -- preferences --

type teamScopeRequest struct {
	TeamID string `json:"teamId"`
}

func (h *Handler) GetTeamScope(c echo.Context) error {
	t, err := reg(c).TeamScope(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) SelectTeamScope(c echo.Context) error {
	var req teamScopeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := reg(c).SelectTeamScope(c.Request().Context(), req.TeamID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

// -- errors --

type errorResponse struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind"`
}

func kindOfStatus(code int) apperr.Kind {
	switch code {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return apperr.KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.KindAuthorization
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return apperr.KindNotFound
	case http.StatusConflict:
		return apperr.KindConflict
	case http.StatusBadGateway:
		return apperr.KindRemote
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusGatewayTimeout:
		return "timeout"
	default:
		return apperr.KindInternal
	}
}

// ErrorHandler renders every error as {"error", "kind"}.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := apperr.HTTPStatus(err)
		body := errorResponse{Error: err.Error(), Kind: apperr.KindOf(err)}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			body = errorResponse{Error: fmt.Sprint(he.Message), Kind: kindOfStatus(he.Code)}
		}
		if code >= http.StatusInternalServerError {
			logger.Error().Err(err).Str("path", c.Path()).Int("status", code).Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("writing error response failed")
		}
	}
}
