package sandbox

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/carelink/carelink/internal/domain/invitation"
	"github.com/carelink/carelink/internal/domain/patient"
	"github.com/carelink/carelink/internal/domain/team"
	"github.com/carelink/carelink/internal/platform/blobstore"
)

// SeedConfig controls the volume of generated accounts and teams.
type SeedConfig struct {
	Seed         int64 `json:"seed"`
	HCPCount     int   `json:"hcpCount"`
	PatientCount int   `json:"patientCount"`
	TeamCount    int   `json:"teamCount"`
	// SharesPerHCP is the number of patients sharing directly with the demo
	// professional.
	SharesPerHCP int `json:"sharesPerHcp"`
}

func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Seed:         1,
		HCPCount:     6,
		PatientCount: 40,
		TeamCount:    3,
		SharesPerHCP: 4,
	}
}

// SeedResult summarizes a seed run. DemoUserID is an HCP administrating every
// generated team.
type SeedResult struct {
	DemoUserID  string        `json:"demoUserId"`
	HCPs        int           `json:"hcps"`
	Patients    int           `json:"patients"`
	Teams       int           `json:"teams"`
	Monitored   int           `json:"monitored"`
	Shares      int           `json:"shares"`
	Invitations int           `json:"invitations"`
	Duration    time.Duration `json:"duration"`
}

var (
	firstNames = []string{
		"Alice", "Bruno", "Chloé", "David", "Emma", "Farid", "Gabrielle", "Hugo",
		"Inès", "Jules", "Karim", "Léa", "Manon", "Nathan", "Océane", "Paul",
		"Quentin", "Rose", "Samir", "Théo", "Ugo", "Valérie", "William", "Yasmine", "Zoé",
	}
	lastNames = []string{
		"Martin", "Bernard", "Dubois", "Thomas", "Robert", "Richard", "Petit",
		"Durand", "Leroy", "Moreau", "Simon", "Laurent", "Lefebvre", "Michel",
		"Garcia", "David", "Bertrand", "Roux", "Vincent", "Fournier",
	}
	cities    = []string{"Grenoble", "Lyon", "Paris", "Nantes", "Lille", "Toulouse", "Bordeaux"}
	teamKinds = []string{"Diabetology", "Endocrinology", "Pediatric diabetes", "Telemonitoring"}
)

// DataGenerator produces deterministic synthetic accounts.
type DataGenerator struct {
	rng     *rand.Rand
	counter uint64
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *DataGenerator) nextID(prefix string) string {
	g.counter++
	return fmt.Sprintf("%s-%08x-%04x", prefix, g.rng.Uint32(), g.counter)
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) chance(p float64) bool {
	return g.rng.Float64() < p
}

// GenerateUser returns an account whose username is a unique email.
func (g *DataGenerator) GenerateUser(role team.UserRole) team.User {
	prefix := map[team.UserRole]string{
		team.UserRoleHCP:       "hcp",
		team.UserRolePatient:   "pat",
		team.UserRoleCaregiver: "cgv",
	}[role]
	first, last := g.pick(firstNames), g.pick(lastNames)
	id := g.nextID(prefix)
	return team.User{
		UserID:    id,
		Username:  fmt.Sprintf("%s.%s.%d@example.com", asciiLower(first), asciiLower(last), g.counter),
		Role:      role,
		FirstName: first,
		LastName:  last,
	}
}

func asciiLower(s string) string {
	r := strings.NewReplacer("é", "e", "è", "e", "ï", "i", "î", "i")
	return strings.ToLower(r.Replace(s))
}

// GenerateTeam returns a medical team without members.
func (g *DataGenerator) GenerateTeam(monitoring bool) team.Team {
	city := g.pick(cities)
	t := team.Team{
		ID:   g.nextID("team"),
		Name: fmt.Sprintf("%s %s", g.pick(teamKinds), city),
		Code: fmt.Sprintf("%09d", g.rng.Intn(1_000_000_000)),
		Type: team.TypeMedical,
		Address: &team.Address{
			Line1:   fmt.Sprintf("%d rue de la Santé", 1+g.rng.Intn(120)),
			ZipCode: fmt.Sprintf("%05d", 1000+g.rng.Intn(95000)),
			City:    city,
			Country: "FR",
		},
		Phone:                   fmt.Sprintf("+33 4 %02d %02d %02d %02d", g.rng.Intn(100), g.rng.Intn(100), g.rng.Intn(100), g.rng.Intn(100)),
		RemotePatientMonitoring: monitoring,
	}
	if monitoring {
		t.MonitoringAlertsParameters = g.GenerateAlertsParameters()
	}
	return t
}

func (g *DataGenerator) GenerateAlertsParameters() *team.AlertsParameters {
	low := float64(60 + g.rng.Intn(15))
	return &team.AlertsParameters{
		BgUnit:              "mg/dL",
		LowBg:               low,
		HighBg:              float64(160 + g.rng.Intn(60)),
		VeryLowBg:           low - 10,
		OutOfRangeThreshold: 5 + g.rng.Intn(46),
		HypoThreshold:       5 + g.rng.Intn(46),
		NonDataTxThreshold:  5 + g.rng.Intn(46),
		ReportingPeriod:     7 * (1 + g.rng.Intn(4)),
	}
}

// GenerateMonitoring returns a random enrollment relative to now, or nil.
func (g *DataGenerator) GenerateMonitoring(now time.Time, params *team.AlertsParameters) *team.Monitoring {
	var phase team.MonitoringPhase
	switch n := g.rng.Intn(10); {
	case n < 4:
		return nil
	case n < 6:
		phase = team.MonitoringPending
	case n < 7:
		phase = team.MonitoringAccepted
	default:
		phase = team.MonitoringEnabled
	}
	// Some enrollments end within the renewal window.
	end := now.AddDate(0, 0, 3+g.rng.Intn(180)).Truncate(24 * time.Hour)
	m := team.Monitoring{Phase: phase, End: &end, Parameters: params}
	m = m.Clone()
	return &m
}

func (g *DataGenerator) GenerateAlarms(now time.Time) patient.Alarms {
	last := now.Add(-time.Duration(g.rng.Intn(96)) * time.Hour).Truncate(time.Minute)
	return patient.Alarms{
		TimeSpentAwayFromTargetActive:       g.chance(0.25),
		FrequencyOfSevereHypoglycemiaActive: g.chance(0.1),
		NonDataTransmissionActive:           g.chance(0.15),
		UnreadMessages:                      g.rng.Intn(3) * g.rng.Intn(2),
		LastUpload:                          &last,
	}
}

// Seeder fills a World with generated data.
type Seeder struct {
	generator *DataGenerator
	config    SeedConfig
	now       func() time.Time
}

func NewSeeder(config SeedConfig) *Seeder {
	return &Seeder{generator: NewDataGenerator(config.Seed), config: config, now: time.Now}
}

// Seed resets w and populates it.
func (s *Seeder) Seed(w *World) (*SeedResult, error) {
	start := time.Now()
	cfg := s.config
	if cfg.HCPCount < 1 || cfg.TeamCount < 1 {
		return nil, fmt.Errorf("sandbox: at least one professional and one team are required")
	}
	g := s.generator
	now := s.now()
	w.Reset()
	res := &SeedResult{}

	hcps := make([]team.User, cfg.HCPCount)
	for i := range hcps {
		hcps[i] = g.GenerateUser(team.UserRoleHCP)
		w.AddUser(hcps[i])
	}
	demo := hcps[0]
	res.DemoUserID = demo.UserID
	res.HCPs = len(hcps)

	patients := make([]team.User, cfg.PatientCount)
	for i := range patients {
		patients[i] = g.GenerateUser(team.UserRolePatient)
		w.AddUser(patients[i])
		w.SetAlarms(patients[i].UserID, g.GenerateAlarms(now))
	}
	res.Patients = len(patients)

	teams := make([]team.Team, cfg.TeamCount)
	for i := range teams {
		t := g.GenerateTeam(i%2 == 0)
		t.Members = []team.Member{{UserID: demo.UserID, Role: team.RoleAdmin, InvitationStatus: team.InvitationAccepted}}
		for _, h := range hcps[1:] {
			if !g.chance(0.5) {
				continue
			}
			role := team.RoleMember
			if g.chance(0.3) {
				role = team.RoleViewer
			}
			status := team.InvitationAccepted
			if g.chance(0.2) {
				status = team.InvitationPending
			}
			t.Members = append(t.Members, team.Member{UserID: h.UserID, Role: role, InvitationStatus: status, Email: h.Username})
		}
		teams[i] = t
	}

	for i, p := range patients {
		// Every patient joins one team, some a second one.
		homes := []int{i % len(teams)}
		if len(teams) > 1 && g.chance(0.2) {
			homes = append(homes, (i+1)%len(teams))
		}
		for _, h := range homes {
			t := &teams[h]
			m := team.Member{UserID: p.UserID, Role: team.RolePatient, InvitationStatus: team.InvitationAccepted}
			if g.chance(0.15) {
				m.InvitationStatus = team.InvitationPending
				m.Email = p.Username
			} else if t.RemotePatientMonitoring {
				m.Monitoring = g.GenerateMonitoring(now, t.MonitoringAlertsParameters)
				if m.Monitoring != nil {
					res.Monitored++
				}
			}
			t.Members = append(t.Members, m)
		}
	}

	for _, t := range teams {
		w.AddTeam(t)
	}
	res.Teams = len(teams)

	for i := 0; i < cfg.SharesPerHCP && i < len(patients); i++ {
		w.Share(patients[len(patients)-1-i].UserID, demo.UserID)
		res.Shares++
	}

	// Pending invitations become visible to their addressees.
	w.mu.Lock()
	for _, t := range teams {
		for _, m := range t.Members {
			if m.InvitationStatus != team.InvitationPending {
				continue
			}
			typ := invitation.TypeMedicalTeam
			if m.Role == team.RolePatient {
				typ = invitation.TypeMedicalTeamPatient
			}
			inv := &invitation.Invitation{
				ID:       g.nextID("inv"),
				Type:     typ,
				Creator:  demo,
				TeamID:   t.ID,
				TeamName: t.Name,
				Email:    w.users[m.UserID].Username,
				Role:     m.Role,
				Created:  now.UTC(),
			}
			w.invitations[inv.ID] = inv
			res.Invitations++
		}
	}
	w.mu.Unlock()

	res.Duration = time.Since(start)
	return res, nil
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// SeedHandler lets developers reseed the sandbox, list its accounts and read
// the prescriptions uploaded to its Medical Files service.
type SeedHandler struct {
	world *World
	mu    sync.Mutex
}

func NewSeedHandler(w *World) *SeedHandler {
	return &SeedHandler{world: w}
}

func (h *SeedHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/seed", h.handleSeed)
	g.GET("/users", h.handleUsers)
	g.GET("/prescriptions", h.handleListPrescriptions)
	g.GET("/prescriptions/:id", h.handleGetPrescription)
	g.GET("/prescriptions/:id/content", h.handleDownloadPrescription)
}

func (h *SeedHandler) handleSeed(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg := DefaultSeedConfig()
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	res, err := NewSeeder(cfg).Seed(h.world)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, res)
}

func (h *SeedHandler) handleUsers(c echo.Context) error {
	role := c.QueryParam("role")
	var out []team.User
	for _, u := range h.world.Users() {
		if role == "" || string(u.Role) == role {
			out = append(out, u)
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SeedHandler) handleListPrescriptions(c echo.Context) error {
	patientID := c.QueryParam("patientId")
	if patientID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "patientId is required"})
	}
	list, err := h.world.Blobs().ListByPatient(c.Request().Context(), c.QueryParam("teamId"), patientID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if list == nil {
		list = []*blobstore.BlobMetadata{}
	}
	return c.JSON(http.StatusOK, list)
}

func (h *SeedHandler) handleGetPrescription(c echo.Context) error {
	meta, err := h.world.Blobs().GetMetadata(c.Request().Context(), c.Param("id"))
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, meta)
}

func (h *SeedHandler) handleDownloadPrescription(c echo.Context) error {
	rc, meta, err := h.world.Blobs().Download(c.Request().Context(), c.Param("id"))
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	defer rc.Close()
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", meta.FileName))
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}
