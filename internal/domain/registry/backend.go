package registry

import (
	"fmt"
	"time"

	"github.com/carelink/carelink/internal/domain/invitation"
	"github.com/carelink/carelink/internal/domain/monitoring"
	"github.com/carelink/carelink/internal/domain/patient"
	"github.com/carelink/carelink/internal/domain/team"
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/blobstore"
	"github.com/carelink/carelink/internal/platform/medicaldata"
	"github.com/carelink/carelink/internal/platform/notification"
	"github.com/carelink/carelink/internal/platform/remote"
	"github.com/carelink/carelink/internal/platform/sandbox"
	"github.com/carelink/carelink/internal/platform/teamapi"
)

// Collaborators are the remote services acting for one principal.
type Collaborators struct {
	Teams       team.Repository
	Invitations invitation.Repository
	Notifier    monitoring.Notifier
	Updater     monitoring.Updater
	Files       monitoring.PrescriptionUploader
	MedicalData patient.MedicalDataSource
}

// Backend builds the collaborators of a session. token returns the
// principal's current credential.
type Backend interface {
	Collaborators(p auth.Principal, token func() string) (Collaborators, error)
}

// RemoteBackend talks to the HTTP services.
type RemoteBackend struct {
	TeamURL         string
	NotificationURL string
	FilesURL        string
	MedicalDataURL  string
	Timeout         time.Duration
}

func (b RemoteBackend) Collaborators(_ auth.Principal, token func() string) (Collaborators, error) {
	opt := remote.WithTimeout(b.Timeout)
	teams, err := teamapi.New(b.TeamURL, token, opt)
	if err != nil {
		return Collaborators{}, fmt.Errorf("team api: %w", err)
	}
	notif, err := notification.New(b.NotificationURL, token, opt)
	if err != nil {
		return Collaborators{}, fmt.Errorf("notification api: %w", err)
	}
	files, err := blobstore.NewClient(b.FilesURL, token, opt)
	if err != nil {
		return Collaborators{}, fmt.Errorf("medical files api: %w", err)
	}
	data, err := medicaldata.New(b.MedicalDataURL, token, opt)
	if err != nil {
		return Collaborators{}, fmt.Errorf("medical data api: %w", err)
	}
	return Collaborators{
		Teams:       teams,
		Invitations: notif,
		Notifier:    notif,
		Updater:     teams,
		Files:       files,
		MedicalData: data,
	}, nil
}

// SandboxBackend serves every principal from one in-memory world.
type SandboxBackend struct {
	World *sandbox.World
}

func (b SandboxBackend) Collaborators(p auth.Principal, _ func() string) (Collaborators, error) {
	if _, ok := b.World.User(p.UserID); !ok {
		return Collaborators{}, fmt.Errorf("sandbox: unknown user %s", p.UserID)
	}
	v := b.World.As(p.UserID)
	return Collaborators{
		Teams:       v,
		Invitations: v,
		Notifier:    v,
		Updater:     v,
		Files:       v,
		MedicalData: v,
	}, nil
}

// PrincipalFromSandbox resolves a sandbox account for development auth.
func PrincipalFromSandbox(w *sandbox.World) func(string) (auth.Principal, bool) {
	return func(id string) (auth.Principal, bool) {
		u, ok := w.User(id)
		if !ok {
			return auth.Principal{}, false
		}
		return auth.Principal{
			UserID:    u.UserID,
			Email:     u.Username,
			Role:      string(u.Role),
			FirstName: u.FirstName,
			LastName:  u.LastName,
		}, true
	}
}
