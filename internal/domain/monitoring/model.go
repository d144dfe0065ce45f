package monitoring

import (
	"context"
	"time"

	"github.com/carelink/carelink/internal/domain/team"
)

// StepPrescriptionUpload is reported when the prescription could not be
// stored after the enrollment itself succeeded remotely.
const StepPrescriptionUpload = "prescription-upload"

// File is an uploaded prescription document.
type File struct {
	Name        string `json:"name" validate:"required"`
	ContentType string `json:"contentType" validate:"required,oneof=application/pdf image/png image/jpeg"`
	Data        []byte `json:"-" validate:"required"`
}

// Prescription is required to invite or renew a patient. All fields must be
// present before any remote call is issued.
type Prescription struct {
	TeamID         string `json:"teamId" validate:"required"`
	MemberID       string `json:"memberId" validate:"required"`
	File           *File  `json:"file" validate:"required"`
	NumberOfMonths int    `json:"numberOfMonths" validate:"required,min=1,max=12"`
}

// Result is the enrollment after a workflow ran. Changed is false when the
// command found nothing to do. Inconsistent is set when a late step failed
// after the remote state already changed.
type Result struct {
	TeamID       string          `json:"teamId"`
	PatientID    string          `json:"patientId"`
	Monitoring   team.Monitoring `json:"monitoring"`
	Changed      bool            `json:"changed"`
	Inconsistent bool            `json:"inconsistent"`
	FailedStep   string          `json:"failedStep,omitempty"`
}

// Notifier is the monitoring part of the Notification API.
type Notifier interface {
	InviteRemoteMonitoring(ctx context.Context, teamID, patientID string, end time.Time, physician string) error
	CancelRemoteMonitoringInvite(ctx context.Context, teamID, patientID string) error
}

// Updater persists a patient's enrollment on the Team API.
type Updater interface {
	UpdatePatientMonitoring(ctx context.Context, teamID, patientID string, m team.Monitoring) error
}

// PrescriptionUploader is the Medical Files API.
type PrescriptionUploader interface {
	UploadPrescription(ctx context.Context, teamID, patientID, memberID string, months int, f File) error
}
