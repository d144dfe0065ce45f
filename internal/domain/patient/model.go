package patient

import (
	"context"
	"time"

	"github.com/carelink/carelink/internal/domain/team"
)

// FilterType selects a subset of the patient list.
type FilterType string

const (
	FilterAll                FilterType = "all"
	FilterFlagged            FilterType = "flagged"
	FilterPending            FilterType = "pending"
	FilterPrivate            FilterType = "private"
	FilterRemoteMonitored    FilterType = "remote-monitored"
	FilterRenew              FilterType = "renew"
	FilterOutOfRange         FilterType = "out-of-range"
	FilterSevereHypoglycemia FilterType = "severe-hypoglycemia"
	FilterDataNotTransferred FilterType = "data-not-transferred"
	FilterUnreadMessages     FilterType = "unread-messages"
)

func (f FilterType) Valid() bool {
	switch f {
	case FilterAll, FilterFlagged, FilterPending, FilterPrivate, FilterRemoteMonitored, FilterRenew,
		FilterOutOfRange, FilterSevereHypoglycemia, FilterDataNotTransferred, FilterUnreadMessages:
		return true
	}
	return false
}

// SortField orders the patient list.
type SortField string

const (
	SortByName SortField = "name"
	SortByFlag SortField = "flag"
)

// Alarms summarises a patient's recent medical data.
type Alarms struct {
	TimeSpentAwayFromTargetActive       bool       `json:"timeSpentAwayFromTargetActive"`
	FrequencyOfSevereHypoglycemiaActive bool       `json:"frequencyOfSevereHypoglycemiaActive"`
	NonDataTransmissionActive           bool       `json:"nonDataTransmissionActive"`
	UnreadMessages                      int        `json:"unreadMessages"`
	LastUpload                          *time.Time `json:"lastUpload,omitempty"`
}

// MedicalDataSource returns alarm summaries keyed by patient id. Patients
// without data may be absent from the map.
type MedicalDataSource interface {
	Alarms(ctx context.Context, patientIDs []string) (map[string]Alarms, error)
}

// PatientTeam is one membership of a patient.
type PatientTeam struct {
	TeamID           string                `json:"teamId"`
	TeamName         string                `json:"teamName"`
	Code             string                `json:"code"`
	Private          bool                  `json:"private"`
	InvitationStatus team.InvitationStatus `json:"invitationStatus"`
	Monitoring       *team.Monitoring      `json:"monitoring,omitempty"`
}

// Patient merges every membership of one patient user.
type Patient struct {
	UserID     string           `json:"userId"`
	Profile    team.User        `json:"profile"`
	Teams      []PatientTeam    `json:"teams"`
	Monitoring *team.Monitoring `json:"monitoring,omitempty"`
	Flagged    bool             `json:"flagged"`
	Alarms     Alarms           `json:"alarms"`
}

// FilterStats counts the patients matching each filter.
type FilterStats struct {
	All                int `json:"all"`
	Flagged            int `json:"flagged"`
	Pending            int `json:"pending"`
	Private            int `json:"private"`
	RemoteMonitored    int `json:"remoteMonitored"`
	Renew              int `json:"renew"`
	OutOfRange         int `json:"outOfRange"`
	SevereHypoglycemia int `json:"severeHypoglycemia"`
	DataNotTransferred int `json:"dataNotTransferred"`
	UnreadMessages     int `json:"unreadMessages"`
}

// Query narrows and orders a patient list.
type Query struct {
	Filter FilterType
	Search string
	Sort   SortField
	Desc   bool
}
