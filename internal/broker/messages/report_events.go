package messages

import (
	"time"

	"github.com/publicbridge/alertcore/internal/models"
)

const (
	TypeReportCreated    = "ReportCreated"
	TypeDispatchAssigned = "DispatchAssigned"
	TypeStatusChanged    = "StatusChanged"
)

// ReportEvent is the envelope published to the report events topic and
// fanned out to live subscribers. Exactly one payload field is set,
// matching Type.
type ReportEvent struct {
	Type         string    `json:"type"`
	TrackingCode string    `json:"tracking_code"`
	OccurredAt   time.Time `json:"occurred_at"`

	ReportCreated    *ReportCreated    `json:"report_created,omitempty"`
	DispatchAssigned *DispatchAssigned `json:"dispatch_assigned,omitempty"`
	StatusChanged    *StatusChanged    `json:"status_changed,omitempty"`
}

type ReportCreated struct {
	ReportID  uint64          `json:"report_id"`
	Category  models.Category `json:"category"`
	Severity  models.Severity `json:"severity"`
	Latitude  float64         `json:"latitude"`
	Longitude float64         `json:"longitude"`
	Status    models.Status   `json:"status"`
}

type DispatchAssigned struct {
	ReportID   uint64  `json:"report_id"`
	AgencyID   uint64  `json:"agency_id"`
	AgencyName string  `json:"agency_name"`
	DistanceKM float64 `json:"distance_km"`
}

type StatusChanged struct {
	ReportID   uint64        `json:"report_id"`
	PrevStatus models.Status `json:"prev_status"`
	NewStatus  models.Status `json:"new_status"`
	Actor      string        `json:"actor,omitempty"`
	Note       string        `json:"note,omitempty"`
}

// Location returns the report coordinates if the event carries them.
// Only ReportCreated does; the hub resolves the rest via its position index.
func (e *ReportEvent) Location() (lat, lon float64, ok bool) {
	if e.ReportCreated != nil {
		return e.ReportCreated.Latitude, e.ReportCreated.Longitude, true
	}
	return 0, 0, false
}

func (e *ReportEvent) Category() (models.Category, bool) {
	if e.ReportCreated != nil {
		return e.ReportCreated.Category, true
	}
	return "", false
}
