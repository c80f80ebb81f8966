package models

import (
	"time"

	"github.com/google/uuid"
)

type Category string

const (
	CategoryFire       Category = "fire"
	CategoryFlood      Category = "flood"
	CategoryEarthquake Category = "earthquake"
	CategoryMedical    Category = "medical"
	CategoryRoadDamage Category = "road_damage"
	CategorySecurity   Category = "security"
	CategoryOther      Category = "other"
)

// Categories lists every member of the closed category enum.
func Categories() []Category {
	return []Category{
		CategoryFire, CategoryFlood, CategoryEarthquake, CategoryMedical,
		CategoryRoadDamage, CategorySecurity, CategoryOther,
	}
}

func (c Category) Valid() bool {
	switch c {
	case CategoryFire, CategoryFlood, CategoryEarthquake, CategoryMedical,
		CategoryRoadDamage, CategorySecurity, CategoryOther:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

type Status string

const (
	StatusSubmitted       Status = "submitted"
	StatusUnassigned      Status = "unassigned"
	StatusDispatched      Status = "dispatched"
	StatusInProgress      Status = "in_progress"
	StatusResolved        Status = "resolved"
	StatusClosedDuplicate Status = "closed_duplicate"
	StatusRejected        Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusUnassigned, StatusDispatched, StatusInProgress,
		StatusResolved, StatusClosedDuplicate, StatusRejected:
		return true
	}
	return false
}

// Terminal statuses never transition again; resolved reports are kept for history.
func (s Status) Terminal() bool {
	switch s {
	case StatusResolved, StatusClosedDuplicate, StatusRejected:
		return true
	}
	return false
}

type Attachment struct {
	Ref       string `json:"ref"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

type Report struct {
	ID                uint64
	TrackingCode      string
	Category          Category
	Severity          Severity
	Latitude          float64
	Longitude         float64
	Description       string
	Address           string
	Attachments       []Attachment
	Anonymous         bool
	SubmitterRef      *string
	Status            Status
	ClusterID         *uuid.UUID
	DispatchFailCount int32
	NextDispatchAt    *time.Time
	Archived          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StatusEvent is one row of the append-only audit trail for a report.
type StatusEvent struct {
	ID         uint64
	ReportID   uint64
	PrevStatus Status
	NewStatus  Status
	ActorRef   *string // nil = system-generated
	Note       *string
	CreatedAt  time.Time
}
