package models

import "time"

type Agency struct {
	ID           uint64
	Name         string
	Capabilities []Category
	Latitude     float64
	Longitude    float64
	ContactEmail string
	PhoneNumber  string
	Active       bool
	Load         int32
	LastSeenAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (a *Agency) CanHandle(c Category) bool {
	for _, cap := range a.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// DispatchAssignment binds a report to the agency responsible for it.
// Historical assignments are retained; at most one is active per report.
type DispatchAssignment struct {
	ID         uint64
	ReportID   uint64
	AgencyID   uint64
	DistanceKM float64
	Reason     string
	Active     bool
	AssignedAt time.Time
}
