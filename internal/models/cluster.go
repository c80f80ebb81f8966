package models

import (
	"time"

	"github.com/google/uuid"
)

// DuplicateCluster groups reports judged to describe the same real-world
// incident. The representative is the only member eligible for dispatch.
type DuplicateCluster struct {
	ID                 uuid.UUID
	Category           Category
	RepresentativeID   uint64
	CentroidLat        float64
	CentroidLon        float64
	WindowStart        time.Time
	WindowEnd          time.Time
	CorroborationCount int32
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
