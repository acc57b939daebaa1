// internal/domain/message/model.go

package message

import (
	"context"
	"encoding/json"

	"areareport/internal/domain/geo"
)

// Area is a circular geographic target active during a time window
type Area struct {
	Location     geo.Coordinates `json:"location"`
	RadiusMeters float64         `json:"radiusMeters"`
	BeginTime    int64           `json:"beginTime"` // ms since UNIX epoch
	EndTime      int64           `json:"endTime"`   // ms since UNIX epoch
}

// NarrowcastMessage is a user-facing message scoped to an area
type NarrowcastMessage struct {
	UserMessage string `json:"userMessage"`
	Area        Area   `json:"area"`
}

// MessageContainer is the broadcast payload distributed to polling clients
type MessageContainer struct {
	Narrowcasts []NarrowcastMessage `json:"narrowcasts"`
}

// Size returns the encoded size of the payload in bytes
func (m *MessageContainer) Size() (int64, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// Metadata is the lightweight projection of a record used in list responses
type Metadata struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// MaxTimestamp returns the newest timestamp in a metadata list, or 0 when empty
func MaxTimestamp(items []Metadata) int64 {
	var latest int64
	for _, item := range items {
		if item.Timestamp > latest {
			latest = item.Timestamp
		}
	}
	return latest
}

// Repository defines read/write access to region-partitioned message records
type Repository interface {
	// Get returns a record by ID, or nil when it does not exist or is not visible
	Get(ctx context.Context, id string) (*Record, error)

	// GetLatest returns metadata of records in a region newer than the effective cutoff
	GetLatest(ctx context.Context, region geo.Region, lastTimestamp int64) ([]Metadata, error)

	// GetLatestSize returns the total payload size of the records GetLatest would return
	GetLatestSize(ctx context.Context, region geo.Region, lastTimestamp int64) (int64, error)

	// GetRange returns the visible records among the given IDs
	GetRange(ctx context.Context, ids []string) ([]Record, error)

	// InsertOne stores a payload for a single region and returns the new record ID
	InsertOne(ctx context.Context, payload *MessageContainer, region *geo.Region) (string, error)

	// InsertFanOut stores one record per region, batching writes per partition
	InsertFanOut(ctx context.Context, payload *MessageContainer, regions []geo.Region) error
}
