// internal/domain/message/record.go

package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"areareport/internal/domain/geo"
)

// CurrentRecordVersion is the schema version visible to queries. Records
// written with an older version stay in the store but are never returned.
const CurrentRecordVersion = 3

// Record field names as stored in the document body
const (
	FieldID              = "id"
	FieldValue           = "value"
	FieldTimestamp       = "timestamp"
	FieldSize            = "size"
	FieldVersion         = "version"
	FieldLatitudePrefix  = "region.latitudePrefix"
	FieldLongitudePrefix = "region.longitudePrefix"
	FieldPrecision       = "region.precision"
)

var (
	// ErrNilPayload is returned when a write is attempted without a payload
	ErrNilPayload = errors.New("message payload is required")

	// ErrNilRegion is returned when a write is attempted without a region
	ErrNilRegion = errors.New("message region is required")
)

// Record is the stored envelope of a payload assigned to one grid cell
type Record struct {
	ID             string             `json:"id"`
	Value          *MessageContainer  `json:"value"`
	Region         geo.Region         `json:"region"`
	RegionBoundary geo.RegionBoundary `json:"regionBoundary"`
	PartitionKey   string             `json:"partitionKey"`
	Timestamp      int64              `json:"timestamp"` // ms since UNIX epoch
	Size           int64              `json:"size"`
	Version        int                `json:"version"`
}

// NewRecord builds a current-version record for a payload placed in a region.
// The region is adjusted to its precision grid before boundary and partition
// key are derived from it.
func NewRecord(payload *MessageContainer, region geo.Region, now time.Time) (*Record, error) {
	if payload == nil {
		return nil, ErrNilPayload
	}
	if err := region.Validate(); err != nil {
		return nil, err
	}

	size, err := payload.Size()
	if err != nil {
		return nil, fmt.Errorf("error measuring payload: %w", err)
	}

	adjusted := geo.AdjustToPrecision(region)

	return &Record{
		ID:             uuid.New().String(),
		Value:          payload,
		Region:         adjusted,
		RegionBoundary: geo.GetRegionBoundary(adjusted),
		PartitionKey:   geo.GetPartitionKey(adjusted),
		Timestamp:      now.UnixMilli(),
		Size:           size,
		Version:        CurrentRecordVersion,
	}, nil
}

// Metadata returns the list projection of the record
func (r *Record) Metadata() Metadata {
	return Metadata{ID: r.ID, Timestamp: r.Timestamp}
}
