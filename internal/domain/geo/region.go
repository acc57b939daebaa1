// internal/domain/geo/region.go

package geo

import (
	"errors"
	"fmt"
	"math"
)

const (
	// MinPrecision is the coarsest grid level (16 degree cells)
	MinPrecision = 0

	// MaxPrecision is the finest grid level (1/256 degree cells)
	MaxPrecision = 12

	// DefaultPrecision gives cells of 1/16 degree, roughly 7km at the equator
	DefaultPrecision = 8

	// precisionBase is the exponent of the cell edge at MinPrecision
	precisionBase = 4
)

// ErrInvalidRegion is returned when region coordinates fall outside the globe
var ErrInvalidRegion = errors.New("invalid region")

// Coordinates represents a geographic point
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Region identifies a rectangular grid cell at a given precision level
type Region struct {
	LatitudePrefix  float64 `json:"latitudePrefix"`
	LongitudePrefix float64 `json:"longitudePrefix"`
	Precision       int     `json:"precision"`
}

// RegionBoundary is the rectangular extent of a grid cell
type RegionBoundary struct {
	MinLatitude  float64 `json:"minLatitude"`
	MaxLatitude  float64 `json:"maxLatitude"`
	MinLongitude float64 `json:"minLongitude"`
	MaxLongitude float64 `json:"maxLongitude"`
}

// RegionFromPoint returns the precision-adjusted region containing a point
func RegionFromPoint(latitude, longitude float64, precision int) Region {
	return AdjustToPrecision(Region{
		LatitudePrefix:  latitude,
		LongitudePrefix: longitude,
		Precision:       precision,
	})
}

// Validate checks that the region prefixes are real coordinates
func (r Region) Validate() error {
	if math.IsNaN(r.LatitudePrefix) || math.IsInf(r.LatitudePrefix, 0) ||
		r.LatitudePrefix < -90 || r.LatitudePrefix > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidRegion, r.LatitudePrefix)
	}
	if math.IsNaN(r.LongitudePrefix) || math.IsInf(r.LongitudePrefix, 0) ||
		r.LongitudePrefix < -180 || r.LongitudePrefix > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidRegion, r.LongitudePrefix)
	}
	return nil
}

// ClampPrecision forces a precision level into the supported scale
func ClampPrecision(precision int) int {
	if precision < MinPrecision {
		return MinPrecision
	}
	if precision > MaxPrecision {
		return MaxPrecision
	}
	return precision
}

// CellSize returns the edge length in degrees of a cell at the given precision.
// Sizes are powers of two so grid arithmetic stays exact in float64.
func CellSize(precision int) float64 {
	return math.Ldexp(1, precisionBase-ClampPrecision(precision))
}

// AdjustToPrecision snaps the region prefixes to the south-west corner of
// their grid cell at the region's precision. Latitude 90 belongs to the
// northernmost row and longitude 180 to the cell at -180.
func AdjustToPrecision(r Region) Region {
	precision := ClampPrecision(r.Precision)
	size := CellSize(precision)

	return Region{
		LatitudePrefix:  latitudeIndex(r.LatitudePrefix, size) * size,
		LongitudePrefix: longitudeIndex(r.LongitudePrefix, size) * size,
		Precision:       precision,
	}
}

// GetRegionBoundary returns the extent of the region's grid cell
func GetRegionBoundary(r Region) RegionBoundary {
	adjusted := AdjustToPrecision(r)
	size := CellSize(adjusted.Precision)

	return RegionBoundary{
		MinLatitude:  math.Max(-90, adjusted.LatitudePrefix),
		MaxLatitude:  math.Min(90, adjusted.LatitudePrefix+size),
		MinLongitude: math.Max(-180, adjusted.LongitudePrefix),
		MaxLongitude: math.Min(180, adjusted.LongitudePrefix+size),
	}
}

// GetPartitionKey derives the shard identifier of the region's grid cell.
// Distinct cells always produce distinct keys.
func GetPartitionKey(r Region) string {
	adjusted := AdjustToPrecision(r)
	size := CellSize(adjusted.Precision)

	return fmt.Sprintf(
		"p%d:%d:%d",
		adjusted.Precision,
		int64(cellIndex(adjusted.LatitudePrefix, size)),
		int64(cellIndex(adjusted.LongitudePrefix, size)),
	)
}

// Contains reports whether a point lies inside the boundary (edges included)
func (b RegionBoundary) Contains(latitude, longitude float64) bool {
	return latitude >= b.MinLatitude && latitude <= b.MaxLatitude &&
		longitude >= b.MinLongitude && longitude <= b.MaxLongitude
}

func latitudeIndex(latitude, size float64) float64 {
	index := cellIndex(latitude, size)
	if last := math.Ceil(90/size) - 1; index > last {
		return last
	}
	return index
}

func longitudeIndex(longitude, size float64) float64 {
	if longitude >= 180 {
		longitude -= 360
	}
	return cellIndex(longitude, size)
}

func cellIndex(value, size float64) float64 {
	index := math.Floor(value / size)
	if index == 0 {
		// -0 and 0 must encode identically
		return 0
	}
	return index
}
