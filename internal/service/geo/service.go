// internal/service/geo/service.go

package geo

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"areareport/internal/domain/geo"
	"areareport/internal/domain/message"
)

const earthRadiusKm = 6371.0

// kmPerDegree is the length of one degree of latitude
const kmPerDegree = earthRadiusKm * math.Pi / 180.0

var (
	// ErrInvalidArea is returned for areas with an unusable center or radius
	ErrInvalidArea = errors.New("invalid area")

	// ErrAreaTooLarge is returned when no precision covers an area within the region limit
	ErrAreaTooLarge = errors.New("area needs more regions than allowed")
)

// CoverageConfig contains configuration for area coverage
type CoverageConfig struct {
	// Precision is the finest precision regions are computed at
	Precision int

	// MaxRegions is the largest number of regions a single area may expand to
	MaxRegions int
}

// CoverageService maps narrowcast areas onto grid regions
type CoverageService struct {
	config CoverageConfig
}

// NewCoverageService creates a new coverage service
func NewCoverageService(config CoverageConfig) *CoverageService {
	return &CoverageService{config: config}
}

// Cover returns the regions an area touches using the configured limits
func (s *CoverageService) Cover(area message.Area) ([]geo.Region, error) {
	return CoverArea(area, s.config.Precision, s.config.MaxRegions)
}

// CoverArea returns the grid cells an area touches at the finest precision,
// starting from precision, whose cell count does not exceed maxRegions. A
// cell is kept when its nearest point lies within the area radius. Regions
// are returned adjusted to their precision, sorted by latitude then
// longitude.
func CoverArea(area message.Area, precision, maxRegions int) ([]geo.Region, error) {
	center := area.Location
	if err := (geo.Region{LatitudePrefix: center.Latitude, LongitudePrefix: center.Longitude}).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArea, err)
	}
	if math.IsNaN(area.RadiusMeters) || math.IsInf(area.RadiusMeters, 0) || area.RadiusMeters < 0 {
		return nil, fmt.Errorf("%w: radius %v", ErrInvalidArea, area.RadiusMeters)
	}
	if maxRegions < 1 {
		return nil, fmt.Errorf("%w: region limit %d", ErrInvalidArea, maxRegions)
	}

	radiusKm := area.RadiusMeters / 1000.0

	for p := geo.ClampPrecision(precision); p >= geo.MinPrecision; p-- {
		// skip precisions whose bounding box is far beyond the limit
		if p > geo.MinPrecision && candidateCells(center, radiusKm, p) > candidateFactor*maxRegions {
			continue
		}

		regions := cellsWithin(center, radiusKm, p)
		if len(regions) <= maxRegions {
			return regions, nil
		}
	}

	return nil, fmt.Errorf("%w: radius %.0fm, limit %d", ErrAreaTooLarge, area.RadiusMeters, maxRegions)
}

// candidateFactor bounds how many bounding box cells are scanned per allowed region
const candidateFactor = 64

// boundingBox returns the latitude and longitude ranges that can contain
// points within radiusKm of center
func boundingBox(center geo.Coordinates, radiusKm float64) (minLat, maxLat, minLon, maxLon float64) {
	dLat := radiusKm / kmPerDegree
	minLat = math.Max(-90, center.Latitude-dLat)
	maxLat = math.Min(90, center.Latitude+dLat)

	// polar caps and very large radii span every meridian
	if cosLat := math.Cos(math.Max(math.Abs(minLat), math.Abs(maxLat)) * math.Pi / 180.0); cosLat > 1e-9 {
		if dLon := dLat / cosLat; 2*dLon < 360 {
			return minLat, maxLat, center.Longitude - dLon, center.Longitude + dLon
		}
	}

	return minLat, maxLat, -180, 180
}

func candidateCells(center geo.Coordinates, radiusKm float64, precision int) int {
	size := geo.CellSize(precision)
	minLat, maxLat, minLon, maxLon := boundingBox(center, radiusKm)

	rows := math.Floor(maxLat/size) - math.Floor(minLat/size) + 1
	cols := math.Floor(maxLon/size) - math.Floor(minLon/size) + 1
	if n := rows * cols; n < math.MaxInt32 {
		return int(n)
	}
	return math.MaxInt32
}

// cellsWithin returns every cell at precision whose nearest point is within
// radiusKm of center
func cellsWithin(center geo.Coordinates, radiusKm float64, precision int) []geo.Region {
	size := geo.CellSize(precision)
	minLat, maxLat, minLon, maxLon := boundingBox(center, radiusKm)

	seen := make(map[string]bool)
	var regions []geo.Region

	add := func(r geo.Region) {
		key := geo.GetPartitionKey(r)
		if seen[key] {
			return
		}
		seen[key] = true
		regions = append(regions, r)
	}

	// the cell holding the center is always covered
	add(snap(center.Latitude, center.Longitude, precision))

	for latIdx := math.Floor(minLat / size); latIdx*size <= maxLat; latIdx++ {
		latPrefix := latIdx * size
		if latPrefix >= 90 {
			break
		}

		for lonIdx := math.Floor(minLon / size); lonIdx*size <= maxLon; lonIdx++ {
			cell := snap(latPrefix+size/2, wrapLongitude(lonIdx*size+size/2), precision)
			if distanceToCell(center, geo.GetRegionBoundary(cell)) <= radiusKm {
				add(cell)
			}
		}
	}

	sort.Slice(regions, func(i, j int) bool {
		if regions[i].LatitudePrefix != regions[j].LatitudePrefix {
			return regions[i].LatitudePrefix < regions[j].LatitudePrefix
		}
		return regions[i].LongitudePrefix < regions[j].LongitudePrefix
	})

	return regions
}

// snap returns the adjusted region of a point with its prefixes clamped onto
// the globe. The clamped prefixes stay inside the same cell.
func snap(latitude, longitude float64, precision int) geo.Region {
	r := geo.AdjustToPrecision(geo.Region{
		LatitudePrefix:  latitude,
		LongitudePrefix: longitude,
		Precision:       precision,
	})
	r.LatitudePrefix = math.Max(-90, r.LatitudePrefix)
	r.LongitudePrefix = math.Max(-180, r.LongitudePrefix)
	return r
}

func wrapLongitude(lon float64) float64 {
	for lon >= 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}

// distanceToCell approximates the distance from a point to the nearest point
// of a cell
func distanceToCell(p geo.Coordinates, b geo.RegionBoundary) float64 {
	if b.Contains(p.Latitude, p.Longitude) {
		return 0
	}

	nearest := geo.Coordinates{
		Latitude:  math.Min(math.Max(p.Latitude, b.MinLatitude), b.MaxLatitude),
		Longitude: p.Longitude,
	}
	if p.Longitude < b.MinLongitude || p.Longitude > b.MaxLongitude {
		if longitudeGap(p.Longitude, b.MinLongitude) <= longitudeGap(p.Longitude, b.MaxLongitude) {
			nearest.Longitude = b.MinLongitude
		} else {
			nearest.Longitude = b.MaxLongitude
		}
	}

	return CalculateDistance(p, nearest)
}

func longitudeGap(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// CalculateDistance calculates the distance between two locations in kilometers
func CalculateDistance(a, b geo.Coordinates) float64 {
	// Haversine formula for distance on a sphere
	lat1 := a.Latitude * math.Pi / 180.0
	lon1 := a.Longitude * math.Pi / 180.0
	lat2 := b.Latitude * math.Pi / 180.0
	lon2 := b.Longitude * math.Pi / 180.0

	dLat := lat2 - lat1
	dLon := lon2 - lon1

	hSin := math.Sin(dLat / 2)
	hSin *= hSin

	vSin := math.Sin(dLon / 2)
	vSin *= vSin

	h := hSin + math.Cos(lat1)*math.Cos(lat2)*vSin

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// IsWithinArea checks if a location is inside a narrowcast area
func IsWithinArea(location geo.Coordinates, area message.Area) bool {
	return CalculateDistance(location, area.Location)*1000.0 <= area.RadiusMeters
}
