package geo

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/endharassment/surveillance-reports/internal/model"
	"github.com/endharassment/surveillance-reports/internal/store"
)

const (
	// EarthRadiusMeters is the mean earth radius used for distances.
	EarthRadiusMeters = 6371000.0
	// DefaultRadiusMeters is used when a caller passes no positive radius.
	DefaultRadiusMeters = 50
	// MaxNearby caps the number of results returned by FindNearby.
	MaxNearby = 10

	metersPerDegree = EarthRadiusMeters * math.Pi / 180
)

// Nearby is an existing report close to a query point.
type Nearby struct {
	ReportID       string             `json:"report_id"`
	CaseNumber     string             `json:"case_number"`
	Status         model.ReportStatus `json:"status"`
	DistanceMeters int                `json:"distance_meters"`
}

// BoxQuerier returns reports whose coordinates lie inside a box.
type BoxQuerier interface {
	ListLocatedReportsInBox(ctx context.Context, box store.BoundingBox) ([]*model.Report, error)
}

// Detector finds existing reports near a coordinate pair. Results are
// advisory; nothing prevents two reports about the same camera.
type Detector struct {
	store BoxQuerier
}

// NewDetector creates a Detector backed by s.
func NewDetector(s BoxQuerier) *Detector {
	return &Detector{store: s}
}

// FindNearby returns up to MaxNearby reports within radiusMeters of
// lat/lng, nearest first, excluding excludeID.
func (d *Detector) FindNearby(ctx context.Context, lat, lng float64, radiusMeters int, excludeID string) ([]Nearby, error) {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	if !ValidCoordinates(lat, lng) {
		return nil, nil
	}

	candidates, err := d.store.ListLocatedReportsInBox(ctx, boundingBox(lat, lng, float64(radiusMeters)))
	if err != nil {
		return nil, fmt.Errorf("listing reports near %.6f,%.6f: %w", lat, lng, err)
	}

	var out []Nearby
	for _, r := range candidates {
		if r.ID == excludeID || !r.HasLocation() {
			continue
		}
		exact := Distance(lat, lng, *r.Latitude, *r.Longitude)
		if exact > float64(radiusMeters) {
			continue
		}
		out = append(out, Nearby{
			ReportID:       r.ID,
			CaseNumber:     r.CaseNumber,
			Status:         r.Status,
			DistanceMeters: int(math.Round(exact)),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].ReportID < out[j].ReportID
	})
	if len(out) > MaxNearby {
		out = out[:MaxNearby]
	}
	return out, nil
}

// Distance returns the haversine distance in metres between two points.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// boundingBox returns a box that contains every point within radius of
// lat/lng. It errs on the large side; the exact filter runs afterwards.
func boundingBox(lat, lng, radius float64) store.BoundingBox {
	// One extra metre and 1% cover the flat approximation.
	reach := (radius + 1) * 1.01
	dLat := reach / metersPerDegree

	box := store.BoundingBox{
		MinLat: math.Max(lat-dLat, -90),
		MaxLat: math.Min(lat+dLat, 90),
		MinLng: -180,
		MaxLng: 180,
	}

	cos := math.Cos(math.Max(math.Abs(box.MinLat), math.Abs(box.MaxLat)) * math.Pi / 180)
	if cos < 0.01 {
		return box
	}
	dLng := reach / (metersPerDegree * cos)
	if lng-dLng < -180 || lng+dLng > 180 {
		return box
	}
	box.MinLng = lng - dLng
	box.MaxLng = lng + dLng
	return box
}
