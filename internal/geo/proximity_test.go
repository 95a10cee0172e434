package geo

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/endharassment/surveillance-reports/internal/model"
	"github.com/endharassment/surveillance-reports/internal/store"
)

// boxStore filters its reports by the bounding box like the SQL query does.
type boxStore struct {
	reports []*model.Report
	boxes   []store.BoundingBox
}

func (s *boxStore) ListLocatedReportsInBox(_ context.Context, box store.BoundingBox) ([]*model.Report, error) {
	s.boxes = append(s.boxes, box)
	var out []*model.Report
	for _, r := range s.reports {
		if !r.HasLocation() {
			continue
		}
		if *r.Latitude < box.MinLat || *r.Latitude > box.MaxLat ||
			*r.Longitude < box.MinLng || *r.Longitude > box.MaxLng {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func located(id string, lat, lng float64) *model.Report {
	return &model.Report{
		ID:         id,
		CaseNumber: "CAM-2605-" + id,
		Status:     model.StatusDraft,
		Latitude:   &lat,
		Longitude:  &lng,
	}
}

func TestFindNearby_NeighbouringReport(t *testing.T) {
	st := &boxStore{reports: []*model.Report{
		located("self", 52.5200, 13.4050),
		located("near", 52.5201, 13.4051),
		located("east", 52.5200, 13.4057),
		located("north", 52.5203, 13.4050),
		located("far", 52.5210, 13.4050),
		{ID: "unlocated", Status: model.StatusDraft},
	}}
	d := NewDetector(st)

	got, err := d.FindNearby(context.Background(), 52.5200, 13.4050, 50, "self")
	if err != nil {
		t.Fatalf("FindNearby: %v", err)
	}

	wantIDs := []string{"near", "north", "east"}
	if len(got) != len(wantIDs) {
		t.Fatalf("got %d results (%+v), want %d", len(got), got, len(wantIDs))
	}
	for i, id := range wantIDs {
		if got[i].ReportID != id {
			t.Errorf("result[%d] = %s, want %s", i, got[i].ReportID, id)
		}
	}
	if dist := got[0].DistanceMeters; dist < 10 || dist > 20 {
		t.Errorf("neighbour distance = %d m, want roughly 15", dist)
	}
	if got[0].CaseNumber != "CAM-2605-near" {
		t.Errorf("CaseNumber = %q", got[0].CaseNumber)
	}
}

func TestFindNearby_DefaultRadius(t *testing.T) {
	st := &boxStore{reports: []*model.Report{
		located("a", 52.5200, 13.4057), // ~47 m
		located("b", 52.5210, 13.4050), // ~111 m
	}}
	got, err := NewDetector(st).FindNearby(context.Background(), 52.5200, 13.4050, 0, "")
	if err != nil {
		t.Fatalf("FindNearby: %v", err)
	}
	if len(got) != 1 || got[0].ReportID != "a" {
		t.Fatalf("got %+v, want only a", got)
	}
}

func TestFindNearby_CapAndTies(t *testing.T) {
	var reports []*model.Report
	for i := 0; i < 15; i++ {
		reports = append(reports, located(fmt.Sprintf("r%02d", 14-i), 52.5200, 13.4050))
	}
	got, err := NewDetector(&boxStore{reports: reports}).FindNearby(context.Background(), 52.5200, 13.4050, 50, "")
	if err != nil {
		t.Fatalf("FindNearby: %v", err)
	}
	if len(got) != MaxNearby {
		t.Fatalf("got %d results, want %d", len(got), MaxNearby)
	}
	for i, n := range got {
		if want := fmt.Sprintf("r%02d", i); n.ReportID != want {
			t.Errorf("result[%d] = %s, want %s", i, n.ReportID, want)
		}
	}
}

// TestFindNearby_MatchesBruteForce checks the bounding-box prefilter never
// drops a report the exact distance filter would keep.
func TestFindNearby_MatchesBruteForce(t *testing.T) {
	centers := []struct{ lat, lng float64 }{
		{52.52, 13.405},
		{-33.8688, 151.2093},
		{0, 0},
		{69.6496, 18.956},
		{89.9995, 10},
		{-12.5, 179.9995},
	}
	rng := rand.New(rand.NewPCG(1, 2))

	for _, c := range centers {
		t.Run(fmt.Sprintf("%.4f,%.4f", c.lat, c.lng), func(t *testing.T) {
			var reports []*model.Report
			for i := 0; i < 300; i++ {
				lat := c.lat + (rng.Float64()-0.5)*0.004
				lng := c.lng + (rng.Float64()-0.5)*0.004
				lat = math.Max(-90, math.Min(90, lat))
				if lng > 180 {
					lng -= 360
				}
				reports = append(reports, located(fmt.Sprintf("p%03d", i), lat, lng))
			}
			radius := 20 + rng.IntN(130)

			var want []Nearby
			for _, r := range reports {
				if r.ID == "p000" {
					continue
				}
				exact := Distance(c.lat, c.lng, *r.Latitude, *r.Longitude)
				if exact <= float64(radius) {
					want = append(want, Nearby{ReportID: r.ID, DistanceMeters: int(math.Round(exact))})
				}
			}
			sort.Slice(want, func(i, j int) bool {
				if want[i].DistanceMeters != want[j].DistanceMeters {
					return want[i].DistanceMeters < want[j].DistanceMeters
				}
				return want[i].ReportID < want[j].ReportID
			})
			if len(want) > MaxNearby {
				want = want[:MaxNearby]
			}

			got, err := NewDetector(&boxStore{reports: reports}).FindNearby(context.Background(), c.lat, c.lng, radius, "p000")
			if err != nil {
				t.Fatalf("FindNearby: %v", err)
			}
			if len(got) != len(want) {
				t.Fatalf("radius %d: got %d results, want %d", radius, len(got), len(want))
			}
			for i := range want {
				if got[i].ReportID != want[i].ReportID || got[i].DistanceMeters != want[i].DistanceMeters {
					t.Errorf("result[%d] = %s@%d, want %s@%d", i,
						got[i].ReportID, got[i].DistanceMeters, want[i].ReportID, want[i].DistanceMeters)
				}
				if got[i].DistanceMeters > radius {
					t.Errorf("result[%d] beyond radius: %d > %d", i, got[i].DistanceMeters, radius)
				}
			}
		})
	}
}

func TestFindNearby_RadiusUsesExactDistance(t *testing.T) {
	metresNorth := func(m float64) float64 {
		return 52.52 + m/(EarthRadiusMeters*math.Pi/180)
	}
	st := &boxStore{reports: []*model.Report{
		located("inside", metresNorth(49.6), 13.405),
		located("outside", metresNorth(50.4), 13.405),
	}}

	got, err := NewDetector(st).FindNearby(context.Background(), 52.52, 13.405, 50, "")
	if err != nil {
		t.Fatalf("FindNearby: %v", err)
	}
	if len(got) != 1 || got[0].ReportID != "inside" {
		t.Fatalf("got %+v, want only inside", got)
	}
	if got[0].DistanceMeters != 50 {
		t.Errorf("DistanceMeters = %d, want 50", got[0].DistanceMeters)
	}
}

func TestDistance(t *testing.T) {
	// Berlin Hauptbahnhof to Brandenburger Tor, about 1.1 km.
	d := Distance(52.5251, 13.3694, 52.5163, 13.3777)
	if d < 1000 || d > 1250 {
		t.Errorf("Distance = %.0f m, want about 1.1 km", d)
	}
	if Distance(10, 10, 10, 10) != 0 {
		t.Error("distance to self should be zero")
	}
}
