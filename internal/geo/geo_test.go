package geo

import (
	"math"
	"testing"

	"github.com/example/roadside-relay/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceOneDegreeLatitude(t *testing.T) {
	d := Distance(models.Coord{Lat: 10, Lon: 20}, models.Coord{Lat: 11, Lon: 20})
	// one degree of latitude is ~111.19 km on a 6371 km sphere
	if math.Abs(d-111195) > 50 {
		t.Fatalf("expected ~111195m, got %f", d)
	}
}

func TestMember(t *testing.T) {
	if got := Member("r1", models.RoleService); got != "r1:service" {
		t.Fatalf("unexpected member %q", got)
	}
}
