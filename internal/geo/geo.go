// Package geo holds the pure geometry used to cache and track routes: arc
// length along a polyline, projection of a fix onto it, and a geofence test.
//
// Every function here is deterministic so recorded fixes can be replayed
// against the same shapes and produce identical results.
package geo

import "math"

const (
	earthRadiusMeters = 6371000.0

	// offsets closer than this are treated as equal when picking a segment
	tieEpsilonMeters = 1e-6
)

// Point is a WGS84 coordinate. Lng comes first to match the stored [lng, lat] pairs.
type Point struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// Projection is where a point lands on a polyline.
type Projection struct {
	SegmentIndex       int     `json:"segmentIndex"`
	DistanceAlongRoute float64 `json:"distanceAlongRoute"`
	LateralOffset      float64 `json:"lateralOffset"`
}

func toRad(d float64) float64 { return d * math.Pi / 180 }

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

// ValidCoordinate reports whether p is finite and inside the lng/lat ranges.
func ValidCoordinate(p Point) bool {
	return finite(p.Lng) && finite(p.Lat) &&
		p.Lng >= -180 && p.Lng <= 180 &&
		p.Lat >= -90 && p.Lat <= 90
}

// ValidateShape reports whether points can be used as a route polyline.
func ValidateShape(points []Point) bool {
	if len(points) < 2 {
		return false
	}
	for _, p := range points {
		if !ValidCoordinate(p) {
			return false
		}
	}
	return true
}

// ValidatePolygon reports whether points form a usable ring. Closure is implied.
func ValidatePolygon(points []Point) bool {
	if len(points) < 3 {
		return false
	}
	for _, p := range points {
		if !finite(p.Lng) || !finite(p.Lat) {
			return false
		}
	}
	return true
}

// CumulativeLength returns the running haversine distance at each point,
// starting at 0. The last element is the total length of the polyline.
func CumulativeLength(points []Point) []float64 {
	if len(points) == 0 {
		return nil
	}
	cum := make([]float64, len(points))
	sum := 0.0
	for i := 1; i < len(points); i++ {
		sum += Haversine(points[i-1], points[i])
		cum[i] = sum
	}
	return cum
}

// TotalLength is the last cumulative distance, or 0 for an empty slice.
func TotalLength(cum []float64) float64 {
	if len(cum) == 0 {
		return 0
	}
	return cum[len(cum)-1]
}

// ProjectOntoPolyline finds the segment of shape closest to p. Each segment is
// projected in a local equirectangular frame centered on p with the projection
// parameter clamped to [0,1]; ties go to the earliest segment. cum must come
// from CumulativeLength(shape); it is recomputed when the lengths disagree.
func ProjectOntoPolyline(p Point, shape []Point, cum []float64) Projection {
	n := len(shape)
	if n == 0 {
		return Projection{}
	}
	if len(cum) != n {
		cum = CumulativeLength(shape)
	}
	if n == 1 {
		return Projection{LateralOffset: Haversine(p, shape[0])}
	}

	cosLat0 := math.Cos(toRad(p.Lat))
	toXY := func(q Point) (x, y float64) {
		y = toRad(q.Lat-p.Lat) * earthRadiusMeters
		x = toRad(q.Lng-p.Lng) * earthRadiusMeters * cosLat0
		return x, y
	}

	best := Projection{LateralOffset: math.MaxFloat64}
	x0, y0 := toXY(shape[0])
	for i := 1; i < n; i++ {
		x1, y1 := toXY(shape[i])
		dx := x1 - x0
		dy := y1 - y0
		segLen2 := dx*dx + dy*dy
		t := 0.0
		if segLen2 > 0 {
			t = -(x0*dx + y0*dy) / segLen2
			if t < 0 {
				t = 0
			} else if t > 1 {
				t = 1
			}
		}
		px := x0 + t*dx
		py := y0 + t*dy
		offset := math.Sqrt(px*px + py*py)
		if offset < best.LateralOffset-tieEpsilonMeters {
			best = Projection{
				SegmentIndex:       i - 1,
				DistanceAlongRoute: cum[i-1] + t*(cum[i]-cum[i-1]),
				LateralOffset:      offset,
			}
		}
		x0, y0 = x1, y1
	}
	return best
}

// PointInPolygon is a ray-casting parity test. The ring may be open or closed.
func PointInPolygon(p Point, polygon []Point) bool {
	n := len(polygon)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		a, b := polygon[i], polygon[j]
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			xCross := (b.Lng-a.Lng)*(p.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lng
			if p.Lng < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}
