// Package route defines the route documents read from the authoritative store,
// the geometry derived from them, and the position fixes tracked against it.
package route

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"bus-tracker/internal/geo"
)

type Direction string

const (
	Forward  Direction = "FORWARD"
	Backward Direction = "BACKWARD"
)

var (
	ErrInvalidShape     = errors.New("invalid route shape")
	ErrInvalidPolygon   = errors.New("invalid end zone polygon")
	ErrInvalidDirection = errors.New("invalid direction")
	ErrNotFound         = errors.New("route not found")
)

// ParseDirection accepts FORWARD/BACKWARD in any case.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToUpper(strings.TrimSpace(s))); d {
	case Forward, Backward:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}

func (d Direction) Valid() bool { return d == Forward || d == Backward }

// Key identifies one directional route.
type Key struct {
	RouteID   string
	Direction Direction
}

func (k Key) String() string { return k.RouteID + ":" + string(k.Direction) }

// Document is a route as stored by the authoritative store. Core code never writes it.
type Document struct {
	ID        string
	Direction Direction
	Number    string
	Name      string
	Shape     []geo.Point
	EndZone   []geo.Point // optional; ring closure is implied
	UpdatedAt time.Time
}

func (d Document) Key() Key { return Key{RouteID: d.ID, Direction: d.Direction} }

// Version is the change marker used by incremental syncs.
type Version struct {
	Key
	UpdatedAt time.Time
}

// Geometry is the cached, derived form of a Document. It is only ever
// replaced as a whole.
type Geometry struct {
	Shape            []geo.Point `json:"shape"`
	CumulativeLength []float64   `json:"cumulativeLength"`
	TotalLength      float64     `json:"totalLength"`
	EndZonePolygon   []geo.Point `json:"endZonePolygon,omitempty"`
	SourceUpdatedAt  time.Time   `json:"sourceUpdatedAt"`
}

func (g Geometry) HasEndZone() bool { return len(g.EndZonePolygon) >= 3 }

// Derive validates doc and computes its cached geometry.
func Derive(doc Document) (Geometry, error) {
	if !doc.Direction.Valid() {
		return Geometry{}, fmt.Errorf("route %s: %w: %q", doc.ID, ErrInvalidDirection, doc.Direction)
	}
	if !geo.ValidateShape(doc.Shape) {
		return Geometry{}, fmt.Errorf("route %s: %w", doc.Key(), ErrInvalidShape)
	}
	g := Geometry{
		Shape:           slices.Clone(doc.Shape),
		SourceUpdatedAt: doc.UpdatedAt.UTC(),
	}
	if len(doc.EndZone) > 0 {
		if !geo.ValidatePolygon(doc.EndZone) {
			return Geometry{}, fmt.Errorf("route %s: %w", doc.Key(), ErrInvalidPolygon)
		}
		g.EndZonePolygon = slices.Clone(doc.EndZone)
	}
	g.CumulativeLength = geo.CumulativeLength(g.Shape)
	g.TotalLength = geo.TotalLength(g.CumulativeLength)
	return g, nil
}

// Fix is one GPS report from a bus. It is never persisted.
type Fix struct {
	BusID     string
	RouteID   string
	Direction Direction
	Lat       float64
	Lng       float64
	Timestamp time.Time
}

func (f Fix) Key() Key { return Key{RouteID: f.RouteID, Direction: f.Direction} }

func (f Fix) Point() geo.Point { return geo.Point{Lng: f.Lng, Lat: f.Lat} }
