package tracking

import (
	"time"

	"bus-tracker/internal/route"
)

// Event is one of Progress or Arrived.
type Event interface {
	Room() route.Key
	isEvent()
}

type Progress struct {
	BusID               string
	RouteID             string
	Direction           route.Direction
	Fraction            float64
	DistanceMeters      float64
	LateralOffsetMeters float64
	SegmentIndex        int
	Timestamp           time.Time
}

type Arrived struct {
	BusID     string
	RouteID   string
	Direction route.Direction
	Timestamp time.Time
}

func (p Progress) Room() route.Key { return route.Key{RouteID: p.RouteID, Direction: p.Direction} }
func (a Arrived) Room() route.Key  { return route.Key{RouteID: a.RouteID, Direction: a.Direction} }

func (Progress) isEvent() {}
func (Arrived) isEvent()  {}

// Result is the outcome of one fix. A stale fix yields the zero Result.
type Result struct {
	Accepted bool
	Progress *Progress
	Arrived  *Arrived
}

// Events returns the emitted events in publish order.
func (r Result) Events() []Event {
	var out []Event
	if r.Progress != nil {
		out = append(out, *r.Progress)
	}
	if r.Arrived != nil {
		out = append(out, *r.Arrived)
	}
	return out
}
