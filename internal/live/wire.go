package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"bus-tracker/internal/route"
	"bus-tracker/internal/tracking"
)

const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePositionFix = "positionFix"
	TypeProgress    = "progress"
	TypeArrived     = "arrived"
	TypeError       = "error"
)

var ErrBadMessage = errors.New("bad message")

var validate = validator.New(validator.WithRequiredStructEnabled())

type inbound struct {
	Type      string   `json:"type" validate:"required,oneof=subscribe unsubscribe positionFix"`
	RouteID   string   `json:"routeId" validate:"required,max=128"`
	Direction string   `json:"direction" validate:"required"`
	BusID     string   `json:"busId" validate:"required_if=Type positionFix,max=128"`
	Lat       *float64 `json:"lat" validate:"required_if=Type positionFix,omitempty,min=-90,max=90"`
	Lng       *float64 `json:"lng" validate:"required_if=Type positionFix,omitempty,min=-180,max=180"`
	Timestamp int64    `json:"timestamp" validate:"required_if=Type positionFix,omitempty,gt=0"` // unix ms
}

// Command is a decoded client message. Fix is set only for positionFix.
type Command struct {
	Type string
	Key  route.Key
	Fix  route.Fix
}

func DecodeCommand(data []byte) (Command, error) {
	return decode(data, inbound{})
}

// DecodeFix reads a positionFix envelope whose type field may be omitted, as
// published by feeds that only ever carry fixes.
func DecodeFix(data []byte) (route.Fix, error) {
	cmd, err := decode(data, inbound{Type: TypePositionFix})
	if err != nil {
		return route.Fix{}, err
	}
	if cmd.Type != TypePositionFix {
		return route.Fix{}, fmt.Errorf("%w: unexpected %q message", ErrBadMessage, cmd.Type)
	}
	return cmd.Fix, nil
}

// decode unmarshals over in, so fields preset by the caller act as defaults.
func decode(data []byte, in inbound) (Command, error) {
	if err := json.Unmarshal(data, &in); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if err := validate.Struct(in); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	dir, err := route.ParseDirection(in.Direction)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}

	cmd := Command{Type: in.Type, Key: route.Key{RouteID: in.RouteID, Direction: dir}}
	if in.Type == TypePositionFix {
		cmd.Fix = route.Fix{
			BusID:     in.BusID,
			RouteID:   in.RouteID,
			Direction: dir,
			Lat:       *in.Lat,
			Lng:       *in.Lng,
			Timestamp: time.UnixMilli(in.Timestamp).UTC(),
		}
	}
	return cmd, nil
}

type progressMessage struct {
	Type                string          `json:"type"`
	BusID               string          `json:"busId"`
	RouteID             string          `json:"routeId"`
	Direction           route.Direction `json:"direction"`
	Fraction            float64         `json:"fraction"`
	DistanceMeters      float64         `json:"distanceMeters"`
	LateralOffsetMeters float64         `json:"lateralOffsetMeters"`
	SegmentIndex        int             `json:"segmentIndex"`
	Timestamp           int64           `json:"timestamp"`
}

type arrivedMessage struct {
	Type      string          `json:"type"`
	BusID     string          `json:"busId"`
	RouteID   string          `json:"routeId"`
	Direction route.Direction `json:"direction"`
	Timestamp int64           `json:"timestamp"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func EncodeEvent(ev tracking.Event) ([]byte, error) {
	switch e := ev.(type) {
	case tracking.Progress:
		return json.Marshal(progressMessage{
			Type:                TypeProgress,
			BusID:               e.BusID,
			RouteID:             e.RouteID,
			Direction:           e.Direction,
			Fraction:            e.Fraction,
			DistanceMeters:      e.DistanceMeters,
			LateralOffsetMeters: e.LateralOffsetMeters,
			SegmentIndex:        e.SegmentIndex,
			Timestamp:           e.Timestamp.UnixMilli(),
		})
	case tracking.Arrived:
		return json.Marshal(arrivedMessage{
			Type:      TypeArrived,
			BusID:     e.BusID,
			RouteID:   e.RouteID,
			Direction: e.Direction,
			Timestamp: e.Timestamp.UnixMilli(),
		})
	}
	return nil, fmt.Errorf("unknown event %T", ev)
}

func EncodeError(msg string) []byte {
	b, _ := json.Marshal(errorMessage{Type: TypeError, Message: msg})
	return b
}
