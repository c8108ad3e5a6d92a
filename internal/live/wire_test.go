package live

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/route"
	"bus-tracker/internal/tracking"
)

func TestDecodeCommand(t *testing.T) {
	t.Run("subscribe", func(t *testing.T) {
		cmd, err := DecodeCommand([]byte(`{"type":"subscribe","routeId":"r1","direction":"forward"}`))
		require.NoError(t, err)
		assert.Equal(t, TypeSubscribe, cmd.Type)
		assert.Equal(t, fwd, cmd.Key)
	})

	t.Run("position fix", func(t *testing.T) {
		cmd, err := DecodeCommand([]byte(`{"type":"positionFix","busId":"bus-1","routeId":"r1",
			"direction":"BACKWARD","lat":8.9831,"lng":-79.5202,"timestamp":1772352000000}`))
		require.NoError(t, err)
		assert.Equal(t, route.Fix{
			BusID:     "bus-1",
			RouteID:   "r1",
			Direction: route.Backward,
			Lat:       8.9831,
			Lng:       -79.5202,
			Timestamp: time.UnixMilli(1772352000000).UTC(),
		}, cmd.Fix)
	})

	t.Run("zero coordinates are allowed", func(t *testing.T) {
		cmd, err := DecodeCommand([]byte(`{"type":"positionFix","busId":"b","routeId":"r1","direction":"FORWARD","lat":0,"lng":0,"timestamp":1}`))
		require.NoError(t, err)
		assert.Equal(t, 0.0, cmd.Fix.Lat)
	})

	bad := []struct {
		name string
		in   string
	}{
		{"not json", `{`},
		{"unknown type", `{"type":"hello","routeId":"r1","direction":"FORWARD"}`},
		{"missing route", `{"type":"subscribe","direction":"FORWARD"}`},
		{"bad direction", `{"type":"subscribe","routeId":"r1","direction":"UP"}`},
		{"fix without bus", `{"type":"positionFix","routeId":"r1","direction":"FORWARD","lat":1,"lng":1,"timestamp":1}`},
		{"fix without lat", `{"type":"positionFix","busId":"b","routeId":"r1","direction":"FORWARD","lng":1,"timestamp":1}`},
		{"fix lat out of range", `{"type":"positionFix","busId":"b","routeId":"r1","direction":"FORWARD","lat":95,"lng":1,"timestamp":1}`},
		{"fix without timestamp", `{"type":"positionFix","busId":"b","routeId":"r1","direction":"FORWARD","lat":1,"lng":1}`},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeCommand([]byte(tc.in))
			assert.ErrorIs(t, err, ErrBadMessage)
		})
	}
}

func TestDecodeFix(t *testing.T) {
	t.Run("type may be omitted", func(t *testing.T) {
		fix, err := DecodeFix([]byte(` {"busId":"b1","routeId":"r1","direction":"FORWARD","lat":8.98,"lng":-79.52,"timestamp":1000}`))
		require.NoError(t, err)
		assert.Equal(t, "b1", fix.BusID)
		assert.Equal(t, time.UnixMilli(1000).UTC(), fix.Timestamp)
	})

	t.Run("explicit type", func(t *testing.T) {
		fix, err := DecodeFix([]byte(`{"type":"positionFix","busId":"b1","routeId":"r1","direction":"FORWARD","lat":1,"lng":2,"timestamp":5}`))
		require.NoError(t, err)
		assert.Equal(t, 2.0, fix.Lng)
	})

	t.Run("null type falls back to a fix", func(t *testing.T) {
		fix, err := DecodeFix([]byte(`{"type":null,"busId":"b1","routeId":"r1","direction":"FORWARD","lat":1,"lng":2,"timestamp":5}`))
		require.NoError(t, err)
		assert.Equal(t, "r1", fix.RouteID)
	})

	bad := []struct {
		name string
		in   string
	}{
		{"empty object", `{}`},
		{"not an object", `[1,2]`},
		{"subscribe", `{"type":"subscribe","routeId":"r1","direction":"FORWARD"}`},
		{"missing coordinates", `{"busId":"b1","routeId":"r1","direction":"FORWARD","timestamp":5}`},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeFix([]byte(tc.in))
			assert.ErrorIs(t, err, ErrBadMessage)
		})
	}
}

func TestEncodeEvent(t *testing.T) {
	ts := time.UnixMilli(1772352000123).UTC()

	b, err := EncodeEvent(tracking.Progress{
		BusID: "bus-1", RouteID: "r1", Direction: route.Forward,
		Fraction: 0.25, DistanceMeters: 120.5, LateralOffsetMeters: 3, SegmentIndex: 1, Timestamp: ts,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"progress","busId":"bus-1","routeId":"r1","direction":"FORWARD",
		"fraction":0.25,"distanceMeters":120.5,"lateralOffsetMeters":3,"segmentIndex":1,"timestamp":1772352000123}`, string(b))

	b, err = EncodeEvent(tracking.Arrived{BusID: "bus-1", RouteID: "r1", Direction: route.Backward, Timestamp: ts})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"arrived","busId":"bus-1","routeId":"r1","direction":"BACKWARD","timestamp":1772352000123}`, string(b))

	var env map[string]string
	require.NoError(t, json.Unmarshal(EncodeError("nope"), &env))
	assert.Equal(t, map[string]string{"type": "error", "message": "nope"}, env)
}
