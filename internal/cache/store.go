// Package cache is the Route Cache Store: one composite entry of derived
// geometry per route and direction, replaced whole on every write.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bus-tracker/internal/route"
)

const keyPrefix = "route:geometry:"

// ErrMiss is returned by Get when no entry exists. A miss is a normal state.
var ErrMiss = errors.New("route geometry not cached")

// Store is the read/write contract shared by the synchronizer (owner of
// every replacement) and the tracking path (reader). Put must be atomic and
// visible to every subsequent Get once it returns.
type Store interface {
	Put(ctx context.Context, key route.Key, g route.Geometry) error
	// PutIfAbsent writes g only when no entry exists and reports whether it
	// did. The tracking path fills misses with it so it never replaces a
	// geometry the synchronizer wrote in the meantime.
	PutIfAbsent(ctx context.Context, key route.Key, g route.Geometry) (bool, error)
	Get(ctx context.Context, key route.Key) (route.Geometry, error)
	// GetRaw returns the stored bytes, for verification tooling.
	GetRaw(ctx context.Context, key route.Key) ([]byte, error)
	Delete(ctx context.Context, key route.Key) error
	Keys(ctx context.Context) ([]route.Key, error)
}

// KeyFor is the logical cache key external readers use: route:geometry:<id>:<DIRECTION>.
func KeyFor(k route.Key) string {
	return keyPrefix + k.RouteID + ":" + string(k.Direction)
}

// ParseKey reverses KeyFor. Route ids may themselves contain ':'.
func ParseKey(s string) (route.Key, error) {
	rest, ok := strings.CutPrefix(s, keyPrefix)
	if !ok {
		return route.Key{}, fmt.Errorf("not a route geometry key: %q", s)
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return route.Key{}, fmt.Errorf("malformed route geometry key: %q", s)
	}
	dir, err := route.ParseDirection(rest[i+1:])
	if err != nil {
		return route.Key{}, err
	}
	return route.Key{RouteID: rest[:i], Direction: dir}, nil
}

func encode(g route.Geometry) ([]byte, error) {
	return json.Marshal(g)
}

func decode(b []byte) (route.Geometry, error) {
	var g route.Geometry
	if err := json.Unmarshal(b, &g); err != nil {
		return route.Geometry{}, fmt.Errorf("decode cached geometry: %w", err)
	}
	return g, nil
}
