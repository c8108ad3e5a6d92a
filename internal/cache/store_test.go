package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/route"
)

func testGeometry(t *testing.T) route.Geometry {
	t.Helper()
	g, err := route.Derive(route.Document{
		ID:        "r1",
		Direction: route.Forward,
		Shape:     []geo.Point{{Lng: 0, Lat: 0}, {Lng: 0.01, Lat: 0}},
		EndZone:   []geo.Point{{Lng: 0.009, Lat: -0.001}, {Lng: 0.011, Lat: -0.001}, {Lng: 0.01, Lat: 0.001}},
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return g
}

func TestKeyFor(t *testing.T) {
	testCases := []route.Key{
		{RouteID: "r1", Direction: route.Forward},
		{RouteID: "line:12", Direction: route.Backward},
		{RouteID: "a.b c/d", Direction: route.Forward},
	}
	for _, k := range testCases {
		t.Run(k.String(), func(t *testing.T) {
			parsed, err := ParseKey(KeyFor(k))
			require.NoError(t, err)
			assert.Equal(t, k, parsed)

			kvParsed, err := parseKVKey(KVKeyFor(k))
			require.NoError(t, err)
			assert.Equal(t, k, kvParsed)
			assert.NotContains(t, KVKeyFor(k), ":")
		})
	}

	assert.Equal(t, "route:geometry:r1:FORWARD", KeyFor(route.Key{RouteID: "r1", Direction: route.Forward}))

	_, err := ParseKey("route:shape:r1:FORWARD")
	assert.Error(t, err)
	_, err = ParseKey("route:geometry:r1:UP")
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	key := route.Key{RouteID: "r1", Direction: route.Forward}

	t.Run("miss is ErrMiss", func(t *testing.T) {
		s := NewMemoryStore(10, 0)
		_, err := s.Get(ctx, key)
		assert.ErrorIs(t, err, ErrMiss)
	})

	t.Run("put then get round-trips", func(t *testing.T) {
		s := NewMemoryStore(10, 0)
		g := testGeometry(t)
		require.NoError(t, s.Put(ctx, key, g))

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, g, got)

		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []route.Key{key}, keys)
	})

	t.Run("put replaces instead of merging", func(t *testing.T) {
		s := NewMemoryStore(10, 0)
		require.NoError(t, s.Put(ctx, key, testGeometry(t)))

		replacement := testGeometry(t)
		replacement.EndZonePolygon = nil
		require.NoError(t, s.Put(ctx, key, replacement))

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, got.EndZonePolygon)
	})

	t.Run("delete", func(t *testing.T) {
		s := NewMemoryStore(10, 0)
		require.NoError(t, s.Put(ctx, key, testGeometry(t)))
		require.NoError(t, s.Delete(ctx, key))
		_, err := s.Get(ctx, key)
		assert.ErrorIs(t, err, ErrMiss)
		require.NoError(t, s.Delete(ctx, key))
	})

	t.Run("put if absent leaves an existing entry alone", func(t *testing.T) {
		s := NewMemoryStore(10, 0)
		current := testGeometry(t)
		current.SourceUpdatedAt = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		written, err := s.PutIfAbsent(ctx, key, current)
		require.NoError(t, err)
		assert.True(t, written)

		older := testGeometry(t)
		older.SourceUpdatedAt = current.SourceUpdatedAt.Add(-time.Hour)
		written, err = s.PutIfAbsent(ctx, key, older)
		require.NoError(t, err)
		assert.False(t, written)

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, got.SourceUpdatedAt.Equal(current.SourceUpdatedAt))
	})

	t.Run("raw bytes are stable across identical puts", func(t *testing.T) {
		s := NewMemoryStore(10, 0)
		require.NoError(t, s.Put(ctx, key, testGeometry(t)))
		first, err := s.GetRaw(ctx, key)
		require.NoError(t, err)
		require.NoError(t, s.Put(ctx, key, testGeometry(t)))
		second, err := s.GetRaw(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("ttl expires entries", func(t *testing.T) {
		s := NewMemoryStore(10, 20*time.Millisecond)
		require.NoError(t, s.Put(ctx, key, testGeometry(t)))
		time.Sleep(50 * time.Millisecond)
		_, err := s.Get(ctx, key)
		assert.ErrorIs(t, err, ErrMiss)
	})

	t.Run("concurrent readers never see torn entries", func(t *testing.T) {
		s := NewMemoryStore(10, 0)
		a := testGeometry(t)
		b := testGeometry(t)
		b.Shape = append(b.Shape, geo.Point{Lng: 0.02, Lat: 0})
		b.CumulativeLength = geo.CumulativeLength(b.Shape)
		b.TotalLength = geo.TotalLength(b.CumulativeLength)
		require.NoError(t, s.Put(ctx, key, a))

		var wg sync.WaitGroup
		stop := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				g := a
				if i%2 == 1 {
					g = b
				}
				_ = s.Put(ctx, key, g)
			}
			close(stop)
		}()
		for done := false; !done; {
			select {
			case <-stop:
				done = true
			default:
				got, err := s.Get(ctx, key)
				require.NoError(t, err)
				assert.Equal(t, len(got.Shape), len(got.CumulativeLength))
			}
		}
		wg.Wait()
	})
}
