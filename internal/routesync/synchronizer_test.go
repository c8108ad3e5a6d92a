package routesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/cache"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/route"
)

var baseTime = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func panamaDocument(id string) route.Document {
	return route.Document{
		ID:        id,
		Direction: route.Forward,
		Number:    "12",
		Name:      "Albrook",
		Shape: []geo.Point{
			{Lng: -79.5199, Lat: 8.9824},
			{Lng: -79.5202, Lat: 8.9831},
			{Lng: -79.5205, Lat: 8.9839},
		},
		EndZone: []geo.Point{
			{Lng: -79.5205, Lat: 8.9839},
			{Lng: -79.5204, Lat: 8.9840},
			{Lng: -79.5206, Lat: 8.9840},
		},
		UpdatedAt: baseTime,
	}
}

type fakeSource struct {
	mu            sync.Mutex
	docs          map[route.Key]route.Document
	listErr       error
	versionCalls  int
	versionsGate  chan struct{}
	listRouteCall int
}

func newFakeSource(docs ...route.Document) *fakeSource {
	s := &fakeSource{docs: make(map[route.Key]route.Document)}
	for _, d := range docs {
		s.docs[d.Key()] = d
	}
	return s
}

func (s *fakeSource) set(doc route.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.Key()] = doc
}

func (s *fakeSource) remove(key route.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, key)
}

func (s *fakeSource) ListRoutes(_ context.Context) ([]route.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listRouteCall++
	if s.listErr != nil {
		return nil, s.listErr
	}
	docs := make([]route.Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	return docs, nil
}

func (s *fakeSource) ListRouteVersions(_ context.Context) ([]route.Version, error) {
	s.mu.Lock()
	s.versionCalls++
	gate := s.versionsGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	versions := make([]route.Version, 0, len(s.docs))
	for k, d := range s.docs {
		versions = append(versions, route.Version{Key: k, UpdatedAt: d.UpdatedAt})
	}
	return versions, nil
}

func (s *fakeSource) GetRoute(_ context.Context, key route.Key) (route.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[key]
	if !ok {
		return route.Document{}, route.ErrNotFound
	}
	return d, nil
}

func (s *fakeSource) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionCalls
}

// countingStore wraps the memory backend and counts writes per key.
type countingStore struct {
	*cache.MemoryStore
	mu        sync.Mutex
	puts      map[route.Key]int
	failPuts  map[route.Key]int
	putHook   func(route.Key)
	deletions int
}

func newCountingStore() *countingStore {
	return &countingStore{
		MemoryStore: cache.NewMemoryStore(100, 0),
		puts:        make(map[route.Key]int),
		failPuts:    make(map[route.Key]int),
	}
}

func (c *countingStore) Put(ctx context.Context, key route.Key, g route.Geometry) error {
	c.mu.Lock()
	hook := c.putHook
	if c.failPuts[key] != 0 {
		if c.failPuts[key] > 0 {
			c.failPuts[key]--
		}
		c.mu.Unlock()
		return errors.New("store unavailable")
	}
	c.puts[key]++
	c.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	return c.MemoryStore.Put(ctx, key, g)
}

func (c *countingStore) Delete(ctx context.Context, key route.Key) error {
	c.mu.Lock()
	c.deletions++
	c.mu.Unlock()
	return c.MemoryStore.Delete(ctx, key)
}

func (c *countingStore) totalPuts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.puts {
		n += v
	}
	return n
}

func testOptions() Options {
	return Options{RetryMax: 2, RetryInitial: time.Millisecond, StartTimeout: 100 * time.Millisecond}
}

func TestStartPopulatesCache(t *testing.T) {
	ctx := context.Background()
	doc := panamaDocument("r1")
	store := newCountingStore()
	s := New(newFakeSource(doc), store, testOptions(), nil, nil)
	defer s.Stop()

	rep, err := s.Start(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Full)
	assert.Equal(t, 1, rep.Written)

	g, err := store.Get(ctx, doc.Key())
	require.NoError(t, err)
	assert.Equal(t, doc.Shape, g.Shape)
	assert.Greater(t, g.TotalLength, 0.0)
	assert.GreaterOrEqual(t, len(g.EndZonePolygon), 3)
}

func TestStartSkipsInvalidRoutes(t *testing.T) {
	ctx := context.Background()
	bad := panamaDocument("bad")
	bad.Shape = bad.Shape[:1]
	badZone := panamaDocument("bad-zone")
	badZone.EndZone = badZone.EndZone[:2]
	good := panamaDocument("good")

	store := newCountingStore()
	s := New(newFakeSource(bad, badZone, good), store, testOptions(), nil, nil)
	defer s.Stop()

	rep, err := s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Written)
	assert.Equal(t, 2, rep.Skipped)

	_, err = store.Get(ctx, good.Key())
	assert.NoError(t, err)
	_, err = store.Get(ctx, bad.Key())
	assert.ErrorIs(t, err, cache.ErrMiss)

	// unchanged invalid documents are not re-derived on every pass
	rep, err = s.SyncNow(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Skipped)
	assert.Equal(t, 3, rep.Unchanged)
}

func TestStartPrunesOrphanedEntries(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	orphan := route.Key{RouteID: "gone", Direction: route.Backward}
	g, err := route.Derive(panamaDocument("gone"))
	require.NoError(t, err)
	require.NoError(t, store.MemoryStore.Put(ctx, orphan, g))

	s := New(newFakeSource(panamaDocument("r1")), store, testOptions(), nil, nil)
	defer s.Stop()

	rep, err := s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Deleted)
	_, err = store.Get(ctx, orphan)
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestStartFailsWhenSourceUnreachable(t *testing.T) {
	src := newFakeSource(panamaDocument("r1"))
	src.listErr = errors.New("connection refused")
	s := New(src, newCountingStore(), testOptions(), nil, nil)
	defer s.Stop()

	_, err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Greater(t, src.listRouteCall, 1, "start should retry before giving up")

	_, err = s.SyncNow(context.Background(), "test")
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestSyncNowIsIdempotent(t *testing.T) {
	ctx := context.Background()
	doc := panamaDocument("r1")
	store := newCountingStore()
	s := New(newFakeSource(doc, panamaDocument("r2")), store, testOptions(), nil, nil)
	defer s.Stop()

	_, err := s.Start(ctx)
	require.NoError(t, err)

	_, err = s.SyncNow(ctx, "test")
	require.NoError(t, err)
	first, err := store.GetRaw(ctx, doc.Key())
	require.NoError(t, err)
	puts := store.totalPuts()

	rep, err := s.SyncNow(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Written)
	assert.Equal(t, 2, rep.Unchanged)
	assert.Equal(t, puts, store.totalPuts())

	second, err := store.GetRaw(ctx, doc.Key())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSyncNowRederivesUpdatedRoutes(t *testing.T) {
	ctx := context.Background()
	doc := panamaDocument("r1")
	src := newFakeSource(doc, panamaDocument("r2"))
	store := newCountingStore()
	s := New(src, store, testOptions(), nil, nil)
	defer s.Stop()

	_, err := s.Start(ctx)
	require.NoError(t, err)

	doc.Shape = append(doc.Shape, geo.Point{Lng: -79.5210, Lat: 8.9845})
	doc.UpdatedAt = baseTime.Add(time.Minute)
	src.set(doc)

	rep, err := s.SyncNow(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Written)
	assert.Equal(t, 1, rep.Unchanged)

	g, err := store.Get(ctx, doc.Key())
	require.NoError(t, err)
	assert.Len(t, g.Shape, 4)
	assert.Len(t, g.CumulativeLength, 4)
}

func TestSyncNowRemovesDeletedRoutes(t *testing.T) {
	ctx := context.Background()
	doc := panamaDocument("r1")
	src := newFakeSource(doc, panamaDocument("r2"))
	store := newCountingStore()
	s := New(src, store, testOptions(), nil, nil)
	defer s.Stop()

	_, err := s.Start(ctx)
	require.NoError(t, err)

	src.remove(doc.Key())
	rep, err := s.SyncNow(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Deleted)

	_, err = store.Get(ctx, doc.Key())
	assert.ErrorIs(t, err, cache.ErrMiss)

	rep, err = s.SyncNow(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Deleted)
}

func TestSyncNowRestoresEvictedEntries(t *testing.T) {
	ctx := context.Background()
	r1, r2 := panamaDocument("r1"), panamaDocument("r2")
	store := newCountingStore()
	s := New(newFakeSource(r1, r2), store, testOptions(), nil, nil)
	defer s.Stop()

	_, err := s.Start(ctx)
	require.NoError(t, err)

	// bypass the synchronizer, as a TTL or LRU eviction would
	require.NoError(t, store.MemoryStore.Delete(ctx, r1.Key()))

	rep, err := s.SyncNow(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Written)
	assert.Equal(t, 1, rep.Unchanged)

	g, err := store.Get(ctx, r1.Key())
	require.NoError(t, err)
	assert.True(t, g.SourceUpdatedAt.Equal(r1.UpdatedAt))
}

func TestSyncNowPrunesEntriesForUnknownRoutes(t *testing.T) {
	ctx := context.Background()
	store := newCountingStore()
	s := New(newFakeSource(panamaDocument("r1")), store, testOptions(), nil, nil)
	defer s.Stop()

	_, err := s.Start(ctx)
	require.NoError(t, err)

	// a tracking fallback can fill an entry for a route deleted after it read it
	stray := route.Key{RouteID: "gone", Direction: route.Forward}
	g, err := route.Derive(panamaDocument("gone"))
	require.NoError(t, err)
	written, err := store.PutIfAbsent(ctx, stray, g)
	require.NoError(t, err)
	require.True(t, written)

	rep, err := s.SyncNow(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Deleted)
	assert.Equal(t, 1, rep.Unchanged)
	_, err = store.Get(ctx, stray)
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestWriteFailuresAreRetriedAndIsolated(t *testing.T) {
	ctx := context.Background()
	flaky := panamaDocument("flaky")
	broken := panamaDocument("broken")
	healthy := panamaDocument("healthy")

	store := newCountingStore()
	store.failPuts[flaky.Key()] = 1
	store.failPuts[broken.Key()] = -1

	s := New(newFakeSource(flaky, broken, healthy), store, testOptions(), nil, nil)
	defer s.Stop()

	rep, err := s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Written)
	assert.Equal(t, 1, rep.Failed)

	_, err = store.Get(ctx, flaky.Key())
	assert.NoError(t, err)
	_, err = store.Get(ctx, healthy.Key())
	assert.NoError(t, err)
	_, err = store.Get(ctx, broken.Key())
	assert.ErrorIs(t, err, cache.ErrMiss)

	// the failed route is retried on the next pass once the store recovers
	store.mu.Lock()
	delete(store.failPuts, broken.Key())
	store.mu.Unlock()
	rep, err = s.SyncNow(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Written)
}

func TestConcurrentSyncNowCoalesces(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(panamaDocument("r1"), panamaDocument("r2"), panamaDocument("r3"))
	store := newCountingStore()
	m := metrics.NewCollector(0)
	s := New(src, store, testOptions(), nil, m)
	defer s.Stop()

	_, err := s.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, store.totalPuts())

	for _, id := range []string{"r1", "r2"} {
		d := panamaDocument(id)
		d.UpdatedAt = baseTime.Add(time.Hour)
		src.set(d)
	}

	gate := make(chan struct{})
	src.mu.Lock()
	src.versionsGate = gate
	src.mu.Unlock()

	const callers = 3
	reports := make(chan Report, callers)
	var wg sync.WaitGroup
	call := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := s.SyncNow(ctx, fmt.Sprintf("caller-%d", i))
			assert.NoError(t, err)
			reports <- rep
		}()
	}

	// the first caller owns the pass; the rest arrive while it is blocked
	call(0)
	require.Eventually(t, func() bool { return src.calls() == 1 }, time.Second, time.Millisecond)
	for i := 1; i < callers; i++ {
		call(i)
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SyncCoalesced) == callers-1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(reports)

	assert.Equal(t, 1, src.calls(), "only one pass should have listed versions")
	assert.Equal(t, 5, store.totalPuts(), "two changed routes written once each")

	var first *Report
	for rep := range reports {
		if first == nil {
			r := rep
			first = &r
			continue
		}
		assert.Equal(t, *first, rep)
	}
	require.NotNil(t, first)
	assert.Equal(t, 2, first.Written)
}

func TestStopWaitsForActivePass(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(panamaDocument("r1"), panamaDocument("r2"), panamaDocument("r3"))
	store := newCountingStore()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store.putHook = func(route.Key) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	s := New(src, store, testOptions(), nil, nil)

	startErr := make(chan error, 1)
	go func() {
		_, err := s.Start(ctx)
		startErr <- err
	}()
	<-entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a pass was still writing")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop took too long")
	}

	assert.ErrorIs(t, <-startErr, ErrStopped)
	assert.Equal(t, 1, store.totalPuts(), "the route in progress finishes, the rest are not started")

	_, err := s.SyncNow(ctx, "test")
	assert.ErrorIs(t, err, ErrStopped)
	s.Stop()
}

func TestScheduledResync(t *testing.T) {
	ctx := context.Background()
	doc := panamaDocument("r1")
	src := newFakeSource(doc)
	store := newCountingStore()
	opts := testOptions()
	opts.Interval = 10 * time.Millisecond
	s := New(src, store, opts, nil, nil)

	_, err := s.Start(ctx)
	require.NoError(t, err)

	doc.EndZone = nil
	doc.UpdatedAt = baseTime.Add(time.Minute)
	src.set(doc)

	assert.Eventually(t, func() bool {
		g, err := store.Get(ctx, doc.Key())
		return err == nil && !g.HasEndZone()
	}, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop took too long")
	}
}
