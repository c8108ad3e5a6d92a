// Package tracking turns position fixes into progress and arrival events.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"go.uber.org/zap"

	"bus-tracker/internal/cache"
	"bus-tracker/internal/geo"
	"bus-tracker/internal/logging"
	mmetrics "bus-tracker/internal/metrics"
	"bus-tracker/internal/route"
)

var ErrInvalidFix = errors.New("invalid position fix")

// RouteReader is the authoritative fallback used on a cache miss.
type RouteReader interface {
	GetRoute(ctx context.Context, key route.Key) (route.Document, error)
}

type Options struct {
	// IdleTimeout evicts buses that have not reported for this long; 0 disables Sweep.
	IdleTimeout  time.Duration
	RetryMax     int
	RetryInitial time.Duration
}

type busState struct {
	mu       sync.Mutex
	evicted  bool
	key      route.Key
	last     time.Time // timestamp of the last accepted fix
	lastSeen time.Time // wall clock, for idle eviction
	progress float64
	inside   bool
}

type Processor struct {
	store   cache.Store
	routes  RouteReader
	opts    Options
	logger  *zap.Logger
	metrics *mmetrics.Collector
	now     func() time.Time

	mu    sync.Mutex
	buses map[string]*busState
}

func NewProcessor(store cache.Store, routes RouteReader, opts Options, logger *zap.Logger, metrics *mmetrics.Collector) *Processor {
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 20 * time.Millisecond
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	return &Processor{
		store:   store,
		routes:  routes,
		opts:    opts,
		logger:  logging.OrNop(logger).Named("tracking"),
		metrics: metrics,
		now:     time.Now,
		buses:   make(map[string]*busState),
	}
}

func validateFix(f route.Fix) error {
	switch {
	case f.BusID == "":
		return fmt.Errorf("%w: missing bus id", ErrInvalidFix)
	case f.RouteID == "":
		return fmt.Errorf("%w: missing route id", ErrInvalidFix)
	case !f.Direction.Valid():
		return fmt.Errorf("%w: direction %q", ErrInvalidFix, f.Direction)
	case !geo.ValidCoordinate(f.Point()):
		return fmt.Errorf("%w: coordinate (%v, %v)", ErrInvalidFix, f.Lat, f.Lng)
	case f.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidFix)
	}
	return nil
}

// HandleFix applies one fix to its bus. A fix whose timestamp is not newer
// than the last accepted one is dropped and returns the zero Result. Geometry
// that cannot be loaded does not fail the fix; it is accepted without events.
func (p *Processor) HandleFix(ctx context.Context, fix route.Fix) (Result, error) {
	if err := validateFix(fix); err != nil {
		return Result{}, err
	}
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.FixDuration.Observe(time.Since(start).Seconds())
		}
	}()

	st := p.state(fix.BusID)
	st.mu.Lock()
	stale := !fix.Timestamp.After(st.last)
	st.mu.Unlock()
	if stale {
		return p.dropStale(fix), nil
	}

	g, ok := p.geometry(ctx, fix.Key())

	for {
		st.mu.Lock()
		if !st.evicted {
			break
		}
		st.mu.Unlock()
		st = p.state(fix.BusID)
	}
	defer st.mu.Unlock()

	// another fix for this bus may have been applied while loading geometry
	if !fix.Timestamp.After(st.last) {
		return p.dropStale(fix), nil
	}

	if st.key != fix.Key() {
		st.key = fix.Key()
		st.progress = 0
		st.inside = false
	}
	st.last = fix.Timestamp
	st.lastSeen = p.now()
	if p.metrics != nil {
		p.metrics.FixesAccepted.Inc()
	}

	res := Result{Accepted: true}
	if !ok {
		return res, nil
	}

	proj := geo.ProjectOntoPolyline(fix.Point(), g.Shape, g.CumulativeLength)
	st.progress = proj.DistanceAlongRoute
	res.Progress = &Progress{
		BusID:               fix.BusID,
		RouteID:             fix.RouteID,
		Direction:           fix.Direction,
		Fraction:            fraction(proj.DistanceAlongRoute, g.TotalLength),
		DistanceMeters:      proj.DistanceAlongRoute,
		LateralOffsetMeters: proj.LateralOffset,
		SegmentIndex:        proj.SegmentIndex,
		Timestamp:           fix.Timestamp,
	}

	inside := g.HasEndZone() && geo.PointInPolygon(fix.Point(), g.EndZonePolygon)
	if inside && !st.inside {
		res.Arrived = &Arrived{
			BusID:     fix.BusID,
			RouteID:   fix.RouteID,
			Direction: fix.Direction,
			Timestamp: fix.Timestamp,
		}
		if p.metrics != nil {
			p.metrics.ArrivalsEmitted.Inc()
		}
		p.logger.Info("bus arrived",
			zap.String("bus_id", fix.BusID), zap.String("route", fix.Key().String()))
	}
	st.inside = inside
	return res, nil
}

func fraction(dist, total float64) float64 {
	if total <= 0 {
		return 0
	}
	f := dist / total
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func (p *Processor) dropStale(fix route.Fix) Result {
	if p.metrics != nil {
		p.metrics.FixesStale.Inc()
	}
	p.logger.Debug("dropping stale fix",
		zap.String("bus_id", fix.BusID), zap.Time("timestamp", fix.Timestamp))
	return Result{}
}

func (p *Processor) state(busID string) *busState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.buses[busID]
	if !ok {
		st = &busState{}
		p.buses[busID] = st
		if p.metrics != nil {
			p.metrics.TrackedBuses.Set(float64(len(p.buses)))
		}
	}
	return st
}

// geometry reads the cache, falling back to the authoritative store and
// filling the cache on a miss without replacing a concurrent write.
func (p *Processor) geometry(ctx context.Context, key route.Key) (route.Geometry, bool) {
	g, err := p.store.Get(ctx, key)
	if err == nil {
		return g, true
	}
	if !errors.Is(err, cache.ErrMiss) {
		p.logger.Warn("cache read failed, using route store", zap.String("route", key.String()), zap.Error(err))
	}
	if p.metrics != nil {
		p.metrics.CacheMisses.Inc()
	}
	if p.routes == nil {
		return route.Geometry{}, false
	}

	var doc route.Document
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.RetryInitial
	err = backoff.Retry(func() error {
		var err error
		doc, err = p.routes.GetRoute(ctx, key)
		if errors.Is(err, route.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.opts.RetryMax)), ctx))
	if err != nil {
		p.logger.Warn("route geometry unavailable", zap.String("route", key.String()), zap.Error(err))
		return route.Geometry{}, false
	}

	g, err = route.Derive(doc)
	if err != nil {
		p.logger.Warn("route geometry invalid", zap.String("route", key.String()), zap.Error(err))
		return route.Geometry{}, false
	}
	// The synchronizer may have written a newer version while the route
	// store was read; only fill a slot that is still empty.
	written, err := p.store.PutIfAbsent(context.WithoutCancel(ctx), key, g)
	if err != nil {
		p.logger.Warn("cache repopulation failed", zap.String("route", key.String()), zap.Error(err))
		return g, true
	}
	if !written {
		if cur, err := p.store.Get(ctx, key); err == nil {
			return cur, true
		}
	}
	return g, true
}

// Forget drops a bus's state, returning it to UNTRACKED.
func (p *Processor) Forget(busID string) {
	p.mu.Lock()
	st, ok := p.buses[busID]
	if ok {
		delete(p.buses, busID)
		if p.metrics != nil {
			p.metrics.TrackedBuses.Set(float64(len(p.buses)))
		}
	}
	p.mu.Unlock()
	if ok {
		st.mu.Lock()
		st.evicted = true
		st.mu.Unlock()
	}
}

// Sweep forgets every bus that has not had a fix accepted within the idle
// timeout and returns how many were evicted.
func (p *Processor) Sweep(now time.Time) int {
	if p.opts.IdleTimeout <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, st := range p.buses {
		st.mu.Lock()
		// a state that has never accepted a fix is mid-lookup, leave it
		if !st.lastSeen.IsZero() && now.Sub(st.lastSeen) > p.opts.IdleTimeout {
			st.evicted = true
			delete(p.buses, id)
			n++
		}
		st.mu.Unlock()
	}
	if n > 0 {
		if p.metrics != nil {
			p.metrics.TrackedBuses.Set(float64(len(p.buses)))
		}
		p.logger.Debug("evicted idle buses", zap.Int("count", n))
	}
	return n
}

// Run sweeps idle buses until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	if p.opts.IdleTimeout <= 0 {
		return
	}
	interval := p.opts.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(p.now())
		}
	}
}

func (p *Processor) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buses)
}
