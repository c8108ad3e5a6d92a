// Package routesync derives the route geometry cache from the authoritative
// route store. At most one pass runs at a time; callers that ask for a sync
// while a pass is running wait for that pass and share its Report.
package routesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"bus-tracker/internal/cache"
	"bus-tracker/internal/logging"
	mmetrics "bus-tracker/internal/metrics"
	"bus-tracker/internal/route"
)

const passKey = "pass"

var (
	ErrStopped    = errors.New("synchronizer stopped")
	ErrNotStarted = errors.New("synchronizer not started")
)

// Source is the read-only view of the authoritative route store.
type Source interface {
	ListRoutes(ctx context.Context) ([]route.Document, error)
	ListRouteVersions(ctx context.Context) ([]route.Version, error)
	GetRoute(ctx context.Context, key route.Key) (route.Document, error)
}

type Options struct {
	// Interval between scheduled incremental passes; 0 means only explicit triggers.
	Interval     time.Duration
	RetryMax     int
	RetryInitial time.Duration
	// StartTimeout bounds how long Start keeps retrying an unreachable source.
	StartTimeout time.Duration
	// WriteTimeout bounds a single cache write attempt.
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 100 * time.Millisecond
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Report summarizes one pass. Coalesced callers receive the same value.
type Report struct {
	Full      bool          `json:"full"`
	Actor     string        `json:"actor"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Written   int           `json:"written"`
	Unchanged int           `json:"unchanged"`
	Deleted   int           `json:"deleted"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
}

type Synchronizer struct {
	source  Source
	store   cache.Store
	opts    Options
	logger  *zap.Logger
	metrics *mmetrics.Collector

	group   singleflight.Group
	running atomic.Bool

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	passWG  sync.WaitGroup
	loopWG  sync.WaitGroup

	// last successfully applied updated_at per route; only touched inside a pass
	versions map[route.Key]time.Time
	// routes whose current version failed validation and so have no entry
	skipped map[route.Key]struct{}
}

func New(source Source, store cache.Store, opts Options, logger *zap.Logger, metrics *mmetrics.Collector) *Synchronizer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		source:   source,
		store:    store,
		opts:     opts.withDefaults(),
		logger:   logging.OrNop(logger).Named("routesync"),
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		versions: make(map[route.Key]time.Time),
		skipped:  make(map[route.Key]struct{}),
	}
}

// Start runs one full pass over every route, then starts the scheduler when an
// interval is configured. An error means the authoritative store never became
// reachable and should be treated as a startup failure.
func (s *Synchronizer) Start(ctx context.Context) (Report, error) {
	s.mu.Lock()
	switch {
	case s.stopped:
		s.mu.Unlock()
		return Report{}, ErrStopped
	case s.started:
		s.mu.Unlock()
		return Report{}, errors.New("synchronizer already started")
	}
	s.started = true
	s.mu.Unlock()

	rep, err := s.do(ctx, true, "startup")
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return rep, fmt.Errorf("initial route sync: %w", err)
	}
	s.startScheduler()
	return rep, nil
}

// SyncNow runs an incremental pass, or waits for the one already running.
// actor names who asked for it and is only used for logging.
func (s *Synchronizer) SyncNow(ctx context.Context, actor string) (Report, error) {
	s.mu.Lock()
	started, stopped := s.started, s.stopped
	s.mu.Unlock()
	if stopped {
		return Report{}, ErrStopped
	}
	if !started {
		return Report{}, ErrNotStarted
	}
	return s.do(ctx, false, actor)
}

// Stop cancels the scheduler, lets the running pass finish the route it is on,
// and returns once that pass has exited. It is safe to call more than once.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	s.loopWG.Wait()
	s.passWG.Wait()
	s.logger.Info("synchronizer stopped")
}

func (s *Synchronizer) do(ctx context.Context, full bool, actor string) (Report, error) {
	if s.running.Load() {
		if s.metrics != nil {
			s.metrics.SyncCoalesced.Inc()
		}
		s.logger.Debug("attaching to in-flight pass", zap.String("actor", actor))
	}

	ch := s.group.DoChan(passKey, func() (any, error) {
		if !s.beginPass() {
			return Report{}, ErrStopped
		}
		defer s.passWG.Done()
		s.running.Store(true)
		defer s.running.Store(false)
		return s.runPass(full, actor)
	})

	select {
	case res := <-ch:
		rep, _ := res.Val.(Report)
		return rep, res.Err
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

func (s *Synchronizer) beginPass() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.passWG.Add(1)
	return true
}

func (s *Synchronizer) startScheduler() {
	if s.opts.Interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SyncNow(s.ctx, "scheduler"); err != nil &&
					!errors.Is(err, ErrStopped) && !errors.Is(err, context.Canceled) {
					s.logger.Error("scheduled sync failed", zap.Error(err))
				}
			}
		}
	}()
}

func (s *Synchronizer) runPass(full bool, actor string) (Report, error) {
	rep := Report{Full: full, Actor: actor, StartedAt: time.Now()}
	kind := "incremental"
	var err error
	if full {
		kind = "full"
		err = s.fullPass(&rep)
	} else {
		err = s.incrementalPass(&rep)
	}
	rep.Duration = time.Since(rep.StartedAt)

	if s.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		s.metrics.SyncPasses.WithLabelValues(kind, result).Inc()
		s.metrics.SyncDuration.Observe(rep.Duration.Seconds())
	}

	fields := []zap.Field{
		zap.String("kind", kind),
		zap.String("actor", actor),
		zap.Int("written", rep.Written),
		zap.Int("unchanged", rep.Unchanged),
		zap.Int("deleted", rep.Deleted),
		zap.Int("skipped", rep.Skipped),
		zap.Int("failed", rep.Failed),
		zap.Duration("duration", rep.Duration),
	}
	if err != nil {
		s.logger.Error("sync pass failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Info("sync pass complete", fields...)
	}
	return rep, err
}

func (s *Synchronizer) fullPass(rep *Report) error {
	var docs []route.Document
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInitial
	b.MaxElapsedTime = s.opts.StartTimeout
	err := backoff.RetryNotify(func() error {
		var err error
		docs, err = s.source.ListRoutes(s.ctx)
		return err
	}, backoff.WithContext(b, s.ctx), s.notify("list_routes"))
	if err != nil {
		return fmt.Errorf("list routes: %w", err)
	}

	seen := make(map[route.Key]struct{}, len(docs))
	for _, doc := range docs {
		if s.ctx.Err() != nil {
			s.logger.Warn("full pass interrupted", zap.Int("remaining", len(docs)-len(seen)))
			return ErrStopped
		}
		seen[doc.Key()] = struct{}{}
		s.apply(doc, rep)
	}

	// drop cache entries for routes that vanished while nobody was syncing
	cached, err := s.store.Keys(s.ctx)
	if err != nil {
		s.logger.Warn("cannot list cache keys, skipping prune", zap.Error(err))
		return nil
	}
	for _, k := range cached {
		if _, ok := seen[k]; ok {
			continue
		}
		s.remove(k, rep)
	}
	for k := range s.versions {
		if _, ok := seen[k]; !ok {
			delete(s.versions, k)
			delete(s.skipped, k)
		}
	}
	return nil
}

func (s *Synchronizer) incrementalPass(rep *Report) error {
	var versions []route.Version
	err := s.retry(s.ctx, "list_route_versions", func() error {
		var err error
		versions, err = s.source.ListRouteVersions(s.ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("list route versions: %w", err)
	}

	// entries can leave the cache on their own (TTL, LRU eviction), so an
	// unchanged route is only trusted while its entry is still there
	present := s.cachedKeys()

	current := make(map[route.Key]struct{}, len(versions))
	for _, v := range versions {
		current[v.Key] = struct{}{}
		if last, ok := s.versions[v.Key]; ok && !v.UpdatedAt.After(last) {
			if !s.missing(v.Key, present) {
				rep.Unchanged++
				continue
			}
			s.logger.Info("cached route missing, re-deriving", zap.String("route", v.Key.String()))
		}
		if s.ctx.Err() != nil {
			s.logger.Warn("incremental pass interrupted")
			return ErrStopped
		}

		var doc route.Document
		err := s.retry(s.ctx, "get_route", func() error {
			var err error
			doc, err = s.source.GetRoute(s.ctx, v.Key)
			if errors.Is(err, route.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		})
		if errors.Is(err, route.ErrNotFound) {
			// deleted between listing and fetching; handled as a delete below
			delete(current, v.Key)
			continue
		}
		if err != nil {
			rep.Failed++
			s.logger.Error("fetch route failed", zap.String("route", v.Key.String()), zap.Error(err))
			continue
		}
		s.apply(doc, rep)
	}

	for k := range s.versions {
		if _, ok := current[k]; ok {
			continue
		}
		if s.ctx.Err() != nil {
			return ErrStopped
		}
		s.remove(k, rep)
	}
	// entries written by a tracking-path fallback for a route that is gone
	for k := range present {
		if _, ok := current[k]; ok {
			continue
		}
		if _, ok := s.versions[k]; ok {
			continue
		}
		if s.ctx.Err() != nil {
			return ErrStopped
		}
		s.remove(k, rep)
	}
	return nil
}

// cachedKeys returns the keys currently in the cache, or nil when they
// cannot be listed.
func (s *Synchronizer) cachedKeys() map[route.Key]struct{} {
	keys, err := s.store.Keys(s.ctx)
	if err != nil {
		s.logger.Warn("cannot list cache keys, skipping presence check", zap.Error(err))
		return nil
	}
	present := make(map[route.Key]struct{}, len(keys))
	for _, k := range keys {
		present[k] = struct{}{}
	}
	return present
}

func (s *Synchronizer) missing(key route.Key, present map[route.Key]struct{}) bool {
	if present == nil {
		return false
	}
	if _, ok := s.skipped[key]; ok {
		return false
	}
	_, ok := present[key]
	return !ok
}

// apply derives and writes one route. Failures are contained to this route.
func (s *Synchronizer) apply(doc route.Document, rep *Report) {
	key := doc.Key()
	g, err := route.Derive(doc)
	if err != nil {
		rep.Skipped++
		// remember the version so an unchanged bad document is not retried every pass
		s.versions[key] = doc.UpdatedAt
		s.skipped[key] = struct{}{}
		if s.metrics != nil {
			s.metrics.RoutesSkipped.Inc()
		}
		s.logger.Warn("skipping invalid route", zap.String("route", key.String()), zap.Error(err))
		return
	}

	wctx := context.WithoutCancel(s.ctx)
	err = s.retry(s.ctx, "put_geometry", func() error {
		ctx, cancel := context.WithTimeout(wctx, s.opts.WriteTimeout)
		defer cancel()
		return s.store.Put(ctx, key, g)
	})
	if err != nil {
		rep.Failed++
		if s.metrics != nil {
			s.metrics.RouteWriteFailures.Inc()
		}
		s.logger.Error("cache write failed", zap.String("route", key.String()), zap.Error(err))
		return
	}
	s.versions[key] = doc.UpdatedAt
	delete(s.skipped, key)
	rep.Written++
	if s.metrics != nil {
		s.metrics.RoutesWritten.Inc()
	}
}

func (s *Synchronizer) remove(key route.Key, rep *Report) {
	wctx := context.WithoutCancel(s.ctx)
	err := s.retry(s.ctx, "delete_geometry", func() error {
		ctx, cancel := context.WithTimeout(wctx, s.opts.WriteTimeout)
		defer cancel()
		return s.store.Delete(ctx, key)
	})
	if err != nil {
		rep.Failed++
		s.logger.Error("cache delete failed", zap.String("route", key.String()), zap.Error(err))
		return
	}
	delete(s.versions, key)
	delete(s.skipped, key)
	rep.Deleted++
	if s.metrics != nil {
		s.metrics.RoutesDeleted.Inc()
	}
	s.logger.Info("removed cached route", zap.String("route", key.String()))
}

func (s *Synchronizer) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInitial
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.RetryMax)), ctx)
	return backoff.RetryNotify(fn, policy, s.notify(op))
}

func (s *Synchronizer) notify(op string) backoff.Notify {
	return func(err error, d time.Duration) {
		s.logger.Warn("retrying store operation",
			zap.String("op", op), zap.Duration("backoff", d), zap.Error(err))
	}
}
