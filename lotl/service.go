// Package lotl maintains a validated, cached copy of the EU list of trusted
// lists, its pivot chain and the national trusted lists it points to.
package lotl

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/georgepadayatti/gotsl/lotl/store"
	"github.com/georgepadayatti/gotsl/report"
)

type serviceState int

const (
	stateNew serviceState = iota
	stateRunning
	stateClosed
)

// ErrClosed is returned when using a closed Service.
var ErrClosed = errors.New("trust list service closed")

// Service owns the trust cache and keeps it fresh. Its lifecycle is
// New, Init, then Close.
type Service struct {
	opts     Options
	cache    *MemoryCache
	fetchers *Fetchers
	logger   *zap.SugaredLogger
	metrics  *metrics

	refreshMu sync.Mutex

	mu     sync.Mutex
	state  serviceState
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Service. Nothing is fetched before Init.
func New(opts Options) (*Service, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	m, err := newMetrics(opts.MeterProvider)
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}
	return &Service{
		opts:     opts,
		cache:    NewMemoryCache(opts.Clock, opts.Staleness),
		fetchers: NewFetchers(opts),
		logger:   opts.Logger,
		metrics:  m,
	}, nil
}

// Cache returns the trust cache maintained by the service.
func (s *Service) Cache() Cache {
	return s.cache
}

// Interval returns the period of the background refresh.
func (s *Service) Interval() time.Duration {
	return s.opts.RefreshInterval(s.opts.Staleness)
}

// Init fills the cache from the snapshot store, or from the network when
// no usable snapshot exists, and starts the periodic refresh.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		return errors.New("trust list service already initialized")
	case stateClosed:
		return ErrClosed
	}

	if s.loadSnapshot(ctx) {
		if ts, ok := s.cache.Timestamp(KeyMaster); ok && s.opts.Clock.Since(ts) >= s.Interval() {
			if _, err := s.Refresh(ctx); err != nil {
				s.logger.Warnw("refresh after snapshot load failed, serving snapshot", "error", err)
			}
		}
	} else if _, err := s.Refresh(ctx); err != nil {
		return errors.Wrap(err, "initial trust list refresh")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(loopCtx)
	s.state = stateRunning
	s.logger.Infow("trust list service started", "interval", s.Interval(), "staleness", s.opts.Staleness)
	return nil
}

// Close stops the periodic refresh and waits for it to exit.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.state = stateClosed
	s.logger.Info("trust list service stopped")
	return nil
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.opts.Clock.NewTicker(s.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := s.Refresh(ctx); err != nil {
				s.logger.Warnw("periodic refresh failed, keeping cached trust lists", "error", err)
			}
		}
	}
}

// Refresh fetches the whole hierarchy and publishes it atomically. On
// error the cache is left unchanged. The returned report collects the
// items of every fetched source.
func (s *Service) Refresh(ctx context.Context) (*report.Report, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	runID := uuid.NewString()
	logger := s.logger.With("run_id", runID)
	start := s.opts.Clock.Now()
	outcome := "failure"
	defer func() {
		s.metrics.recordRefresh(ctx, outcome, s.opts.Clock.Since(start))
	}()

	rep := report.New()
	rep.Addf(report.ResultValid, CheckRefresh, "refresh run %s", runID)
	fail := func(msg string, err error) (*report.Report, error) {
		rep.AddError(CheckRefresh, msg, err, report.ResultInvalid)
		logger.Errorw(msg, "error", err)
		return rep, errors.Wrap(err, msg)
	}

	master, err := s.fetchers.FetchMaster(ctx)
	if err != nil {
		return fail("master list refresh failed", err)
	}
	rep.Merge(master.Report)
	journal := s.fetchers.FetchJournal()
	rep.Merge(journal.Report)
	pivots, err := s.fetchers.FetchPivots(ctx, master, journal)
	if err != nil {
		return fail("pivot chain validation failed", err)
	}
	rep.Merge(pivots.Report)

	countries := s.fetchers.FetchCountries(ctx, master)
	update := Update{
		Master:    master,
		Journal:   journal,
		Pivots:    pivots,
		Countries: make(map[string]*CountryResult, len(countries)),
	}
	failed := 0
	for _, territory := range sortedKeys(countries) {
		res := countries[territory]
		if !res.Failed() {
			update.Countries[territory] = res
			rep.Merge(res.Report)
			continue
		}
		failed++
		s.metrics.recordCountryFailure(ctx, territory)
		action, err := s.opts.FailureStrategy.HandleCountryFailure(res)
		rep.Merge(res.Report)
		if err != nil {
			return fail("country failure aborted the refresh", err)
		}
		logger.Infow("country list failure handled", "country", territory, "action", action.String())
		if action == RemoveCountry {
			update.RemoveCountries = append(update.RemoveCountries, territory)
		}
	}
	for _, territory := range s.cache.territories() {
		if _, ok := countries[territory]; !ok {
			update.RemoveCountries = append(update.RemoveCountries, territory)
		}
	}

	if err := s.cache.SetAll(update); err != nil {
		return fail("trust cache update failed", err)
	}
	outcome = "success"
	s.metrics.setCountries(ctx, len(s.cache.territories()))
	s.saveSnapshot(ctx, logger)
	logger.Infow("trust lists refreshed",
		"countries", len(countries), "failed", failed, "elapsed", s.opts.Clock.Since(start))
	return rep, nil
}

func (s *Service) loadSnapshot(ctx context.Context) bool {
	if s.opts.Store == nil {
		return false
	}
	data, err := s.opts.Store.Load(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warnw("cannot read trust cache snapshot", "error", err)
		}
		return false
	}
	snap, err := DecodeSnapshot(data)
	if err == nil {
		err = s.cache.Load(snap)
	}
	if err != nil {
		s.logger.Warnw("rejected trust cache snapshot", "error", err)
		return false
	}
	s.metrics.setCountries(ctx, len(snap.Countries))
	s.logger.Infow("trust cache loaded from snapshot", "countries", len(snap.Countries))
	return true
}

func (s *Service) saveSnapshot(ctx context.Context, logger *zap.SugaredLogger) {
	if s.opts.Store == nil {
		return
	}
	snap, err := s.cache.Snapshot()
	if err == nil {
		var data []byte
		if data, err = EncodeSnapshot(snap); err == nil {
			err = s.opts.Store.Save(ctx, data)
		}
	}
	if err != nil {
		logger.Warnw("cannot persist trust cache snapshot", "error", err)
	}
}
