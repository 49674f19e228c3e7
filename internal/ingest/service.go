package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/greencoder/noaa-alerts-pushover/internal/alert"
)

// DefaultPurgeGrace keeps expired records for a day before pruning them.
const DefaultPurgeGrace = 24 * time.Hour

// ErrPassInProgress is returned by Pass when another pass holds the lock.
var ErrPassInProgress = errors.New("ingestion pass already in progress")

// DispatchOptions modify how matched alerts are handed off.
type DispatchOptions struct {
	// DryRun formats and logs every alert but sends nothing.
	DryRun bool
}

// DispatchSummary counts what happened to each matched alert.
type DispatchSummary struct {
	Sent       int `json:"sent"`
	Ignored    int `json:"ignored"`
	Suppressed int `json:"suppressed"`
	Failed     int `json:"failed"`
}

// Dispatcher notifies about matched alerts. Failures are reported in the
// summary, never returned, and never affect stored records.
type Dispatcher interface {
	Dispatch(ctx context.Context, records []*alert.Record, opts DispatchOptions) DispatchSummary
}

// PassOptions are the operator controls for a single pass.
type PassOptions struct {
	// Purge deletes every stored record before ingesting.
	Purge bool
	// NoDispatch suppresses notifications for this pass.
	NoDispatch bool
}

// PassResult is the outcome of Service.Pass.
type PassResult struct {
	Report   *Report         `json:"report"`
	Purged   int64           `json:"purged"`
	Dispatch DispatchSummary `json:"dispatch"`
}

// Service is the business boundary for ingestion: it serializes passes,
// prunes the store, and dispatches the matched alerts of each pass.
type Service struct {
	coord      *Coordinator
	store      Store
	dispatcher Dispatcher
	clock      clockwork.Clock
	logger     log.Logger
	hooks      Hooks
	purgeGrace time.Duration

	running sync.Mutex

	mu   sync.RWMutex
	last *PassResult
}

// ServiceConfig carries the optional Service settings.
type ServiceConfig struct {
	Clock      clockwork.Clock
	Logger     log.Logger
	Hooks      Hooks
	PurgeGrace time.Duration
}

// NewService creates a Service. A nil dispatcher disables dispatch.
func NewService(coord *Coordinator, store Store, dispatcher Dispatcher, sc ServiceConfig) *Service {
	if coord == nil || store == nil {
		panic(xerrors.New("ingest: coordinator and store are required"))
	}
	if sc.Clock == nil {
		sc.Clock = clockwork.NewRealClock()
	}
	if sc.Logger == nil {
		sc.Logger = log.Nop()
	}
	if sc.PurgeGrace < 0 {
		sc.PurgeGrace = 0
	}
	return &Service{
		coord:      coord,
		store:      store,
		dispatcher: dispatcher,
		clock:      sc.Clock,
		logger:     sc.Logger,
		hooks:      sc.Hooks,
		purgeGrace: sc.PurgeGrace,
	}
}

// Pass prunes the store, runs one ingestion pass and dispatches its matches.
// It returns ErrPassInProgress instead of waiting when a pass is running.
func (s *Service) Pass(ctx context.Context, opts PassOptions) (*PassResult, error) {
	if !s.running.TryLock() {
		return nil, ErrPassInProgress
	}
	defer s.running.Unlock()

	res := &PassResult{}

	purged, err := s.purge(ctx, opts.Purge)
	if err != nil {
		return nil, err
	}
	res.Purged = purged

	rep, err := s.coord.Run(ctx)
	if err != nil {
		return nil, err
	}
	res.Report = rep

	if len(rep.Matched) > 0 {
		if s.dispatcher == nil {
			s.logger.Warn(ctx, "no dispatcher configured, matched alerts not sent",
				"run_marker", rep.RunMarker, "matched", len(rep.Matched))
		} else {
			res.Dispatch = s.dispatcher.Dispatch(ctx, rep.Matched, DispatchOptions{DryRun: opts.NoDispatch})
			s.hooks.dispatch(res.Dispatch)
		}
	}

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()

	return res, nil
}

func (s *Service) purge(ctx context.Context, all bool) (int64, error) {
	if all {
		n, err := s.store.PurgeAll(ctx)
		if err != nil {
			return 0, fmt.Errorf("purge all: %w", err)
		}
		s.hooks.purge("all", n)
		s.logger.Info(ctx, "purged all alerts", "deleted", n)
		return n, nil
	}

	cutoff := s.clock.Now().Add(-s.purgeGrace).Unix()
	n, err := s.store.PurgeExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	s.hooks.purge("expired", n)
	if n > 0 {
		s.logger.Info(ctx, "purged expired alerts", "deleted", n, "cutoff_epoch", cutoff)
	}
	return n, nil
}

// Loop runs a pass immediately and then once per interval until ctx is
// done. Failed passes are logged and retried on the next tick. Only the first
// pass honors opts.Purge.
func (s *Service) Loop(ctx context.Context, interval time.Duration, opts PassOptions) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Pass(ctx, opts); err != nil {
			if errors.Is(err, ErrPassInProgress) {
				s.logger.Warn(ctx, "skipping scheduled pass, previous pass still running")
			} else if ctx.Err() == nil {
				s.logger.Error(ctx, err, "scheduled pass failed, retrying next interval")
			}
		}
		opts.Purge = false

		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// LastPass returns the result of the most recent successful pass.
func (s *Service) LastPass() (*PassResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.last != nil
}

// Get retrieves a stored alert by identity.
func (s *Service) Get(ctx context.Context, identity string) (*alert.Record, bool, error) {
	return s.store.Get(ctx, identity)
}

// RecordsForRun lists the alerts created by the pass with the given marker.
func (s *Service) RecordsForRun(ctx context.Context, marker string) ([]*alert.Record, error) {
	return s.store.RecordsForRun(ctx, marker)
}
