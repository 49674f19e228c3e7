package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/greencoder/noaa-alerts-pushover/internal/alert"
	"github.com/greencoder/noaa-alerts-pushover/internal/feed"
	"github.com/greencoder/noaa-alerts-pushover/internal/geo"
)

var tracer = otel.Tracer("github.com/greencoder/noaa-alerts-pushover/internal/ingest")

// Fetcher retrieves one copy of the alert feed.
type Fetcher interface {
	Fetch(ctx context.Context) (*feed.Document, error)
}

// Matcher resolves geocodes to a watched region.
type Matcher interface {
	Match(fips, ugc []string) (geo.Region, bool)
}

// Report summarizes one ingestion pass. Total counts every entry seen,
// so Total == Inserted + Existing + Skipped.
type Report struct {
	RunMarker string          `json:"run_marker"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration_ns"`
	Total     int             `json:"total"`
	Inserted  int             `json:"inserted"`
	Existing  int             `json:"existing"`
	Skipped   int             `json:"skipped"`
	Matched   []*alert.Record `json:"matched"`
}

// Coordinator runs ingestion passes: fetch, insert-if-absent, then match the
// records created by the pass.
type Coordinator struct {
	fetcher Fetcher
	store   Store
	matcher Matcher
	clock   clockwork.Clock
	logger  log.Logger
	hooks   Hooks
}

// NewCoordinator creates a Coordinator. A nil clock uses the real clock.
func NewCoordinator(fetcher Fetcher, store Store, matcher Matcher, clock clockwork.Clock, logger log.Logger, hooks Hooks) *Coordinator {
	if fetcher == nil || store == nil || matcher == nil {
		panic(xerrors.New("ingest: fetcher, store and matcher are required"))
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Coordinator{
		fetcher: fetcher,
		store:   store,
		matcher: matcher,
		clock:   clock,
		logger:  logger,
		hooks:   hooks,
	}
}

// NewRunMarker returns a ULID whose timestamp is t. Markers from the same
// millisecond still differ and sort in creation order.
func NewRunMarker(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// Run executes one pass. A fetch or decode failure returns before anything is
// written. A storage failure aborts the pass and returns a nil Report; records
// inserted before it stay stored under this pass's marker. Later passes see
// them as existing, so they are never dispatched.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	start := c.clock.Now().UTC()
	marker := NewRunMarker(start)

	ctx, span := tracer.Start(ctx, "ingest.Run")
	defer span.End()
	span.SetAttributes(attribute.String("wxalerts.run_marker", marker))

	L := c.logger.With("run_marker", marker)
	rep := &Report{RunMarker: marker, StartedAt: start}

	fail := func(err error) (*Report, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.hooks.pass(nil, err)
		L.Error(ctx, err, "ingestion pass failed")
		return nil, err
	}

	entries, skipped, err := c.collect(ctx, L)
	if err != nil {
		return fail(err)
	}
	rep.Skipped = skipped
	rep.Total = len(entries) + skipped

	for _, e := range entries {
		rec := e.Record(marker, start)
		outcome, err := c.store.InsertIfAbsent(ctx, rec)
		if err != nil {
			return fail(fmt.Errorf("insert %s: %w", rec.Identity, err))
		}
		switch outcome {
		case Inserted:
			rep.Inserted++
		case AlreadyExisted:
			rep.Existing++
		default:
			return fail(fmt.Errorf("insert %s: unexpected outcome %d", rec.Identity, outcome))
		}
		c.hooks.entry(outcome.String())
	}

	fresh, err := c.store.RecordsForRun(ctx, marker)
	if err != nil {
		return fail(fmt.Errorf("records for run: %w", err))
	}

	for _, rec := range fresh {
		region, ok := c.matcher.Match(rec.FIPSCodes, rec.UGCCodes)
		if !ok {
			continue
		}
		if err := rec.SetMatch(region); err != nil {
			return fail(fmt.Errorf("match %s: %w", rec.Identity, err))
		}
		rep.Matched = append(rep.Matched, rec)
	}

	rep.Duration = c.clock.Since(start)

	span.SetAttributes(
		attribute.Int("wxalerts.entries.total", rep.Total),
		attribute.Int("wxalerts.entries.inserted", rep.Inserted),
		attribute.Int("wxalerts.entries.existing", rep.Existing),
		attribute.Int("wxalerts.entries.skipped", rep.Skipped),
		attribute.Int("wxalerts.matched", len(rep.Matched)),
	)
	c.hooks.pass(rep, nil)

	L.Info(ctx, "ingestion pass complete",
		"total", rep.Total,
		"inserted", rep.Inserted,
		"existing", rep.Existing,
		"skipped", rep.Skipped,
		"matched", len(rep.Matched),
		"duration", rep.Duration,
	)
	return rep, nil
}

// collect fetches the feed and drains every entry before returning, so a
// transport or decode failure never leaves a partially ingested pass.
func (c *Coordinator) collect(ctx context.Context, L log.Logger) ([]feed.Entry, int, error) {
	ctx, span := tracer.Start(ctx, "ingest.Fetch")
	defer span.End()

	fetchStart := c.clock.Now()
	doc, err := c.fetcher.Fetch(ctx)
	if err != nil {
		c.hooks.fetch(c.clock.Since(fetchStart).Seconds(), 0, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, 0, fmt.Errorf("fetch: %w", err)
	}

	var (
		entries []feed.Entry
		skipped int
	)
	for e, err := range doc.Entries() {
		if errors.Is(err, feed.ErrMalformedEntry) {
			skipped++
			c.hooks.entry("skipped")
			L.Warn(ctx, "skipping malformed feed entry", "error", err, "title", e.Title)
			continue
		}
		if err != nil {
			c.hooks.fetch(c.clock.Since(fetchStart).Seconds(), doc.Size(), err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, 0, fmt.Errorf("parse: %w", err)
		}
		entries = append(entries, e)
	}

	c.hooks.fetch(c.clock.Since(fetchStart).Seconds(), doc.Size(), nil)
	span.SetAttributes(
		attribute.Int("wxalerts.feed.bytes", doc.Size()),
		attribute.Int("wxalerts.feed.entries", len(entries)+skipped),
	)
	return entries, skipped, nil
}
