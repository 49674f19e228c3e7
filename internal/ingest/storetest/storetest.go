// Package storetest holds a behavioral test suite shared by every
// ingest.Store implementation.
package storetest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/greencoder/noaa-alerts-pushover/internal/alert"
	"github.com/greencoder/noaa-alerts-pushover/internal/geo"
	"github.com/greencoder/noaa-alerts-pushover/internal/ingest"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) ingest.Store

// Record builds a valid record for tests. Source ids are namespaced by
// t.Name() so suites sharing a database do not collide.
func Record(t *testing.T, source, runMarker string, expires time.Time) *alert.Record {
	t.Helper()
	r := &alert.Record{
		Identity:     alert.Identity(t.Name() + "/" + source),
		Title:        "Tornado Warning issued May 14 at 5:02PM MDT by NWS",
		EventType:    "Tornado Warning",
		SourceURL:    "https://alerts.weather.gov/cap/wwacapget.php?x=" + source,
		DetailAPIURL: "https://alerts.weather.gov/cap/wwacapget.php?x=" + source,
		FIPSCodes:    []string{"008005", "008013"},
		UGCCodes:     []string{"COZ039"},
		RunMarker:    runMarker,
		CreatedAt:    time.Date(2026, 5, 14, 23, 2, 0, 0, time.UTC),
	}
	r.SetExpiry(expires)
	return r
}

func marker(t *testing.T, s string) string {
	return t.Name() + "/" + s
}

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertIfAbsent", func(t *testing.T) { testInsertIfAbsent(t, newStore(t)) })
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("RunScopedNovelty", func(t *testing.T) { testRunScoped(t, newStore(t)) })
	t.Run("PurgeExpired", func(t *testing.T) { testPurgeExpired(t, newStore(t)) })
	t.Run("PurgeAll", func(t *testing.T) { testPurgeAll(t, newStore(t)) })
	t.Run("ConcurrentInsert", func(t *testing.T) { testConcurrentInsert(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
}

func testInsertIfAbsent(t *testing.T, s ingest.Store) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	first := Record(t, "a", marker(t, "run1"), exp)
	got, err := s.InsertIfAbsent(ctx, first)
	if err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}
	if got != ingest.Inserted {
		t.Fatalf("first insert = %v, want inserted", got)
	}

	// same identity from a later run must not overwrite anything
	again := Record(t, "a", marker(t, "run2"), exp.Add(time.Hour))
	again.Title = "changed"
	got, err = s.InsertIfAbsent(ctx, again)
	if err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}
	if got != ingest.AlreadyExisted {
		t.Fatalf("second insert = %v, want existing", got)
	}

	stored, ok, err := s.Get(ctx, first.Identity)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if stored.Title != first.Title || stored.RunMarker != first.RunMarker {
		t.Errorf("record rewritten: title=%q marker=%q", stored.Title, stored.RunMarker)
	}
	if stored.ExpiresEpoch != first.ExpiresEpoch {
		t.Errorf("ExpiresEpoch = %d, want %d", stored.ExpiresEpoch, first.ExpiresEpoch)
	}
}

func testRoundTrip(t *testing.T, s ingest.Store) {
	ctx := context.Background()
	exp := time.Date(2026, 5, 14, 23, 45, 0, 0, time.UTC)

	r := Record(t, "rt", marker(t, "run"), exp)
	r.EventType = "Special Weather Statement"
	r.DetailKeywords = []string{"Thunderstorm", "Hail"}
	r.MatchedRegion = &geo.Region{Name: "not persisted"}

	if _, err := s.InsertIfAbsent(ctx, r); err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}
	got, ok, err := s.Get(ctx, r.Identity)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}

	assertEqual(t, "Identity", r.Identity, got.Identity)
	assertEqual(t, "Title", r.Title, got.Title)
	assertEqual(t, "EventType", r.EventType, got.EventType)
	assertEqual(t, "SourceURL", r.SourceURL, got.SourceURL)
	assertEqual(t, "DetailAPIURL", r.DetailAPIURL, got.DetailAPIURL)
	assertEqual(t, "RunMarker", r.RunMarker, got.RunMarker)
	assertEqual(t, "ExpiresEpoch", r.ExpiresEpoch, got.ExpiresEpoch)
	if !got.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, exp)
	}
	if got.ExpiresAt.Location() != time.UTC {
		t.Errorf("ExpiresAt location = %v, want UTC", got.ExpiresAt.Location())
	}
	if !got.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, r.CreatedAt)
	}
	if !slices.Equal(got.FIPSCodes, r.FIPSCodes) {
		t.Errorf("FIPSCodes = %v, want %v", got.FIPSCodes, r.FIPSCodes)
	}
	if !slices.Equal(got.UGCCodes, r.UGCCodes) {
		t.Errorf("UGCCodes = %v, want %v", got.UGCCodes, r.UGCCodes)
	}
	if !slices.Equal(got.DetailKeywords, r.DetailKeywords) {
		t.Errorf("DetailKeywords = %v, want %v", got.DetailKeywords, r.DetailKeywords)
	}
	if got.MatchedRegion != nil {
		t.Errorf("MatchedRegion persisted: %+v", got.MatchedRegion)
	}

	// empty code lists survive as empty
	bare := Record(t, "bare", marker(t, "run"), exp)
	bare.FIPSCodes, bare.UGCCodes = nil, nil
	if _, err := s.InsertIfAbsent(ctx, bare); err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}
	got, _, err = s.Get(ctx, bare.Identity)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.FIPSCodes) != 0 || len(got.UGCCodes) != 0 {
		t.Errorf("codes = %v/%v, want empty", got.FIPSCodes, got.UGCCodes)
	}
}

func testRunScoped(t *testing.T, s ingest.Store) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	k, j := marker(t, "K"), marker(t, "J")

	for _, src := range []string{"k1", "k2", "k3"} {
		if _, err := s.InsertIfAbsent(ctx, Record(t, src, k, exp)); err != nil {
			t.Fatalf("InsertIfAbsent: %v", err)
		}
	}
	// k2 seen again in run J stays with K
	for _, src := range []string{"j1", "k2"} {
		if _, err := s.InsertIfAbsent(ctx, Record(t, src, j, exp)); err != nil {
			t.Fatalf("InsertIfAbsent: %v", err)
		}
	}

	gotK, err := s.RecordsForRun(ctx, k)
	if err != nil {
		t.Fatalf("RecordsForRun(K): %v", err)
	}
	gotJ, err := s.RecordsForRun(ctx, j)
	if err != nil {
		t.Fatalf("RecordsForRun(J): %v", err)
	}

	if want := sortedIDs(t, "k1", "k2", "k3"); !slices.Equal(ids(gotK), want) {
		t.Errorf("RecordsForRun(K) = %v, want %v", ids(gotK), want)
	}
	if want := sortedIDs(t, "j1"); !slices.Equal(ids(gotJ), want) {
		t.Errorf("RecordsForRun(J) = %v, want %v", ids(gotJ), want)
	}

	none, err := s.RecordsForRun(ctx, marker(t, "never"))
	if err != nil {
		t.Fatalf("RecordsForRun(never): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("RecordsForRun(never) = %d records, want 0", len(none))
	}
}

func testPurgeExpired(t *testing.T, s ingest.Store) {
	ctx := context.Background()
	base := time.Date(2026, 5, 14, 12, 0, 0, 0, time.UTC)
	m := marker(t, "run")

	offsets := []time.Duration{-2 * time.Hour, -time.Second, 0, time.Second, 2 * time.Hour}
	recs := make([]*alert.Record, len(offsets))
	for i, off := range offsets {
		recs[i] = Record(t, fmt.Sprintf("p%d", i), m, base.Add(off))
		if _, err := s.InsertIfAbsent(ctx, recs[i]); err != nil {
			t.Fatalf("InsertIfAbsent: %v", err)
		}
	}

	n, err := s.PurgeExpired(ctx, base.Unix())
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("PurgeExpired deleted %d, want 2", n)
	}

	for i, r := range recs {
		_, ok, err := s.Get(ctx, r.Identity)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		wantKept := offsets[i] >= 0
		if ok != wantKept {
			t.Errorf("record expiring at %+v: present=%v, want %v", offsets[i], ok, wantKept)
		}
	}

	left, err := s.RecordsForRun(ctx, m)
	if err != nil {
		t.Fatalf("RecordsForRun: %v", err)
	}
	if len(left) != 3 {
		t.Errorf("RecordsForRun after purge = %d, want 3", len(left))
	}

	// idempotent
	n, err = s.PurgeExpired(ctx, base.Unix())
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 0 {
		t.Errorf("second PurgeExpired deleted %d, want 0", n)
	}
}

func testPurgeAll(t *testing.T, s ingest.Store) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	m := marker(t, "run")

	for _, src := range []string{"a", "b"} {
		if _, err := s.InsertIfAbsent(ctx, Record(t, src, m, exp)); err != nil {
			t.Fatalf("InsertIfAbsent: %v", err)
		}
	}
	n, err := s.PurgeAll(ctx)
	if err != nil {
		t.Fatalf("PurgeAll: %v", err)
	}
	if n < 2 {
		t.Errorf("PurgeAll deleted %d, want >= 2", n)
	}
	left, err := s.RecordsForRun(ctx, m)
	if err != nil {
		t.Fatalf("RecordsForRun: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("records left after PurgeAll: %d", len(left))
	}

	// a purged identity can be inserted again
	got, err := s.InsertIfAbsent(ctx, Record(t, "a", m, exp))
	if err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}
	if got != ingest.Inserted {
		t.Errorf("reinsert after purge = %v, want inserted", got)
	}
}

func testConcurrentInsert(t *testing.T, s ingest.Store) {
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		errs     []error
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := Record(t, "race", marker(t, fmt.Sprintf("run%d", i)), exp)
			got, err := s.InsertIfAbsent(ctx, r)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if got == ingest.Inserted {
				inserted++
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("concurrent InsertIfAbsent errors: %v", errs)
	}
	if inserted != 1 {
		t.Fatalf("inserted = %d, want exactly 1", inserted)
	}
}

func testGetMissing(t *testing.T, s ingest.Store) {
	_, ok, err := s.Get(context.Background(), alert.Identity(t.Name()))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("Get returned ok=true for missing identity")
	}
}

func ids(rs []*alert.Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Identity
	}
	return out
}

func sortedIDs(t *testing.T, sources ...string) []string {
	out := make([]string, len(sources))
	for i, src := range sources {
		out[i] = alert.Identity(t.Name() + "/" + src)
	}
	slices.Sort(out)
	return out
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", field, got, want)
	}
}
