package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/linnemanlabs/go-core/log"

	"github.com/greencoder/noaa-alerts-pushover/internal/alert"
	"github.com/greencoder/noaa-alerts-pushover/internal/authmw"
	"github.com/greencoder/noaa-alerts-pushover/internal/feed"
	"github.com/greencoder/noaa-alerts-pushover/internal/geo"
	"github.com/greencoder/noaa-alerts-pushover/internal/ingest"
	"github.com/greencoder/noaa-alerts-pushover/internal/ingest/memstore"
)

const testFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:cap="urn:oasis:names:tc:emergency:cap:1.1">
<entry>
<id>https://alerts.weather.gov/cap/wwacapget.php?x=CO1.TornadoWarning</id>
<title>Tornado Warning issued May 14 at 5:02PM MDT by NWS</title>
<link href="https://alerts.weather.gov/cap/wwacapget.php?x=CO1.TornadoWarning"/>
<cap:event>Tornado Warning</cap:event>
<cap:expires>2026-05-14T17:45:00-06:00</cap:expires>
<cap:geocode>
<valueName>UGC</valueName>
<value>COZ039</value>
</cap:geocode>
</entry>
</feed>`

type fetcherFunc func(context.Context) (*feed.Document, error)

func (f fetcherFunc) Fetch(ctx context.Context) (*feed.Document, error) { return f(ctx) }

type countingDispatcher struct {
	mu    sync.Mutex
	calls int
}

func (d *countingDispatcher) Dispatch(_ context.Context, recs []*alert.Record, opts ingest.DispatchOptions) ingest.DispatchSummary {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if opts.DryRun {
		return ingest.DispatchSummary{Suppressed: len(recs)}
	}
	return ingest.DispatchSummary{Sent: len(recs)}
}

func newService(t *testing.T, f ingest.Fetcher) *ingest.Service {
	t.Helper()
	cat, err := geo.NewCatalog([]geo.Region{{Name: "Arapahoe", State: "CO", FIPS: "008005", UGC: "COZ039"}})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 14, 23, 5, 0, 0, time.UTC))
	store := memstore.New()
	coord := ingest.NewCoordinator(f, store, cat, clock, log.Nop(), ingest.Hooks{})
	return ingest.NewService(coord, store, &countingDispatcher{}, ingest.ServiceConfig{Clock: clock})
}

func staticFetcher() ingest.Fetcher {
	return fetcherFunc(func(context.Context) (*feed.Document, error) {
		return feed.NewDocument([]byte(testFeed)), nil
	})
}

func newTestRouter(t *testing.T, svc IngestService, mw ...func(http.Handler) http.Handler) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	New(nil, svc).RegisterRoutes(r, mw...)
	return r
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// stubService returns canned errors.
type stubService struct {
	passErr error
	getErr  error
	runErr  error
}

func (s stubService) Pass(context.Context, ingest.PassOptions) (*ingest.PassResult, error) {
	return nil, s.passErr
}
func (s stubService) LastPass() (*ingest.PassResult, bool) { return nil, false }
func (s stubService) Get(context.Context, string) (*alert.Record, bool, error) {
	return nil, false, s.getErr
}
func (s stubService) RecordsForRun(context.Context, string) ([]*alert.Record, error) {
	return nil, s.runErr
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, stubService{})
	if api == nil {
		t.Fatal("New(nil, svc) returned nil API")
	}
	if api.logger == nil {
		t.Fatal("New(nil, svc) left logger nil; expected Nop logger")
	}
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil) did not panic; expected panic for nil service")
		}
	}()
	New(nil, nil)
}

// Routing

func TestRegisterRoutes_Methods(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, stubService{})

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET passes not allowed", http.MethodGet, "/api/v1/passes", http.StatusMethodNotAllowed},
		{"POST last not allowed", http.MethodPost, "/api/v1/passes/last", http.StatusMethodNotAllowed},
		{"DELETE alert not allowed", http.MethodDelete, "/api/v1/alerts/abc", http.StatusMethodNotAllowed},
		{"POST run alerts not allowed", http.MethodPost, "/api/v1/runs/01J/alerts", http.StatusMethodNotAllowed},
		{"unknown path", http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
		{"alerts without identity", http.MethodGet, "/api/v1/alerts/", http.StatusNotFound},
		{"v2", http.MethodGet, "/api/v2/alerts/abc", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := do(t, r, tt.method, tt.path); rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

// Passes

func TestRunPass_ThenLookups(t *testing.T) {
	t.Parallel()

	svc := newService(t, staticFetcher())
	r := newTestRouter(t, svc)

	if rec := do(t, r, http.MethodGet, "/api/v1/passes/last"); rec.Code != http.StatusNotFound {
		t.Fatalf("last before any pass = %d, want 404", rec.Code)
	}

	rec := do(t, r, http.MethodPost, "/api/v1/passes")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /passes = %d, body %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var res ingest.PassResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode pass result: %v", err)
	}
	if res.Report == nil || res.Report.Inserted != 1 || len(res.Report.Matched) != 1 {
		t.Fatalf("report = %+v", res.Report)
	}
	if res.Dispatch.Sent != 1 {
		t.Errorf("dispatch = %+v, want Sent=1", res.Dispatch)
	}
	identity := res.Report.Matched[0].Identity
	if res.Report.Matched[0].MatchedRegion == nil || res.Report.Matched[0].MatchedRegion.Name != "Arapahoe" {
		t.Errorf("matched region = %+v", res.Report.Matched[0].MatchedRegion)
	}

	// stored record
	rec = do(t, r, http.MethodGet, "/api/v1/alerts/"+identity)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET alert = %d", rec.Code)
	}
	var got alert.Record
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode alert: %v", err)
	}
	if got.EventType != "Tornado Warning" || got.RunMarker != res.Report.RunMarker {
		t.Errorf("alert = %+v", got)
	}
	if got.MatchedRegion != nil {
		t.Error("stored alert should not carry a matched region")
	}

	// run listing
	rec = do(t, r, http.MethodGet, "/api/v1/runs/"+res.Report.RunMarker+"/alerts")
	var run runAlertsResponse
	if err := json.NewDecoder(rec.Body).Decode(&run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.RunMarker != res.Report.RunMarker || len(run.Alerts) != 1 || run.Alerts[0].Identity != identity {
		t.Errorf("run = %+v", run)
	}

	// last pass
	rec = do(t, r, http.MethodGet, "/api/v1/passes/last")
	if rec.Code != http.StatusOK {
		t.Fatalf("last = %d", rec.Code)
	}
}

func TestRunPass_QueryOptions(t *testing.T) {
	t.Parallel()

	svc := newService(t, staticFetcher())
	r := newTestRouter(t, svc)

	rec := do(t, r, http.MethodPost, "/api/v1/passes?nopush=true")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var res ingest.PassResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Dispatch.Suppressed != 1 || res.Dispatch.Sent != 0 {
		t.Errorf("dispatch = %+v, want one suppressed", res.Dispatch)
	}

	// purge makes the same entry new again
	rec = do(t, r, http.MethodPost, "/api/v1/passes?purge=1&nopush=1")
	res = ingest.PassResult{}
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Purged != 1 || res.Report.Inserted != 1 {
		t.Errorf("purged = %d, inserted = %d, want 1 and 1", res.Purged, res.Report.Inserted)
	}
}

func TestRunPass_BadParams(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, stubService{})
	for _, path := range []string{"/api/v1/passes?purge=maybe", "/api/v1/passes?nopush=2"} {
		if rec := do(t, r, http.MethodPost, path); rec.Code != http.StatusBadRequest {
			t.Errorf("POST %s = %d, want 400", path, rec.Code)
		}
	}
}

func TestRunPass_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"in progress", ingest.ErrPassInProgress, http.StatusConflict, "pass already in progress"},
		{"fetch failure", feed.ErrFetch, http.StatusBadGateway, "pass failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newTestRouter(t, stubService{passErr: tt.err})
			rec := do(t, r, http.MethodPost, "/api/v1/passes")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want %q", rec.Body, tt.wantBody)
			}
		})
	}
}

func TestRunPass_OverlapReturnsConflict(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	svc := newService(t, fetcherFunc(func(context.Context) (*feed.Document, error) {
		close(entered)
		<-release
		return feed.NewDocument([]byte(testFeed)), nil
	}))
	r := newTestRouter(t, svc)

	done := make(chan int, 1)
	go func() { done <- do(t, r, http.MethodPost, "/api/v1/passes").Code }()
	<-entered

	if rec := do(t, r, http.MethodPost, "/api/v1/passes"); rec.Code != http.StatusConflict {
		t.Errorf("overlapping pass = %d, want 409", rec.Code)
	}
	close(release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("first pass = %d, want 200", code)
	}
}

// Alerts

func TestGetAlert(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		svc        IngestService
		wantStatus int
	}{
		{"missing", stubService{}, http.StatusNotFound},
		{"store error", stubService{getErr: errors.New("db down")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newTestRouter(t, tt.svc)
			if rec := do(t, r, http.MethodGet, "/api/v1/alerts/abc"); rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRunAlerts_EmptyAndError(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestRouter(t, stubService{}), http.MethodGet, "/api/v1/runs/unknown/alerts")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"alerts":[]`) {
		t.Errorf("body = %s, want empty alerts array", rec.Body)
	}

	rec = do(t, newTestRouter(t, stubService{runErr: errors.New("db down")}), http.MethodGet, "/api/v1/runs/x/alerts")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

// Auth

func TestRegisterRoutes_Middleware(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, stubService{}, authmw.BearerToken("secret"))

	if rec := do(t, r, http.MethodGet, "/api/v1/passes/last"); rec.Code != http.StatusUnauthorized {
		t.Errorf("without token = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/passes/last", http.NoBody)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("with token = %d, want 404 (no pass yet)", rec.Code)
	}
}
