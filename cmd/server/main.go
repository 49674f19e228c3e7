// wxalerts polls the NOAA CAP alert feed, stores each alert once and pushes
// notifications for alerts that hit a watched region.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/greencoder/noaa-alerts-pushover/internal/api"
	"github.com/greencoder/noaa-alerts-pushover/internal/authmw"
	wc "github.com/greencoder/noaa-alerts-pushover/internal/cfg"
	"github.com/greencoder/noaa-alerts-pushover/internal/dispatch"
	"github.com/greencoder/noaa-alerts-pushover/internal/feed"
	"github.com/greencoder/noaa-alerts-pushover/internal/geo"
	"github.com/greencoder/noaa-alerts-pushover/internal/ingest"
	"github.com/greencoder/noaa-alerts-pushover/internal/ingest/memstore"
	"github.com/greencoder/noaa-alerts-pushover/internal/ingest/pgstore"
	"github.com/greencoder/noaa-alerts-pushover/internal/ingest/sqlitestore"
	"github.com/greencoder/noaa-alerts-pushover/internal/notify/pushover"
	"github.com/greencoder/noaa-alerts-pushover/internal/postgres"
)

const appName = "wxalerts"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    wc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix WXALERTS_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "WXALERTS_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if !appCfg.Once && appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"feed_url", appCfg.FeedURL,
		"poll_interval", appCfg.PollInterval.String(),
		"regions_file", appCfg.RegionsFile,
		"store", appCfg.StoreKind(),
		"once", appCfg.Once,
		"purge", appCfg.Purge,
		"nopush", appCfg.NoPush,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Load the watched region catalog; without it nothing can match.
	catalog, err := geo.LoadCatalog(appCfg.RegionsFile)
	if err != nil {
		return fmt.Errorf("region catalog: %w", err)
	}
	L.Info(ctx, "loaded region catalog", "regions", catalog.Len(), "path", appCfg.RegionsFile)

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wxalerts_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "source", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, operation, source, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(operation, source, outcome).Observe(dur.Seconds())
		},
	))

	// Initialize the alert store
	var store ingest.Store
	switch appCfg.StoreKind() {
	case "postgres":
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.PoolOptions{})
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		L.Info(ctx, "using postgres store")
	case "sqlite":
		sqlStore, err := sqlitestore.New(ctx, appCfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlitestore init: %w", err)
		}
		defer func() { _ = sqlStore.Close() }()
		store = sqlStore
		L.Info(ctx, "using sqlite store", "path", appCfg.SQLitePath)
	default:
		store = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url or sqlite-path configured)")
	}

	// Initialize ingest metrics on the shared Prometheus registry.
	ingestMetrics := ingest.NewMetrics(m.Registry())

	// Pushover notifier and the dispatcher that formats matched alerts for it.
	notifier := pushover.New(appCfg.PushoverToken, appCfg.PushoverUser, appCfg.PushoverSound)
	if !notifier.Enabled() {
		L.Warn(ctx, "pushover credentials not set, notifications disabled")
	}
	dispatcher := dispatch.New(notifier, dispatch.Config{
		IgnoredEvents:     appCfg.IgnoredEventList(),
		DetailURLTemplate: appCfg.DetailURLTemplate,
	}, L)

	// Initialize the ingestion coordinator and the service that owns purge,
	// pass serialization and dispatch.
	feedClient := feed.NewClient(appCfg.FeedURL, appCfg.FeedTimeout)
	coord := ingest.NewCoordinator(feedClient, store, catalog, nil, L, ingestMetrics.Hooks())
	ingestSvc := ingest.NewService(coord, store, dispatcher, ingest.ServiceConfig{
		Logger:     L,
		Hooks:      ingestMetrics.Hooks(),
		PurgeGrace: appCfg.PurgeGrace,
	})

	passOpts := ingest.PassOptions{Purge: appCfg.Purge, NoDispatch: appCfg.NoPush}

	// Single pass mode: run once, report and exit without listeners.
	if appCfg.Once {
		return runOnce(ctx, L, ingestSvc, passOpts)
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Collect per-request DB stats and label DB query metrics with the API source.
	r.Use(dbStatsMiddleware)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 16))

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes, bearer auth only when tokens are configured
	var apiMW []func(http.Handler) http.Handler
	if tokens := authmw.ParseTokens(appCfg.APIToken); len(tokens) > 0 {
		apiMW = append(apiMW, authmw.BearerToken(tokens...))
	} else {
		L.Warn(ctx, "api-token not set, operator API is unauthenticated")
	}
	apiHTTP := api.New(L, ingestSvc)
	apiHTTP.RegisterRoutes(r, apiMW...)

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	// Recovery middleware to recover and log panics and serve 500 response.
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start API HTTP server with middleware and handlers
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// Start the polling loop. It stops when ctx is canceled by a signal.
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		ingestSvc.Loop(postgres.WithSource(ctx, "scheduler"), appCfg.PollInterval, passOpts)
	}()
	stopLoop := func(sctx context.Context) error {
		select {
		case <-loopDone:
			return nil
		case <-sctx.Done():
			return fmt.Errorf("ingest loop still running: %w", sctx.Err())
		}
	}

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"ingest loop", stopLoop},
		{"api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// passService is the part of ingest.Service runOnce needs.
type passService interface {
	Pass(ctx context.Context, opts ingest.PassOptions) (*ingest.PassResult, error)
}

// runOnce executes a single pass and logs its outcome with DB stats.
func runOnce(ctx context.Context, L log.Logger, svc passService, opts ingest.PassOptions) error {
	ctx = postgres.NewQueryStatsContext(postgres.WithSource(ctx, "once"))

	res, err := svc.Pass(ctx, opts)
	if err != nil {
		return fmt.Errorf("ingestion pass: %w", err)
	}

	fields := []any{
		"run_marker", res.Report.RunMarker,
		"total", res.Report.Total,
		"inserted", res.Report.Inserted,
		"matched", len(res.Report.Matched),
		"purged", res.Purged,
		"sent", res.Dispatch.Sent,
		"suppressed", res.Dispatch.Suppressed,
		"failed", res.Dispatch.Failed,
	}
	if s, ok := postgres.QueryStatsFromContext(ctx); ok {
		if n, total, errs := s.Snapshot(); n > 0 {
			fields = append(fields, "db.queries", n, "db.duration", total.Seconds(), "db.errors", errs)
		}
	}
	L.Info(ctx, "single pass complete", fields...)
	return nil
}

// dbStatsMiddleware attaches QueryStats to the request and logs them when
// the request issued any queries.
func dbStatsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := postgres.NewQueryStatsContext(postgres.WithSource(req.Context(), "api"))
		next.ServeHTTP(w, req.WithContext(ctx))

		if s, ok := postgres.QueryStatsFromContext(ctx); ok {
			if n, total, errs := s.Snapshot(); n > 0 {
				log.FromContext(ctx).Info(ctx, "request db stats",
					"db.queries", n, "db.duration", total.Seconds(), "db.errors", errs)
			}
		}
	})
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
