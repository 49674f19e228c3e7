package ingest

import "github.com/prometheus/client_golang/prometheus"

// Hooks receives pipeline events. Nil fields are skipped.
type Hooks struct {
	OnFetch    func(duration float64, bytes int, err error)
	OnEntry    func(outcome string)
	OnPass     func(r *Report, err error)
	OnPurge    func(mode string, deleted int64)
	OnDispatch func(s DispatchSummary)
}

func (h Hooks) fetch(duration float64, bytes int, err error) {
	if h.OnFetch != nil {
		h.OnFetch(duration, bytes, err)
	}
}

func (h Hooks) entry(outcome string) {
	if h.OnEntry != nil {
		h.OnEntry(outcome)
	}
}

func (h Hooks) pass(r *Report, err error) {
	if h.OnPass != nil {
		h.OnPass(r, err)
	}
}

func (h Hooks) purge(mode string, deleted int64) {
	if h.OnPurge != nil {
		h.OnPurge(mode, deleted)
	}
}

func (h Hooks) dispatch(s DispatchSummary) {
	if h.OnDispatch != nil {
		h.OnDispatch(s)
	}
}

// Metrics holds Prometheus metrics for the ingestion pipeline.
type Metrics struct {
	PassesTotal      *prometheus.CounterVec
	PassDuration     prometheus.Histogram
	EntriesTotal     *prometheus.CounterVec
	MatchedTotal     prometheus.Counter
	FetchDuration    *prometheus.HistogramVec
	FetchBytes       prometheus.Histogram
	PurgedTotal      *prometheus.CounterVec
	DispatchTotal    *prometheus.CounterVec
	LastSuccessfulTS prometheus.Gauge
}

// NewMetrics registers and returns ingestion metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wxalerts_passes_total",
			Help: "Total ingestion passes by result.",
		}, []string{"result"}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wxalerts_pass_duration_seconds",
			Help:    "Duration of successful ingestion passes in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}),
		EntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wxalerts_entries_total",
			Help: "Feed entries processed by outcome.",
		}, []string{"outcome"}),
		MatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wxalerts_matched_total",
			Help: "New alerts that matched a watched region.",
		}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wxalerts_feed_fetch_duration_seconds",
			Help:    "Duration of feed fetches in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}, []string{"outcome"}),
		FetchBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wxalerts_feed_bytes",
			Help:    "Size of fetched feed documents in bytes.",
			Buckets: prometheus.ExponentialBuckets(16<<10, 2, 10), // 16KiB .. ~8MiB
		}),
		PurgedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wxalerts_purged_total",
			Help: "Records deleted by purge mode.",
		}, []string{"mode"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wxalerts_dispatch_total",
			Help: "Matched alerts handed to the notifier by result.",
		}, []string{"result"}),
		LastSuccessfulTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wxalerts_last_successful_pass_timestamp_seconds",
			Help: "Unix time of the last successful ingestion pass.",
		}),
	}

	reg.MustRegister(
		m.PassesTotal,
		m.PassDuration,
		m.EntriesTotal,
		m.MatchedTotal,
		m.FetchDuration,
		m.FetchBytes,
		m.PurgedTotal,
		m.DispatchTotal,
		m.LastSuccessfulTS,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnFetch: func(duration float64, bytes int, err error) {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			m.FetchDuration.WithLabelValues(outcome).Observe(duration)
			if err == nil {
				m.FetchBytes.Observe(float64(bytes))
			}
		},
		OnEntry: func(outcome string) {
			m.EntriesTotal.WithLabelValues(outcome).Inc()
		},
		OnPass: func(r *Report, err error) {
			if err != nil {
				m.PassesTotal.WithLabelValues("error").Inc()
				return
			}
			m.PassesTotal.WithLabelValues("ok").Inc()
			m.PassDuration.Observe(r.Duration.Seconds())
			m.MatchedTotal.Add(float64(len(r.Matched)))
			m.LastSuccessfulTS.Set(float64(r.StartedAt.Unix()))
		},
		OnPurge: func(mode string, deleted int64) {
			m.PurgedTotal.WithLabelValues(mode).Add(float64(deleted))
		},
		OnDispatch: func(s DispatchSummary) {
			m.DispatchTotal.WithLabelValues("sent").Add(float64(s.Sent))
			m.DispatchTotal.WithLabelValues("failed").Add(float64(s.Failed))
			m.DispatchTotal.WithLabelValues("ignored").Add(float64(s.Ignored))
			m.DispatchTotal.WithLabelValues("suppressed").Add(float64(s.Suppressed))
		},
	}
}
