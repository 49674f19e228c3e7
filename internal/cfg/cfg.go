package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/greencoder/noaa-alerts-pushover/internal/feed"
	"github.com/greencoder/noaa-alerts-pushover/internal/ingest"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	FeedURL      string
	FeedTimeout  time.Duration
	PollInterval time.Duration
	RegionsFile  string
	PurgeGrace   time.Duration

	DatabaseURL string
	SQLitePath  string

	PushoverToken     string
	PushoverUser      string
	PushoverSound     string
	IgnoredEvents     string
	DetailURLTemplate string

	Once   bool
	Purge  bool
	NoPush bool
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "comma-separated bearer tokens accepted by the operator API")

	fs.StringVar(&c.FeedURL, "feed-url", feed.DefaultURL, "CAP/Atom alert feed URL")
	fs.DurationVar(&c.FeedTimeout, "feed-timeout", 30*time.Second, "feed fetch timeout")
	fs.DurationVar(&c.PollInterval, "poll-interval", 5*time.Minute, "time between ingestion passes (min 1m)")
	fs.StringVar(&c.RegionsFile, "regions-file", "regions.yaml", "YAML or JSON file listing watched regions")
	fs.DurationVar(&c.PurgeGrace, "purge-grace", ingest.DefaultPurgeGrace, "how long expired alerts are kept before pruning")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (takes precedence over sqlite-path)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file (empty with no database-url = in-memory store, not allowed with -once)")

	fs.StringVar(&c.PushoverToken, "pushover-token", "", "Pushover application token")
	fs.StringVar(&c.PushoverUser, "pushover-user", "", "Pushover user or group key")
	fs.StringVar(&c.PushoverSound, "pushover-sound", "falling", "Pushover notification sound")
	fs.StringVar(&c.IgnoredEvents, "ignored-events", "", "comma-separated event types that are never pushed")
	fs.StringVar(&c.DetailURLTemplate, "detail-url-template", "", "notification link template, the single %s is replaced by the alert identity (empty = feed link)")

	fs.BoolVar(&c.Once, "once", false, "run a single ingestion pass and exit")
	fs.BoolVar(&c.Purge, "purge", false, "delete every stored alert before the first pass")
	fs.BoolVar(&c.NoPush, "nopush", false, "log matched alerts without sending notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Feed source
	if u, err := url.Parse(c.FeedURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid FEED_URL %q (must be an absolute http(s) URL)", c.FeedURL))
	}
	if c.FeedTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid FEED_TIMEOUT %s (must be positive)", c.FeedTimeout))
	}
	if c.PollInterval < time.Minute {
		errs = append(errs, fmt.Errorf("invalid POLL_INTERVAL %s (must be at least 1m)", c.PollInterval))
	}
	if c.PurgeGrace < 0 {
		errs = append(errs, fmt.Errorf("invalid PURGE_GRACE %s (must not be negative)", c.PurgeGrace))
	}

	// Region catalog is required for matching
	if c.RegionsFile == "" {
		errs = append(errs, errors.New("REGIONS_FILE is required"))
	}

	// Pushover credentials are required unless pushes are disabled
	if !c.NoPush {
		if c.PushoverToken == "" {
			errs = append(errs, errors.New("PUSHOVER_TOKEN is required unless NOPUSH is set"))
		}
		if c.PushoverUser == "" {
			errs = append(errs, errors.New("PUSHOVER_USER is required unless NOPUSH is set"))
		}
	}

	// A single pass exits with the process, so its dedup state must outlive it
	if c.Once && c.StoreKind() == "memory" {
		errs = append(errs, errors.New("ONCE requires a persistent store (set DATABASE_URL or SQLITE_PATH)"))
	}

	// Detail link template takes exactly one identity placeholder
	if c.DetailURLTemplate != "" && strings.Count(c.DetailURLTemplate, "%s") != 1 {
		errs = append(errs, fmt.Errorf("invalid DETAIL_URL_TEMPLATE %q (must contain exactly one %%s)", c.DetailURLTemplate))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// IgnoredEventList splits IgnoredEvents on commas, dropping blanks.
func (c *Config) IgnoredEventList() []string {
	var out []string
	for _, ev := range strings.Split(c.IgnoredEvents, ",") {
		if ev = strings.TrimSpace(ev); ev != "" {
			out = append(out, ev)
		}
	}
	return out
}

// StoreKind names the storage backend selected by the config.
func (c *Config) StoreKind() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}
