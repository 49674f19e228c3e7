// Package api exposes the operator HTTP surface: on-demand ingestion passes
// and read access to stored alerts.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/greencoder/noaa-alerts-pushover/internal/alert"
	"github.com/greencoder/noaa-alerts-pushover/internal/ingest"
)

// IngestService defines the business operations the API needs.
type IngestService interface {
	Pass(ctx context.Context, opts ingest.PassOptions) (*ingest.PassResult, error)
	LastPass() (*ingest.PassResult, bool)
	Get(ctx context.Context, identity string) (*alert.Record, bool, error)
	RecordsForRun(ctx context.Context, marker string) ([]*alert.Record, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IngestService
}

// New creates a new API handler.
func New(logger log.Logger, svc IngestService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("ingest service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router. Extra middleware
// (e.g. authentication) wraps only the API group.
func (a *API) RegisterRoutes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw...)
		r.Post("/passes", a.handleRunPass)
		r.Get("/passes/last", a.handleLastPass)
		r.Get("/alerts/{identity}", a.handleGetAlert)
		r.Get("/runs/{marker}/alerts", a.handleRunAlerts)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
