package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/greencoder/noaa-alerts-pushover/internal/ingest"
)

// handleRunPass runs one ingestion pass synchronously. The pass is detached
// from the request context so a client disconnect cannot abort it halfway.
func (a *API) handleRunPass(w http.ResponseWriter, r *http.Request) {
	purge, err := boolParam(r, "purge")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid purge parameter")
		return
	}
	nopush, err := boolParam(r, "nopush")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid nopush parameter")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.Bool("wxalerts.pass.purge", purge),
		attribute.Bool("wxalerts.pass.nopush", nopush),
	)

	a.logger.Info(r.Context(), "pass requested", "purge", purge, "nopush", nopush)

	res, err := a.svc.Pass(context.WithoutCancel(r.Context()), ingest.PassOptions{Purge: purge, NoDispatch: nopush})
	if errors.Is(err, ingest.ErrPassInProgress) {
		writeError(w, http.StatusConflict, "pass already in progress")
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "requested pass failed")
		writeError(w, http.StatusBadGateway, "pass failed")
		return
	}

	span.SetAttributes(attribute.String("wxalerts.run_marker", res.Report.RunMarker))
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleLastPass(w http.ResponseWriter, _ *http.Request) {
	res, ok := a.svc.LastPass()
	if !ok {
		writeError(w, http.StatusNotFound, "no completed pass")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}
