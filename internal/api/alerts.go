package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/greencoder/noaa-alerts-pushover/internal/alert"
)

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("wxalerts.alert.identity", identity))

	rec, ok, err := a.svc.Get(r.Context(), identity)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get alert", "identity", identity)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("wxalerts.alert.event", rec.EventType))
	writeJSON(w, http.StatusOK, rec)
}

type runAlertsResponse struct {
	RunMarker string          `json:"run_marker"`
	Alerts    []*alert.Record `json:"alerts"`
}

func (a *API) handleRunAlerts(w http.ResponseWriter, r *http.Request) {
	marker := chi.URLParam(r, "marker")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("wxalerts.run_marker", marker))

	recs, err := a.svc.RecordsForRun(r.Context(), marker)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list run alerts", "run_marker", marker)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if recs == nil {
		recs = []*alert.Record{}
	}

	span.SetAttributes(attribute.Int("wxalerts.alerts", len(recs)))
	writeJSON(w, http.StatusOK, runAlertsResponse{RunMarker: marker, Alerts: recs})
}
