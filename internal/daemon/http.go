package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msageha/bestbefore/internal/metrics"
)

// router serves health, metrics and the live event stream.
func (d *Daemon) router() http.Handler {
	r := chi.NewRouter()
	r.With(metrics.Middleware("healthz")).Get("/healthz", d.handleHealthz)
	r.With(metrics.Middleware("status")).Get("/status", d.handleHTTPStatus)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", d.hub.serveWS)
	return r
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *Daemon) handleHTTPStatus(w http.ResponseWriter, r *http.Request) {
	st, err := d.c.pantry.SyncStatus(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
