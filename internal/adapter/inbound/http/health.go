package http

import (
	"encoding/json"
	"net/http"
	"time"
)

// healthResponse is the literal {status, timestamp} body returned by
// GET /health.
type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// healthHandler serves GET /health: a liveness probe with no dependency on
// upstream connectivity (deep checks belong to /status).
func healthHandler(services ServiceStatusSource, hubs HubStatusSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok", Timestamp: time.Now().UTC()})
	})
}

// statusResponse is the {status, mode, clients, uptime, ...} body
// returned by GET /status, extended with the per-service and
// per-hub-endpoint state maps the gateway actually tracks.
type statusResponse struct {
	Status    string            `json:"status"`
	Mode      string            `json:"mode"`
	Clients   int               `json:"clients"`
	UptimeSec float64           `json:"uptime_seconds"`
	Services  map[string]string `json:"services,omitempty"`
	Hubs      map[string]string `json:"hubs,omitempty"`
}

// statusHandler serves GET /status: an aggregate snapshot of open
// streaming sessions, upstream service connection states (C5), and hub
// connection states (C7).
func statusHandler(t *HTTPTransport) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			Status:    "ok",
			Mode:      "gateway",
			Clients:   t.sessions.count(),
			UptimeSec: time.Since(t.startedAt).Seconds(),
		}

		if t.services != nil {
			resp.Services = make(map[string]string)
			for name, state := range t.services.GetStatus() {
				resp.Services[name] = string(state)
			}
		}
		if t.hubs != nil {
			resp.Hubs = make(map[string]string)
			for url, cs := range t.hubs.StatusAll() {
				resp.Hubs[url] = string(cs.State)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	})
}
