package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthSnapshot is the stable set of fields read at request time to build
// the /health response body (spec §4.2 / §6).
type HealthSnapshot struct {
	Version        string
	GitSHA         string
	StartedAt      time.Time
	CurrentState   func() string
	QueriesTotal   func() uint64
	ActiveSessions func() int
}

type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	GitSHA         string `json:"git_sha"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	State          string `json:"state"`
	Queries        uint64 `json:"queries"`
	ActiveSessions int    `json:"active_sessions"`
}

// handleHealth implements GET /health.
func handleHealth(h HealthSnapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:         "ok",
			Version:        h.Version,
			GitSHA:         h.GitSHA,
			UptimeSeconds:  int64(time.Since(h.StartedAt).Seconds()),
			State:          h.CurrentState(),
			Queries:        h.QueriesTotal(),
			ActiveSessions: h.ActiveSessions(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
