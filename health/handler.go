package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler returns an HTTP handler that reports the monitor's aggregate
// status as JSON. Healthy and degraded respond 200, unhealthy responds 503
// so load balancers drain the instance while sub-statuses stay inspectable.
func (m *Monitor) Handler(systemName string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		status := m.Snapshot(systemName)

		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Warn("failed to encode health response", "error", err)
		}
	})
}
