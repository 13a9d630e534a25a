package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the status returned by report as JSON. Anything but healthy
// answers 503 so load balancers and probes can act on the code alone.
func Handler(report func() Status) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := report()
		w.Header().Set("Content-Type", "application/json")
		if !status.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
