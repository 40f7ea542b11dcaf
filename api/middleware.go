package api

import (
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/moonbeam-foundation/lazyfork/log"
	"github.com/moonbeam-foundation/lazyfork/metrics"
)

// normalizeEndpoint collapses unknown paths so that they do not blow up the
// cardinality of the Prometheus metrics.
func normalizeEndpoint(path string) string {
	switch path {
	case "", "/":
		return "/"
	case healthPath:
		return healthPath
	default:
		return "other"
	}
}

// MetricsMiddleware measures the start and end of each request, as well as
// other useful request information. It expects chi's RequestID middleware to
// run before it.
func MetricsMiddleware(m metrics.RequestMetrics, logger *log.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := middleware.GetReqID(r.Context())
			logger.Debug("starting request",
				"endpoint", r.URL.Path,
				"request_id", requestID,
			)
			t := time.Now()
			endpoint := normalizeEndpoint(r.URL.Path)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			httpStatus := ww.Status()
			if httpStatus == 0 {
				// Nothing written, net/http defaults to 200.
				httpStatus = http.StatusOK
			}
			latency := time.Since(t)
			logger.Debug("ending request",
				"endpoint", r.URL.Path,
				"request_id", requestID,
				"latency", latency,
				"latency_bin", binQueryLatency(latency),
				"status_code", httpStatus,
			)

			status, cause := "success", ""
			switch {
			case httpStatus >= 400 && httpStatus < 500:
				status, cause = "failure", "client"
			case httpStatus >= 500:
				status, cause = "failure", "server"
			}
			if !utf8.ValidString(endpoint) {
				endpoint, cause = "ignored", "non_utf8_path"
			}
			m.RequestCounter(endpoint, status, cause).Inc()
			m.RequestLatencies.WithLabelValues(endpoint).Observe(latency.Seconds())
		})
	}
}

// Bin request durations to make it easier to search for slow calls in logs.
func binQueryLatency(t time.Duration) string {
	switch {
	case t < 100*time.Millisecond:
		return "<100ms"
	case t < 300*time.Millisecond:
		return "100-300ms"
	case t < 500*time.Millisecond:
		return "300-500ms"
	case t < 1000*time.Millisecond:
		return "500-1000ms"
	default:
		return ">1000ms"
	}
}

// CorsMiddleware allows JSON-RPC calls from the given origins, or from any
// origin if none are given.
func CorsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
		},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	}).Handler
}

func isWebsocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
