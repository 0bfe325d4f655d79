package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var panicsRecovered = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "swarmd_http_panics_total",
		Help: "Total number of recovered handler panics",
	},
)

func Recoverer(log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					if rvr == http.ErrAbortHandler {
						panic(rvr)
					}
					log.Error().
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Interface("recover", rvr).
						Str("stack", string(debug.Stack())).
						Msg("Panic recovered")

					panicsRecovered.Inc()
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
