package server

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"geocountry/internal/resolver"
)

type countryContextKey struct{}

// CountryFromContext returns the result stored by the logging middleware.
func CountryFromContext(ctx context.Context) (resolver.Result, bool) {
	result, ok := ctx.Value(countryContextKey{}).(resolver.Result)
	return result, ok
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// annotateCountry resolves the caller's country once per request, stores it
// on the request context and logs it with the response status.
func annotateCountry(res CountryResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()

		var result resolver.Result
		if res != nil {
			query := r.URL.Query()
			result = res.Resolve(query.Get("latitude"), query.Get("longitude"), r)
			r = r.WithContext(context.WithValue(r.Context(), countryContextKey{}, result))
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.Info("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"country", result.Country,
			"ip", result.DetectedIP,
			"took", time.Since(started).Round(time.Microsecond),
		)
	})
}
