package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware bounds each request with a deadline on its context.
// Cancellation is cooperative: handlers must observe context.Done(),
// nothing forcibly terminates them.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
