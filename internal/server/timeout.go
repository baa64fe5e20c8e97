package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware bounds every request with a context deadline.
// Handlers observe it cooperatively through ctx.Done(); in particular
// the completion wait endpoint returns once the deadline passes, which
// caps how long a ?wait= long poll can hold a connection. Nothing is
// forcibly terminated.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
