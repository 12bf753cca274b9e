package http

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

// Internal headers set by the middleware after authentication. Whatever the
// client sent in them is dropped first.
const (
	loggedUserHeader = "X-Logged-User"
	adminUserHeader  = "X-Admin-User"
)

// defaultUserHeader carries the authenticated customer address. Deployments
// put the broker behind an authenticating proxy that sets it.
const defaultUserHeader = "X-Broker-User"

// authenticationMiddleware resolves the caller's address from the configured
// header and marks admin users.
type authenticationMiddleware struct {
	logger     *slog.Logger
	userHeader string
	adminUsers []string
}

// Middleware function, which will be called for each request.
func (amw *authenticationMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health, metrics and debug endpoints pass through, same for the
		// landing page.
		if r.URL.Path == "/" || strings.HasSuffix(r.URL.Path, "health") ||
			strings.HasPrefix(r.URL.Path, "/metrics") || strings.HasPrefix(r.URL.Path, "/debug/") {
			next.ServeHTTP(w, r)

			return
		}

		// Remove any internal headers if passed by the client.
		r.Header.Del(loggedUserHeader)
		r.Header.Del(adminUserHeader)

		loggedUser := r.Header.Get(amw.userHeader)
		if loggedUser == "" {
			amw.logger.Error("User header not found. Denying authentication", "header", amw.userHeader)

			// Write an error and stop the handler chain
			errorResponse[any](w, &apiError{errorUnauthorized, errNoUser}, amw.logger, nil)

			return
		}

		r.Header.Set(loggedUserHeader, loggedUser)

		if slices.Contains(amw.adminUsers, loggedUser) {
			r.Header.Set(adminUserHeader, loggedUser)
		}

		// Pass down the request to the next middleware (or final handler)
		next.ServeHTTP(w, r)
	})
}
