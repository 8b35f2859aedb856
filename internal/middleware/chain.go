package middleware

import "net/http"

// Chain composes the daemon's middleware stack from a list of middleware
// functions, outermost first: Chain(Recovery, Logging, Timeout, ...)(router)
// runs Recovery, then Logging, then Timeout, and so on down to router,
// so daemon.Supervisor doesn't need to hand-nest each wrapper call itself.
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
