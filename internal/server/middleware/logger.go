package middleware

import (
	"log/slog"
	"net/http"
)

// NewRequestLogger emits one line per inbound HTTP request. It reads the
// client address resolved by the metadata middleware, so it should sit after
// RequestMetadataMiddleware in the chain.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remoteAddr := r.RemoteAddr
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				remoteAddr = reqMeta.IP
			}

			logger.Info("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("remoteAddr", remoteAddr),
			)
			next.ServeHTTP(w, r)
		})
	}
}
