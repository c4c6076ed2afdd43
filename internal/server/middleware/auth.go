package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/nirmalarya/autograph/internal/auth"
)

// NewAuthMiddleware verifies the handshake's bearer token and attaches the
// resulting identity to the request metadata. The token may arrive in the
// Authorization header or as a ?token= query parameter (browser WebSocket
// clients cannot set headers). When verification fails and allowAnonymous is
// set, the connection is admitted under a synthesized guest identity instead
// of being rejected; this is the only place the degraded-admission policy
// lives.
func NewAuthMiddleware(logger *slog.Logger, verifier auth.Verifier, allowAnonymous bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := bearerToken(r)
			if tokenString != "" {
				identity, err := verifier.Verify(r.Context(), tokenString)
				if err == nil {
					reqMeta.Identity = identity
					next.ServeHTTP(w, r)
					return
				}
				logger.Warn("Token verification failed",
					slog.String("ip", reqMeta.IP),
					slog.Any("error", err),
				)
			} else {
				logger.Warn("No token attached to request", slog.String("ip", reqMeta.IP))
			}

			if !allowAnonymous {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			reqMeta.Identity = auth.Anonymous()
			logger.Info("Admitting anonymous connection",
				slog.String("ip", reqMeta.IP),
				slog.String("userID", reqMeta.Identity.UserID),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken pulls the token from the Authorization header, falling back to
// the token query parameter.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, found := strings.CutPrefix(header, "Bearer "); found {
			return token
		}
	}
	return r.URL.Query().Get("token")
}
