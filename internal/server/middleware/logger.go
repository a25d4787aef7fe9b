package middleware

import (
	"log/slog"
	"net/http"
)

// NewRequestLogger logs every handshake attempt before it reaches auth, so
// rejected upgrades still leave a trace.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var ip string
			if meta, ok := ReqMetadataFrom(r.Context()); ok {
				ip = meta.IP
			}

			logger.Info("Handshake request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
			)
			next.ServeHTTP(w, r)
		})
	}
}
