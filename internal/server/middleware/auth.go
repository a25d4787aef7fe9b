package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AppClaims defines our custom JWT claims structure. The subject is the user
// ID; display name rides along in "name".
type AppClaims struct {
	Username string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// tokenFromRequest prefers the Authorization header; browser clients that
// cannot set headers on the WebSocket handshake fall back to a cookie.
func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if cookie, err := r.Cookie("session-token"); err == nil {
		return cookie.Value
	}
	return ""
}

func NewAuthMiddleware(logger *slog.Logger, jwtSecret string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := tokenFromRequest(r)
			if tokenString == "" {
				logger.Warn("JWT token missing in request", "ip", reqMeta.IP)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Parse and validate the JWT token with HMAC signing
			token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})

			// Reject token if invalid
			if err != nil || !token.Valid {
				logger.Warn("Invalid JWT token presented", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if claims, ok := token.Claims.(*AppClaims); ok {
				if claims.Subject == "" {
					logger.Warn("Valid token missing 'sub' claim", "ip", reqMeta.IP)
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}

				reqMeta.UserID = claims.Subject
				reqMeta.Username = claims.Username
				if reqMeta.Username == "" {
					reqMeta.Username = claims.Subject
				}
				next.ServeHTTP(w, r)
				return
			}

			logger.Error("Failed to parse custom JWT claims",
				slog.Any("ip", reqMeta.IP),
			)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}
