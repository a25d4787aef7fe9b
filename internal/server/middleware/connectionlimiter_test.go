package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"parley/internal/server/middleware"
	"parley/pkg/config"
)

// limiterHandler wires the metadata middleware, a stub that injects the
// userID (standing in for auth), and the limiter under test.
func limiterHandler(count int, cycled *[]string, cfg config.ConnectionLimitConfig) http.Handler {
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	injectUser := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta, _ := middleware.ReqMetadataFrom(r.Context())
			meta.UserID = "user-1"
			next.ServeHTTP(w, r)
		})
	}
	counter := func(userID string) (int, error) { return count, nil }
	cycler := func(userID string) { *cycled = append(*cycled, userID) }

	return middleware.Chain(final,
		middleware.RequestMetadataMiddleware(),
		injectUser,
		middleware.NewConnectionLimiter(newTestLogger(), counter, cycler, cfg),
	)
}

func TestConnectionLimiterUnderLimit(t *testing.T) {
	var cycled []string
	handler := limiterHandler(2, &cycled, config.ConnectionLimitConfig{MaxPerUser: 3, Mode: "reject"})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, cycled)
}

func TestConnectionLimiterRejectMode(t *testing.T) {
	var cycled []string
	handler := limiterHandler(3, &cycled, config.ConnectionLimitConfig{MaxPerUser: 3, Mode: "reject"})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, cycled)
}

func TestConnectionLimiterCycleMode(t *testing.T) {
	var cycled []string
	handler := limiterHandler(3, &cycled, config.ConnectionLimitConfig{MaxPerUser: 3, Mode: "cycle"})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	// The oldest connection gets cycled out and the new one proceeds.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"user-1"}, cycled)
}

func TestConnectionLimiterDisabled(t *testing.T) {
	var cycled []string
	handler := limiterHandler(100, &cycled, config.ConnectionLimitConfig{MaxPerUser: 0})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}
