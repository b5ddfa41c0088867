package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coedit-live/coedit/backend/go/internal/v1/config"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimitAPIGlobal: "10-M",
		RateLimitAPIRooms:  "5-M",
		RateLimitWsIP:      "3-M",
		RateLimitWsJoin:    "2-M",
		RateLimitWsOps:     "4-M",
		RateLimitWsCursor:  "3-M",
	}
}

func newTestLimiter(t *testing.T) *RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	rl, err := NewRateLimiter(testConfig(), rc)
	require.NoError(t, err)
	return rl
}

func TestNewRateLimiter_MemoryFallback(t *testing.T) {
	rl, err := NewRateLimiter(testConfig(), nil)
	require.NoError(t, err)
	assert.NotNil(t, rl)
}

func TestNewRateLimiter_InvalidRate(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitWsOps = "not-a-rate"

	_, err := NewRateLimiter(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws_ops")
}

func TestAllowJoin_BudgetExhausts(t *testing.T) {
	rl := newTestLimiter(t)
	ctx := context.Background()

	assert.True(t, rl.AllowJoin(ctx, "conn-1"))
	assert.True(t, rl.AllowJoin(ctx, "conn-1"))
	assert.False(t, rl.AllowJoin(ctx, "conn-1"))

	// Budgets are per key.
	assert.True(t, rl.AllowJoin(ctx, "conn-2"))
}

func TestAllowOperations_IndependentOfCursorBudget(t *testing.T) {
	rl := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.AllowCursor(ctx, "p-1"))
	}
	assert.False(t, rl.AllowCursor(ctx, "p-1"))

	// Operation budget untouched by cursor spend.
	for i := 0; i < 4; i++ {
		assert.True(t, rl.AllowOperations(ctx, "p-1"))
	}
	assert.False(t, rl.AllowOperations(ctx, "p-1"))
}

func TestCheckWebSocketUpgrade(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := newTestLimiter(t)

	allowed := 0
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/ws/rooms/r1", nil)
		c.Request.RemoteAddr = "10.0.0.1:1234"
		if rl.CheckWebSocketUpgrade(c) {
			allowed++
		} else {
			assert.Equal(t, http.StatusTooManyRequests, w.Code)
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestAPIMiddleware_Returns429WhenExhausted(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := newTestLimiter(t)

	r := gin.New()
	r.Use(rl.RoomsMiddleware())
	r.GET("/api/v1/rooms", func(c *gin.Context) { c.Status(http.StatusOK) })

	var last int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/rooms", nil)
		req.RemoteAddr = "10.0.0.2:1234"
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		last = resp.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
