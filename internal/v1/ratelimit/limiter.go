// Package ratelimit implements rate limiting backed by Redis or local
// memory, covering both the HTTP surface and per-connection websocket
// event budgets.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/coedit-live/coedit/backend/go/internal/v1/config"
	"github.com/coedit-live/coedit/backend/go/internal/v1/logging"
	"github.com/coedit-live/coedit/backend/go/internal/v1/metrics"
)

// RateLimiter holds the limiter instances for every budgeted surface.
type RateLimiter struct {
	apiGlobal *limiter.Limiter
	apiRooms  *limiter.Limiter
	wsIP      *limiter.Limiter
	wsJoin    *limiter.Limiter
	wsOps     *limiter.Limiter
	wsCursor  *limiter.Limiter
	store     limiter.Store
}

// NewRateLimiter builds limiters from the configured rates. With a Redis
// client the budgets are shared across instances; without one they fall back
// to per-instance memory.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	rates := map[string]*limiter.Rate{}
	for name, formatted := range map[string]string{
		"api_global": cfg.RateLimitAPIGlobal,
		"api_rooms":  cfg.RateLimitAPIRooms,
		"ws_ip":      cfg.RateLimitWsIP,
		"ws_join":    cfg.RateLimitWsJoin,
		"ws_ops":     cfg.RateLimitWsOps,
		"ws_cursor":  cfg.RateLimitWsCursor,
	} {
		rate, err := limiter.NewRateFromFormatted(formatted)
		if err != nil {
			return nil, fmt.Errorf("invalid %s rate %q: %w", name, formatted, err)
		}
		r := rate
		rates[name] = &r
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:collab:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		apiGlobal: limiter.New(store, *rates["api_global"]),
		apiRooms:  limiter.New(store, *rates["api_rooms"]),
		wsIP:      limiter.New(store, *rates["ws_ip"]),
		wsJoin:    limiter.New(store, *rates["ws_join"]),
		wsOps:     limiter.New(store, *rates["ws_ops"]),
		wsCursor:  limiter.New(store, *rates["ws_cursor"]),
		store:     store,
	}, nil
}

// APIMiddleware enforces the global per-IP budget on the HTTP surface.
func (rl *RateLimiter) APIMiddleware() gin.HandlerFunc {
	return mgin.NewMiddleware(rl.apiGlobal)
}

// RoomsMiddleware enforces the tighter budget on room mutation routes.
func (rl *RateLimiter) RoomsMiddleware() gin.HandlerFunc {
	return mgin.NewMiddleware(rl.apiRooms)
}

// CheckWebSocketUpgrade enforces the per-IP budget on the upgrade endpoint.
// Writes a 429 response and returns false when the budget is exhausted.
func (rl *RateLimiter) CheckWebSocketUpgrade(c *gin.Context) bool {
	lctx, err := rl.wsIP.Get(c.Request.Context(), "ws:ip:"+c.ClientIP())
	if err != nil {
		logging.Warn(c.Request.Context(), "rate limiter store error, allowing request", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitedEvents.WithLabelValues("upgrade").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return false
	}
	return true
}

// AllowJoin budgets join-room attempts per connection key.
func (rl *RateLimiter) AllowJoin(ctx context.Context, key string) bool {
	return rl.allow(ctx, rl.wsJoin, "ws:join:"+key, "join-room")
}

// AllowOperations budgets operation batches per participant. Callers reject
// the batch with a RateLimited error when this returns false.
func (rl *RateLimiter) AllowOperations(ctx context.Context, key string) bool {
	return rl.allow(ctx, rl.wsOps, "ws:ops:"+key, "document-operation")
}

// AllowCursor budgets cursor updates per participant. Callers silently drop
// the update when this returns false; cursor delivery is best-effort.
func (rl *RateLimiter) AllowCursor(ctx context.Context, key string) bool {
	return rl.allow(ctx, rl.wsCursor, "ws:cursor:"+key, "cursor-update")
}

func (rl *RateLimiter) allow(ctx context.Context, l *limiter.Limiter, key, event string) bool {
	lctx, err := l.Get(ctx, key)
	if err != nil {
		logging.Warn(ctx, "rate limiter store error, allowing event", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitedEvents.WithLabelValues(event).Inc()
		return false
	}
	return true
}
