package authkit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const limiterIdleCleanupInterval = 5 * time.Minute

// ClientRateLimiter holds one token bucket per client key.
type ClientRateLimiter struct {
	mutex       sync.Mutex
	limiters    map[string]*rate.Limiter
	limit       rate.Limit
	burst       int
	lastCleanup time.Time
}

// NewClientRateLimiter allows requestsPerMinute per client with an equal burst.
// A non-positive value disables limiting.
func NewClientRateLimiter(requestsPerMinute int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		return &ClientRateLimiter{limit: rate.Inf, limiters: make(map[string]*rate.Limiter)}
	}
	return &ClientRateLimiter{
		limiters:    make(map[string]*rate.Limiter),
		limit:       rate.Limit(float64(requestsPerMinute) / time.Minute.Seconds()),
		burst:       requestsPerMinute,
		lastCleanup: time.Now(),
	}
}

// Allow reports whether key may proceed, and otherwise how long to wait.
func (limiter *ClientRateLimiter) Allow(key string) (bool, time.Duration) {
	if limiter == nil || limiter.limit == rate.Inf {
		return true, 0
	}
	bucket := limiter.bucket(key)
	if bucket.Allow() {
		return true, 0
	}
	reservation := bucket.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	return false, delay
}

// Middleware rejects over-limit clients with 429 JSON.
func (limiter *ClientRateLimiter) Middleware(logger *zap.Logger, metrics MetricsRecorder) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		clientKey := contextGin.ClientIP()
		allowed, delay := limiter.Allow(clientKey)
		if allowed {
			contextGin.Next()
			return
		}
		retryAfter := max(int(delay.Seconds()), 1)
		logger.Warn("rate limit exceeded",
			zap.String("code", "ratelimit.exceeded"),
			zap.String("client", clientKey),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("retry_after", retryAfter))
		metrics.Increment(metricMagicLinkRateLimited)
		contextGin.Header("Retry-After", strconv.Itoa(retryAfter))
		contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "rate_limited",
			"message": "Too many requests. Please try again later.",
		})
	}
}

func (limiter *ClientRateLimiter) bucket(key string) *rate.Limiter {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	limiter.cleanupLocked()
	bucket, exists := limiter.limiters[key]
	if !exists {
		bucket = rate.NewLimiter(limiter.limit, limiter.burst)
		limiter.limiters[key] = bucket
	}
	return bucket
}

func (limiter *ClientRateLimiter) cleanupLocked() {
	if time.Since(limiter.lastCleanup) < limiterIdleCleanupInterval {
		return
	}
	limiter.lastCleanup = time.Now()
	for key, bucket := range limiter.limiters {
		if bucket.Tokens() >= float64(limiter.burst) {
			delete(limiter.limiters, key)
		}
	}
}
