package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimiter keeps one token bucket per client IP and route class.
type RateLimiter struct {
	clients    map[string]*ClientBucket
	mutex      sync.RWMutex
	cleanup    *time.Ticker
	stopCh     chan struct{}
	once       sync.Once
	logger     *zap.Logger
	defaultRPS int
	burst      int
	now        func() time.Time
}

type ClientBucket struct {
	tokens     float64
	lastUpdate time.Time
	mutex      sync.Mutex
}

func NewRateLimiter(defaultRPS, burst int, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{
		clients:    make(map[string]*ClientBucket),
		defaultRPS: defaultRPS,
		burst:      burst,
		logger:     logger,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}

	rl.cleanup = time.NewTicker(5 * time.Minute)
	go rl.cleanupExpiredClients()

	return rl
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return rl.RateLimitWithConfig("default", rl.defaultRPS, rl.burst)
}

// RateLimitWithConfig applies a separate bucket per class, so a strict limit
// on manual actions does not eat into the status polling budget.
func (rl *RateLimiter) RateLimitWithConfig(class string, rps int, burst int) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		allowed, wait := rl.allowRequest(class+"|"+clientIP, rps, burst)
		if !allowed {
			retryAfter := int(math.Ceil(wait.Seconds()))
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", c.Request.URL.Path),
				zap.String("class", class),
				zap.Int("rps", rps))

			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) allowRequest(key string, rps, burst int) (bool, time.Duration) {
	now := rl.now()

	rl.mutex.Lock()
	bucket, exists := rl.clients[key]
	if !exists {
		bucket = &ClientBucket{
			tokens:     float64(burst),
			lastUpdate: now,
		}
		rl.clients[key] = bucket
	}
	rl.mutex.Unlock()

	return bucket.allowRequest(now, rps, burst)
}

func (cb *ClientBucket) allowRequest(now time.Time, rps, burst int) (bool, time.Duration) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	elapsed := now.Sub(cb.lastUpdate)
	if elapsed > 0 {
		cb.tokens = math.Min(float64(burst), cb.tokens+elapsed.Seconds()*float64(rps))
		cb.lastUpdate = now
	}

	if cb.tokens >= 1 {
		cb.tokens--
		return true, 0
	}

	if rps <= 0 {
		return false, time.Minute
	}
	missing := 1 - cb.tokens
	return false, time.Duration(missing / float64(rps) * float64(time.Second))
}

func (rl *RateLimiter) cleanupExpiredClients() {
	for {
		select {
		case <-rl.cleanup.C:
			rl.mutex.Lock()
			now := rl.now()
			for key, bucket := range rl.clients {
				bucket.mutex.Lock()
				if now.Sub(bucket.lastUpdate) > 10*time.Minute {
					delete(rl.clients, key)
				}
				bucket.mutex.Unlock()
			}
			rl.mutex.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) GetGlobalStats() map[string]any {
	rl.mutex.RLock()
	defer rl.mutex.RUnlock()

	return map[string]any{
		"active_clients": len(rl.clients),
		"default_rps":    rl.defaultRPS,
		"burst_capacity": rl.burst,
	}
}

func (rl *RateLimiter) Shutdown() {
	rl.once.Do(func() {
		rl.cleanup.Stop()
		close(rl.stopCh)
	})
}
