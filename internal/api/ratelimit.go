package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	maxTrackedCallers = 10000
	callerIdleTTL     = 10 * time.Minute
)

type callerLimiter struct {
	limiter *rate.Limiter
	seen    time.Time
}

// rateLimiter keeps one token bucket per caller.
type rateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	callers map[string]*callerLimiter
	now     func() time.Time
}

// newRateLimiter returns nil when perSecond is not positive, which disables limiting.
func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		callers: make(map[string]*callerLimiter),
		now:     time.Now,
	}
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cl, ok := l.callers[key]
	if !ok {
		if len(l.callers) >= maxTrackedCallers {
			l.evictIdle(now)
		}
		cl = &callerLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.callers[key] = cl
	}
	cl.seen = now
	return cl.limiter.AllowN(now, 1)
}

func (l *rateLimiter) evictIdle(now time.Time) {
	for k, cl := range l.callers {
		if now.Sub(cl.seen) > callerIdleTTL {
			delete(l.callers, k)
		}
	}
}

// Middleware answers 429 once a caller's bucket is empty. Callers are keyed
// by token subject when auth is on, otherwise by client address.
func (l *rateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if l == nil {
			return next
		}
		return func(c echo.Context) error {
			key := callerID(c, c.RealIP())
			if !l.allow(key) {
				log.Warn().Str("caller", key).Str("path", c.Path()).Msg("Rate limit exceeded")
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "Too many requests. Please slow down.",
					"success": false,
				})
			}
			return next(c)
		}
	}
}
