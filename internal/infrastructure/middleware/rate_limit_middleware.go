package middleware

import (
	"net"
	"net/http"
	"sync"

	apperrors "huddle/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterStore keeps one token bucket per client IP.
type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newLimiterStore(r rate.Limit, burst int) *limiterStore {
	return &limiterStore{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burst)
		s.limiters[key] = limiter
	}
	return limiter
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := net.ParseIP(xff); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit returns gin middleware applying per-IP rate limiting. A nil
// return from this function is never produced; disabled config yields a
// pass-through handler.
func RateLimit(enabled bool, requestsPerSecond float64, burst int) gin.HandlerFunc {
	if !enabled {
		return func(c *gin.Context) { c.Next() }
	}

	store := newLimiterStore(rate.Limit(requestsPerSecond), burst)

	return func(c *gin.Context) {
		if !store.get(clientIP(c.Request)).Allow() {
			appErr := apperrors.NewRateLimitError()
			c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{"error": appErr.Message})
			return
		}
		c.Next()
	}
}
