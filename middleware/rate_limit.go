package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/upb/rag-gateway/services"
	"github.com/upb/rag-gateway/utils"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// limiters idle longer than this are evicted on the next sweep
	limiterIdleTTL = 10 * time.Minute
	sweepInterval  = time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client. Clients are keyed by the
// authenticated subject when present, otherwise by remote IP.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
	now       func() time.Time

	logger *zap.Logger
}

// NewRateLimiter creates a limiter allowing rps requests per second with
// the given burst.
func NewRateLimiter(rps float64, burst int, logger *zap.Logger) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
		logger:  logger,
	}
}

// Allow reports whether the client may proceed now
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > sweepInterval {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > limiterIdleTTL {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// Limit is the HTTP middleware
func (l *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !l.Allow(key) {
			l.logger.Warn("rate limit exceeded",
				zap.String("request_id", GetRequestIDFromContext(r.Context())),
				zap.String("client", key))
			retryAfter := int(1/float64(l.rps)) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			limitErr := services.NewDomainError(services.ErrorTypeRateLimit, "Rate limit exceeded", nil).
				WithDetail("retry_after_seconds", retryAfter)
			_ = utils.WriteTooManyRequests(w, limitErr.Message, limitErr.Details)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if claims := GetClaimsFromContext(r.Context()); claims != nil && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
