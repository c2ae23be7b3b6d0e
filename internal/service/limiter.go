package service

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// clientLimiters hands out one token bucket per client IP. Idle buckets expire after a
// minute.
type clientLimiters struct {
	cache *ttlcache.Cache[string, *rate.Limiter]
	limit rate.Limit
	burst int
}

func newClientLimiters(limit float64, burst int) *clientLimiters {
	cache := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](time.Minute),
		ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
	)
	go cache.Start()
	return &clientLimiters{cache: cache, limit: rate.Limit(limit), burst: burst}
}

func (c *clientLimiters) get(r *http.Request) *rate.Limiter {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if item := c.cache.Get(ip); item != nil {
		return item.Value()
	}
	return c.cache.Set(ip, rate.NewLimiter(c.limit, c.burst), ttlcache.DefaultTTL).Value()
}

func (c *clientLimiters) stop() {
	c.cache.Stop()
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiters == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := s.limiters.get(r)
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			s.logger.Warn("rate limit exceeded", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
