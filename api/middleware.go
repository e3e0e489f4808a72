package api

import (
	"net"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// maxTrackedClients bounds the per-client limiter cache
const maxTrackedClients = 4096

// clientLimiters hands out one token bucket per client IP
type clientLimiters struct {
	limiters *lru.Cache[string, *rate.Limiter]
	rps      rate.Limit
	burst    int
}

func newClientLimiters(rps float64, burst int) *clientLimiters {
	if burst < 1 {
		burst = 1
	}
	cache, _ := lru.New[string, *rate.Limiter](maxTrackedClients)
	return &clientLimiters{limiters: cache, rps: rate.Limit(rps), burst: burst}
}

func (c *clientLimiters) get(ip string) *rate.Limiter {
	if l, ok := c.limiters.Get(ip); ok {
		return l
	}
	l := rate.NewLimiter(c.rps, c.burst)
	// A concurrent request may have added one first
	if prev, ok, _ := c.limiters.PeekOrAdd(ip, l); ok {
		return prev
	}
	return l
}

// rateLimitMiddleware provides rate limiting per client IP. /health is exempt.
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if !a.limiters.get(clientIP(r)).Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs each request at debug level
func (a *API) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Debugw("API request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"client", clientIP(r),
			"duration", time.Since(start))
	})
}

// clientIP returns the direct peer address. Forwarded headers are ignored;
// the API is meant to be reached without a proxy.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
