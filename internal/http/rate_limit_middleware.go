package httpx

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// pruneEvery bounds how often expired windows are dropped from memory.
const pruneEvery = 5 * time.Minute

// Decision is the outcome of counting one request against its window.
type Decision struct {
	Allowed bool
	// Count includes the request just counted, so it exceeds the limit once
	// the window is exhausted.
	Count int
	Reset time.Time
}

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) Decision
	Close()
}

type fixedWindow struct {
	count int
	reset time.Time
}

// windowCounter is the process-local RateLimiter. Expired windows are pruned
// lazily from Allow, so it owns no goroutine.
type windowCounter struct {
	mu        sync.Mutex
	windows   map[string]*fixedWindow
	now       func() time.Time
	nextPrune time.Time
}

// NewMemoryRateLimiter returns a limiter whose windows live in this process.
func NewMemoryRateLimiter() RateLimiter {
	return &windowCounter{windows: make(map[string]*fixedWindow), now: time.Now}
}

func (c *windowCounter) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if now.After(c.nextPrune) {
		for k, w := range c.windows {
			if !now.Before(w.reset) {
				delete(c.windows, k)
			}
		}
		c.nextPrune = now.Add(pruneEvery)
	}

	w, ok := c.windows[key]
	if !ok || !now.Before(w.reset) {
		w = &fixedWindow{reset: now.Add(window)}
		c.windows[key] = w
	}
	w.count++
	return Decision{Allowed: w.count <= limit, Count: w.count, Reset: w.reset}
}

func (c *windowCounter) Close() {}

// limitByIP throttles next per client address and answers 429 once the
// window is spent.
func (r *Router) limitByIP(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.rateLimit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		ip := clientIP(req)
		if ip == "" {
			ip = "unknown"
		}
		decision := r.limiter.Allow("ip:"+ip, r.rateLimit, r.rateWindow)
		setRateHeaders(w.Header(), r.rateLimit, decision)
		if !decision.Allowed {
			r.metrics.rateLimitHit(route)
			r.logger.Warn("rate limited", "route", route, "ip", ip, "count", decision.Count)
			if wait := time.Until(decision.Reset); wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second)/time.Second)))
			}
			writeError(w, http.StatusTooManyRequests, codeRateLimited)
			return
		}
		next(w, req)
	}
}

func setRateHeaders(h http.Header, limit int, d Decision) {
	remaining := limit - d.Count
	if remaining < 0 {
		remaining = 0
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !d.Reset.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	}
}

// clientIP returns the peer address. X-Forwarded-For is honoured only when
// the peer is a loopback proxy, which is how nginx fronts the server.
func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(req.RemoteAddr)
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	return host
}
