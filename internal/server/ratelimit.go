package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig holds configuration for rate limiting.
type RateLimiterConfig struct {
	// Per-IP limit for all requests.
	GeneralRequestsPerMin int
	// Per-user limits on report submission.
	UserSubmitsPerHour int
	UserSubmitsPerDay  int
	// CleanupInterval is how often idle limiters are purged.
	CleanupInterval time.Duration
	// IdleTTL is how long a limiter may go unused before it is purged.
	IdleTTL time.Duration
}

// DefaultRateLimiterConfig returns sensible defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRequestsPerMin: 120,
		UserSubmitsPerHour:    5,
		UserSubmitsPerDay:     20,
		CleanupInterval:       5 * time.Minute,
		IdleTTL:               24 * time.Hour,
	}
}

type ipVisitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userVisitor pairs an hourly and a daily token bucket. A submit spends
// one token from each.
type userVisitor struct {
	hourly   *rate.Limiter
	daily    *rate.Limiter
	lastSeen time.Time
}

// RateLimiter provides per-IP and per-user rate limiting.
type RateLimiter struct {
	config RateLimiterConfig

	mu    sync.Mutex
	ips   map[string]*ipVisitor
	users map[string]*userVisitor

	now    func() time.Time
	stopCh chan struct{}
	done   chan struct{}
}

// NewRateLimiter creates a new RateLimiter and starts a background cleanup
// goroutine. Call Stop() to release resources.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 24 * time.Hour
	}
	rl := &RateLimiter{
		config: config,
		ips:    make(map[string]*ipVisitor),
		users:  make(map[string]*userVisitor),
		now:    time.Now,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Stop halts the background cleanup goroutine and waits for it to exit.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
	<-rl.done
}

func (rl *RateLimiter) cleanup() {
	defer close(rl.done)
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.purge()
		}
	}
}

// purge drops limiters idle for longer than IdleTTL. A purged user limiter
// that had spent tokens is recreated full, so IdleTTL must be at least the
// longest refill window for the daily cap to hold.
func (rl *RateLimiter) purge() {
	cutoff := rl.now().Add(-rl.config.IdleTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.ips {
		if v.lastSeen.Before(cutoff) {
			delete(rl.ips, ip)
		}
	}
	for id, v := range rl.users {
		if v.lastSeen.Before(cutoff) {
			delete(rl.users, id)
		}
	}
}

// AllowIP reports whether a request from ip is allowed under a limit of
// perMinLimit requests per minute.
func (rl *RateLimiter) AllowIP(ip string, perMinLimit int) bool {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.ips[ip]
	if !ok {
		v = &ipVisitor{limiter: rate.NewLimiter(perMinute(perMinLimit), perMinLimit)}
		rl.ips[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// AllowUserSubmit reports whether userID may submit another report under
// the hourly and daily limits. A denied attempt spends no tokens.
func (rl *RateLimiter) AllowUserSubmit(userID string) bool {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.users[userID]
	if !ok {
		v = &userVisitor{
			hourly: rate.NewLimiter(rate.Limit(float64(rl.config.UserSubmitsPerHour)/3600), rl.config.UserSubmitsPerHour),
			daily:  rate.NewLimiter(rate.Limit(float64(rl.config.UserSubmitsPerDay)/86400), rl.config.UserSubmitsPerDay),
		}
		rl.users[userID] = v
	}
	v.lastSeen = now
	if v.hourly.TokensAt(now) < 1 || v.daily.TokensAt(now) < 1 {
		return false
	}
	return v.hourly.AllowN(now, 1) && v.daily.AllowN(now, 1)
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60)
}

// IPRateLimitMiddleware enforces the general per-IP limit on all requests.
// It returns 429 Too Many Requests when the limit is exceeded.
func IPRateLimitMiddleware(rl *RateLimiter, m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.AllowIP(extractIP(r), rl.config.GeneralRequestsPerMin) {
				m.limited("ip")
				w.Header().Set("Retry-After", "60")
				writeJSONError(w, http.StatusTooManyRequests, codeRateLimited, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SubmitRateLimitMiddleware enforces the per-user submission limits. It
// must run after RequireAuth.
func SubmitRateLimitMiddleware(rl *RateLimiter, m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := UserFromContext(r.Context())
			if user == nil || !rl.AllowUserSubmit(user.ID) {
				m.limited("submit")
				writeJSONError(w, http.StatusTooManyRequests, codeRateLimited, "submission limit reached")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client IP from RemoteAddr. Forwarded headers are
// honoured only when the router installs chi's RealIP middleware.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
