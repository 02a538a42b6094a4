package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/curiositech/port-daddy/internal/daemon/kerr"
	"github.com/curiositech/port-daddy/internal/metrics"
)

// sourceLimiter enforces a per-source request budget. Sources are
// keyed by remote IP; idle entries are dropped after an hour.
type sourceLimiter struct {
	mu      sync.Mutex
	sources map[string]*sourceEntry
	limit   rate.Limit
	burst   int
}

type sourceEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newSourceLimiter(perMin int) *sourceLimiter {
	if perMin <= 0 {
		return nil
	}
	// Burst of a tenth of the minute budget keeps the worst-case window
	// close to the configured N while still absorbing short spikes.
	return &sourceLimiter{
		sources: make(map[string]*sourceEntry),
		limit:   rate.Limit(float64(perMin) / 60.0),
		burst:   max(1, perMin/10),
	}
}

func (sl *sourceLimiter) allow(source string) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	e, ok := sl.sources[source]
	if !ok {
		e = &sourceEntry{lim: rate.NewLimiter(sl.limit, sl.burst)}
		sl.sources[source] = e
	}
	e.lastSeen = time.Now()

	if len(sl.sources) > 1024 {
		cutoff := time.Now().Add(-time.Hour)
		for k, v := range sl.sources {
			if v.lastSeen.Before(cutoff) {
				delete(sl.sources, k)
			}
		}
	}
	return e.lim.Allow()
}

// rateLimit rejects over-budget sources with 429. Observability
// endpoints stay reachable regardless.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil || exemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !h.limiter.allow(sourceKey(r)) {
			metrics.RateLimitRejections.Inc()
			h.respondErr(w, r, kerr.New(kerr.Capacity, "RATE_LIMITED", "request budget exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func exemptPath(path string) bool {
	switch path {
	case "/health", "/version", "/metrics", "/config":
		return true
	}
	return false
}

// sourceKey identifies the caller for rate limiting and stream caps.
func sourceKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
