package ports

import (
	"net"
	"strconv"
	"sync"
	"time"
)

// probeTTL bounds how long an OS listen probe result is trusted. Keeps
// the cost of range scans down without going stale enough to matter.
const probeTTL = 2 * time.Second

const dialTimeout = 50 * time.Millisecond

// Prober checks whether the OS already has a listener on a loopback
// port. Results are cached for probeTTL.
type Prober struct {
	mu    sync.Mutex
	cache map[int]probeEntry
}

type probeEntry struct {
	listening bool
	at        time.Time
}

// NewProber creates a probe cache.
func NewProber() *Prober {
	return &Prober{cache: make(map[int]probeEntry)}
}

// Listening reports whether something is accepting connections on the
// given loopback port.
func (p *Prober) Listening(port int) bool {
	now := time.Now()

	p.mu.Lock()
	if e, ok := p.cache[port]; ok && now.Sub(e.at) < probeTTL {
		p.mu.Unlock()
		return e.listening
	}
	p.mu.Unlock()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), dialTimeout)
	listening := err == nil
	if conn != nil {
		_ = conn.Close()
	}

	p.mu.Lock()
	p.cache[port] = probeEntry{listening: listening, at: now}
	p.mu.Unlock()
	return listening
}
