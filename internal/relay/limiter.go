package relay

import (
	"net"
	"sync"
	"time"
)

// authRateLimiter tracks failed handshakes per IP.
type authRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

const (
	authRateWindow   = 5 * time.Minute
	authRateMaxFails = 10
	authRateMaxIPs   = 10000
)

func newAuthRateLimiter() *authRateLimiter {
	return &authRateLimiter{failures: make(map[string][]time.Time), now: time.Now}
}

// run prunes stale entries every minute until done is closed.
func (l *authRateLimiter) run(done <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			l.mu.Lock()
			for ip := range l.failures {
				l.pruneLocked(ip)
			}
			l.mu.Unlock()
		}
	}
}

// pruneLocked drops failures older than the window and reports how many remain.
func (l *authRateLimiter) pruneLocked(host string) int {
	cutoff := l.now().Add(-authRateWindow)
	recent := l.failures[host]
	kept := recent[:0]
	for _, t := range recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.failures, host)
		return 0
	}
	l.failures[host] = kept
	return len(kept)
}

func (l *authRateLimiter) allow(remoteAddr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(hostOf(remoteAddr)) < authRateMaxFails
}

func (l *authRateLimiter) recordFailure(remoteAddr string) {
	host := hostOf(remoteAddr)

	l.mu.Lock()
	defer l.mu.Unlock()

	// Evict the oldest IP once the table is full.
	if _, exists := l.failures[host]; !exists && len(l.failures) >= authRateMaxIPs {
		var oldestIP string
		var oldest time.Time
		for ip, times := range l.failures {
			if len(times) > 0 && (oldestIP == "" || times[0].Before(oldest)) {
				oldestIP, oldest = ip, times[0]
			}
		}
		delete(l.failures, oldestIP)
	}

	l.failures[host] = append(l.failures[host], l.now())
}

func hostOf(remoteAddr string) string {
	host, _, _ := net.SplitHostPort(remoteAddr)
	if host == "" {
		return remoteAddr
	}
	return host
}
