// Package ratelimit implements the per-host token-bucket limiter (spec
// §4.9) guarding inbound and outbound gossip, grounded on
// golang.org/x/time/rate the way the teacher's core/virtual_machine.go
// throttles its own request path with a package-level rate.Limiter.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds one direction's bucket parameters (spec §4.9: "capacity C,
// refill rate R tokens/sec").
type Config struct {
	Capacity float64
	Refill   float64 // tokens/sec
}

// Unlimited disables rate limiting, used by tests (spec §4.9: "test-default
// of capacity=MAX to disable").
var Unlimited = Config{Capacity: 1 << 30, Refill: 1 << 30}

// Limiter enforces independent inbound/outbound token buckets per host,
// exempting LAN addresses from throttling entirely (spec §4.9).
type Limiter struct {
	inbound  Config
	outbound Config

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New constructs a Limiter with separate inbound/outbound policies.
func New(inbound, outbound Config) *Limiter {
	return &Limiter{
		inbound:  inbound,
		outbound: outbound,
		buckets:  make(map[string]*rate.Limiter),
	}
}

// Direction selects which bucket configuration applies.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (l *Limiter) bucketFor(host string, dir Direction) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := host
	if dir == Outbound {
		key = "out:" + host
	} else {
		key = "in:" + host
	}
	b, ok := l.buckets[key]
	if ok {
		return b
	}
	cfg := l.inbound
	if dir == Outbound {
		cfg = l.outbound
	}
	b = rate.NewLimiter(rate.Limit(cfg.Refill), int(cfg.Capacity))
	l.buckets[key] = b
	return b
}

// isLAN reports whether ip is exempt from rate limiting (spec §4.9: "LAN
// host exemption").
func isLAN(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		switch {
		case v4[0] == 10:
			return true
		case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
			return true
		case v4[0] == 192 && v4[1] == 168:
			return true
		}
	}
	return false
}

// Allow reports whether a message from/to host in the given direction may
// proceed, consuming one token if so. LAN hosts always return true without
// consuming a token.
func (l *Limiter) Allow(host net.IP, dir Direction) bool {
	if isLAN(host) {
		return true
	}
	return l.bucketFor(host.String(), dir).Allow()
}

// AllowN reports whether n tokens are available for host, consuming them
// if so; LAN hosts always return true (spec §4.9).
func (l *Limiter) AllowN(host net.IP, dir Direction, n int) bool {
	if isLAN(host) {
		return true
	}
	return l.bucketFor(host.String(), dir).AllowN(time.Now(), n)
}
