package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key fits in perMinute.
type Limiter interface {
	Allow(ctx context.Context, key string, perMinute int) (bool, error)
}

const bucketIdleTTL = 10 * time.Minute

type bucket struct {
	limiter    *rate.Limiter
	mu         sync.Mutex
	lastAccess time.Time
}

// LocalLimiter keeps one token bucket per key in process memory.
type LocalLimiter struct {
	store sync.Map // map[string]*bucket
	now   func() time.Time
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{now: time.Now}
}

// Run evicts idle buckets until ctx is done.
func (l *LocalLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(bucketIdleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Sweep drops buckets not used within the idle TTL and reports how many.
func (l *LocalLimiter) Sweep() int {
	now := l.now()
	removed := 0
	l.store.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		if now.Sub(b.lastAccess) > bucketIdleTTL {
			l.store.Delete(key)
			removed++
		}
		b.mu.Unlock()
		return true
	})
	return removed
}

func (l *LocalLimiter) Allow(_ context.Context, key string, perMinute int) (bool, error) {
	if perMinute <= 0 {
		return true, nil
	}

	now := l.now()
	val, _ := l.store.LoadOrStore(key, &bucket{
		limiter:    rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		lastAccess: now,
	})

	b := val.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastAccess = now
	return b.limiter.AllowN(now, 1), nil
}

// ClientIPResolver derives the caller address. Forwarding headers are only
// read when the direct peer is a trusted proxy.
type ClientIPResolver struct {
	trusted []*net.IPNet
}

// NewClientIPResolver accepts plain addresses and CIDRs. Entries that parse
// as neither are skipped.
func NewClientIPResolver(proxies []string) *ClientIPResolver {
	c := &ClientIPResolver{}
	for _, proxy := range proxies {
		proxy = strings.TrimSpace(proxy)
		if _, network, err := net.ParseCIDR(proxy); err == nil {
			c.trusted = append(c.trusted, network)
			continue
		}
		if ip := net.ParseIP(proxy); ip != nil {
			bits := 8 * net.IPv4len
			if ip.To4() == nil {
				bits = 8 * net.IPv6len
			}
			c.trusted = append(c.trusted, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		}
	}
	return c
}

func (c *ClientIPResolver) isTrusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, network := range c.trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolve returns the nearest untrusted hop of X-Forwarded-For, walking from
// the peer outwards.
func (c *ClientIPResolver) Resolve(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if c == nil || !c.isTrusted(peer) {
		return peer
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		hops := strings.Split(fwd, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if i == 0 || !c.isTrusted(hop) {
				return hop
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return peer
}
