// pkg/proxy/limiter.go

package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/config"
	"golang.org/x/time/rate"
)

// maxVisitors bounds the limiter cache; a full cache evicts the least
// recently used quarter.
const maxVisitors = 10000

type visitor struct {
	limiters []*rate.Limiter
	lastUsed time.Time
}

func (v *visitor) allow(now time.Time) bool {
	// Every limiter is charged so the sustained budget also sees bursts.
	ok := true
	for _, l := range v.limiters {
		if !l.AllowN(now, 1) {
			ok = false
		}
	}
	return ok
}

// Limiter rate-limits per Vault token: a per-second bucket for bursts and a
// per-minute bucket for sustained traffic.
type Limiter struct {
	cfg config.RateLimitConfig
	now func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastPurge time.Time
}

// NewLimiter returns nil when both rates are zero, meaning unlimited.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	if cfg.PerSecond <= 0 && cfg.PerMinute <= 0 {
		return nil
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &Limiter{
		cfg:       cfg,
		now:       time.Now,
		visitors:  make(map[string]*visitor),
		lastPurge: time.Now(),
	}
}

// Allow consumes one request for key. A nil Limiter allows everything.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	k := hashKey(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPurge) > l.cfg.IdleTTL {
		l.purgeIdle(now)
	}
	v, ok := l.visitors[k]
	if !ok {
		if len(l.visitors) >= maxVisitors {
			l.evictLRU()
		}
		v = &visitor{limiters: l.newLimiters()}
		l.visitors[k] = v
	}
	v.lastUsed = now
	return v.allow(now)
}

// Len is the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *Limiter) newLimiters() []*rate.Limiter {
	var out []*rate.Limiter
	if l.cfg.PerSecond > 0 {
		burst := l.cfg.Burst
		if burst < 1 {
			burst = 1
		}
		out = append(out, rate.NewLimiter(rate.Limit(l.cfg.PerSecond), burst))
	}
	if l.cfg.PerMinute > 0 {
		out = append(out, rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.cfg.PerMinute)), l.cfg.PerMinute))
	}
	return out
}

func (l *Limiter) purgeIdle(now time.Time) {
	for k, v := range l.visitors {
		if now.Sub(v.lastUsed) > l.cfg.IdleTTL {
			delete(l.visitors, k)
		}
	}
	l.lastPurge = now
}

func (l *Limiter) evictLRU() {
	keys := make([]string, 0, len(l.visitors))
	for k := range l.visitors {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return l.visitors[keys[i]].lastUsed.Before(l.visitors[keys[j]].lastUsed)
	})
	for _, k := range keys[:len(keys)/4+1] {
		delete(l.visitors, k)
	}
}

// hashKey keeps raw tokens out of the cache.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
