package runengine

import (
	"strings"
	"sync"
	"time"
)

const DefaultProbeCooldown = 30 * time.Second

// ProbeRegistry remembers when each scope was last probed for an already
// running task so that remounting orchestrators do not re-probe within the
// cooldown. Entries older than the cooldown are evicted.
type ProbeRegistry struct {
	mu       sync.Mutex
	cooldown time.Duration
	now      func() time.Time
	probed   map[string]time.Time
}

func NewProbeRegistry(cooldown time.Duration, now func() time.Time) *ProbeRegistry {
	if cooldown <= 0 {
		cooldown = DefaultProbeCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &ProbeRegistry{
		cooldown: cooldown,
		now:      now,
		probed:   map[string]time.Time{},
	}
}

// TryAcquire reports whether scopeKey may be probed now and, if so, records
// the probe.
func (r *ProbeRegistry) TryAcquire(scopeKey string) bool {
	scopeKey = strings.TrimSpace(scopeKey)
	if scopeKey == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.evictLocked(now)
	if _, ok := r.probed[scopeKey]; ok {
		return false
	}
	r.probed[scopeKey] = now
	return true
}

func (r *ProbeRegistry) Forget(scopeKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.probed, strings.TrimSpace(scopeKey))
}

func (r *ProbeRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probed = map[string]time.Time{}
}

func (r *ProbeRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked(r.now())
	return len(r.probed)
}

func (r *ProbeRegistry) evictLocked(now time.Time) {
	for key, at := range r.probed {
		if now.Sub(at) >= r.cooldown {
			delete(r.probed, key)
		}
	}
}
