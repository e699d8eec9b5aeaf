package security

import (
	"log"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// ipWindow / ipLimit: how many RegisterPk attempts one source IP may
	// make inside the window before it is throttled.
	ipWindow = time.Minute
	ipLimit  = 60

	// idLimit caps attempts for one (ip, id) pair inside the same window,
	// catching a single client hammering one identity.
	idLimit = 6

	cacheSize = 100_000
)

type counter struct {
	mu sync.Mutex
	n  int
}

// Guard is the registration abuse guard: it throttles sources that register
// too frequently and honors an explicit operator blocklist. Counters live in
// an expiring LRU so the working set stays bounded under scan traffic.
type Guard struct {
	byIP   *expirable.LRU[string, *counter]
	byIPID *expirable.LRU[string, *counter]

	mu      sync.RWMutex
	blocked map[string]struct{}
}

// NewGuard creates a Guard with default thresholds.
func NewGuard() *Guard {
	return &Guard{
		byIP:    expirable.NewLRU[string, *counter](cacheSize, nil, ipWindow),
		byIPID:  expirable.NewLRU[string, *counter](cacheSize, nil, ipWindow),
		blocked: make(map[string]struct{}),
	}
}

// Allow records one registration attempt from ip for id and reports whether
// it is within the rate thresholds. Blocked IPs are always denied.
func (g *Guard) Allow(ip, id string) bool {
	if g.IsBlocked(ip) {
		return false
	}
	if !g.bump(g.byIP, ip, ipLimit) {
		log.Printf("WARN: source %s over registration rate limit", ip)
		return false
	}
	if !g.bump(g.byIPID, ip+"/"+id, idLimit) {
		log.Printf("WARN: source %s over registration rate limit for id %s", ip, id)
		return false
	}
	return true
}

func (g *Guard) bump(cache *expirable.LRU[string, *counter], key string, limit int) bool {
	c, ok := cache.Get(key)
	if !ok {
		c = &counter{}
		// Two racing registrations may both insert; losing one count is fine.
		cache.Add(key, c)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n <= limit
}

// Block adds ip to the permanent blocklist.
func (g *Guard) Block(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocked[ip] = struct{}{}
	log.Printf("WARN: blocked source %s", ip)
}

// Unblock removes ip from the blocklist.
func (g *Guard) Unblock(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blocked, ip)
}

// IsBlocked reports whether ip is on the blocklist.
func (g *Guard) IsBlocked(ip string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.blocked[ip]
	return ok
}
