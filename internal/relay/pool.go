package relay

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultRelayPort is appended to configured entries without a port.
	DefaultRelayPort = 21117

	// probeTimeout bounds a single connectivity probe.
	probeTimeout = 1500 * time.Millisecond

	// failThreshold is how many consecutive probe failures mark an entry
	// unhealthy, so a single transient failure does not flap the pool.
	failThreshold = 3
)

// DialFunc probes one relay address. Overridable in tests.
type DialFunc func(ctx context.Context, addr string) error

type entry struct {
	addr     string
	healthy  bool
	failures int
}

// Pool holds the operator-configured relay servers with per-entry health
// state and a round-robin rotation cursor. The rotation index and health
// flags are instance state, not globals, so pools are independently testable.
type Pool struct {
	mu      sync.RWMutex
	entries []*entry
	next    int
	dial    DialFunc
}

// Option configures a Pool.
type Option func(*Pool)

// WithDialFunc substitutes the probe dialer, for tests.
func WithDialFunc(dial DialFunc) Option {
	return func(p *Pool) { p.dial = dial }
}

// NewPool creates a pool over the given relay addresses. Entries start
// healthy; the periodic probe corrects that view.
func NewPool(addrs []string, opts ...Option) *Pool {
	p := &Pool{dial: tcpProbe}
	for _, opt := range opts {
		opt(p)
	}
	p.ReplaceList(addrs)
	return p
}

// Size returns the number of configured relays.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// RotateNext advances the rotation cursor and returns the next healthy relay
// address. When every entry is unhealthy it degrades to plain round robin
// over all entries: while the pool is non-empty a relay is always assigned.
func (p *Pool) RotateNext() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) == 0 {
		return "", fmt.Errorf("no relay servers configured")
	}
	for i := 0; i < len(p.entries); i++ {
		e := p.entries[p.next%len(p.entries)]
		p.next++
		if e.healthy {
			return e.addr, nil
		}
	}
	e := p.entries[p.next%len(p.entries)]
	p.next++
	return e.addr, nil
}

// ReplaceList atomically swaps the configured relay addresses. Health state
// survives for addresses present in both lists; new entries start healthy.
func (p *Pool) ReplaceList(addrs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := make(map[string]*entry, len(p.entries))
	for _, e := range p.entries {
		old[e.addr] = e
	}

	entries := make([]*entry, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, raw := range addrs {
		addr := NormalizeAddr(raw)
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if prev, ok := old[addr]; ok {
			entries = append(entries, prev)
		} else {
			entries = append(entries, &entry{addr: addr, healthy: true})
		}
	}
	p.entries = entries
	p.next = 0
}

// Healthy returns the addresses currently considered healthy.
func (p *Pool) Healthy() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		if e.healthy {
			out = append(out, e.addr)
		}
	}
	return out
}

// Addrs returns every configured address in rotation order.
func (p *Pool) Addrs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.addr)
	}
	return out
}

// ProbeAll issues a bounded-timeout connectivity probe to every configured
// relay and updates health state. Probes run concurrently; the call returns
// once all complete. Pools with a single entry are not probed: with nothing
// to fail over to, health tracking only adds noise.
func (p *Pool) ProbeAll(ctx context.Context) {
	addrs := p.Addrs()
	if len(addrs) <= 1 {
		return
	}

	results := make(map[string]error, len(addrs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			err := p.dial(probeCtx, addr)
			mu.Lock()
			results[addr] = err
			mu.Unlock()
		}(addr)
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		err, probed := results[e.addr]
		if !probed {
			continue
		}
		if err == nil {
			if !e.healthy {
				log.Printf("INFO: relay %s is healthy again", e.addr)
			}
			e.healthy = true
			e.failures = 0
			continue
		}
		e.failures++
		if e.healthy && e.failures >= failThreshold {
			e.healthy = false
			log.Printf("WARN: relay %s marked unhealthy after %d consecutive probe failures: %v", e.addr, e.failures, err)
		}
	}
}

// NormalizeAddr trims an operator-supplied relay address and appends the
// default relay port when none is given.
func NormalizeAddr(raw string) string {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = fmt.Sprintf("%s:%d", addr, DefaultRelayPort)
	}
	return addr
}

func tcpProbe(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
