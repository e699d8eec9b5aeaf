package directory

import (
	"bytes"
	"hash/fnv"
	"log"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const shardCount = 32

// BindOutcome is the result of a TryBind attempt.
type BindOutcome int

const (
	// BindAccepted means the registration was applied and changed stored state.
	BindAccepted BindOutcome = iota
	// BindUnchanged means an identical re-registration; nothing to persist.
	BindUnchanged
	// BindIdentityMismatch means the registration violated the identity
	// binding and was rejected without mutating state.
	BindIdentityMismatch
)

// Snapshot is a read-only copy of a peer record used for punch-hole
// resolution and dashboards.
type Snapshot struct {
	ID        string
	UUID      []byte
	PublicKey []byte
	Addr      net.Addr
	LocalAddr string
	LastSeen  time.Time
}

type record struct {
	uuid      []byte
	publicKey []byte
	addr      net.Addr
	localAddr string
	lastSeen  time.Time
}

type shard struct {
	mu    sync.RWMutex
	peers map[string]*record
}

// Directory is the authoritative map from peer id to its identity binding and
// last observed address. Reads vastly outnumber writes, so records are
// sharded by id with a reader-preferring lock per shard.
type Directory struct {
	shards    [shardCount]shard
	clk       clock.Clock
	retention time.Duration
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock substitutes the time source, for tests.
func WithClock(clk clock.Clock) Option {
	return func(d *Directory) { d.clk = clk }
}

// WithRetention enables eviction of entries idle longer than ttl. Zero
// retains entries indefinitely.
func WithRetention(ttl time.Duration) Option {
	return func(d *Directory) { d.retention = ttl }
}

// New creates an empty Directory.
func New(opts ...Option) *Directory {
	d := &Directory{clk: clock.New()}
	for i := range d.shards {
		d.shards[i].peers = make(map[string]*record)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Directory) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &d.shards[h.Sum32()%shardCount]
}

// GetOrCreate returns true when id already has a resident entry, creating an
// empty placeholder otherwise. Placeholders carry no identity until TryBind.
func (d *Directory) GetOrCreate(id string) (existed bool) {
	s := d.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; ok {
		return true
	}
	s.peers[id] = &record{lastSeen: d.clk.Now()}
	return false
}

// IsResident reports whether id has an entry in the in-memory working set.
func (d *Directory) IsResident(id string) bool {
	s := d.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[id]
	return ok
}

// TryBind applies a RegisterPk against the identity-binding invariant:
// once an id is bound to a (uuid, public key) pair, a later registration must
// present the same uuid, and may not change public key and address at the
// same time. Address alone may change freely (roaming).
func (d *Directory) TryBind(id string, uuid, publicKey []byte, addr net.Addr) BindOutcome {
	s := d.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := d.clk.Now()
	rec, ok := s.peers[id]
	if !ok || len(rec.uuid) == 0 {
		s.peers[id] = &record{
			uuid:      append([]byte(nil), uuid...),
			publicKey: append([]byte(nil), publicKey...),
			addr:      addr,
			lastSeen:  now,
		}
		return BindAccepted
	}

	if !bytes.Equal(rec.uuid, uuid) {
		log.Printf("WARN: peer %s uuid mismatch: presented %x, stored %x", id, uuid, rec.uuid)
		return BindIdentityMismatch
	}

	ipChanged := !sameIP(rec.addr, addr)
	pkChanged := !bytes.Equal(rec.publicKey, publicKey)
	if ipChanged && pkChanged {
		// Same uuid but both key and network moved at once: presumed
		// impersonation or stale client state.
		log.Printf("WARN: peer %s ip/pk mismatch: %s vs %s", id, addrString(addr), addrString(rec.addr))
		return BindIdentityMismatch
	}

	addrChanged := rec.addr == nil || rec.addr.String() != addr.String()
	rec.lastSeen = now
	if !addrChanged && !pkChanged {
		return BindUnchanged
	}
	rec.addr = addr
	rec.publicKey = append(rec.publicKey[:0], publicKey...)
	return BindAccepted
}

// Lookup returns a read-only snapshot of id's record.
func (d *Directory) Lookup(id string) (Snapshot, bool) {
	s := d.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.peers[id]
	if !ok || len(rec.uuid) == 0 {
		return Snapshot{}, false
	}
	return rec.snapshot(id), true
}

// Touch records a fresh observation of id at addr (RegisterPeer/heartbeat
// path); it never mutates identity.
func (d *Directory) Touch(id string, addr net.Addr) {
	s := d.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.peers[id]
	if !ok {
		rec = &record{}
		s.peers[id] = rec
	}
	rec.addr = addr
	rec.lastSeen = d.clk.Now()
}

// SetLocalAddr stores a peer's self-reported LAN address for the
// same-network short circuit.
func (d *Directory) SetLocalAddr(id, localAddr string) {
	s := d.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.peers[id]; ok {
		rec.localAddr = localAddr
	}
}

// Restore seeds a record loaded from persistent storage. It refuses to
// overwrite a resident entry.
func (d *Directory) Restore(id string, uuid, publicKey []byte, addr net.Addr, lastSeen time.Time) {
	s := d.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; ok {
		return
	}
	s.peers[id] = &record{
		uuid:      append([]byte(nil), uuid...),
		publicKey: append([]byte(nil), publicKey...),
		addr:      addr,
		lastSeen:  lastSeen,
	}
}

// Len returns the number of resident entries.
func (d *Directory) Len() int {
	n := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.RLock()
		n += len(s.peers)
		s.mu.RUnlock()
	}
	return n
}

// Snapshot copies every bound record, for dashboard queries.
func (d *Directory) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, d.Len())
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.RLock()
		for id, rec := range s.peers {
			if len(rec.uuid) == 0 {
				continue
			}
			out = append(out, rec.snapshot(id))
		}
		s.mu.RUnlock()
	}
	return out
}

// EvictStale removes entries idle longer than the configured retention and
// returns how many were dropped. A no-op when retention is unset.
func (d *Directory) EvictStale() int {
	if d.retention <= 0 {
		return 0
	}
	cutoff := d.clk.Now().Add(-d.retention)
	evicted := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		for id, rec := range s.peers {
			if rec.lastSeen.Before(cutoff) {
				delete(s.peers, id)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		log.Printf("INFO: directory evicted %d stale peer(s)", evicted)
	}
	return evicted
}

func (r *record) snapshot(id string) Snapshot {
	return Snapshot{
		ID:        id,
		UUID:      append([]byte(nil), r.uuid...),
		PublicKey: append([]byte(nil), r.publicKey...),
		Addr:      r.addr,
		LocalAddr: r.localAddr,
		LastSeen:  r.lastSeen,
	}
}

func sameIP(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return ipOf(a).Equal(ipOf(b))
}

func ipOf(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return "<none>"
	}
	return addr.String()
}
