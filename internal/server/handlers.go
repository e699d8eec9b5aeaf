package server

import (
	"context"
	"log"
	"net"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/ljhlovehui/rustdesk-server/internal/config"
	"github.com/ljhlovehui/rustdesk-server/internal/directory"
	"github.com/ljhlovehui/rustdesk-server/internal/metrics"
	"github.com/ljhlovehui/rustdesk-server/internal/protocol"
	"github.com/ljhlovehui/rustdesk-server/internal/relay"
	"github.com/ljhlovehui/rustdesk-server/internal/security"
	"github.com/ljhlovehui/rustdesk-server/internal/session"
	"github.com/ljhlovehui/rustdesk-server/internal/storage"
)

const (
	// registeredStaleAfter bounds how stale a peer's registration may be
	// before punch requests report it offline.
	registeredStaleAfter = 30 * time.Second

	// pendingPunchTTL bounds how long a punch acknowledgement is awaited.
	pendingPunchTTL = 30 * time.Second

	pendingPunchCap = 4096
)

// Store is the slice of the persistence layer the handler needs. A nil
// Store runs the server memory-only.
type Store interface {
	RegisterDevice(ctx context.Context, dev *storage.Device) error
	LoadDevice(ctx context.Context, id string) (*storage.Device, error)
	LogAudit(ctx context.Context, entry *storage.AuditEntry) error
}

// responder abstracts the reply path so the same handlers serve UDP
// datagrams, framed TCP connections, and WebSocket connections.
type responder interface {
	Reply(env *protocol.Envelope)
	RemoteAddr() net.Addr
}

// udpResponder replies through the event mailbox so the UDP socket keeps a
// single writer.
type udpResponder struct {
	h    *handler
	addr net.Addr
}

func (r udpResponder) Reply(env *protocol.Envelope) {
	r.h.sendUDP(r.addr, env)
}

func (r udpResponder) RemoteAddr() net.Addr { return r.addr }

// handler implements the rendezvous protocol over any transport.
type handler struct {
	serial            int32
	rendezvousServers []string
	licenseKey        string
	licenseEnabled    bool
	alwaysRelay       bool
	lanMask           *net.IPNet

	dir      *directory.Directory
	pool     *relay.Pool
	guard    *security.Guard
	store    Store
	sessions *session.Tracker
	events   chan<- event

	sf      singleflight.Group
	pending *expirable.LRU[string, responder]
	clk     clock.Clock
}

func newHandler(cfg *config.Config, dir *directory.Directory, pool *relay.Pool, guard *security.Guard, store Store, sessions *session.Tracker, events chan<- event) *handler {
	return &handler{
		serial:            cfg.Serial,
		rendezvousServers: cfg.RendezvousServerList(),
		licenseKey:        cfg.LicenseKey,
		licenseEnabled:    cfg.LicenseEnabled(),
		alwaysRelay:       cfg.AlwaysUseRelay,
		lanMask:           cfg.LANMask(),
		dir:               dir,
		pool:              pool,
		guard:             guard,
		store:             store,
		sessions:          sessions,
		events:            events,
		pending:           expirable.NewLRU[string, responder](pendingPunchCap, nil, pendingPunchTTL),
		clk:               clock.New(),
	}
}

func (h *handler) handleDatagram(ctx context.Context, data []byte, addr *net.UDPAddr) {
	env, err := protocol.Unmarshal(data)
	if err != nil {
		log.Printf("WARN: dropping malformed datagram from %s: %v", addr, err)
		return
	}
	h.dispatch(ctx, env, udpResponder{h: h, addr: addr})
}

// dispatch routes one inbound envelope. Unknown or client-bound message
// kinds are ignored.
func (h *handler) dispatch(ctx context.Context, env *protocol.Envelope, resp responder) {
	switch {
	case env.RegisterPeer != nil:
		h.handleRegisterPeer(env.RegisterPeer, resp)
	case env.RegisterPk != nil:
		h.handleRegisterPk(ctx, env.RegisterPk, resp)
	case env.PunchHoleRequest != nil:
		h.handlePunchHoleRequest(ctx, env.PunchHoleRequest, resp)
	case env.PunchHoleSent != nil:
		h.handlePunchHoleSent(env.PunchHoleSent, resp)
	case env.LocalAddr != nil:
		h.handleLocalAddr(env.LocalAddr, resp)
	case env.TestNatRequest != nil:
		h.handleTestNat(env.TestNatRequest, resp)
	case env.Heartbeat != nil:
		h.handleHeartbeat(env.Heartbeat, resp)
	}
}

// handleRegisterPeer refreshes the peer's observed address and pushes the
// current configuration when the client's serial is behind.
func (h *handler) handleRegisterPeer(rp *protocol.RegisterPeer, resp responder) {
	if rp.ID == "" {
		return
	}
	h.dir.Touch(rp.ID, resp.RemoteAddr())
	h.sessions.Touch(rp.ID)
	if rp.Serial < h.serial {
		resp.Reply(&protocol.Envelope{ConfigUpdate: &protocol.ConfigUpdate{
			Serial:            h.serial,
			RendezvousServers: h.rendezvousServers,
		}})
	}
}

// handleRegisterPk binds a peer id to its uuid/public-key identity. The
// binding is first-come-first-served: once an id carries a uuid, a
// different uuid is rejected, and a simultaneous change of both source
// address and public key under the same uuid is rejected as impersonation.
func (h *handler) handleRegisterPk(ctx context.Context, req *protocol.RegisterPk, resp responder) {
	ip := hostOf(resp.RemoteAddr())
	if h.guard.IsBlocked(ip) {
		return
	}

	if len(req.ID) < protocol.MinIDLength ||
		len(req.UUID) != protocol.UUIDLength ||
		len(req.PublicKey) != protocol.PublicKeyLength {
		h.replyRegister(resp, protocol.RegisterUUIDMismatch)
		return
	}
	if !h.guard.Allow(ip, req.ID) {
		h.replyRegister(resp, protocol.RegisterTooFrequent)
		return
	}

	switch h.dir.TryBind(req.ID, req.UUID, req.PublicKey, resp.RemoteAddr()) {
	case directory.BindAccepted:
		h.sessions.CreateSession(req.ID, "")
		metrics.ActiveSessions.Set(float64(h.sessions.Len()))
		go h.persistDevice(req, ip)
		h.replyRegister(resp, protocol.RegisterOK)
	case directory.BindUnchanged:
		h.replyRegister(resp, protocol.RegisterOK)
	case directory.BindIdentityMismatch:
		log.Printf("WARN: rejected identity change for %s from %s", req.ID, ip)
		go h.auditRejection(req.ID, ip)
		h.replyRegister(resp, protocol.RegisterUUIDMismatch)
	}
	metrics.PeersResident.Set(float64(h.dir.Len()))
}

func (h *handler) replyRegister(resp responder, result protocol.RegisterResult) {
	metrics.Registrations.WithLabelValues(result.String()).Inc()
	resp.Reply(&protocol.Envelope{RegisterPkResponse: &protocol.RegisterPkResponse{Result: result}})
}

func (h *handler) persistDevice(req *protocol.RegisterPk, ip string) {
	if h.store == nil {
		return
	}
	dev := &storage.Device{
		ID:         req.ID,
		UUID:       req.UUID,
		PublicKey:  req.PublicKey,
		IPAddress:  ip,
		LastOnline: h.clk.Now(),
		Enabled:    true,
	}
	if err := h.store.RegisterDevice(context.Background(), dev); err != nil {
		log.Printf("WARN: persist device %s: %v", req.ID, err)
	}
}

func (h *handler) auditRejection(id, ip string) {
	if h.store == nil {
		return
	}
	err := h.store.LogAudit(context.Background(), &storage.AuditEntry{
		DeviceID:  id,
		Action:    "register_pk_rejected",
		Details:   "identity mismatch",
		IPAddress: ip,
		Success:   false,
	})
	if err != nil {
		log.Printf("WARN: audit write for %s: %v", id, err)
	}
}

// handlePunchHoleRequest brokers a connection toward TargetID. The license
// gate runs before any directory lookup so an invalid key learns nothing
// about which ids exist. Resident targets resolve on the event loop; cold
// ids resolve on a spawned goroutine so a slow database read cannot stall
// other traffic.
func (h *handler) handlePunchHoleRequest(ctx context.Context, req *protocol.PunchHoleRequest, resp responder) {
	if h.licenseEnabled && req.LicenceKey != h.licenseKey {
		metrics.PunchRequests.WithLabelValues("license_mismatch").Inc()
		resp.Reply(punchFailure(protocol.PunchLicenseMismatch))
		return
	}
	if req.TargetID == "" {
		metrics.PunchRequests.WithLabelValues("id_not_exist").Inc()
		resp.Reply(punchFailure(protocol.PunchIDNotExist))
		return
	}

	if h.dir.IsResident(req.TargetID) {
		h.completePunch(req, resp)
		return
	}
	go func() {
		defer logPanic("punch resolve")
		h.resolveCold(req.TargetID)
		h.completePunch(req, resp)
	}()
}

// resolveCold restores a target from persistent storage into the
// directory. Concurrent misses for the same id share one database read.
func (h *handler) resolveCold(id string) {
	h.sf.Do(id, func() (interface{}, error) {
		if h.store == nil || h.dir.IsResident(id) {
			return nil, nil
		}
		dev, err := h.store.LoadDevice(context.Background(), id)
		if err != nil {
			log.Printf("WARN: load device %s: %v", id, err)
			return nil, nil
		}
		if dev == nil || len(dev.UUID) != protocol.UUIDLength {
			return nil, nil
		}
		addr := &net.UDPAddr{IP: net.ParseIP(dev.IPAddress)}
		h.dir.Restore(dev.ID, dev.UUID, dev.PublicKey, addr, dev.LastOnline)
		return nil, nil
	})
}

func (h *handler) completePunch(req *protocol.PunchHoleRequest, resp responder) {
	snap, ok := h.dir.Lookup(req.TargetID)
	if !ok {
		metrics.PunchRequests.WithLabelValues("id_not_exist").Inc()
		resp.Reply(punchFailure(protocol.PunchIDNotExist))
		return
	}
	if h.clk.Now().Sub(snap.LastSeen) > registeredStaleAfter {
		metrics.PunchRequests.WithLabelValues("offline").Inc()
		resp.Reply(punchFailure(protocol.PunchOffline))
		return
	}

	reqAddr := resp.RemoteAddr()

	if h.sameLAN(reqAddr, snap.Addr) && snap.LocalAddr != "" {
		metrics.PunchRequests.WithLabelValues("local").Inc()
		resp.Reply(&protocol.Envelope{LocalAddr: &protocol.LocalAddr{
			ID:        req.TargetID,
			LocalAddr: snap.LocalAddr,
		}})
		return
	}

	if h.alwaysRelay {
		rs, err := h.pool.RotateNext()
		if err == nil {
			metrics.RelayRotations.Inc()
			metrics.PunchRequests.WithLabelValues("relay").Inc()
			h.sendUDP(snap.Addr, &protocol.Envelope{PunchHole: &protocol.PunchHole{
				Addr:        reqAddr.String(),
				RelayServer: rs,
				NATType:     req.NATType,
			}})
			resp.Reply(&protocol.Envelope{PunchHoleResponse: &protocol.PunchHoleResponse{RelayServer: rs}})
			return
		}
		log.Printf("WARN: relay requested but pool empty, falling back to direct punch")
	}

	// Direct path: tell the target to punch toward the requester, give the
	// requester the target's observed address, and keep the requester
	// reachable for the target's acknowledgement.
	metrics.PunchRequests.WithLabelValues("direct").Inc()
	h.pending.Add(reqAddr.String(), resp)
	h.sendUDP(snap.Addr, &protocol.Envelope{PunchHole: &protocol.PunchHole{
		Addr:    reqAddr.String(),
		NATType: req.NATType,
	}})
	resp.Reply(&protocol.Envelope{PunchHoleResponse: &protocol.PunchHoleResponse{Addr: snap.Addr.String()}})
}

// handlePunchHoleSent forwards the target's acknowledgement back to the
// requester it punched toward, refining the requester's view with the
// address the server observed for the target.
func (h *handler) handlePunchHoleSent(sent *protocol.PunchHoleSent, resp responder) {
	requester, ok := h.pending.Get(sent.Addr)
	if !ok {
		return
	}
	h.pending.Remove(sent.Addr)
	requester.Reply(&protocol.Envelope{PunchHoleResponse: &protocol.PunchHoleResponse{
		Addr:        resp.RemoteAddr().String(),
		RelayServer: sent.RelayServer,
	}})
}

func (h *handler) handleLocalAddr(la *protocol.LocalAddr, resp responder) {
	if la.ID == "" || la.LocalAddr == "" {
		return
	}
	h.dir.SetLocalAddr(la.ID, la.LocalAddr)
}

// handleTestNat echoes the source port the server observed so the client
// can compare ports across probes and classify its NAT.
func (h *handler) handleTestNat(req *protocol.TestNatRequest, resp responder) {
	out := &protocol.TestNatResponse{Port: int32(portOf(resp.RemoteAddr()))}
	if req.Serial < h.serial {
		out.ConfigUpdate = &protocol.ConfigUpdate{
			Serial:            h.serial,
			RendezvousServers: h.rendezvousServers,
		}
	}
	resp.Reply(&protocol.Envelope{TestNatResponse: out})
}

func (h *handler) handleHeartbeat(hb *protocol.Heartbeat, resp responder) {
	if hb.ID == "" {
		return
	}
	h.dir.Touch(hb.ID, resp.RemoteAddr())
	h.sessions.Touch(hb.ID)
}

func (h *handler) sameLAN(a, b net.Addr) bool {
	if h.lanMask == nil {
		return false
	}
	ipA := net.ParseIP(hostOf(a))
	ipB := net.ParseIP(hostOf(b))
	return ipA != nil && ipB != nil && h.lanMask.Contains(ipA) && h.lanMask.Contains(ipB)
}

// sendUDP queues an outbound datagram. The send never blocks: the mailbox
// is drained by the same loop that dispatches inbound traffic, so blocking
// here could wedge the loop against itself.
func (h *handler) sendUDP(addr net.Addr, env *protocol.Envelope) {
	select {
	case h.events <- event{kind: evSendUDP, env: env, addr: addr}:
	default:
		log.Printf("WARN: event mailbox full, dropping message to %s", addr)
	}
}

func punchFailure(f protocol.PunchFailure) *protocol.Envelope {
	return &protocol.Envelope{PunchHoleResponse: &protocol.PunchHoleResponse{Failure: f}}
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func portOf(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.Port
	case *net.TCPAddr:
		return a.Port
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	p, _ := net.LookupPort("tcp", port)
	return p
}

func logPanic(what string) {
	if r := recover(); r != nil {
		log.Printf("ERROR: panic in %s: %v\n%s", what, r, debug.Stack())
	}
}
