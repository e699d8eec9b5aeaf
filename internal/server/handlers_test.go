package server

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/ljhlovehui/rustdesk-server/internal/config"
	"github.com/ljhlovehui/rustdesk-server/internal/directory"
	"github.com/ljhlovehui/rustdesk-server/internal/protocol"
	"github.com/ljhlovehui/rustdesk-server/internal/relay"
	"github.com/ljhlovehui/rustdesk-server/internal/security"
	"github.com/ljhlovehui/rustdesk-server/internal/session"
	"github.com/ljhlovehui/rustdesk-server/internal/storage"
)

var (
	uuidA = bytes.Repeat([]byte{0x11}, protocol.UUIDLength)
	uuidB = bytes.Repeat([]byte{0x22}, protocol.UUIDLength)
	pkA   = bytes.Repeat([]byte{0xaa}, protocol.PublicKeyLength)
	pkB   = bytes.Repeat([]byte{0xbb}, protocol.PublicKeyLength)
)

type fixture struct {
	h      *handler
	events chan event
	mock   *clock.Mock
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()
	cfg := &config.Config{
		Port:              21116,
		Serial:            3,
		RendezvousServers: "hub1.example.com,hub2.example.com",
		LicenseKey:        "sekrit",
		Mask:              "192.168.0.0/16",
	}
	if mutate != nil {
		mutate(cfg)
	}
	mock := clock.NewMock()
	dir := directory.New(directory.WithClock(mock))
	pool := relay.NewPool(cfg.RelayServerList())
	sessions := session.NewTracker(nil, nil, 8*time.Hour, time.Hour, session.WithClock(mock))
	events := make(chan event, 128)
	h := newHandler(cfg, dir, pool, security.NewGuard(), nil, sessions, events)
	h.clk = mock
	return &fixture{h: h, events: events, mock: mock}
}

type recorder struct {
	mu      sync.Mutex
	addr    net.Addr
	replies []*protocol.Envelope
}

func (r *recorder) Reply(env *protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, env)
}

func (r *recorder) RemoteAddr() net.Addr { return r.addr }

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replies)
}

func (r *recorder) last(t *testing.T) *protocol.Envelope {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.replies)
	return r.replies[len(r.replies)-1]
}

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return addr
}

func envRegisterPk(id string, uuid, pk []byte) *protocol.Envelope {
	return &protocol.Envelope{RegisterPk: &protocol.RegisterPk{ID: id, UUID: uuid, PublicKey: pk}}
}

func envPunch(target, key string) *protocol.Envelope {
	return &protocol.Envelope{PunchHoleRequest: &protocol.PunchHoleRequest{TargetID: target, LicenceKey: key}}
}

func (f *fixture) register(t *testing.T, id string, uuid, pk []byte, addr string) *recorder {
	t.Helper()
	rec := &recorder{addr: udpAddr(t, addr)}
	f.h.dispatch(context.Background(), envRegisterPk(id, uuid, pk), rec)
	return rec
}

func (f *fixture) drainEvent(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected a mailbox event")
		return event{}
	}
}

func TestRegisterThenPunchReturnsObservedAddr(t *testing.T) {
	f := newFixture(t, nil)

	reg := f.register(t, "alice9", uuidA, pkA, "203.0.113.5:42000")
	require.Equal(t, protocol.RegisterOK, reg.last(t).RegisterPkResponse.Result)

	bob := &recorder{addr: udpAddr(t, "198.51.100.7:53000")}
	f.h.dispatch(context.Background(), envPunch("alice9", "sekrit"), bob)

	pr := bob.last(t).PunchHoleResponse
	require.NotNil(t, pr)
	require.Equal(t, protocol.PunchOK, pr.Failure)
	require.Equal(t, "203.0.113.5:42000", pr.Addr)

	// The target is told to punch toward the requester.
	ev := f.drainEvent(t)
	require.Equal(t, evSendUDP, ev.kind)
	require.Equal(t, "203.0.113.5:42000", ev.addr.String())
	require.NotNil(t, ev.env.PunchHole)
	require.Equal(t, "198.51.100.7:53000", ev.env.PunchHole.Addr)
}

func TestPunchLicenseGatePrecedesLookup(t *testing.T) {
	f := newFixture(t, nil)

	// The target does not exist, but an invalid key must not learn that.
	rec := &recorder{addr: udpAddr(t, "198.51.100.7:53000")}
	f.h.dispatch(context.Background(), envPunch("no-such-peer", "wrong"), rec)

	pr := rec.last(t).PunchHoleResponse
	require.Equal(t, protocol.PunchLicenseMismatch, pr.Failure)
	require.Empty(t, pr.Addr)
}

func TestPunchUnknownTarget(t *testing.T) {
	f := newFixture(t, nil)

	rec := &recorder{addr: udpAddr(t, "198.51.100.7:53000")}
	f.h.dispatch(context.Background(), envPunch("no-such-peer", "sekrit"), rec)

	// Cold lookups resolve on a spawned goroutine.
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, protocol.PunchIDNotExist, rec.last(t).PunchHoleResponse.Failure)
}

func TestPunchStaleRegistrationIsOffline(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "alice9", uuidA, pkA, "203.0.113.5:42000")

	f.mock.Add(registeredStaleAfter + time.Second)

	rec := &recorder{addr: udpAddr(t, "198.51.100.7:53000")}
	f.h.dispatch(context.Background(), envPunch("alice9", "sekrit"), rec)
	require.Equal(t, protocol.PunchOffline, rec.last(t).PunchHoleResponse.Failure)
}

func TestHeartbeatKeepsPeerOnline(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.register(t, "alice9", uuidA, pkA, "203.0.113.5:42000")

	f.mock.Add(registeredStaleAfter - 5*time.Second)
	f.h.dispatch(context.Background(), &protocol.Envelope{Heartbeat: &protocol.Heartbeat{ID: "alice9"}}, alice)
	f.mock.Add(registeredStaleAfter - 5*time.Second)

	rec := &recorder{addr: udpAddr(t, "198.51.100.7:53000")}
	f.h.dispatch(context.Background(), envPunch("alice9", "sekrit"), rec)
	require.Equal(t, protocol.PunchOK, rec.last(t).PunchHoleResponse.Failure)
}

func TestRegisterPkRejectsImpersonation(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "alice9", uuidA, pkA, "203.0.113.5:42000")

	// Same uuid, but key and network both change at once.
	rec := f.register(t, "alice9", uuidA, pkB, "198.51.100.9:40000")
	require.Equal(t, protocol.RegisterUUIDMismatch, rec.last(t).RegisterPkResponse.Result)

	// A key rotation from the same network is allowed.
	rec = f.register(t, "alice9", uuidA, pkB, "203.0.113.5:42001")
	require.Equal(t, protocol.RegisterOK, rec.last(t).RegisterPkResponse.Result)
}

func TestRegisterPkRejectsForeignUUID(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "alice9", uuidA, pkA, "203.0.113.5:42000")

	rec := f.register(t, "alice9", uuidB, pkA, "203.0.113.5:42000")
	require.Equal(t, protocol.RegisterUUIDMismatch, rec.last(t).RegisterPkResponse.Result)
}

func TestRegisterPkRejectsShortID(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.register(t, "abc", uuidA, pkA, "203.0.113.5:42000")
	require.Equal(t, protocol.RegisterUUIDMismatch, rec.last(t).RegisterPkResponse.Result)
}

func TestRegisterPkRateLimited(t *testing.T) {
	f := newFixture(t, nil)

	var last *recorder
	for i := 0; i < 7; i++ {
		last = f.register(t, "alice9", uuidA, pkA, "203.0.113.5:42000")
	}
	require.Equal(t, protocol.RegisterTooFrequent, last.last(t).RegisterPkResponse.Result)
}

func TestPunchAlwaysRelay(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.AlwaysUseRelay = true
		cfg.RelayServers = "relay1.example.com:21117,relay2.example.com:21117"
	})
	f.register(t, "alice9", uuidA, pkA, "203.0.113.5:42000")

	rec := &recorder{addr: udpAddr(t, "198.51.100.7:53000")}
	f.h.dispatch(context.Background(), envPunch("alice9", "sekrit"), rec)

	pr := rec.last(t).PunchHoleResponse
	require.Empty(t, pr.Addr)
	require.NotEmpty(t, pr.RelayServer)

	ev := f.drainEvent(t)
	require.Equal(t, pr.RelayServer, ev.env.PunchHole.RelayServer)
}

func TestPunchSameLANDisclosesLocalAddr(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.register(t, "alice9", uuidA, pkA, "192.168.1.5:40000")
	f.h.dispatch(context.Background(), &protocol.Envelope{LocalAddr: &protocol.LocalAddr{
		ID: "alice9", LocalAddr: "10.0.0.12:21118",
	}}, alice)

	rec := &recorder{addr: udpAddr(t, "192.168.2.9:50000")}
	f.h.dispatch(context.Background(), envPunch("alice9", "sekrit"), rec)

	la := rec.last(t).LocalAddr
	require.NotNil(t, la)
	require.Equal(t, "10.0.0.12:21118", la.LocalAddr)

	// An outside requester still gets the observed address.
	outside := &recorder{addr: udpAddr(t, "198.51.100.7:53000")}
	f.h.dispatch(context.Background(), envPunch("alice9", "sekrit"), outside)
	require.Equal(t, "192.168.1.5:40000", outside.last(t).PunchHoleResponse.Addr)
	drainAll(f.events)
}

func TestPunchHoleSentForwardedToRequester(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "alice9", uuidA, pkA, "203.0.113.5:42000")

	bob := &recorder{addr: udpAddr(t, "198.51.100.7:53000")}
	f.h.dispatch(context.Background(), envPunch("alice9", "sekrit"), bob)
	require.Equal(t, 1, bob.count())

	// Alice acknowledges from a fresh source port.
	alice := &recorder{addr: udpAddr(t, "203.0.113.5:42007")}
	f.h.dispatch(context.Background(), &protocol.Envelope{PunchHoleSent: &protocol.PunchHoleSent{
		Addr: "198.51.100.7:53000", ID: "alice9",
	}}, alice)

	require.Equal(t, 2, bob.count())
	require.Equal(t, "203.0.113.5:42007", bob.last(t).PunchHoleResponse.Addr)

	// A second acknowledgement finds no pending requester.
	f.h.dispatch(context.Background(), &protocol.Envelope{PunchHoleSent: &protocol.PunchHoleSent{
		Addr: "198.51.100.7:53000",
	}}, alice)
	require.Equal(t, 2, bob.count())
	drainAll(f.events)
}

func TestTestNatEchoesObservedPort(t *testing.T) {
	f := newFixture(t, nil)

	rec := &recorder{addr: &net.TCPAddr{IP: net.ParseIP("203.0.113.5"), Port: 48123}}
	f.h.dispatch(context.Background(), &protocol.Envelope{TestNatRequest: &protocol.TestNatRequest{Serial: 1}}, rec)

	tn := rec.last(t).TestNatResponse
	require.NotNil(t, tn)
	require.Equal(t, int32(48123), tn.Port)
	require.NotNil(t, tn.ConfigUpdate)
	require.Equal(t, int32(3), tn.ConfigUpdate.Serial)
	require.Equal(t, []string{"hub1.example.com", "hub2.example.com"}, tn.ConfigUpdate.RendezvousServers)
}

func TestRegisterPeerConfigUpdateOnStaleSerial(t *testing.T) {
	f := newFixture(t, nil)

	stale := &recorder{addr: udpAddr(t, "203.0.113.5:42000")}
	f.h.dispatch(context.Background(), &protocol.Envelope{RegisterPeer: &protocol.RegisterPeer{ID: "alice9", Serial: 1}}, stale)
	require.Equal(t, 1, stale.count())
	require.NotNil(t, stale.last(t).ConfigUpdate)

	current := &recorder{addr: udpAddr(t, "203.0.113.5:42000")}
	f.h.dispatch(context.Background(), &protocol.Envelope{RegisterPeer: &protocol.RegisterPeer{ID: "alice9", Serial: 3}}, current)
	require.Equal(t, 0, current.count())
}

func TestPunchLicenseDisabled(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.LicenseKey = "-" })
	f.register(t, "alice9", uuidA, pkA, "203.0.113.5:42000")

	rec := &recorder{addr: udpAddr(t, "198.51.100.7:53000")}
	f.h.dispatch(context.Background(), envPunch("alice9", ""), rec)
	require.Equal(t, protocol.PunchOK, rec.last(t).PunchHoleResponse.Failure)
	drainAll(f.events)
}

func TestColdLookupRestoresFromStore(t *testing.T) {
	f := newFixture(t, nil)
	store := &stubStore{device: &storage.Device{
		ID:         "alice9",
		UUID:       uuidA,
		PublicKey:  pkA,
		IPAddress:  "203.0.113.5",
		LastOnline: f.mock.Now().Add(-time.Hour),
	}}
	f.h.store = store

	rec := &recorder{addr: udpAddr(t, "198.51.100.7:53000")}
	f.h.dispatch(context.Background(), envPunch("alice9", "sekrit"), rec)

	// The peer is known but long gone, so the punch reports offline rather
	// than unknown.
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, protocol.PunchOffline, rec.last(t).PunchHoleResponse.Failure)
	require.Equal(t, 1, store.loads())
}

type stubStore struct {
	mu     sync.Mutex
	device *storage.Device
	loaded int
}

func (s *stubStore) RegisterDevice(ctx context.Context, dev *storage.Device) error { return nil }

func (s *stubStore) LoadDevice(ctx context.Context, id string) (*storage.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded++
	if s.device != nil && s.device.ID == id {
		return s.device, nil
	}
	return nil, nil
}

func (s *stubStore) LogAudit(ctx context.Context, entry *storage.AuditEntry) error { return nil }

func (s *stubStore) loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

func drainAll(ch chan event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
