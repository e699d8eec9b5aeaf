package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/ljhlovehui/rustdesk-server/internal/config"
	"github.com/ljhlovehui/rustdesk-server/internal/directory"
	"github.com/ljhlovehui/rustdesk-server/internal/metrics"
	"github.com/ljhlovehui/rustdesk-server/internal/protocol"
	"github.com/ljhlovehui/rustdesk-server/internal/relay"
	"github.com/ljhlovehui/rustdesk-server/internal/security"
	"github.com/ljhlovehui/rustdesk-server/internal/session"
)

const (
	// checkRelayInterval paces the relay health probe.
	checkRelayInterval = 3 * time.Second

	// evictEvery spaces directory retention sweeps in units of relay ticks.
	evictEvery = 200

	udpReadBufferSize = 64 * 1024
)

// loopFailure identifies which transport resource failed and must be
// recreated. Shutdown is a pseudo-failure used to leave the loop cleanly.
type loopFailure int

const (
	failShutdown loopFailure = iota
	failUDPSocket
	failListener
	failListenerNat
	failListenerWS
)

func (f loopFailure) String() string {
	switch f {
	case failUDPSocket:
		return "udp_socket"
	case failListener:
		return "tcp_listener"
	case failListenerNat:
		return "nat_listener"
	case failListenerWS:
		return "ws_listener"
	}
	return "shutdown"
}

// Server is the transport supervisor: one event loop multiplexing the UDP
// socket, three TCP-family listeners, the internal event mailbox, and the
// relay probe timer. A failure in any single resource causes exactly that
// resource to be dropped and recreated; the loop then resumes.
type Server struct {
	cfg     *config.Config
	pool    *relay.Pool
	handler *handler
	events  chan event

	// Resource constructors, replaceable in tests.
	bindUDP      func() (*udpSource, error)
	bindListener func(port int) (*acceptSource, error)
}

// New wires a Server over its collaborators.
func New(cfg *config.Config, dir *directory.Directory, pool *relay.Pool, guard *security.Guard, store Store, sessions *session.Tracker) *Server {
	events := make(chan event, 1024)
	s := &Server{
		cfg:     cfg,
		pool:    pool,
		events:  events,
		handler: newHandler(cfg, dir, pool, guard, store, sessions, events),
	}
	s.bindUDP = func() (*udpSource, error) { return openUDP(cfg.Port, cfg.RmemBytes) }
	s.bindListener = func(port int) (*acceptSource, error) { return openListener(port) }
	return s
}

// Run binds all four transport resources and supervises the event loop
// until ctx is cancelled. A resource that fails is recreated in place; an
// error binding (or rebinding) any resource is fatal and returned.
func (s *Server) Run(ctx context.Context) error {
	udp, err := s.bindUDP()
	if err != nil {
		return fmt.Errorf("bind udp :%d: %w", s.cfg.Port, err)
	}
	defer func() { udp.Close() }()

	lnMain, err := s.bindListener(s.cfg.Port)
	if err != nil {
		return fmt.Errorf("bind tcp :%d: %w", s.cfg.Port, err)
	}
	defer func() { lnMain.Close() }()

	lnNat, err := s.bindListener(s.cfg.NATPort())
	if err != nil {
		return fmt.Errorf("bind nat tcp :%d: %w", s.cfg.NATPort(), err)
	}
	defer func() { lnNat.Close() }()

	lnWS, err := s.bindListener(s.cfg.WSPort())
	if err != nil {
		return fmt.Errorf("bind ws tcp :%d: %w", s.cfg.WSPort(), err)
	}
	defer func() { lnWS.Close() }()

	log.Printf("INFO: listening on udp/tcp :%d, nat test tcp :%d, websocket :%d",
		s.cfg.Port, s.cfg.NATPort(), s.cfg.WSPort())

	for {
		failure := s.ioLoop(ctx, udp, lnMain, lnNat, lnWS)
		if failure == failShutdown {
			return nil
		}

		log.Printf("WARN: transport resource %s failed, recreating", failure)
		metrics.ResourceRebuilds.WithLabelValues(failure.String()).Inc()

		switch failure {
		case failUDPSocket:
			udp.Close()
			if udp, err = s.bindUDP(); err != nil {
				return fmt.Errorf("recreate udp :%d: %w", s.cfg.Port, err)
			}
		case failListener:
			lnMain.Close()
			if lnMain, err = s.bindListener(s.cfg.Port); err != nil {
				return fmt.Errorf("recreate tcp :%d: %w", s.cfg.Port, err)
			}
		case failListenerNat:
			lnNat.Close()
			if lnNat, err = s.bindListener(s.cfg.NATPort()); err != nil {
				return fmt.Errorf("recreate nat tcp :%d: %w", s.cfg.NATPort(), err)
			}
		case failListenerWS:
			lnWS.Close()
			if lnWS, err = s.bindListener(s.cfg.WSPort()); err != nil {
				return fmt.Errorf("recreate ws tcp :%d: %w", s.cfg.WSPort(), err)
			}
		}
	}
}

// ioLoop is the single multiplexed event loop. It never blocks outside its
// select arms; everything else is handed to a spawned goroutine.
func (s *Server) ioLoop(ctx context.Context, udp *udpSource, lnMain, lnNat, lnWS *acceptSource) loopFailure {
	probeTicker := time.NewTicker(checkRelayInterval)
	defer probeTicker.Stop()
	tick := 0

	for {
		select {
		case <-ctx.Done():
			return failShutdown

		case <-probeTicker.C:
			if s.pool.Size() > 1 {
				go s.pool.ProbeAll(ctx)
			}
			tick++
			if tick%evictEvery == 0 {
				s.handler.dir.EvictStale()
				metrics.PeersResident.Set(float64(s.handler.dir.Len()))
			}

		case ev := <-s.events:
			s.handleEvent(udp, ev)

		case pkt := <-udp.packets:
			if pkt.err != nil {
				log.Printf("ERROR: udp receive failed: %v", pkt.err)
				return failUDPSocket
			}
			s.handler.handleDatagram(ctx, pkt.data, pkt.addr)

		case res := <-lnNat.conns:
			if res.err != nil {
				log.Printf("ERROR: nat listener accept failed: %v", res.err)
				return failListenerNat
			}
			setNoDelay(res.conn)
			go s.handler.serveNatProbe(res.conn)

		case res := <-lnWS.conns:
			if res.err != nil {
				log.Printf("ERROR: ws listener accept failed: %v", res.err)
				return failListenerWS
			}
			setNoDelay(res.conn)
			go s.handler.serveWebSocket(ctx, res.conn)

		case res := <-lnMain.conns:
			if res.err != nil {
				log.Printf("ERROR: tcp listener accept failed: %v", res.err)
				return failListener
			}
			setNoDelay(res.conn)
			go s.handler.serveStream(ctx, res.conn)
		}
	}
}

// handleEvent drains one mailbox entry. Outbound UDP writes happen here so
// the socket has a single writer.
func (s *Server) handleEvent(udp *udpSource, ev event) {
	switch ev.kind {
	case evSendUDP:
		payload, err := protocol.Marshal(ev.env)
		if err != nil {
			log.Printf("ERROR: marshal outbound udp message: %v", err)
			return
		}
		if err := udp.WriteTo(payload, ev.addr); err != nil {
			log.Printf("WARN: udp send to %s failed: %v", ev.addr, err)
		}
	case evRelayReparse:
		s.pool.ReplaceList(config.SplitList(ev.relayList))
		log.Printf("INFO: relay list reconfigured: %v", s.pool.Addrs())
	case evRelayReplace:
		s.pool.ReplaceList(ev.relays)
		log.Printf("INFO: relay list replaced: %v", s.pool.Addrs())
	}
}

// PostRelayList queues an operator reconfiguration of the relay pool.
func (s *Server) PostRelayList(raw string) {
	s.events <- event{kind: evRelayReparse, relayList: raw}
}

func setNoDelay(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
}
