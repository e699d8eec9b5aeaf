package server

import (
	"fmt"
	"net"

	"github.com/ljhlovehui/rustdesk-server/internal/protocol"
)

// eventKind discriminates the mailbox event union. Exactly one payload
// field of event is meaningful per kind.
type eventKind int

const (
	// evSendUDP carries an outbound datagram: env + addr.
	evSendUDP eventKind = iota
	// evRelayReparse carries a raw comma-separated relay list: relayList.
	evRelayReparse
	// evRelayReplace carries an already-split relay list: relays.
	evRelayReplace
)

type event struct {
	kind      eventKind
	env       *protocol.Envelope
	addr      net.Addr
	relayList string
	relays    []string
}

type udpPacket struct {
	data []byte
	addr *net.UDPAddr
	err  error
}

// udpSource owns a UDP socket and pumps datagrams into a channel so the
// event loop can select over them. The reader goroutine exits after the
// first receive error; the supervisor recreates the whole source.
type udpSource struct {
	conn    *net.UDPConn
	packets chan udpPacket

	// write overrides the socket write when set.
	write func(payload []byte, addr net.Addr) error
}

func openUDP(port, rmemBytes int) (*udpSource, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	if rmemBytes > 0 {
		if err := conn.SetReadBuffer(rmemBytes); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set udp read buffer: %w", err)
		}
	}
	s := &udpSource{conn: conn, packets: make(chan udpPacket, 256)}
	go s.readLoop()
	return s, nil
}

func (s *udpSource) readLoop() {
	buf := make([]byte, udpReadBufferSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			s.packets <- udpPacket{err: err}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.packets <- udpPacket{data: data, addr: addr}
	}
}

func (s *udpSource) WriteTo(payload []byte, addr net.Addr) error {
	if s.write != nil {
		return s.write(payload, addr)
	}
	if s.conn == nil {
		return fmt.Errorf("udp socket not bound")
	}
	_, err := s.conn.WriteTo(payload, addr)
	return err
}

func (s *udpSource) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// acceptSource owns a TCP listener and pumps accepted connections into a
// channel. Like udpSource, its accept goroutine exits after the first
// error and the supervisor recreates the source.
type acceptSource struct {
	ln    net.Listener
	conns chan acceptResult
}

func openListener(port int) (*acceptSource, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	s := &acceptSource{ln: ln, conns: make(chan acceptResult, 64)}
	go s.acceptLoop()
	return s, nil
}

func (s *acceptSource) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.conns <- acceptResult{err: err}
			return
		}
		s.conns <- acceptResult{conn: conn}
	}
}

func (s *acceptSource) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
}
